// Package stats converts the runtime's raw hardware counters into the
// normalized millisecond latency report returned to clients.
package stats

import (
	"sort"
	"strings"

	"github.com/tidlbench/tidlbench/internal/accel"
)

// Report maps a latency category to a duration in milliseconds.
type Report map[string]float64

// Report keys.
const (
	KeyTotal         = "total_ms"
	KeyDDRRead       = "ddr_read_ms"
	KeyDDRWrite      = "ddr_write_ms"
	KeyNPUExecution  = "NPU_execution_ms"
	KeyNPUCopyInput  = "NPU_copy_input_ms"
	KeyNPUCopyOutput = "NPU_copy_output_ms"
	KeyTotalExec     = "total_execution_ms"
	KeyCPUExecution  = "CPU_execution_ms"
	KeyLatency       = "latency"
	KeyORTOverhead   = "ORT_overhead_ms"
)

const nsPerMs = 1e6

// SubgraphIDs discovers the subgraph id set present in a raw counter
// map. The id set is determined by which keys exist, never fixed at
// compile time.
func SubgraphIDs(raw map[string]int64) []string {
	var ids []string
	for k := range raw {
		if strings.HasPrefix(k, accel.SubgraphPrefix) && strings.HasSuffix(k, "_proc_start") {
			ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(k, accel.SubgraphPrefix), "_proc_start"))
		}
	}
	sort.Strings(ids)
	return ids
}

// Aggregate decomposes raw nanosecond counters into the millisecond
// report and appends the wall-clock mean latency. Per-subgraph windows
// are summed across every subgraph id present. total_execution_ms and
// CPU_execution_ms are derived, not independently measured, so
// total_execution_ms == NPU_execution_ms + CPU_execution_ms holds by
// construction. ORT_overhead_ms may come out negative when the wall
// clock baseline precedes the accelerator timestamps; it is reported
// as-is, never clamped.
func Aggregate(raw map[string]int64, wallLatencyMs float64) Report {
	r := Report{
		KeyTotal:         float64(raw[accel.CounterRunEnd] - raw[accel.CounterRunStart]),
		KeyDDRRead:       float64(raw[accel.CounterReadEnd] - raw[accel.CounterReadStart]),
		KeyDDRWrite:      float64(raw[accel.CounterWriteEnd] - raw[accel.CounterWriteStart]),
		KeyNPUExecution:  0,
		KeyNPUCopyInput:  0,
		KeyNPUCopyOutput: 0,
	}

	for _, id := range SubgraphIDs(raw) {
		r[KeyNPUExecution] += float64(raw[accel.SubgraphCounter(id, "proc_end")] - raw[accel.SubgraphCounter(id, "proc_start")])
		r[KeyNPUCopyInput] += float64(raw[accel.SubgraphCounter(id, "copy_in_end")] - raw[accel.SubgraphCounter(id, "copy_in_start")])
		r[KeyNPUCopyOutput] += float64(raw[accel.SubgraphCounter(id, "copy_out_end")] - raw[accel.SubgraphCounter(id, "copy_out_start")])
	}

	for k, v := range r {
		r[k] = v / nsPerMs
	}

	r[KeyTotalExec] = r[KeyTotal] - r[KeyNPUCopyInput] - r[KeyNPUCopyOutput]
	r[KeyCPUExecution] = r[KeyTotalExec] - r[KeyNPUExecution]

	r[KeyLatency] = wallLatencyMs
	r[KeyORTOverhead] = wallLatencyMs - r[KeyTotal]
	return r
}

// Mean returns the arithmetic mean of vals, 0 for an empty slice.
func Mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
