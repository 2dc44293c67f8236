package device

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/tidlbench/tidlbench/internal/accel"
	"github.com/tidlbench/tidlbench/internal/accel/sim"
	"github.com/tidlbench/tidlbench/internal/stats"
)

var testInputs = []accel.TensorInfo{
	{Name: "input_0", Shape: []int64{4, 3, 8, 8}, DType: accel.Float32},
}

// bundleZip packages a compiled sim bundle the way the compilation
// server ships it: one model file plus the side files.
func bundleZip(t *testing.T, modelName string, extraModels ...string) []byte {
	t.Helper()

	modelData, err := json.Marshal(map[string]any{"inputs": testInputs, "subgraphs": 2})
	if err != nil {
		t.Fatal(err)
	}
	meta, err := json.Marshal(map[string]any{"subgraphs": 2, "tensor_bits": "8"})
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	files := map[string][]byte{
		modelName:                 modelData,
		"bundle.json":             meta,
		"subgraph_0_tidl_net.bin": []byte("net0"),
		"subgraph_1_tidl_net.bin": []byte("net1"),
	}
	for _, extra := range extraModels {
		files[extra] = modelData
	}
	for name, data := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestLoadArtifactBundle(t *testing.T) {
	m, err := Load(sim.New(), t.TempDir(), bundleZip(t, "model.onnx"))
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if !m.Accelerated() {
		t.Error("bundle load should enable the accelerator provider")
	}
	if m.BatchSize() != 4 {
		t.Errorf("BatchSize = %d, want 4 from leading input dim", m.BatchSize())
	}
}

func TestLoadAmbiguousBundle(t *testing.T) {
	_, err := Load(sim.New(), t.TempDir(), bundleZip(t, "model.onnx", "second.onnx"))
	if !errors.Is(err, ErrAmbiguousArtifact) {
		t.Fatalf("err = %v, want ErrAmbiguousArtifact", err)
	}

	// Zero model files is just as ambiguous as two.
	_, err = Load(sim.New(), t.TempDir(), bundleZip(t, "model.bin"))
	if !errors.Is(err, ErrAmbiguousArtifact) {
		t.Fatalf("err = %v, want ErrAmbiguousArtifact", err)
	}
}

func TestLoadBareModelCPUBaseline(t *testing.T) {
	payload, err := json.Marshal(map[string]any{"inputs": testInputs})
	if err != nil {
		t.Fatal(err)
	}

	m, err := Load(sim.New(), t.TempDir(), payload)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if m.Accelerated() {
		t.Error("bare model load should stay on the CPU")
	}

	report, err := m.Stats(12.5)
	if err != nil {
		t.Fatal(err)
	}
	want := stats.Report{stats.KeyLatency: 12.5}
	if len(report) != 1 || report[stats.KeyLatency] != want[stats.KeyLatency] {
		t.Fatalf("CPU baseline report = %v, want latency only", report)
	}
}

func TestBenchmarkRunPositive(t *testing.T) {
	m, err := Load(sim.New(), t.TempDir(), bundleZip(t, "model.onnx"))
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	for i := 0; i < 10; i++ {
		ms, err := m.BenchmarkRun()
		if err != nil {
			t.Fatal(err)
		}
		if ms <= 0 {
			t.Fatalf("run %d latency = %v, want positive", i, ms)
		}
	}
}

func TestMeasureDividesByBatch(t *testing.T) {
	m, err := Load(sim.New(), t.TempDir(), bundleZip(t, "model.onnx"))
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	latency, err := m.Measure(1, 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	if latency <= 0 {
		t.Fatalf("latency = %v, want positive", latency)
	}

	report, err := m.Stats(latency)
	if err != nil {
		t.Fatal(err)
	}
	if report[stats.KeyTotal] <= 0 {
		t.Errorf("total_ms = %v, want positive", report[stats.KeyTotal])
	}
	if got := report[stats.KeyNPUExecution] + report[stats.KeyCPUExecution]; got != report[stats.KeyTotalExec] {
		t.Errorf("NPU+CPU = %v, total_execution_ms = %v", got, report[stats.KeyTotalExec])
	}
}
