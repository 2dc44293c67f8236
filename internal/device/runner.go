// Package device loads compiled artifact bundles (or bare models for a
// CPU baseline) and runs the timed inference loop on the board.
package device

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidlbench/tidlbench/internal/accel"
	"github.com/tidlbench/tidlbench/internal/stats"
)

// ErrAmbiguousArtifact reports an artifact directory with zero or more
// than one model file. The runner never silently picks one.
var ErrAmbiguousArtifact = errors.New("artifacts directory must contain exactly one onnx model file")

// Model is a loaded model ready for benchmarking.
type Model struct {
	session     accel.Session
	feed        map[string]accel.Tensor
	batchSize   int
	accelerated bool
}

// Load materializes a measurement payload into workingDir and opens a
// session over it. A zip payload is an artifact bundle and gets the
// accelerator execution provider; anything else is treated as a bare
// model for a CPU-only baseline. The working directory is wiped and
// recreated unconditionally.
func Load(backend accel.Backend, workingDir string, payload []byte) (*Model, error) {
	if err := os.RemoveAll(workingDir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(workingDir, 0o755); err != nil {
		return nil, err
	}

	var modelPath, artifactsDir string
	if zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload))); err == nil {
		if err := extract(zr, workingDir); err != nil {
			return nil, err
		}
		artifactsDir = workingDir
		modelPath, err = findModelFile(workingDir)
		if err != nil {
			return nil, err
		}
	} else {
		modelPath = filepath.Join(workingDir, "model.onnx")
		if err := os.WriteFile(modelPath, payload, 0o644); err != nil {
			return nil, err
		}
	}

	session, err := backend.OpenInferenceSession(modelPath, artifactsDir)
	if err != nil {
		return nil, fmt.Errorf("open inference session: %w", err)
	}

	// One fixed all-ones feed, reused for every benchmark call: the loop
	// measures pure inference latency, not data-dependent variance.
	inputs := session.Inputs()
	feed := make(map[string]accel.Tensor, len(inputs))
	for _, in := range inputs {
		t, err := accel.Ones(in)
		if err != nil {
			session.Close()
			return nil, fmt.Errorf("input %s: %w", in.Name, err)
		}
		feed[in.Name] = t
	}

	batch := 1
	if len(inputs) > 0 && len(inputs[0].Shape) > 0 && inputs[0].Shape[0] > 1 {
		batch = int(inputs[0].Shape[0])
	}

	return &Model{
		session:     session,
		feed:        feed,
		batchSize:   batch,
		accelerated: artifactsDir != "",
	}, nil
}

func extract(zr *zip.Reader, dir string) error {
	for _, f := range zr.File {
		name := filepath.Clean(f.Name)
		if name == "." || strings.HasPrefix(name, "..") {
			continue
		}
		dst := filepath.Join(dir, name)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("extract %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("extract %s: %w", f.Name, err)
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func findModelFile(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.onnx"))
	if err != nil {
		return "", err
	}
	if len(matches) != 1 {
		return "", fmt.Errorf("%w: found %d", ErrAmbiguousArtifact, len(matches))
	}
	return matches[0], nil
}

// BatchSize is the first declared input's leading dimension.
func (m *Model) BatchSize() int { return m.batchSize }

// Accelerated reports whether the NPU execution provider is active.
func (m *Model) Accelerated() bool { return m.accelerated }

// BenchmarkRun executes exactly one inference with the fixed dummy feed
// and returns the wall-clock elapsed milliseconds around the call only.
func (m *Model) BenchmarkRun() (float64, error) {
	t0 := time.Now()
	if err := m.session.Run(m.feed); err != nil {
		return 0, err
	}
	return float64(time.Since(t0)) / float64(time.Millisecond), nil
}

// Measure runs the measurement protocol: warmup discarded calls, then
// repeat*number timed calls. The result is the arithmetic mean divided
// by the batch size (per-sample latency).
func (m *Model) Measure(warmup, repeat, number int) (float64, error) {
	for i := 0; i < warmup; i++ {
		if _, err := m.BenchmarkRun(); err != nil {
			return 0, fmt.Errorf("warmup run %d: %w", i, err)
		}
	}

	total := repeat * number
	times := make([]float64, 0, total)
	for i := 0; i < total; i++ {
		t, err := m.BenchmarkRun()
		if err != nil {
			return 0, fmt.Errorf("benchmark run %d: %w", i, err)
		}
		times = append(times, t)
	}
	return stats.Mean(times) / float64(m.batchSize), nil
}

// Stats builds the latency report for the last run. CPU-only baselines
// have no accelerator counters and report latency only.
func (m *Model) Stats(wallLatencyMs float64) (stats.Report, error) {
	if !m.accelerated {
		return stats.Report{stats.KeyLatency: wallLatencyMs}, nil
	}
	raw, err := m.session.RawCounters()
	if err != nil {
		return nil, fmt.Errorf("collect raw counters: %w", err)
	}
	return stats.Aggregate(raw, wallLatencyMs), nil
}

// Close releases the underlying session.
func (m *Model) Close() error { return m.session.Close() }
