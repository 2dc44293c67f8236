package sim

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tidlbench/tidlbench/internal/accel"
)

var testInputs = []accel.TensorInfo{
	{Name: "x", Shape: []int64{1, 3, 4, 4}, DType: accel.Float32},
}

func testModel(t *testing.T, subgraphs int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.onnx")
	if err := WriteModel(path, testInputs, subgraphs); err != nil {
		t.Fatal(err)
	}
	return path
}

func feed(t *testing.T) map[string]accel.Tensor {
	t.Helper()
	out := map[string]accel.Tensor{}
	for _, in := range testInputs {
		tensor, err := accel.Ones(in)
		if err != nil {
			t.Fatal(err)
		}
		out[in.Name] = tensor
	}
	return out
}

func TestCompileSessionWritesArtifacts(t *testing.T) {
	b := New()
	modelPath := testModel(t, 2)
	artifacts := t.TempDir()

	session, err := b.OpenCompileSession(modelPath, accel.Options{
		"artifacts_folder": artifacts,
		"tensor_bits":      "8",
	})
	if err != nil {
		t.Fatal(err)
	}
	defer session.Close()

	if err := session.Run(feed(t)); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{
		"subgraph_0_tidl_net.bin", "subgraph_1_tidl_net.bin", "bundle.json",
	} {
		if _, err := os.Stat(filepath.Join(artifacts, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
}

func TestCompileSessionHonorsSubgraphCap(t *testing.T) {
	b := New()
	modelPath := testModel(t, 8)
	artifacts := t.TempDir()

	session, err := b.OpenCompileSession(modelPath, accel.Options{
		"artifacts_folder":  artifacts,
		"max_num_subgraphs": "3",
	})
	if err != nil {
		t.Fatal(err)
	}
	defer session.Close()
	if err := session.Run(feed(t)); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(artifacts, "subgraph_2_tidl_net.bin")); err != nil {
		t.Errorf("expected third subgraph: %v", err)
	}
	if _, err := os.Stat(filepath.Join(artifacts, "subgraph_3_tidl_net.bin")); err == nil {
		t.Error("fourth subgraph written past the cap")
	}
}

func TestCompileErrorPropagates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.onnx")
	spec := `{"inputs":[{"name":"x","shape":[1],"dtype":"float32"}],"compile_error":"unsupported layer"}`
	if err := os.WriteFile(path, []byte(spec), 0o644); err != nil {
		t.Fatal(err)
	}

	session, err := New().OpenCompileSession(path, accel.Options{"artifacts_folder": t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer session.Close()

	in, err := accel.Ones(accel.TensorInfo{Name: "x", Shape: []int64{1}, DType: accel.Float32})
	if err != nil {
		t.Fatal(err)
	}
	err = session.Run(map[string]accel.Tensor{"x": in})
	if err == nil || !strings.Contains(err.Error(), "unsupported layer") {
		t.Fatalf("err = %v, want compile error", err)
	}
}

func TestInferenceSessionCounters(t *testing.T) {
	b := New()
	modelPath := testModel(t, 2)
	artifacts := t.TempDir()

	compile, err := b.OpenCompileSession(modelPath, accel.Options{"artifacts_folder": artifacts})
	if err != nil {
		t.Fatal(err)
	}
	if err := compile.Run(feed(t)); err != nil {
		t.Fatal(err)
	}
	compile.Close()

	session, err := b.OpenInferenceSession(modelPath, artifacts)
	if err != nil {
		t.Fatal(err)
	}
	defer session.Close()

	if _, err := session.RawCounters(); err == nil {
		t.Fatal("RawCounters before any run should fail")
	}
	if err := session.Run(feed(t)); err != nil {
		t.Fatal(err)
	}
	raw, err := session.RawCounters()
	if err != nil {
		t.Fatal(err)
	}

	total := raw[accel.CounterRunEnd] - raw[accel.CounterRunStart]
	if total <= 0 {
		t.Fatalf("run window = %d, want positive", total)
	}
	for _, key := range []string{
		accel.SubgraphCounter("0", "proc_start"),
		accel.SubgraphCounter("1", "proc_start"),
	} {
		if _, ok := raw[key]; !ok {
			t.Errorf("missing counter %s", key)
		}
	}
}

func TestCPUSessionHasNoCounters(t *testing.T) {
	b := New()
	session, err := b.OpenInferenceSession(testModel(t, 1), "")
	if err != nil {
		t.Fatal(err)
	}
	defer session.Close()

	if err := session.Run(feed(t)); err != nil {
		t.Fatal(err)
	}
	if _, err := session.RawCounters(); err == nil {
		t.Fatal("CPU-only session reported raw counters")
	}
}

func TestRunRejectsMissingInput(t *testing.T) {
	b := New()
	session, err := b.OpenInferenceSession(testModel(t, 1), "")
	if err != nil {
		t.Fatal(err)
	}
	defer session.Close()

	if err := session.Run(map[string]accel.Tensor{}); err == nil {
		t.Fatal("expected error for missing input")
	}
}
