package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tidlbench/tidlbench/internal/accel"
	"github.com/tidlbench/tidlbench/internal/accel/sim"
	"github.com/tidlbench/tidlbench/internal/calibration"
)

// The pool re-execs this binary with the compile-worker argument; speak
// the protocol instead of running the test list.
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == "compile-worker" {
		if err := Serve(os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

var testInputs = []accel.TensorInfo{
	{Name: "input_0", Shape: []int64{1, 3, 8, 8}, DType: accel.Float32},
}

func testJob(t *testing.T) Job {
	t.Helper()
	dir := t.TempDir()

	modelPath := filepath.Join(dir, "model.onnx")
	if err := sim.WriteModel(modelPath, testInputs, 1); err != nil {
		t.Fatal(err)
	}
	calibDir := filepath.Join(dir, "calibration")
	if err := os.MkdirAll(calibDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := calibration.Generate(testInputs, calibDir, 2); err != nil {
		t.Fatal(err)
	}

	return Job{
		Backend:            "sim",
		ToolsPath:          dir,
		ModelPath:          modelPath,
		OutputDir:          filepath.Join(dir, "artifacts"),
		CalibrationDataDir: calibDir,
		ModelCfg:           accel.Options{},
		PrecisionCfg:       accel.Options{"tensor_bits": "8"},
		CalibrationCfg:     accel.Options{},
	}
}

func TestRunJob(t *testing.T) {
	job := testJob(t)
	if err := RunJob(job); err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if _, err := os.Stat(filepath.Join(job.OutputDir, "subgraph_0_tidl_net.bin")); err != nil {
		t.Errorf("missing artifact: %v", err)
	}
}

func TestRunJobUnknownBackend(t *testing.T) {
	job := testJob(t)
	job.Backend = "no-such-backend"
	if err := RunJob(job); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestServeRoundTrip(t *testing.T) {
	job := testJob(t)
	data, err := json.Marshal(job)
	if err != nil {
		t.Fatal(err)
	}

	in := bytes.NewBuffer(append(data, '\n'))
	var out bytes.Buffer
	if err := Serve(in, &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	var res Result
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if !res.OK {
		t.Fatalf("result not OK: %s", res.Error)
	}
}

func TestServeReportsJobFailure(t *testing.T) {
	// A model that declares a compile error exercises the failure path
	// without killing the serving loop.
	job := testJob(t)
	spec := `{"inputs":[{"name":"input_0","shape":[1,3,8,8],"dtype":"float32"}],"compile_error":"unsupported layer"}`
	if err := os.WriteFile(job.ModelPath, []byte(spec), 0o644); err != nil {
		t.Fatal(err)
	}
	job.DisableShapeInfer = true

	data, err := json.Marshal(job)
	if err != nil {
		t.Fatal(err)
	}
	in := bytes.NewBuffer(append(data, '\n'))
	var out bytes.Buffer
	if err := Serve(in, &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	var res Result
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.OK || res.Error == "" {
		t.Fatalf("result = %+v, want failure with message", res)
	}
}

func TestPoolRunsJobInChildProcess(t *testing.T) {
	pool := NewPool()
	defer pool.Close()

	job := testJob(t)
	if err := pool.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(job.OutputDir, "subgraph_0_tidl_net.bin")); err != nil {
		t.Errorf("missing artifact: %v", err)
	}
}

func TestPoolSurfacesCompileErrorAndKeepsServing(t *testing.T) {
	pool := NewPool()
	defer pool.Close()
	ctx := context.Background()

	bad := testJob(t)
	spec := `{"inputs":[{"name":"input_0","shape":[1,3,8,8],"dtype":"float32"}],"compile_error":"unsupported layer"}`
	if err := os.WriteFile(bad.ModelPath, []byte(spec), 0o644); err != nil {
		t.Fatal(err)
	}
	bad.DisableShapeInfer = true

	err := pool.Run(ctx, bad)
	var compilerErr *CompilerError
	if !errors.As(err, &compilerErr) {
		t.Fatalf("err = %v, want CompilerError", err)
	}
	if !strings.Contains(compilerErr.Message, "unsupported layer") {
		t.Errorf("message = %q, want the compiler cause", compilerErr.Message)
	}

	// A reported compile error does not cost the child; the next job
	// runs on the same process.
	if err := pool.Run(ctx, testJob(t)); err != nil {
		t.Fatalf("Run after compile error: %v", err)
	}
}

func TestPoolRestartsDeadChild(t *testing.T) {
	pool := NewPool()
	defer pool.Close()
	ctx := context.Background()

	if err := pool.Run(ctx, testJob(t)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	pool.mu.Lock()
	first := pool.child
	pool.mu.Unlock()
	if first == nil {
		t.Fatal("no resident child after a run")
	}
	first.cmd.Process.Kill()
	first.cmd.Wait()

	err := pool.Run(ctx, testJob(t))
	var compilerErr *CompilerError
	if !errors.As(err, &compilerErr) {
		t.Fatalf("err = %v, want CompilerError for a dead child", err)
	}
	if !strings.Contains(compilerErr.Message, "compile worker died") {
		t.Errorf("message = %q, want the crash cause", compilerErr.Message)
	}

	// The parent stays alive; the next call gets a fresh child.
	if err := pool.Run(ctx, testJob(t)); err != nil {
		t.Fatalf("Run after crash: %v", err)
	}
	pool.mu.Lock()
	second := pool.child
	pool.mu.Unlock()
	if second == nil || second == first {
		t.Fatal("child was not respawned")
	}
}

func TestServeMalformedJob(t *testing.T) {
	in := bytes.NewBufferString("this is not json\n")
	var out bytes.Buffer
	if err := Serve(in, &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	scanner := bufio.NewScanner(&out)
	if !scanner.Scan() {
		t.Fatal("no response line")
	}
	var res Result
	if err := json.Unmarshal(scanner.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.OK {
		t.Fatal("malformed job reported OK")
	}
}
