// Package sim is a software implementation of the accel.Backend
// boundary. It compiles models into the same bundle shape the TIDL
// toolchain produces (one model file plus per-subgraph side files) and
// reports raw counters that behave like the hardware's, so every layer
// above the boundary can run without a board or the native SDK.
package sim

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tidlbench/tidlbench/internal/accel"
)

const bundleMetaFile = "bundle.json"

// modelSpec is the sim model file format: a JSON declaration of the
// graph inputs. CompileError, when set, makes compile sessions fail with
// that message (used to exercise the compiler failure domain).
type modelSpec struct {
	Inputs       []accel.TensorInfo `json:"inputs"`
	Subgraphs    int                `json:"subgraphs,omitempty"`
	CompileError string             `json:"compile_error,omitempty"`
}

// bundleMeta is written next to the compiled side files and read back by
// inference sessions.
type bundleMeta struct {
	Subgraphs  int    `json:"subgraphs"`
	TensorBits string `json:"tensor_bits"`
}

// Backend is the sim accelerator backend.
type Backend struct{}

// New creates a sim backend.
func New() *Backend { return &Backend{} }

func (b *Backend) Name() string { return "sim" }

func (b *Backend) CompilationSupported() bool { return true }

func loadSpec(modelPath string) (*modelSpec, error) {
	data, err := os.ReadFile(modelPath)
	if err != nil {
		return nil, err
	}
	var spec modelSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("read model %s: %w", modelPath, err)
	}
	if len(spec.Inputs) == 0 {
		return nil, fmt.Errorf("model %s declares no inputs", modelPath)
	}
	for _, in := range spec.Inputs {
		if _, err := accel.ParseDType(string(in.DType)); err != nil {
			return nil, fmt.Errorf("model input %s: %w", in.Name, err)
		}
	}
	return &spec, nil
}

func (b *Backend) Inputs(modelPath string) ([]accel.TensorInfo, error) {
	spec, err := loadSpec(modelPath)
	if err != nil {
		return nil, err
	}
	return spec.Inputs, nil
}

// InferShapes validates the model declaration and rewrites it in place,
// standing in for onnx shape inference.
func (b *Backend) InferShapes(modelPath string) error {
	spec, err := loadSpec(modelPath)
	if err != nil {
		return err
	}
	data, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	return os.WriteFile(modelPath, data, 0o644)
}

func (b *Backend) OpenCompileSession(modelPath string, opts accel.Options) (accel.Session, error) {
	spec, err := loadSpec(modelPath)
	if err != nil {
		return nil, err
	}
	artifacts := opts["artifacts_folder"]
	if artifacts == "" {
		return nil, fmt.Errorf("compile options missing artifacts_folder")
	}

	subgraphs := spec.Subgraphs
	if subgraphs <= 0 {
		subgraphs = 1
	}
	if maxStr := opts["max_num_subgraphs"]; maxStr != "" {
		if max, err := strconv.Atoi(maxStr); err == nil && subgraphs > max {
			subgraphs = max
		}
	}

	return &session{
		spec:         spec,
		modelPath:    modelPath,
		artifactsDir: artifacts,
		subgraphs:    subgraphs,
		tensorBits:   opts["tensor_bits"],
		compiling:    true,
	}, nil
}

func (b *Backend) OpenInferenceSession(modelPath, artifactsDir string) (accel.Session, error) {
	spec, err := loadSpec(modelPath)
	if err != nil {
		return nil, err
	}

	s := &session{spec: spec, modelPath: modelPath}
	if artifactsDir != "" {
		data, err := os.ReadFile(filepath.Join(artifactsDir, bundleMetaFile))
		if err != nil {
			return nil, fmt.Errorf("artifacts directory %s has no compiled bundle: %w", artifactsDir, err)
		}
		var meta bundleMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			return nil, fmt.Errorf("corrupt bundle metadata: %w", err)
		}
		s.accelerated = true
		s.subgraphs = meta.Subgraphs
	}
	return s, nil
}

type session struct {
	spec         *modelSpec
	modelPath    string
	artifactsDir string
	subgraphs    int
	tensorBits   string
	compiling    bool
	accelerated  bool
	counters     map[string]int64
}

func (s *session) Inputs() []accel.TensorInfo { return s.spec.Inputs }

// Run executes one pass. For compile sessions each pass also
// materializes the artifact bundle, matching the real provider which
// emits artifacts during calibration runs.
func (s *session) Run(feed map[string]accel.Tensor) error {
	if s.compiling && s.spec.CompileError != "" {
		return fmt.Errorf("%s", s.spec.CompileError)
	}

	start := time.Now()
	h := fnv.New64a()
	for _, in := range s.spec.Inputs {
		t, ok := feed[in.Name]
		if !ok {
			return fmt.Errorf("feed missing input %q", in.Name)
		}
		if t.DType != in.DType {
			return fmt.Errorf("input %q: feed dtype %s does not match declared %s", in.Name, t.DType, in.DType)
		}
		h.Write(t.Data)
	}
	elapsed := time.Since(start).Nanoseconds()
	if elapsed < 1000 {
		elapsed = 1000
	}

	if s.compiling {
		if err := s.writeArtifacts(); err != nil {
			return err
		}
	}
	if s.accelerated {
		s.counters = syntheticCounters(start.UnixNano(), elapsed, s.subgraphs)
	}
	return nil
}

// writeArtifacts emits per-subgraph network/io side files and the bundle
// metadata. Idempotent across calibration passes.
func (s *session) writeArtifacts() error {
	for i := 0; i < s.subgraphs; i++ {
		net := filepath.Join(s.artifactsDir, fmt.Sprintf("subgraph_%d_tidl_net.bin", i))
		io := filepath.Join(s.artifactsDir, fmt.Sprintf("subgraph_%d_tidl_io.bin", i))
		payload := []byte(fmt.Sprintf("sim-compiled subgraph %d of %s\n", i, filepath.Base(s.modelPath)))
		if err := os.WriteFile(net, payload, 0o644); err != nil {
			return err
		}
		if err := os.WriteFile(io, payload, 0o644); err != nil {
			return err
		}
	}
	meta, err := json.Marshal(bundleMeta{Subgraphs: s.subgraphs, TensorBits: s.tensorBits})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.artifactsDir, bundleMetaFile), meta, 0o644)
}

// syntheticCounters partitions a measured run window the way the TIDL
// runtime reports it: per-subgraph copy-in, processing and copy-out
// windows inside the overall run window, with the remainder attributed
// to CPU execution.
func syntheticCounters(base, total int64, subgraphs int) map[string]int64 {
	c := map[string]int64{
		accel.CounterRunStart:   base,
		accel.CounterRunEnd:     base + total,
		accel.CounterReadStart:  base,
		accel.CounterReadEnd:    base + total/4,
		accel.CounterWriteStart: base + total/2,
		accel.CounterWriteEnd:   base + total/2 + total/8,
	}

	if subgraphs <= 0 {
		subgraphs = 1
	}
	copyIn := total / 10 / int64(subgraphs)
	copyOut := total / 10 / int64(subgraphs)
	proc := total / 2 / int64(subgraphs)

	cursor := base
	for i := 0; i < subgraphs; i++ {
		id := strconv.Itoa(i)
		c[accel.SubgraphCounter(id, "copy_in_start")] = cursor
		c[accel.SubgraphCounter(id, "copy_in_end")] = cursor + copyIn
		cursor += copyIn
		c[accel.SubgraphCounter(id, "proc_start")] = cursor
		c[accel.SubgraphCounter(id, "proc_end")] = cursor + proc
		cursor += proc
		c[accel.SubgraphCounter(id, "copy_out_start")] = cursor
		c[accel.SubgraphCounter(id, "copy_out_end")] = cursor + copyOut
		cursor += copyOut
	}
	return c
}

func (s *session) RawCounters() (map[string]int64, error) {
	if !s.accelerated {
		return nil, fmt.Errorf("raw counters are only available with the accelerator provider")
	}
	if s.counters == nil {
		return nil, fmt.Errorf("no run has been executed yet")
	}
	return s.counters, nil
}

func (s *session) Close() error { return nil }

// WriteModel writes a sim model file declaring the given inputs. Used by
// tooling and tests to fabricate models.
func WriteModel(path string, inputs []accel.TensorInfo, subgraphs int) error {
	data, err := json.Marshal(modelSpec{Inputs: inputs, Subgraphs: subgraphs})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
