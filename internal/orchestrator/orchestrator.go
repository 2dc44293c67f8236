// Package orchestrator owns the end-to-end compilation job: working
// directory lifecycle, calibration policy, isolated worker dispatch and
// artifact packaging.
package orchestrator

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/tidlbench/tidlbench/internal/accel"
	"github.com/tidlbench/tidlbench/internal/calibration"
	"github.com/tidlbench/tidlbench/internal/tidl"
	"github.com/tidlbench/tidlbench/internal/worker"
)

// Working tree slots. One job owns the whole tree; it is wiped and
// recreated at job start, and left as-is after a failure for postmortem.
const (
	modelFileName   = "model.onnx"
	artifactsSlot   = "artifacts"
	calibrationSlot = "calibration_data"
	archiveName     = "artifacts.zip"
)

// Uploader persists a packaged archive outside the working tree.
// Optional; failures are logged and never fail the job.
type Uploader interface {
	Put(ctx context.Context, key, path string) error
}

// Config wires an Orchestrator.
type Config struct {
	Backend     accel.Backend
	BackendName string
	Runner      worker.Runner
	WorkingDir  string
	ToolsPath   string
	TensorBits  tidl.TensorBits
	Uploader    Uploader
}

// Orchestrator compiles models through the isolated worker, one job at
// a time. Not safe for two instances to share one working directory.
type Orchestrator struct {
	cfg Config
	mu  sync.Mutex // jobs are strictly sequential; the tree has one owner
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.TensorBits == 0 {
		cfg.TensorBits = tidl.Tensor8Bits
	}
	return &Orchestrator{cfg: cfg}
}

func (o *Orchestrator) modelPath() string {
	return filepath.Join(o.cfg.WorkingDir, modelFileName)
}

func (o *Orchestrator) artifactsDir() string {
	return filepath.Join(o.cfg.WorkingDir, artifactsSlot)
}

func (o *Orchestrator) calibrationDir() string {
	return filepath.Join(o.cfg.WorkingDir, calibrationSlot)
}

// ArchivePath is where a successful job's packaged bundle lands.
func (o *Orchestrator) ArchivePath() string {
	return filepath.Join(o.cfg.WorkingDir, archiveName)
}

// ResetWorkingTree wipes and recreates the working directory tree:
// model slot, artifacts slot, calibration slot. No state survives from
// the previous job, including orphans left by an aborted one.
func (o *Orchestrator) ResetWorkingTree() error {
	if err := os.RemoveAll(o.cfg.WorkingDir); err != nil {
		return fmt.Errorf("wipe working dir: %w", err)
	}
	for _, dir := range []string{o.cfg.WorkingDir, o.artifactsDir(), o.calibrationDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create working dir: %w", err)
		}
	}
	return nil
}

// TierPolicy selects the calibration configuration for a job. Without
// client calibration data the model is compiled against synthetic
// samples at the BASIC tier with a single iteration: zero accuracy
// guarantee, latency validity only. A supplied archive gets the
// ADVANCED tier, ten iterations, with batchnorm fold, activation and
// weight clipping and bias calibration all enabled.
func TierPolicy(hasCalibrationData bool) tidl.CalibrationCfg {
	if !hasCalibrationData {
		cfg := tidl.DefaultCalibrationCfg(tidl.AccuracyBasic)
		cfg.CalibrationIterations = 1
		return cfg
	}
	cfg := tidl.DefaultCalibrationCfg(tidl.AccuracyAdvanced)
	cfg.CalibrationIterations = 10
	cfg.PreBatchnormFold = true
	cfg.ActivationClipping = true
	cfg.WeightClipping = true
	cfg.BiasCalibration = true
	return cfg
}

// NewJobID mints the identifier for one compilation job. Callers that
// need the id before dispatch (to record the run as pending) mint it
// themselves and pass it to CompileJob.
func NewJobID() string { return uuid.NewString() }

// Compile runs one compilation job under a fresh id and returns the
// packaged archive path along with that id.
func (o *Orchestrator) Compile(ctx context.Context, model, calibrationData []byte) (string, string, error) {
	jobID := NewJobID()
	archive, err := o.CompileJob(ctx, jobID, model, calibrationData)
	return archive, jobID, err
}

// CompileJob runs one compilation job and returns the packaged archive
// path. Steps run strictly in order and a failure at any step aborts
// the rest, leaving the tree in place for diagnosis.
func (o *Orchestrator) CompileJob(ctx context.Context, jobID string, model, calibrationData []byte) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	short := jobID[:8]

	if err := o.ResetWorkingTree(); err != nil {
		return "", err
	}
	if err := os.WriteFile(o.modelPath(), model, 0o644); err != nil {
		return "", fmt.Errorf("persist model: %w", err)
	}

	log.Printf("[%s] resolving calibration data (supplied=%t)", short, calibrationData != nil)
	if err := calibration.Resolve(o.cfg.Backend, o.modelPath(), calibrationData, o.calibrationDir(), calibration.DefaultSampleCount); err != nil {
		return "", err
	}

	// Fail fast on a broken model before committing to a long compile.
	if err := o.cfg.Backend.InferShapes(o.modelPath()); err != nil {
		return "", fmt.Errorf("shape inference: %w", err)
	}

	calibrationCfg := TierPolicy(calibrationData != nil)
	job := worker.Job{
		Backend:            o.cfg.BackendName,
		ToolsPath:          o.cfg.ToolsPath,
		MaxNumSubgraphs:    tidl.DefaultMaxNumSubgraphs,
		ModelPath:          o.modelPath(),
		OutputDir:          o.artifactsDir(),
		CalibrationDataDir: o.calibrationDir(),
		ModelCfg:           tidl.ModelCfg{}.CfgMap(),
		PrecisionCfg:       tidl.PrecisionCfg{TensorBits: o.cfg.TensorBits}.CfgMap(),
		CalibrationCfg:     calibrationCfg.CfgMap(),
		CopyModelToOutput:  true,
		DisableShapeInfer:  true,
	}

	log.Printf("[%s] starting isolated compilation (tier=%s)", short, calibrationCfg.AccuracyLevel)
	if err := o.cfg.Runner.Run(ctx, job); err != nil {
		return "", err
	}
	log.Printf("[%s] compilation finished", short)

	archive := o.ArchivePath()
	if err := zipDir(o.artifactsDir(), archive); err != nil {
		return "", fmt.Errorf("package artifacts: %w", err)
	}

	if o.cfg.Uploader != nil {
		key := fmt.Sprintf("artifacts/%s.zip", jobID)
		if err := o.cfg.Uploader.Put(ctx, key, archive); err != nil {
			log.Printf("[%s] artifact upload failed: %v", short, err)
		}
	}
	return archive, nil
}

// zipDir packages the artifacts directory as a single atomic archive.
func zipDir(dir, dest string) error {
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	})
	if err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}
