// Package tidl drives the TIDL compiler through the accel backend
// boundary: option map assembly, calibration execution and artifact
// placement.
package tidl

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tidlbench/tidlbench/internal/accel"
	"github.com/tidlbench/tidlbench/internal/calibration"
)

// ToolsPathEnv is the environment variable naming the native toolchain
// directory. Required unless a path is passed explicitly.
const ToolsPathEnv = "TIDL_TOOLS_PATH"

const (
	platform        = "J7"
	platformVersion = "7.2"
	maxSubgraphCap  = 16
)

// DefaultMaxNumSubgraphs is the subgraph partition bound used when the
// caller does not choose one.
const DefaultMaxNumSubgraphs = maxSubgraphCap

// Compiler compiles ONNX models into TIDL artifact bundles.
type Compiler struct {
	backend         accel.Backend
	toolsPath       string
	debugLevel      DebugLevel
	maxNumSubgraphs int
	ncFlag          int
}

// NewCompiler validates the environment and returns a Compiler.
// toolsPath falls back to TIDL_TOOLS_PATH; a missing path or a backend
// without compilation capability is a startup-time configuration error.
func NewCompiler(backend accel.Backend, toolsPath string, debugLevel DebugLevel, maxNumSubgraphs int) (*Compiler, error) {
	if toolsPath == "" {
		toolsPath = os.Getenv(ToolsPathEnv)
	}
	if toolsPath == "" {
		return nil, fmt.Errorf("tidl tools path must be set explicitly or via %s", ToolsPathEnv)
	}
	if !backend.CompilationSupported() {
		return nil, fmt.Errorf("backend %s cannot compile on this host", backend.Name())
	}
	if maxNumSubgraphs <= 0 || maxNumSubgraphs > maxSubgraphCap {
		return nil, fmt.Errorf("max_num_subgraphs must be in range (0, %d], got %d", maxSubgraphCap, maxNumSubgraphs)
	}

	abs, err := filepath.Abs(toolsPath)
	if err != nil {
		return nil, err
	}
	return &Compiler{
		backend:         backend,
		toolsPath:       abs,
		debugLevel:      debugLevel,
		maxNumSubgraphs: maxNumSubgraphs,
	}, nil
}

// CompileParams collects everything one compile call needs, with typed
// configuration.
type CompileParams struct {
	ModelPath          string
	OutputDir          string
	CalibrationDataDir string

	ModelCfg       ModelCfg
	PrecisionCfg   PrecisionCfg
	CalibrationCfg CalibrationCfg

	// CopyModelToOutput places the original model file next to the
	// artifacts so the bundle runs without recompiling.
	CopyModelToOutput bool

	DisableShapeInference bool

	// ForceOverwrite recreates an existing output directory instead of
	// refusing it.
	ForceOverwrite bool
}

// FlatParams is the same call with configuration already flattened to
// option maps. This is the shape that crosses the worker process
// boundary.
type FlatParams struct {
	ModelPath          string
	OutputDir          string
	CalibrationDataDir string

	ModelCfg       accel.Options
	PrecisionCfg   accel.Options
	CalibrationCfg accel.Options

	CopyModelToOutput bool
	DisableShapeInfer bool
	ForceOverwrite    bool
}

// Compile runs the full compilation with typed configuration.
func (c *Compiler) Compile(p CompileParams) error {
	return c.CompileFlat(FlatParams{
		ModelPath:          p.ModelPath,
		OutputDir:          p.OutputDir,
		CalibrationDataDir: p.CalibrationDataDir,
		ModelCfg:           p.ModelCfg.CfgMap(),
		PrecisionCfg:       p.PrecisionCfg.CfgMap(),
		CalibrationCfg:     p.CalibrationCfg.CfgMap(),
		CopyModelToOutput:  p.CopyModelToOutput,
		DisableShapeInfer:  p.DisableShapeInference,
		ForceOverwrite:     p.ForceOverwrite,
	})
}

// options assembles the final flat compiler option map: platform and
// toolchain constants, the merged config maps and the calibration
// sample count.
func (c *Compiler) options(p FlatParams, calibrationFrames int) accel.Options {
	opts := accel.Options{
		"platform":            platform,
		"version":             platformVersion,
		"debug_level":         strconv.Itoa(int(c.debugLevel)),
		"tidl_tools_path":     c.toolsPath,
		"artifacts_folder":    p.OutputDir,
		"max_num_subgraphs":   strconv.Itoa(c.maxNumSubgraphs),
		"ti_internal_nc_flag": strconv.Itoa(c.ncFlag),
	}
	for _, m := range []accel.Options{p.ModelCfg, p.PrecisionCfg, p.CalibrationCfg} {
		for k, v := range m {
			opts[k] = v
		}
	}
	opts["advanced_options:calibration_frames"] = strconv.Itoa(calibrationFrames)
	return opts
}

// CompileFlat runs the full compilation: prepare the output directory,
// assemble options, infer shapes in place, open the compile session and
// push every calibration sample through it. The calibration passes ARE
// the compilation; the provider observes them to derive quantization
// parameters and writes the artifacts as a side effect.
func (c *Compiler) CompileFlat(p FlatParams) error {
	outputDir, err := filepath.Abs(p.OutputDir)
	if err != nil {
		return err
	}
	p.OutputDir = outputDir

	if info, err := os.Stat(outputDir); err == nil {
		if !info.IsDir() {
			return fmt.Errorf("output path %s must be a directory", outputDir)
		}
		if !p.ForceOverwrite {
			return fmt.Errorf("output directory %s already exists", outputDir)
		}
		if err := os.RemoveAll(outputDir); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return err
	}

	samples, err := calibration.List(p.CalibrationDataDir)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		return calibration.ErrNoSamples
	}

	modelPath, err := filepath.Abs(p.ModelPath)
	if err != nil {
		return err
	}
	if !p.DisableShapeInfer {
		log.Printf("running shape inference over %s", filepath.Base(modelPath))
		if err := c.backend.InferShapes(modelPath); err != nil {
			return fmt.Errorf("shape inference: %w", err)
		}
	}

	opts := c.options(p, len(samples))
	session, err := c.backend.OpenCompileSession(modelPath, opts)
	if err != nil {
		return fmt.Errorf("open compile session: %w", err)
	}
	defer session.Close()

	// Every sample is consumed exactly once, serially, in listing order.
	log.Printf("running calibration over %d samples", len(samples))
	for _, samplePath := range samples {
		feed, err := calibration.LoadSample(samplePath)
		if err != nil {
			return err
		}
		if err := session.Run(feed); err != nil {
			return fmt.Errorf("calibration run %s: %w", filepath.Base(samplePath), err)
		}
	}
	log.Printf("calibration finished")

	if p.CopyModelToOutput {
		data, err := os.ReadFile(modelPath)
		if err != nil {
			return err
		}
		dst := filepath.Join(outputDir, filepath.Base(modelPath))
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}
