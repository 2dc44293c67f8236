package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tidlbench/tidlbench/internal/accel/backends"
	"github.com/tidlbench/tidlbench/internal/calibration"
	"github.com/tidlbench/tidlbench/internal/tidl"
)

var compileLocalCmd = &cobra.Command{
	Use:   "compile-local",
	Short: "Compile a model on this host without a server",
	Long: `Compile an ONNX model into a TIDL artifact bundle using the local
toolchain. When no calibration data directory is given, synthetic
samples are generated and the result is only valid for latency
measurement.`,
	RunE: runCompileLocal,
}

var (
	localModelPath      string
	localOutputDir      string
	localCalibrationDir string
	localBackendName    string
	localToolsPath      string
	localDebugLevel     int
	localTensorBits     int
	localMaxSubgraphs   int
	localAlgorithm      string
	localForce          bool
)

func init() {
	compileLocalCmd.Flags().StringVarP(&localModelPath, "onnx-model", "m", "", "Path to ONNX model (required)")
	compileLocalCmd.Flags().StringVarP(&localOutputDir, "output-dir", "O", "", "Artifact output directory (required)")
	compileLocalCmd.Flags().StringVarP(&localCalibrationDir, "calibration-data-dir", "c", "", "Directory of calibration samples (synthetic samples are generated when empty)")
	compileLocalCmd.Flags().StringVar(&localBackendName, "backend", envOrDefault("TIDLBENCH_BACKEND", "sim"), "Accelerator backend")
	compileLocalCmd.Flags().StringVar(&localToolsPath, "tidl-tools-path", "", "TIDL toolchain directory (defaults to $TIDL_TOOLS_PATH)")
	compileLocalCmd.Flags().IntVar(&localDebugLevel, "debug-level", 0, "Compiler debug level (0..6)")
	compileLocalCmd.Flags().IntVar(&localTensorBits, "tensor-bits", 8, "Tensor bit width (8, 16 or 32)")
	compileLocalCmd.Flags().IntVar(&localMaxSubgraphs, "max-num-subgraphs", tidl.DefaultMaxNumSubgraphs, "Subgraph partition bound")
	compileLocalCmd.Flags().StringVar(&localAlgorithm, "calibration-algorithm", "BASIC", "Calibration tier (BASIC, ADVANCED or USER_DEFINED)")
	compileLocalCmd.Flags().BoolVarP(&localForce, "force", "f", false, "Overwrite an existing output directory")
	_ = compileLocalCmd.MarkFlagRequired("onnx-model")
	_ = compileLocalCmd.MarkFlagRequired("output-dir")
	RootCmd.AddCommand(compileLocalCmd)
}

// localCalibrationCfg couples the iteration count to the tier: a BASIC
// compile runs a single calibration pass, every other tier gets the
// refinement default.
func localCalibrationCfg(level tidl.AccuracyLevel) tidl.CalibrationCfg {
	cfg := tidl.DefaultCalibrationCfg(level)
	if level == tidl.AccuracyBasic {
		cfg.CalibrationIterations = 1
	}
	return cfg
}

func runCompileLocal(cmd *cobra.Command, args []string) error {
	backend, err := backends.Open(localBackendName)
	if err != nil {
		return err
	}
	debugLevel, err := tidl.ParseDebugLevel(localDebugLevel)
	if err != nil {
		return err
	}
	tensorBits, err := tidl.ParseTensorBits(localTensorBits)
	if err != nil {
		return err
	}
	level, err := tidl.ParseAccuracyLevel(localAlgorithm)
	if err != nil {
		return err
	}

	compiler, err := tidl.NewCompiler(backend, localToolsPath, debugLevel, localMaxSubgraphs)
	if err != nil {
		return err
	}

	calibrationDir := localCalibrationDir
	calibrationCfg := localCalibrationCfg(level)
	if calibrationDir == "" {
		tmp, err := os.MkdirTemp("", "tidlbench-calibration-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmp)

		inputs, err := backend.Inputs(localModelPath)
		if err != nil {
			return fmt.Errorf("read model inputs: %w", err)
		}
		if err := calibration.Generate(inputs, tmp, calibration.DefaultSampleCount); err != nil {
			return err
		}
		calibrationDir = tmp
	}

	err = compiler.Compile(tidl.CompileParams{
		ModelPath:          localModelPath,
		OutputDir:          localOutputDir,
		CalibrationDataDir: calibrationDir,
		PrecisionCfg:       tidl.PrecisionCfg{TensorBits: tensorBits},
		CalibrationCfg:     calibrationCfg,
		ForceOverwrite:     localForce,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Artifacts written to %s\n", localOutputDir)
	return nil
}
