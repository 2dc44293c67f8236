package cmd

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/tidlbench/tidlbench/internal/accel/backends"
	"github.com/tidlbench/tidlbench/internal/api"
	"github.com/tidlbench/tidlbench/internal/artifactstore"
	"github.com/tidlbench/tidlbench/internal/client"
	"github.com/tidlbench/tidlbench/internal/config"
	"github.com/tidlbench/tidlbench/internal/database"
	"github.com/tidlbench/tidlbench/internal/orchestrator"
	"github.com/tidlbench/tidlbench/internal/tidl"
	"github.com/tidlbench/tidlbench/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the compilation server",
	Long: `Run the compilation/orchestration server: receives ONNX models,
compiles them for the TDA4 NPU and forwards the artifact bundle to the
device measurement server.`,
	RunE: runServe,
}

var (
	serveConfigPath string
	serveHost       string
	servePort       int
	serveDeviceHost string
	serveDevicePort int
	serveWorkingDir string
	serveBackend    string
	serveTensorBits int
	serveToolsPath  string
)

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Path to YAML config file")
	serveCmd.Flags().StringVar(&serveHost, "host", "0.0.0.0", "Host name or IP address to bind")
	serveCmd.Flags().IntVar(&servePort, "port", 15003, "Port to bind")
	serveCmd.Flags().StringVar(&serveDeviceHost, "device-host", "", "Host of the measurement server on the board (required)")
	serveCmd.Flags().IntVar(&serveDevicePort, "device-port", 15003, "Port of the measurement server on the board")
	serveCmd.Flags().StringVar(&serveWorkingDir, "working-dir", "./working_dir", "Working directory for per-job files")
	serveCmd.Flags().StringVar(&serveBackend, "backend", envOrDefault("TIDLBENCH_BACKEND", "sim"), "Accelerator backend")
	serveCmd.Flags().IntVar(&serveTensorBits, "tensor-bits", 8, "Tensor bit width (8, 16 or 32)")
	serveCmd.Flags().StringVar(&serveToolsPath, "tidl-tools-path", "", "TIDL toolchain directory (default $TIDL_TOOLS_PATH)")
	RootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadCompileServer(serveConfigPath)
	if err != nil {
		return err
	}
	applyServeFlags(cmd, &cfg)

	if cfg.DeviceHost == "" {
		return fmt.Errorf("device host is required (--device-host or config)")
	}
	bits, err := tidl.ParseTensorBits(cfg.TensorBits)
	if err != nil {
		return err
	}
	backend, err := backends.Open(cfg.Backend)
	if err != nil {
		return err
	}

	// Fail at startup, not at request time, when the toolchain is
	// missing or the host cannot compile.
	if _, err := tidl.NewCompiler(backend, cfg.TidlToolsPath, tidl.NoDebug, tidl.DefaultMaxNumSubgraphs); err != nil {
		return err
	}

	pool := worker.NewPool()
	defer pool.Close()

	orchCfg := orchestrator.Config{
		Backend:     backend,
		BackendName: cfg.Backend,
		Runner:      pool,
		WorkingDir:  cfg.WorkingDir,
		ToolsPath:   cfg.TidlToolsPath,
		TensorBits:  bits,
	}

	ctx := context.Background()
	if cfg.ArtifactBucket != "" {
		store, err := artifactstore.New(ctx, cfg.ArtifactBucket)
		if err != nil {
			return err
		}
		orchCfg.Uploader = store
		log.Printf("artifact upload enabled: s3://%s", cfg.ArtifactBucket)
	}

	var repo database.Repo
	if cfg.DatabaseURL != "" {
		r, err := database.NewRepository(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer r.Close()
		repo = r
		log.Printf("measurement-run history enabled")
	}

	deviceURL := fmt.Sprintf("http://%s:%d", cfg.DeviceHost, cfg.DevicePort)
	srv := api.NewCompileServer(orchestrator.New(orchCfg), client.New(deviceURL), repo)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	log.Printf("compilation server starting on %s (backend=%s, device=%s)", addr, cfg.Backend, deviceURL)
	return http.ListenAndServe(addr, mux)
}

func applyServeFlags(cmd *cobra.Command, cfg *config.CompileServerConfig) {
	f := cmd.Flags()
	if f.Changed("host") {
		cfg.Host = serveHost
	}
	if f.Changed("port") {
		cfg.Port = servePort
	}
	if f.Changed("device-host") {
		cfg.DeviceHost = serveDeviceHost
	}
	if f.Changed("device-port") {
		cfg.DevicePort = serveDevicePort
	}
	if f.Changed("working-dir") {
		cfg.WorkingDir = serveWorkingDir
	}
	if f.Changed("backend") {
		cfg.Backend = serveBackend
	}
	if f.Changed("tensor-bits") {
		cfg.TensorBits = serveTensorBits
	}
	if f.Changed("tidl-tools-path") {
		cfg.TidlToolsPath = serveToolsPath
	}
}
