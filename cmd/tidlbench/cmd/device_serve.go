package cmd

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/tidlbench/tidlbench/internal/accel/backends"
	"github.com/tidlbench/tidlbench/internal/api"
	"github.com/tidlbench/tidlbench/internal/config"
)

var deviceServeCmd = &cobra.Command{
	Use:   "device-serve",
	Short: "Run the device measurement server on the board",
	RunE:  runDeviceServe,
}

var (
	devConfigPath string
	devHost       string
	devPort       int
	devWarmup     int
	devRepeat     int
	devNumber     int
	devWorkingDir string
	devBackend    string
	devReboot     bool
)

func init() {
	deviceServeCmd.Flags().StringVar(&devConfigPath, "config", "", "Path to YAML config file")
	deviceServeCmd.Flags().StringVar(&devHost, "host", "0.0.0.0", "Host name or IP address to bind")
	deviceServeCmd.Flags().IntVar(&devPort, "port", 15003, "Port to bind")
	deviceServeCmd.Flags().IntVar(&devWarmup, "warmup", 50, "Discarded warmup iterations before measuring")
	deviceServeCmd.Flags().IntVar(&devRepeat, "repeat", 5, "Measured repeat iterations")
	deviceServeCmd.Flags().IntVar(&devNumber, "number", 50, "Iterations per repeat")
	deviceServeCmd.Flags().StringVar(&devWorkingDir, "working-dir", "./working_dir", "Working directory for tmp files")
	deviceServeCmd.Flags().StringVar(&devBackend, "backend", envOrDefault("TIDLBENCH_BACKEND", "sim"), "Accelerator backend")
	deviceServeCmd.Flags().BoolVar(&devReboot, "reboot-after-measure", false, "Exit shortly after each measurement so the supervisor restarts the board")
	RootCmd.AddCommand(deviceServeCmd)
}

func runDeviceServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadDeviceServer(devConfigPath)
	if err != nil {
		return err
	}
	applyDeviceFlags(cmd, &cfg)

	backend, err := backends.Open(cfg.Backend)
	if err != nil {
		return err
	}

	srv := api.NewDeviceServer(api.DeviceServerConfig{
		Backend:            backend,
		WorkingDir:         cfg.WorkingDir,
		Warmup:             cfg.Warmup,
		Repeat:             cfg.Repeat,
		Number:             cfg.Number,
		RebootAfterMeasure: cfg.RebootAfterMeasure,
	})

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	// On a deferred self-restart, drain in-flight requests and exit;
	// the process supervisor brings the board back up clean.
	go func() {
		<-srv.ShutdownRequested()
		log.Printf("shutdown requested, draining")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpSrv.Shutdown(ctx)
	}()

	log.Printf("device measurement server starting on %s (backend=%s, warmup=%d, repeat=%d, number=%d)",
		addr, cfg.Backend, cfg.Warmup, cfg.Repeat, cfg.Number)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func applyDeviceFlags(cmd *cobra.Command, cfg *config.DeviceServerConfig) {
	f := cmd.Flags()
	if f.Changed("host") {
		cfg.Host = devHost
	}
	if f.Changed("port") {
		cfg.Port = devPort
	}
	if f.Changed("warmup") {
		cfg.Warmup = devWarmup
	}
	if f.Changed("repeat") {
		cfg.Repeat = devRepeat
	}
	if f.Changed("number") {
		cfg.Number = devNumber
	}
	if f.Changed("working-dir") {
		cfg.WorkingDir = devWorkingDir
	}
	if f.Changed("backend") {
		cfg.Backend = devBackend
	}
	if f.Changed("reboot-after-measure") {
		cfg.RebootAfterMeasure = devReboot
	}
}
