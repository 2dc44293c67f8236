package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/tidlbench/tidlbench/internal/accel"
	"github.com/tidlbench/tidlbench/internal/client"
	"github.com/tidlbench/tidlbench/internal/device"
)

// shutdownDelay is how long a reboot-after-measure device server keeps
// serving after the triggering measurement, so the response gets out
// before the supervisor restarts the process.
var shutdownDelay = 3 * time.Second

// DeviceServerConfig wires a DeviceServer.
type DeviceServerConfig struct {
	Backend    accel.Backend
	WorkingDir string
	Warmup     int
	Repeat     int
	Number     int

	// RebootAfterMeasure schedules a graceful exit shortly after each
	// measurement; the process supervisor is expected to restart the
	// board into a clean hardware state.
	RebootAfterMeasure bool
}

// DeviceServer runs measurements on the board.
type DeviceServer struct {
	cfg DeviceServerConfig

	mu           sync.Mutex // one measurement at a time
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// NewDeviceServer creates the device measurement server.
func NewDeviceServer(cfg DeviceServerConfig) *DeviceServer {
	return &DeviceServer{cfg: cfg, shutdownCh: make(chan struct{})}
}

// ShutdownRequested is closed when a deferred self-restart is due; the
// serving loop drains and exits.
func (s *DeviceServer) ShutdownRequested() <-chan struct{} {
	return s.shutdownCh
}

// RegisterRoutes registers all routes on the given mux.
func (s *DeviceServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /measure", s.handleMeasure)
	mux.HandleFunc("GET /healthz", handleHealthz)
}

// handleMeasure loads the payload (artifact bundle or bare model), runs
// the warmup and timed repetitions serially, and reports the latency
// breakdown.
func (s *DeviceServer) handleMeasure(w http.ResponseWriter, r *http.Request) {
	var req client.MeasureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Model) == 0 {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	model, err := device.Load(s.cfg.Backend, s.cfg.WorkingDir, req.Model)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, device.ErrAmbiguousArtifact) {
			code = http.StatusBadRequest
		}
		writeError(w, code, err.Error())
		return
	}
	defer model.Close()

	log.Printf("measuring latency (accelerated=%t, batch=%d, warmup=%d, runs=%d)",
		model.Accelerated(), model.BatchSize(), s.cfg.Warmup, s.cfg.Repeat*s.cfg.Number)

	latency, err := model.Measure(s.cfg.Warmup, s.cfg.Repeat, s.cfg.Number)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	report, err := model.Stats(latency)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if s.cfg.RebootAfterMeasure {
		log.Printf("measurement done; scheduling shutdown in %v", shutdownDelay)
		time.AfterFunc(shutdownDelay, func() {
			s.shutdownOnce.Do(func() { close(s.shutdownCh) })
		})
	}
	writeJSON(w, http.StatusOK, report)
}
