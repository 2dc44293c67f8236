// Package api exposes the two HTTP services: the compilation server
// (where the toolchain lives) and the device measurement server (on the
// board).
package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/tidlbench/tidlbench/internal/accel"
	"github.com/tidlbench/tidlbench/internal/calibration"
	"github.com/tidlbench/tidlbench/internal/client"
	"github.com/tidlbench/tidlbench/internal/database"
	"github.com/tidlbench/tidlbench/internal/orchestrator"
)

// CompileServer holds the compilation server's dependencies.
type CompileServer struct {
	orch   *orchestrator.Orchestrator
	device *client.Client
	repo   database.Repo // optional
}

// NewCompileServer creates the compilation server. device is the client
// for the measurement server on the board; repo may be nil.
func NewCompileServer(orch *orchestrator.Orchestrator, device *client.Client, repo database.Repo) *CompileServer {
	return &CompileServer{orch: orch, device: device, repo: repo}
}

// RegisterRoutes registers all routes on the given mux.
func (s *CompileServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /compile", s.handleCompile)
	mux.HandleFunc("POST /measure", s.handleMeasure)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /healthz", handleHealthz)
}

func (s *CompileServer) handleCompile(w http.ResponseWriter, r *http.Request) {
	var req client.CompileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Model) == 0 {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}

	archivePath, jobID, err := s.orch.Compile(r.Context(), req.Model, req.CalibrationData)
	if err != nil {
		log.Printf("[%s] compilation failed: %v", jobID[:8], err)
		writeError(w, statusFor(err), err.Error())
		return
	}

	data, err := os.ReadFile(archivePath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("read archive: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleMeasure compiles the model with synthetic calibration and
// forwards the artifact bundle to the device server for measurement.
func (s *CompileServer) handleMeasure(w http.ResponseWriter, r *http.Request) {
	var req client.MeasureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Model) == 0 {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}

	ctx := r.Context()
	digest := sha256.Sum256(req.Model)
	jobID := orchestrator.NewJobID()

	// The run is pending from the moment the job is accepted, not from
	// when compilation finishes.
	s.recordCreate(&database.MeasurementRun{
		ID:            jobID,
		ModelDigest:   hex.EncodeToString(digest[:]),
		AccuracyLevel: orchestrator.TierPolicy(false).AccuracyLevel.String(),
	})

	archivePath, err := s.orch.CompileJob(ctx, jobID, req.Model, nil)
	if err != nil {
		log.Printf("[%s] compilation failed: %v", jobID[:8], err)
		s.recordFail(jobID, err)
		writeError(w, statusFor(err), err.Error())
		return
	}

	artifacts, err := os.ReadFile(archivePath)
	if err != nil {
		s.recordFail(jobID, err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("read archive: %v", err))
		return
	}

	log.Printf("[%s] forwarding %d bytes of artifacts to device", jobID[:8], len(artifacts))
	report, err := s.device.Measure(ctx, artifacts)
	if err != nil {
		s.recordFail(jobID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if s.repo != nil {
		if err := s.repo.CompleteRun(ctx, jobID, report); err != nil {
			log.Printf("[%s] record run: %v", jobID[:8], err)
		}
	}
	writeJSON(w, http.StatusOK, report)
}

// handleGetRun returns the recorded measurement run for a job id.
func (s *CompileServer) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.repo == nil {
		writeError(w, http.StatusNotFound, "run history is not enabled")
		return
	}
	run, err := s.repo.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "no such run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *CompileServer) recordCreate(run *database.MeasurementRun) {
	if s.repo == nil {
		return
	}
	if err := s.repo.CreateRun(context.Background(), run); err != nil {
		log.Printf("record run %s: %v", run.ID, err)
	}
}

func (s *CompileServer) recordFail(jobID string, cause error) {
	if s.repo == nil {
		return
	}
	if err := s.repo.FailRun(context.Background(), jobID, cause.Error()); err != nil {
		log.Printf("record run %s: %v", jobID, err)
	}
}

// statusFor maps the error taxonomy onto HTTP statuses: input errors
// are the caller's fault; everything else, isolated compiler failures
// included, is a server-side error carrying the causing message.
func statusFor(err error) int {
	switch {
	case errors.Is(err, calibration.ErrInvalidArchive),
		errors.Is(err, calibration.ErrNoSamples),
		errors.Is(err, accel.ErrUnknownDType):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
