package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tidlbench/tidlbench/internal/stats"
)

func TestCompileSendsModelAndCalibration(t *testing.T) {
	var got CompileRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/compile" {
			t.Errorf("path = %s, want /compile", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/zip")
		w.Write([]byte("archive-bytes"))
	}))
	defer ts.Close()

	archive, err := New(ts.URL).Compile(context.Background(), []byte("model"), []byte("calib"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(archive, []byte("archive-bytes")) {
		t.Errorf("archive = %q", archive)
	}
	if !bytes.Equal(got.Model, []byte("model")) || !bytes.Equal(got.CalibrationData, []byte("calib")) {
		t.Errorf("request = %+v", got)
	}
}

func TestCompileOmitsAbsentCalibration(t *testing.T) {
	var raw map[string]json.RawMessage
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write(nil)
	}))
	defer ts.Close()

	if _, err := New(ts.URL).Compile(context.Background(), []byte("model"), nil); err != nil {
		t.Fatal(err)
	}
	if _, present := raw["calibration_data"]; present {
		t.Error("absent calibration data still serialized")
	}
}

func TestMeasureDecodesReport(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(stats.Report{stats.KeyLatency: 2.25, stats.KeyTotal: 2})
	}))
	defer ts.Close()

	report, err := New(ts.URL).Measure(context.Background(), []byte("model"))
	if err != nil {
		t.Fatal(err)
	}
	if report[stats.KeyLatency] != 2.25 {
		t.Errorf("latency = %v, want 2.25", report[stats.KeyLatency])
	}
}

func TestErrorCarriesStatusAndReason(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"structured", `{"error":"model is required"}`, "server error 400: model is required"},
		{"raw", "plain failure text", "server error 400: plain failure text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			_, err := New(ts.URL).Measure(context.Background(), []byte("model"))
			if err == nil || err.Error() != tt.want {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestRequestFailure(t *testing.T) {
	_, err := New("http://127.0.0.1:1").Measure(context.Background(), []byte("model"))
	if err == nil {
		t.Fatal("expected transport error")
	}
}
