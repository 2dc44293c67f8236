// Package client wraps the HTTP calls to the compilation and device
// servers. A non-success response is a fatal transport error carrying
// the remote status and reason; retries, if any, belong to the caller.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tidlbench/tidlbench/internal/stats"
)

// CompileRequest is the /compile payload. Byte fields travel base64
// encoded. A nil CalibrationData selects synthetic calibration.
type CompileRequest struct {
	Model           []byte `json:"model"`
	CalibrationData []byte `json:"calibration_data,omitempty"`
}

// MeasureRequest is the /measure payload: a serialized model, or an
// artifact archive when sent straight to a device server.
type MeasureRequest struct {
	Model []byte `json:"model"`
}

// Client wraps HTTP calls to one server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client targeting the given base URL
// (e.g. "http://localhost:15003").
func New(baseURL string) *Client {
	return &Client{baseURL: baseURL, httpClient: http.DefaultClient}
}

// NewWithHTTPClient creates a Client with a caller-owned http.Client,
// typically to impose a wall-clock timeout on long compilations.
func NewWithHTTPClient(baseURL string, hc *http.Client) *Client {
	return &Client{baseURL: baseURL, httpClient: hc}
}

// Compile submits a model (plus optional calibration zip) and returns
// the compiled artifact archive bytes.
func (c *Client) Compile(ctx context.Context, model, calibrationData []byte) ([]byte, error) {
	body, err := json.Marshal(CompileRequest{Model: model, CalibrationData: calibrationData})
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, "/compile", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.readError(resp)
	}
	return io.ReadAll(resp.Body)
}

// Measure submits a model (or artifact archive) for latency measurement
// and returns the latency report.
func (c *Client) Measure(ctx context.Context, model []byte) (stats.Report, error) {
	body, err := json.Marshal(MeasureRequest{Model: model})
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, "/measure", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.readError(resp)
	}
	var report stats.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return report, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) readError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var apiErr struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
		return fmt.Errorf("server error %d: %s", resp.StatusCode, apiErr.Error)
	}
	return fmt.Errorf("server error %d: %s", resp.StatusCode, string(bytes.TrimSpace(body)))
}
