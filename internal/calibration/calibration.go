// Package calibration produces the calibration dataset a compilation
// job runs over: either real client-supplied samples unpacked from a
// zip archive, or synthetic fill-value samples derived from the model's
// declared inputs.
package calibration

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidlbench/tidlbench/internal/accel"
)

// DefaultSampleCount is the number of synthetic samples generated when
// the client supplies no calibration data.
const DefaultSampleCount = 2

// SampleExt is the calibration sample file extension. A sample file is
// a JSON object mapping input name to tensor.
const SampleExt = ".json"

var (
	// ErrInvalidArchive reports a calibration payload that is not a zip
	// archive. Fatal, never retried.
	ErrInvalidArchive = errors.New("calibration data must be a zip archive")

	// ErrNoSamples reports a calibration directory with zero sample
	// files. Compilation is refused.
	ErrNoSamples = errors.New("no calibration samples found")
)

// Resolve populates dir with the job's calibration dataset. A non-nil
// archive must be a valid zip and is extracted as-is; otherwise
// sampleCount synthetic samples are generated from the model's declared
// inputs. The directory must end up with at least one sample.
func Resolve(backend accel.Backend, modelPath string, archive []byte, dir string, sampleCount int) error {
	if archive != nil {
		if err := Unpack(archive, dir); err != nil {
			return err
		}
	} else {
		inputs, err := backend.Inputs(modelPath)
		if err != nil {
			return fmt.Errorf("read model inputs: %w", err)
		}
		if err := Generate(inputs, dir, sampleCount); err != nil {
			return err
		}
	}

	n, err := CountSamples(dir)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoSamples
	}
	return nil
}

// Unpack extracts a client-supplied calibration zip into dir.
func Unpack(archive []byte, dir string) error {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}

	for _, f := range zr.File {
		name := filepath.Clean(f.Name)
		if name == "." || strings.HasPrefix(name, "..") {
			continue
		}
		dst := filepath.Join(dir, name)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("extract %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("extract %s: %w", f.Name, err)
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// Generate writes sampleCount synthetic samples into dir. Sample i
// (1-based) fills every declared input entirely with the scalar value i,
// deterministic and distinct per sample. There is no accuracy guarantee;
// the compiled model is only valid for latency measurement.
func Generate(inputs []accel.TensorInfo, dir string, sampleCount int) error {
	if sampleCount <= 0 {
		sampleCount = DefaultSampleCount
	}

	for i := 1; i <= sampleCount; i++ {
		sample := make(map[string]accel.Tensor, len(inputs))
		for _, in := range inputs {
			t, err := accel.Full(in, float64(i))
			if err != nil {
				return fmt.Errorf("input %s: %w", in.Name, err)
			}
			sample[in.Name] = t
		}
		data, err := json.Marshal(sample)
		if err != nil {
			return err
		}
		path := filepath.Join(dir, fmt.Sprintf("calibration_data_%d%s", i, SampleExt))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// List returns the sample file paths in dir in directory-listing order.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("calibration directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), SampleExt) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// CountSamples counts the sample files in dir.
func CountSamples(dir string) (int, error) {
	paths, err := List(dir)
	if err != nil {
		return 0, err
	}
	return len(paths), nil
}

// LoadSample reads one sample file back into an input feed.
func LoadSample(path string) (map[string]accel.Tensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sample map[string]accel.Tensor
	if err := json.Unmarshal(data, &sample); err != nil {
		return nil, fmt.Errorf("sample %s: %w", filepath.Base(path), err)
	}
	return sample, nil
}
