// Package config loads server configuration from an optional YAML file
// with environment-variable overrides.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CompileServerConfig configures the compilation server.
type CompileServerConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	DeviceHost string `yaml:"device_host"`
	DevicePort int    `yaml:"device_port"`
	WorkingDir string `yaml:"working_dir"`
	Backend    string `yaml:"backend"`
	TensorBits int    `yaml:"tensor_bits"`

	// TidlToolsPath overrides the TIDL_TOOLS_PATH environment variable.
	TidlToolsPath string `yaml:"tidl_tools_path"`

	// DatabaseURL enables measurement-run history when set.
	DatabaseURL string `yaml:"database_url"`

	// ArtifactBucket enables S3 artifact upload when set.
	ArtifactBucket string `yaml:"artifact_bucket"`
}

// DeviceServerConfig configures the device measurement server.
type DeviceServerConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Warmup             int    `yaml:"warmup"`
	Repeat             int    `yaml:"repeat"`
	Number             int    `yaml:"number"`
	WorkingDir         string `yaml:"working_dir"`
	Backend            string `yaml:"backend"`
	RebootAfterMeasure bool   `yaml:"reboot_after_measure"`
}

// DefaultCompileServer returns the compile server defaults with env
// overrides applied.
func DefaultCompileServer() CompileServerConfig {
	return CompileServerConfig{
		Host:           "0.0.0.0",
		Port:           15003,
		DevicePort:     15003,
		WorkingDir:     "./working_dir",
		Backend:        getEnv("TIDLBENCH_BACKEND", "sim"),
		TensorBits:     8,
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		ArtifactBucket: os.Getenv("ARTIFACT_BUCKET"),
	}
}

// DefaultDeviceServer returns the device server defaults with env
// overrides applied.
func DefaultDeviceServer() DeviceServerConfig {
	return DeviceServerConfig{
		Host:       "0.0.0.0",
		Port:       15003,
		Warmup:     50,
		Repeat:     5,
		Number:     50,
		WorkingDir: "./working_dir",
		Backend:    getEnv("TIDLBENCH_BACKEND", "sim"),
	}
}

// LoadCompileServer merges a YAML config file, if given, over the
// defaults.
func LoadCompileServer(path string) (CompileServerConfig, error) {
	cfg := DefaultCompileServer()
	if path == "" {
		return cfg, nil
	}
	if err := loadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadDeviceServer merges a YAML config file, if given, over the
// defaults.
func LoadDeviceServer(path string) (DeviceServerConfig, error) {
	cfg := DefaultDeviceServer()
	if path == "" {
		return cfg, nil
	}
	if err := loadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
