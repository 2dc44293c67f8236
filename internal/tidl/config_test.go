package tidl

import (
	"testing"
)

func TestModelCfgMap(t *testing.T) {
	cfg := ModelCfg{
		IsODModel:         true,
		DenyListLayerType: []string{"MaxPool", "Concat"},
		DenyListLayerName: []string{"conv1"},
	}
	m := cfg.CfgMap()

	if got := m["model_type"]; got != "OD" {
		t.Errorf("model_type = %q, want OD", got)
	}
	if got := m["deny_list:layer_type"]; got != "MaxPool,Concat" {
		t.Errorf("deny_list:layer_type = %q, want MaxPool,Concat", got)
	}
	if got := m["deny_list:layer_name"]; got != "conv1" {
		t.Errorf("deny_list:layer_name = %q, want conv1", got)
	}
	if got := m["allow_list:layer_name"]; got != "" {
		t.Errorf("allow_list:layer_name = %q, want empty", got)
	}

	if got := (ModelCfg{}).CfgMap()["model_type"]; got != "" {
		t.Errorf("model_type for non-OD model = %q, want empty", got)
	}
}

func TestCfgMapEmptyVsNilLists(t *testing.T) {
	// An absent list and an explicitly empty one must flatten
	// identically; downstream consumers have never seen a difference.
	withNil := ModelCfg{DenyListLayerName: nil}.CfgMap()
	withEmpty := ModelCfg{DenyListLayerName: []string{}}.CfgMap()
	if withNil["deny_list:layer_name"] != withEmpty["deny_list:layer_name"] {
		t.Errorf("nil list flattens to %q, empty list to %q",
			withNil["deny_list:layer_name"], withEmpty["deny_list:layer_name"])
	}
	if withNil["deny_list:layer_name"] != "" {
		t.Errorf("nil list flattens to %q, want empty string", withNil["deny_list:layer_name"])
	}
}

func TestPrecisionCfgMap(t *testing.T) {
	factor := 0.5
	cfg := PrecisionCfg{
		TensorBits:              Tensor16Bits,
		OutputFeature16BitNames: []string{"feat_a", "feat_b"},
		MixedPrecisionFactor:    &factor,
	}
	m := cfg.CfgMap()

	if got := m["tensor_bits"]; got != "16" {
		t.Errorf("tensor_bits = %q, want 16", got)
	}
	if got := m["advanced_options:output_feature_16bit_names_list"]; got != "feat_a,feat_b" {
		t.Errorf("output_feature_16bit_names_list = %q", got)
	}
	if got := m["advanced_options:mixed_precision_factor"]; got != "0.5" {
		t.Errorf("mixed_precision_factor = %q, want 0.5", got)
	}
}

func TestPrecisionCfgMapAbsentFactorSentinel(t *testing.T) {
	m := PrecisionCfg{TensorBits: Tensor8Bits}.CfgMap()
	if got := m["advanced_options:mixed_precision_factor"]; got != "-1" {
		t.Errorf("absent mixed_precision_factor = %q, want -1 sentinel", got)
	}
}

func TestCalibrationCfgMap(t *testing.T) {
	cfg := DefaultCalibrationCfg(AccuracyAdvanced)
	cfg.CalibrationIterations = 10
	cfg.ChannelWiseQuantization = true
	m := cfg.CfgMap()

	want := map[string]string{
		"accuracy_level": "1",
		"advanced_options:quantization_scale_type":      "0",
		"advanced_options:high_resolution_optimization": "0",
		"advanced_options:activation_clipping":          "1",
		"advanced_options:weight_clipping":              "1",
		"advanced_options:bias_calibration":             "1",
		"advanced_options:calibration_iterations":       "10",
		"advanced_options:add_data_convert_ops":         "3",
		"advanced_options:channel_wise_quantization":    "1",
	}
	for k, v := range want {
		if m[k] != v {
			t.Errorf("%s = %q, want %q", k, m[k], v)
		}
	}
	if len(m) != len(want) {
		t.Errorf("map has %d keys, want %d: %v", len(m), len(want), m)
	}
}

func TestParseAccuracyLevel(t *testing.T) {
	tests := []struct {
		name    string
		want    AccuracyLevel
		wantErr bool
	}{
		{"BASIC", AccuracyBasic, false},
		{"basic", AccuracyBasic, false},
		{"ADVANCED", AccuracyAdvanced, false},
		{"USER_DEFINED", AccuracyUserDefined, false},
		{"EXTREME", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseAccuracyLevel(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAccuracyLevel(%q) error = %v, wantErr %t", tt.name, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseAccuracyLevel(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestParseDebugLevel(t *testing.T) {
	if _, err := ParseDebugLevel(3); err != nil {
		t.Errorf("ParseDebugLevel(3) error = %v", err)
	}
	for _, v := range []int{-1, 7} {
		if _, err := ParseDebugLevel(v); err == nil {
			t.Errorf("ParseDebugLevel(%d) accepted, want error", v)
		}
	}
}

func TestParseTensorBits(t *testing.T) {
	for _, v := range []int{8, 16, 32} {
		if _, err := ParseTensorBits(v); err != nil {
			t.Errorf("ParseTensorBits(%d) error = %v", v, err)
		}
	}
	for _, v := range []int{0, 4, 64} {
		if _, err := ParseTensorBits(v); err == nil {
			t.Errorf("ParseTensorBits(%d) accepted, want error", v)
		}
	}
}
