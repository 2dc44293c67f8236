package tidl

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidlbench/tidlbench/internal/accel"
)

// DebugLevel controls TIDL compiler debug output. Levels 4 and 5 are
// experimental in the vendor tooling.
type DebugLevel int

const (
	NoDebug DebugLevel = iota
	Debug1
	Debug2
	Debug3
	Debug4Experimental
	Debug5Experimental
	Debug6Experimental
)

// ParseDebugLevel validates a numeric debug level.
func ParseDebugLevel(v int) (DebugLevel, error) {
	if v < int(NoDebug) || v > int(Debug6Experimental) {
		return 0, fmt.Errorf("invalid debug level %d (must be 0..6)", v)
	}
	return DebugLevel(v), nil
}

// TensorBits is the fixed-point tensor bit width. 32 is PC-inference
// only, never valid on device.
type TensorBits int

const (
	Tensor8Bits  TensorBits = 8
	Tensor16Bits TensorBits = 16
	Tensor32Bits TensorBits = 32
)

// ParseTensorBits validates a bit width.
func ParseTensorBits(v int) (TensorBits, error) {
	switch TensorBits(v) {
	case Tensor8Bits, Tensor16Bits, Tensor32Bits:
		return TensorBits(v), nil
	}
	return 0, fmt.Errorf("invalid tensor bits %d (must be 8, 16 or 32)", v)
}

// AccuracyLevel is the calibration quality/cost preset.
type AccuracyLevel int

const (
	AccuracyBasic       AccuracyLevel = 0
	AccuracyAdvanced    AccuracyLevel = 1
	AccuracyUserDefined AccuracyLevel = 9
)

// ParseAccuracyLevel resolves a tier name (BASIC, ADVANCED, USER_DEFINED).
func ParseAccuracyLevel(name string) (AccuracyLevel, error) {
	switch strings.ToUpper(name) {
	case "BASIC":
		return AccuracyBasic, nil
	case "ADVANCED":
		return AccuracyAdvanced, nil
	case "USER_DEFINED":
		return AccuracyUserDefined, nil
	}
	return 0, fmt.Errorf("invalid accuracy level %q (must be BASIC, ADVANCED or USER_DEFINED)", name)
}

func (a AccuracyLevel) String() string {
	switch a {
	case AccuracyBasic:
		return "BASIC"
	case AccuracyAdvanced:
		return "ADVANCED"
	case AccuracyUserDefined:
		return "USER_DEFINED"
	}
	return fmt.Sprintf("AccuracyLevel(%d)", int(a))
}

// QuantizationScaleType selects the quantization scale grid.
// TFLiteAsymmetric only applies to pre-quantized tflite models.
type QuantizationScaleType int

const (
	NonPowerOf2      QuantizationScaleType = 0
	PowerOf2         QuantizationScaleType = 1
	TFLiteAsymmetric QuantizationScaleType = 3
)

// DataConversion controls insertion of input/output format conversion ops.
type DataConversion int

const (
	ConvertDisable     DataConversion = 0
	ConvertInput       DataConversion = 1
	ConvertOutput      DataConversion = 2
	ConvertInputOutput DataConversion = 3
)

// joinList flattens an optional name list for the compiler's textual
// option format. A nil list and an empty list both flatten to ""; the
// downstream tooling has never distinguished the two and changing this
// would be a silent compatibility break.
func joinList(values []string) string {
	return strings.Join(values, ",")
}

func boolFlag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// ModelCfg holds model-level compiler options.
type ModelCfg struct {
	IsODModel          bool
	DenyListLayerType  []string
	DenyListLayerName  []string
	AllowListLayerName []string
}

// CfgMap flattens the config into compiler option keys.
func (c ModelCfg) CfgMap() accel.Options {
	modelType := ""
	if c.IsODModel {
		modelType = "OD"
	}
	return accel.Options{
		"model_type":            modelType,
		"deny_list:layer_type":  joinList(c.DenyListLayerType),
		"deny_list:layer_name":  joinList(c.DenyListLayerName),
		"allow_list:layer_name": joinList(c.AllowListLayerName),
	}
}

// PrecisionCfg holds quantization precision options. A nil
// MixedPrecisionFactor serializes as the -1 sentinel.
type PrecisionCfg struct {
	TensorBits              TensorBits
	OutputFeature16BitNames []string
	Params16BitNames        []string
	MixedPrecisionFactor    *float64
}

// CfgMap flattens the config into compiler option keys.
func (c PrecisionCfg) CfgMap() accel.Options {
	factor := "-1"
	if c.MixedPrecisionFactor != nil {
		factor = strconv.FormatFloat(*c.MixedPrecisionFactor, 'g', -1, 64)
	}
	return accel.Options{
		"tensor_bits": strconv.Itoa(int(c.TensorBits)),
		"advanced_options:output_feature_16bit_names_list": joinList(c.OutputFeature16BitNames),
		"advanced_options:params_16bit_names_list":         joinList(c.Params16BitNames),
		"advanced_options:mixed_precision_factor":          factor,
	}
}

// CalibrationCfg holds the calibration procedure options.
type CalibrationCfg struct {
	AccuracyLevel              AccuracyLevel
	QuantizationScaleType      QuantizationScaleType
	HighResolutionOptimization bool
	PreBatchnormFold           bool
	ActivationClipping         bool
	WeightClipping             bool
	BiasCalibration            bool
	CalibrationIterations      int
	AddDataConvertOps          DataConversion
	ChannelWiseQuantization    bool
}

// DefaultCalibrationCfg returns the refinement defaults shared by every
// tier: batchnorm fold, clipping and bias calibration on, five
// iterations, input+output conversion ops.
func DefaultCalibrationCfg(level AccuracyLevel) CalibrationCfg {
	return CalibrationCfg{
		AccuracyLevel:         level,
		QuantizationScaleType: NonPowerOf2,
		PreBatchnormFold:      true,
		ActivationClipping:    true,
		WeightClipping:        true,
		BiasCalibration:       true,
		CalibrationIterations: 5,
		AddDataConvertOps:     ConvertInputOutput,
	}
}

// CfgMap flattens the config into compiler option keys; booleans
// serialize as 0/1. PreBatchnormFold never had a key in the vendor
// option surface and stays out of the map.
func (c CalibrationCfg) CfgMap() accel.Options {
	return accel.Options{
		"accuracy_level": strconv.Itoa(int(c.AccuracyLevel)),
		"advanced_options:quantization_scale_type":      strconv.Itoa(int(c.QuantizationScaleType)),
		"advanced_options:high_resolution_optimization": boolFlag(c.HighResolutionOptimization),
		"advanced_options:activation_clipping":          boolFlag(c.ActivationClipping),
		"advanced_options:weight_clipping":              boolFlag(c.WeightClipping),
		"advanced_options:bias_calibration":             boolFlag(c.BiasCalibration),
		"advanced_options:calibration_iterations":       strconv.Itoa(c.CalibrationIterations),
		"advanced_options:add_data_convert_ops":         strconv.Itoa(int(c.AddDataConvertOps)),
		"advanced_options:channel_wise_quantization":    boolFlag(c.ChannelWiseQuantization),
	}
}
