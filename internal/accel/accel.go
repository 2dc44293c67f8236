// Package accel defines the boundary to the accelerator compiler and
// runtime. The orchestration pipeline never touches the native SDK
// directly; it only sees this capability surface, implemented by an
// adapter for whichever runtime build is linked (the TIDL onnxruntime
// adapter on real hardware, the sim backend everywhere else).
package accel

import "fmt"

// Options is the flat key-value option map handed to the compiler. All
// values are serialized as strings: booleans as "0"/"1", lists joined
// with commas. This is the only shape that crosses the worker process
// boundary.
type Options map[string]string

// Raw counter keys reported by the runtime. Subgraph windows use the
// ts:subgraph_<id>_ prefix; the id set is discovered from which keys
// exist, not fixed at compile time.
const (
	CounterRunStart   = "ts:run_start"
	CounterRunEnd     = "ts:run_end"
	CounterReadStart  = "ddr:read_start"
	CounterReadEnd    = "ddr:read_end"
	CounterWriteStart = "ddr:write_start"
	CounterWriteEnd   = "ddr:write_end"

	SubgraphPrefix = "ts:subgraph_"
)

// SubgraphCounter builds the counter key for one subgraph window, e.g.
// SubgraphCounter("2", "proc_start") -> "ts:subgraph_2_proc_start".
func SubgraphCounter(id, window string) string {
	return fmt.Sprintf("%s%s_%s", SubgraphPrefix, id, window)
}

// Session is an open inference session. A compile session runs
// calibration passes and writes artifacts as a side effect; an
// inference session runs the compiled model and exposes raw hardware
// counters for the last run.
type Session interface {
	// Inputs returns the declared model inputs in graph order.
	Inputs() []TensorInfo

	// Run executes one inference pass with the given feed.
	Run(feed map[string]Tensor) error

	// RawCounters returns the accelerator's raw timestamp counters in
	// nanoseconds for the most recent Run. CPU-only sessions return an
	// error.
	RawCounters() (map[string]int64, error)

	Close() error
}

// Backend is the adapter over one accelerator SDK.
type Backend interface {
	Name() string

	// CompilationSupported reports whether this host can compile for the
	// accelerator. False on device-only builds.
	CompilationSupported() bool

	// Inputs returns the declared inputs of a model file without opening
	// a full session.
	Inputs(modelPath string) ([]TensorInfo, error)

	// InferShapes runs shape inference over the model in place.
	InferShapes(modelPath string) error

	// OpenCompileSession opens the model with the compilation and
	// execution providers enabled. Running calibration inputs through
	// the returned session is the compilation procedure; artifacts land
	// in the options' artifacts folder.
	OpenCompileSession(modelPath string, opts Options) (Session, error)

	// OpenInferenceSession opens the model for measurement. A non-empty
	// artifactsDir enables the accelerator execution provider; an empty
	// one yields a CPU-only baseline session.
	OpenInferenceSession(modelPath, artifactsDir string) (Session, error)
}
