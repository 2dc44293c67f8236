// Package worker runs compilations in a disposable child process so a
// compiler crash or leak never takes down the orchestration server. The
// boundary is explicit message passing: one JSON job in, one JSON
// result out, across a process pool of size exactly one.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/tidlbench/tidlbench/internal/accel"
	"github.com/tidlbench/tidlbench/internal/accel/backends"
	"github.com/tidlbench/tidlbench/internal/tidl"
)

// Job is the compile request crossing the process boundary. Everything
// is already flattened: the option map is the single source of truth
// for compiler configuration inside the child.
type Job struct {
	Backend            string        `json:"backend"`
	ToolsPath          string        `json:"tools_path"`
	DebugLevel         int           `json:"debug_level"`
	MaxNumSubgraphs    int           `json:"max_num_subgraphs"`
	ModelPath          string        `json:"model_path"`
	OutputDir          string        `json:"output_dir"`
	CalibrationDataDir string        `json:"calibration_data_dir"`
	ModelCfg           accel.Options `json:"model_cfg"`
	PrecisionCfg       accel.Options `json:"precision_cfg"`
	CalibrationCfg     accel.Options `json:"calibration_cfg"`
	CopyModelToOutput  bool          `json:"copy_model_to_output"`
	DisableShapeInfer  bool          `json:"disable_shape_inference"`
}

// Result is the structured outcome sent back to the parent.
type Result struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Runner executes one compile job. The orchestrator only depends on
// this contract; production wiring uses the process Pool, tests run
// jobs in process.
type Runner interface {
	Run(ctx context.Context, job Job) error
}

// CompilerError is any failure from inside the isolated worker,
// including a child crash caught at the process boundary.
type CompilerError struct {
	Message string
}

func (e *CompilerError) Error() string { return e.Message }

// Pool is a worker pool of size one. The child process is reused across
// calls and restarted after a crash; the semaphore guarantees no two
// compilations ever run concurrently.
type Pool struct {
	sem *semaphore.Weighted

	mu    sync.Mutex
	child *child
}

// NewPool creates the pool. The child is spawned lazily on first use.
func NewPool() *Pool {
	return &Pool{sem: semaphore.NewWeighted(1)}
}

type child struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

func spawn() (*child, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(self, "compile-worker")
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn compile worker: %w", err)
	}
	return &child{cmd: cmd, stdin: stdin, stdout: bufio.NewReader(stdout)}, nil
}

func (c *child) kill() {
	c.stdin.Close()
	if c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
	c.cmd.Wait()
}

// Run ships the job to the child and awaits its structured result. Any
// failure, whether a reported compile error or a dead child, surfaces
// as a single opaque CompilerError; the parent stays alive and the next
// call gets a fresh child if this one died.
func (p *Pool) Run(ctx context.Context, job Job) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.child == nil {
		c, err := spawn()
		if err != nil {
			return &CompilerError{Message: err.Error()}
		}
		p.child = c
	}

	res, err := p.child.roundTrip(job)
	if err != nil {
		// The child is gone or the pipe is corrupt; discard it so the
		// next job starts clean.
		p.child.kill()
		p.child = nil
		return &CompilerError{Message: fmt.Sprintf("compile worker died: %v", err)}
	}
	if !res.OK {
		return &CompilerError{Message: res.Error}
	}
	return nil
}

func (c *child) roundTrip(job Job) (*Result, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return nil, err
	}
	line, err := c.stdout.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	var res Result
	if err := json.Unmarshal(line, &res); err != nil {
		return nil, fmt.Errorf("malformed worker response: %w", err)
	}
	return &res, nil
}

// Close terminates the resident child, if any.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.child != nil {
		p.child.kill()
		p.child = nil
	}
}

// RunJob executes one job in the current process. This is what the
// child runs per request, and what in-process runners call directly.
func RunJob(job Job) error {
	backend, err := backends.Open(job.Backend)
	if err != nil {
		return err
	}

	debugLevel, err := tidl.ParseDebugLevel(job.DebugLevel)
	if err != nil {
		return err
	}
	maxSubgraphs := job.MaxNumSubgraphs
	if maxSubgraphs == 0 {
		maxSubgraphs = tidl.DefaultMaxNumSubgraphs
	}

	compiler, err := tidl.NewCompiler(backend, job.ToolsPath, debugLevel, maxSubgraphs)
	if err != nil {
		return err
	}

	return compiler.CompileFlat(tidl.FlatParams{
		ModelPath:          job.ModelPath,
		OutputDir:          job.OutputDir,
		CalibrationDataDir: job.CalibrationDataDir,
		ModelCfg:           job.ModelCfg,
		PrecisionCfg:       job.PrecisionCfg,
		CalibrationCfg:     job.CalibrationCfg,
		CopyModelToOutput:  job.CopyModelToOutput,
		DisableShapeInfer:  job.DisableShapeInfer,
		ForceOverwrite:     true,
	})
}

// Serve is the child process main loop: read jobs from stdin, write
// results to stdout, one line each, until EOF.
func Serve(in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<26)
	enc := json.NewEncoder(out)

	for scanner.Scan() {
		var job Job
		res := Result{OK: true}
		if err := json.Unmarshal(scanner.Bytes(), &job); err != nil {
			res = Result{Error: fmt.Sprintf("malformed job: %v", err)}
		} else if err := RunJob(job); err != nil {
			res = Result{Error: err.Error()}
		}
		if err := enc.Encode(res); err != nil {
			return err
		}
	}
	return scanner.Err()
}
