package environment

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"backend-go-simulation-api/design"

	"gonum.org/v1/gonum/stat/distuv"
)

const (
	defaultMockElements = 10
	defaultMockRunDelay = time.Second
	maxMockElements     = 100_000
)

// MockOptions configures the mock backend.
type MockOptions struct {
	// Elements is the element count used until a build schema overrides it.
	Elements int
	// RunDelay is the fixed wall-clock cost of every Run.
	RunDelay time.Duration
	// Seed makes the sampled state reproducible when non-zero.
	Seed uint64
}

// MockEnv stands in for a physics backend: Run sleeps for a fixed delay and
// returns uniformly sampled placeholder state sized by the element count.
//
// A MockEnv is not safe for concurrent use; the registry serializes access.
type MockEnv struct {
	uid      string
	nElem    int
	delay    time.Duration
	sampler  distuv.Uniform
	design   *design.RobotDesignSchema
	builds   int
	closed   bool
	lastTime float64
}

// MockFactory returns a Factory producing MockEnv instances.
func MockFactory(opts MockOptions) Factory {
	if opts.Elements <= 0 {
		opts.Elements = defaultMockElements
	}
	if opts.RunDelay < 0 {
		opts.RunDelay = defaultMockRunDelay
	}
	return func(_ context.Context, tag string) (Environment, error) {
		return NewMockEnv(tag, opts), nil
	}
}

// NewMockEnv constructs a mock environment labelled uid.
func NewMockEnv(uid string, opts MockOptions) *MockEnv {
	if opts.Elements <= 0 {
		opts.Elements = defaultMockElements
	}
	var src rand.Source
	if opts.Seed != 0 {
		src = rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)
	} else {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &MockEnv{
		uid:     uid,
		nElem:   opts.Elements,
		delay:   opts.RunDelay,
		sampler: distuv.Uniform{Min: 0, Max: 1, Src: src},
	}
}

// Elements returns the element count currently configured.
func (m *MockEnv) Elements() int { return m.nElem }

// Design returns the robot design applied by the last build, if any.
func (m *MockEnv) Design() *design.RobotDesignSchema { return m.design }

// Build reads "elements" and an optional "robot_design" object. Other keys
// are accepted and ignored.
func (m *MockEnv) Build(_ context.Context, schema Schema) error {
	if m.closed {
		return ErrClosed
	}

	nElem := m.nElem
	if raw, ok := schema["elements"]; ok {
		n, err := positiveInt(raw)
		if err != nil {
			return fmt.Errorf("%w: elements: %v", ErrInvalidSchema, err)
		}
		nElem = n
	}

	var robot *design.RobotDesignSchema
	if raw, ok := schema["robot_design"]; ok && raw != nil {
		obj, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: robot_design must be an object", ErrInvalidSchema)
		}
		d, err := design.FromMap(obj)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSchema, err)
		}
		robot = d
	}

	m.nElem = nElem
	m.design = robot
	m.builds++
	return nil
}

// Run waits for the configured delay (or ctx cancellation) and returns
// positions shaped 3 x (n+1) and directors shaped 3 x 3 x n.
func (m *MockEnv) Run(ctx context.Context, simulationTime float64) (RunResult, error) {
	if m.closed {
		return nil, ErrClosed
	}
	if simulationTime < 0 || math.IsNaN(simulationTime) || math.IsInf(simulationTime, 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDuration, simulationTime)
	}

	start := time.Now()
	if m.delay > 0 {
		timer := time.NewTimer(m.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	walltime := time.Since(start).Seconds()
	m.lastTime += simulationTime

	return RunResult{
		"walltime":        walltime,
		"simulation_time": simulationTime,
		"elapsed_time":    m.lastTime,
		"n_elem":          m.nElem,
		"end_status":      "completed",
		"positions":       m.sampleMatrix(3, m.nElem+1),
		"directors":       m.sampleDirectors(m.nElem),
	}, nil
}

// Close marks the environment closed. It is safe to call more than once.
func (m *MockEnv) Close(_ context.Context) error {
	m.closed = true
	return nil
}

func (m *MockEnv) sampleMatrix(rows, cols int) [][]float64 {
	out := make([][]float64, rows)
	for i := range out {
		row := make([]float64, cols)
		for j := range row {
			row[j] = m.sampler.Rand()
		}
		out[i] = row
	}
	return out
}

func (m *MockEnv) sampleDirectors(n int) [][][]float64 {
	out := make([][][]float64, 3)
	for i := range out {
		out[i] = m.sampleMatrix(3, n)
	}
	return out
}

func positiveInt(v any) (int, error) {
	var f float64
	switch n := v.(type) {
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case float64:
		f = n
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
	if f != math.Trunc(f) || f < 1 {
		return 0, fmt.Errorf("expected a positive integer, got %v", v)
	}
	if f > maxMockElements {
		return 0, fmt.Errorf("%v exceeds limit %d", v, maxMockElements)
	}
	return int(f), nil
}
