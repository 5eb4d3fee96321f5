// Package environment defines the simulation backend capability set and its
// implementations.
package environment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Schema is the opaque build configuration forwarded verbatim by the registry.
type Schema map[string]any

// RunResult is the backend-defined outcome of a run. Every backend reports
// a non-negative "walltime" in seconds.
type RunResult map[string]any

// Environment is a single simulation instance.
type Environment interface {
	// Build applies schema. Calling it again re-applies the new schema.
	Build(ctx context.Context, schema Schema) error
	// Run advances the simulation by simulationTime seconds of simulated time.
	Run(ctx context.Context, simulationTime float64) (RunResult, error)
	// Close releases backend resources.
	Close(ctx context.Context) error
}

// Factory constructs a new environment. tag is the instance identifier and is
// only used for labelling.
type Factory func(ctx context.Context, tag string) (Environment, error)

var (
	// ErrInvalidSchema marks a build schema the backend cannot accept.
	ErrInvalidSchema = errors.New("invalid simulation schema")
	// ErrInvalidDuration marks a negative or non-finite simulation time.
	ErrInvalidDuration = errors.New("invalid simulation time")
	// ErrClosed is returned by an environment used after Close.
	ErrClosed = errors.New("environment closed")
)

// BackendError wraps an unexpected failure inside an environment operation.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Kind names a backend implementation selectable by configuration.
type Kind string

const (
	KindMock   Kind = "mock"
	KindRemote Kind = "remote"
)

// Options configures the factory for each backend kind.
type Options struct {
	Mock   MockOptions
	Remote RemoteOptions
}

// NewFactory returns the factory for kind.
func NewFactory(kind Kind, opts Options) (Factory, error) {
	switch Kind(strings.ToLower(string(kind))) {
	case KindMock, "":
		return MockFactory(opts.Mock), nil
	case KindRemote:
		return RemoteFactory(opts.Remote)
	default:
		return nil, fmt.Errorf("unsupported simulation backend %q (supported: %s)", kind, strings.Join(SupportedKinds(), ", "))
	}
}

// SupportedKinds lists the configurable backend kinds.
func SupportedKinds() []string {
	kinds := []string{string(KindMock), string(KindRemote)}
	sort.Strings(kinds)
	return kinds
}
