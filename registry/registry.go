// Package registry owns the live simulation environments and enforces their
// lifecycle: absent -> live -> closed (removed).
//
// Operations against one identifier are serialized by a per-entry mutex;
// different identifiers proceed concurrently.
package registry

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"backend-go-simulation-api/environment"
	"backend-go-simulation-api/internal/logger"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	// IDLength is the length of every instance identifier.
	IDLength = 8

	maxMintAttempts        = 8
	defaultResultCacheSize = 128
	closeAllParallelism    = 8
)

// State is the externally visible lifecycle state of a live environment.
type State string

const (
	StateCreated State = "created"
	StateBuilt   State = "built"
	StateRunning State = "running"
	StateIdle    State = "idle"
)

// Status is a point-in-time view of a live environment.
type Status struct {
	InstanceID string                `json:"instance_id"`
	Backend    string                `json:"backend"`
	State      State                 `json:"state"`
	Runs       int                   `json:"runs"`
	CreatedAt  time.Time             `json:"created_at"`
	LastResult environment.RunResult `json:"last_result,omitempty"`
}

// AuditRecorder persists lifecycle events.
type AuditRecorder interface {
	RecordEvent(ctx context.Context, traceID, instanceID, eventType string, data any) error
}

// Publisher broadcasts lifecycle events to out-of-process listeners.
type Publisher interface {
	PublishLifecycle(ctx context.Context, instanceID, event string, data map[string]any) error
}

// IDGenerator mints candidate identifiers; the registry truncates them to IDLength.
type IDGenerator func() string

// UUIDGenerator returns the hex form of a random UUID.
func UUIDGenerator() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

type entry struct {
	// mu serializes environment operations for this identifier.
	mu     sync.Mutex
	env    environment.Environment
	closed bool

	createdAt time.Time

	// meta guards the fields below so Status never waits on a running op.
	meta  sync.Mutex
	state State
	runs  int
}

func (e *entry) setState(s State, ranOnce bool) {
	e.meta.Lock()
	defer e.meta.Unlock()
	e.state = s
	if ranOnce {
		e.runs++
	}
}

// Registry maps instance identifiers to live environments.
type Registry struct {
	factory environment.Factory
	backend string
	newID   IDGenerator

	mu      sync.RWMutex
	envs    map[string]*entry
	pending map[string]struct{}
	// retired holds closed identifiers so they are never minted again. It
	// grows by one key per closed environment for the life of the process.
	retired map[string]struct{}

	results   *lru.Cache[string, environment.RunResult]
	cacheSize int

	audit     AuditRecorder
	publisher Publisher

	tracer     trace.Tracer
	opsCounter metric.Int64Counter
	runSeconds metric.Float64Histogram
	liveGauge  metric.Int64UpDownCounter
}

// Option configures a Registry.
type Option func(*Registry)

// WithBackendName labels environments in List and Status.
func WithBackendName(name string) Option {
	return func(r *Registry) { r.backend = name }
}

// WithIDGenerator replaces the identifier source.
func WithIDGenerator(gen IDGenerator) Option {
	return func(r *Registry) { r.newID = gen }
}

// WithAuditRecorder records every lifecycle event.
func WithAuditRecorder(a AuditRecorder) Option {
	return func(r *Registry) { r.audit = a }
}

// WithPublisher publishes every lifecycle event.
func WithPublisher(p Publisher) Option {
	return func(r *Registry) { r.publisher = p }
}

// WithResultCacheSize bounds the number of last-run results kept for Status.
func WithResultCacheSize(n int) Option {
	return func(r *Registry) { r.cacheSize = n }
}

// New returns an empty registry creating environments with factory.
func New(factory environment.Factory, opts ...Option) (*Registry, error) {
	if factory == nil {
		return nil, errors.New("registry requires an environment factory")
	}
	r := &Registry{
		factory:   factory,
		backend:   string(environment.KindMock),
		newID:     UUIDGenerator,
		envs:      make(map[string]*entry),
		pending:   make(map[string]struct{}),
		retired:   make(map[string]struct{}),
		cacheSize: defaultResultCacheSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cacheSize <= 0 {
		r.cacheSize = defaultResultCacheSize
	}
	results, err := lru.New[string, environment.RunResult](r.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("result cache: %w", err)
	}
	r.results = results
	r.initTelemetry()
	return r, nil
}

func (r *Registry) initTelemetry() {
	r.tracer = otel.Tracer("backend-go-simulation-api/registry")
	m := otel.Meter("backend-go-simulation-api")
	var err error
	r.opsCounter, err = m.Int64Counter(
		"sim_env_operations_total",
		metric.WithDescription("Count of environment lifecycle operations (success/failure)."),
		metric.WithUnit("1"),
	)
	if err != nil {
		r.opsCounter = nil
	}
	r.runSeconds, err = m.Float64Histogram(
		"sim_env_run_duration_seconds",
		metric.WithDescription("Wall-clock duration of environment runs in seconds."),
		metric.WithUnit("s"),
	)
	if err != nil {
		r.runSeconds = nil
	}
	r.liveGauge, err = m.Int64UpDownCounter(
		"sim_envs_live",
		metric.WithDescription("Number of live environments."),
		metric.WithUnit("1"),
	)
	if err != nil {
		r.liveGauge = nil
	}
}

// Create mints a fresh identifier, constructs an environment for it and
// registers it. Nothing is registered when construction fails.
func (r *Registry) Create(ctx context.Context) (instanceID string, err error) {
	ctx, span := r.tracer.Start(ctx, "Registry.Create")
	defer func() { r.finish(ctx, span, "create", instanceID, err) }()

	instanceID, err = r.reserveID()
	if err != nil {
		return "", err
	}
	ctx = logger.WithInstanceID(ctx, instanceID)

	env, ferr := r.factory(ctx, instanceID)
	if ferr == nil && env == nil {
		ferr = errors.New("factory returned no environment")
	}

	r.mu.Lock()
	delete(r.pending, instanceID)
	if ferr != nil {
		r.mu.Unlock()
		return "", invalidInstance(instanceID, ferr)
	}
	r.envs[instanceID] = &entry{env: env, createdAt: time.Now().UTC(), state: StateCreated}
	r.mu.Unlock()

	if r.liveGauge != nil {
		r.liveGauge.Add(ctx, 1)
	}
	r.emit(ctx, instanceID, "ENV_CREATED", map[string]any{"backend": r.backend})
	return instanceID, nil
}

// reserveID picks an identifier that is neither live, pending nor retired.
func (r *Registry) reserveID() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidate string
	for attempt := 0; attempt < maxMintAttempts; attempt++ {
		candidate = r.newID()
		if len(candidate) < IDLength {
			continue
		}
		candidate = candidate[:IDLength]
		if _, live := r.envs[candidate]; live {
			continue
		}
		if _, busy := r.pending[candidate]; busy {
			continue
		}
		if _, used := r.retired[candidate]; used {
			continue
		}
		r.pending[candidate] = struct{}{}
		return candidate, nil
	}
	return "", invalidInstance(candidate, fmt.Errorf("no unused identifier after %d attempts", maxMintAttempts))
}

// lock returns the entry for instanceID with its operation mutex held, or
// ErrUnknownInstance when the identifier is not live.
func (r *Registry) lock(instanceID string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.envs[instanceID]
	r.mu.RUnlock()
	if !ok {
		return nil, unknownInstance(instanceID)
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, unknownInstance(instanceID)
	}
	return e, nil
}

// Build forwards schema verbatim to the environment.
func (r *Registry) Build(ctx context.Context, instanceID string, schema environment.Schema) (err error) {
	ctx = logger.WithInstanceID(ctx, instanceID)
	ctx, span := r.tracer.Start(ctx, "Registry.Build")
	defer func() { r.finish(ctx, span, "build", instanceID, err) }()

	e, err := r.lock(instanceID)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	if err := e.env.Build(ctx, schema); err != nil {
		return backendErr("build", err)
	}
	e.setState(StateBuilt, false)
	r.emit(ctx, instanceID, "ENV_BUILT", map[string]any{"schema_keys": schemaKeys(schema)})
	return nil
}

// Run runs the environment and returns its result unchanged.
func (r *Registry) Run(ctx context.Context, instanceID string, simulationTime float64) (result environment.RunResult, err error) {
	ctx = logger.WithInstanceID(ctx, instanceID)
	ctx, span := r.tracer.Start(ctx, "Registry.Run")
	span.SetAttributes(attribute.Float64("simulation_time", simulationTime))
	defer func() { r.finish(ctx, span, "run", instanceID, err) }()

	e, err := r.lock(instanceID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	e.meta.Lock()
	prev := e.state
	e.state = StateRunning
	e.meta.Unlock()

	start := time.Now()
	result, err = e.env.Run(ctx, simulationTime)
	if r.runSeconds != nil {
		r.runSeconds.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		e.setState(prev, false)
		return nil, backendErr("run", err)
	}
	e.setState(StateIdle, true)
	r.results.Add(instanceID, result)

	r.emit(ctx, instanceID, "ENV_RUN", map[string]any{
		"simulation_time": simulationTime,
		"walltime":        result["walltime"],
	})
	return result, nil
}

// Close closes the environment and removes its identifier. When the backend
// fails to close, the environment stays live so the caller can retry.
func (r *Registry) Close(ctx context.Context, instanceID string) (err error) {
	ctx = logger.WithInstanceID(ctx, instanceID)
	ctx, span := r.tracer.Start(ctx, "Registry.Close")
	defer func() { r.finish(ctx, span, "close", instanceID, err) }()

	e, err := r.lock(instanceID)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	if err := e.env.Close(ctx); err != nil {
		return backendErr("close", err)
	}
	e.closed = true

	r.mu.Lock()
	delete(r.envs, instanceID)
	r.retired[instanceID] = struct{}{}
	r.mu.Unlock()
	r.results.Remove(instanceID)

	if r.liveGauge != nil {
		r.liveGauge.Add(ctx, -1)
	}
	r.emit(ctx, instanceID, "ENV_CLOSED", nil)
	return nil
}

// CloseAll closes every live environment. Failures are joined and returned;
// environments that failed to close remain registered.
func (r *Registry) CloseAll(ctx context.Context) error {
	ids := r.ids()
	if len(ids) == 0 {
		return nil
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(closeAllParallelism)
	for _, id := range ids {
		g.Go(func() error {
			err := r.Close(gctx, id)
			if err != nil && !errors.Is(err, ErrUnknownInstance) {
				mu.Lock()
				errs = append(errs, fmt.Errorf("close %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// List returns every live identifier mapped to its backend kind.
func (r *Registry) List() map[string]string {
	out := make(map[string]string)
	for _, id := range r.ids() {
		out[id] = r.backend
	}
	return out
}

// Len returns the number of live environments.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.envs)
}

// Status reports the lifecycle state of a live environment without waiting
// for an in-flight operation.
func (r *Registry) Status(instanceID string) (*Status, error) {
	r.mu.RLock()
	e, ok := r.envs[instanceID]
	r.mu.RUnlock()
	if !ok {
		return nil, unknownInstance(instanceID)
	}

	e.meta.Lock()
	st := &Status{
		InstanceID: instanceID,
		Backend:    r.backend,
		State:      e.state,
		Runs:       e.runs,
		CreatedAt:  e.createdAt,
	}
	e.meta.Unlock()

	if last, ok := r.results.Get(instanceID); ok {
		st.LastResult = last
	}
	return st, nil
}

func (r *Registry) ids() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.envs))
	for id := range r.envs {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) finish(ctx context.Context, span trace.Span, op, instanceID string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
		if isRejection(err) {
			outcome = "rejected"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.String("instance_id", instanceID), attribute.String("outcome", outcome))
	span.End()

	if r.opsCounter != nil {
		r.opsCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("outcome", outcome),
		))
	}

	lg := logger.NewContextLogger(ctx)
	switch outcome {
	case "success":
		lg.Info("env_"+op, "outcome", outcome)
	case "rejected":
		lg.Warn("env_"+op, "outcome", outcome, "error", err)
		var rerr *Error
		if !errors.As(err, &rerr) {
			r.emit(ctx, instanceID, "ENV_"+strings.ToUpper(op)+"_REJECTED", map[string]any{"error": err.Error()})
		}
	default:
		lg.Error("env_"+op, "outcome", outcome, "error", err)
		r.emit(ctx, instanceID, "ENV_"+strings.ToUpper(op)+"_FAILED", map[string]any{"error": err.Error()})
	}
}

// isRejection reports whether err is the caller's fault rather than a
// failure of the registry or a backend.
func isRejection(err error) bool {
	var rerr *Error
	return errors.As(err, &rerr) ||
		errors.Is(err, environment.ErrInvalidSchema) ||
		errors.Is(err, environment.ErrInvalidDuration)
}

// emit records and publishes a lifecycle event. Both sinks are best-effort.
func (r *Registry) emit(ctx context.Context, instanceID, event string, data map[string]any) {
	if r.audit != nil {
		if err := r.audit.RecordEvent(ctx, logger.TraceID(ctx), instanceID, event, data); err != nil {
			logger.NewContextLogger(ctx).Warn("audit_record_failed", "event", event, "error", err)
		}
	}
	if r.publisher != nil {
		if err := r.publisher.PublishLifecycle(ctx, instanceID, event, data); err != nil {
			logger.NewContextLogger(ctx).Warn("lifecycle_publish_failed", "event", event, "error", err)
		}
	}
}

// backendErr keeps classified environment errors intact and wraps anything
// unexpected as a BackendError.
func backendErr(op string, err error) error {
	var be *environment.BackendError
	switch {
	case errors.As(err, &be),
		errors.Is(err, environment.ErrInvalidSchema),
		errors.Is(err, environment.ErrInvalidDuration),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return &environment.BackendError{Op: op, Err: err}
	}
}

func schemaKeys(schema environment.Schema) []string {
	keys := make([]string, 0, len(schema))
	for k := range schema {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
