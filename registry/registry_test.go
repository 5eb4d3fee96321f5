package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"backend-go-simulation-api/environment"
)

// fakeEnv records calls and detects overlapping operations.
type fakeEnv struct {
	inFlight   atomic.Int32
	overlapped atomic.Bool
	closeErr   error
	buildErr   error
	delay      time.Duration
	closes     atomic.Int32

	// When set, Run signals started and blocks until release is closed.
	started chan struct{}
	release chan struct{}
}

func (f *fakeEnv) enter() func() {
	if f.inFlight.Add(1) > 1 {
		f.overlapped.Store(true)
	}
	return func() { f.inFlight.Add(-1) }
}

func (f *fakeEnv) Build(_ context.Context, _ environment.Schema) error {
	defer f.enter()()
	return f.buildErr
}

func (f *fakeEnv) Run(_ context.Context, t float64) (environment.RunResult, error) {
	defer f.enter()()
	if f.started != nil {
		close(f.started)
		<-f.release
	}
	time.Sleep(f.delay)
	return environment.RunResult{"walltime": f.delay.Seconds(), "simulation_time": t}, nil
}

func (f *fakeEnv) Close(_ context.Context) error {
	defer f.enter()()
	f.closes.Add(1)
	return f.closeErr
}

func fakeFactory(envs *[]*fakeEnv, mu *sync.Mutex) environment.Factory {
	return func(_ context.Context, _ string) (environment.Environment, error) {
		e := &fakeEnv{}
		mu.Lock()
		*envs = append(*envs, e)
		mu.Unlock()
		return e, nil
	}
}

func newMockRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	r, err := New(environment.MockFactory(environment.MockOptions{Elements: 2}), opts...)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return r
}

func TestCreate_IssuesUniqueEightCharIDs(t *testing.T) {
	r := newMockRegistry(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id, err := r.Create(ctx)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if len(id) != IDLength {
			t.Fatalf("expected %d-char id, got %q", IDLength, id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
	if r.Len() != 50 {
		t.Fatalf("expected 50 live environments, got %d", r.Len())
	}
}

func TestCreate_RetriesOnCollision(t *testing.T) {
	candidates := []string{"aaaaaaaa1", "aaaaaaaa2", "short", "bbbbbbbb"}
	var n int
	gen := func() string {
		c := candidates[n%len(candidates)]
		n++
		return c
	}
	r := newMockRegistry(t, WithIDGenerator(gen))
	ctx := context.Background()

	first, err := r.Create(ctx)
	if err != nil || first != "aaaaaaaa" {
		t.Fatalf("first create: id=%q err=%v", first, err)
	}
	second, err := r.Create(ctx)
	if err != nil || second != "bbbbbbbb" {
		t.Fatalf("expected collision retry to yield bbbbbbbb, got id=%q err=%v", second, err)
	}
}

func TestCreate_NeverReusesClosedIDs(t *testing.T) {
	r := newMockRegistry(t, WithIDGenerator(func() string { return "deadbeefcafe" }))
	ctx := context.Background()

	id, err := r.Create(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.Close(ctx, id); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err = r.Create(ctx)
	if !errors.Is(err, ErrInvalidInstance) {
		t.Fatalf("expected ErrInvalidInstance once the generator only yields a retired id, got %v", err)
	}
}

func TestCreate_FactoryFailureRegistersNothing(t *testing.T) {
	r, err := New(func(context.Context, string) (environment.Environment, error) {
		return nil, errors.New("backend offline")
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = r.Create(context.Background())
	if !errors.Is(err, ErrInvalidInstance) {
		t.Fatalf("expected ErrInvalidInstance, got %v", err)
	}
	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Message == "" {
		t.Fatalf("expected registry error with message, got %#v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("expected no live environments, got %d", r.Len())
	}
}

func TestOperations_UnknownInstance(t *testing.T) {
	r := newMockRegistry(t)
	ctx := context.Background()

	checks := map[string]error{
		"build":  r.Build(ctx, "nope1234", environment.Schema{}),
		"close":  r.Close(ctx, "nope1234"),
		"status": func() error { _, err := r.Status("nope1234"); return err }(),
		"run":    func() error { _, err := r.Run(ctx, "nope1234", 1); return err }(),
	}
	for op, err := range checks {
		if !errors.Is(err, ErrUnknownInstance) {
			t.Fatalf("%s: expected ErrUnknownInstance, got %v", op, err)
		}
		if err.Error() != "Instance_id nope1234 unknown" {
			t.Fatalf("%s: unexpected message %q", op, err.Error())
		}
	}
}

func TestLifecycle_BuildRunCloseThenUnknown(t *testing.T) {
	r := newMockRegistry(t)
	ctx := context.Background()

	id, err := r.Create(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if st, _ := r.Status(id); st.State != StateCreated {
		t.Fatalf("expected created state, got %q", st.State)
	}

	if err := r.Build(ctx, id, environment.Schema{"elements": float64(5)}); err != nil {
		t.Fatalf("build: %v", err)
	}
	if st, _ := r.Status(id); st.State != StateBuilt {
		t.Fatalf("expected built state, got %q", st.State)
	}

	// Run without a prior build is allowed too; here it follows one.
	res, err := r.Run(ctx, id, 2)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res["n_elem"] != 5 {
		t.Fatalf("expected n_elem 5, got %#v", res["n_elem"])
	}
	st, err := r.Status(id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != StateIdle || st.Runs != 1 || st.LastResult == nil {
		t.Fatalf("unexpected status after run: %+v", st)
	}

	if got := r.List(); got[id] != "mock" {
		t.Fatalf("expected %s listed as mock, got %#v", id, got)
	}

	if err := r.Close(ctx, id); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := r.Run(ctx, id, 1); !errors.Is(err, ErrUnknownInstance) {
		t.Fatalf("expected unknown after close, got %v", err)
	}
	if err := r.Close(ctx, id); !errors.Is(err, ErrUnknownInstance) {
		t.Fatalf("expected second close to be unknown, got %v", err)
	}
}

func TestBuild_InvalidSchemaKeepsEnvironment(t *testing.T) {
	r := newMockRegistry(t)
	ctx := context.Background()

	id, _ := r.Create(ctx)
	err := r.Build(ctx, id, environment.Schema{"elements": "many"})
	if !errors.Is(err, environment.ErrInvalidSchema) {
		t.Fatalf("expected ErrInvalidSchema, got %v", err)
	}
	if _, err := r.Run(ctx, id, 1); err != nil {
		t.Fatalf("environment should still be usable: %v", err)
	}
}

func TestClose_FailureKeepsEnvironmentLive(t *testing.T) {
	env := &fakeEnv{closeErr: errors.New("device busy")}
	r, _ := New(func(context.Context, string) (environment.Environment, error) { return env, nil })
	ctx := context.Background()

	id, _ := r.Create(ctx)
	err := r.Close(ctx, id)
	var be *environment.BackendError
	if !errors.As(err, &be) {
		t.Fatalf("expected BackendError, got %v", err)
	}
	if _, err := r.Status(id); err != nil {
		t.Fatalf("environment should stay live after failed close: %v", err)
	}

	env.closeErr = nil
	if err := r.Close(ctx, id); err != nil {
		t.Fatalf("retry close: %v", err)
	}
}

func TestOperations_SerializedPerInstance(t *testing.T) {
	var (
		mu   sync.Mutex
		envs []*fakeEnv
	)
	r, _ := New(fakeFactory(&envs, &mu))
	ctx := context.Background()

	a, _ := r.Create(ctx)
	b, _ := r.Create(ctx)
	for _, e := range envs {
		e.delay = 5 * time.Millisecond
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		for _, id := range []string{a, b} {
			wg.Add(2)
			go func() {
				defer wg.Done()
				if _, err := r.Run(ctx, id, 1); err != nil {
					t.Errorf("run %s: %v", id, err)
				}
			}()
			go func() {
				defer wg.Done()
				if err := r.Build(ctx, id, environment.Schema{}); err != nil {
					t.Errorf("build %s: %v", id, err)
				}
			}()
		}
	}
	wg.Wait()

	for i, e := range envs {
		if e.overlapped.Load() {
			t.Fatalf("environment %d saw overlapping operations", i)
		}
	}
}

func TestClose_ConcurrentCallsCloseOnce(t *testing.T) {
	var (
		mu   sync.Mutex
		envs []*fakeEnv
	)
	r, _ := New(fakeFactory(&envs, &mu))
	ctx := context.Background()
	id, _ := r.Create(ctx)

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Close(ctx, id); err == nil {
				successes.Add(1)
			} else if !errors.Is(err, ErrUnknownInstance) {
				t.Errorf("unexpected close error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes.Load() != 1 {
		t.Fatalf("expected exactly one successful close, got %d", successes.Load())
	}
	if envs[0].closes.Load() != 1 {
		t.Fatalf("expected backend closed once, got %d", envs[0].closes.Load())
	}
}

func TestCloseAll(t *testing.T) {
	r := newMockRegistry(t)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		if _, err := r.Create(ctx); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if err := r.CloseAll(ctx); err != nil {
		t.Fatalf("close all: %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("expected no live environments, got %d", r.Len())
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordingSink) RecordEvent(_ context.Context, _, instanceID, eventType string, _ any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, fmt.Sprintf("%s:%s", instanceID, eventType))
	return nil
}

func (s *recordingSink) PublishLifecycle(context.Context, string, string, map[string]any) error {
	return errors.New("redis down")
}

func TestLifecycleEventsRecorded(t *testing.T) {
	sink := &recordingSink{}
	r := newMockRegistry(t, WithAuditRecorder(sink), WithPublisher(sink))
	ctx := context.Background()

	id, _ := r.Create(ctx)
	_ = r.Build(ctx, id, environment.Schema{"elements": "bad"})
	_, _ = r.Run(ctx, id, 1)
	_ = r.Close(ctx, id)

	want := []string{
		id + ":ENV_CREATED",
		id + ":ENV_BUILD_REJECTED",
		id + ":ENV_RUN",
		id + ":ENV_CLOSED",
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if fmt.Sprint(sink.events) != fmt.Sprint(want) {
		t.Fatalf("unexpected events\nexpected: %v\nactual:   %v", want, sink.events)
	}
}

func TestStatus_ReportsRunningWithoutWaiting(t *testing.T) {
	env := &fakeEnv{started: make(chan struct{}), release: make(chan struct{})}
	r, _ := New(func(context.Context, string) (environment.Environment, error) { return env, nil })
	ctx := context.Background()

	id, _ := r.Create(ctx)
	done := make(chan error, 1)
	go func() {
		_, err := r.Run(ctx, id, 1)
		done <- err
	}()
	<-env.started

	statusDone := make(chan *Status, 1)
	go func() {
		st, err := r.Status(id)
		if err != nil {
			t.Errorf("status: %v", err)
		}
		statusDone <- st
	}()

	select {
	case st := <-statusDone:
		if st == nil || st.State != StateRunning {
			t.Fatalf("expected state %q during run, got %+v", StateRunning, st)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("status blocked on in-flight run")
	}

	close(env.release)
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	st, _ := r.Status(id)
	if st.State != StateIdle || st.Runs != 1 {
		t.Fatalf("expected idle after one run, got %+v", st)
	}
}

func TestRejectionsAreNotFailures(t *testing.T) {
	sink := &recordingSink{}
	r := newMockRegistry(t, WithAuditRecorder(sink))
	ctx := context.Background()

	id, _ := r.Create(ctx)
	if _, err := r.Run(ctx, id, -1); !errors.Is(err, environment.ErrInvalidDuration) {
		t.Fatalf("expected ErrInvalidDuration, got %v", err)
	}
	_ = r.Build(ctx, id, environment.Schema{"elements": 0})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	want := []string{id + ":ENV_CREATED", id + ":ENV_RUN_REJECTED", id + ":ENV_BUILD_REJECTED"}
	if fmt.Sprint(sink.events) != fmt.Sprint(want) {
		t.Fatalf("unexpected events\nexpected: %v\nactual:   %v", want, sink.events)
	}
	for _, isRej := range []error{
		unknownInstance("abcd1234"),
		fmt.Errorf("%w: x", environment.ErrInvalidSchema),
		fmt.Errorf("%w: -1", environment.ErrInvalidDuration),
	} {
		if !isRejection(isRej) {
			t.Fatalf("expected %v to be a rejection", isRej)
		}
	}
	if isRejection(&environment.BackendError{Op: "run", Err: errors.New("boom")}) {
		t.Fatalf("backend failure classified as rejection")
	}
}
