package environment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"

	"backend-go-simulation-api/client"
	"backend-go-simulation-api/internal/logger"
)

// RemoteOptions points the remote backend at an upstream simulation server
// speaking the same HTTP contract (for example a physics worker).
type RemoteOptions struct {
	BaseURL string
	APIKey  string
}

// RemoteEnv proxies every operation to an environment on an upstream server.
type RemoteEnv struct {
	tag        string
	upstreamID string
	c          *client.Client
}

// RemoteFactory returns a Factory that creates one upstream environment per
// local instance.
func RemoteFactory(opts RemoteOptions) (Factory, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("remote backend requires an upstream base URL")
	}
	var copts []client.Option
	if opts.APIKey != "" {
		copts = append(copts, client.WithAPIKey(opts.APIKey))
	}
	c, err := client.New(opts.BaseURL, copts...)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, tag string) (Environment, error) {
		id, err := c.Create(ctx)
		if err != nil {
			return nil, fmt.Errorf("create upstream environment: %w", err)
		}
		return &RemoteEnv{tag: tag, upstreamID: id, c: c}, nil
	}, nil
}

// UpstreamID is the identifier of the proxied environment on the upstream server.
func (r *RemoteEnv) UpstreamID() string { return r.upstreamID }

func (r *RemoteEnv) Build(ctx context.Context, schema Schema) error {
	err := r.c.Build(ctx, r.upstreamID, schema)
	if err == nil {
		return nil
	}
	if isClientError(err) {
		return fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	return &BackendError{Op: "build", Err: err}
}

func (r *RemoteEnv) Run(ctx context.Context, simulationTime float64) (RunResult, error) {
	if simulationTime < 0 || math.IsNaN(simulationTime) || math.IsInf(simulationTime, 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDuration, simulationTime)
	}
	out, err := r.c.Run(ctx, r.upstreamID, simulationTime)
	if err != nil {
		return nil, &BackendError{Op: "run", Err: err}
	}
	return RunResult(out), nil
}

// Close closes the upstream environment. An upstream that no longer knows
// the environment (restarted, or closed it itself) counts as closed.
func (r *RemoteEnv) Close(ctx context.Context) error {
	err := r.c.Close(ctx, r.upstreamID)
	if err == nil {
		return nil
	}
	if isClientError(err) {
		logger.NewContextLogger(ctx).Warn("upstream_env_already_gone",
			"upstream_instance_id", r.upstreamID, "error", err)
		return nil
	}
	return &BackendError{Op: "close", Err: err}
}

func isClientError(err error) bool {
	var se *client.ServerError
	return errors.As(err, &se) && se.StatusCode >= http.StatusBadRequest && se.StatusCode < http.StatusInternalServerError
}
