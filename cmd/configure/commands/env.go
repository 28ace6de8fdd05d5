package commands

import (
	"context"
	"fmt"

	"github.com/benvon/cohort-tags/internal/app"
	"github.com/benvon/cohort-tags/internal/config"
	"github.com/benvon/cohort-tags/internal/queue"
	"go.uber.org/zap"
)

// Runtime is what a command needs from the configured environment
type Runtime struct {
	Config   *config.Config
	Backend  *app.Backend
	Services *app.Services
}

// Close releases the backend
func (r *Runtime) Close() error {
	if r.Backend == nil {
		return nil
	}
	return r.Backend.Close()
}

// Env connects the commands to storage and the job queue. Tests replace its functions.
type Env struct {
	Open    func(ctx context.Context) (*Runtime, error)
	Enqueue func(ctx context.Context, job *queue.Job) error
	Logger  *zap.Logger
}

// DefaultEnv reads the same environment variables as the server
func DefaultEnv() *Env {
	log := zap.NewNop()
	return &Env{
		Logger: log,
		Open: func(ctx context.Context) (*Runtime, error) {
			cfg, err := config.Load()
			if err != nil {
				return nil, fmt.Errorf("failed to load config: %w", err)
			}
			backend, err := app.OpenBackend(ctx, cfg, log)
			if err != nil {
				return nil, err
			}
			services, err := app.NewServices(cfg, backend, log)
			if err != nil {
				_ = backend.Close()
				return nil, err
			}
			return &Runtime{Config: cfg, Backend: backend, Services: services}, nil
		},
		Enqueue: func(ctx context.Context, job *queue.Job) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if !cfg.QueueEnabled() {
				return fmt.Errorf("RABBITMQ_URL is not set; use --now to revalidate in process")
			}
			q, err := queue.NewRabbitMQQueue(cfg.RabbitMQURL, log)
			if err != nil {
				return err
			}
			defer func() { _ = q.Close() }()
			return q.Enqueue(ctx, job)
		},
	}
}

// withRuntime opens the runtime for the duration of fn
func (e *Env) withRuntime(ctx context.Context, fn func(rt *Runtime) error) error {
	rt, err := e.Open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()
	return fn(rt)
}
