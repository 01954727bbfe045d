// internal/engine/engine.go
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sourabhkumawat/healops/api/schemas"
	"github.com/sourabhkumawat/healops/internal/config"
	"github.com/sourabhkumawat/healops/internal/remediation/models"
)

const (
	defaultConcurrency = 2
	defaultRunTimeout  = 30 * time.Minute
	sinkTimeout        = 30 * time.Second
)

// Runner drives one incident to a result. *driver.Driver satisfies it.
type Runner interface {
	Run(ctx context.Context, incident schemas.Incident) models.RunResult
}

// RunnerFactory builds the Runner for one incident.
type RunnerFactory func(incident schemas.Incident) (Runner, error)

// Static returns a factory that hands every incident to r.
func Static(r Runner) RunnerFactory {
	return func(schemas.Incident) (Runner, error) { return r, nil }
}

// Sink consumes a finished run: persistence, pull requests, learning.
type Sink interface {
	Handle(ctx context.Context, incident schemas.Incident, result models.RunResult) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, incident schemas.Incident, result models.RunResult) error

// Handle calls f.
func (f SinkFunc) Handle(ctx context.Context, incident schemas.Incident, result models.RunResult) error {
	return f(ctx, incident, result)
}

// Engine schedules remediation runs over a bounded pool of goroutines.
type Engine struct {
	cfg     config.Interface
	logger  *zap.Logger
	factory RunnerFactory
	sinks   []Sink
	wg      sync.WaitGroup

	stateLock sync.Mutex
	isRunning bool
}

// New creates an Engine. Sinks are invoked in order after every run.
func New(cfg config.Interface, logger *zap.Logger, factory RunnerFactory, sinks ...Sink) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if factory == nil {
		return nil, errors.New("runner factory cannot be nil")
	}
	return &Engine{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "remediation_engine")),
		factory: factory,
		sinks:   sinks,
	}, nil
}

func (e *Engine) concurrency() int {
	if n := e.cfg.Engine().Concurrency; n > 0 {
		return n
	}
	return defaultConcurrency
}

// RunAll remediates every incident and returns the results in input order.
// Runs are independent; one failing never stops the others.
func (e *Engine) RunAll(ctx context.Context, incidents []schemas.Incident) []models.RunResult {
	results := make([]models.RunResult, len(incidents))
	g := new(errgroup.Group)
	g.SetLimit(e.concurrency())

	e.logger.Info("Starting remediation batch", zap.Int("incidents", len(incidents)), zap.Int("concurrency", e.concurrency()))
	for i, incident := range incidents {
		g.Go(func() error {
			results[i] = e.process(ctx, incident, e.logger)
			return nil
		})
	}
	_ = g.Wait()

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	e.logger.Info("Remediation batch finished", zap.Int("succeeded", succeeded), zap.Int("total", len(results)))
	return results
}

// Start launches the worker pool and consumes incidents from the channel
// until it is closed or ctx is cancelled.
func (e *Engine) Start(ctx context.Context, incidents <-chan schemas.Incident) {
	e.stateLock.Lock()
	if e.isRunning {
		e.stateLock.Unlock()
		e.logger.Warn("Engine.Start called, but engine is already running.")
		return
	}
	e.isRunning = true
	e.stateLock.Unlock()

	concurrency := e.concurrency()
	e.logger.Info("Starting remediation worker pool", zap.Int("concurrency", concurrency))
	for i := 0; i < concurrency; i++ {
		e.wg.Add(1)
		go e.runWorker(ctx, i+1, incidents)
	}
}

// Stop waits for all workers to finish.
func (e *Engine) Stop() {
	e.logger.Info("Stopping remediation engine... waiting for workers to finish.")
	e.wg.Wait()

	e.stateLock.Lock()
	e.isRunning = false
	e.stateLock.Unlock()
	e.logger.Info("Remediation engine stopped gracefully.")
}

func (e *Engine) runWorker(ctx context.Context, workerID int, incidents <-chan schemas.Incident) {
	defer e.wg.Done()
	logger := e.logger.With(zap.Int("worker_id", workerID))
	logger.Debug("Worker goroutine started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("Context cancelled, worker shutting down.", zap.Error(ctx.Err()))
			return
		case incident, ok := <-incidents:
			if !ok {
				logger.Debug("Incident queue closed and drained, worker shutting down.")
				return
			}
			e.process(ctx, incident, logger)
		}
	}
}

// process runs one incident under the per-run timeout and hands the result to the sinks.
func (e *Engine) process(ctx context.Context, incident schemas.Incident, logger *zap.Logger) models.RunResult {
	logger = logger.With(zap.String("incident_id", incident.ID))

	runner, err := e.factory(incident)
	if err != nil {
		logger.Error("Could not build a runner for the incident", zap.Error(err))
		now := time.Now().UTC()
		return models.RunResult{IncidentID: incident.ID, StartedAt: now, FinishedAt: now}
	}

	timeout := e.cfg.Engine().RunTimeout
	if timeout <= 0 {
		timeout = defaultRunTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := runner.Run(runCtx, incident)
	if result.IncidentID == "" {
		result.IncidentID = incident.ID
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		logger.Warn("Remediation run hit its timeout", zap.Duration("timeout", timeout), zap.String("run_id", result.RunID))
	case result.Success:
		logger.Info("Remediation run succeeded", zap.String("run_id", result.RunID), zap.Int("iterations", result.Iterations))
	default:
		logger.Warn("Remediation run did not succeed", zap.String("run_id", result.RunID), zap.Int("iterations", result.Iterations))
	}

	// Sinks get their own context so results are still recorded during shutdown.
	sinkCtx, sinkCancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer sinkCancel()
	for _, s := range e.sinks {
		if err := s.Handle(sinkCtx, incident, result); err != nil {
			logger.Error("Result sink failed", zap.String("run_id", result.RunID), zap.Error(err))
		}
	}
	return result
}
