// cmd/components.go
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/sourabhkumawat/healops/api/schemas"
	"github.com/sourabhkumawat/healops/internal/broadcast"
	"github.com/sourabhkumawat/healops/internal/config"
	"github.com/sourabhkumawat/healops/internal/engine"
	"github.com/sourabhkumawat/healops/internal/knowledge"
	"github.com/sourabhkumawat/healops/internal/llmclient"
	"github.com/sourabhkumawat/healops/internal/remediation/driver"
	"github.com/sourabhkumawat/healops/internal/remediation/executor"
	"github.com/sourabhkumawat/healops/internal/remediation/models"
	"github.com/sourabhkumawat/healops/internal/remediation/planner"
	"github.com/sourabhkumawat/healops/internal/repository"
	"github.com/sourabhkumawat/healops/internal/sandbox"
	"github.com/sourabhkumawat/healops/internal/store"
)

const streamBufferSize = 256

// runOptions are the per-invocation switches shared by remediate and watch.
type runOptions struct {
	Persist bool
	OpenPR  bool
	Stream  bool
}

// components holds the initialized services of one command invocation.
type components struct {
	LLM    schemas.LLMClient
	Pool   *pgxpool.Pool
	Hub    *broadcast.Hub
	Store  *store.Store
	Engine *engine.Engine
}

// Shutdown releases everything that was opened, in reverse order.
func (c *components) Shutdown(logger *zap.Logger) {
	if c.Hub != nil {
		c.Hub.Shutdown()
	}
	if c.Pool != nil {
		c.Pool.Close()
	}
	if c.LLM != nil {
		if err := c.LLM.Close(); err != nil {
			logger.Warn("Error closing LLM clients", zap.Error(err))
		}
	}
}

// initializeComponents wires the remediation stack from configuration. On
// error the partially built components are returned so the caller can shut
// them down.
func initializeComponents(ctx context.Context, cfg config.Interface, logger *zap.Logger, opts runOptions, extra ...engine.Sink) (*components, error) {
	c := &components{}

	router, err := llmclient.NewRouterFromConfig(ctx, cfg.Agent().LLM, logger)
	if err != nil {
		return c, fmt.Errorf("failed to initialize LLM router: %w", err)
	}
	c.LLM = router

	files, err := repository.NewSource(cfg, logger)
	if err != nil {
		return c, fmt.Errorf("failed to open repository: %w", err)
	}

	plnr, err := planner.NewLLMPlanner(router, logger)
	if err != nil {
		return c, fmt.Errorf("failed to initialize planner: %w", err)
	}

	var execOpts []executor.Option
	if cfg.Sandbox().Enabled {
		execOpts = append(execOpts, executor.WithCodeRunner(sandbox.New(cfg.Sandbox(), logger)))
	}
	exec, err := executor.New(router, files, logger, execOpts...)
	if err != nil {
		return c, fmt.Errorf("failed to initialize executor: %w", err)
	}

	if url := cfg.Database().URL; url != "" {
		pool, err := pgxpool.New(ctx, url)
		if err != nil {
			return c, fmt.Errorf("failed to create database pool: %w", err)
		}
		c.Pool = pool
	} else if opts.Persist {
		return c, errors.New("--persist requires database.url")
	}

	deps := driver.Dependencies{
		Planner:  plnr,
		Executor: exec,
		Files:    files,
		Logger:   logger,
	}

	var sinks []engine.Sink
	var retriever *knowledge.PostgresRetriever
	if c.Pool != nil && cfg.Knowledge().Enabled {
		retriever = knowledge.NewPostgresRetriever(c.Pool, cfg.Knowledge().MinScore, logger)
		deps.Knowledge = retriever
	}
	if opts.Stream {
		c.Hub = broadcast.NewHub(logger, streamBufferSize)
		deps.Broadcaster = c.Hub
	}

	if opts.Persist {
		st, err := store.New(ctx, c.Pool, logger)
		if err != nil {
			return c, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			return c, err
		}
		c.Store = st
		sinks = append(sinks, engine.SinkFunc(st.SaveRun))
		if retriever != nil {
			if err := retriever.EnsureSchema(ctx); err != nil {
				return c, err
			}
			sinks = append(sinks, engine.SinkFunc(retriever.Learn))
		}
	}

	if opts.OpenPR || cfg.GitHub().OpenPullRequests {
		gh := cfg.GitHub()
		if err := gh.Validate(); err != nil {
			return c, fmt.Errorf("pull requests need github configuration: %w", err)
		}
		opener := repository.NewPullRequestOpener(repository.NewGitHubClient(gh, nil), gh, cfg.Git(), logger)
		sinks = append(sinks, pullRequestSink(opener, logger))
	}
	sinks = append(sinks, extra...)

	drv, err := driver.New(driver.ConfigFromEngine(cfg.Engine()), deps)
	if err != nil {
		return c, fmt.Errorf("failed to initialize driver: %w", err)
	}
	eng, err := engine.New(cfg, logger, engine.Static(drv), sinks...)
	if err != nil {
		return c, fmt.Errorf("failed to initialize engine: %w", err)
	}
	c.Engine = eng
	return c, nil
}

// prOpener is the part of repository.PullRequestOpener the sink needs.
type prOpener interface {
	Open(ctx context.Context, incident schemas.Incident, result models.RunResult) (string, error)
}

// pullRequestSink opens a pull request for every run that completed with no
// failed steps and produced fixes.
func pullRequestSink(opener prOpener, logger *zap.Logger) engine.Sink {
	return engine.SinkFunc(func(ctx context.Context, incident schemas.Incident, result models.RunResult) error {
		if !result.Success || result.PlanProgress.Failed > 0 || len(result.Fixes) == 0 {
			logger.Debug("Skipping pull request.", zap.String("run_id", result.RunID),
				zap.Bool("success", result.Success), zap.Int("failed_steps", result.PlanProgress.Failed))
			return nil
		}
		url, err := opener.Open(ctx, incident, result)
		if err != nil {
			if errors.Is(err, repository.ErrNoFixes) {
				return nil
			}
			return fmt.Errorf("failed to open pull request: %w", err)
		}
		logger.Info("Opened pull request", zap.String("run_id", result.RunID), zap.String("url", url))
		return nil
	})
}
