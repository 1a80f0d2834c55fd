package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/term"

	"github.com/scottbass3/ghcr-cleaner/internal/cleaner"
	"github.com/scottbass3/ghcr-cleaner/internal/config"
	"github.com/scottbass3/ghcr-cleaner/internal/logging"
	"github.com/scottbass3/ghcr-cleaner/internal/multiplatform"
	"github.com/scottbass3/ghcr-cleaner/internal/registry"
	"github.com/scottbass3/ghcr-cleaner/internal/report"
	"github.com/scottbass3/ghcr-cleaner/internal/tracing"
	"github.com/scottbass3/ghcr-cleaner/internal/tui"
)

const shutdownTimeout = 5 * time.Second

func run(ctx context.Context, cfg config.Config, stdout, stderr io.Writer) error {
	logger, err := logging.New(stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	provider, err := tracing.NewProvider(tracing.Config{Exporter: cfg.Trace, Writer: stderr})
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	if provider.Enabled() {
		logger.Debug("exporting traces", "exporter", cfg.Trace)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("flush traces", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	policy := cfg.RetryPolicy()
	policy.Notify = logging.RetryNotifier(logger)
	requestLogger := logging.RequestLogger(logger)

	client, err := registry.NewGitHubClient(cfg.APIURL, cfg.Token,
		registry.WithRequestLogger(requestLogger),
		registry.WithRetryPolicy(policy),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	var inspector registry.ManifestInspector
	if cfg.ExceptUntaggedMultiplatform {
		inspector, err = newInspector(cfg, policy, requestLogger, logger)
		if err != nil {
			return err
		}
	}

	opts := cleaner.Options{
		Scope:             cfg.Scope(),
		Repository:        cfg.Repository,
		Filter:            cfg.Filter(),
		DryRun:            cfg.DryRun,
		Concurrency:       cfg.Concurrency,
		DeleteConcurrency: cfg.DeleteConcurrency,
	}
	cleanerOpts := []cleaner.Option{
		cleaner.WithLogger(logger),
		cleaner.WithTracer(provider.Tracer()),
	}

	var feed *tui.Feed
	if cfg.Progress && isTerminal(stdout) {
		feed = tui.NewFeed(64)
		cleanerOpts = append(cleanerOpts, cleaner.WithObserver(feed.Observe))
	}
	c := cleaner.New(client, multiplatform.NewResolver(inspector, cfg.InspectConcurrency), cleanerOpts...)

	logger.Info("starting cleanup",
		"owner", opts.Scope.Owner,
		"owner_type", opts.Scope.OwnerType,
		"repository", cfg.Repository,
		"packages", cfg.Packages,
		"untagged_only", opts.Filter.UntaggedOnly,
		"except_untagged_multiplatform", opts.Filter.ExceptUntaggedMultiplatform,
		"older", opts.Filter.OlderThan,
		"dry_run", opts.DryRun)

	var result cleaner.Report
	if feed != nil {
		result, err = runWithProgress(ctx, cancel, c, opts, feed, logger, stdout, stderr)
		if err != nil {
			return err
		}
	} else {
		result = c.Run(ctx, opts)
	}

	fmt.Fprint(stdout, report.Summary(result))

	if err := report.WriteGitHubOutput(os.Getenv(report.GitHubOutputEnv), report.Outputs(result)); err != nil {
		logger.Error("write step outputs", "err", err)
		return fmt.Errorf("%w: %v", errRunFailed, err)
	}
	if !result.Success() {
		logger.Error("cleanup incomplete", "err", result.Err())
		return errRunFailed
	}
	return nil
}

func newInspector(cfg config.Config, policy registry.RetryPolicy, requestLogger registry.RequestLogger, logger *log.Logger) (registry.ManifestInspector, error) {
	switch cfg.ManifestInspector {
	case config.InspectorDocker:
		docker := registry.NewDockerInspector(cfg.RegistryURL)
		if err := docker.Available(); err != nil {
			logger.Warn("docker manifest inspection unavailable; multi-platform packages will be skipped", "err", err)
			return registry.UnavailableInspector{Reason: err.Error()}, nil
		}
		return docker, nil
	case config.InspectorNone:
		return registry.UnavailableInspector{Reason: "manifest inspection disabled"}, nil
	default:
		inspector, err := registry.NewRegistryInspector(cfg.RegistryURL, cfg.RepositoryOwner, cfg.Token,
			registry.WithInspectorLogger(requestLogger),
			registry.WithInspectorRetryPolicy(policy),
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
		}
		return inspector, nil
	}
}

// runWithProgress drives the live view. Log lines are held back while it owns the
// terminal and written out once it exits.
func runWithProgress(ctx context.Context, cancel context.CancelFunc, c *cleaner.Cleaner, opts cleaner.Options, feed *tui.Feed, logger *log.Logger, stdout, stderr io.Writer) (cleaner.Report, error) {
	var held syncBuffer
	logger.SetOutput(&held)
	defer func() {
		logger.SetOutput(stderr)
		_, _ = held.WriteTo(stderr)
	}()

	done := make(chan cleaner.Report, 1)
	go func() {
		defer feed.Close()
		done <- c.Run(ctx, opts)
	}()
	if err := tui.Run(feed, opts.Scope.Owner, opts.DryRun, cancel, stdout); err != nil {
		cancel()
		<-done
		return cleaner.Report{}, fmt.Errorf("progress view: %w", err)
	}
	return <-done, nil
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) WriteTo(w io.Writer) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.WriteTo(w)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
