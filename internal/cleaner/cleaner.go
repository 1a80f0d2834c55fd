// Package cleaner drives a cleanup run: it discovers the packages in scope, lists
// their versions, protects multi-platform children, classifies every version and
// deletes the selected ones. Each package is processed in isolation; a failing
// package is recorded and the run moves on.
package cleaner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/scottbass3/ghcr-cleaner/internal/multiplatform"
	"github.com/scottbass3/ghcr-cleaner/internal/registry"
	"github.com/scottbass3/ghcr-cleaner/internal/retention"
)

const (
	defaultConcurrency       = 3
	defaultDeleteConcurrency = 4
)

type Options struct {
	Scope             registry.Scope
	Repository        string
	Filter            retention.Filter
	DryRun            bool
	Concurrency       int
	DeleteConcurrency int
}

type Cleaner struct {
	client   registry.Client
	resolver *multiplatform.Resolver
	logger   *log.Logger
	tracer   trace.Tracer
	observer Observer
	now      func() time.Time
}

type Option func(*Cleaner)

func WithLogger(logger *log.Logger) Option {
	return func(c *Cleaner) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Cleaner) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

func WithObserver(observer Observer) Option {
	return func(c *Cleaner) {
		c.observer = observer
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cleaner) {
		if now != nil {
			c.now = now
		}
	}
}

func New(client registry.Client, resolver *multiplatform.Resolver, opts ...Option) *Cleaner {
	c := &Cleaner{
		client:   client,
		resolver: resolver,
		logger:   log.Default(),
		tracer:   noop.NewTracerProvider().Tracer("cleaner"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.resolver == nil {
		c.resolver = multiplatform.NewResolver(nil, 0)
	}
	return c
}

// Run processes every package in scope and returns the aggregated report. Errors are
// carried in the report; Run itself never aborts after discovery.
func (c *Cleaner) Run(ctx context.Context, opts Options) Report {
	report := Report{
		RunID:   uuid.NewString(),
		Owner:   opts.Scope.Owner,
		DryRun:  opts.DryRun,
		Started: c.now(),
	}
	logger := c.logger.With("run", report.RunID)

	ctx, span := c.tracer.Start(ctx, "cleanup",
		trace.WithAttributes(
			attribute.String("owner", opts.Scope.Owner),
			attribute.String("owner_type", string(opts.Scope.OwnerType)),
			attribute.Bool("dry_run", opts.DryRun),
		))
	defer span.End()

	names, err := c.discover(ctx, opts)
	if err != nil {
		report.ScopeErr = fmt.Errorf("discover packages of %s: %w", opts.Scope.Owner, err)
		report.Finished = c.now()
		logger.Error("package discovery failed", "owner", opts.Scope.Owner, "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "discovery failed")
		return report
	}
	logger.Info("packages in scope", "owner", opts.Scope.Owner, "count", len(names))
	c.emit(Event{Kind: EventPackagesDiscovered, Packages: append([]string(nil), names...), Total: len(names)})

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	now := report.Started
	outcomes := make([]PackageOutcome, len(names))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			outcomes[i] = c.processPackage(ctx, logger, opts, name, now)
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(outcomes, func(i, j int) bool {
		return outcomes[i].Package < outcomes[j].Package
	})
	report.Packages = outcomes
	report.Finished = c.now()

	totals := report.Totals()
	span.SetAttributes(
		attribute.Int("packages", totals.Packages),
		attribute.Int("deleted", totals.Deleted),
		attribute.Int("failed", totals.Failed),
	)
	if !report.Success() {
		span.SetStatus(codes.Error, "cleanup incomplete")
	}
	return report
}

func (c *Cleaner) discover(ctx context.Context, opts Options) ([]string, error) {
	if !opts.Filter.AllPackages() {
		return uniqueNames(opts.Filter.Packages), nil
	}
	packages, err := c.client.ListPackages(ctx, opts.Scope, opts.Repository)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(packages))
	for _, pkg := range packages {
		names = append(names, pkg.Name)
	}
	return uniqueNames(names), nil
}

func (c *Cleaner) processPackage(ctx context.Context, runLogger *log.Logger, opts Options, name string, now time.Time) PackageOutcome {
	started := time.Now()
	logger := runLogger.With("package", name)
	ctx, span := c.tracer.Start(ctx, "package", trace.WithAttributes(attribute.String("package", name)))
	defer span.End()

	outcome := c.runPackage(ctx, logger, opts, name, now)
	outcome.Duration = time.Since(started)

	span.SetAttributes(
		attribute.String("state", string(outcome.State)),
		attribute.Int("evaluated", outcome.Evaluated),
		attribute.Int("deleted", outcome.Deleted),
		attribute.Int("failed", outcome.Failed),
	)
	if outcome.Err != nil {
		span.RecordError(outcome.Err)
	}
	if !outcome.Succeeded() {
		span.SetStatus(codes.Error, string(outcome.State))
	}

	switch outcome.State {
	case StateDone:
		logger.Info("package cleaned",
			"evaluated", outcome.Evaluated,
			"deleted", outcome.Deleted,
			"already_gone", outcome.AlreadyGone,
			"would_delete", outcome.WouldDelete,
			"kept", outcome.Kept,
			"duration", outcome.Duration.Round(time.Millisecond))
	case StateSkipped:
		logger.Warn("package skipped, nothing deleted", "err", outcome.Err)
	case StatePartiallyFailed:
		logger.Error("package partially cleaned", "deleted", outcome.Deleted, "failed", outcome.Failed)
	default:
		logger.Error("package failed", "state", outcome.State, "err", outcome.Err)
	}

	final := outcome
	c.emit(Event{Kind: EventPackageFinished, Package: name, State: outcome.State, Outcome: &final})
	return outcome
}

func (c *Cleaner) runPackage(ctx context.Context, logger *log.Logger, opts Options, name string, now time.Time) PackageOutcome {
	outcome := PackageOutcome{Package: name}

	c.transition(&outcome, StateEnumerating)
	versions, err := registry.CollectVersions(ctx, c.client, opts.Scope, name)
	if err != nil {
		return c.fail(outcome, StateFailed, fmt.Errorf("list versions of %s: %w", name, err))
	}
	outcome.Evaluated = len(versions)
	logger.Debug("versions listed", "count", len(versions))

	exclusions := retention.NewExclusionSet()
	if opts.Filter.ExceptUntaggedMultiplatform {
		c.transition(&outcome, StateResolving)
		result, err := c.resolver.Resolve(ctx, opts.Scope.Owner, name, versions)
		if err != nil {
			if errors.Is(err, registry.ErrIntrospectionUnavailable) {
				return c.fail(outcome, StateSkipped, fmt.Errorf("package %s: multi-platform protection requested but %w", name, err))
			}
			return c.fail(outcome, StateFailed, fmt.Errorf("resolve manifest lists of %s: %w", name, err))
		}
		exclusions = result.Exclusions
		outcome.ManifestLists = result.ManifestLists
		logger.Debug("manifest lists resolved", "inspected", result.Inspected, "manifest_lists", result.ManifestLists, "protected_digests", exclusions.Len())
	}

	c.transition(&outcome, StateClassifying)
	plan := retention.Classify(versions, opts.Filter, exclusions, now)
	results := make([]VersionResult, len(versions))
	for _, kept := range plan.Keep {
		results[kept.Index] = VersionResult{Version: kept.Version, Decision: kept.Decision, Status: StatusKept}
		if kept.Decision.Reason == retention.ReasonMultiplatformChild {
			outcome.Protected++
		}
	}
	outcome.Kept = len(plan.Keep)
	targets := make([]int, 0, len(plan.Delete))
	for _, selected := range plan.Delete {
		results[selected.Index] = VersionResult{Version: selected.Version, Decision: selected.Decision, Status: StatusKept}
		targets = append(targets, selected.Index)
	}

	if opts.DryRun {
		for _, i := range targets {
			results[i].Status = StatusWouldDelete
			logger.Info("would delete", "version", results[i].Version.ID, "digest", results[i].Version.Digest, "tags", strings.Join(results[i].Version.Tags, ","))
		}
		outcome.WouldDelete = len(targets)
		outcome.Versions = results
		c.transition(&outcome, StateDone)
		return outcome
	}

	c.transition(&outcome, StateDeleting)
	c.emit(Event{Kind: EventStateChanged, Package: name, State: StateDeleting, Planned: len(targets)})
	c.deleteVersions(ctx, logger, opts, name, results, targets)

	for _, i := range targets {
		switch results[i].Status {
		case StatusDeleted:
			outcome.Deleted++
		case StatusAlreadyGone:
			outcome.AlreadyGone++
		default:
			outcome.Failed++
		}
	}
	outcome.Versions = results
	if outcome.Failed > 0 {
		c.transition(&outcome, StatePartiallyFailed)
		return outcome
	}
	c.transition(&outcome, StateDone)
	return outcome
}

// deleteVersions issues the deletions with a bounded pool. A failed deletion is
// recorded on its result and never stops the others.
func (c *Cleaner) deleteVersions(ctx context.Context, logger *log.Logger, opts Options, name string, results []VersionResult, targets []int) {
	concurrency := opts.DeleteConcurrency
	if concurrency <= 0 {
		concurrency = defaultDeleteConcurrency
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(concurrency)
	for _, i := range targets {
		i := i
		g.Go(func() error {
			version := results[i].Version
			err := c.client.DeleteVersion(ctx, opts.Scope, name, version.ID)

			mu.Lock()
			result := &results[i]
			switch {
			case err == nil:
				result.Status = StatusDeleted
				logger.Info("deleted", "version", version.ID, "digest", version.Digest)
			case errors.Is(err, registry.ErrNotFound):
				result.Status = StatusAlreadyGone
				logger.Debug("already gone", "version", version.ID, "digest", version.Digest)
			default:
				result.Status = StatusFailed
				result.Err = err
				logger.Error("delete failed", "version", version.ID, "digest", version.Digest, "err", err)
			}
			snapshot := *result
			mu.Unlock()

			c.emit(Event{Kind: EventVersionDeleted, Package: name, Result: &snapshot})
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Cleaner) transition(outcome *PackageOutcome, state State) {
	outcome.State = state
	if state == StateDeleting {
		return
	}
	c.emit(Event{Kind: EventStateChanged, Package: outcome.Package, State: state})
}

func (c *Cleaner) fail(outcome PackageOutcome, state State, err error) PackageOutcome {
	outcome.Err = err
	c.transition(&outcome, state)
	return outcome
}

func (c *Cleaner) emit(event Event) {
	if c.observer != nil {
		c.observer(event)
	}
}

func uniqueNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
