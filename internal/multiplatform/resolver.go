// Package multiplatform finds the per-platform children of tagged manifest lists so
// a cleanup pass does not break multi-architecture tags.
package multiplatform

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/scottbass3/ghcr-cleaner/internal/registry"
	"github.com/scottbass3/ghcr-cleaner/internal/retention"
)

const defaultConcurrency = 4

// Resolver builds a package's exclusion set from the manifests of its tagged versions.
type Resolver struct {
	inspector   registry.ManifestInspector
	concurrency int
}

func NewResolver(inspector registry.ManifestInspector, concurrency int) *Resolver {
	if inspector == nil {
		inspector = registry.UnavailableInspector{Reason: "no manifest inspector configured"}
	}
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Resolver{inspector: inspector, concurrency: concurrency}
}

// Result describes one resolution pass.
type Result struct {
	Exclusions    retention.ExclusionSet
	Inspected     int
	ManifestLists int
}

// Resolve inspects every tagged version and returns the union of their children. It
// only returns once all inspections finished; the first inspection error cancels the
// rest and no partial set is returned.
func (r *Resolver) Resolve(ctx context.Context, owner, packageName string, versions []registry.PackageVersion) (Result, error) {
	var (
		mu     sync.Mutex
		result = Result{Exclusions: retention.NewExclusionSet()}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, version := range versions {
		if !version.Tagged() {
			continue
		}
		version := version
		g.Go(func() error {
			children, err := r.inspector.ManifestChildren(gctx, owner, packageName, version.Digest)
			if err != nil {
				return fmt.Errorf("inspect %s: %w", version, err)
			}
			mu.Lock()
			defer mu.Unlock()
			result.Inspected++
			if len(children) > 0 {
				result.ManifestLists++
				result.Exclusions.Add(children...)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	return result, nil
}
