package cleaner

import (
	"errors"
	"fmt"
	"time"

	"github.com/scottbass3/ghcr-cleaner/internal/registry"
	"github.com/scottbass3/ghcr-cleaner/internal/retention"
)

// State is the position of a package in its cleanup lifecycle.
type State string

const (
	StatePending         State = "pending"
	StateEnumerating     State = "enumerating"
	StateResolving       State = "resolving"
	StateClassifying     State = "classifying"
	StateDeleting        State = "deleting"
	StateDone            State = "done"
	StatePartiallyFailed State = "partially-failed"
	StateFailed          State = "failed"
	StateSkipped         State = "skipped"
)

func (s State) Terminal() bool {
	switch s {
	case StateDone, StatePartiallyFailed, StateFailed, StateSkipped:
		return true
	default:
		return false
	}
}

type VersionStatus string

const (
	StatusKept        VersionStatus = "kept"
	StatusWouldDelete VersionStatus = "would-delete"
	StatusDeleted     VersionStatus = "deleted"
	StatusAlreadyGone VersionStatus = "already-gone"
	StatusFailed      VersionStatus = "failed"
)

type VersionResult struct {
	Version  registry.PackageVersion
	Decision retention.Decision
	Status   VersionStatus
	Err      error
}

// PackageOutcome is the immutable record of one package's processing.
type PackageOutcome struct {
	Package       string
	State         State
	Evaluated     int
	Deleted       int
	AlreadyGone   int
	Kept          int
	Failed        int
	WouldDelete   int
	Protected     int
	ManifestLists int
	Versions      []VersionResult
	Err           error
	Duration      time.Duration
}

func (o PackageOutcome) Succeeded() bool {
	return o.State == StateDone
}

// Report aggregates every package outcome of a run.
type Report struct {
	RunID    string
	Owner    string
	DryRun   bool
	Started  time.Time
	Finished time.Time
	ScopeErr error
	Packages []PackageOutcome
}

type Totals struct {
	Packages    int
	Evaluated   int
	Deleted     int
	AlreadyGone int
	Kept        int
	Failed      int
	WouldDelete int
}

func (r Report) Totals() Totals {
	t := Totals{Packages: len(r.Packages)}
	for _, pkg := range r.Packages {
		t.Evaluated += pkg.Evaluated
		t.Deleted += pkg.Deleted
		t.AlreadyGone += pkg.AlreadyGone
		t.Kept += pkg.Kept
		t.Failed += pkg.Failed
		t.WouldDelete += pkg.WouldDelete
	}
	return t
}

// Success is false when discovery failed or any package did not finish cleanly.
func (r Report) Success() bool {
	if r.ScopeErr != nil {
		return false
	}
	for _, pkg := range r.Packages {
		if !pkg.Succeeded() {
			return false
		}
	}
	return true
}

// Err joins every package-level failure.
func (r Report) Err() error {
	var errs []error
	if r.ScopeErr != nil {
		errs = append(errs, r.ScopeErr)
	}
	for _, pkg := range r.Packages {
		switch {
		case pkg.Err != nil:
			errs = append(errs, pkg.Err)
		case pkg.Failed > 0:
			errs = append(errs, &PackageError{Package: pkg.Package, Failed: pkg.Failed})
		}
	}
	return errors.Join(errs...)
}

type PackageError struct {
	Package string
	Failed  int
}

func (e *PackageError) Error() string {
	if e.Failed == 1 {
		return fmt.Sprintf("package %s: 1 version could not be deleted", e.Package)
	}
	return fmt.Sprintf("package %s: %d versions could not be deleted", e.Package, e.Failed)
}
