// Package retention decides which package versions a cleanup pass removes.
//
// Decide applies its rules in a fixed order and never touches the network, so every
// outcome is reproducible from the version, the filter, the exclusion set and the
// clock value passed in.
package retention

import (
	"strings"
	"time"

	"github.com/scottbass3/ghcr-cleaner/internal/registry"
)

type Action int

const (
	Keep Action = iota
	Delete
)

func (a Action) String() string {
	if a == Delete {
		return "delete"
	}
	return "keep"
}

// Reason names the rule that produced a decision.
type Reason string

const (
	ReasonTagged             Reason = "tagged"
	ReasonMultiplatformChild Reason = "multiplatform-child"
	ReasonTooRecent          Reason = "too-recent"
	ReasonEligible           Reason = "eligible"
)

type Decision struct {
	Action Action
	Reason Reason
}

// Filter is the immutable retention configuration of a run. An empty Packages list
// means every package in scope.
type Filter struct {
	UntaggedOnly                bool
	ExceptUntaggedMultiplatform bool
	OlderThan                   time.Duration
	Packages                    []string
}

func (f Filter) AllPackages() bool {
	return len(f.Packages) == 0
}

// ExclusionSet holds digests that must survive even when untagged.
type ExclusionSet map[string]struct{}

func NewExclusionSet(digests ...string) ExclusionSet {
	set := make(ExclusionSet, len(digests))
	set.Add(digests...)
	return set
}

func (s ExclusionSet) Add(digests ...string) {
	for _, d := range digests {
		d = strings.TrimSpace(d)
		if d != "" {
			s[d] = struct{}{}
		}
	}
}

func (s ExclusionSet) Contains(digest string) bool {
	if s == nil {
		return false
	}
	_, ok := s[digest]
	return ok
}

func (s ExclusionSet) Len() int {
	return len(s)
}

// Decide classifies one version:
//  1. untagged-only keeps tagged versions
//  2. multiplatform protection keeps digests in the exclusion set
//  3. the age threshold keeps versions younger than OlderThan
//  4. everything else is deleted
func Decide(version registry.PackageVersion, filter Filter, exclusions ExclusionSet, now time.Time) Decision {
	if filter.UntaggedOnly && version.Tagged() {
		return Decision{Action: Keep, Reason: ReasonTagged}
	}
	if filter.ExceptUntaggedMultiplatform && exclusions.Contains(version.Digest) {
		return Decision{Action: Keep, Reason: ReasonMultiplatformChild}
	}
	if filter.OlderThan > 0 && now.Sub(version.CreatedAt) < filter.OlderThan {
		return Decision{Action: Keep, Reason: ReasonTooRecent}
	}
	return Decision{Action: Delete, Reason: ReasonEligible}
}

// Plan is the split of a package's versions into deletions and survivors.
type Plan struct {
	Delete []Classified
	Keep   []Classified
}

type Classified struct {
	// Index is the position of Version in the slice given to Classify.
	Index    int
	Version  registry.PackageVersion
	Decision Decision
}

func Classify(versions []registry.PackageVersion, filter Filter, exclusions ExclusionSet, now time.Time) Plan {
	var plan Plan
	for i, version := range versions {
		c := Classified{Index: i, Version: version, Decision: Decide(version, filter, exclusions, now)}
		if c.Decision.Action == Delete {
			plan.Delete = append(plan.Delete, c)
		} else {
			plan.Keep = append(plan.Keep, c)
		}
	}
	return plan
}
