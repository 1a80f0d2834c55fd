package registry

import (
	"context"
	"errors"
	"fmt"
	"iter"
)

var (
	ErrSequenceConsumed = errors.New("version sequence already consumed")
	ErrCursorStalled    = errors.New("pagination cursor did not advance")
)

// VersionSeq walks every page of a package's versions in registry order. It is lazy:
// a page is fetched only when the previous one has been yielded. It cannot be
// restarted; ranging over it a second time yields ErrSequenceConsumed.
type VersionSeq struct {
	client      Client
	scope       Scope
	packageName string
	started     bool
	pages       int
}

func NewVersionSeq(client Client, scope Scope, packageName string) *VersionSeq {
	return &VersionSeq{client: client, scope: scope, packageName: packageName}
}

// Pages reports how many pages have been fetched so far.
func (s *VersionSeq) Pages() int {
	return s.pages
}

func (s *VersionSeq) All(ctx context.Context) iter.Seq2[PackageVersion, error] {
	return func(yield func(PackageVersion, error) bool) {
		if s.started {
			yield(PackageVersion{}, ErrSequenceConsumed)
			return
		}
		s.started = true

		cursor := ""
		for {
			page, err := s.client.ListVersionsPage(ctx, s.scope, s.packageName, cursor)
			if err != nil {
				yield(PackageVersion{}, err)
				return
			}
			s.pages++
			for _, version := range page.Versions {
				if !yield(version, nil) {
					return
				}
			}
			if page.Next == "" {
				return
			}
			if page.Next == cursor {
				yield(PackageVersion{}, fmt.Errorf("%w: %s after page %d", ErrCursorStalled, s.packageName, s.pages))
				return
			}
			cursor = page.Next
		}
	}
}

// CollectVersions drains every page; the result is only returned when the registry
// signalled the last page.
func CollectVersions(ctx context.Context, client Client, scope Scope, packageName string) ([]PackageVersion, error) {
	var versions []PackageVersion
	for version, err := range NewVersionSeq(client, scope, packageName).All(ctx) {
		if err != nil {
			return nil, err
		}
		versions = append(versions, version)
	}
	return versions, nil
}
