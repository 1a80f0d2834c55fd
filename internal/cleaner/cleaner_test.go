package cleaner

import (
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottbass3/ghcr-cleaner/internal/multiplatform"
	"github.com/scottbass3/ghcr-cleaner/internal/registry"
	"github.com/scottbass3/ghcr-cleaner/internal/retention"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// memoryRegistry is an in-memory registry.Client. Versions are served two per page
// so pagination is always exercised.
type memoryRegistry struct {
	mu         sync.Mutex
	packages   []registry.Package
	versions   map[string][]registry.PackageVersion
	listErr    error
	versionErr map[string]error
	deleteErr  map[int64]error
	deleted    []int64
	journal    *journal
}

func newMemoryRegistry() *memoryRegistry {
	return &memoryRegistry{
		versions:   map[string][]registry.PackageVersion{},
		versionErr: map[string]error{},
		deleteErr:  map[int64]error{},
	}
}

func (m *memoryRegistry) addPackage(name string, versions ...registry.PackageVersion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packages = append(m.packages, registry.Package{Name: name, Owner: "acme"})
	for i := range versions {
		versions[i].PackageName = name
		versions[i].Owner = "acme"
	}
	m.versions[name] = versions
}

func (m *memoryRegistry) ListPackages(ctx context.Context, scope registry.Scope, repository string) ([]registry.Package, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]registry.Package(nil), m.packages...), nil
}

func (m *memoryRegistry) ListVersionsPage(ctx context.Context, scope registry.Scope, packageName, cursor string) (registry.VersionPage, error) {
	if err := m.versionErr[packageName]; err != nil {
		return registry.VersionPage{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	all, ok := m.versions[packageName]
	if !ok {
		return registry.VersionPage{}, &registry.StatusError{Op: "list versions", StatusCode: 404, Status: "404 Not Found"}
	}
	start := 0
	if cursor != "" {
		start, _ = strconv.Atoi(cursor)
	}
	end := min(start+2, len(all))
	page := registry.VersionPage{Versions: append([]registry.PackageVersion(nil), all[start:end]...)}
	if end < len(all) {
		page.Next = strconv.Itoa(end)
	}
	return page, nil
}

func (m *memoryRegistry) DeleteVersion(ctx context.Context, scope registry.Scope, packageName string, versionID int64) error {
	m.journal.add("delete")
	if err := m.deleteErr[versionID]; err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	remaining := m.versions[packageName][:0]
	found := false
	for _, v := range m.versions[packageName] {
		if v.ID == versionID {
			found = true
			continue
		}
		remaining = append(remaining, v)
	}
	m.versions[packageName] = remaining
	if !found {
		return &registry.StatusError{Op: "delete version", StatusCode: 404, Status: "404 Not Found"}
	}
	m.deleted = append(m.deleted, versionID)
	return nil
}

func (m *memoryRegistry) deletedIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := append([]int64(nil), m.deleted...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

type mapInspector struct {
	children map[string][]string
	err      error
	journal  *journal
	delay    time.Duration
}

func (i mapInspector) ManifestChildren(ctx context.Context, owner, packageName, digest string) ([]string, error) {
	if i.delay > 0 {
		time.Sleep(i.delay)
	}
	i.journal.add("inspect")
	if i.err != nil {
		return nil, i.err
	}
	return i.children[digest], nil
}

func ver(id int64, digest string, age time.Duration, tags ...string) registry.PackageVersion {
	return registry.PackageVersion{ID: id, Digest: digest, Tags: tags, CreatedAt: testNow.Add(-age)}
}

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

func newCleaner(client registry.Client, inspector registry.ManifestInspector, opts ...Option) *Cleaner {
	opts = append([]Option{WithLogger(quietLogger()), WithClock(func() time.Time { return testNow })}, opts...)
	return New(client, multiplatform.NewResolver(inspector, 2), opts...)
}

func scope() registry.Scope {
	return registry.Scope{Owner: "acme", OwnerType: registry.OwnerOrganization}
}

func TestRun_DeletesUntaggedAndKeepsTagged(t *testing.T) {
	reg := newMemoryRegistry()
	reg.addPackage("app",
		ver(1, "sha256:old", 10*24*time.Hour),
		ver(2, "sha256:latest", 5*24*time.Hour, "latest"),
		ver(3, "sha256:older", 20*24*time.Hour),
	)

	report := newCleaner(reg, nil).Run(context.Background(), Options{
		Scope:  scope(),
		Filter: retention.Filter{UntaggedOnly: true},
	})

	require.True(t, report.Success(), "unexpected failure: %v", report.Err())
	require.Len(t, report.Packages, 1)
	outcome := report.Packages[0]
	assert.Equal(t, StateDone, outcome.State)
	assert.Equal(t, 3, outcome.Evaluated)
	assert.Equal(t, 2, outcome.Deleted)
	assert.Equal(t, 1, outcome.Kept)
	assert.Equal(t, []int64{1, 3}, reg.deletedIDs())
	assert.Equal(t, 2, report.Totals().Deleted)
	assert.NotEmpty(t, report.RunID)
}

func TestRun_MultiplatformChildrenSurvive(t *testing.T) {
	reg := newMemoryRegistry()
	reg.addPackage("app",
		ver(1, "sha256:m", 3*24*time.Hour, "v1"),
		ver(2, "sha256:d1", 3*24*time.Hour),
		ver(3, "sha256:d2", 3*24*time.Hour),
		ver(4, "sha256:stray", 3*24*time.Hour),
	)
	inspector := mapInspector{children: map[string][]string{"sha256:m": {"sha256:d1", "sha256:d2"}}}

	report := newCleaner(reg, inspector).Run(context.Background(), Options{
		Scope:  scope(),
		Filter: retention.Filter{UntaggedOnly: true, ExceptUntaggedMultiplatform: true},
	})

	require.True(t, report.Success())
	outcome := report.Packages[0]
	assert.Equal(t, []int64{4}, reg.deletedIDs())
	assert.Equal(t, 2, outcome.Protected)
	assert.Equal(t, 1, outcome.ManifestLists)
	assert.Equal(t, 3, outcome.Kept)
}

func TestRun_ResolutionFinishesBeforeAnyDeletion(t *testing.T) {
	j := &journal{}
	reg := newMemoryRegistry()
	reg.journal = j
	var versions []registry.PackageVersion
	children := map[string][]string{}
	for i := int64(1); i <= 6; i++ {
		n := strconv.FormatInt(i, 10)
		digest := "sha256:tag" + n
		versions = append(versions, ver(i, digest, time.Hour, "t"+n))
		versions = append(versions, ver(i+10, "sha256:loose"+n, time.Hour))
		children[digest] = nil
	}
	reg.addPackage("app", versions...)
	inspector := mapInspector{children: children, journal: j, delay: 2 * time.Millisecond}

	report := newCleaner(reg, inspector).Run(context.Background(), Options{
		Scope:  scope(),
		Filter: retention.Filter{UntaggedOnly: true, ExceptUntaggedMultiplatform: true},
	})
	require.True(t, report.Success())

	j.mu.Lock()
	defer j.mu.Unlock()
	require.Len(t, j.entries, 12)
	for i, entry := range j.entries[:6] {
		assert.Equal(t, "inspect", entry, "entry %d", i)
	}
	for i, entry := range j.entries[6:] {
		assert.Equal(t, "delete", entry, "entry %d", i+6)
	}
}

func TestRun_UnavailableIntrospectionSkipsPackage(t *testing.T) {
	reg := newMemoryRegistry()
	reg.addPackage("app", ver(1, "sha256:m", time.Hour, "v1"), ver(2, "sha256:d1", time.Hour))

	report := newCleaner(reg, registry.UnavailableInspector{Reason: "docker not installed"}).Run(context.Background(), Options{
		Scope:  scope(),
		Filter: retention.Filter{UntaggedOnly: true, ExceptUntaggedMultiplatform: true},
	})

	require.False(t, report.Success())
	outcome := report.Packages[0]
	assert.Equal(t, StateSkipped, outcome.State)
	assert.ErrorIs(t, outcome.Err, registry.ErrIntrospectionUnavailable)
	assert.Empty(t, reg.deletedIDs())
}

func TestRun_ResolutionErrorFailsPackage(t *testing.T) {
	reg := newMemoryRegistry()
	reg.addPackage("app", ver(1, "sha256:m", time.Hour, "v1"), ver(2, "sha256:d1", time.Hour))
	boom := errors.New("registry exploded")

	report := newCleaner(reg, mapInspector{err: boom}).Run(context.Background(), Options{
		Scope:  scope(),
		Filter: retention.Filter{UntaggedOnly: true, ExceptUntaggedMultiplatform: true},
	})

	outcome := report.Packages[0]
	assert.Equal(t, StateFailed, outcome.State)
	assert.ErrorIs(t, outcome.Err, boom)
	assert.Empty(t, reg.deletedIDs())
}

func TestRun_DryRunDeletesNothing(t *testing.T) {
	reg := newMemoryRegistry()
	reg.addPackage("app", ver(1, "sha256:a", time.Hour), ver(2, "sha256:b", time.Hour, "latest"))

	report := newCleaner(reg, nil).Run(context.Background(), Options{
		Scope:  scope(),
		Filter: retention.Filter{UntaggedOnly: true},
		DryRun: true,
	})

	require.True(t, report.Success())
	assert.True(t, report.DryRun)
	assert.Empty(t, reg.deletedIDs())
	outcome := report.Packages[0]
	assert.Equal(t, 1, outcome.WouldDelete)
	assert.Zero(t, outcome.Deleted)
	assert.Equal(t, StatusWouldDelete, outcome.Versions[0].Status)
	assert.Equal(t, StatusKept, outcome.Versions[1].Status)
}

func TestRun_PackageFailuresAreIsolated(t *testing.T) {
	reg := newMemoryRegistry()
	reg.addPackage("alpha", ver(1, "sha256:a", time.Hour))
	reg.addPackage("beta", ver(2, "sha256:b", time.Hour))
	reg.addPackage("gamma", ver(3, "sha256:c", time.Hour), ver(4, "sha256:d", time.Hour))
	reg.versionErr["alpha"] = &registry.StatusError{Op: "list versions", StatusCode: 403, Status: "403 Forbidden"}
	reg.deleteErr[4] = errors.New("connection reset")

	report := newCleaner(reg, nil).Run(context.Background(), Options{
		Scope:       scope(),
		Filter:      retention.Filter{UntaggedOnly: true},
		Concurrency: 2,
	})

	require.Len(t, report.Packages, 3)
	alpha, beta, gamma := report.Packages[0], report.Packages[1], report.Packages[2]
	assert.Equal(t, "alpha", alpha.Package)
	assert.Equal(t, StateFailed, alpha.State)
	assert.ErrorIs(t, alpha.Err, registry.ErrForbidden)

	assert.Equal(t, StateDone, beta.State)
	assert.Equal(t, 1, beta.Deleted)

	assert.Equal(t, StatePartiallyFailed, gamma.State)
	assert.Equal(t, 1, gamma.Deleted)
	assert.Equal(t, 1, gamma.Failed)

	assert.False(t, report.Success())
	var pkgErr *PackageError
	require.ErrorAs(t, report.Err(), &pkgErr)
	assert.Equal(t, "gamma", pkgErr.Package)
	assert.Equal(t, []int64{2, 3}, reg.deletedIDs())
}

func TestRun_AlreadyDeletedCountsAsSuccess(t *testing.T) {
	reg := newMemoryRegistry()
	reg.addPackage("app", ver(1, "sha256:a", time.Hour), ver(2, "sha256:b", time.Hour))
	reg.deleteErr[2] = &registry.StatusError{Op: "delete version", StatusCode: 404, Status: "404 Not Found"}

	report := newCleaner(reg, nil).Run(context.Background(), Options{
		Scope:  scope(),
		Filter: retention.Filter{UntaggedOnly: true},
	})

	require.True(t, report.Success())
	outcome := report.Packages[0]
	assert.Equal(t, 1, outcome.Deleted)
	assert.Equal(t, 1, outcome.AlreadyGone)
}

func TestRun_SecondRunIsIdempotent(t *testing.T) {
	reg := newMemoryRegistry()
	reg.addPackage("app", ver(1, "sha256:a", time.Hour), ver(2, "sha256:b", time.Hour, "latest"))
	opts := Options{Scope: scope(), Filter: retention.Filter{UntaggedOnly: true}}
	c := newCleaner(reg, nil)

	first := c.Run(context.Background(), opts)
	require.True(t, first.Success())
	assert.Equal(t, 1, first.Totals().Deleted)

	second := c.Run(context.Background(), opts)
	require.True(t, second.Success())
	assert.Zero(t, second.Totals().Deleted)
	assert.Equal(t, 1, second.Totals().Evaluated)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestRun_DiscoveryFailureIsFatal(t *testing.T) {
	reg := newMemoryRegistry()
	reg.listErr = &registry.StatusError{Op: "list packages", StatusCode: 401, Status: "401 Unauthorized"}

	report := newCleaner(reg, nil).Run(context.Background(), Options{Scope: scope(), Filter: retention.Filter{UntaggedOnly: true}})

	require.Error(t, report.ScopeErr)
	assert.ErrorIs(t, report.Err(), registry.ErrForbidden)
	assert.Empty(t, report.Packages)
	assert.False(t, report.Success())
}

func TestRun_ExplicitPackagesSkipDiscovery(t *testing.T) {
	reg := newMemoryRegistry()
	reg.listErr = errors.New("listing must not be called")
	reg.addPackage("app", ver(1, "sha256:a", time.Hour))
	reg.addPackage("other", ver(2, "sha256:b", time.Hour))

	report := newCleaner(reg, nil).Run(context.Background(), Options{
		Scope:  scope(),
		Filter: retention.Filter{UntaggedOnly: true, Packages: []string{"app", " app", ""}},
	})

	require.True(t, report.Success())
	require.Len(t, report.Packages, 1)
	assert.Equal(t, []int64{1}, reg.deletedIDs())
}

func TestRun_ExplicitMissingPackageFails(t *testing.T) {
	reg := newMemoryRegistry()

	report := newCleaner(reg, nil).Run(context.Background(), Options{
		Scope:  scope(),
		Filter: retention.Filter{UntaggedOnly: true, Packages: []string{"ghost"}},
	})

	require.Len(t, report.Packages, 1)
	assert.Equal(t, StateFailed, report.Packages[0].State)
	assert.ErrorIs(t, report.Packages[0].Err, registry.ErrNotFound)
}

func TestRun_AgeFilterKeepsRecentVersions(t *testing.T) {
	reg := newMemoryRegistry()
	reg.addPackage("app",
		ver(1, "sha256:ancient", 100*24*time.Hour, "v0"),
		ver(2, "sha256:recent", 30*24*time.Hour),
	)

	report := newCleaner(reg, nil).Run(context.Background(), Options{
		Scope:  scope(),
		Filter: retention.Filter{OlderThan: 90 * 24 * time.Hour},
	})

	require.True(t, report.Success())
	assert.Equal(t, []int64{1}, reg.deletedIDs())
	assert.Equal(t, retention.ReasonTooRecent, report.Packages[0].Versions[1].Decision.Reason)
}

func TestRun_EmitsLifecycleEvents(t *testing.T) {
	reg := newMemoryRegistry()
	reg.addPackage("app", ver(1, "sha256:a", time.Hour), ver(2, "sha256:b", time.Hour))

	var (
		mu     sync.Mutex
		events []Event
	)
	observer := func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	}

	report := newCleaner(reg, nil, WithObserver(observer)).Run(context.Background(), Options{
		Scope:  scope(),
		Filter: retention.Filter{UntaggedOnly: true},
	})
	require.True(t, report.Success())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	assert.Equal(t, EventPackagesDiscovered, events[0].Kind)
	assert.Equal(t, []string{"app"}, events[0].Packages)

	var states []State
	deletions := 0
	for _, e := range events {
		switch e.Kind {
		case EventStateChanged:
			states = append(states, e.State)
			if e.State == StateDeleting {
				assert.Equal(t, 2, e.Planned)
			}
		case EventVersionDeleted:
			deletions++
		}
	}
	assert.Equal(t, []State{StateEnumerating, StateClassifying, StateDeleting, StateDone}, states)
	assert.Equal(t, 2, deletions)

	last := events[len(events)-1]
	assert.Equal(t, EventPackageFinished, last.Kind)
	require.NotNil(t, last.Outcome)
	assert.Equal(t, 2, last.Outcome.Deleted)
}

func TestRun_CancelledContextFailsPackages(t *testing.T) {
	reg := newMemoryRegistry()
	reg.addPackage("app", ver(1, "sha256:a", time.Hour))
	reg.versionErr["app"] = context.Canceled

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := newCleaner(reg, nil).Run(ctx, Options{Scope: scope(), Filter: retention.Filter{UntaggedOnly: true}})

	require.Len(t, report.Packages, 1)
	assert.Equal(t, StateFailed, report.Packages[0].State)
	assert.ErrorIs(t, report.Err(), context.Canceled)
}
