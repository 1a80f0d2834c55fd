package cleaner

type EventKind int

const (
	EventPackagesDiscovered EventKind = iota
	EventStateChanged
	EventVersionDeleted
	EventPackageFinished
)

// Event is a progress notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind     EventKind
	Package  string
	State    State
	Total    int
	Planned  int
	Result   *VersionResult
	Outcome  *PackageOutcome
	Packages []string
}

// Observer receives events from concurrent workers and must be safe for concurrent use.
type Observer func(Event)
