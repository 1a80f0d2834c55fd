package registry

import "context"

// Client is the package-listing side of the registry.
type Client interface {
	ListPackages(ctx context.Context, scope Scope, repository string) ([]Package, error)
	ListVersionsPage(ctx context.Context, scope Scope, packageName, cursor string) (VersionPage, error)
	DeleteVersion(ctx context.Context, scope Scope, packageName string, versionID int64) error
}

// ManifestInspector reports the child manifests of a manifest list. A single-platform
// manifest has no children.
type ManifestInspector interface {
	ManifestChildren(ctx context.Context, owner, packageName, digest string) ([]string, error)
}
