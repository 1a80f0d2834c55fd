package registry

import (
	"fmt"
	"strings"
	"time"
)

type OwnerType string

const (
	OwnerOrganization OwnerType = "org"
	OwnerUser         OwnerType = "user"
)

func ParseOwnerType(value string) (OwnerType, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "org", "orgs", "organization", "organisation":
		return OwnerOrganization, nil
	case "user", "users":
		return OwnerUser, nil
	default:
		return "", fmt.Errorf("unsupported owner type %q (expected organization or user)", value)
	}
}

// pathSegment is the REST collection the owner lives under.
func (t OwnerType) pathSegment() string {
	if t == OwnerUser {
		return "users"
	}
	return "orgs"
}

// Scope identifies the namespace a run operates on.
type Scope struct {
	Owner     string
	OwnerType OwnerType
}

type Package struct {
	ID           int64
	Name         string
	Owner        string
	Repository   string
	Visibility   string
	VersionCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PackageVersion is one digest-addressed revision of a container package.
type PackageVersion struct {
	ID          int64
	Digest      string
	Tags        []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	PackageName string
	Owner       string
}

func (v PackageVersion) Tagged() bool {
	return len(v.Tags) > 0
}

func (v PackageVersion) String() string {
	if v.Tagged() {
		return fmt.Sprintf("%s@%s (%s)", v.PackageName, v.Digest, strings.Join(v.Tags, ","))
	}
	return fmt.Sprintf("%s@%s", v.PackageName, v.Digest)
}

// VersionPage is one page of a version listing. Next is empty on the last page.
type VersionPage struct {
	Versions []PackageVersion
	Next     string
}
