package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

const (
	DefaultAPIURL     = "https://api.github.com"
	githubAPIVersion  = "2022-11-28"
	githubPageSize    = 100
	deletedNamePrefix = "deleted_"
	userAgent         = "ghcr-cleaner"
)

// GitHubClient talks to the GitHub Packages REST API for container packages.
type GitHubClient struct {
	baseURL    *url.URL
	httpClient *http.Client
	token      string
	logger     RequestLogger
	retry      RetryPolicy
}

type GitHubOption func(*GitHubClient)

func WithHTTPClient(client *http.Client) GitHubOption {
	return func(c *GitHubClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func WithRequestLogger(logger RequestLogger) GitHubOption {
	return func(c *GitHubClient) {
		c.logger = logger
	}
}

func WithRetryPolicy(policy RetryPolicy) GitHubOption {
	return func(c *GitHubClient) {
		c.retry = policy
	}
}

func NewGitHubClient(apiURL, token string, opts ...GitHubOption) (*GitHubClient, error) {
	trimmed := strings.TrimSpace(apiURL)
	if trimmed == "" {
		trimmed = DefaultAPIURL
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid api url: %w", err)
	}
	if parsed.Host == "" {
		return nil, errors.New("api url must include a host name")
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")

	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("github token is required")
	}

	c := &GitHubClient{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		token:      token,
		retry:      DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *GitHubClient) ListPackages(ctx context.Context, scope Scope, repository string) ([]Package, error) {
	query := url.Values{}
	query.Set("package_type", "container")
	query.Set("per_page", strconv.Itoa(githubPageSize))
	endpoint := c.resolve(fmt.Sprintf("/%s/%s/packages", scope.OwnerType.pathSegment(), url.PathEscape(scope.Owner)), query)

	repository = strings.ToLower(strings.TrimSpace(repository))
	var packages []Package
	for endpoint != "" {
		var payload []githubPackage
		headers, err := c.doJSON(ctx, "list packages", http.MethodGet, endpoint, &payload)
		if err != nil {
			return nil, err
		}
		for _, raw := range payload {
			pkg, err := raw.toPackage()
			if err != nil {
				return nil, err
			}
			if strings.HasPrefix(pkg.Name, deletedNamePrefix) {
				continue
			}
			if repository != "" && !strings.EqualFold(pkg.Repository, repository) {
				continue
			}
			packages = append(packages, pkg)
		}
		endpoint = parseNextLink(headers.Get("Link"), c.baseURL)
	}
	return packages, nil
}

func (c *GitHubClient) ListVersionsPage(ctx context.Context, scope Scope, packageName, cursor string) (VersionPage, error) {
	packageName = strings.TrimSpace(packageName)
	if packageName == "" {
		return VersionPage{}, errors.New("package name is required")
	}

	endpoint := resolveNextURL(c.baseURL, cursor)
	if endpoint == "" {
		query := url.Values{}
		query.Set("per_page", strconv.Itoa(githubPageSize))
		query.Set("state", "active")
		endpoint = c.resolve(c.packagePath(scope, packageName)+"/versions", query)
	}

	var payload []githubVersion
	headers, err := c.doJSON(ctx, "list versions of "+packageName, http.MethodGet, endpoint, &payload)
	if err != nil {
		return VersionPage{}, err
	}

	versions := make([]PackageVersion, 0, len(payload))
	for _, raw := range payload {
		version, err := raw.toVersion(scope.Owner, packageName)
		if err != nil {
			return VersionPage{}, err
		}
		versions = append(versions, version)
	}
	return VersionPage{
		Versions: versions,
		Next:     parseNextLink(headers.Get("Link"), c.baseURL),
	}, nil
}

func (c *GitHubClient) DeleteVersion(ctx context.Context, scope Scope, packageName string, versionID int64) error {
	if versionID <= 0 {
		return fmt.Errorf("invalid version id %d", versionID)
	}
	endpoint := c.resolve(fmt.Sprintf("%s/versions/%d", c.packagePath(scope, packageName), versionID), nil)
	_, err := c.doJSON(ctx, fmt.Sprintf("delete version %d of %s", versionID, packageName), http.MethodDelete, endpoint, nil)
	return err
}

func (c *GitHubClient) packagePath(scope Scope, packageName string) string {
	return fmt.Sprintf("/%s/%s/packages/container/%s",
		scope.OwnerType.pathSegment(),
		url.PathEscape(scope.Owner),
		url.PathEscape(packageName),
	)
}

func (c *GitHubClient) doJSON(ctx context.Context, op, method, endpoint string, out interface{}) (http.Header, error) {
	var headers http.Header
	err := c.retry.Do(ctx, op, func(ctx context.Context) error {
		h, err := c.doOnce(ctx, op, method, endpoint, out)
		headers = h
		return err
	})
	return headers, err
}

func (c *GitHubClient) doOnce(ctx context.Context, op, method, endpoint string, out interface{}) (http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-GitHub-Api-Version", githubAPIVersion)
	req.Header.Set("User-Agent", userAgent)

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	logRequestWithLogger(c.logger, req, resp, started)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transientError{err: fmt.Errorf("%s: %w", op, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return resp.Header.Clone(), newStatusError(op, resp, errorMessage(resp.Body))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return resp.Header.Clone(), nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.Header.Clone(), fmt.Errorf("%s: decode response: %w", op, err)
	}
	return resp.Header.Clone(), nil
}

func (c *GitHubClient) resolve(escapedPath string, query url.Values) string {
	return resolveURL(c.baseURL, escapedPath, query)
}

type githubPackage struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Visibility   string    `json:"visibility"`
	VersionCount int       `json:"version_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Owner        *struct {
		Login string `json:"login"`
	} `json:"owner"`
	Repository *struct {
		Name     string `json:"name"`
		FullName string `json:"full_name"`
	} `json:"repository"`
}

func (p githubPackage) toPackage() (Package, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return Package{}, errors.New("registry returned a package without a name")
	}
	pkg := Package{
		ID:           p.ID,
		Name:         name,
		Visibility:   p.Visibility,
		VersionCount: p.VersionCount,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
	if p.Owner != nil {
		pkg.Owner = p.Owner.Login
	}
	if p.Repository != nil {
		pkg.Repository = p.Repository.Name
	}
	return pkg, nil
}

type githubVersion struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Metadata  *struct {
		PackageType string `json:"package_type"`
		Container   *struct {
			Tags []string `json:"tags"`
		} `json:"container"`
	} `json:"metadata"`
}

func (v githubVersion) toVersion(owner, packageName string) (PackageVersion, error) {
	if v.ID <= 0 {
		return PackageVersion{}, fmt.Errorf("registry returned version of %s without an id", packageName)
	}
	d, err := digest.Parse(strings.TrimSpace(v.Name))
	if err != nil {
		return PackageVersion{}, fmt.Errorf("version %d of %s has invalid digest %q: %w", v.ID, packageName, v.Name, err)
	}
	if v.CreatedAt.IsZero() {
		return PackageVersion{}, fmt.Errorf("version %d of %s has no created_at", v.ID, packageName)
	}

	var tags []string
	if v.Metadata != nil && v.Metadata.Container != nil {
		for _, tag := range v.Metadata.Container.Tags {
			if tag = strings.TrimSpace(tag); tag != "" {
				tags = append(tags, tag)
			}
		}
	}
	return PackageVersion{
		ID:          v.ID,
		Digest:      d.String(),
		Tags:        tags,
		CreatedAt:   v.CreatedAt,
		UpdatedAt:   v.UpdatedAt,
		PackageName: packageName,
		Owner:       owner,
	}, nil
}
