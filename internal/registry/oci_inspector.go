package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	gocache "github.com/patrickmn/go-cache"
)

const (
	DefaultRegistryURL = "https://ghcr.io"

	mediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	mediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"

	maxManifestSize  = 4 << 20
	tokenEarlyExpiry = 30 * time.Second
)

var manifestAccept = strings.Join([]string{
	mediaTypeDockerManifest,
	ocispec.MediaTypeImageManifest,
	mediaTypeDockerManifestList,
	ocispec.MediaTypeImageIndex,
}, ", ")

// RegistryInspector reads manifests through the OCI distribution API of the container
// registry that backs the packages.
type RegistryInspector struct {
	baseURL    *url.URL
	httpClient *http.Client
	creds      basicCredentials
	logger     RequestLogger
	retry      RetryPolicy

	tokens   *gocache.Cache
	children *gocache.Cache
}

type InspectorOption func(*RegistryInspector)

func WithInspectorHTTPClient(client *http.Client) InspectorOption {
	return func(i *RegistryInspector) {
		if client != nil {
			i.httpClient = client
		}
	}
}

func WithInspectorLogger(logger RequestLogger) InspectorOption {
	return func(i *RegistryInspector) {
		i.logger = logger
	}
}

func WithInspectorRetryPolicy(policy RetryPolicy) InspectorOption {
	return func(i *RegistryInspector) {
		i.retry = policy
	}
}

func NewRegistryInspector(registryURL, username, token string, opts ...InspectorOption) (*RegistryInspector, error) {
	trimmed := strings.TrimSpace(registryURL)
	if trimmed == "" {
		trimmed = DefaultRegistryURL
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid registry url: %w", err)
	}
	if parsed.Host == "" {
		return nil, errors.New("registry url must include a host name")
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")

	i := &RegistryInspector{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		creds:      basicCredentials{Username: strings.TrimSpace(username), Password: strings.TrimSpace(token)},
		retry:      DefaultRetryPolicy(),
		tokens:     gocache.New(5*time.Minute, 10*time.Minute),
		children:   gocache.New(gocache.NoExpiration, 0),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

func (i *RegistryInspector) ManifestChildren(ctx context.Context, owner, packageName, reference string) ([]string, error) {
	image := repositoryPath(owner, packageName)
	if image == "" {
		return nil, errors.New("image owner and package are required")
	}
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, errors.New("manifest reference is required")
	}

	key := image + "@" + reference
	if cached, ok := i.children.Get(key); ok {
		if children, ok := cached.([]string); ok {
			return children, nil
		}
	}

	var children []string
	err := i.retry.Do(ctx, "inspect "+key, func(ctx context.Context) error {
		var err error
		children, err = i.fetchChildren(ctx, image, reference)
		return err
	})
	if err != nil {
		return nil, err
	}
	i.children.Set(key, children, gocache.NoExpiration)
	return children, nil
}

func (i *RegistryInspector) fetchChildren(ctx context.Context, image, reference string) ([]string, error) {
	endpoint := resolveURL(i.baseURL, "/v2/"+image+"/manifests/"+url.PathEscape(reference), nil)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", manifestAccept)
	req.Header.Set("User-Agent", userAgent)

	resp, err := i.doWithAuth(ctx, req, image)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, newStatusError("manifest "+image+"@"+reference, resp, errorMessage(resp.Body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		return nil, transientError{err: fmt.Errorf("read manifest %s@%s: %w", image, reference, err)}
	}
	return decodeManifestChildren(resp.Header.Get("Content-Type"), body)
}

func (i *RegistryInspector) doWithAuth(ctx context.Context, req *http.Request, image string) (*http.Response, error) {
	scopeKey := "repository:" + image + ":pull"
	if cached, ok := i.tokens.Get(scopeKey); ok {
		if token, ok := cached.(string); ok && token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := i.send(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	challenge := resp.Header.Get("Www-Authenticate")
	resp.Body.Close()

	realm, service, scope, ok := parseBearerChallenge(challenge)
	if !ok {
		return nil, fmt.Errorf("%w: registry %s requires bearer auth", ErrForbidden, i.baseURL.Host)
	}
	if service == "" {
		service = i.baseURL.Host
	}
	if scope == "" {
		scope = scopeKey
	}

	token, expiry, err := fetchBearerToken(ctx, i.httpClient, i.logger, i.creds, realm, service, scope)
	if err != nil {
		return nil, err
	}
	if ttl := time.Until(expiry) - tokenEarlyExpiry; ttl > 0 {
		i.tokens.Set(scopeKey, token, ttl)
	}

	retryReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), nil)
	if err != nil {
		return nil, err
	}
	retryReq.Header = req.Header.Clone()
	retryReq.Header.Set("Authorization", "Bearer "+token)
	return i.send(ctx, retryReq)
}

func (i *RegistryInspector) send(ctx context.Context, req *http.Request) (*http.Response, error) {
	started := time.Now()
	resp, err := i.httpClient.Do(req)
	logRequestWithLogger(i.logger, req, resp, started)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transientError{err: err}
	}
	return resp, nil
}

// decodeManifestChildren returns the child digests of an index or manifest list and
// nothing for a single-platform manifest.
func decodeManifestChildren(contentType string, body []byte) ([]string, error) {
	var index ocispec.Index
	if err := json.Unmarshal(body, &index); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	mediaType := index.MediaType
	if mediaType == "" && contentType != "" {
		if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
			mediaType = parsed
		}
	}
	if !isIndexMediaType(mediaType) && len(index.Manifests) == 0 {
		return nil, nil
	}

	children := make([]string, 0, len(index.Manifests))
	for _, descriptor := range index.Manifests {
		if err := descriptor.Digest.Validate(); err != nil {
			return nil, fmt.Errorf("manifest child %q: %w", descriptor.Digest, err)
		}
		children = append(children, descriptor.Digest.String())
	}
	return children, nil
}

func isIndexMediaType(mediaType string) bool {
	return mediaType == ocispec.MediaTypeImageIndex || mediaType == mediaTypeDockerManifestList
}

func repositoryPath(owner, packageName string) string {
	owner = strings.Trim(strings.ToLower(strings.TrimSpace(owner)), "/")
	packageName = strings.Trim(strings.ToLower(strings.TrimSpace(packageName)), "/")
	if owner == "" || packageName == "" {
		return ""
	}
	return owner + "/" + packageName
}
