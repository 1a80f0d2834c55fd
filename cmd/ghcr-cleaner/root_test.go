package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVersion struct {
	ID        int64
	Digest    string
	Tags      []string
	CreatedAt time.Time
}

// fakeGitHub serves the package endpoints of a single org from memory.
type fakeGitHub struct {
	mu       sync.Mutex
	versions map[string][]fakeVersion
	deleted  []string
	failIDs  map[int64]bool
}

func digestOf(c byte) string {
	return "sha256:" + strings.Repeat(string(c), 64)
}

func (f *fakeGitHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer test-token" {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Bad credentials"}`))
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case r.Method == http.MethodGet && len(parts) == 3 && parts[2] == "packages":
		var payload []map[string]any
		for name := range f.versions {
			payload = append(payload, map[string]any{"id": len(payload) + 1, "name": name, "repository": map[string]any{"name": "widget"}})
		}
		_ = json.NewEncoder(w).Encode(payload)
	case r.Method == http.MethodGet && len(parts) == 6 && parts[5] == "versions":
		versions, ok := f.versions[parts[4]]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Package not found."}`))
			return
		}
		payload := make([]map[string]any, 0, len(versions))
		for _, v := range versions {
			tags := v.Tags
			if tags == nil {
				tags = []string{}
			}
			payload = append(payload, map[string]any{
				"id":         v.ID,
				"name":       v.Digest,
				"created_at": v.CreatedAt.Format(time.RFC3339),
				"updated_at": v.CreatedAt.Format(time.RFC3339),
				"metadata":   map[string]any{"package_type": "container", "container": map[string]any{"tags": tags}},
			})
		}
		_ = json.NewEncoder(w).Encode(payload)
	case r.Method == http.MethodDelete && len(parts) == 7 && parts[5] == "versions":
		var id int64
		_, _ = fmt.Sscan(parts[6], &id)
		if f.failIDs[id] {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"message":"cannot delete"}`))
			return
		}
		f.deleted = append(f.deleted, parts[4]+"/"+parts[6])
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func setupEnv(t *testing.T) string {
	t.Helper()
	for _, key := range []string{"GITHUB_TOKEN", "INPUT_TOKEN", "INPUT_REPOSITORY_OWNER", "INPUT_OWNER_TYPE", "INPUT_PACKAGE_NAME", "INPUT_REPOSITORY"} {
		t.Setenv(key, "")
	}
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	output := filepath.Join(t.TempDir(), "github_output")
	t.Setenv("GITHUB_OUTPUT", output)
	return output
}

func newFake() *fakeGitHub {
	old := time.Now().Add(-48 * time.Hour)
	return &fakeGitHub{
		versions: map[string][]fakeVersion{
			"app": {
				{ID: 1, Digest: digestOf('a'), Tags: []string{"latest"}, CreatedAt: old},
				{ID: 2, Digest: digestOf('b'), CreatedAt: old},
				{ID: 3, Digest: digestOf('c'), CreatedAt: time.Now()},
			},
		},
		failIDs: map[int64]bool{},
	}
}

func TestExecute_DeletesUntaggedVersions(t *testing.T) {
	output := setupEnv(t)
	fake := newFake()
	server := httptest.NewServer(fake)
	defer server.Close()

	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{
		"--token", "test-token",
		"--repository_owner", "acme",
		"--owner_type", "org",
		"--older", "3600",
		"--api_url", server.URL,
		"--log_level", "error",
	}, &stdout, &stderr)

	require.Equal(t, exitOK, code, "stderr: %s", stderr.String())
	assert.Equal(t, []string{"app/2"}, fake.deleted)
	assert.Contains(t, stdout.String(), "app")

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "num_deleted=1\n", string(data))
}

func TestExecute_ActionInputs(t *testing.T) {
	setupEnv(t)
	fake := newFake()
	server := httptest.NewServer(fake)
	defer server.Close()

	t.Setenv("GITHUB_TOKEN", "test-token")
	t.Setenv("INPUT_REPOSITORY", "acme/widget")
	t.Setenv("INPUT_OWNER_TYPE", "organization")
	t.Setenv("INPUT_PACKAGE_NAME", "app")
	t.Setenv("INPUT_DRY_RUN", "true")
	t.Setenv("INPUT_API_URL", server.URL)
	t.Setenv("INPUT_LOG_LEVEL", "error")

	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), nil, &stdout, &stderr)

	require.Equal(t, exitOK, code, "stderr: %s", stderr.String())
	assert.Empty(t, fake.deleted)
	assert.Contains(t, stdout.String(), "dry run")
}

func TestExecute_DeleteFailureExitsOne(t *testing.T) {
	setupEnv(t)
	fake := newFake()
	fake.failIDs[3] = true
	server := httptest.NewServer(fake)
	defer server.Close()

	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{
		"--token", "test-token",
		"--repository_owner", "acme",
		"--owner_type", "org",
		"--api_url", server.URL,
		"--log_level", "error",
	}, &stdout, &stderr)

	assert.Equal(t, exitFailed, code)
	assert.ElementsMatch(t, []string{"app/2"}, fake.deleted)
	assert.Contains(t, stdout.String(), "partially-failed")
}

func TestExecute_ConfigErrorsExitTwo(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "missing token", args: []string{"--repository_owner", "acme", "--owner_type", "org"}},
		{name: "bad owner type", args: []string{"--token", "t", "--repository_owner", "acme", "--owner_type", "team"}},
		{name: "repository mismatch", args: []string{"--token", "t", "--repository_owner", "acme", "--owner_type", "org", "--repository", "other/widget"}},
		{name: "unknown flag", args: []string{"--bogus"}},
		{name: "stray argument", args: []string{"--token", "t", "--repository_owner", "acme", "--owner_type", "org", "extra"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			setupEnv(t)
			var stdout, stderr bytes.Buffer
			code := execute(context.Background(), tc.args, &stdout, &stderr)
			assert.Equal(t, exitUsage, code, "stderr: %s", stderr.String())
			assert.Contains(t, stderr.String(), "invalid configuration")
		})
	}
}

func TestExecute_BadCredentialsExitOne(t *testing.T) {
	setupEnv(t)
	server := httptest.NewServer(newFake())
	defer server.Close()

	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{
		"--token", "wrong",
		"--repository_owner", "acme",
		"--owner_type", "org",
		"--api_url", server.URL,
		"--log_level", "error",
	}, &stdout, &stderr)

	assert.Equal(t, exitFailed, code)
	assert.Contains(t, stdout.String(), "Bad credentials")
}

func TestExecute_MultiplatformWithoutInspectorSkips(t *testing.T) {
	setupEnv(t)
	fake := newFake()
	server := httptest.NewServer(fake)
	defer server.Close()

	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{
		"--token", "test-token",
		"--repository_owner", "acme",
		"--owner_type", "org",
		"--except_untagged_multiplatform",
		"--manifest_inspector", "none",
		"--api_url", server.URL,
		"--log_level", "error",
	}, &stdout, &stderr)

	assert.Equal(t, exitFailed, code)
	assert.Empty(t, fake.deleted)
	assert.Contains(t, stdout.String(), "skipped")
}

func TestExecute_StdoutTracing(t *testing.T) {
	setupEnv(t)
	server := httptest.NewServer(newFake())
	defer server.Close()

	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{
		"--token", "test-token",
		"--repository_owner", "acme",
		"--owner_type", "org",
		"--dry_run",
		"--trace", "stdout",
		"--api_url", server.URL,
		"--log_level", "debug",
	}, &stdout, &stderr)

	require.Equal(t, exitOK, code, "stderr: %s", stderr.String())
	assert.Contains(t, stderr.String(), "exporting traces")
	assert.Contains(t, stderr.String(), `"Name": "cleanup"`)
}
