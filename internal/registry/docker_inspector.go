package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CommandRunner executes an external command and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// DockerInspector shells out to `docker manifest inspect`. It needs a docker CLI that
// is already logged in to the registry.
type DockerInspector struct {
	registryHost string
	binary       string
	run          CommandRunner
}

func NewDockerInspector(registryURL string) *DockerInspector {
	host := normalizeRegistryHost(registryURL)
	if host == "" {
		host = normalizeRegistryHost(DefaultRegistryURL)
	}
	return &DockerInspector{
		registryHost: host,
		binary:       "docker",
		run:          execCommand,
	}
}

// WithRunner swaps the command runner, mainly for tests.
func (d *DockerInspector) WithRunner(run CommandRunner) *DockerInspector {
	d.run = run
	return d
}

// Available reports whether the docker binary can be found.
func (d *DockerInspector) Available() error {
	if _, err := exec.LookPath(d.binary); err != nil {
		return fmt.Errorf("%w: %s not found in PATH", ErrIntrospectionUnavailable, d.binary)
	}
	return nil
}

func (d *DockerInspector) ManifestChildren(ctx context.Context, owner, packageName, digest string) ([]string, error) {
	ref := ImageReference(d.registryHost, owner, packageName, digest)
	out, err := d.run(ctx, d.binary, "manifest", "inspect", ref)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrIntrospectionUnavailable, err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("docker manifest inspect %s: %w", ref, err)
	}
	return decodeManifestChildren("", out)
}

func execCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

// UnavailableInspector is used when manifest introspection cannot be offered. Every
// call fails with ErrIntrospectionUnavailable.
type UnavailableInspector struct {
	Reason string
}

func (u UnavailableInspector) ManifestChildren(context.Context, string, string, string) ([]string, error) {
	reason := strings.TrimSpace(u.Reason)
	if reason == "" {
		return nil, ErrIntrospectionUnavailable
	}
	return nil, fmt.Errorf("%w: %s", ErrIntrospectionUnavailable, reason)
}
