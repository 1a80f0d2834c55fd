package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/scottbass3/ghcr-cleaner/internal/config"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

var version = "dev"

// errRunFailed is returned when the run completed but not every package succeeded.
var errRunFailed = errors.New("cleanup finished with failures")

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, config.ErrInvalid):
		fmt.Fprintln(stderr, "error:", err)
		return exitUsage
	case errors.Is(err, errRunFailed):
		return exitFailed
	default:
		fmt.Fprintln(stderr, "error:", err)
		return exitFailed
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "ghcr-cleaner",
		Short: "Delete old or untagged container package versions from GitHub Packages",
		Long: `ghcr-cleaner removes container image versions from the GitHub Container Registry.

By default only untagged versions are deleted. Children of tagged multi-platform
images can be protected, and versions younger than a threshold can be kept.
Every option can also be set through INPUT_<OPTION> environment variables, as
GitHub Actions does for action inputs.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("%w: unexpected arguments %v", config.ErrInvalid, args)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			config.SetDefaults(v)
			if err := config.BindEnv(v); err != nil {
				return fmt.Errorf("%w: %v", config.ErrInvalid, err)
			}
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return fmt.Errorf("%w: %v", config.ErrInvalid, err)
			}
			if err := config.ReadFile(v, cfgFile); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, stdout, stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	})

	d := config.Defaults()
	flags := cmd.Flags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (default: $XDG_CONFIG_HOME/ghcr-cleaner/config.yaml)")
	flags.String("token", "", "token with delete:packages permission (also GITHUB_TOKEN)")
	flags.String("repository_owner", "", "owner of the packages")
	flags.String("repository", "", "only clean packages linked to this repository (name or owner/name)")
	flags.String("package_name", "", "comma-separated package names; all packages when empty")
	flags.String("owner_type", "", "owner type: organization or user")
	flags.Bool("untagged_only", d.UntaggedOnly, "delete only untagged versions")
	flags.Bool("except_untagged_multiplatform", d.ExceptUntaggedMultiplatform, "keep untagged children of tagged multi-platform images")
	flags.Int64("older", d.Older, "only delete versions older than this many seconds")
	flags.Bool("dry_run", d.DryRun, "report what would be deleted without deleting")
	flags.Int("concurrency", d.Concurrency, "packages processed in parallel")
	flags.Int("delete_concurrency", d.DeleteConcurrency, "parallel deletions per package")
	flags.Int("inspect_concurrency", d.InspectConcurrency, "parallel manifest inspections per package")
	flags.Int("max_attempts", d.MaxAttempts, "attempts per registry call on transient failures")
	flags.Float64("requests_per_second", d.RequestsPerSecond, "pace registry calls; 0 disables pacing")
	flags.Duration("timeout", d.Timeout, "abort the run after this long; 0 disables")
	flags.String("manifest_inspector", d.ManifestInspector, "how manifest lists are read: registry, docker or none")
	flags.String("api_url", d.APIURL, "GitHub REST API base URL")
	flags.String("registry_url", d.RegistryURL, "container registry base URL")
	flags.String("log_level", d.LogLevel, "log level: debug, info, warn or error")
	flags.String("log_format", d.LogFormat, "log format: text or json")
	flags.Bool("progress", d.Progress, "show a live progress view when attached to a terminal")
	flags.String("trace", d.Trace, "export OpenTelemetry spans: stdout")
	return cmd
}
