package report

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/scottbass3/ghcr-cleaner/internal/cleaner"
)

// GitHubOutputEnv names the file the Actions runner collects step outputs from.
const GitHubOutputEnv = "GITHUB_OUTPUT"

// Outputs are the step outputs of a run. num_deleted counts only versions this run
// removed; versions found already gone are not included.
func Outputs(r cleaner.Report) map[string]string {
	totals := r.Totals()
	return map[string]string{
		"num_deleted": strconv.Itoa(totals.Deleted),
	}
}

// WriteGitHubOutput appends key=value lines to path. An empty path is a no-op so the
// CLI behaves the same outside Actions.
func WriteGitHubOutput(path string, outputs map[string]string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", GitHubOutputEnv, err)
	}
	defer f.Close()

	for _, key := range slices.Sorted(maps.Keys(outputs)) {
		if _, err := fmt.Fprintf(f, "%s=%s\n", key, outputs[key]); err != nil {
			return fmt.Errorf("write %s: %w", GitHubOutputEnv, err)
		}
	}
	return f.Close()
}
