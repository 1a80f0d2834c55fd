package registry

import "testing"

func TestImageReference(t *testing.T) {
	const digest = "sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	tests := []struct {
		name         string
		registryHost string
		owner        string
		packageName  string
		want         string
	}{
		{
			name:         "registry url host is normalized",
			registryHost: "https://ghcr.io/",
			owner:        "acme",
			packageName:  "app",
			want:         "ghcr.io/acme/app@" + digest,
		},
		{
			name:         "names are lower-cased",
			registryHost: "ghcr.io",
			owner:        "Acme",
			packageName:  "Team/App",
			want:         "ghcr.io/acme/team/app@" + digest,
		},
		{
			name:         "path after host is dropped",
			registryHost: "ghcr.io/v2",
			owner:        "acme",
			packageName:  "app",
			want:         "ghcr.io/acme/app@" + digest,
		},
		{
			name:        "no registry host",
			owner:       "acme",
			packageName: "app",
			want:        "acme/app@" + digest,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ImageReference(tc.registryHost, tc.owner, tc.packageName, digest); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}
