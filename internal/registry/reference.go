package registry

import (
	"fmt"
	"net/url"
	"strings"
)

// ImageReference builds a pullable digest reference, e.g. ghcr.io/owner/app@sha256:....
func ImageReference(registryHost, owner, packageName, digest string) string {
	registryHost = normalizeRegistryHost(registryHost)
	image := repositoryPath(owner, packageName)
	if registryHost == "" {
		return fmt.Sprintf("%s@%s", image, digest)
	}
	return fmt.Sprintf("%s/%s@%s", registryHost, image, digest)
}

func normalizeRegistryHost(registryHost string) string {
	registryHost = strings.TrimSpace(registryHost)
	if registryHost == "" {
		return ""
	}
	if parsed, err := url.Parse(registryHost); err == nil && parsed.Host != "" {
		registryHost = parsed.Host
	}
	registryHost = strings.Trim(registryHost, "/")
	if slash := strings.Index(registryHost, "/"); slash >= 0 {
		registryHost = registryHost[:slash]
	}
	return registryHost
}
