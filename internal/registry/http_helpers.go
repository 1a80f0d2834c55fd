package registry

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const maxErrorBody = 4 << 10

func cloneHeader(header http.Header) map[string][]string {
	if len(header) == 0 {
		return nil
	}
	out := make(map[string][]string, len(header))
	for key, values := range header {
		if strings.EqualFold(key, "Authorization") {
			out[key] = []string{"<redacted>"}
			continue
		}
		copied := make([]string, len(values))
		copy(copied, values)
		out[key] = copied
	}
	return out
}

// resolveURL joins an already escaped path onto base.
func resolveURL(base *url.URL, escapedPath string, query url.Values) string {
	raw := escapedPath
	if base != nil {
		raw = strings.TrimSuffix(base.String(), "/") + escapedPath
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if query != nil {
		parsed.RawQuery = query.Encode()
	} else {
		parsed.RawQuery = ""
	}
	return parsed.String()
}

func resolveNextURL(base *url.URL, next string) string {
	next = strings.TrimSpace(next)
	if next == "" {
		return ""
	}
	parsed, err := url.Parse(next)
	if err != nil || parsed.IsAbs() || parsed.Host != "" {
		return next
	}
	if base == nil {
		return next
	}
	return base.ResolveReference(parsed).String()
}

// parseNextLink extracts the rel="next" target of an RFC 8288 Link header.
func parseNextLink(headerValue string, baseURL *url.URL) string {
	for _, segment := range strings.Split(headerValue, ",") {
		segment = strings.TrimSpace(segment)
		if segment == "" || !strings.Contains(strings.ToLower(segment), `rel="next"`) {
			continue
		}
		start := strings.Index(segment, "<")
		end := strings.Index(segment, ">")
		if start == -1 || end <= start+1 {
			continue
		}
		target := segment[start+1 : end]
		nextURL, err := url.Parse(target)
		if err != nil {
			continue
		}
		if nextURL.IsAbs() || baseURL == nil {
			return nextURL.String()
		}
		return baseURL.ResolveReference(nextURL).String()
	}
	return ""
}

// errorMessage pulls the "message" field GitHub puts in error bodies, falling back to
// the raw text.
func errorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil || len(data) == 0 {
		return ""
	}
	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Message != "" {
		return payload.Message
	}
	return strings.TrimSpace(string(data))
}
