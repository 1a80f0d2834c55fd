package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	Token       string `json:"token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func decodeTokenResponse(resp *http.Response) (string, time.Time, error) {
	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", time.Time{}, err
	}
	token := firstNonEmpty(payload.Token, payload.AccessToken)
	expiry := time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	if payload.ExpiresIn == 0 {
		expiry = time.Now().Add(5 * time.Minute)
	}
	return token, expiry, nil
}

func parseBearerChallenge(value string) (realm, service, scope string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(value), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", "", "", false
	}

	for _, segment := range strings.Split(parts[1], ",") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		kv := strings.SplitN(segment, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		val := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		switch key {
		case "realm":
			realm = val
		case "service":
			service = val
		case "scope":
			scope = val
		}
	}
	if realm == "" {
		return "", "", "", false
	}
	return realm, service, scope, true
}

// basicCredentials are sent to the token realm; ghcr.io exchanges a personal access
// token for a pull token this way.
type basicCredentials struct {
	Username string
	Password string
}

func fetchBearerToken(ctx context.Context, client *http.Client, logger RequestLogger, creds basicCredentials, realm, service, scope string) (string, time.Time, error) {
	tokenURL, err := url.Parse(realm)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("invalid token realm: %w", err)
	}
	query := tokenURL.Query()
	if service != "" {
		query.Set("service", service)
	}
	if scope != "" {
		query.Set("scope", scope)
	}
	tokenURL.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL.String(), nil)
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if creds.Password != "" {
		req.SetBasicAuth(creds.Username, creds.Password)
	}

	started := time.Now()
	resp, err := client.Do(req)
	logRequestWithLogger(logger, req, resp, started)
	if err != nil {
		if ctx.Err() != nil {
			return "", time.Time{}, ctx.Err()
		}
		return "", time.Time{}, transientError{err: fmt.Errorf("token request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", time.Time{}, newStatusError("token request", resp, errorMessage(resp.Body))
	}

	token, expiry, err := decodeTokenResponse(resp)
	if err != nil {
		return "", time.Time{}, err
	}
	if token == "" {
		return "", time.Time{}, fmt.Errorf("token response missing token")
	}
	return token, expiry, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
