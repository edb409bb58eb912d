package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

var (
	// ErrUserInfoFailed is returned when the userinfo endpoint call fails
	ErrUserInfoFailed = errors.New("userinfo request failed")

	// ErrSubjectMismatch is returned when userinfo describes a different user than the ID token
	ErrSubjectMismatch = errors.New("userinfo subject does not match ID token")
)

// FetchUserInfo calls the userinfo endpoint. The client must already carry the
// access token, e.g. one returned by oauth2.Config.Client.
func FetchUserInfo(ctx context.Context, client *http.Client, endpoint string) (Claims, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create userinfo request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUserInfoFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d, body: %s", ErrUserInfoFailed, resp.StatusCode, string(body))
	}

	var claims Claims
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUserInfoFailed, err)
	}
	return claims, nil
}

// MergeUserInfo returns the ID token claims overlaid with the userinfo claims.
// Userinfo for another subject is rejected.
func MergeUserInfo(idClaims, userInfo Claims) (Claims, error) {
	if userInfo == nil {
		return idClaims, nil
	}
	if userInfo.Subject() != idClaims.Subject() {
		return nil, ErrSubjectMismatch
	}

	merged := make(Claims, len(idClaims)+len(userInfo))
	for k, v := range idClaims {
		merged[k] = v
	}
	for k, v := range userInfo {
		merged[k] = v
	}
	return merged, nil
}
