package tradovate

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"exec_core/internal/domain"
)

// TokenManager issues and renews the bearer token for one Tradovate login.
// A statically configured token is used as-is and never renewed.
type TokenManager struct {
	mu          sync.RWMutex
	accessToken string
	expiration  time.Time
	userID      int64
	username    string
	static      bool
	creds       authRequest
	now         func() time.Time
}

// NewTokenManager creates a manager. If token is non-empty it is used verbatim.
func NewTokenManager(creds authRequest, token string) *TokenManager {
	tm := &TokenManager{creds: creds, now: time.Now}
	if token != "" {
		tm.accessToken = token
		tm.static = true
		tm.username = creds.Name
	}
	return tm
}

// Username returns the login name used as accountSpec. Before the first
// authentication it is the configured login.
func (tm *TokenManager) Username() string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	if tm.username == "" {
		return tm.creds.Name
	}
	return tm.username
}

// Invalidate drops the cached token so the next call re-authenticates.
func (tm *TokenManager) Invalidate() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if !tm.static {
		tm.accessToken = ""
	}
}

// Token returns a valid access token, authenticating or renewing as needed.
func (tm *TokenManager) Token(ctx context.Context, c *Client) (string, error) {
	tm.mu.RLock()
	token, exp, static := tm.accessToken, tm.expiration, tm.static
	tm.mu.RUnlock()

	if static {
		return token, nil
	}
	now := tm.now()
	if token != "" && now.Before(exp.Add(-renewBefore)) {
		return token, nil
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()
	// Another caller may have refreshed while we waited.
	if tm.accessToken != "" && now.Before(tm.expiration.Add(-renewBefore)) {
		return tm.accessToken, nil
	}

	var resp authResponse
	var err error
	if tm.accessToken != "" && now.Before(tm.expiration) {
		err = c.send(ctx, http.MethodGet, pathRenew, nil, nil, tm.accessToken, &resp)
		if err == nil && resp.AccessToken == "" {
			err = fmt.Errorf("empty renewal")
		}
		if err != nil {
			slog.Warn("⚠️ Tradovate token renewal failed, re-authenticating",
				slog.String("venue", c.name), slog.Any("error", err))
		}
	}
	if tm.accessToken == "" || !now.Before(tm.expiration) || err != nil {
		resp = authResponse{}
		if err := c.send(ctx, http.MethodPost, pathAuth, nil, tm.creds, "", &resp); err != nil {
			return "", err
		}
	}

	if resp.ErrorText != "" || resp.AccessToken == "" {
		return "", domain.Fatal(c.name, "auth", fmt.Errorf("authentication failed: %s", resp.ErrorText))
	}

	tm.accessToken = resp.AccessToken
	tm.expiration = resp.ExpirationTime
	tm.userID = resp.UserID
	if resp.Name != "" {
		tm.username = resp.Name
	} else if tm.username == "" {
		tm.username = tm.creds.Name
	}

	slog.Info("Tradovate token issued",
		slog.String("venue", c.name),
		slog.String("user", tm.username),
		slog.Time("expires", tm.expiration))
	return tm.accessToken, nil
}

// Wipe clears secrets held in memory.
func (tm *TokenManager) Wipe() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.accessToken = ""
	tm.creds.Password = ""
	tm.creds.Sec = ""
}
