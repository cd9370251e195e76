package twitchauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

const idBaseURL = "https://id.twitch.tv/oauth2"

// Source holds the current access token and refreshes it when refresh
// credentials are configured. Access() hands out the bare token for API
// calls; IRCToken() adds the oauth: prefix the chat transport wants.
type Source struct {
	ClientID     string
	ClientSecret string
	TokenFile    string // optional, written back on refresh
	BaseURL      string // override for tests

	mu      sync.Mutex
	access  string
	refresh string
}

func NewSource(access, refresh string) *Source {
	return &Source{
		BaseURL: idBaseURL,
		access:  normalize(access),
		refresh: strings.TrimSpace(refresh),
	}
}

// LoadAccessFile seeds the access token from a file. The file may carry the
// oauth: prefix; it is stripped either way.
func (s *Source) LoadAccessFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.access = normalize(string(data))
	s.TokenFile = path
	s.mu.Unlock()
	return nil
}

// Access returns the bare current token.
func (s *Source) Access() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.access == "" {
		return "", fmt.Errorf("no access token available")
	}
	return s.access, nil
}

// IRCToken returns the token in the oauth:xxxx form the chat transport
// expects, or "" when none is held.
func (s *Source) IRCToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.access == "" {
		return ""
	}
	return "oauth:" + s.access
}

// CanRefresh reports whether refresh credentials are configured.
func (s *Source) CanRefresh() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ClientID != "" && s.ClientSecret != "" && s.refresh != ""
}

// Refresh exchanges the refresh token for a new access token, writing it
// back to the token file when one is configured.
func (s *Source) Refresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	clientID, clientSecret, refresh := s.ClientID, s.ClientSecret, s.refresh
	base := s.BaseURL
	s.mu.Unlock()
	if base == "" {
		base = idBaseURL
	}
	if clientID == "" || clientSecret == "" || refresh == "" {
		return "", fmt.Errorf("refresh credentials not configured")
	}

	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refresh)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/token", bytes.NewBufferString(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("refresh status %d: %s", resp.StatusCode, string(body))
	}

	var tok struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", err
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("no access_token in refresh response")
	}

	s.mu.Lock()
	s.access = normalize(tok.AccessToken)
	if tok.RefreshToken != "" {
		s.refresh = tok.RefreshToken
	}
	file := s.TokenFile
	access := s.access
	s.mu.Unlock()

	if file != "" {
		if err := os.WriteFile(file, []byte(access+"\n"), 0o600); err != nil {
			log.Printf("twitchauth: write token file: %v", err)
		}
	}
	return access, nil
}

// StartAuto refreshes on an interval until the context ends. Twitch user
// access tokens last around four hours; refreshing hourly keeps a healthy
// margin.
func (s *Source) StartAuto(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !s.CanRefresh() {
					continue
				}
				if _, err := s.Refresh(ctx); err != nil {
					log.Printf("twitchauth: auto refresh: %v", err)
				} else {
					log.Printf("twitchauth: access token refreshed")
				}
			}
		}
	}()
}

// Identity is what the validate endpoint reports about a token.
type Identity struct {
	Login  string `json:"login"`
	UserID string `json:"user_id"`
}

// Validate checks the current token against the id service and returns the
// identity it is bound to.
func (s *Source) Validate(ctx context.Context) (Identity, error) {
	access, err := s.Access()
	if err != nil {
		return Identity{}, err
	}
	base := s.BaseURL
	if base == "" {
		base = idBaseURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/validate", nil)
	if err != nil {
		return Identity{}, err
	}
	req.Header.Set("Authorization", "Bearer "+access)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Identity{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("validate status %d", resp.StatusCode)
	}

	var id Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return Identity{}, err
	}
	if id.Login == "" {
		return Identity{}, fmt.Errorf("token not bound to a login")
	}
	return id, nil
}

func normalize(token string) string {
	token = strings.TrimSpace(token)
	return strings.TrimPrefix(token, "oauth:")
}
