package helix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://api.twitch.tv/helix"

const maxAttempts = 3

// TokenProvider returns a current access token. Implementations handle
// refresh; the client just asks per request.
type TokenProvider func() (string, error)

// Client is a minimal Helix API client: identity lookup, channel info,
// moderation rosters, timeouts, and chat messages. Requests are rate
// limited and retried on 429/5xx.
type Client struct {
	BaseURL       string
	ClientID      string
	Token         TokenProvider
	BroadcasterID string
	ModeratorID   string // the bot's user id, used as acting moderator

	HTTP    *http.Client
	limiter *rate.Limiter
}

func New(clientID string, token TokenProvider) *Client {
	return &Client{
		BaseURL:  defaultBaseURL,
		ClientID: clientID,
		Token:    token,
		HTTP:     &http.Client{Timeout: 15 * time.Second},
		// Helix allows 800 points per minute; stay well under
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}
}

// User is one row from the users endpoint.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// UserByLogin resolves a login to its user record.
func (c *Client) UserByLogin(ctx context.Context, login string) (User, error) {
	var out struct {
		Data []User `json:"data"`
	}
	q := url.Values{"login": {login}}
	if err := c.do(ctx, http.MethodGet, "/users", q, nil, &out); err != nil {
		return User{}, err
	}
	if len(out.Data) == 0 {
		return User{}, fmt.Errorf("no such user %q", login)
	}
	return out.Data[0], nil
}

// ResolveUserID resolves a login to a user id.
func (c *Client) ResolveUserID(ctx context.Context, login string) (string, error) {
	u, err := c.UserByLogin(ctx, login)
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

// GameFor returns the last-known game for a channel, looked up by login.
func (c *Client) GameFor(ctx context.Context, login string) (string, error) {
	id, err := c.ResolveUserID(ctx, login)
	if err != nil {
		return "", err
	}
	var out struct {
		Data []struct {
			GameName string `json:"game_name"`
		} `json:"data"`
	}
	q := url.Values{"broadcaster_id": {id}}
	if err := c.do(ctx, http.MethodGet, "/channels", q, nil, &out); err != nil {
		return "", err
	}
	if len(out.Data) == 0 {
		return "", fmt.Errorf("no channel info for %q", login)
	}
	return out.Data[0].GameName, nil
}

// Moderators lists the moderator logins for the broadcaster's channel.
func (c *Client) Moderators(ctx context.Context) ([]string, error) {
	return c.roster(ctx, "/moderation/moderators")
}

// VIPs lists the VIP logins for the broadcaster's channel.
func (c *Client) VIPs(ctx context.Context) ([]string, error) {
	return c.roster(ctx, "/channels/vips")
}

func (c *Client) roster(ctx context.Context, path string) ([]string, error) {
	if c.BroadcasterID == "" {
		return nil, fmt.Errorf("broadcaster id not set")
	}
	var logins []string
	cursor := ""
	for {
		var out struct {
			Data []struct {
				UserLogin string `json:"user_login"`
			} `json:"data"`
			Pagination struct {
				Cursor string `json:"cursor"`
			} `json:"pagination"`
		}
		q := url.Values{"broadcaster_id": {c.BroadcasterID}, "first": {"100"}}
		if cursor != "" {
			q.Set("after", cursor)
		}
		if err := c.do(ctx, http.MethodGet, path, q, nil, &out); err != nil {
			return nil, err
		}
		for _, row := range out.Data {
			logins = append(logins, row.UserLogin)
		}
		if out.Pagination.Cursor == "" {
			return logins, nil
		}
		cursor = out.Pagination.Cursor
	}
}

// TimeoutUser times out the target. Missing identifiers are rejected before
// any network effect.
func (c *Client) TimeoutUser(ctx context.Context, targetID string, d time.Duration, reason string) error {
	if c.BroadcasterID == "" || c.ModeratorID == "" || targetID == "" {
		return fmt.Errorf("timeout needs broadcaster, moderator, and target ids")
	}
	body := map[string]any{
		"data": map[string]any{
			"user_id":  targetID,
			"duration": int(d.Seconds()),
			"reason":   reason,
		},
	}
	q := url.Values{
		"broadcaster_id": {c.BroadcasterID},
		"moderator_id":   {c.ModeratorID},
	}
	return c.do(ctx, http.MethodPost, "/moderation/bans", q, body, nil)
}

// SendChatMessage posts a message to the broadcaster's chat as the bot.
func (c *Client) SendChatMessage(ctx context.Context, text string) error {
	if c.BroadcasterID == "" || c.ModeratorID == "" {
		return fmt.Errorf("chat message needs broadcaster and sender ids")
	}
	body := map[string]any{
		"broadcaster_id": c.BroadcasterID,
		"sender_id":      c.ModeratorID,
		"message":        text,
	}
	return c.do(ctx, http.MethodPost, "/chat/messages", nil, body, nil)
}

// SubscribeEventSub creates one EventSub subscription bound to a WebSocket
// session.
func (c *Client) SubscribeEventSub(ctx context.Context, sessionID, subType, version string, condition map[string]string) error {
	body := map[string]any{
		"type":      subType,
		"version":   version,
		"condition": condition,
		"transport": map[string]string{
			"method":     "websocket",
			"session_id": sessionID,
		},
	}
	return c.do(ctx, http.MethodPost, "/eventsub/subscriptions", nil, body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	endpoint := c.BaseURL + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		token, err := c.Token()
		if err != nil {
			return fmt.Errorf("get token: %w", err)
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Client-Id", c.ClientID)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.HTTP.Do(req)
		if err != nil {
			if attempt < maxAttempts {
				log.Printf("helix: %s %s failed (attempt %d): %v", method, path, attempt, err)
				continue
			}
			return err
		}

		retry, err := c.handle(resp, out)
		if err == nil {
			return nil
		}
		if retry && attempt < maxAttempts {
			wait := retryWait(resp, attempt)
			log.Printf("helix: %s %s: %v, retrying in %s", method, path, err, wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		return err
	}
}

func (c *Client) handle(resp *http.Response, out any) (retry bool, err error) {
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return true, fmt.Errorf("status %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	return false, json.NewDecoder(resp.Body).Decode(out)
}

func retryWait(resp *http.Response, attempt int) time.Duration {
	if raw := resp.Header.Get("Ratelimit-Reset"); raw != "" {
		if reset, err := strconv.ParseInt(raw, 10, 64); err == nil {
			if d := time.Until(time.Unix(reset, 0)); d > 0 && d < time.Minute {
				return d
			}
		}
	}
	return time.Duration(attempt) * time.Second
}
