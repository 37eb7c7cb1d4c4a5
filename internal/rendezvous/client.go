package rendezvous

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/petervdpas/goopbeat/internal/transport"
	"github.com/petervdpas/goopbeat/internal/util"
)

// ErrLeaseLost is returned by Renew when the server no longer holds the
// lease for this token.
var ErrLeaseLost = errors.New("rendezvous: lease lost")

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: util.NormalizeURL(baseURL),
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SocketURL is the websocket address claiming name; empty name asks for an
// anonymous identity.
func (c *Client) SocketURL(name string) string {
	u := c.BaseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	u += "/ws"
	if name != "" {
		u += "?name=" + url.QueryEscape(name)
	}
	return u
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return resp.StatusCode, nil
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

// Claim takes a name lease. transport.ErrNameTaken reports a live claim by
// someone else.
func (c *Client) Claim(ctx context.Context, req LeaseRequest) (Lease, error) {
	var l Lease
	status, err := c.do(ctx, http.MethodPost, "/api/names", req, &l)
	if err != nil {
		return Lease{}, fmt.Errorf("claim %q: %w", req.Name, err)
	}
	switch status {
	case http.StatusCreated, http.StatusOK:
		return l, nil
	case http.StatusConflict:
		return Lease{}, transport.ErrNameTaken
	default:
		return Lease{}, fmt.Errorf("claim %q: status %d", req.Name, status)
	}
}

func (c *Client) Renew(ctx context.Context, l Lease, ttlSeconds int) (Lease, error) {
	var out Lease
	req := LeaseRequest{Name: l.Name, Token: l.Token, Addrs: l.Addrs, TTLSeconds: ttlSeconds}
	status, err := c.do(ctx, http.MethodPost, "/api/names/"+url.PathEscape(l.Name)+"/renew", req, &out)
	if err != nil {
		return Lease{}, fmt.Errorf("renew %q: %w", l.Name, err)
	}
	switch status {
	case http.StatusOK:
		return out, nil
	case http.StatusNotFound, http.StatusForbidden:
		return Lease{}, ErrLeaseLost
	default:
		return Lease{}, fmt.Errorf("renew %q: status %d", l.Name, status)
	}
}

func (c *Client) Release(ctx context.Context, l Lease) error {
	path := "/api/names/" + url.PathEscape(l.Name) + "?token=" + url.QueryEscape(l.Token)
	status, err := c.do(ctx, http.MethodDelete, path, nil, nil)
	if err != nil {
		return fmt.Errorf("release %q: %w", l.Name, err)
	}
	if status/100 != 2 && status != http.StatusNotFound {
		return fmt.Errorf("release %q: status %d", l.Name, status)
	}
	return nil
}

// Lookup resolves a name. transport.ErrUnknownPeer reports no live claim.
func (c *Client) Lookup(ctx context.Context, name string) (Lease, error) {
	var l Lease
	status, err := c.do(ctx, http.MethodGet, "/api/names/"+url.PathEscape(name), nil, &l)
	if err != nil {
		return Lease{}, fmt.Errorf("lookup %q: %w", name, err)
	}
	switch status {
	case http.StatusOK:
		return l, nil
	case http.StatusNotFound:
		return Lease{}, transport.ErrUnknownPeer
	default:
		return Lease{}, fmt.Errorf("lookup %q: status %d", name, status)
	}
}

func (c *Client) Claims(ctx context.Context) ([]ClaimInfo, error) {
	var out []ClaimInfo
	status, err := c.do(ctx, http.MethodGet, "/claims.json", nil, &out)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("claims: status %d", status)
	}
	return out, nil
}

// SubscribeEvents connects to /events and calls onEvent for each event. It
// reconnects with a small backoff until ctx is cancelled.
func (c *Client) SubscribeEvents(ctx context.Context, onEvent func(Event)) {
	backoff := 250 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = c.subscribeOnce(ctx, onEvent)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}

func (c *Client) subscribeOnce(ctx context.Context, onEvent func(Event)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/events", nil)
	if err != nil {
		return err
	}

	// No client timeout for SSE; use ctx for cancellation.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("events status %s", resp.Status)
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		var ev Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil || ev.Name == "" {
			continue
		}
		if onEvent != nil {
			onEvent(ev)
		}
	}
	return sc.Err()
}
