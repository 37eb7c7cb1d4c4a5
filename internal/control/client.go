package control

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/petervdpas/goopbeat/internal/session"
	"github.com/petervdpas/goopbeat/internal/util"
)

// Client talks to a peer's control API.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: util.NormalizeURL(baseURL),
		HTTP:    &http.Client{Timeout: util.DefaultFetchTimeout},
	}
}

// APIError is a non-2xx answer from the control API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("control: %d %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var eb errorBody
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb)
		if eb.Error == "" {
			eb.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: eb.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) Status(ctx context.Context) (session.Status, error) {
	var st session.Status
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &st)
	return st, err
}

// Action posts one of join, leave, leader, calibrate, start or stop.
func (c *Client) Action(ctx context.Context, name string) (session.Status, error) {
	var st session.Status
	err := c.do(ctx, http.MethodPost, "/api/"+name, nil, &st)
	return st, err
}

func (c *Client) UpdatePlayback(ctx context.Context, patch json.RawMessage) (session.Status, error) {
	var st session.Status
	err := c.do(ctx, http.MethodPatch, "/api/playback", patch, &st)
	return st, err
}

func (c *Client) SetMute(ctx context.Context, mute bool) error {
	return c.do(ctx, http.MethodPut, "/api/mute", muteBody{Mute: mute}, nil)
}

func (c *Client) Logs(ctx context.Context) ([]LogEntry, error) {
	var out []LogEntry
	err := c.do(ctx, http.MethodGet, "/api/logs", nil, &out)
	return out, err
}

// Stream follows an SSE endpoint such as /api/beats and calls fn with the
// data of every event until ctx ends or the server closes the stream.
func (c *Client) Stream(ctx context.Context, path string, fn func(event string, data []byte)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// No client timeout on a stream.
	hc := *c.HTTP
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	event := ""
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			fn(event, []byte(strings.TrimPrefix(line, "data: ")))
		case line == "":
			event = ""
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return sc.Err()
}
