package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

// Transport dials the push stream for a subject and delivers snapshot
// payloads until the context is cancelled or the stream fails. opened is
// invoked once the connection is established, before the first payload.
type Transport interface {
	Run(ctx context.Context, subject string, opened func(), deliver func([]byte)) error
}

// SSETransport consumes the server-sent-events feed at
// {endpoint}/energy/{subject}. One JSON snapshot arrives per event on the
// default channel.
type SSETransport struct {
	Endpoint string
	Token    string
	Client   *http.Client
}

func (t *SSETransport) Run(ctx context.Context, subject string, opened func(), deliver func([]byte)) error {
	target := strings.TrimRight(t.Endpoint, "/") + "/energy/" + url.PathEscape(subject)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if t.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.Token)
	}
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream status %d", resp.StatusCode)
	}
	opened()

	scanner := newSSEScanner(resp.Body)
	for scanner.Next() {
		event := scanner.Event()
		if event.Type != "" && event.Type != "message" {
			continue
		}
		deliver([]byte(event.Data))
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return fmt.Errorf("stream closed by server")
}

// WSTransport consumes the websocket feed at {endpoint}/ws/energy/{subject}
// with one JSON snapshot per text message.
type WSTransport struct {
	Endpoint    string
	Token       string
	DialTimeout time.Duration
}

func (t *WSTransport) Run(ctx context.Context, subject string, opened func(), deliver func([]byte)) error {
	target, err := t.streamURL(subject)
	if err != nil {
		return err
	}
	opts := &websocket.DialOptions{}
	if t.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + t.Token}}
	}
	dialTimeout := t.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, target, opts)
	cancel()
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	opened()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read stream: %w", err)
		}
		deliver(data)
	}
}

func (t *WSTransport) streamURL(subject string) (string, error) {
	parsed, err := url.Parse(t.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse stream endpoint: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/ws/energy/" + url.PathEscape(subject)
	parsed.RawQuery = ""
	return parsed.String(), nil
}
