package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"clawlink/internal/domain"
)

// wellKnownPath is appended to gateway URLs that carry no path.
const wellKnownPath = "/ws"

// Transport is a single full-duplex framed channel to the gateway.
type Transport interface {
	// Receive blocks until the next well-formed frame arrives. Malformed
	// frames are skipped; only socket-level failures are returned.
	Receive(ctx context.Context) (Frame, error)
	// Send writes one frame. Callers must serialize Send externally.
	Send(ctx context.Context, f Frame) error
	// Ping issues a websocket-level keepalive probe.
	Ping(ctx context.Context) error
	// Close tears down the socket with a status reason.
	Close(reason string) error
}

// Endpoint is a normalized gateway address.
type Endpoint struct {
	URL    string // ws:// or wss:// with the well-known path
	Origin string // http:// or https:// origin derived from URL
	Host   string // host[:port], used to scope stored device tokens
}

// Normalize resolves a user-supplied gateway address into a dialable
// endpoint. Bare hosts get a scheme: loopback hosts stay on ws://,
// everything else is upgraded to wss://. http(s) schemes are mapped to
// their websocket equivalents, and the well-known path is appended when
// the URL carries none.
func Normalize(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("%w: empty gateway url", domain.ErrInvalidInput)
	}

	if !strings.Contains(raw, "://") {
		if isLoopbackHost(raw) {
			raw = "ws://" + raw
		} else {
			raw = "wss://" + raw
		}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: parse gateway url: %v", domain.ErrInvalidInput, err)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return Endpoint{}, fmt.Errorf("%w: unsupported scheme %q", domain.ErrInvalidInput, u.Scheme)
	}
	if u.Host == "" {
		return Endpoint{}, fmt.Errorf("%w: gateway url has no host", domain.ErrInvalidInput)
	}

	if u.Path == "" || u.Path == "/" {
		u.Path = wellKnownPath
	}

	origin := "https://" + u.Host
	if u.Scheme == "ws" {
		origin = "http://" + u.Host
	}

	return Endpoint{URL: u.String(), Origin: origin, Host: u.Host}, nil
}

func isLoopbackHost(raw string) bool {
	host := raw
	if h, _, err := net.SplitHostPort(raw); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// wsTransport wraps a nhooyr websocket connection. Outbound frames pass a
// token-bucket limiter so a runaway caller cannot flood the gateway.
type wsTransport struct {
	conn    *websocket.Conn
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Dial opens a websocket to the endpoint with an Origin header derived from
// the normalized URL.
func Dial(ctx context.Context, ep Endpoint, limiter *rate.Limiter, logger *slog.Logger) (Transport, error) {
	header := http.Header{}
	header.Set("Origin", ep.Origin)

	conn, _, err := websocket.Dial(ctx, ep.URL, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConnect, err)
	}
	conn.SetReadLimit(1 << 20)

	return &wsTransport{conn: conn, limiter: limiter, logger: logger}, nil
}

func (t *wsTransport) Receive(ctx context.Context) (Frame, error) {
	for {
		_, data, err := t.conn.Read(ctx)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: %v", domain.ErrConnClosed, err)
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			// Peer malformedness must not take the connection down.
			t.logger.Debug("skipping malformed frame", "error", err)
			continue
		}
		return f, nil
	}
}

func (t *wsTransport) Send(ctx context.Context, f Frame) error {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrSend, err)
		}
	}
	if err := wsjson.Write(ctx, t.conn, f); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSend, err)
	}
	return nil
}

func (t *wsTransport) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return t.conn.Ping(pingCtx)
}

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}
