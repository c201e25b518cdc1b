// Package relaysdk is the client half of the relay wire contract: dial a
// room, send opaque payloads, and receive whatever the other members of the
// room send. Payloads are forwarded byte-for-byte; framing and semantics are
// owned by the editing protocol layered on top.
package relaysdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"golang.org/x/xerrors"

	"github.com/coder/websocket"

	"github.com/tandemhq/tandem/httpapi"
)

// Client talks to a relay daemon.
type Client struct {
	// URL is the base address of the relay daemon.
	URL *url.URL
	// HTTPClient, when nil, falls back to http.DefaultClient.
	HTTPClient *http.Client
}

func New(rawURL string) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, xerrors.Errorf("parse relay url: %w", err)
	}
	return &Client{URL: u}, nil
}

// Healthz probes the daemon's liveness endpoint.
func (c *Client) Healthz(ctx context.Context) error {
	u, err := c.URL.Parse("/healthz")
	if err != nil {
		return xerrors.Errorf("parse healthz url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return xerrors.Errorf("create request: %w", err)
	}
	res, err := c.httpClient().Do(req)
	if err != nil {
		return xerrors.Errorf("probe relay: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return xerrors.Errorf("unexpected status %d", res.StatusCode)
	}
	return nil
}

// Dial joins a room. The returned RoomConn is live until Close is called or
// the relay terminates the connection.
func (c *Client) Dial(ctx context.Context, room string) (*RoomConn, error) {
	if room == "" {
		return nil, xerrors.New("room is required")
	}
	u, err := c.URL.Parse("/rooms/" + url.PathEscape(room))
	if err != nil {
		return nil, xerrors.Errorf("parse room url: %w", err)
	}
	//nolint:bodyclose // Closed by the websocket library on hijack.
	conn, res, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient:      c.httpClient(),
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		if res == nil {
			return nil, xerrors.Errorf("dial room %q: %w", room, err)
		}
		defer res.Body.Close()
		var body httpapi.Response
		_ = json.NewDecoder(res.Body).Decode(&body)
		return nil, xerrors.Errorf("dial room %q: %s: %s", room, res.Status, body.Message)
	}
	conn.SetReadLimit(1 << 22)
	return &RoomConn{room: room, conn: conn}, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// RoomConn is a live membership in a single room.
type RoomConn struct {
	room string
	conn *websocket.Conn
}

// Room returns the room this connection joined.
func (rc *RoomConn) Room() string {
	return rc.room
}

// Send forwards a payload to every other member of the room. There is no
// delivery acknowledgement; the relay drops payloads to peers it cannot
// reach.
func (rc *RoomConn) Send(ctx context.Context, payload []byte) error {
	if err := rc.conn.Write(ctx, websocket.MessageBinary, payload); err != nil {
		return xerrors.Errorf("send payload: %w", err)
	}
	return nil
}

// Receive blocks for the next payload from the room. The sender's own
// payloads never come back on this connection.
func (rc *RoomConn) Receive(ctx context.Context) ([]byte, error) {
	_, payload, err := rc.conn.Read(ctx)
	if err != nil {
		return nil, xerrors.Errorf("receive payload: %w", err)
	}
	return payload, nil
}

// Close leaves the room. Closing a connection the relay already terminated
// is not an error.
func (rc *RoomConn) Close() error {
	_ = rc.conn.Close(websocket.StatusNormalClosure, "")
	return nil
}
