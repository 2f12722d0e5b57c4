package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	v1 "pulse/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "pulse.chat.v1"
	maxReadBytes    = 1 << 20 // 1 MiB
)

// wsTransport adapts a coder/websocket connection to the Transport interface.
type wsTransport struct {
	conn *websocket.Conn
}

// Dial opens the realtime connection for userID, tagging it with the
// mandatory user_id query parameter and negotiating the chat subprotocol.
func Dial(ctx context.Context, baseURL, origin, userID string) (Transport, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("missing user id")
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	q := u.Query()
	q.Set("user_id", userID)
	u.RawQuery = q.Encode()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("subprotocol mismatch: got=%q want=%q", sp, wsSubprotocolV1)
	}

	conn.SetReadLimit(maxReadBytes)
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) Read(ctx context.Context) (v1.Envelope, error) {
	mt, data, err := t.conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func (t *wsTransport) Write(ctx context.Context, env v1.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return t.conn.Write(ctx, websocket.MessageText, b)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "bye")
}
