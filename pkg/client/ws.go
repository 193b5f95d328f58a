package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/a-essam23/studyhub/pkg/apperror"
	"github.com/coder/websocket"
)

const maxFrameSize = 1 << 20

// WSTransport dials the hub's websocket endpoint.
type WSTransport struct {
	// URL is the endpoint, e.g. ws://localhost:3001/ws.
	URL        string
	HTTPClient *http.Client
}

var _ Transport = (*WSTransport)(nil)

func NewWSTransport(endpoint string) *WSTransport {
	return &WSTransport{URL: endpoint}
}

func (t *WSTransport) Dial(ctx context.Context, creds Credentials) (Session, error) {
	u, err := url.Parse(t.URL)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeValidation, "invalid hub url", err)
	}
	q := u.Query()
	q.Set("userId", creds.UserID)
	if creds.Token != "" {
		q.Set("token", creds.Token)
	}
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPClient: t.HTTPClient})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, handshakeError(resp, err)
		}
		return nil, err
	}
	conn.SetReadLimit(maxFrameSize)
	return &wsSession{conn: conn}, nil
}

// handshakeError turns a refused upgrade into a typed error. The hub answers
// with {"error":{"code","message"}}; anything else keeps the HTTP status.
func handshakeError(resp *http.Response, cause error) error {
	httpErr := &apperror.HTTPError{Status: resp.StatusCode}
	if resp.Body == nil {
		return httpErr
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	httpErr.Body = string(body)

	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &payload) != nil || payload.Error.Code == "" {
		return fmt.Errorf("%w (%v)", httpErr, cause)
	}
	return apperror.Wrap(apperror.Code(payload.Error.Code), payload.Error.Message, httpErr)
}

type wsSession struct {
	conn *websocket.Conn
}

func (s *wsSession) Read(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	return data, err
}

func (s *wsSession) Write(ctx context.Context, frame []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, frame)
}

func (s *wsSession) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "client closed")
}
