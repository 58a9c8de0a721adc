package session

import (
	"context"
	"net/http"
	"time"

	"github.com/dkeye/voiceroom/internal/core"
	"github.com/gorilla/websocket"
)

// Dialer opens the transport to the relay.
type Dialer interface {
	Dial(ctx context.Context, address string) (core.SignalConn, error)
}

// WSDialer dials the relay over gorilla websocket.
type WSDialer struct {
	HandshakeTimeout time.Duration
}

func (d WSDialer) Dial(ctx context.Context, address string) (core.SignalConn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, address, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}
