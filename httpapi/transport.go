package httpapi

import (
	"context"
	"io"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// duplexTransport implements mcp.Transport over a pair of pipes: the HTTP
// session layer has no single duplex connection to hand the SDK, since a
// request (POST) and the session's event stream (GET, SSE) arrive as
// separate HTTP exchanges. inbound is fed by every POST body the session
// receives; outbound is drained by the SSE handler and written out as
// `data:` frames.
type duplexTransport struct {
	sessionID string
	inbound   *io.PipeReader
	outbound  *io.PipeWriter
}

func (t *duplexTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	iot := &mcp.IOTransport{
		Reader: t.inbound,
		Writer: t.outbound,
	}
	conn, err := iot.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &sessionConn{Connection: conn, id: t.sessionID}, nil
}

// sessionConn wraps an mcp.Connection to provide a custom session ID.
type sessionConn struct {
	mcp.Connection
	id string
}

func (c *sessionConn) SessionID() string { return c.id }
