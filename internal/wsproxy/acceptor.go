package wsproxy

import (
	"bufio"
	"fmt"
	"net"
	"net/http"

	"github.com/mockwire/wsintercept/internal/wsproxy/wire"
)

// Acceptor completes the server-side RFC 6455 handshake on a raw socket
// the HTTP front-end has already routed an upgrade request through. It
// consumes exactly the (request, socket, head) triple the front-end
// hands off at the ingress boundary.
type Acceptor struct{}

func NewAcceptor() *Acceptor { return &Acceptor{} }

// AcceptedConn is emitted on a successful handshake, standing in for
// both the `ws-upgrade` and `connection` observer events a full
// implementation would fire. Callers that need to notify observers do
// so with the returned Endpoint before installing a Frame Pipe.
type AcceptedConn struct {
	Endpoint *wire.Endpoint
}

// Accept validates the upgrade request, writes the 101 response, and
// returns an open Endpoint wrapping conn. head is replayed as the first
// bytes of the post-handshake frame stream, since the front-end may have
// over-read while parsing the HTTP request.
func (a *Acceptor) Accept(r *http.Request, conn net.Conn, head []byte, subprotocol string) (*AcceptedConn, error) {
	key, err := wire.ValidateUpgradeRequest(r)
	if err != nil {
		return nil, err
	}

	accept := wire.ComputeAccept(key)
	extra := http.Header{}
	if subprotocol != "" {
		extra.Set("Sec-WebSocket-Protocol", subprotocol)
	}

	bw := bufio.NewWriter(conn)
	if err := wire.WriteUpgradeResponse(bw, accept, extra); err != nil {
		return nil, fmt.Errorf("wsproxy: writing upgrade response: %w", err)
	}

	endpoint := wire.NewEndpoint(conn, wire.RoleServer, head)
	endpoint.MarkOpen()
	return &AcceptedConn{Endpoint: endpoint}, nil
}
