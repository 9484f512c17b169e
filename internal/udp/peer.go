package udp

import (
	"context"
	"log/slog"
	"net"

	"golang.org/x/time/rate"

	"github.com/andy6609/chatd/internal/chat"
	"github.com/andy6609/chatd/internal/metrics"
	"github.com/andy6609/chatd/internal/protocol"
	"github.com/andy6609/chatd/internal/reliable"
)

// peer is one remote endpoint and its session.
type peer struct {
	key     string
	addr    *net.UDPAddr
	logger  *slog.Logger
	session *chat.Session

	tracker *reliable.Tracker
	sender  *reliable.Sender
	history *reliable.History[uint16]
	limiter *rate.Limiter

	conn    *net.UDPConn
	inbound chan []byte
	out     *outbox
}

func (p *peer) write(b []byte) error {
	_, err := p.conn.WriteToUDP(b, p.addr)
	return err
}

// replacedBy reports whether data is a new AUTH from the endpoint of a peer
// whose session has ended. A retransmitted AUTH still belongs to the old peer.
func (p *peer) replacedBy(data []byte) bool {
	if p.session.State() != chat.StateTerminated {
		return false
	}
	typ, id, err := protocol.PeekHeader(data)
	return err == nil && typ == protocol.TypeAuth && !p.history.Contains(id)
}

// receiveLoop processes inbound datagrams until the server closes inbound.
// It keeps running after the session terminates so the final ERR and BYE can
// still be confirmed.
func (p *peer) receiveLoop() {
	for data := range p.inbound {
		p.receive(data)
	}
}

func (p *peer) receive(data []byte) {
	typ, id, err := protocol.PeekHeader(data)
	if err != nil {
		p.logger.Info("RECV", "type", "invalid", "error", err)
		p.session.Violation(err)
		return
	}

	if typ == protocol.TypeConfirm {
		if !p.tracker.Confirm(id) {
			p.logger.Debug("unsolicited confirm", "id", id)
		}
		return
	}

	// Unconfirmed datagrams are retransmitted by the client.
	if p.limiter != nil && !p.limiter.Allow() {
		p.logger.Debug("datagram over rate", "id", id)
		return
	}

	if err := reliable.Confirm(p.write, id); err != nil {
		p.logger.Warn("confirm failed", "id", id, "error", err)
	}
	if !p.history.Add(id) {
		metrics.DuplicateDatagrams.Inc()
		p.logger.Debug("duplicate datagram", "id", id, "type", typ.String())
		return
	}

	m, err := protocol.DecodeBinary(data)
	if err != nil {
		p.logger.Info("RECV", "type", "invalid", "id", id, "error", err)
		p.session.Violation(err)
		return
	}
	p.logger.Info("RECV", "type", m.Type.String(), "id", id)
	p.session.Handle(m)
}

// deliverLoop sends queued messages one by one with acknowledgement. It
// returns once the outbox is closed and drained or delivery was lost.
func (p *peer) deliverLoop(ctx context.Context) {
	for m := range p.out.queue {
		id, err := p.sender.Send(ctx, m)
		if err != nil {
			p.logger.Warn("delivery failed", "type", m.Type.String(), "id", id, "error", err)
			if p.session.State() != chat.StateTerminated {
				p.lost(ctx)
			}
			return
		}
		metrics.MessagesTotal.WithLabelValues("out", m.Type.String()).Inc()
		p.logger.Info("SENT", "type", m.Type.String(), "id", id)
	}
}

// lost ends a session whose client stopped confirming. Whatever is still
// queued is dropped and the client is told once, on the same retry budget.
func (p *peer) lost(ctx context.Context) {
	p.session.Terminate()
	for range p.out.queue {
	}

	for _, m := range []protocol.Message{
		protocol.Err(protocol.ServerName, protocol.ClientError),
		protocol.Bye(),
	} {
		if _, err := p.sender.Send(ctx, m); err != nil {
			p.logger.Debug("farewell not confirmed", "type", m.Type.String(), "error", err)
			return
		}
	}
}
