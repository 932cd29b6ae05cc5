package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThomasWerthenbach/Repple/metrics"
	"github.com/ThomasWerthenbach/Repple/protocol"
	"github.com/ThomasWerthenbach/Repple/transfer"
)

// Peer binds an overlay endpoint to a lifecycle manager. It owns the transfer
// protocol and retry sender of the endpoint and is the receive boundary: every
// error or panic raised while handling an inbound update is logged with the
// sender id and never escapes.
type Peer struct {
	overlay  protocol.Overlay
	protocol *transfer.Protocol
	sender   *transfer.RetrySender
	log      *slog.Logger

	mu      sync.RWMutex
	manager Manager
}

func NewPeer(overlay protocol.Overlay, transferCfg transfer.Config, policy transfer.RetryPolicy, log *slog.Logger, m metrics.TransferMetrics) (*Peer, error) {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.NewNoopCollector()
	}
	log = log.With("peer", overlay.Self())

	proto, err := transfer.New(overlay, transferCfg, log, m)
	if err != nil {
		return nil, err
	}

	sender, err := transfer.NewRetrySender(proto, policy, log, m)
	if err != nil {
		proto.Close()
		return nil, err
	}

	p := &Peer{
		overlay:  overlay,
		protocol: proto,
		sender:   sender,
		log:      log,
	}
	proto.OnReceive(p.onTransfer)

	return p, nil
}

func (p *Peer) ID() protocol.PeerID {
	return p.overlay.Self()
}

// Sender is the publisher managers of this peer send through.
func (p *Peer) Sender() *transfer.RetrySender {
	return p.sender
}

func (p *Peer) Overlay() protocol.Overlay {
	return p.overlay
}

// AssignNode makes the peer an honest participant driven by m.
func (p *Peer) AssignNode(m *NodeManager) {
	p.assign(m)
}

// AssignSybil makes the peer an adversary driven by m.
func (p *Peer) AssignSybil(m Manager) {
	p.assign(m)
}

func (p *Peer) assign(m Manager) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.manager = m
}

func (p *Peer) Manager() Manager {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.manager
}

func (p *Peer) lifecycleTaskID() string {
	return "start_lifecycle_" + p.ID().String()
}

// StartLifecycle schedules the first epoch of the assigned manager.
func (p *Peer) StartLifecycle(delay time.Duration) error {
	m := p.Manager()
	if m == nil {
		return fmt.Errorf("peer %s has no assigned manager", p.ID())
	}

	return p.overlay.Schedule(delay, p.lifecycleTaskID(), func() {
		if err := m.StartNextEpoch(context.Background()); err != nil && !errors.Is(err, protocol.ErrClosed) {
			p.log.Error("could not start lifecycle", "err", err)
		}
	})
}

func (p *Peer) Status() (Status, bool) {
	m := p.Manager()
	if m == nil {
		return Status{Peer: p.ID(), StateName: "unassigned"}, false
	}
	return m.Status(), true
}

func (p *Peer) onTransfer(res transfer.Result) {
	if err := p.receive(res); err != nil {
		p.log.Error("failed to receive model", "from", res.Peer, "nonce", res.Nonce, "err", err)
	}
}

func (p *Peer) receive(res transfer.Result) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", protocol.ErrReceiveHandlerFault, r)
		}
	}()

	m := p.Manager()
	if m == nil {
		return fmt.Errorf("%w: no manager assigned", protocol.ErrReceiveHandlerFault)
	}

	if err := m.ReceiveModel(res.Peer, res.Info, res.Data, res.Nonce); err != nil {
		if errors.Is(err, protocol.ErrClosed) {
			return nil
		}
		return fmt.Errorf("%w: %w", protocol.ErrReceiveHandlerFault, err)
	}
	return nil
}

// Close stops the manager, pending sends and the transfer protocol.
func (p *Peer) Close() {
	p.overlay.Cancel(p.lifecycleTaskID())
	if m := p.Manager(); m != nil {
		m.Close()
	}
	p.sender.Close()
	p.protocol.Close()
}
