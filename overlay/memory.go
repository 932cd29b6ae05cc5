package overlay

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/ThomasWerthenbach/Repple/protocol"
)

const (
	DefaultMaxDatagramSize = 8 * 1024
	inboxSize              = 4096
)

// MemoryNetworkConfig tunes the simulated network.
type MemoryNetworkConfig struct {
	// Loss is the probability in [0, 1) that a datagram is silently dropped.
	Loss float64 `yaml:"loss"`

	// Latency delays every datagram.
	Latency time.Duration `yaml:"latency"`

	MaxDatagramSize int `yaml:"max_datagram_size"`

	// Seed seeds the loss decisions.
	Seed int64 `yaml:"seed"`
}

// DropFilter decides whether a datagram is dropped. Used to inject
// targeted faults.
type DropFilter func(from, to protocol.PeerID, data []byte) bool

// MemoryNetwork connects in-process endpoints with unreliable datagrams.
// Delivery per receiver is FIFO; loss and latency are configurable.
type MemoryNetwork struct {
	cfg       MemoryNetworkConfig
	scheduler *TaskScheduler
	log       *slog.Logger

	mu        sync.RWMutex
	endpoints map[protocol.PeerID]*MemoryEndpoint
	filter    DropFilter

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewMemoryNetwork(cfg MemoryNetworkConfig, scheduler *TaskScheduler, log *slog.Logger) *MemoryNetwork {
	if cfg.MaxDatagramSize <= 0 {
		cfg.MaxDatagramSize = DefaultMaxDatagramSize
	}

	return &MemoryNetwork{
		cfg:       cfg,
		scheduler: scheduler,
		log:       log,
		endpoints: make(map[protocol.PeerID]*MemoryEndpoint),
		rng:       rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Join attaches a new endpoint for peer.
func (n *MemoryNetwork) Join(peer protocol.PeerID) (*MemoryEndpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.endpoints[peer]; exists {
		return nil, fmt.Errorf("peer %s already joined", peer)
	}

	ep := &MemoryEndpoint{
		net:   n,
		id:    peer,
		inbox: make(chan datagram, inboxSize),
		done:  make(chan struct{}),
	}
	n.endpoints[peer] = ep
	go ep.deliverLoop()

	return ep, nil
}

// Leave detaches peer. Datagrams addressed to it fail with ErrPeerUnreachable.
func (n *MemoryNetwork) Leave(peer protocol.PeerID) {
	n.mu.Lock()
	ep, exists := n.endpoints[peer]
	delete(n.endpoints, peer)
	n.mu.Unlock()

	if exists {
		ep.stop()
	}
}

// SetDropFilter installs a fault injection filter. nil removes it.
func (n *MemoryNetwork) SetDropFilter(filter DropFilter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = filter
}

func (n *MemoryNetwork) peers(except protocol.PeerID) []protocol.PeerID {
	n.mu.RLock()
	defer n.mu.RUnlock()

	peers := make([]protocol.PeerID, 0, len(n.endpoints))
	for id := range n.endpoints {
		if id != except {
			peers = append(peers, id)
		}
	}
	slices.Sort(peers)
	return peers
}

func (n *MemoryNetwork) lose() bool {
	if n.cfg.Loss <= 0 {
		return false
	}
	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	return n.rng.Float64() < n.cfg.Loss
}

func (n *MemoryNetwork) send(from, to protocol.PeerID, data []byte) error {
	if len(data) > n.cfg.MaxDatagramSize {
		return fmt.Errorf("%w: %d > %d", ErrDatagramTooLarge, len(data), n.cfg.MaxDatagramSize)
	}

	n.mu.RLock()
	target, exists := n.endpoints[to]
	filter := n.filter
	n.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrPeerUnreachable, to)
	}

	if filter != nil && filter(from, to, data) {
		return nil
	}
	if n.lose() {
		return nil
	}

	dg := datagram{from: from, data: slices.Clone(data)}
	if n.cfg.Latency > 0 {
		time.AfterFunc(n.cfg.Latency, func() { target.enqueue(dg) })
		return nil
	}
	target.enqueue(dg)
	return nil
}

type datagram struct {
	from protocol.PeerID
	data []byte
}

// MemoryEndpoint is one peer's view of a MemoryNetwork. It implements
// protocol.Overlay.
type MemoryEndpoint struct {
	net *MemoryNetwork
	id  protocol.PeerID

	mu      sync.RWMutex
	handler protocol.RawHandler

	inbox    chan datagram
	done     chan struct{}
	stopOnce sync.Once
}

func (e *MemoryEndpoint) Self() protocol.PeerID {
	return e.id
}

func (e *MemoryEndpoint) Peers() []protocol.PeerID {
	return e.net.peers(e.id)
}

func (e *MemoryEndpoint) SendRaw(ctx context.Context, peer protocol.PeerID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.net.send(e.id, peer, data)
}

func (e *MemoryEndpoint) OnRawReceive(handler protocol.RawHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

func (e *MemoryEndpoint) Schedule(delay time.Duration, taskID string, fn func()) error {
	return e.net.scheduler.Schedule(delay, taskID, fn)
}

func (e *MemoryEndpoint) SchedulePeriodic(interval time.Duration, taskID string, fn func()) error {
	return e.net.scheduler.SchedulePeriodic(interval, taskID, fn)
}

func (e *MemoryEndpoint) Cancel(taskID string) {
	e.net.scheduler.Cancel(taskID)
}

func (e *MemoryEndpoint) MaxDatagramSize() int {
	return e.net.cfg.MaxDatagramSize
}

func (e *MemoryEndpoint) enqueue(dg datagram) {
	select {
	case <-e.done:
	case e.inbox <- dg:
	default:
		e.net.log.Debug("inbox full, dropping datagram", "peer", e.id, "from", dg.from)
	}
}

func (e *MemoryEndpoint) deliverLoop() {
	for {
		select {
		case <-e.done:
			return
		case dg := <-e.inbox:
			e.mu.RLock()
			handler := e.handler
			e.mu.RUnlock()

			if handler != nil {
				handler(dg.from, dg.data)
			}
		}
	}
}

func (e *MemoryEndpoint) stop() {
	e.stopOnce.Do(func() { close(e.done) })
}
