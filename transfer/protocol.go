// Package transfer moves payloads far larger than a single datagram between
// peers. A transfer is announced with a WriteRequest, its blocks are sent in
// windows and the receiver acknowledges every full window. The sender
// retransmits the current window when acknowledgements stop arriving and gives
// up after a bounded number of retransmits or the transfer timeout.
//
// Completed transfers are remembered so a repeated transfer with the same
// nonce (a retry after a lost final acknowledgement) is acknowledged without
// delivering the payload twice.
package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/crypto/blake2b"

	"github.com/ThomasWerthenbach/Repple/metrics"
	"github.com/ThomasWerthenbach/Repple/protocol"
)

// Config tunes the transfer protocol.
type Config struct {
	// Window is the number of blocks the receiver accepts between acks.
	Window int `yaml:"window"`

	// RetransmitInterval is the time without progress after which the
	// current window is sent again.
	RetransmitInterval time.Duration `yaml:"retransmit_interval"`

	// MaxRetransmits is the number of consecutive retransmits without
	// progress after which a send fails.
	MaxRetransmits int `yaml:"max_retransmits"`

	// TransferTimeout bounds a single send and the idle time of an
	// incoming transfer.
	TransferTimeout time.Duration `yaml:"transfer_timeout"`

	// MaxPayloadSize bounds the payload accepted from a peer.
	MaxPayloadSize int `yaml:"max_payload_size"`

	// CompletedCacheSize is the number of completed inbound transfers
	// remembered for deduplication.
	CompletedCacheSize int `yaml:"completed_cache_size"`
}

func DefaultConfig() Config {
	return Config{
		Window:             16,
		RetransmitInterval: 250 * time.Millisecond,
		MaxRetransmits:     20,
		TransferTimeout:    2 * time.Minute,
		MaxPayloadSize:     64 << 20,
		CompletedCacheSize: 4096,
	}
}

func (c Config) validate() error {
	switch {
	case c.Window <= 0:
		return errors.New("window must be positive")
	case c.RetransmitInterval <= 0:
		return errors.New("retransmit interval must be positive")
	case c.MaxRetransmits < 0:
		return errors.New("max retransmits must not be negative")
	case c.TransferTimeout <= 0:
		return errors.New("transfer timeout must be positive")
	case c.MaxPayloadSize <= 0:
		return errors.New("max payload size must be positive")
	case c.CompletedCacheSize <= 0:
		return errors.New("completed cache size must be positive")
	}
	return nil
}

// Result is a fully reassembled inbound transfer.
type Result struct {
	Peer  protocol.PeerID
	Info  []byte
	Data  []byte
	Nonce protocol.Nonce
}

// ReceiveHandler is invoked once per reassembled inbound transfer.
type ReceiveHandler func(Result)

type transferKey struct {
	peer  protocol.PeerID
	nonce protocol.Nonce
}

type outgoing struct {
	events chan any
}

type incoming struct {
	req  *WriteRequest
	buf  []byte
	next int
	idle *time.Timer
}

// Protocol runs the chunked transfer protocol over an overlay. It takes over
// the overlay's raw receive handler.
type Protocol struct {
	overlay protocol.Overlay
	cfg     Config
	log     *slog.Logger
	metrics metrics.TransferMetrics

	mu        sync.Mutex
	outgoing  map[transferKey]*outgoing
	incoming  map[transferKey]*incoming
	completed *lru.Cache
	handler   ReceiveHandler

	closed    chan struct{}
	closeOnce sync.Once
}

func New(overlay protocol.Overlay, cfg Config, log *slog.Logger, m metrics.TransferMetrics) (*Protocol, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid transfer config: %w", err)
	}
	if overlay.MaxDatagramSize() <= headerReserve {
		return nil, fmt.Errorf("datagram size %d leaves no room for data", overlay.MaxDatagramSize())
	}

	completed, err := lru.New(cfg.CompletedCacheSize)
	if err != nil {
		return nil, err
	}

	p := &Protocol{
		overlay:   overlay,
		cfg:       cfg,
		log:       log.With("peer", overlay.Self()),
		metrics:   m,
		outgoing:  make(map[transferKey]*outgoing),
		incoming:  make(map[transferKey]*incoming),
		completed: completed,
		closed:    make(chan struct{}),
	}
	overlay.OnRawReceive(p.handleDatagram)

	return p, nil
}

// OnReceive registers the handler for reassembled inbound transfers.
func (p *Protocol) OnReceive(handler ReceiveHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = handler
}

func (p *Protocol) blockSize() int {
	return p.overlay.MaxDatagramSize() - headerReserve
}

// Send transfers payload to target and blocks until the receiver confirmed
// complete reassembly. Any failure is reported as an error wrapping
// protocol.ErrTransferFailure.
func (p *Protocol) Send(ctx context.Context, target protocol.PeerID, info, payload []byte, nonce protocol.Nonce) error {
	start := time.Now()
	err := p.send(ctx, target, info, payload, nonce)

	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeFailure
	}
	p.metrics.TransferFinished(outcome, len(payload), time.Since(start))

	return err
}

func (p *Protocol) send(ctx context.Context, target protocol.PeerID, info, payload []byte, nonce protocol.Nonce) error {
	fail := func(reason error) error {
		return fmt.Errorf("%w: send %s to %s: %w", protocol.ErrTransferFailure, nonce, target, reason)
	}

	if len(payload) > p.cfg.MaxPayloadSize {
		return fail(fmt.Errorf("payload of %d bytes exceeds %d", len(payload), p.cfg.MaxPayloadSize))
	}

	key := transferKey{target, nonce}
	out := &outgoing{events: make(chan any, 64)}

	p.mu.Lock()
	if _, busy := p.outgoing[key]; busy {
		p.mu.Unlock()
		return fail(errors.New("transfer already in flight"))
	}
	p.outgoing[key] = out
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.outgoing, key)
		p.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.TransferTimeout)
	defer cancel()

	blocks := splitBlocks(payload, p.blockSize())
	checksum := blake2b.Sum256(payload)
	writeRequest, err := encodePacket(&WriteRequest{
		Nonce:    nonce,
		Info:     info,
		Size:     len(payload),
		Blocks:   len(blocks),
		Checksum: checksum[:],
	})
	if err != nil {
		return fail(err)
	}

	// next is -1 until the write request is acknowledged.
	next := -1
	window := p.cfg.Window

	emit := func() error {
		if next < 0 {
			return p.overlay.SendRaw(ctx, target, writeRequest)
		}
		end := min(next+window, len(blocks))
		for i := next; i < end; i++ {
			pkt, err := encodePacket(&Data{Nonce: nonce, Index: i, Block: blocks[i]})
			if err != nil {
				return err
			}
			if err := p.overlay.SendRaw(ctx, target, pkt); err != nil {
				return err
			}
		}
		return nil
	}

	if err := emit(); err != nil {
		return fail(err)
	}

	timer := time.NewTimer(p.cfg.RetransmitInterval)
	defer timer.Stop()
	retransmits := 0

	for {
		select {
		case <-p.closed:
			return fail(protocol.ErrClosed)

		case <-ctx.Done():
			return fail(ctx.Err())

		case ev := <-out.events:
			switch pkt := ev.(type) {
			case *Error:
				return fail(fmt.Errorf("receiver error: %s", pkt.Message))

			case *Ack:
				if pkt.Next <= next {
					continue
				}
				if pkt.Next > len(blocks) {
					return fail(fmt.Errorf("ack for block %d of %d", pkt.Next, len(blocks)))
				}

				next = pkt.Next
				if pkt.Window > 0 {
					window = pkt.Window
				}
				if next == len(blocks) {
					return nil
				}

				retransmits = 0
				if err := emit(); err != nil {
					return fail(err)
				}
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(p.cfg.RetransmitInterval)
			}

		case <-timer.C:
			retransmits++
			if retransmits > p.cfg.MaxRetransmits {
				return fail(fmt.Errorf("no progress after %d retransmits", p.cfg.MaxRetransmits))
			}

			p.metrics.Retransmitted()
			if err := emit(); err != nil {
				return fail(err)
			}
			timer.Reset(p.cfg.RetransmitInterval)
		}
	}
}

// Close aborts in-flight sends and drops partially received transfers.
func (p *Protocol) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)

		p.mu.Lock()
		defer p.mu.Unlock()
		for key, in := range p.incoming {
			in.idle.Stop()
			delete(p.incoming, key)
		}
	})
}

func (p *Protocol) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *Protocol) handleDatagram(from protocol.PeerID, data []byte) {
	if p.isClosed() {
		return
	}

	pkt, err := decodePacket(data)
	if err != nil {
		p.log.Debug("dropping malformed packet", "from", from, "err", err)
		return
	}

	switch pkt := pkt.(type) {
	case *WriteRequest:
		p.handleWriteRequest(from, pkt)
	case *Data:
		p.handleData(from, pkt)
	case *Ack:
		p.routeToSender(transferKey{from, pkt.Nonce}, pkt)
	case *Error:
		p.routeToSender(transferKey{from, pkt.Nonce}, pkt)
	}
}

func (p *Protocol) routeToSender(key transferKey, pkt any) {
	p.mu.Lock()
	out, exists := p.outgoing[key]
	p.mu.Unlock()

	if !exists {
		return
	}

	select {
	case out.events <- pkt:
	default:
	}
}

func (p *Protocol) validateRequest(req *WriteRequest) error {
	switch {
	case req.Size < 0 || req.Blocks < 0:
		return errors.New("negative size")
	case req.Size > p.cfg.MaxPayloadSize:
		return fmt.Errorf("payload of %d bytes exceeds %d", req.Size, p.cfg.MaxPayloadSize)
	case (req.Size == 0) != (req.Blocks == 0) || req.Blocks > req.Size:
		return fmt.Errorf("%d blocks cannot carry %d bytes", req.Blocks, req.Size)
	case len(req.Checksum) != blake2b.Size256:
		return errors.New("invalid checksum length")
	}
	return nil
}

func (p *Protocol) handleWriteRequest(from protocol.PeerID, req *WriteRequest) {
	key := transferKey{from, req.Nonce}

	p.mu.Lock()

	if _, done := p.completed.Get(key); done {
		p.mu.Unlock()
		p.reply(from, &Ack{Nonce: req.Nonce, Next: req.Blocks, Window: p.cfg.Window})
		return
	}

	if in, exists := p.incoming[key]; exists {
		next := in.next
		in.idle.Reset(p.cfg.TransferTimeout)
		p.mu.Unlock()
		p.reply(from, &Ack{Nonce: req.Nonce, Next: next, Window: p.cfg.Window})
		return
	}

	if err := p.validateRequest(req); err != nil {
		p.mu.Unlock()
		p.log.Warn("rejecting transfer", "from", from, "nonce", req.Nonce, "err", err)
		p.reply(from, &Error{Nonce: req.Nonce, Message: err.Error()})
		return
	}

	in := &incoming{req: req, buf: make([]byte, 0, req.Size)}

	if req.Blocks == 0 {
		p.mu.Unlock()
		p.complete(from, key, in)
		return
	}

	in.idle = time.AfterFunc(p.cfg.TransferTimeout, func() { p.expire(key, in) })
	p.incoming[key] = in
	p.mu.Unlock()

	p.reply(from, &Ack{Nonce: req.Nonce, Next: 0, Window: p.cfg.Window})
}

func (p *Protocol) handleData(from protocol.PeerID, d *Data) {
	key := transferKey{from, d.Nonce}

	p.mu.Lock()

	in, exists := p.incoming[key]
	if !exists {
		blocks, done := p.completed.Get(key)
		p.mu.Unlock()
		if done {
			p.reply(from, &Ack{Nonce: d.Nonce, Next: blocks.(int), Window: p.cfg.Window})
		}
		return
	}

	in.idle.Reset(p.cfg.TransferTimeout)

	if d.Index < in.next {
		next := in.next
		p.mu.Unlock()
		p.reply(from, &Ack{Nonce: d.Nonce, Next: next, Window: p.cfg.Window})
		return
	}
	if d.Index > in.next {
		p.mu.Unlock()
		return
	}

	if len(in.buf)+len(d.Block) > in.req.Size {
		in.idle.Stop()
		delete(p.incoming, key)
		p.mu.Unlock()
		p.reply(from, &Error{Nonce: d.Nonce, Message: "payload exceeds announced size"})
		return
	}

	in.buf = append(in.buf, d.Block...)
	in.next++

	if in.next < in.req.Blocks {
		next := in.next
		p.mu.Unlock()
		if next%p.cfg.Window == 0 {
			p.reply(from, &Ack{Nonce: d.Nonce, Next: next, Window: p.cfg.Window})
		}
		return
	}

	in.idle.Stop()
	delete(p.incoming, key)
	p.mu.Unlock()

	p.complete(from, key, in)
}

func (p *Protocol) complete(from protocol.PeerID, key transferKey, in *incoming) {
	checksum := blake2b.Sum256(in.buf)
	if len(in.buf) != in.req.Size || !bytes.Equal(checksum[:], in.req.Checksum) {
		p.log.Warn("transfer checksum mismatch", "from", from, "nonce", key.nonce)
		p.reply(from, &Error{Nonce: key.nonce, Message: "checksum mismatch"})
		return
	}

	p.mu.Lock()
	if _, done := p.completed.Get(key); done {
		p.mu.Unlock()
		p.reply(from, &Ack{Nonce: key.nonce, Next: in.req.Blocks, Window: p.cfg.Window})
		return
	}
	p.completed.Add(key, in.req.Blocks)
	handler := p.handler
	p.mu.Unlock()

	p.reply(from, &Ack{Nonce: key.nonce, Next: in.req.Blocks, Window: p.cfg.Window})
	p.metrics.TransferReceived(len(in.buf))

	if handler != nil {
		go handler(Result{Peer: from, Info: in.req.Info, Data: in.buf, Nonce: key.nonce})
	}
}

func (p *Protocol) expire(key transferKey, in *incoming) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.incoming[key] == in {
		delete(p.incoming, key)
		p.log.Debug("dropping idle transfer", "from", key.peer, "nonce", key.nonce, "received", in.next, "blocks", in.req.Blocks)
	}
}

func (p *Protocol) reply(to protocol.PeerID, pkt any) {
	data, err := encodePacket(pkt)
	if err != nil {
		p.log.Error("could not encode reply", "to", to, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.RetransmitInterval)
	defer cancel()

	if err := p.overlay.SendRaw(ctx, to, data); err != nil {
		p.log.Debug("could not send reply", "to", to, "err", err)
	}
}
