package overlay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ThomasWerthenbach/Repple/protocol"
)

const (
	DatagramPath   = "/overlay/datagram"
	PeerIDHeader   = "X-Peer-ID"
	defaultTimeout = 10 * time.Second
)

// HTTPOverlayConfig describes a static peer table.
type HTTPOverlayConfig struct {
	Self protocol.PeerID

	// Peers maps every remote peer to its base URL, e.g. http://10.0.0.2:8080.
	Peers map[protocol.PeerID]string

	MaxDatagramSize int
	Timeout         time.Duration
}

// HTTPOverlay carries datagrams as HTTP POST requests between processes. It
// registers its receive endpoint on a chi router and implements
// protocol.Overlay.
type HTTPOverlay struct {
	cfg        HTTPOverlayConfig
	httpClient *http.Client
	scheduler  *TaskScheduler
	log        *slog.Logger

	mu      sync.RWMutex
	handler protocol.RawHandler
}

func NewHTTPOverlay(cfg HTTPOverlayConfig, scheduler *TaskScheduler, log *slog.Logger) *HTTPOverlay {
	if cfg.MaxDatagramSize <= 0 {
		cfg.MaxDatagramSize = DefaultMaxDatagramSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	return &HTTPOverlay{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		scheduler:  scheduler,
		log:        log,
	}
}

// RegisterRoutes registers the datagram endpoint.
func (o *HTTPOverlay) RegisterRoutes(r chi.Router) {
	r.Post(DatagramPath, o.handleDatagram)
}

func (o *HTTPOverlay) handleDatagram(w http.ResponseWriter, r *http.Request) {
	from, err := protocol.ParsePeerID(r.Header.Get(PeerIDHeader))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if _, known := o.cfg.Peers[from]; !known {
		http.Error(w, "unknown peer", http.StatusForbidden)
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, int64(o.cfg.MaxDatagramSize)+1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(data) > o.cfg.MaxDatagramSize {
		http.Error(w, ErrDatagramTooLarge.Error(), http.StatusRequestEntityTooLarge)
		return
	}

	o.mu.RLock()
	handler := o.handler
	o.mu.RUnlock()

	if handler != nil {
		handler(from, data)
	}

	w.WriteHeader(http.StatusAccepted)
}

func (o *HTTPOverlay) Self() protocol.PeerID {
	return o.cfg.Self
}

func (o *HTTPOverlay) Peers() []protocol.PeerID {
	peers := make([]protocol.PeerID, 0, len(o.cfg.Peers))
	for id := range o.cfg.Peers {
		if id != o.cfg.Self {
			peers = append(peers, id)
		}
	}
	slices.Sort(peers)
	return peers
}

func (o *HTTPOverlay) SendRaw(ctx context.Context, peer protocol.PeerID, data []byte) error {
	if len(data) > o.cfg.MaxDatagramSize {
		return fmt.Errorf("%w: %d > %d", ErrDatagramTooLarge, len(data), o.cfg.MaxDatagramSize)
	}

	baseURL, known := o.cfg.Peers[peer]
	if !known {
		return fmt.Errorf("%w: %s", ErrPeerUnreachable, peer)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(baseURL, "/")+DatagramPath, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(PeerIDHeader, o.cfg.Self.String())

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPeerUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("datagram rejected by %s (%d): %s", peer, resp.StatusCode, string(respBody))
	}
	return nil
}

func (o *HTTPOverlay) OnRawReceive(handler protocol.RawHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handler = handler
}

func (o *HTTPOverlay) Schedule(delay time.Duration, taskID string, fn func()) error {
	return o.scheduler.Schedule(delay, taskID, fn)
}

func (o *HTTPOverlay) SchedulePeriodic(interval time.Duration, taskID string, fn func()) error {
	return o.scheduler.SchedulePeriodic(interval, taskID, fn)
}

func (o *HTTPOverlay) Cancel(taskID string) {
	o.scheduler.Cancel(taskID)
}

func (o *HTTPOverlay) MaxDatagramSize() int {
	return o.cfg.MaxDatagramSize
}
