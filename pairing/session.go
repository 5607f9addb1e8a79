package pairing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nyukop/nkc-core/pkt"
	"github.com/nyukop/nkc-core/rendezvous"
)

// Status is a pairing session's lifecycle state, per §4.9.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusExchanging Status = "exchanging"
	StatusConnected  Status = "connected"
	StatusError      Status = "error"
)

const rendezvousPollInterval = 1 * time.Second

// DirectSignalPeer is the narrow slice of transport.DirectAdapter a
// pairing session drives: creating/accepting NKC-RTC1 signal codes and
// being told about newly-gathered local candidates. Declared locally
// (rather than importing transport.DirectAdapter directly) so pairing
// sessions can be driven by any direct-adapter-shaped collaborator in
// tests.
type DirectSignalPeer interface {
	CreateOfferCode(ctx context.Context) (string, error)
	AcceptSignalCode(ctx context.Context, code string) (answerCode string, err error)
	OnSignalCode(func(string)) func()
}

// statusBus is the small observer registry pairing sessions share with
// transport adapters' observers type: listeners looked up by id only,
// never owning the session back.
type statusBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Status)
	status Status
}

func newStatusBus() *statusBus {
	return &statusBus{subs: make(map[int]func(Status)), status: StatusIdle}
}

func (b *statusBus) OnStatus(f func(Status)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = f
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *statusBus) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *statusBus) set(s Status) {
	b.mu.Lock()
	if b.status == s {
		b.mu.Unlock()
		return
	}
	b.status = s
	listeners := make([]func(Status), 0, len(b.subs))
	for _, f := range b.subs {
		listeners = append(listeners, f)
	}
	b.mu.Unlock()
	for _, f := range listeners {
		f(s)
	}
}

// resultDedup is the LRU-capped {requestId,status} de-duplication table
// from §4.9: both PAIR_REQ and PAIR_RES can arrive twice (once over the
// local bus, once over rendezvous), and the guest side must act on the
// first delivery only.
type resultDedup struct {
	mu    sync.Mutex
	order []string
	seen  map[string]struct{}
}

const resultDedupCap = 1000

func newResultDedup() *resultDedup {
	return &resultDedup{seen: make(map[string]struct{})}
}

// seenOrMark returns true if key was already recorded, else records it.
func (d *resultDedup) seenOrMark(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return true
	}
	d.seen[key] = struct{}{}
	d.order = append(d.order, key)
	if len(d.order) > resultDedupCap {
		drop := len(d.order) - resultDedupCap
		for _, k := range d.order[:drop] {
			delete(d.seen, k)
		}
		d.order = d.order[drop:]
	}
	return false
}

func resultKey(requestID string, status ResultStatus) string {
	return requestID + "|" + string(status)
}

// Manager composes the sync-code registry with the two signalling
// channels (local bus + rendezvous) used to multiplex PAIR_REQ/PAIR_RES
// per §4.9.
type Manager struct {
	Registry   *Registry
	Bus        *LocalBus
	Rendezvous *rendezvous.Client
	Logger     *slog.Logger
}

// NewManager constructs a Manager. bus/rv may be nil to disable that
// channel (e.g. a headless test exercising only the local bus).
func NewManager(registry *Registry, bus *LocalBus, rv *rendezvous.Client, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{Registry: registry, Bus: bus, Rendezvous: rv, Logger: logger}
}

func (m *Manager) broadcast(ctx context.Context, topic, deviceID, raw string) {
	if m.Bus != nil {
		m.Bus.Publish(topic, raw)
	}
	if m.Rendezvous != nil {
		if _, err := m.Rendezvous.Publish(ctx, topic, deviceID, []string{raw}); err != nil {
			m.Logger.Warn("pairing: rendezvous publish failed", "error", err)
		}
	}
}

// ApprovalHandler decides whether an inbound PAIR_REQ should be
// accepted, returning the signed device-added event on approval.
type ApprovalHandler func(ctx context.Context, req Request) (*DeviceAddedEvent, error)

// HostSession is the sync-code-issuing device's side of one pairing
// attempt: it waits for a PAIR_REQ against its code, runs the approval
// hook, replies, and then brokers the WebRTC offer/answer exchange.
type HostSession struct {
	*statusBus

	mgr      *Manager
	code     string
	deviceID string
	approve  ApprovalHandler
	direct   DirectSignalPeer

	mu        sync.Mutex
	unsubBus  func()
	cancel    context.CancelFunc
	afterTs   int64
	repliedTo map[string]bool
}

// HostSession constructs a session brokering pairing attempts against
// code on behalf of deviceID. direct is the already-started local
// DirectAdapter whose offer will be published once a request is
// approved.
func (m *Manager) HostSession(code, deviceID string, direct DirectSignalPeer, approve ApprovalHandler) *HostSession {
	return &HostSession{
		statusBus: newStatusBus(),
		mgr:       m,
		code:      NormalizeCode(code),
		deviceID:  deviceID,
		approve:   approve,
		direct:    direct,
		repliedTo: make(map[string]bool),
	}
}

// Start begins listening for PAIR_REQ on both channels.
func (h *HostSession) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()
	h.set(StatusConnecting)

	if h.mgr.Bus != nil {
		h.unsubBus = h.mgr.Bus.Subscribe(h.code, func(raw string) {
			h.handleIncoming(ctx, raw)
		})
	}
	if h.mgr.Rendezvous != nil {
		go h.pollRendezvous(ctx)
	}
	if h.direct != nil {
		h.direct.OnSignalCode(func(code string) {
			h.mgr.broadcast(ctx, h.code, h.deviceID, code)
		})
	}
}

// Stop tears down both channel subscriptions.
func (h *HostSession) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	unsub := h.unsubBus
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if unsub != nil {
		unsub()
	}
}

func (h *HostSession) pollRendezvous(ctx context.Context) {
	ticker := time.NewTicker(rendezvousPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		h.mu.Lock()
		after := h.afterTs
		h.mu.Unlock()
		res, err := h.mgr.Rendezvous.Poll(ctx, h.code, h.deviceID, after)
		if err != nil {
			h.mgr.Logger.Warn("pairing: host rendezvous poll failed", "error", err)
			continue
		}
		h.mu.Lock()
		h.afterTs = res.NextAfterTs
		h.mu.Unlock()
		for _, item := range res.Items {
			h.handleIncoming(ctx, item.Payload)
		}
	}
}

func (h *HostSession) handleIncoming(ctx context.Context, raw string) {
	if strings.HasPrefix(raw, pkt.SignalCodePrefix) {
		if h.direct == nil {
			return
		}
		h.set(StatusExchanging)
		answer, err := h.direct.AcceptSignalCode(ctx, raw)
		if err != nil {
			h.mgr.Logger.Warn("pairing: host accept signal code failed", "error", err)
			return
		}
		if answer != "" {
			h.mgr.broadcast(ctx, h.code, h.deviceID, answer)
		}
		return
	}

	typ, req, _, err := decodeEnvelope(raw)
	if err != nil || typ != MsgPairReq {
		return
	}

	h.mu.Lock()
	already := h.repliedTo[req.RequestID]
	if !already {
		h.repliedTo[req.RequestID] = true
	}
	h.mu.Unlock()
	if already {
		return
	}

	h.handleRequest(ctx, req)
}

func (h *HostSession) handleRequest(ctx context.Context, req Request) {
	if req.Code != h.code {
		return
	}
	_, expired, reused, ok := h.mgr.Registry.Consume(req.Code)
	var result Result
	switch {
	case expired:
		result = Result{RequestID: req.RequestID, Status: ResultError, Message: "code expired"}
	case reused:
		result = Result{RequestID: req.RequestID, Status: ResultError, Message: "code already used"}
	case !ok:
		result = Result{RequestID: req.RequestID, Status: ResultError, Message: "unknown code"}
	default:
		h.set(StatusExchanging)
		if h.approve == nil {
			result = Result{RequestID: req.RequestID, Status: ResultRejected, Message: "no approval handler configured"}
			break
		}
		event, err := h.approve(ctx, req)
		if err != nil {
			result = Result{RequestID: req.RequestID, Status: ResultError, Message: err.Error()}
			break
		}
		if event == nil {
			result = Result{RequestID: req.RequestID, Status: ResultRejected}
			break
		}
		result = Result{RequestID: req.RequestID, Status: ResultApproved, Event: event}
	}

	raw, err := encodeResult(result)
	if err != nil {
		h.mgr.Logger.Warn("pairing: encode result failed", "error", err)
		return
	}
	h.mgr.broadcast(ctx, h.code, h.deviceID, raw)

	if result.Status == ResultApproved && h.direct != nil {
		offer, err := h.direct.CreateOfferCode(ctx)
		if err != nil {
			h.mgr.Logger.Warn("pairing: create offer code failed", "error", err)
			h.set(StatusError)
			return
		}
		h.mgr.broadcast(ctx, h.code, h.deviceID, offer)
	}
}

// GuestSession is the scanning device's side of one pairing attempt.
type GuestSession struct {
	*statusBus

	mgr      *Manager
	code     string
	deviceID string
	direct   DirectSignalPeer
	dedup    *resultDedup

	mu       sync.Mutex
	unsubBus func()
	cancel   context.CancelFunc
	afterTs  int64
	resultCh chan Result
}

// GuestSession constructs a session submitting code on behalf of
// deviceID, with direct as the local peer connection the offer/answer
// exchange will configure.
func (m *Manager) GuestSession(code, deviceID string, direct DirectSignalPeer) *GuestSession {
	return &GuestSession{
		statusBus: newStatusBus(),
		mgr:       m,
		code:      NormalizeCode(code),
		deviceID:  deviceID,
		direct:    direct,
		dedup:     newResultDedup(),
		resultCh:  make(chan Result, 1),
	}
}

// Submit publishes a PAIR_REQ for identityPub/dhPub over both channels
// and blocks until a matching PAIR_RES arrives or ctx is cancelled.
func (g *GuestSession) Submit(ctx context.Context, identityPub, dhPub []byte) (Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	g.cancel = cancel
	g.mu.Unlock()
	defer g.Stop()

	g.set(StatusConnecting)

	reqID, err := randomHex(16)
	if err != nil {
		return Result{}, fmt.Errorf("pairing: generate request id: %w", err)
	}
	req := Request{
		RequestID:   reqID,
		Code:        g.code,
		DeviceID:    g.deviceID,
		IdentityPub: identityPub,
		DHPub:       dhPub,
		Ts:          time.Now().UnixMilli(),
	}
	raw, err := encodeRequest(req)
	if err != nil {
		return Result{}, err
	}

	if g.mgr.Bus != nil {
		g.unsubBus = g.mgr.Bus.Subscribe(g.code, func(raw string) {
			g.handleIncoming(ctx, reqID, raw)
		})
	}
	if g.mgr.Rendezvous != nil {
		go g.pollRendezvous(ctx, reqID)
	}
	if g.direct != nil {
		g.direct.OnSignalCode(func(code string) {
			g.mgr.broadcast(ctx, g.code, g.deviceID, code)
		})
	}

	g.mgr.broadcast(ctx, g.code, g.deviceID, raw)
	g.set(StatusExchanging)

	select {
	case res := <-g.resultCh:
		if res.Status == ResultApproved {
			g.set(StatusConnected)
		} else {
			g.set(StatusError)
		}
		return res, nil
	case <-ctx.Done():
		g.set(StatusError)
		return Result{}, ctx.Err()
	}
}

func (g *GuestSession) Stop() {
	g.mu.Lock()
	cancel := g.cancel
	unsub := g.unsubBus
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if unsub != nil {
		unsub()
	}
}

func (g *GuestSession) pollRendezvous(ctx context.Context, reqID string) {
	ticker := time.NewTicker(rendezvousPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		g.mu.Lock()
		after := g.afterTs
		g.mu.Unlock()
		res, err := g.mgr.Rendezvous.Poll(ctx, g.code, g.deviceID, after)
		if err != nil {
			g.mgr.Logger.Warn("pairing: guest rendezvous poll failed", "error", err)
			continue
		}
		g.mu.Lock()
		g.afterTs = res.NextAfterTs
		g.mu.Unlock()
		for _, item := range res.Items {
			g.handleIncoming(ctx, reqID, item.Payload)
		}
	}
}

func (g *GuestSession) handleIncoming(ctx context.Context, reqID, raw string) {
	if strings.HasPrefix(raw, pkt.SignalCodePrefix) {
		if g.direct == nil {
			return
		}
		answer, err := g.direct.AcceptSignalCode(ctx, raw)
		if err != nil {
			g.mgr.Logger.Warn("pairing: guest accept signal code failed", "error", err)
			return
		}
		if answer != "" {
			g.mgr.broadcast(ctx, g.code, g.deviceID, answer)
		}
		return
	}

	typ, _, result, err := decodeEnvelope(raw)
	if err != nil || typ != MsgPairRes || result.RequestID != reqID {
		return
	}
	if g.dedup.seenOrMark(resultKey(result.RequestID, result.Status)) {
		return
	}
	select {
	case g.resultCh <- result:
	default:
	}
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
