// Package convmgr implements the Conversation Transport Manager (C8): a
// per-conversation state machine wrapping the uniform transport.Adapter
// (C1) with connect/backoff lifecycle, an outbox flusher, inbound size
// and rate guards, and an approval hook gating direct connections.
package convmgr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nyukop/nkc-core/outbox"
	"github.com/nyukop/nkc-core/pkt"
	"github.com/nyukop/nkc-core/redact"
	"github.com/nyukop/nkc-core/transport"
)

// Status is a conversation's connection lifecycle state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusFailed     Status = "failed"
)

const (
	initialBackoff  = 1 * time.Second
	maxBackoff      = 30 * time.Second
	backoffResetAge = 10 * time.Second
	flushBatchSize  = 10
	flushInterval   = 500 * time.Millisecond

	maxInboundFrameBytes = 256 * 1024
	rateLimitPerSecond   = 20
	rateLimitWindow      = 1 * time.Second
)

// Policy decides which transport(s) a conversation may use.
type Policy struct {
	// AllowDirect: primary=direct, fallback=onion. Else primary=onion, no
	// fallback, per decideConversationTransport.
	AllowDirect bool
	// DirectOnly restricts a device-to-device peer to direct only,
	// regardless of AllowDirect.
	DirectOnly bool
	// RequireApproval gates use of the direct transport behind the
	// injected ApprovalHandler; the result is cached per conversation.
	RequireApproval bool
}

// decideConversationTransport implements the §4.8 primary/fallback rule.
func decideConversationTransport(p Policy) (primary transport.Name, fallback *transport.Name) {
	if p.DirectOnly {
		return transport.NameDirectP2P, nil
	}
	if p.AllowDirect {
		f := transport.NameExternalOnion
		return transport.NameDirectP2P, &f
	}
	return transport.NameExternalOnion, nil
}

// AdapterFactory constructs the transport.Adapter a conversation should
// use for name, already scoped to convID: its OnMessage/OnAck streams
// must carry only traffic belonging to this conversation. Direct
// adapters are naturally scoped (one WebRTC peer connection per remote);
// a factory backing onion transports with a single shared client must
// return a thin per-conversation filtering wrapper rather than the raw
// shared adapter, so one conversation's handler never observes another
// conversation's packets.
type AdapterFactory func(name transport.Name, convID string) (transport.Adapter, error)

// Manager owns every active conversation's transport lifecycle.
type Manager struct {
	NewAdapter      AdapterFactory
	Store           outbox.Store
	ApprovalHandler func(convID string) bool
	Logger          *slog.Logger

	mu    sync.Mutex
	convs map[string]*conversation

	nowFn func() time.Time
}

// New constructs a Manager.
func New(factory AdapterFactory, store outbox.Store, approval func(convID string) bool, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		NewAdapter:      factory,
		Store:           store,
		ApprovalHandler: approval,
		Logger:          logger,
		convs:           make(map[string]*conversation),
		nowFn:           time.Now,
	}
}

func (m *Manager) now() time.Time {
	if m.nowFn != nil {
		return m.nowFn()
	}
	return time.Now()
}

type conversation struct {
	mu          sync.Mutex
	id          string
	policy      Policy
	status      Status
	backoff     time.Duration
	connectedAt time.Time
	active      transport.Adapter
	activeName  transport.Name
	approved    bool
	onInbound   func(pkt.TransportPacket)
	onStatus    func(Status)
	rateTimes   []time.Time
	msgUnsub    func()

	cancel context.CancelFunc
}

func (c *conversation) setStatus(s Status, report bool) {
	c.mu.Lock()
	c.status = s
	handler := c.onStatus
	c.mu.Unlock()
	if report && handler != nil {
		handler(s)
	}
}

// Status returns a conversation's current lifecycle state. Returns
// StatusIdle if the conversation has never been connected.
func (m *Manager) Status(convID string) Status {
	m.mu.Lock()
	conv, ok := m.convs[convID]
	m.mu.Unlock()
	if !ok {
		return StatusIdle
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	return conv.status
}

func (m *Manager) getOrCreate(convID string, policy Policy) *conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[convID]
	if !ok {
		conv = &conversation{id: convID, policy: policy, status: StatusIdle, backoff: initialBackoff}
		m.convs[convID] = conv
	} else {
		conv.mu.Lock()
		conv.policy = policy
		conv.mu.Unlock()
	}
	return conv
}

// Connect starts (or restarts) the connect/backoff loop for convID.
// onInbound receives every inbound packet that passes the frame-size and
// rate-limit guards; onStatus, if non-nil, is notified of every status
// transition.
func (m *Manager) Connect(ctx context.Context, convID string, policy Policy, onInbound func(pkt.TransportPacket), onStatus func(Status)) {
	conv := m.getOrCreate(convID, policy)

	conv.mu.Lock()
	if conv.cancel != nil {
		conv.mu.Unlock()
		return // already connecting/connected
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	conv.cancel = cancel
	conv.onInbound = onInbound
	conv.onStatus = onStatus
	if conv.backoff == 0 {
		conv.backoff = initialBackoff
	}
	conv.mu.Unlock()

	go m.connectLoop(loopCtx, conv)
}

func (m *Manager) connectLoop(ctx context.Context, conv *conversation) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conv.setStatus(StatusConnecting, true)
		name, adapter, err := m.tryStart(ctx, conv)
		if err != nil {
			m.Logger.Warn("convmgr: connect attempt failed", "conv", conv.id, "error", redact.Error(err))
			conv.setStatus(StatusFailed, true)
			if !m.sleepBackoff(ctx, conv) {
				return
			}
			continue
		}

		conv.mu.Lock()
		conv.active = adapter
		conv.activeName = name
		conv.connectedAt = m.now()
		conv.mu.Unlock()
		conv.setStatus(StatusConnected, true)

		flushDone := make(chan struct{})
		go m.flushLoop(ctx, conv, flushDone)

		disc := make(chan struct{}, 1)
		unsub := adapter.OnState(func(s transport.State) {
			if s != transport.StateConnected {
				select {
				case disc <- struct{}{}:
				default:
				}
			}
		})

		select {
		case <-ctx.Done():
			unsub()
			close(flushDone)
			adapter.Stop()
			return
		case <-disc:
			unsub()
			close(flushDone)
			conv.mu.Lock()
			if m.now().Sub(conv.connectedAt) >= backoffResetAge {
				conv.backoff = initialBackoff
			}
			conv.active = nil
			conv.mu.Unlock()
		}
	}
}

func (m *Manager) tryStart(ctx context.Context, conv *conversation) (transport.Name, transport.Adapter, error) {
	conv.mu.Lock()
	policy := conv.policy
	conv.mu.Unlock()

	primary, fallback := decideConversationTransport(policy)

	if name, adapter, err := m.tryStartOne(ctx, conv, primary, policy); err == nil {
		return name, adapter, nil
	} else if fallback == nil {
		return "", nil, err
	}

	return m.tryStartOne(ctx, conv, *fallback, policy)
}

func (m *Manager) tryStartOne(ctx context.Context, conv *conversation, name transport.Name, policy Policy) (transport.Name, transport.Adapter, error) {
	if name == transport.NameDirectP2P && policy.RequireApproval {
		conv.mu.Lock()
		approved := conv.approved
		conv.mu.Unlock()
		if !approved {
			if m.ApprovalHandler == nil || !m.ApprovalHandler(conv.id) {
				return "", nil, fmt.Errorf("convmgr: direct transport not approved for conversation %q", conv.id)
			}
			conv.mu.Lock()
			conv.approved = true
			conv.mu.Unlock()
		}
	}

	adapter, err := m.NewAdapter(name, conv.id)
	if err != nil {
		return "", nil, fmt.Errorf("convmgr: create %s adapter: %w", name, err)
	}
	conv.mu.Lock()
	if conv.msgUnsub != nil {
		conv.msgUnsub()
	}
	conv.msgUnsub = adapter.OnMessage(func(p pkt.TransportPacket) { m.handleInbound(conv, p) })
	conv.mu.Unlock()
	if err := adapter.Start(ctx); err != nil {
		return "", nil, fmt.Errorf("convmgr: start %s adapter: %w", name, err)
	}
	return name, adapter, nil
}

func (m *Manager) sleepBackoff(ctx context.Context, conv *conversation) bool {
	conv.mu.Lock()
	d := conv.backoff
	next := d * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	conv.backoff = next
	conv.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Send first persists p to the outbox as a pending record. If the
// conversation is currently connected, it then forwards p and deletes the
// record on success; otherwise, or on a forward error, the record stays
// pending and the per-conversation outbox flusher drains it once the
// conversation is connected. Send does not start or wake a reconnect
// itself; reconnecting is left to a connect loop that is already running.
func (m *Manager) Send(ctx context.Context, convID string, p pkt.TransportPacket) error {
	m.mu.Lock()
	conv, ok := m.convs[convID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("convmgr: send to unknown conversation %q", convID)
	}

	rec := outbox.Record{
		ID:              p.ID,
		ConvID:          convID,
		Ciphertext:      payloadBytes(p.Payload),
		ToDeviceID:      p.To,
		CreatedAtMs:     m.now().UnixMilli(),
		ExpiresAtMs:     m.now().Add(14 * 24 * time.Hour).UnixMilli(),
		NextAttemptAtMs: m.now().UnixMilli(),
		Status:          outbox.StatusPending,
	}
	if err := m.Store.PutOutbox(rec); err != nil {
		return fmt.Errorf("convmgr: persist outbox record: %w", err)
	}

	conv.mu.Lock()
	status := conv.status
	active := conv.active
	conv.mu.Unlock()

	if status == StatusConnected && active != nil {
		if err := active.Send(ctx, p); err == nil {
			_ = m.Store.DeleteOutbox(rec.ID)
			return nil
		}
	}
	return nil // queued; the flusher or a reconnect drains it
}

func (m *Manager) flushLoop(ctx context.Context, conv *conversation, done chan struct{}) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			m.FlushOutbox(ctx, conv.id)
		}
	}
}

// FlushOutbox drains up to one batch of due, pending outbox records for
// convID through the conversation's active transport. Safe to call
// directly (e.g. from a test) without waiting on the background ticker.
func (m *Manager) FlushOutbox(ctx context.Context, convID string) (sent int, err error) {
	m.mu.Lock()
	conv, ok := m.convs[convID]
	m.mu.Unlock()
	if !ok {
		return 0, nil
	}
	conv.mu.Lock()
	active := conv.active
	connected := conv.status == StatusConnected
	conv.mu.Unlock()
	if !connected || active == nil {
		return 0, nil
	}

	due, err := m.Store.ListDueByConv(convID, m.now().UnixMilli(), flushBatchSize)
	if err != nil {
		return 0, fmt.Errorf("convmgr: list due outbox records: %w", err)
	}
	for _, rec := range due {
		p := pkt.TransportPacket{ID: rec.ID, To: rec.ToDeviceID, Payload: pkt.WrapBytes(rec.Ciphertext)}
		if sendErr := active.Send(ctx, p); sendErr != nil {
			msg := redact.Error(sendErr).Error()
			_ = m.Store.UpdateOutbox(rec.ID, outbox.Patch{LastError: &msg})
			continue
		}
		_ = m.Store.DeleteOutbox(rec.ID)
		sent++
	}
	return sent, nil
}

// handleInbound applies the §4.8 inbound guards before delivering p to
// the conversation's registered handler.
func (m *Manager) handleInbound(conv *conversation, p pkt.TransportPacket) {
	size := len(p.Payload.Bytes) + len(p.Payload.Text)
	if size > maxInboundFrameBytes {
		m.Logger.Warn("convmgr: dropping oversized inbound frame", "conv", conv.id, "bytes", size)
		return
	}

	conv.mu.Lock()
	now := m.now()
	cutoff := now.Add(-rateLimitWindow)
	kept := conv.rateTimes[:0]
	for _, t := range conv.rateTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	conv.rateTimes = kept
	if len(conv.rateTimes) >= rateLimitPerSecond {
		conv.mu.Unlock()
		m.Logger.Warn("convmgr: dropping inbound frame, rate limit exceeded", "conv", conv.id)
		return
	}
	conv.rateTimes = append(conv.rateTimes, now)
	handler := conv.onInbound
	conv.mu.Unlock()

	if handler != nil {
		handler(p)
	}
}

// Disconnect fully stops the conversation's transport(s), cancels the
// connect/retry loop, and resets rate-limit and backoff state.
func (m *Manager) Disconnect(convID string) {
	m.mu.Lock()
	conv, ok := m.convs[convID]
	m.mu.Unlock()
	if !ok {
		return
	}

	conv.mu.Lock()
	cancel := conv.cancel
	conv.cancel = nil
	active := conv.active
	conv.active = nil
	conv.rateTimes = nil
	conv.backoff = initialBackoff
	conv.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if active != nil {
		active.Stop()
	}
	conv.setStatus(StatusIdle, true)
}

func payloadBytes(p pkt.Payload) []byte {
	if p.IsB64 {
		return p.Bytes
	}
	return []byte(p.Text)
}
