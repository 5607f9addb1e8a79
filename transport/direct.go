package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nyukop/nkc-core/coreerr"
	"github.com/nyukop/nkc-core/pkt"
)

// DirectDataChannelLabel is the label of the ordered, reliable data
// channel every direct peer connection carries.
const DirectDataChannelLabel = "nkc-direct-v1"

const (
	UserConnectTimeout   = 8 * time.Second
	DeviceConnectTimeout = 20 * time.Second
)

// PeerConnection is the collaborator interface a concrete WebRTC binding
// implements; this module only consumes it (no WebRTC library appears
// anywhere in the reference corpus, so no concrete implementation ships
// here — see DESIGN.md).
type PeerConnection interface {
	// CreateOffer starts the local offer/ICE-gathering process and
	// returns the initial offer SDP.
	CreateOffer(ctx context.Context) (sdp string, err error)
	// SetRemoteDescription applies a remote offer or answer.
	SetRemoteDescription(ctx context.Context, t pkt.SignalType, sdp string) error
	// CreateAnswer answers a previously-set remote offer.
	CreateAnswer(ctx context.Context) (sdp string, err error)
	// AddICECandidate applies one remote ICE candidate.
	AddICECandidate(ctx context.Context, candidate, sdpMid string) error
	// OnICECandidate registers a callback for locally gathered candidates.
	OnICECandidate(func(candidate, sdpMid string))
	// OnOpen registers a callback fired when the data channel opens.
	OnOpen(func())
	// OnClose registers a callback fired when the connection closes.
	OnClose(func())
	// OnData registers a callback fired for each inbound data channel
	// frame.
	OnData(func([]byte))
	// SendData writes one frame to the data channel. Must fail fast if
	// the channel isn't open.
	SendData([]byte) error
	// Close tears down the connection.
	Close()
}

// PeerConnectionFactory constructs a new PeerConnection, e.g. one per
// pairing attempt or per conversation.
type PeerConnectionFactory func() (PeerConnection, error)

// DirectAdapter is the direct WebRTC transport (C1). It composes a
// PeerConnection with the NKC-RTC1 signalling code codec and an ICE
// candidate queue that flushes atomically once a remote description is
// set.
type DirectAdapter struct {
	*observers

	NewPeerConnection PeerConnectionFactory
	IsDeviceToDevice  bool
	Logger            *slog.Logger

	mu              sync.Mutex
	pc              PeerConnection
	remoteDescSet   bool
	queuedCandidate []queuedICE
	onSignalCode    []func(string)
}

type queuedICE struct {
	candidate string
	sdpMid    string
}

// NewDirectAdapter constructs a DirectAdapter backed by factory.
func NewDirectAdapter(factory PeerConnectionFactory, deviceToDevice bool, logger *slog.Logger) *DirectAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirectAdapter{
		observers:         newObservers(),
		NewPeerConnection: factory,
		IsDeviceToDevice:  deviceToDevice,
		Logger:            logger,
	}
}

func (d *DirectAdapter) Name() Name { return NameDirectP2P }

// Start is idempotent: calling it while already connecting/connected is a
// no-op.
func (d *DirectAdapter) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.pc != nil {
		d.mu.Unlock()
		return nil
	}
	pc, err := d.NewPeerConnection()
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("direct adapter: create peer connection: %w", err)
	}
	d.pc = pc
	d.mu.Unlock()

	d.setState(StateConnecting)
	pc.OnOpen(func() { d.setState(StateConnected) })
	pc.OnClose(func() { d.setState(StateIdle) })
	pc.OnData(func(raw []byte) { d.handleInbound(raw) })
	pc.OnICECandidate(func(candidate, sdpMid string) {
		d.emitSignalCode(pkt.SignalMessage{V: 1, T: pkt.SignalICE, Candidate: candidate, SDPMid: sdpMid})
	})

	timeout := UserConnectTimeout
	if d.IsDeviceToDevice {
		timeout = DeviceConnectTimeout
	}
	go d.watchConnectTimeout(timeout)
	return nil
}

func (d *DirectAdapter) watchConnectTimeout(timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	<-timer.C
	if d.State() == StateConnecting {
		d.setState(StateFailed)
	}
}

func (d *DirectAdapter) Stop() {
	d.mu.Lock()
	pc := d.pc
	d.pc = nil
	d.remoteDescSet = false
	d.queuedCandidate = nil
	d.mu.Unlock()
	if pc != nil {
		pc.Close()
	}
	d.setState(StateIdle)
}

// Send transmits a packet over the data channel. Fails with
// DIRECT_NOT_OPEN if the channel isn't connected.
func (d *DirectAdapter) Send(ctx context.Context, p pkt.TransportPacket) error {
	if d.State() != StateConnected {
		return coreerr.New(coreerr.DirectNotOpen, "direct data channel is not open")
	}
	d.mu.Lock()
	pc := d.pc
	d.mu.Unlock()
	if pc == nil {
		return coreerr.New(coreerr.DirectNotOpen, "direct data channel is not open")
	}
	frame, err := encodeFrame(p)
	if err != nil {
		return fmt.Errorf("direct adapter: encode frame: %w", err)
	}
	if err := pc.SendData(frame); err != nil {
		return coreerr.Wrap(coreerr.DirectNotOpen, "direct send failed", err)
	}
	return nil
}

func (d *DirectAdapter) handleInbound(raw []byte) {
	p, err := decodeFrame(raw)
	if err != nil {
		d.Logger.Warn("direct adapter: dropping malformed frame", "error", err)
		return
	}
	d.emitMessage(p)
}

// --- Signalling extension ---

// CreateOfferCode starts a local offer and returns it encoded as an
// NKC-RTC1 signal code.
func (d *DirectAdapter) CreateOfferCode(ctx context.Context) (string, error) {
	d.mu.Lock()
	pc := d.pc
	d.mu.Unlock()
	if pc == nil {
		return "", fmt.Errorf("direct adapter: not started")
	}
	sdp, err := pc.CreateOffer(ctx)
	if err != nil {
		return "", fmt.Errorf("direct adapter: create offer: %w", err)
	}
	return pkt.EncodeSignalCode(pkt.SignalMessage{V: 1, T: pkt.SignalOffer, SDP: sdp})
}

// AcceptSignalCode consumes one inbound NKC-RTC1 signal code: applies an
// offer/answer as the remote description, or queues/flushes an ICE
// candidate. ICE candidates arriving before a remote description is set
// are queued and flushed atomically once SetRemoteDescription succeeds.
func (d *DirectAdapter) AcceptSignalCode(ctx context.Context, code string) (answerCode string, err error) {
	msg, err := pkt.DecodeSignalCode(code)
	if err != nil {
		return "", fmt.Errorf("direct adapter: decode signal code: %w", err)
	}

	d.mu.Lock()
	pc := d.pc
	d.mu.Unlock()
	if pc == nil {
		return "", fmt.Errorf("direct adapter: not started")
	}

	switch msg.T {
	case pkt.SignalOffer:
		if err := pc.SetRemoteDescription(ctx, pkt.SignalOffer, msg.SDP); err != nil {
			return "", fmt.Errorf("direct adapter: set remote offer: %w", err)
		}
		d.flushQueuedICE(ctx, pc)
		sdp, err := pc.CreateAnswer(ctx)
		if err != nil {
			return "", fmt.Errorf("direct adapter: create answer: %w", err)
		}
		return pkt.EncodeSignalCode(pkt.SignalMessage{V: 1, T: pkt.SignalAnswer, SDP: sdp})
	case pkt.SignalAnswer:
		if err := pc.SetRemoteDescription(ctx, pkt.SignalAnswer, msg.SDP); err != nil {
			return "", fmt.Errorf("direct adapter: set remote answer: %w", err)
		}
		d.flushQueuedICE(ctx, pc)
		return "", nil
	case pkt.SignalICE:
		d.mu.Lock()
		remoteSet := d.remoteDescSet
		if !remoteSet {
			d.queuedCandidate = append(d.queuedCandidate, queuedICE{candidate: msg.Candidate, sdpMid: msg.SDPMid})
			d.mu.Unlock()
			return "", nil
		}
		d.mu.Unlock()
		if err := pc.AddICECandidate(ctx, msg.Candidate, msg.SDPMid); err != nil {
			return "", fmt.Errorf("direct adapter: add ice candidate: %w", err)
		}
		return "", nil
	default:
		return "", fmt.Errorf("direct adapter: unknown signal type %q", msg.T)
	}
}

func (d *DirectAdapter) flushQueuedICE(ctx context.Context, pc PeerConnection) {
	d.mu.Lock()
	queued := d.queuedCandidate
	d.queuedCandidate = nil
	d.remoteDescSet = true
	d.mu.Unlock()
	for _, q := range queued {
		if err := pc.AddICECandidate(ctx, q.candidate, q.sdpMid); err != nil {
			d.Logger.Warn("direct adapter: flush queued ice candidate failed", "error", err)
		}
	}
}

// OnSignalCode registers a callback invoked with a signal code for each
// locally gathered ICE candidate, to be sent to the remote peer out of
// band. Offer and answer codes are not emitted here; CreateOfferCode and
// AcceptSignalCode return them.
func (d *DirectAdapter) OnSignalCode(f func(string)) func() {
	d.mu.Lock()
	d.onSignalCode = append(d.onSignalCode, f)
	idx := len(d.onSignalCode) - 1
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if idx < len(d.onSignalCode) {
			d.onSignalCode[idx] = nil
		}
	}
}

func (d *DirectAdapter) emitSignalCode(msg pkt.SignalMessage) {
	code, err := pkt.EncodeSignalCode(msg)
	if err != nil {
		d.Logger.Warn("direct adapter: encode signal code failed", "error", err)
		return
	}
	d.mu.Lock()
	listeners := make([]func(string), len(d.onSignalCode))
	copy(listeners, d.onSignalCode)
	d.mu.Unlock()
	for _, f := range listeners {
		if f != nil {
			f(code)
		}
	}
}
