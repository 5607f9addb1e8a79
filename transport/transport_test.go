package transport

import (
	"context"
	"testing"
	"time"

	"github.com/nyukop/nkc-core/circuitmgr"
	"github.com/nyukop/nkc-core/coreerr"
	"github.com/nyukop/nkc-core/onionclient"
	"github.com/nyukop/nkc-core/pkt"
)

// --- direct adapter fakes ---

type fakePeerConn struct {
	open       bool
	onOpen     func()
	onClose    func()
	onData     func([]byte)
	onICE      func(string, string)
	sentFrames [][]byte
	remoteSet  []pkt.SignalType
}

func (f *fakePeerConn) CreateOffer(ctx context.Context) (string, error) { return "offer-sdp", nil }
func (f *fakePeerConn) SetRemoteDescription(ctx context.Context, t pkt.SignalType, sdp string) error {
	f.remoteSet = append(f.remoteSet, t)
	return nil
}
func (f *fakePeerConn) CreateAnswer(ctx context.Context) (string, error) { return "answer-sdp", nil }
func (f *fakePeerConn) AddICECandidate(ctx context.Context, candidate, sdpMid string) error {
	return nil
}
func (f *fakePeerConn) OnICECandidate(fn func(string, string)) { f.onICE = fn }
func (f *fakePeerConn) OnOpen(fn func())                       { f.onOpen = fn }
func (f *fakePeerConn) OnClose(fn func())                       { f.onClose = fn }
func (f *fakePeerConn) OnData(fn func([]byte))                  { f.onData = fn }
func (f *fakePeerConn) SendData(b []byte) error {
	if !f.open {
		return coreerr.New(coreerr.DirectNotOpen, "not open")
	}
	f.sentFrames = append(f.sentFrames, b)
	return nil
}
func (f *fakePeerConn) Close() {}

func TestDirectAdapterSendRequiresOpenChannel(t *testing.T) {
	pc := &fakePeerConn{}
	a := NewDirectAdapter(func() (PeerConnection, error) { return pc, nil }, false, nil)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := a.Send(context.Background(), pkt.TransportPacket{ID: "m1", Payload: pkt.WrapText("hi")})
	if !coreerr.Is(err, coreerr.DirectNotOpen) {
		t.Fatalf("expected DIRECT_NOT_OPEN, got %v", err)
	}

	pc.open = true
	pc.onOpen()
	if err := a.Send(context.Background(), pkt.TransportPacket{ID: "m1", Payload: pkt.WrapText("hi")}); err != nil {
		t.Fatalf("send after open: %v", err)
	}
	if len(pc.sentFrames) != 1 {
		t.Fatalf("expected 1 frame sent, got %d", len(pc.sentFrames))
	}
}

func TestDirectAdapterQueuesICEBeforeRemoteDescription(t *testing.T) {
	pc := &fakePeerConn{}
	a := NewDirectAdapter(func() (PeerConnection, error) { return pc, nil }, false, nil)
	_ = a.Start(context.Background())

	iceCode, _ := pkt.EncodeSignalCode(pkt.SignalMessage{V: 1, T: pkt.SignalICE, Candidate: "cand1", SDPMid: "0"})
	if _, err := a.AcceptSignalCode(context.Background(), iceCode); err != nil {
		t.Fatalf("accept ice: %v", err)
	}
	a.mu.Lock()
	queued := len(a.queuedCandidate)
	a.mu.Unlock()
	if queued != 1 {
		t.Fatalf("expected ice candidate queued, got %d", queued)
	}

	offerCode, _ := pkt.EncodeSignalCode(pkt.SignalMessage{V: 1, T: pkt.SignalOffer, SDP: "offer"})
	if _, err := a.AcceptSignalCode(context.Background(), offerCode); err != nil {
		t.Fatalf("accept offer: %v", err)
	}
	a.mu.Lock()
	queued = len(a.queuedCandidate)
	a.mu.Unlock()
	if queued != 0 {
		t.Fatalf("expected queue flushed after remote description set, got %d", queued)
	}
}

// --- external onion adapter fakes ---

type fakeController struct {
	sendErrs []error
	sendCnt  int
	health   onionclient.Health
}

func (f *fakeController) Send(ctx context.Context, req onionclient.SendRequest) (onionclient.SendResponse, error) {
	idx := f.sendCnt
	f.sendCnt++
	if idx < len(f.sendErrs) && f.sendErrs[idx] != nil {
		return onionclient.SendResponse{}, f.sendErrs[idx]
	}
	return onionclient.SendResponse{OK: true, MsgID: "sent"}, nil
}
func (f *fakeController) Subscribe(deviceID string, after int64, handler func(onionclient.InboxItem)) *onionclient.Subscription {
	return &onionclient.Subscription{}
}
func (f *fakeController) Health(ctx context.Context) (onionclient.Health, error) {
	return f.health, nil
}

func TestExternalOnionSendRetriesOnForwardFailed(t *testing.T) {
	ctl := &fakeController{sendErrs: []error{coreerr.ForwardFailedReason("proxy_unreachable"), nil}}
	a := NewExternalOnionAdapter(ctl, "dev1", nil, nil)
	err := a.Send(context.Background(), pkt.TransportPacket{ID: "m1", To: "dev2", Payload: pkt.WrapText("hi")})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if ctl.sendCnt != 2 {
		t.Fatalf("expected 2 attempts, got %d", ctl.sendCnt)
	}
}

func TestExternalOnionSendMissingDestinationIsFatal(t *testing.T) {
	ctl := &fakeController{}
	a := NewExternalOnionAdapter(ctl, "dev1", nil, nil)
	err := a.Send(context.Background(), pkt.TransportPacket{ID: "m1", Payload: pkt.WrapText("hi")})
	if !coreerr.Is(err, coreerr.FatalMisconfig) {
		t.Fatalf("expected FATAL_MISCONFIG, got %v", err)
	}
	if ctl.sendCnt != 0 {
		t.Fatalf("expected no network attempt, got %d", ctl.sendCnt)
	}
}

// --- builtin onion adapter fakes ---

type fakeCircuit struct {
	state circuitmgr.State
	subs  []func(circuitmgr.State)
}

func (f *fakeCircuit) Snapshot() circuitmgr.State { return f.state }
func (f *fakeCircuit) OnStatus(fn func(circuitmgr.State)) func() {
	f.subs = append(f.subs, fn)
	return func() {}
}

type fakeRelaySender struct {
	sent []pkt.RelayEnvelope
}

func (f *fakeRelaySender) SendToPeer(peerID string, env pkt.RelayEnvelope) error {
	f.sent = append(f.sent, env)
	return nil
}

func TestBuiltinOnionSendRejectedUntilReady(t *testing.T) {
	circuit := &fakeCircuit{state: circuitmgr.State{Status: circuitmgr.StatusBuilding}}
	sender := &fakeRelaySender{}
	a := NewBuiltinOnionAdapter("client", circuit, sender, nil)
	_ = a.Start(context.Background())

	err := a.Send(context.Background(), pkt.TransportPacket{ID: "m1", To: "peerX", Payload: pkt.WrapText("hi")})
	if !coreerr.Is(err, coreerr.InternalOnionNotReady) {
		t.Fatalf("expected INTERNAL_ONION_NOT_READY, got %v", err)
	}

	circuit.state = circuitmgr.State{
		Status:    circuitmgr.StatusReady,
		CircuitID: "circ1",
		Hops:      []circuitmgr.Hop{{HopIndex: 0, PeerID: "relay1", Status: circuitmgr.HopOK}},
	}
	if err := a.Send(context.Background(), pkt.TransportPacket{ID: "m1", To: "peerX", Payload: pkt.WrapText("hi")}); err != nil {
		t.Fatalf("send once ready: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 envelope sent, got %d", len(sender.sent))
	}
	env := sender.sent[0]
	if env.Chain[len(env.Chain)-1] != "peerX" {
		t.Fatalf("expected chain to end at destination, got %v", env.Chain)
	}
	_ = time.Second
}
