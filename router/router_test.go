package router

import (
	"context"
	"testing"

	"github.com/nyukop/nkc-core/coreerr"
	"github.com/nyukop/nkc-core/outbox"
	"github.com/nyukop/nkc-core/pkt"
	"github.com/nyukop/nkc-core/routectl"
	"github.com/nyukop/nkc-core/transport"
)

type fakeAdapter struct {
	name    transport.Name
	errs    []error
	calls   int
	lastPkt pkt.TransportPacket
}

func (f *fakeAdapter) Name() transport.Name                    { return f.name }
func (f *fakeAdapter) Start(ctx context.Context) error          { return nil }
func (f *fakeAdapter) Stop()                                    {}
func (f *fakeAdapter) State() transport.State                   { return transport.StateConnected }
func (f *fakeAdapter) OnMessage(func(pkt.TransportPacket)) func() { return func() {} }
func (f *fakeAdapter) OnAck(func(string, int64)) func()          { return func() {} }
func (f *fakeAdapter) OnState(func(transport.State)) func()      { return func() {} }
func (f *fakeAdapter) Send(ctx context.Context, p pkt.TransportPacket) error {
	f.lastPkt = p
	idx := f.calls
	f.calls++
	if idx < len(f.errs) {
		return f.errs[idx]
	}
	return nil
}

func newTestRouter(adapters map[transport.Name]transport.Adapter) (*Router, outbox.Store) {
	store := outbox.NewMemStore()
	r := New(adapters, store, routectl.New(), nil)
	return r, store
}

func TestDirectModeHappyPath(t *testing.T) {
	direct := &fakeAdapter{name: transport.NameDirectP2P}
	onion := &fakeAdapter{name: transport.NameExternalOnion}
	r, store := newTestRouter(map[transport.Name]transport.Adapter{
		transport.NameDirectP2P:    direct,
		transport.NameExternalOnion: onion,
	})

	p := pkt.TransportPacket{ID: "m1", To: "peer-device", Payload: pkt.WrapText("hi")}
	res, err := r.Send(context.Background(), "conv1", p, Config{Mode: routectl.ModeDirectP2P, AllowDirect: true})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !res.OK || res.Transport != transport.NameDirectP2P {
		t.Fatalf("expected ok directP2P, got %+v", res)
	}
	if direct.calls != 1 {
		t.Fatalf("expected direct adapter called once, got %d", direct.calls)
	}
	if onion.calls != 0 {
		t.Fatalf("expected onion adapter untouched, got %d calls", onion.calls)
	}
	if _, ok, _ := store.Get("m1"); ok {
		t.Fatalf("expected outbox record deleted on success")
	}
}

func TestOnionFallbackOnNoRouteTarget(t *testing.T) {
	onion := &fakeAdapter{name: transport.NameExternalOnion, errs: []error{coreerr.ForwardFailedReason("no_route_target")}}
	direct := &fakeAdapter{name: transport.NameDirectP2P}
	r, _ := newTestRouter(map[transport.Name]transport.Adapter{
		transport.NameExternalOnion: onion,
		transport.NameDirectP2P:    direct,
	})

	p := pkt.TransportPacket{ID: "m2", To: "peer-device", Payload: pkt.WrapText("hi")}
	res, err := r.Send(context.Background(), "conv1", p, Config{Mode: routectl.ModeOnionRouter, AllowDirect: true})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !res.OK || res.Transport != transport.NameDirectP2P {
		t.Fatalf("expected fallback success on directP2P, got %+v", res)
	}
	if onion.calls != 1 || direct.calls != 1 {
		t.Fatalf("expected one attempt each, got onion=%d direct=%d", onion.calls, direct.calls)
	}
}

func TestBuiltinOnionFallbackToOnionRouter(t *testing.T) {
	builtin := &fakeAdapter{name: transport.NameBuiltinOnion, errs: []error{coreerr.New(coreerr.InternalOnionNotReady, "not ready")}}
	onion := &fakeAdapter{name: transport.NameExternalOnion}
	r, _ := newTestRouter(map[transport.Name]transport.Adapter{
		transport.NameBuiltinOnion:  builtin,
		transport.NameExternalOnion: onion,
	})

	p := pkt.TransportPacket{ID: "m3", To: "peer-device", Payload: pkt.WrapText("hi")}
	res, err := r.Send(context.Background(), "conv1", p, Config{Mode: routectl.ModeSelfOnion, SelfOnionEnabled: true})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !res.OK || res.Transport != transport.NameExternalOnion {
		t.Fatalf("expected fallback success on onionRouter, got %+v", res)
	}
	if builtin.calls != 1 || onion.calls != 1 {
		t.Fatalf("expected one attempt each, got builtin=%d onion=%d", builtin.calls, onion.calls)
	}
}

func TestOnionRouterProxyUnreachableFallsBackThroughSelfOnionToDirect(t *testing.T) {
	onion := &fakeAdapter{name: transport.NameExternalOnion, errs: []error{coreerr.ForwardFailedReason("proxy_unreachable")}}
	builtin := &fakeAdapter{name: transport.NameBuiltinOnion, errs: []error{coreerr.New(coreerr.InternalOnionNotReady, "not ready")}}
	direct := &fakeAdapter{name: transport.NameDirectP2P}
	r, _ := newTestRouter(map[transport.Name]transport.Adapter{
		transport.NameExternalOnion: onion,
		transport.NameBuiltinOnion:  builtin,
		transport.NameDirectP2P:    direct,
	})

	p := pkt.TransportPacket{ID: "m4", To: "peer-device", Payload: pkt.WrapText("hi")}
	res, err := r.Send(context.Background(), "conv1", p, Config{Mode: routectl.ModeOnionRouter, AllowDirect: true})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !res.OK || res.Transport != transport.NameDirectP2P {
		t.Fatalf("expected eventual directP2P success, got %+v", res)
	}
	if len(res.Attempted) != 3 {
		t.Fatalf("expected 3 attempts in ladder, got %v", res.Attempted)
	}
}

// TestOnionRouterFailureNoDirectFallbackSurfacesRetryable is the §4.7
// step 4 terminal case: the ladder reaches selfOnion as a fallback from
// onionRouter, selfOnion itself isn't ready, and AllowDirect is false so
// there's nowhere left to go. The raw INTERNAL_ONION_NOT_READY must not
// leak to the caller; it surfaces as RETRYABLE_SEND_FAILURE while the
// outbox record is still deferred for a later retry.
func TestOnionRouterFailureNoDirectFallbackSurfacesRetryable(t *testing.T) {
	onion := &fakeAdapter{name: transport.NameExternalOnion, errs: []error{coreerr.ForwardFailedReason("proxy_unreachable")}}
	builtin := &fakeAdapter{name: transport.NameBuiltinOnion, errs: []error{coreerr.New(coreerr.InternalOnionNotReady, "not ready")}}
	r, store := newTestRouter(map[transport.Name]transport.Adapter{
		transport.NameExternalOnion: onion,
		transport.NameBuiltinOnion:  builtin,
	})

	p := pkt.TransportPacket{ID: "m7", To: "peer-device", Payload: pkt.WrapText("hi")}
	res, err := r.Send(context.Background(), "conv1", p, Config{Mode: routectl.ModeOnionRouter, AllowDirect: false})
	if err == nil || res.OK {
		t.Fatalf("expected failure, got %+v err=%v", res, err)
	}
	if coreerr.Is(err, coreerr.InternalOnionNotReady) {
		t.Fatalf("raw INTERNAL_ONION_NOT_READY leaked to caller: %v", err)
	}
	if !coreerr.Is(err, coreerr.RetryableSendFailure) {
		t.Fatalf("err = %v, want RETRYABLE_SEND_FAILURE", err)
	}
	if onion.calls != 1 || builtin.calls != 1 {
		t.Fatalf("expected one attempt each, got onion=%d builtin=%d", onion.calls, builtin.calls)
	}

	rec, ok, _ := store.Get("m7")
	if !ok {
		t.Fatalf("expected outbox record retained (deferred, not expired)")
	}
	if rec.Status != outbox.StatusPending {
		t.Fatalf("expected record to remain pending for retry, got %s", rec.Status)
	}
	if rec.NextAttemptAtMs <= rec.CreatedAtMs {
		t.Fatalf("expected next attempt to be scheduled after creation")
	}
}

func TestFatalMisconfigSkipsOutboxRetry(t *testing.T) {
	direct := &fakeAdapter{name: transport.NameDirectP2P, errs: []error{coreerr.New(coreerr.FatalMisconfig, "missing destination")}}
	r, store := newTestRouter(map[transport.Name]transport.Adapter{
		transport.NameDirectP2P: direct,
	})

	p := pkt.TransportPacket{ID: "m5", Payload: pkt.WrapText("hi")}
	res, err := r.Send(context.Background(), "conv1", p, Config{Mode: routectl.ModeDirectP2P})
	if err == nil || res.OK {
		t.Fatalf("expected failure, got %+v err=%v", res, err)
	}
	rec, ok, _ := store.Get("m5")
	if !ok {
		t.Fatalf("expected outbox record retained")
	}
	if rec.Status != outbox.StatusExpired {
		t.Fatalf("expected FATAL_MISCONFIG to mark record expired (no retry), got status=%s", rec.Status)
	}
}

func TestRetryableFailureLeavesOutboxPendingForLaterRetry(t *testing.T) {
	direct := &fakeAdapter{name: transport.NameDirectP2P, errs: []error{coreerr.New(coreerr.DirectNotOpen, "channel closed")}}
	// directP2P mode falls back to onionRouter, which fails transiently too.
	onion := &fakeAdapter{name: transport.NameExternalOnion, errs: []error{coreerr.New(coreerr.RetryableSendFailure, "controller busy")}}
	r, store := newTestRouter(map[transport.Name]transport.Adapter{
		transport.NameDirectP2P:     direct,
		transport.NameExternalOnion: onion,
	})

	p := pkt.TransportPacket{ID: "m6", To: "peer", Payload: pkt.WrapText("hi")}
	_, err := r.Send(context.Background(), "conv1", p, Config{Mode: routectl.ModeDirectP2P})
	if err == nil {
		t.Fatalf("expected failure")
	}
	rec, ok, _ := store.Get("m6")
	if !ok {
		t.Fatalf("expected outbox record retained")
	}
	if rec.Status != outbox.StatusPending {
		t.Fatalf("expected record to remain pending for retry, got %s", rec.Status)
	}
	if rec.NextAttemptAtMs <= rec.CreatedAtMs {
		t.Fatalf("expected next attempt to be scheduled after creation")
	}
}

func TestPrewarmStartsChosenAndFallbacks(t *testing.T) {
	direct := &fakeAdapter{name: transport.NameDirectP2P}
	onion := &fakeAdapter{name: transport.NameExternalOnion}
	r, _ := newTestRouter(map[transport.Name]transport.Adapter{
		transport.NameDirectP2P:    direct,
		transport.NameExternalOnion: onion,
	})

	res := r.Prewarm(context.Background(), Config{Mode: routectl.ModeDirectP2P, AllowDirect: true})
	if res.Chosen != transport.NameDirectP2P {
		t.Fatalf("expected directP2P chosen, got %s", res.Chosen)
	}
	if len(res.Requested) != 2 || len(res.Failed) != 0 {
		t.Fatalf("expected both transports requested and started, got %+v", res)
	}
}
