// Package router implements the Router (C7): given a message and the
// current network policy, it picks a transport, persists an outbox
// record before the first attempt, walks the §4.7 fallback ladder on
// failure, and reports outcomes to the Route Controller.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nyukop/nkc-core/coreerr"
	"github.com/nyukop/nkc-core/outbox"
	"github.com/nyukop/nkc-core/pkt"
	"github.com/nyukop/nkc-core/redact"
	"github.com/nyukop/nkc-core/routectl"
	"github.com/nyukop/nkc-core/transport"
)

// maxFallbackHops bounds the fallback walk so a pathological error
// sequence (e.g. onionRouter -> selfOnion -> directP2P -> onionRouter)
// can't loop forever; the §4.7 ladder never legitimately needs more than
// four attempts.
const maxFallbackHops = 4

// Config is the subset of NetConfig the Router reads, plus the
// per-send AllowDirect flag (false for device-to-device sends that must
// never fall through to a direct data channel).
type Config struct {
	Mode               routectl.Mode
	OnionEnabled       bool
	SelfOnionEnabled   bool
	SelfOnionMinRelays int
	AllowDirect        bool
	TTLMs              int64
}

func (c Config) routeCtlConfig() routectl.Config {
	return routectl.Config{
		Mode:               c.Mode,
		SelfOnionEnabled:   c.SelfOnionEnabled,
		SelfOnionMinRelays: c.SelfOnionMinRelays,
	}
}

// Result is returned by Send and reports which transport ultimately
// carried (or failed to carry) the message.
type Result struct {
	OK        bool
	Transport transport.Name
	Attempted []transport.Name
	Err       error
}

// PrewarmResult is returned by Prewarm.
type PrewarmResult struct {
	Chosen    transport.Name
	Requested []transport.Name
	Started   []transport.Name
	Failed    []transport.Name
}

// Router selects a transport per send, persists the outbox record
// before the first attempt, and walks the fallback ladder on failure.
type Router struct {
	Adapters map[transport.Name]transport.Adapter
	Store    outbox.Store
	RouteCtl *routectl.Controller
	Logger   *slog.Logger

	nowFn func() time.Time
}

// New constructs a Router. adapters must contain an entry for every
// transport.Name the configured policies can select; a missing entry is
// treated as a FATAL_MISCONFIG at send time rather than a constructor
// error, since which names are reachable depends on per-send Config.
func New(adapters map[transport.Name]transport.Adapter, store outbox.Store, routeCtl *routectl.Controller, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		Adapters: adapters,
		Store:    store,
		RouteCtl: routeCtl,
		Logger:   logger,
		nowFn:    time.Now,
	}
}

func (r *Router) now() time.Time {
	if r.nowFn != nil {
		return r.nowFn()
	}
	return time.Now()
}

// choosePrimary applies the §4.7 step 2 policy table.
func (r *Router) choosePrimary(cfg Config) transport.Name {
	switch {
	case cfg.OnionEnabled:
		return transport.NameExternalOnion
	case cfg.Mode == routectl.ModeOnionRouter:
		return transport.NameExternalOnion
	case cfg.Mode == routectl.ModeSelfOnion:
		return transport.NameBuiltinOnion
	default:
		return decisionToName(r.RouteCtl.Decide(cfg.routeCtlConfig()))
	}
}

func decisionToName(d routectl.Decision) transport.Name {
	switch d {
	case routectl.DecisionOnionRouter:
		return transport.NameExternalOnion
	case routectl.DecisionSelfOnion:
		return transport.NameBuiltinOnion
	default:
		return transport.NameDirectP2P
	}
}

// Send persists an outbox record for p under convID, then attempts
// delivery through the primary transport and its permitted fallbacks in
// turn, reporting the outcome to the Route Controller.
func (r *Router) Send(ctx context.Context, convID string, p pkt.TransportPacket, cfg Config) (Result, error) {
	primary := r.choosePrimary(cfg)

	nowMs := r.now().UnixMilli()
	ttl := cfg.TTLMs
	if ttl <= 0 {
		ttl = 14 * 24 * 60 * 60 * 1000 // 14 days, matches a durable-queue default retention
	}
	rec := outbox.Record{
		ID:              p.ID,
		ConvID:          convID,
		Ciphertext:      payloadBytes(p.Payload),
		ToDeviceID:      p.To,
		CreatedAtMs:     nowMs,
		ExpiresAtMs:     nowMs + ttl,
		NextAttemptAtMs: nowMs,
		Status:          outbox.StatusPending,
	}
	if err := r.Store.PutOutbox(rec); err != nil {
		return Result{}, fmt.Errorf("router: persist outbox record: %w", err)
	}

	attempted := make([]transport.Name, 0, maxFallbackHops)
	cur := primary
	viaOnionRouterFailure := false
	triedSelfOnionRetry := false
	var lastErr error

	for step := 0; step < maxFallbackHops; step++ {
		attempted = append(attempted, cur)
		adapter, ok := r.Adapters[cur]
		if !ok {
			lastErr = coreerr.New(coreerr.FatalMisconfig, fmt.Sprintf("no adapter registered for transport %q", cur))
			break
		}

		start := r.now()
		sendErr := adapter.Send(ctx, p)
		if sendErr == nil {
			elapsed := r.now().Sub(start)
			r.RouteCtl.ReportAck(elapsed.Milliseconds())
			if err := r.Store.DeleteOutbox(rec.ID); err != nil {
				r.Logger.Warn("router: delete acked outbox record failed", "error", redact.Error(err))
			}
			return Result{OK: true, Transport: cur, Attempted: attempted}, nil
		}
		lastErr = sendErr

		if coreerr.Is(sendErr, coreerr.FatalMisconfig) {
			break
		}

		hadOnionRouterFailure := viaOnionRouterFailure
		next, again := r.fallbackFrom(cur, cfg, sendErr, &viaOnionRouterFailure, &triedSelfOnionRetry)
		if !again {
			// §4.7 step 4's last bullet: INTERNAL_ONION_NOT_READY from
			// selfOnion, reached as a fallback from onionRouter, with no
			// permitted direct fallback, surfaces as a retryable send
			// failure rather than the raw transport-precondition error —
			// the outbox defer (below) still applies either way.
			if cur == transport.NameBuiltinOnion && hadOnionRouterFailure && !cfg.AllowDirect {
				lastErr = coreerr.Wrap(coreerr.RetryableSendFailure, "builtin onion not ready and no direct fallback permitted", lastErr)
			}
			break
		}
		cur = next
	}

	kind := failureKind(lastErr)
	r.RouteCtl.ReportSendFail(string(kind))
	retryable := !coreerr.Is(lastErr, coreerr.FatalMisconfig)
	r.recordFailure(rec.ID, lastErr, retryable)

	return Result{OK: false, Transport: cur, Attempted: attempted, Err: lastErr}, lastErr
}

// fallbackFrom implements the §4.7 step 4 ladder. viaOnionRouterFailure
// and triedSelfOnionRetry carry state across hops so the two distinct
// "arrived at selfOnion" paths (as a fallback from onionRouter, vs. as
// the configured primary) resolve to their own next hop.
func (r *Router) fallbackFrom(cur transport.Name, cfg Config, err error, viaOnionRouterFailure, triedSelfOnionRetry *bool) (transport.Name, bool) {
	switch cur {
	case transport.NameDirectP2P:
		if cfg.Mode == routectl.ModeDirectP2P {
			return transport.NameExternalOnion, true
		}
		return "", false

	case transport.NameExternalOnion:
		reason := forwardFailedReason(err)
		switch reason {
		case "no_route_target":
			return transport.NameDirectP2P, true
		case "no_route", "proxy_unreachable":
			*viaOnionRouterFailure = true
			return transport.NameBuiltinOnion, true
		}
		if coreerr.Is(err, coreerr.AbortedTimeout) || coreerr.Is(err, coreerr.AbortedParent) {
			*viaOnionRouterFailure = true
			return transport.NameBuiltinOnion, true
		}
		return "", false

	case transport.NameBuiltinOnion:
		if *viaOnionRouterFailure {
			*viaOnionRouterFailure = false
			if cfg.AllowDirect {
				return transport.NameDirectP2P, true
			}
			return "", false
		}
		if cfg.Mode == routectl.ModeSelfOnion && !*triedSelfOnionRetry {
			*triedSelfOnionRetry = true
			return transport.NameExternalOnion, true
		}
		return "", false
	}
	return "", false
}

func (r *Router) recordFailure(id string, err error, retryable bool) {
	status := outbox.StatusPending
	nextAttempt := r.now().Add(30 * time.Second).UnixMilli()
	msg := redactedErrString(err)
	patch := outbox.Patch{LastError: &msg}
	if retryable {
		patch.Status = &status
		patch.NextAttemptAtMs = &nextAttempt
	} else {
		expired := outbox.StatusExpired
		patch.Status = &expired
	}
	if updErr := r.Store.UpdateOutbox(id, patch); updErr != nil {
		r.Logger.Warn("router: record send failure on outbox entry", "id", id, "error", redact.Error(updErr))
	}
}

// Prewarm starts the chosen transport plus its structurally reachable
// fallbacks in parallel, per §4.7 step 7, and reports which ones came up.
func (r *Router) Prewarm(ctx context.Context, cfg Config) PrewarmResult {
	chosen := r.choosePrimary(cfg)
	requested := reachableFrom(chosen, cfg)

	var (
		mu      sync.Mutex
		started []transport.Name
		failed  []transport.Name
		wg      sync.WaitGroup
	)
	for _, name := range requested {
		adapter, ok := r.Adapters[name]
		if !ok {
			mu.Lock()
			failed = append(failed, name)
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(name transport.Name, a transport.Adapter) {
			defer wg.Done()
			err := a.Start(ctx)
			mu.Lock()
			if err != nil {
				failed = append(failed, name)
			} else {
				started = append(started, name)
			}
			mu.Unlock()
		}(name, adapter)
	}
	wg.Wait()

	return PrewarmResult{Chosen: chosen, Requested: requested, Started: started, Failed: failed}
}

// reachableFrom statically enumerates the transports the fallback ladder
// could reach from primary, without attempting any send.
func reachableFrom(primary transport.Name, cfg Config) []transport.Name {
	set := map[transport.Name]bool{primary: true}
	switch primary {
	case transport.NameDirectP2P:
		if cfg.Mode == routectl.ModeDirectP2P {
			set[transport.NameExternalOnion] = true
		}
	case transport.NameExternalOnion:
		set[transport.NameDirectP2P] = true
		set[transport.NameBuiltinOnion] = true
		if cfg.AllowDirect {
			set[transport.NameDirectP2P] = true
		}
	case transport.NameBuiltinOnion:
		set[transport.NameExternalOnion] = true
		if cfg.AllowDirect {
			set[transport.NameDirectP2P] = true
		}
	}
	out := make([]transport.Name, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	return out
}

func forwardFailedReason(err error) string {
	var ce *coreerr.Error
	if !coreerr.As(err, &ce) || ce.Kind != coreerr.ForwardFailed {
		return ""
	}
	return ce.Details
}

func failureKind(err error) coreerr.Kind {
	var ce *coreerr.Error
	if coreerr.As(err, &ce) {
		return ce.Kind
	}
	return coreerr.RetryableSendFailure
}

func redactedErrString(err error) string {
	if err == nil {
		return ""
	}
	return redact.Error(err).Error()
}

func payloadBytes(p pkt.Payload) []byte {
	if p.IsB64 {
		return p.Bytes
	}
	return []byte(p.Text)
}
