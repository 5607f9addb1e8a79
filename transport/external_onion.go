package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nyukop/nkc-core/coreerr"
	"github.com/nyukop/nkc-core/onionclient"
	"github.com/nyukop/nkc-core/pkt"
)

// sendRetryDelays are the delays between external-onion send retries.
var sendRetryDelays = []time.Duration{0, 250 * time.Millisecond, 700 * time.Millisecond}

// OnionController is the subset of *onionclient.Client this adapter
// depends on, narrowed to an interface for testability.
type OnionController interface {
	Send(ctx context.Context, req onionclient.SendRequest) (onionclient.SendResponse, error)
	Subscribe(deviceID string, initialAfter int64, handler func(onionclient.InboxItem)) *onionclient.Subscription
	Health(ctx context.Context) (onionclient.Health, error)
}

// ProxyResync is invoked between send retries when the last error
// indicates the local controller's forward proxy needs re-syncing.
type ProxyResync func(ctx context.Context) error

// ExternalOnionAdapter wraps the Onion Inbox Client (C2) as a transport.
type ExternalOnionAdapter struct {
	*observers

	Controller   OnionController
	FromDeviceID string
	ResyncProxy  ProxyResync
	Logger       *slog.Logger

	sub *onionclient.Subscription
}

// NewExternalOnionAdapter constructs an ExternalOnionAdapter.
func NewExternalOnionAdapter(controller OnionController, fromDeviceID string, resync ProxyResync, logger *slog.Logger) *ExternalOnionAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExternalOnionAdapter{
		observers:    newObservers(),
		Controller:   controller,
		FromDeviceID: fromDeviceID,
		ResyncProxy:  resync,
		Logger:       logger,
	}
}

func (a *ExternalOnionAdapter) Name() Name { return NameExternalOnion }

func (a *ExternalOnionAdapter) Start(ctx context.Context) error {
	if a.State() == StateConnected || a.State() == StateConnecting {
		return nil
	}
	a.setState(StateConnecting)
	if _, err := a.Controller.Health(ctx); err != nil {
		a.setState(StateFailed)
		return coreerr.Wrap(coreerr.TorNotReady, "onion controller health check failed", err)
	}
	a.sub = a.Controller.Subscribe(a.FromDeviceID, time.Now().UnixMilli(), a.handleInboundItem)
	a.setState(StateConnected)
	return nil
}

func (a *ExternalOnionAdapter) Stop() {
	if a.sub != nil {
		a.sub.Unsubscribe()
		a.sub = nil
	}
	a.setState(StateIdle)
}

// Send transmits via the onion controller, retrying per §4.1's delay
// table and re-syncing the forward proxy between attempts when the
// previous error was proxy_unreachable or no_proxy.
func (a *ExternalOnionAdapter) Send(ctx context.Context, p pkt.TransportPacket) error {
	if p.To == "" && (p.Route == nil || p.Route.ToDeviceID == "") {
		return coreerr.New(coreerr.FatalMisconfig, "external onion send missing destination")
	}
	toDevice := p.To
	if toDevice == "" {
		toDevice = p.Route.ToDeviceID
	}

	env, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("external onion adapter: encode packet: %w", err)
	}

	var lastErr error
	for attempt, delay := range sendRetryDelays {
		if attempt > 0 {
			if shouldResync(lastErr) && a.ResyncProxy != nil {
				_ = a.ResyncProxy(ctx)
			}
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return coreerr.Wrap(coreerr.AbortedParent, "external onion send cancelled", ctx.Err())
			}
		}

		req := onionclient.SendRequest{
			ToDeviceID:   toDevice,
			FromDeviceID: a.FromDeviceID,
			Envelope:     onionclient.EncodeEnvelope(env),
		}
		if p.Route != nil {
			req.Route = p.Route
		}
		_, sendErr := a.Controller.Send(ctx, req)
		if sendErr == nil {
			return nil
		}
		lastErr = sendErr
		if !isTorRouteError(sendErr) && attempt == 0 {
			// A FATAL_MISCONFIG on the first attempt gains nothing from a
			// same-shaped retry; surface it immediately. Every other error
			// goes on through the remaining delays.
			var ce *coreerr.Error
			if coreerr.As(sendErr, &ce) && ce.Kind == coreerr.FatalMisconfig {
				return sendErr
			}
		}
	}
	return lastErr
}

func isTorRouteError(err error) bool {
	var ce *coreerr.Error
	return coreerr.As(err, &ce) && ce.Kind == coreerr.ForwardFailed
}

func shouldResync(err error) bool {
	var ce *coreerr.Error
	if !coreerr.As(err, &ce) {
		return false
	}
	return ce.Details == "proxy_unreachable" || ce.Details == "no_proxy"
}

func (a *ExternalOnionAdapter) handleInboundItem(item onionclient.InboxItem) {
	raw, err := onionclient.DecodeEnvelope(item.Envelope)
	if err != nil {
		a.Logger.Warn("external onion adapter: failed to decode inbound envelope", "error", err)
		return
	}
	var p pkt.TransportPacket
	if err := json.Unmarshal(raw, &p); err != nil {
		a.Logger.Warn("external onion adapter: failed to decode inbound packet", "error", err)
		return
	}
	a.emitMessage(p)
}
