// Package corectx is the CoreContext handle from Design Note 9: the
// process-wide state the original source kept in module-level
// variables (the sync-code registry, the pairing local bus, the set of
// outstanding onion-controller/rendezvous clients) collected into one
// struct constructed once at process start and threaded explicitly
// through the call graph. Tests construct their own Context instead of
// relying on package-level globals.
package corectx

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nyukop/nkc-core/onionclient"
	"github.com/nyukop/nkc-core/pairing"
	"github.com/nyukop/nkc-core/rendezvous"
)

// Context bundles the process-wide handles every core component that
// isn't purely per-conversation needs: the sync-code registry and local
// signalling bus backing the Pairing Core (C9), plus a cache of
// onion-controller and rendezvous clients keyed by base URL so repeated
// lookups reuse the same in-flight coalescing/polling state described in
// §4.2/§4.3 instead of constructing a fresh client (and a fresh poller)
// per call site.
type Context struct {
	Logger *slog.Logger

	SyncCodes *pairing.Registry
	Bus       *pairing.LocalBus

	mu          sync.Mutex
	onionByURL  map[string]*onionclient.Client
	rendezByURL map[string]*rendezvous.Client
}

// New constructs a Context with a fresh sync-code registry and local
// bus. logger may be nil to use slog.Default().
func New(logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		Logger:      logger,
		SyncCodes:   pairing.NewRegistry(time.Now),
		Bus:         pairing.NewLocalBus(),
		onionByURL:  make(map[string]*onionclient.Client),
		rendezByURL: make(map[string]*rendezvous.Client),
	}
}

// OnionClient returns the shared onionclient.Client for baseURL,
// constructing it on first use. Every caller in this process sharing
// baseURL shares the same coalescing/polling state.
func (c *Context) OnionClient(baseURL string) *onionclient.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onionClientLocked(baseURL)
}

// onionClientLocked is OnionClient's body without acquiring c.mu, for
// callers (RendezvousClient) that already hold it.
func (c *Context) onionClientLocked(baseURL string) *onionclient.Client {
	if baseURL == "" {
		baseURL = onionclient.DefaultBaseURL
	}
	cl, ok := c.onionByURL[baseURL]
	if !ok {
		cl = onionclient.New(baseURL, c.Logger)
		c.onionByURL[baseURL] = cl
	}
	return cl
}

// RendezvousClient returns the shared rendezvous.Client for baseURL,
// constructing it on first use. When useOnionProxy is true, requests are
// routed through the shared onion client's active SOCKS proxy (the same
// circuit the external onion transport forwards messages over) via an
// onionclient.ProxyFetcher, per §4.3; otherwise a plain *http.Client is
// used. The cache key includes useOnionProxy so the same baseURL never
// silently reuses a client built for the other mode.
func (c *Context) RendezvousClient(baseURL string, useOnionProxy bool) *rendezvous.Client {
	key := baseURL
	if useOnionProxy {
		key = "onion|" + baseURL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.rendezByURL[key]
	if !ok {
		var fetcher rendezvous.HTTPFetcher
		if useOnionProxy {
			fetcher = onionclient.NewProxyFetcher(c.onionClientLocked(""), 0)
		}
		cl = rendezvous.New(baseURL, fetcher, useOnionProxy)
		c.rendezByURL[key] = cl
	}
	return cl
}

// PairingManager builds a pairing.Manager sharing this Context's sync
// code registry and local bus, talking to the rendezvous server at
// baseURL.
func (c *Context) PairingManager(rendezvousBaseURL string, useOnionProxy bool) *pairing.Manager {
	return pairing.NewManager(c.SyncCodes, c.Bus, c.RendezvousClient(rendezvousBaseURL, useOnionProxy), c.Logger)
}

// SweepExpiredCodes removes expired sync codes; callers run this on an
// interval timer (e.g. once a minute) for the lifetime of the process.
func (c *Context) SweepExpiredCodes() {
	c.SyncCodes.Sweep()
}
