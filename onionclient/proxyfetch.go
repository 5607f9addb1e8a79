package onionclient

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/nyukop/nkc-core/coreerr"
)

// ProxyFetcher implements rendezvous.HTTPFetcher by routing requests
// through the local onion controller's active SOCKS proxy instead of the
// clearnet, the same circuit the external onion transport forwards
// messages over (§4.1). This is what backs rendezvous.Client's
// useOnionProxy=true path (§4.3): the rendezvous bulletin board is an
// ordinary HTTPS server, but requests to it are dialed through Tor (or
// Lokinet) rather than directly.
type ProxyFetcher struct {
	Client  *Client
	Timeout time.Duration

	mu   sync.Mutex
	http *http.Client
}

// NewProxyFetcher builds a ProxyFetcher bound to client. The SOCKS
// address is resolved from client.Health lazily, on the first Do call,
// and cached; call Reset after a reported circuit change to force
// re-resolution.
func NewProxyFetcher(client *Client, timeout time.Duration) *ProxyFetcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &ProxyFetcher{Client: client, Timeout: timeout}
}

// Do implements rendezvous.HTTPFetcher.
func (f *ProxyFetcher) Do(req *http.Request) (*http.Response, error) {
	hc, err := f.httpClient(req.Context())
	if err != nil {
		return nil, err
	}
	return hc.Do(req)
}

func (f *ProxyFetcher) httpClient(ctx context.Context) (*http.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.http != nil {
		return f.http, nil
	}

	health, err := f.Client.Health(ctx)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ForwardFailed, "resolve onion proxy for rendezvous", err).WithDetails("no_proxy")
	}
	addr := activeSocksAddr(health)
	if addr == "" {
		return nil, coreerr.New(coreerr.ForwardFailed, "no active onion SOCKS proxy").WithDetails("no_proxy")
	}

	dialer, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ForwardFailed, "build SOCKS dialer", err).WithDetails("proxy_unreachable")
	}
	contextDialer, _ := dialer.(proxy.ContextDialer)

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			if contextDialer != nil {
				return contextDialer.DialContext(ctx, network, address)
			}
			return dialer.Dial(network, address)
		},
	}
	f.http = &http.Client{Transport: transport, Timeout: f.Timeout}
	return f.http, nil
}

// Reset discards the cached proxied http.Client, forcing the next Do to
// re-resolve the SOCKS address from a fresh Health call.
func (f *ProxyFetcher) Reset() {
	f.mu.Lock()
	f.http = nil
	f.mu.Unlock()
}

func activeSocksAddr(h Health) string {
	if h.Tor != nil && h.Tor.Active && h.Tor.SocksProxy != "" {
		return h.Tor.SocksProxy
	}
	if h.Lokinet != nil && h.Lokinet.Active && h.Lokinet.SocksProxy != "" {
		return h.Lokinet.SocksProxy
	}
	return ""
}
