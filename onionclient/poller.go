package onionclient

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

const (
	pollBasePeriod   = 1 * time.Second
	pollMaxPeriod    = 8 * time.Second
	pollJitterMaxMs  = 250
	dedupWindowSize  = 500
)

// Subscription is returned by Subscribe; call Unsubscribe when the caller
// no longer needs inbox deliveries.
type Subscription struct {
	unsubscribe func()
}

// Unsubscribe removes this subscriber; the shared poller for this
// (baseUrl, deviceId) stops once its last subscriber leaves.
func (s *Subscription) Unsubscribe() { s.unsubscribe() }

// poller runs one continuous GET /onion/inbox loop shared by every
// subscriber of a given (baseUrl, deviceId). Each subscriber tracks its
// own cursor (afterTs) and dedup window — the poller fans the same raw
// page out to all subscribers and lets each compute its own next cursor
// (the per-subscriber resolution of the open "cursor merging" question).
type poller struct {
	client   *Client
	deviceID string

	mu          sync.Mutex
	subscribers map[int]*subscriberState
	nextSubID   int
	stopCh      chan struct{}
	started     bool
}

type subscriberState struct {
	handler func(InboxItem)
	after   int64
	seen    []string
	seenSet map[string]struct{}
}

func newSubscriberState(handler func(InboxItem), initialAfter int64) *subscriberState {
	return &subscriberState{handler: handler, after: initialAfter, seenSet: make(map[string]struct{})}
}

func (s *subscriberState) markAndFilter(items []InboxItem) []InboxItem {
	var fresh []InboxItem
	for _, it := range items {
		if _, dup := s.seenSet[it.ID]; dup {
			continue
		}
		fresh = append(fresh, it)
		s.seen = append(s.seen, it.ID)
		s.seenSet[it.ID] = struct{}{}
		if it.Ts > s.after {
			s.after = it.Ts
		}
	}
	if len(s.seen) > dedupWindowSize {
		drop := len(s.seen) - dedupWindowSize
		for _, id := range s.seen[:drop] {
			delete(s.seenSet, id)
		}
		s.seen = s.seen[drop:]
	}
	return fresh
}

// Subscribe registers handler for inbox deliveries on deviceID, starting
// (or joining) the shared poller for (c.BaseURL, deviceID).
func (c *Client) Subscribe(deviceID string, initialAfter int64, handler func(InboxItem)) *Subscription {
	c.pollersMu.Lock()
	p, ok := c.pollers[deviceID]
	if !ok {
		p = &poller{client: c, deviceID: deviceID, subscribers: make(map[int]*subscriberState)}
		c.pollers[deviceID] = p
	}
	c.pollersMu.Unlock()

	p.mu.Lock()
	id := p.nextSubID
	p.nextSubID++
	p.subscribers[id] = newSubscriberState(handler, initialAfter)
	needStart := !p.started
	if needStart {
		p.started = true
		p.stopCh = make(chan struct{})
	}
	p.mu.Unlock()

	if needStart {
		go p.run()
	}

	return &Subscription{unsubscribe: func() {
		p.mu.Lock()
		delete(p.subscribers, id)
		empty := len(p.subscribers) == 0
		var stop chan struct{}
		if empty && p.started {
			p.started = false
			stop = p.stopCh
		}
		p.mu.Unlock()
		if stop != nil {
			close(stop)
			c.pollersMu.Lock()
			if cur, ok := c.pollers[deviceID]; ok && cur == p {
				delete(c.pollers, deviceID)
			}
			c.pollersMu.Unlock()
		}
	}}
}

func (p *poller) run() {
	failures := 0
	for {
		p.mu.Lock()
		stop := p.stopCh
		p.mu.Unlock()

		select {
		case <-stop:
			return
		default:
		}

		delay := pollBasePeriod
		if failures > 0 {
			backoff := pollBasePeriod * time.Duration(1<<uint(failures))
			if backoff > pollMaxPeriod {
				backoff = pollMaxPeriod
			}
			delay = backoff
		}
		jitter := time.Duration(rand.Intn(pollJitterMaxMs+1)) * time.Millisecond
		timer := time.NewTimer(delay + jitter)

		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		p.mu.Lock()
		if len(p.subscribers) == 0 {
			p.mu.Unlock()
			return
		}
		// Poll using the earliest subscriber cursor so nobody misses items.
		var minAfter int64 = -1
		for _, s := range p.subscribers {
			if minAfter == -1 || s.after < minAfter {
				minAfter = s.after
			}
		}
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		resp, err := p.client.InboxOnce(ctx, p.deviceID, minAfter, 50)
		cancel()
		if err != nil {
			failures++
			continue
		}
		failures = 0

		type delivery struct {
			handler func(InboxItem)
			items   []InboxItem
		}
		p.mu.Lock()
		deliveries := make([]delivery, 0, len(p.subscribers))
		for _, s := range p.subscribers {
			fresh := s.markAndFilter(resp.Items)
			if len(fresh) > 0 {
				deliveries = append(deliveries, delivery{handler: s.handler, items: fresh})
			}
		}
		p.mu.Unlock()

		for _, d := range deliveries {
			for _, item := range d.items {
				d.handler(item)
			}
		}
	}
}
