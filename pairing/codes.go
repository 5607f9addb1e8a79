// Package pairing implements the Pairing Core (C9): sync-code issuance
// and rendezvous-mediated WebRTC offer/answer exchange between a host
// device (the one already signed in) and a guest device scanning the
// code.
package pairing

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"
)

// crockfordAlphabet is the restricted base32 alphabet used by sync
// codes, matching the teacher's own base32 onion-address encoding
// (onion/address.go) but with the visually ambiguous letters I and O and
// digits 0 and 1 removed.
const crockfordAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CodePrefix and CodePrefixShort are the two accepted sync-code forms:
// the full device-pairing code and the rendezvous-only short form.
const (
	CodePrefix      = "NKC-SYNC-"
	CodePrefixShort = "NKC-SYNC1-"
)

// DefaultTTL is the lifetime of an issued sync code before it expires
// unused.
const DefaultTTL = 10 * time.Minute

// GenerateCode produces a full sync code "NKC-SYNC-XXXX-XXXX": 5 random
// bytes (40 bits) encoded as 8 crockford-base32 characters, split 4+4.
func GenerateCode() (string, error) {
	var b [5]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("pairing: generate code: %w", err)
	}
	val := uint64(b[0])<<32 | uint64(b[1])<<24 | uint64(b[2])<<16 | uint64(b[3])<<8 | uint64(b[4])
	chars := make([]byte, 8)
	for i := 0; i < 8; i++ {
		shift := uint(5 * (7 - i))
		chars[i] = crockfordAlphabet[(val>>shift)&0x1f]
	}
	return fmt.Sprintf("%s%s-%s", CodePrefix, chars[:4], chars[4:]), nil
}

// GenerateShortCode produces the rendezvous-only short form
// "NKC-SYNC1-XXXXXX": 4 random bytes (32 bits), the top 30 bits encoded
// as 6 crockford-base32 characters.
func GenerateShortCode() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("pairing: generate short code: %w", err)
	}
	val := uint64(b[0])<<24 | uint64(b[1])<<16 | uint64(b[2])<<8 | uint64(b[3])
	val >>= 2 // keep the top 30 of 32 bits
	chars := make([]byte, 6)
	for i := 0; i < 6; i++ {
		shift := uint(5 * (5 - i))
		chars[i] = crockfordAlphabet[(val>>shift)&0x1f]
	}
	return CodePrefixShort + string(chars), nil
}

// NormalizeCode upper-cases and trims surrounding whitespace so codes typed by hand
// or scanned from slightly different casings still match, matching the
// teacher's own address.go normalization (strings.ToLower/TrimSuffix).
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// State is the issuing device's view of one outstanding sync code.
type State struct {
	Code      string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Used      bool
}

// Expired reports whether the code's TTL has elapsed as of now.
func (s State) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Registry is the process-wide sync-code table: issuance and the
// single-use check-and-set. Per Design Note 9 this is owned by a
// CoreContext handle (see corectx.Context) rather than a package-level
// global.
type Registry struct {
	mu    sync.Mutex
	codes map[string]*State
	now   func() time.Time
}

// NewRegistry constructs an empty Registry. now defaults to time.Now;
// tests may inject a fixed clock.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{codes: make(map[string]*State), now: now}
}

// Issue generates and stores a new full-form sync code with DefaultTTL.
func (r *Registry) Issue() (State, error) {
	code, err := GenerateCode()
	if err != nil {
		return State{}, err
	}
	return r.issueRaw(code), nil
}

// IssueShort generates and stores a new rendezvous-only short code.
func (r *Registry) IssueShort() (State, error) {
	code, err := GenerateShortCode()
	if err != nil {
		return State{}, err
	}
	return r.issueRaw(code), nil
}

func (r *Registry) issueRaw(code string) State {
	now := r.now()
	s := &State{Code: code, IssuedAt: now, ExpiresAt: now.Add(DefaultTTL)}
	r.mu.Lock()
	r.codes[code] = s
	r.mu.Unlock()
	return *s
}

// ErrCodeUnknown reports a sync code this registry never issued.
var (
	ErrCodeUnknown = fmt.Errorf("pairing: unknown sync code")
)

// Consume performs the atomic single-use check-and-set a concurrent
// PAIR_REQ race relies on: of N concurrent callers for the same code,
// exactly one observes ok=true. Grounded on the teacher's
// link.ClaimCircID claim-under-mutex pattern.
func (r *Registry) Consume(code string) (state State, expired bool, alreadyUsed bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, found := r.codes[code]
	if !found {
		return State{}, false, false, false
	}
	if s.Expired(r.now()) {
		return *s, true, false, false
	}
	if s.Used {
		return *s, false, true, false
	}
	s.Used = true
	return *s, false, false, true
}

// Peek returns the current state of code without consuming it, for
// diagnostics/UI display of remaining TTL.
func (r *Registry) Peek(code string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.codes[code]
	if !ok {
		return State{}, false
	}
	return *s, true
}

// Sweep removes expired codes; callers run this on a timer.
func (r *Registry) Sweep() {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for code, s := range r.codes {
		if s.Expired(now) {
			delete(r.codes, code)
		}
	}
}
