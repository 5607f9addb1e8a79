// Package redact strips IP literals out of log detail strings before they
// reach a slog handler, per the routing core's logging requirement that
// no detail string leak a peer's network address.
package redact

import "regexp"

var (
	ipv4Pattern = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`)
	// ipv6Pattern matches a conservative superset of IPv6 literals: groups
	// of 1-4 hex digits separated by colons, with at least two colons.
	ipv6Pattern = regexp.MustCompile(`\b(?:[0-9A-Fa-f]{1,4}:){2,7}[0-9A-Fa-f]{0,4}\b`)
)

const mask = "[redacted-ip]"

// String replaces any IPv4 or IPv6 literal found in s with a fixed mask.
func String(s string) string {
	s = ipv4Pattern.ReplaceAllString(s, mask)
	s = ipv6Pattern.ReplaceAllString(s, mask)
	return s
}

// Error wraps err's message through String, returning a plain error with
// the redacted text. If err is nil, Error returns nil.
func Error(err error) error {
	if err == nil {
		return nil
	}
	return &redacted{msg: String(err.Error())}
}

type redacted struct{ msg string }

func (r *redacted) Error() string { return r.msg }
