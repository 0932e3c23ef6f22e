// Package webhook is the HTTP boundary for BBB webhook deliveries.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

var (
	ErrIPNotAllowed     = errors.New("client ip not allowed")
	ErrInvalidSignature = errors.New("invalid signature")
)

// AuthError is a rejected delivery. Status is the HTTP status to answer with.
type AuthError struct {
	Status int
	Err    error
}

func (e *AuthError) Error() string { return fmt.Sprintf("webhook auth: %v", e.Err) }

func (e *AuthError) Unwrap() error { return e.Err }

// Verifier checks the source address and body signature of a delivery.
type Verifier struct {
	secret  []byte
	allowed addrSet
	proxies addrSet
}

// addrSet matches single addresses and CIDR ranges.
type addrSet struct {
	ips  map[string]struct{}
	nets []*net.IPNet
}

func parseAddrSet(kind string, entries []string) (addrSet, error) {
	set := addrSet{ips: make(map[string]struct{})}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, n, err := net.ParseCIDR(entry)
			if err != nil {
				return set, fmt.Errorf("%s %q: %w", kind, entry, err)
			}
			set.nets = append(set.nets, n)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return set, fmt.Errorf("%s %q: not an address", kind, entry)
		}
		set.ips[ip.String()] = struct{}{}
	}
	return set, nil
}

func (s addrSet) empty() bool { return len(s.ips) == 0 && len(s.nets) == 0 }

func (s addrSet) contains(addr string) bool {
	ip := net.ParseIP(strings.TrimSpace(addr))
	if ip == nil {
		return false
	}
	if _, ok := s.ips[ip.String()]; ok {
		return true
	}
	for _, n := range s.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// NewVerifier builds a verifier. An empty secret disables signature checks; an empty allow-list admits every address.
// Allow-list and proxy entries are single addresses or CIDR ranges. X-Forwarded-For is only read
// when the peer is one of trustedProxies.
func NewVerifier(secret string, allowedIPs, trustedProxies []string) (*Verifier, error) {
	allowed, err := parseAddrSet("allowed ip", allowedIPs)
	if err != nil {
		return nil, err
	}
	proxies, err := parseAddrSet("trusted proxy", trustedProxies)
	if err != nil {
		return nil, err
	}
	return &Verifier{secret: []byte(secret), allowed: allowed, proxies: proxies}, nil
}

// ClientAddr resolves the delivering address from the TCP peer. Forwarded entries are walked
// right to left past trusted proxies; a peer that is not a trusted proxy is the client itself.
func (v *Verifier) ClientAddr(peer, forwardedFor string) string {
	if v.proxies.empty() || !v.proxies.contains(peer) || forwardedFor == "" {
		return peer
	}
	hops := strings.Split(forwardedFor, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if net.ParseIP(hop) == nil {
			return peer
		}
		if !v.proxies.contains(hop) {
			return hop
		}
	}
	return strings.TrimSpace(hops[0])
}

// CheckIP returns a 403 *AuthError when the address is not on the allow-list.
func (v *Verifier) CheckIP(addr string) error {
	if v.allowed.empty() || v.allowed.contains(addr) {
		return nil
	}
	return &AuthError{Status: http.StatusForbidden, Err: ErrIPNotAllowed}
}

// CheckSignature compares the hex HMAC-SHA256 of body with signature in constant time.
func (v *Verifier) CheckSignature(body []byte, signature string) error {
	if len(v.secret) == 0 {
		return nil
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || !hmac.Equal(got, Sign(v.secret, body)) {
		return &AuthError{Status: http.StatusUnauthorized, Err: ErrInvalidSignature}
	}
	return nil
}

// Sign returns the raw HMAC-SHA256 of body.
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}
