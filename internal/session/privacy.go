package session

import (
	"crypto/sha256"
	"fmt"
	"net"
)

// PrivacyFilter masks identifying fields of session state before it is
// broadcast to observers. The zero value is a no-op filter.
type PrivacyFilter struct {
	MaskUsers       bool
	MaskSessionIDs  bool
	MaskRemoteAddrs bool
}

// Apply returns a copy of the session state with sensitive fields masked
// according to the filter configuration. The original state is never modified.
func (f *PrivacyFilter) Apply(s *SessionState) *SessionState {
	masked := s.Clone()

	if f.MaskUsers && masked.User != "" {
		masked.User = "user-" + shortHash(masked.User)
	}

	if f.MaskSessionIDs && masked.ID != "" {
		masked.ID = shortHash(masked.ID)
	}

	if f.MaskRemoteAddrs && masked.RemoteAddr != "" {
		masked.RemoteAddr = maskAddr(masked.RemoteAddr)
	}

	return masked
}

// FilterSlice returns a new slice with masking applied to each session. The
// original slice is not modified.
func (f *PrivacyFilter) FilterSlice(sessions []*SessionState) []*SessionState {
	result := make([]*SessionState, 0, len(sessions))
	for _, s := range sessions {
		result = append(result, f.Apply(s))
	}
	return result
}

// MaskID masks a bare session id the same way Apply does.
func (f *PrivacyFilter) MaskID(id string) string {
	if f.MaskSessionIDs && id != "" {
		return shortHash(id)
	}
	return id
}

// IsNoop reports whether the filter does nothing.
func (f *PrivacyFilter) IsNoop() bool {
	return !f.MaskUsers && !f.MaskSessionIDs && !f.MaskRemoteAddrs
}

// maskAddr drops the port and the host part of an address, keeping only
// enough to tell loopback and private networks apart.
func maskAddr(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip := net.ParseIP(host)
	switch {
	case ip == nil:
		return "redacted"
	case ip.IsLoopback():
		return "loopback"
	case ip.To4() != nil:
		return ip.Mask(net.CIDRMask(24, 32)).String() + "/24"
	default:
		return ip.Mask(net.CIDRMask(48, 128)).String() + "/48"
	}
}

// shortHash returns a truncated SHA-256 hex digest for an opaque identifier.
func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:6])
}
