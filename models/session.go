package models

import (
	"slices"
	"strings"
	"time"
)

const (
	// SessionCodeLength is the number of symbols in a session code.
	SessionCodeLength = 8
	// SessionCodeAlphabet is the 36-symbol alphabet codes are drawn from.
	SessionCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	// MaxMembersPerSession is the hard member cap of a session. Configuration
	// may lower it, never raise it.
	MaxMembersPerSession = 64
)

// Session is one ephemeral, code-addressed chat room. Nothing in it is ever
// written to disk; it lives until its last member leaves or it idles out.
//
// Sessions are owned by the relay's event loop and are not safe for
// concurrent use.
type Session struct {
	Code           string
	CreatedAt      time.Time
	LastActivityAt time.Time
	// AdminID is the connection id of the single admin, or "" once the
	// admin has left without transferring the role.
	AdminID string
	Members map[string]*Member
	Banned  map[string]BanRecord
	// PublicKeys holds ephemeral keys members chose to share for the
	// optional key-exchange relay. Not needed for correctness.
	PublicKeys map[string]string
}

// NewSession returns an empty session created at now.
func NewSession(code string, now time.Time) *Session {
	return &Session{
		Code:           code,
		CreatedAt:      now,
		LastActivityAt: now,
		Members:        make(map[string]*Member),
		Banned:         make(map[string]BanRecord),
		PublicKeys:     make(map[string]string),
	}
}

// MemberCount returns |Members|.
func (s *Session) MemberCount() int {
	return len(s.Members)
}

// IsAdmin reports whether connID is the session's admin.
func (s *Session) IsAdmin(connID string) bool {
	return connID != "" && s.AdminID == connID
}

// HasMember reports whether connID is a member.
func (s *Session) HasMember(connID string) bool {
	_, ok := s.Members[connID]
	return ok
}

// MemberIDs returns every member connection id except the ones in except.
func (s *Session) MemberIDs(except ...string) []string {
	ids := make([]string, 0, len(s.Members))
	for id := range s.Members {
		if slices.Contains(except, id) {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Snapshot returns the members in join order.
func (s *Session) Snapshot() []MemberView {
	views := make([]MemberView, 0, len(s.Members))
	for _, m := range s.Members {
		views = append(views, m.View())
	}
	slices.SortFunc(views, func(a, b MemberView) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return views
}

// BanList returns the ban records ordered by ban time.
func (s *Session) BanList() []BanRecord {
	list := make([]BanRecord, 0, len(s.Banned))
	for _, b := range s.Banned {
		list = append(list, b)
	}
	slices.SortFunc(list, func(a, b BanRecord) int {
		if c := a.BannedAt.Compare(b.BannedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Address, b.Address)
	})
	return list
}

// KnownPublicKeys returns a copy of the shared public keys.
func (s *Session) KnownPublicKeys() map[string]string {
	keys := make(map[string]string, len(s.PublicKeys))
	for id, k := range s.PublicKeys {
		keys[id] = k
	}
	return keys
}

// CanonicalCode normalizes a client-supplied session code. ok is false when
// raw cannot be a valid code; callers treat that exactly like an unknown
// code.
func CanonicalCode(raw string) (code string, ok bool) {
	code = strings.ToUpper(strings.TrimSpace(raw))
	if len(code) != SessionCodeLength {
		return "", false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(SessionCodeAlphabet, code[i]) < 0 {
			return "", false
		}
	}
	return code, true
}

// SessionInfo is what a creator or joiner gets back.
type SessionInfo struct {
	Code       string            `json:"code"`
	Nickname   string            `json:"nickname"`
	SelfID     string            `json:"selfId"`
	AdminID    string            `json:"adminId"`
	Members    []MemberView      `json:"members"`
	PublicKeys map[string]string `json:"publicKeys,omitempty"`
}
