package services

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/hirachand04/p2pchat/models"
	"github.com/hirachand04/p2pchat/pkg"
)

// maxCodeAttempts bounds collision retries when drawing a session code.
const maxCodeAttempts = 32

// CodeGenerator draws a candidate session code.
type CodeGenerator func() (string, error)

// RegistryConfig bounds a SessionRegistry.
type RegistryConfig struct {
	MaxSessions int
	MaxMembers  int
	IdleTimeout time.Duration
}

// DefaultRegistryConfig: 10000 sessions, 64 members each, 15 minutes idle.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		MaxSessions: 10000,
		MaxMembers:  models.MaxMembersPerSession,
		IdleTimeout: 15 * time.Minute,
	}
}

// SessionRegistry owns every live session and the connection → session
// index. It is not safe for concurrent use: the relay's event loop is its
// only caller.
//
// A session exists only while it has members. Removing the last member
// deletes it on the spot, and CleanupExpired deletes sessions that have
// been idle longer than IdleTimeout. byMember makes member lookups O(1),
// and members keeps the member total so Stats never walks the map.
type SessionRegistry struct {
	cfg      RegistryConfig
	now      pkg.Clock
	newCode  CodeGenerator
	sessions map[string]*models.Session
	byMember map[string]string
	members  int
}

// NewSessionRegistry creates an empty registry. A nil clock means the wall
// clock and a nil generator means RandomCode.
//
// MaxMembers is clamped to 1..models.MaxMembersPerSession: a session never
// holds more than 64 members, whatever the configuration says.
func NewSessionRegistry(cfg RegistryConfig, clock pkg.Clock, gen CodeGenerator) *SessionRegistry {
	if clock == nil {
		clock = pkg.SystemClock
	}
	if gen == nil {
		gen = RandomCode
	}
	if cfg.MaxMembers <= 0 || cfg.MaxMembers > models.MaxMembersPerSession {
		cfg.MaxMembers = models.MaxMembersPerSession
	}
	return &SessionRegistry{
		cfg:      cfg,
		now:      clock,
		newCode:  gen,
		sessions: make(map[string]*models.Session),
		byMember: make(map[string]string),
	}
}

// CreateResult is returned by Create.
type CreateResult struct {
	Session *models.Session
	Member  *models.Member
	// Previous is set when the connection was detached from another session
	// to create this one.
	Previous *RemoveResult
}

// Create opens a new session with connID as its only member and admin.
func (r *SessionRegistry) Create(connID, nickname, address string) (*CreateResult, error) {
	if connID == "" {
		return nil, fmt.Errorf("%w: missing connection id", pkg.ErrBadRequest)
	}
	// A sole member recreating frees its old session on the way in.
	freed := 0
	if code, ok := r.byMember[connID]; ok {
		if prev, ok := r.sessions[code]; ok && prev.MemberCount() == 1 {
			freed = 1
		}
	}
	if r.cfg.MaxSessions > 0 && len(r.sessions)-freed >= r.cfg.MaxSessions {
		return nil, fmt.Errorf("%w: session limit %d reached", pkg.ErrCapacity, r.cfg.MaxSessions)
	}

	code, err := r.uniqueCode()
	if err != nil {
		return nil, err
	}

	var previous *RemoveResult
	if _, ok := r.byMember[connID]; ok {
		if res, ok := r.RemoveMember(connID); ok {
			previous = &res
		}
	}

	now := r.now()
	session := models.NewSession(code, now)
	member := &models.Member{
		ConnID:        connID,
		Nickname:      models.ResolveNickname(nickname),
		JoinedAt:      now,
		IsAdmin:       true,
		OriginAddress: address,
	}
	r.sessions[code] = session
	r.attach(session, member)
	session.AdminID = connID

	return &CreateResult{Session: session, Member: member, Previous: previous}, nil
}

// uniqueCode draws codes until one is not held by a live session.
func (r *SessionRegistry) uniqueCode() (string, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := r.newCode()
		if err != nil {
			return "", fmt.Errorf("%w: generate session code: %v", pkg.ErrInternal, err)
		}
		canonical, ok := models.CanonicalCode(code)
		if !ok {
			return "", fmt.Errorf("%w: generator produced invalid code %q", pkg.ErrInternal, code)
		}
		if _, taken := r.sessions[canonical]; !taken {
			return canonical, nil
		}
	}
	return "", fmt.Errorf("%w: no free session code after %d attempts", pkg.ErrInternal, maxCodeAttempts)
}

// Get looks a session up by code, case-insensitively.
func (r *SessionRegistry) Get(code string) (*models.Session, bool) {
	canonical, ok := models.CanonicalCode(code)
	if !ok {
		return nil, false
	}
	s, ok := r.sessions[canonical]
	return s, ok
}

// GetByMember returns the session connID belongs to.
func (r *SessionRegistry) GetByMember(connID string) (*models.Session, bool) {
	code, ok := r.byMember[connID]
	if !ok {
		return nil, false
	}
	s, ok := r.sessions[code]
	return s, ok
}

// RemoveResult describes a member removal.
type RemoveResult struct {
	Code             string
	Member           *models.Member
	WasAdmin         bool
	SessionDestroyed bool
	Remaining        int
	// RemainingIDs are the connections still in the session, for
	// notifications. Empty when the session was destroyed.
	RemainingIDs []string
}

// RemoveMember removes connID from its session. An emptied session is
// destroyed at once. ok is false when connID was not a member anywhere.
//
// If the admin leaves the session stays without an admin; the role is
// never handed over implicitly.
func (r *SessionRegistry) RemoveMember(connID string) (RemoveResult, bool) {
	code, ok := r.byMember[connID]
	if !ok {
		return RemoveResult{}, false
	}
	delete(r.byMember, connID)

	session, ok := r.sessions[code]
	if !ok {
		return RemoveResult{Code: code}, false
	}
	member, ok := session.Members[connID]
	if !ok {
		return RemoveResult{Code: code}, false
	}

	delete(session.Members, connID)
	delete(session.PublicKeys, connID)
	r.members--

	res := RemoveResult{
		Code:      code,
		Member:    member,
		WasAdmin:  session.AdminID == connID,
		Remaining: len(session.Members),
	}
	if res.WasAdmin {
		session.AdminID = ""
	}

	if len(session.Members) == 0 {
		delete(r.sessions, code)
		res.SessionDestroyed = true
		return res, true
	}

	session.LastActivityAt = r.now()
	res.RemainingIDs = session.MemberIDs()
	return res, true
}

// ExpiredSession is a session dropped by CleanupExpired.
type ExpiredSession struct {
	Code    string
	Members []*models.Member
}

// CleanupExpired deletes every session idle for longer than the idle
// timeout and releases its members from the index.
func (r *SessionRegistry) CleanupExpired(now time.Time) []ExpiredSession {
	var expired []ExpiredSession
	for code, s := range r.sessions {
		if now.Sub(s.LastActivityAt) <= r.cfg.IdleTimeout {
			continue
		}
		members := make([]*models.Member, 0, len(s.Members))
		for id, m := range s.Members {
			delete(r.byMember, id)
			members = append(members, m)
		}
		r.members -= len(members)
		delete(r.sessions, code)
		expired = append(expired, ExpiredSession{Code: code, Members: members})
	}
	return expired
}

// UpdateActivity marks a session as active now.
func (r *SessionRegistry) UpdateActivity(code string) {
	if s, ok := r.Get(code); ok {
		s.LastActivityAt = r.now()
	}
}

// Stats is the diagnostic view of the registry.
type Stats struct {
	Sessions int `json:"sessions"`
	Members  int `json:"members"`
}

// Stats returns active session and member counts in O(1).
func (r *SessionRegistry) Stats() Stats {
	return Stats{Sessions: len(r.sessions), Members: r.members}
}

// MaxMembers returns the per-session member cap.
func (r *SessionRegistry) MaxMembers() int {
	return r.cfg.MaxMembers
}

// attach adds member to session and indexes it.
func (r *SessionRegistry) attach(session *models.Session, member *models.Member) {
	session.Members[member.ConnID] = member
	r.byMember[member.ConnID] = session.Code
	r.members++
}

// RandomCode draws SessionCodeLength symbols uniformly from the code
// alphabet using crypto/rand.
func RandomCode() (string, error) {
	const alphabet = models.SessionCodeAlphabet
	// Largest multiple of len(alphabet) that fits in a byte; bytes at or
	// above it are rejected to keep the draw uniform.
	const limit = 256 - 256%len(alphabet)

	code := make([]byte, 0, models.SessionCodeLength)
	buf := make([]byte, models.SessionCodeLength*2)
	for len(code) < models.SessionCodeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			code = append(code, alphabet[int(b)%len(alphabet)])
			if len(code) == models.SessionCodeLength {
				break
			}
		}
	}
	return string(code), nil
}
