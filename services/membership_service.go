package services

import (
	"fmt"

	"github.com/hirachand04/p2pchat/models"
	"github.com/hirachand04/p2pchat/pkg"
)

// MembershipService enforces capacity, bans and the admin-only operations
// on top of a SessionRegistry. Like the registry it is driven from the
// relay's event loop only.
type MembershipService struct {
	reg *SessionRegistry
}

// NewMembershipService wraps reg.
func NewMembershipService(reg *SessionRegistry) *MembershipService {
	return &MembershipService{reg: reg}
}

// JoinResult is returned by Join.
type JoinResult struct {
	Session *models.Session
	Member  *models.Member
	// AlreadyMember is set when the connection was in the session before
	// the call; nothing changed.
	AlreadyMember bool
	// Previous is set when the connection left another session to join
	// this one.
	Previous *RemoveResult
}

// Join adds connID to the session named by code.
//
// Checks, in order: session exists (malformed codes count as unknown),
// session has room, address is not banned. The previous session, if any,
// is only left once every check has passed.
func (s *MembershipService) Join(code, connID, nickname, address string) (*JoinResult, error) {
	if connID == "" {
		return nil, fmt.Errorf("%w: missing connection id", pkg.ErrBadRequest)
	}
	session, err := s.lookup(code)
	if err != nil {
		return nil, err
	}

	if member, ok := session.Members[connID]; ok {
		return &JoinResult{Session: session, Member: member, AlreadyMember: true}, nil
	}
	if session.MemberCount() >= s.reg.MaxMembers() {
		return nil, fmt.Errorf("%w: session full", pkg.ErrCapacity)
	}
	if address != "" {
		if _, banned := session.Banned[address]; banned {
			return nil, fmt.Errorf("%w: address banned from session", pkg.ErrBanned)
		}
	}

	var previous *RemoveResult
	if _, ok := s.reg.GetByMember(connID); ok {
		if res, ok := s.reg.RemoveMember(connID); ok {
			previous = &res
		}
	}

	now := s.reg.now()
	member := &models.Member{
		ConnID:        connID,
		Nickname:      models.ResolveNickname(nickname),
		JoinedAt:      now,
		OriginAddress: address,
	}
	s.reg.attach(session, member)
	session.LastActivityAt = now

	return &JoinResult{Session: session, Member: member, Previous: previous}, nil
}

// KickResult is returned by Kick.
type KickResult struct {
	Session *models.Session
	Target  models.MemberView
	// Ban is nil when the target's address was unknown.
	Ban     *models.BanRecord
	Removal RemoveResult
}

// Kick bans the target's address from the session and removes the target.
// Only the admin may kick, and not themselves.
func (s *MembershipService) Kick(code, requesterID, targetID, reason string) (*KickResult, error) {
	session, err := s.requireAdmin(code, requesterID)
	if err != nil {
		return nil, err
	}
	if targetID == requesterID {
		return nil, fmt.Errorf("%w: cannot kick yourself", pkg.ErrBadRequest)
	}
	target, ok := session.Members[targetID]
	if !ok {
		return nil, fmt.Errorf("%w: target is not a member", pkg.ErrNotFound)
	}

	res := &KickResult{Session: session, Target: target.View()}
	if target.OriginAddress != "" {
		ban := models.BanRecord{
			Address:  target.OriginAddress,
			Nickname: target.Nickname,
			BannedAt: s.reg.now(),
			Reason:   reason,
		}
		session.Banned[ban.Address] = ban
		res.Ban = &ban
	}

	removal, _ := s.reg.RemoveMember(targetID)
	res.Removal = removal
	return res, nil
}

// Mute sets the advisory mute flag of a member. The relay has no way to
// suppress a muted member's ciphertext; receiving clients honour the flag.
func (s *MembershipService) Mute(code, requesterID, targetID string, muted bool) (*models.Session, models.MemberView, error) {
	session, err := s.requireAdmin(code, requesterID)
	if err != nil {
		return nil, models.MemberView{}, err
	}
	if targetID == requesterID {
		return nil, models.MemberView{}, fmt.Errorf("%w: cannot mute yourself", pkg.ErrBadRequest)
	}
	target, ok := session.Members[targetID]
	if !ok {
		return nil, models.MemberView{}, fmt.Errorf("%w: target is not a member", pkg.ErrNotFound)
	}
	target.Muted = muted
	return session, target.View(), nil
}

// Unban removes the ban on address.
func (s *MembershipService) Unban(code, requesterID, address string) (*models.Session, error) {
	session, err := s.requireAdmin(code, requesterID)
	if err != nil {
		return nil, err
	}
	if _, ok := session.Banned[address]; !ok {
		return nil, fmt.Errorf("%w: no ban for address", pkg.ErrNotFound)
	}
	delete(session.Banned, address)
	return session, nil
}

// ListBanned returns the session's ban records, oldest first.
func (s *MembershipService) ListBanned(code, requesterID string) ([]models.BanRecord, error) {
	session, err := s.requireAdmin(code, requesterID)
	if err != nil {
		return nil, err
	}
	return session.BanList(), nil
}

// TransferResult is returned by TransferAdmin.
type TransferResult struct {
	Session         *models.Session
	PreviousAdminID string
	NewAdmin        models.MemberView
}

// TransferAdmin hands the admin role to another member. At no point are
// there two admins.
func (s *MembershipService) TransferAdmin(code, requesterID, targetID string) (*TransferResult, error) {
	session, err := s.requireAdmin(code, requesterID)
	if err != nil {
		return nil, err
	}
	if targetID == requesterID {
		return nil, fmt.Errorf("%w: already admin", pkg.ErrBadRequest)
	}
	target, ok := session.Members[targetID]
	if !ok {
		return nil, fmt.Errorf("%w: target is not a member", pkg.ErrNotFound)
	}

	if current, ok := session.Members[requesterID]; ok {
		current.IsAdmin = false
	}
	target.IsAdmin = true
	session.AdminID = targetID

	return &TransferResult{Session: session, PreviousAdminID: requesterID, NewAdmin: target.View()}, nil
}

// SharePublicKey records connID's ephemeral public key.
func (s *MembershipService) SharePublicKey(code, connID, key string) (*models.Session, error) {
	session, _, err := s.RequireMember(code, connID)
	if err != nil {
		return nil, err
	}
	if key == "" || len(key) > models.MaxPublicKeyLength {
		return nil, fmt.Errorf("%w: invalid public key", pkg.ErrBadRequest)
	}
	session.PublicKeys[connID] = key
	return session, nil
}

// RequireMember resolves code and checks that connID is one of its
// members. Unknown codes and non-members get the same ErrNotFound.
func (s *MembershipService) RequireMember(code, connID string) (*models.Session, *models.Member, error) {
	session, err := s.lookup(code)
	if err != nil {
		return nil, nil, err
	}
	member, ok := session.Members[connID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: not a member", pkg.ErrNotFound)
	}
	return session, member, nil
}

// ─── Helpers ───

func (s *MembershipService) lookup(code string) (*models.Session, error) {
	session, ok := s.reg.Get(code)
	if !ok {
		return nil, fmt.Errorf("%w: session", pkg.ErrNotFound)
	}
	return session, nil
}

// requireAdmin fails with ErrForbidden for any requester but the admin.
// The error never names the actual admin.
func (s *MembershipService) requireAdmin(code, requesterID string) (*models.Session, error) {
	session, err := s.lookup(code)
	if err != nil {
		return nil, err
	}
	if !session.IsAdmin(requesterID) {
		return nil, fmt.Errorf("%w: admin only", pkg.ErrForbidden)
	}
	return session, nil
}
