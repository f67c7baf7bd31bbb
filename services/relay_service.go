package services

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hirachand04/p2pchat/models"
	"github.com/hirachand04/p2pchat/pkg"
	"github.com/hirachand04/p2pchat/pkg/i18n"
	"github.com/hirachand04/p2pchat/pkg/metrics"
	"github.com/hirachand04/p2pchat/pkg/ratelimit"
	"github.com/hirachand04/p2pchat/ws"
)

// RelayConfig tunes the dispatcher.
type RelayConfig struct {
	// MaxPayloadBytes is the ceiling on ciphertext plus media per message.
	MaxPayloadBytes int64
}

// RelayService is the front controller of the relay: it implements
// ws.Dispatcher, gates inbound events through the abuse guard, applies
// them to the registry and membership, and answers through the
// ws.EventPublisher.
//
// Per connection: Unauthenticated → Member → Disconnected. A connection is
// a member of at most one session.
//
// Gating: every event except leave-session is charged to the abuse guard
// before it touches any state. That includes malformed sends, throttled
// heartbeats and frames the transport could not decode. A refused event is
// dropped and only its sender hears about it (rate-limited). Once the guard
// escalates to a block the sender is told once, then ignored until the
// block expires.
//
// Errors never leave a handler. Each one is mapped to a public kind with
// pkg.PublicError and answered as an ack failure or, for send-message, a
// message-error, in the connection's language.
//
// All methods except Stats run on the hub's event loop.
type RelayService struct {
	registry   *SessionRegistry
	membership *MembershipService
	guard      *ratelimit.AbuseGuard
	admission  *ratelimit.AdmissionLimiter
	publisher  ws.EventPublisher
	metrics    *metrics.Metrics
	cfg        RelayConfig

	stats atomic.Pointer[Stats]
}

// NewRelayService wires the dispatcher. admission and m may be nil.
func NewRelayService(
	registry *SessionRegistry,
	membership *MembershipService,
	guard *ratelimit.AbuseGuard,
	admission *ratelimit.AdmissionLimiter,
	publisher ws.EventPublisher,
	m *metrics.Metrics,
	cfg RelayConfig,
) *RelayService {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = 10 << 20
	}
	s := &RelayService{
		registry:   registry,
		membership: membership,
		guard:      guard,
		admission:  admission,
		publisher:  publisher,
		metrics:    m,
		cfg:        cfg,
	}
	s.publishStats()
	return s
}

// Stats returns the last published registry counters. Safe from any
// goroutine.
func (s *RelayService) Stats() Stats {
	if st := s.stats.Load(); st != nil {
		return *st
	}
	return Stats{}
}

func (s *RelayService) publishStats() {
	st := s.registry.Stats()
	s.stats.Store(&st)
	s.metrics.SetSessions(st.Sessions, st.Members)
}

// ─── ws.Dispatcher ───

// HandleEvent routes one inbound event.
func (s *RelayService) HandleEvent(conn ws.Conn, in ws.Inbound) {
	defer s.publishStats()

	s.metrics.RecordEvent(in.Op)
	loc := i18n.NewLocalizer(conn.Lang)

	// send-message validates its payload before the gate and is charged
	// either way; leaving is never throttled so a client can always detach.
	if in.Op != ws.OpSendMessage && in.Op != ws.OpLeaveSession {
		if !s.admit(conn, in, loc) {
			return
		}
	}

	switch in.Op {
	case ws.OpCreateSession:
		s.handleCreate(conn, in, loc)
	case ws.OpJoinSession:
		s.handleJoin(conn, in, loc)
	case ws.OpSendMessage:
		s.handleSendMessage(conn, in, loc)
	case ws.OpTyping:
		s.handleTyping(conn, in)
	case ws.OpKickUser:
		s.handleKick(conn, in, loc)
	case ws.OpMuteUser:
		s.handleMute(conn, in, loc)
	case ws.OpUnbanUser:
		s.handleUnban(conn, in, loc)
	case ws.OpGetBannedUsers:
		s.handleListBanned(conn, in, loc)
	case ws.OpTransferAdmin:
		s.handleTransferAdmin(conn, in, loc)
	case ws.OpSharePublicKey:
		s.handleSharePublicKey(conn, in, loc)
	case ws.OpMessageDelivered, ws.OpMessageRead:
		s.handleMessageStatus(conn, in, loc)
	case ws.OpLeaveSession:
		s.detach(conn.ID)
		s.ackOK(conn, in, nil)
	case ws.OpInvalidFrame, ws.OpHeartbeat:
		// Already charged by the gate; the transport answered or dropped them.
	default:
		slog.Debug("unknown op", "component", "relay", "conn", conn.ID, "op", in.Op)
		s.ackError(conn, in, loc, fmt.Errorf("%w: unknown op", pkg.ErrBadRequest))
	}
}

// HandleDisconnect releases everything held for the connection. The guard
// entry is released even if the membership removal panics.
func (s *RelayService) HandleDisconnect(conn ws.Conn) {
	defer s.publishStats()
	defer s.guard.Forget(conn.ID)

	s.detach(conn.ID)
}

// Maintain expires idle sessions and garbage-collects limiter state.
func (s *RelayService) Maintain(now time.Time) {
	defer s.publishStats()

	expired := s.registry.CleanupExpired(now)
	for _, e := range expired {
		for _, m := range e.Members {
			s.publisher.SendToConn(m.ConnID, ws.Event{
				Op: ws.OpSessionExpired,
				Data: ws.SessionExpiredData{
					Code:    e.Code,
					Message: i18n.NewLocalizer(m.Lang).T("notices.sessionExpired"),
				},
			})
		}
		slog.Info("session expired", "component", "relay", "session", e.Code, "members", len(e.Members))
	}
	s.metrics.RecordSessionsExpired(len(expired))

	gs := s.guard.Sweep()
	s.admission.Sweep(now)

	if len(expired) > 0 || gs.ExpiredBlocks > 0 {
		slog.Debug("maintenance sweep",
			"component", "relay",
			"expired_sessions", len(expired),
			"windows", gs.Windows,
			"abuse_records", gs.AbuseRecords,
			"expired_blocks", gs.ExpiredBlocks,
		)
	}
}

// ─── Abuse gate ───

// admit consults the abuse guard. A limited event is dropped and only its
// sender is told; once a connection is blocked it is told once and then
// its events are dropped silently.
func (s *RelayService) admit(conn ws.Conn, in ws.Inbound, loc *i18n.Localizer) bool {
	v := s.guard.Allow(conn.ID, conn.Address)
	if v.Allowed() {
		return true
	}
	s.metrics.RecordRateLimited(v.Decision.String())

	if v.Decision == ratelimit.Blocked && !v.JustBlocked {
		return false
	}
	if v.JustBlocked {
		s.metrics.RecordBlock()
		slog.Warn("connection blocked for abuse",
			"component", "relay",
			"conn", conn.ID,
			"address", conn.Address,
			"ttl", v.RetryAfter,
		)
	}

	data := ws.RateLimitedData{
		Op:           in.Op,
		RetryAfterMs: v.RetryAfter.Milliseconds(),
		Blocked:      v.JustBlocked,
	}
	if v.JustBlocked {
		data.Message = loc.T("notices.blocked")
	} else {
		seconds := int(math.Ceil(v.RetryAfter.Seconds()))
		data.Message = loc.TWithParams("notices.rateLimited", map[string]string{"seconds": strconv.Itoa(seconds)})
	}
	s.publisher.SendToConn(conn.ID, ws.Event{Op: ws.OpRateLimited, Data: data})
	if in.Ack != "" {
		s.ackError(conn, in, loc, pkg.ErrRateLimited)
	}
	return false
}

// ─── Session lifecycle ───

func (s *RelayService) handleCreate(conn ws.Conn, in ws.Inbound, loc *i18n.Localizer) {
	req, err := decode[models.CreateSessionRequest](in)
	if err != nil {
		s.ackError(conn, in, loc, err)
		return
	}

	res, err := s.registry.Create(conn.ID, req.Nickname, conn.Address)
	if err != nil {
		s.ackError(conn, in, loc, err)
		return
	}
	res.Member.Lang = conn.Lang
	if res.Previous != nil {
		s.announceDeparture(*res.Previous)
	}

	s.metrics.RecordSessionCreated()
	slog.Info("session created", "component", "relay", "session", res.Session.Code, "conn", conn.ID)
	s.ackOK(conn, in, sessionInfo(res.Session, res.Member))
}

func (s *RelayService) handleJoin(conn ws.Conn, in ws.Inbound, loc *i18n.Localizer) {
	req, err := decode[models.JoinSessionRequest](in)
	if err != nil {
		s.ackError(conn, in, loc, err)
		return
	}

	res, err := s.membership.Join(req.Code, conn.ID, req.Nickname, conn.Address)
	if err != nil {
		s.ackError(conn, in, loc, err)
		return
	}
	res.Member.Lang = conn.Lang

	if res.Previous != nil {
		s.announceDeparture(*res.Previous)
	}
	if !res.AlreadyMember {
		s.publisher.BroadcastToConns(res.Session.MemberIDs(conn.ID), ws.Event{
			Op: ws.OpUserJoined,
			Data: ws.MemberEventData{
				Code:        res.Session.Code,
				UserID:      conn.ID,
				Nickname:    res.Member.Nickname,
				MemberCount: res.Session.MemberCount(),
				AdminID:     res.Session.AdminID,
			},
		})
		slog.Info("member joined",
			"component", "relay",
			"session", res.Session.Code,
			"conn", conn.ID,
			"members", res.Session.MemberCount(),
		)
	}

	s.ackOK(conn, in, sessionInfo(res.Session, res.Member))
}

// detach removes connID from its session, if any, and tells the room.
func (s *RelayService) detach(connID string) {
	res, ok := s.registry.RemoveMember(connID)
	if !ok {
		return
	}
	s.announceDeparture(res)
}

func (s *RelayService) announceDeparture(res RemoveResult) {
	if res.SessionDestroyed {
		slog.Info("session closed", "component", "relay", "session", res.Code)
		return
	}

	adminID := ""
	if session, ok := s.registry.Get(res.Code); ok {
		adminID = session.AdminID
	}
	s.publisher.BroadcastToConns(res.RemainingIDs, ws.Event{
		Op: ws.OpUserLeft,
		Data: ws.MemberEventData{
			Code:        res.Code,
			UserID:      res.Member.ConnID,
			Nickname:    res.Member.Nickname,
			MemberCount: res.Remaining,
			AdminID:     adminID,
		},
	})
	if res.WasAdmin {
		slog.Info("admin left session", "component", "relay", "session", res.Code, "conn", res.Member.ConnID)
	}
}

// ─── Messaging ───

// handleSendMessage: validate → abuse gate → membership → payload ceiling
// → stamp sender → fan out → activity.
func (s *RelayService) handleSendMessage(conn ws.Conn, in ws.Inbound, loc *i18n.Localizer) {
	req, err := decode[models.SendMessageRequest](in)
	// A malformed send still costs the sender a slot in the window.
	if !s.admit(conn, in, loc) {
		return
	}
	if err != nil {
		s.messageError(conn, in, loc, "", err, "")
		return
	}

	session, member, err := s.membership.RequireMember(req.Code, conn.ID)
	if err != nil {
		s.messageError(conn, in, loc, req.MessageID, err, "notices.notMember")
		return
	}

	size := req.PayloadSize()
	if size > s.cfg.MaxPayloadBytes {
		err := fmt.Errorf("%w: payload %d bytes over %d", pkg.ErrBadRequest, size, s.cfg.MaxPayloadBytes)
		s.messageError(conn, in, loc, req.MessageID, err, "notices.payloadTooLarge")
		return
	}

	s.publisher.BroadcastToConns(session.MemberIDs(conn.ID), ws.Event{
		Op: ws.OpNewMessage,
		Data: ws.NewMessageData{
			Code:           session.Code,
			MessageID:      req.MessageID,
			SenderID:       conn.ID,
			SenderNickname: member.Nickname,
			Ciphertext:     req.Ciphertext,
			IV:             req.IV,
			MediaType:      req.MediaType,
			RawMediaData:   req.RawMediaData,
			MediaMeta:      req.MediaMeta,
			Timestamp:      s.registry.now().UnixMilli(),
		},
	})
	s.registry.UpdateActivity(session.Code)
	s.metrics.RecordRelayed(size)

	s.ackOK(conn, in, map[string]string{"messageId": req.MessageID})
}

// handleTyping drops anything that does not come from a member.
func (s *RelayService) handleTyping(conn ws.Conn, in ws.Inbound) {
	var req models.TypingRequest
	if err := in.Decode(&req); err != nil {
		return
	}
	session, member, err := s.membership.RequireMember(req.Code, conn.ID)
	if err != nil {
		return
	}
	s.publisher.BroadcastToConns(session.MemberIDs(conn.ID), ws.Event{
		Op: ws.OpUserTyping,
		Data: ws.UserTypingData{
			Code:     session.Code,
			UserID:   conn.ID,
			Nickname: member.Nickname,
			IsTyping: req.IsTyping,
		},
	})
}

// handleMessageStatus routes a delivery/read receipt to the original
// sender only, and only inside the reader's own session.
func (s *RelayService) handleMessageStatus(conn ws.Conn, in ws.Inbound, loc *i18n.Localizer) {
	req, err := decode[models.MessageStatusRequest](in)
	if err != nil {
		s.ackError(conn, in, loc, err)
		return
	}

	code := req.Code
	if code == "" {
		if session, ok := s.registry.GetByMember(conn.ID); ok {
			code = session.Code
		}
	}
	session, _, err := s.membership.RequireMember(code, conn.ID)
	if err != nil {
		s.ackError(conn, in, loc, err)
		return
	}
	if req.SenderID == conn.ID || !session.HasMember(req.SenderID) {
		s.ackError(conn, in, loc, fmt.Errorf("%w: sender not in session", pkg.ErrNotFound))
		return
	}

	status := "delivered"
	if in.Op == ws.OpMessageRead {
		status = "read"
	}
	s.publisher.SendToConn(req.SenderID, ws.Event{
		Op: ws.OpMessageStatusUpdate,
		Data: ws.MessageStatusData{
			Code:       session.Code,
			MessageIDs: req.IDs(),
			Status:     status,
			ReaderID:   conn.ID,
		},
	})
	s.ackOK(conn, in, nil)
}

func (s *RelayService) handleSharePublicKey(conn ws.Conn, in ws.Inbound, loc *i18n.Localizer) {
	req, err := decode[models.PublicKeyRequest](in)
	if err != nil {
		s.ackError(conn, in, loc, err)
		return
	}
	session, err := s.membership.SharePublicKey(req.Code, conn.ID, req.PublicKey)
	if err != nil {
		s.ackError(conn, in, loc, err)
		return
	}
	s.publisher.BroadcastToConns(session.MemberIDs(conn.ID), ws.Event{
		Op:   ws.OpPublicKey,
		Data: ws.PublicKeyData{Code: session.Code, UserID: conn.ID, PublicKey: req.PublicKey},
	})
	s.ackOK(conn, in, nil)
}

// ─── Administration ───

func (s *RelayService) handleKick(conn ws.Conn, in ws.Inbound, loc *i18n.Localizer) {
	req, err := decode[models.KickRequest](in)
	if err != nil {
		s.ackError(conn, in, loc, err)
		return
	}

	res, err := s.membership.Kick(req.Code, conn.ID, req.TargetID, req.Reason)
	if err != nil {
		s.ackError(conn, in, loc, err)
		return
	}

	targetLang := ""
	if res.Removal.Member != nil {
		targetLang = res.Removal.Member.Lang
	}
	s.publisher.SendToConn(res.Target.ID, ws.Event{
		Op: ws.OpKicked,
		Data: ws.KickedData{
			Code:    res.Session.Code,
			Reason:  req.Reason,
			Message: i18n.NewLocalizer(targetLang).T("notices.kicked"),
		},
	})
	s.publisher.DisconnectConn(res.Target.ID)

	s.publisher.BroadcastToConns(res.Removal.RemainingIDs, ws.Event{
		Op: ws.OpUserKicked,
		Data: ws.MemberEventData{
			Code:        res.Session.Code,
			UserID:      res.Target.ID,
			Nickname:    res.Target.Nickname,
			MemberCount: res.Removal.Remaining,
			AdminID:     res.Session.AdminID,
		},
	})
	s.sendBanList(conn.ID, res.Session)

	s.metrics.RecordKick()
	slog.Info("member kicked",
		"component", "relay",
		"session", res.Session.Code,
		"conn", conn.ID,
		"target", res.Target.ID,
		"banned", res.Ban != nil,
	)
	s.ackOK(conn, in, map[string]any{"targetId": res.Target.ID, "memberCount": res.Removal.Remaining})
}

func (s *RelayService) handleMute(conn ws.Conn, in ws.Inbound, loc *i18n.Localizer) {
	req, err := decode[models.MuteRequest](in)
	if err != nil {
		s.ackError(conn, in, loc, err)
		return
	}
	session, target, err := s.membership.Mute(req.Code, conn.ID, req.TargetID, req.Muted)
	if err != nil {
		s.ackError(conn, in, loc, err)
		return
	}
	s.publisher.BroadcastToConns(session.MemberIDs(), ws.Event{
		Op:   ws.OpUserMuted,
		Data: ws.UserMutedData{Code: session.Code, UserID: target.ID, Muted: target.Muted},
	})
	s.ackOK(conn, in, target)
}

func (s *RelayService) handleUnban(conn ws.Conn, in ws.Inbound, loc *i18n.Localizer) {
	req, err := decode[models.UnbanRequest](in)
	if err != nil {
		s.ackError(conn, in, loc, err)
		return
	}
	session, err := s.membership.Unban(req.Code, conn.ID, req.Address)
	if err != nil {
		s.ackError(conn, in, loc, err)
		return
	}
	s.sendBanList(conn.ID, session)
	slog.Info("address unbanned", "component", "relay", "session", session.Code, "conn", conn.ID)
	s.ackOK(conn, in, nil)
}

func (s *RelayService) handleListBanned(conn ws.Conn, in ws.Inbound, loc *i18n.Localizer) {
	var req models.BannedListRequest
	if err := in.Decode(&req); err != nil {
		s.ackError(conn, in, loc, fmt.Errorf("%w: %v", pkg.ErrBadRequest, err))
		return
	}
	list, err := s.membership.ListBanned(req.Code, conn.ID)
	if err != nil {
		s.ackError(conn, in, loc, err)
		return
	}
	if in.Ack == "" {
		code, _ := models.CanonicalCode(req.Code)
		s.publisher.SendToConn(conn.ID, ws.Event{
			Op:   ws.OpBannedUsersUpdated,
			Data: ws.BannedUsersData{Code: code, Banned: list},
		})
		return
	}
	s.ackOK(conn, in, list)
}

func (s *RelayService) handleTransferAdmin(conn ws.Conn, in ws.Inbound, loc *i18n.Localizer) {
	req, err := decode[models.TransferAdminRequest](in)
	if err != nil {
		s.ackError(conn, in, loc, err)
		return
	}
	res, err := s.membership.TransferAdmin(req.Code, conn.ID, req.TargetID)
	if err != nil {
		s.ackError(conn, in, loc, err)
		return
	}
	s.publisher.BroadcastToConns(res.Session.MemberIDs(), ws.Event{
		Op: ws.OpAdminChanged,
		Data: ws.AdminChangedData{
			Code:            res.Session.Code,
			AdminID:         res.NewAdmin.ID,
			PreviousAdminID: res.PreviousAdminID,
		},
	})
	slog.Info("admin transferred", "component", "relay", "session", res.Session.Code, "from", res.PreviousAdminID, "to", res.NewAdmin.ID)
	s.ackOK(conn, in, res.NewAdmin)
}

func (s *RelayService) sendBanList(connID string, session *models.Session) {
	s.publisher.SendToConn(connID, ws.Event{
		Op:   ws.OpBannedUsersUpdated,
		Data: ws.BannedUsersData{Code: session.Code, Banned: session.BanList()},
	})
}

// ─── Replies ───

func (s *RelayService) ackOK(conn ws.Conn, in ws.Inbound, data any) {
	if in.Ack == "" {
		return
	}
	s.publisher.SendToConn(conn.ID, ws.Event{Op: ws.OpAck, Ack: in.Ack, Data: pkg.OK(data)})
}

// ackError reports err to the sender with a generic, localized text. The
// wrapped detail is only logged.
func (s *RelayService) ackError(conn ws.Conn, in ws.Inbound, loc *i18n.Localizer, err error) {
	kind, key := pkg.PublicError(err)
	s.logRejection(conn, in.Op, kind, err)
	if in.Ack == "" {
		return
	}
	s.publisher.SendToConn(conn.ID, ws.Event{Op: ws.OpAck, Ack: in.Ack, Data: pkg.Fail(kind, loc.T(key))})
}

// messageError reports a dropped send-message to its sender. noticeKey,
// when set, replaces the generic text.
func (s *RelayService) messageError(conn ws.Conn, in ws.Inbound, loc *i18n.Localizer, messageID string, err error, noticeKey string) {
	kind, key := pkg.PublicError(err)
	if noticeKey != "" {
		key = noticeKey
	}
	s.logRejection(conn, in.Op, kind, err)

	msg := loc.T(key)
	s.publisher.SendToConn(conn.ID, ws.Event{
		Op:   ws.OpMessageError,
		Data: ws.MessageErrorData{MessageID: messageID, Kind: kind, Message: msg},
	})
	if in.Ack != "" {
		s.publisher.SendToConn(conn.ID, ws.Event{Op: ws.OpAck, Ack: in.Ack, Data: pkg.Fail(kind, msg)})
	}
}

func (s *RelayService) logRejection(conn ws.Conn, op, kind string, err error) {
	s.metrics.RecordEventError(op, kind)
	if kind == pkg.KindInternal {
		slog.Error("event failed", "component", "relay", "conn", conn.ID, "op", op, "error", err)
		return
	}
	slog.Debug("event rejected", "component", "relay", "conn", conn.ID, "op", op, "kind", kind, "error", err)
}

// ─── Helpers ───

type validator interface {
	Validate() error
}

// decode unmarshals and validates the payload of in as a T. Every failure
// is an ErrBadRequest.
func decode[T any](in ws.Inbound) (*T, error) {
	req := new(T)
	if err := in.Decode(req); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", pkg.ErrBadRequest, in.Op, err)
	}
	if v, ok := any(req).(validator); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", pkg.ErrBadRequest, err)
		}
	}
	return req, nil
}

func sessionInfo(session *models.Session, member *models.Member) models.SessionInfo {
	return models.SessionInfo{
		Code:       session.Code,
		Nickname:   member.Nickname,
		SelfID:     member.ConnID,
		AdminID:    session.AdminID,
		Members:    session.Snapshot(),
		PublicKeys: session.KnownPublicKeys(),
	}
}
