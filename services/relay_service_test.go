package services

import (
	"encoding/json"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/hirachand04/p2pchat/models"
	"github.com/hirachand04/p2pchat/pkg"
	"github.com/hirachand04/p2pchat/pkg/i18n"
	"github.com/hirachand04/p2pchat/pkg/ratelimit"
	"github.com/hirachand04/p2pchat/ws"
)

func TestMain(m *testing.M) {
	sub, err := fs.Sub(i18n.EmbeddedLocales, "locales")
	if err != nil {
		panic(err)
	}
	if err := i18n.Load(sub); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

// ─── Fake publisher ───

type sentEvent struct {
	to    string
	event ws.Event
}

type recordingPublisher struct {
	sent         []sentEvent
	disconnected []string
}

func (p *recordingPublisher) SendToConn(connID string, event ws.Event) {
	p.sent = append(p.sent, sentEvent{to: connID, event: event})
}

func (p *recordingPublisher) BroadcastToConns(connIDs []string, event ws.Event) {
	for _, id := range connIDs {
		p.sent = append(p.sent, sentEvent{to: id, event: event})
	}
}

func (p *recordingPublisher) DisconnectConn(connID string) {
	p.disconnected = append(p.disconnected, connID)
}

func (p *recordingPublisher) reset() {
	p.sent = nil
	p.disconnected = nil
}

// events returns what connID received with the given op.
func (p *recordingPublisher) events(connID, op string) []ws.Event {
	var out []ws.Event
	for _, s := range p.sent {
		if s.to == connID && s.event.Op == op {
			out = append(out, s.event)
		}
	}
	return out
}

// opsTo lists the ops sent to connID, in order.
func (p *recordingPublisher) opsTo(connID string) []string {
	var ops []string
	for _, s := range p.sent {
		if s.to == connID {
			ops = append(ops, s.event.Op)
		}
	}
	return ops
}

// ack returns the ack reply for id sent to connID.
func (p *recordingPublisher) ack(t *testing.T, connID, id string) pkg.APIResponse {
	t.Helper()
	for _, s := range p.sent {
		if s.to == connID && s.event.Op == ws.OpAck && s.event.Ack == id {
			resp, ok := s.event.Data.(pkg.APIResponse)
			if !ok {
				t.Fatalf("ack %s carries %T", id, s.event.Data)
			}
			return resp
		}
	}
	t.Fatalf("no ack %q for %s; got ops %v", id, connID, p.opsTo(connID))
	return pkg.APIResponse{}
}

// ─── Fixture ───

type relayFixture struct {
	t      *testing.T
	clock  *pkg.ManualClock
	reg    *SessionRegistry
	guard  *ratelimit.AbuseGuard
	pub    *recordingPublisher
	relay  *RelayService
	nextID int
	// step advances the clock after every event so ordinary scenarios stay
	// under the rate limit.
	step time.Duration
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	clock := pkg.NewManualClock(epoch)
	reg := NewSessionRegistry(DefaultRegistryConfig(), clock.Now, sequenceCodes("AAAAAAAA", "BBBBBBBB", "CCCCCCCC"))
	guard := ratelimit.NewAbuseGuard(ratelimit.DefaultGuardConfig(), clock.Now)
	pub := &recordingPublisher{}
	relay := NewRelayService(reg, NewMembershipService(reg), guard, nil, pub, nil, RelayConfig{MaxPayloadBytes: 1024})
	return &relayFixture{t: t, clock: clock, reg: reg, guard: guard, pub: pub, relay: relay, step: 300 * time.Millisecond}
}

func conn(id, address string) ws.Conn {
	return ws.Conn{ID: id, Address: address, Lang: "en"}
}

// send dispatches op with data from c and returns the ack id used.
func (f *relayFixture) send(c ws.Conn, op string, data any) string {
	f.t.Helper()
	f.nextID++
	ack := op + "#" + strconv.Itoa(f.nextID)
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			f.t.Fatalf("marshal: %v", err)
		}
		raw = b
	}
	f.relay.HandleEvent(c, ws.Inbound{Op: op, Data: raw, Ack: ack})
	f.clock.Advance(f.step)
	return ack
}

// createSession makes c the admin of a new session and returns its code.
func (f *relayFixture) createSession(c ws.Conn, nickname string) string {
	f.t.Helper()
	ack := f.send(c, ws.OpCreateSession, models.CreateSessionRequest{Nickname: nickname})
	resp := f.pub.ack(f.t, c.ID, ack)
	if !resp.Success {
		f.t.Fatalf("create failed: %+v", resp)
	}
	return resp.Data.(models.SessionInfo).Code
}

func (f *relayFixture) join(c ws.Conn, code, nickname string) pkg.APIResponse {
	f.t.Helper()
	ack := f.send(c, ws.OpJoinSession, models.JoinSessionRequest{Code: code, Nickname: nickname})
	return f.pub.ack(f.t, c.ID, ack)
}

func message(code, id string) models.SendMessageRequest {
	return models.SendMessageRequest{Code: code, Ciphertext: "b3BhcXVl", IV: "aXY=", MessageID: id}
}

var (
	alice = conn("alice", "198.51.100.1")
	bob   = conn("bob", "198.51.100.2")
	carol = conn("carol", "198.51.100.3")
)

// ─── Scenarios ───

func TestCreateSessionAck(t *testing.T) {
	f := newRelayFixture(t)

	ack := f.send(alice, ws.OpCreateSession, models.CreateSessionRequest{Nickname: "Alice!"})
	resp := f.pub.ack(t, "alice", ack)
	if !resp.Success {
		t.Fatalf("create failed: %+v", resp)
	}
	info := resp.Data.(models.SessionInfo)
	if len(info.Code) != 8 || info.AdminID != "alice" || info.Nickname != "Alice" || len(info.Members) != 1 {
		t.Fatalf("unexpected session info %+v", info)
	}
	if st := f.relay.Stats(); st.Sessions != 1 || st.Members != 1 {
		t.Fatalf("stats not published: %+v", st)
	}
}

func TestJoinNotifiesOthers(t *testing.T) {
	f := newRelayFixture(t)
	code := f.createSession(alice, "alice")

	resp := f.join(bob, strings.ToLower(code), "bob")
	if !resp.Success {
		t.Fatalf("join failed: %+v", resp)
	}
	info := resp.Data.(models.SessionInfo)
	if info.AdminID != "alice" || len(info.Members) != 2 || info.SelfID != "bob" {
		t.Fatalf("unexpected join info %+v", info)
	}

	joined := f.pub.events("alice", ws.OpUserJoined)
	if len(joined) != 1 {
		t.Fatalf("alice should hear about bob once, got %v", f.pub.opsTo("alice"))
	}
	data := joined[0].Data.(ws.MemberEventData)
	if data.UserID != "bob" || data.MemberCount != 2 {
		t.Fatalf("unexpected user-joined %+v", data)
	}
	if len(f.pub.events("bob", ws.OpUserJoined)) != 0 {
		t.Fatal("the joiner should not get its own user-joined")
	}
}

func TestJoinErrorsShareShapeForUnknownAndMalformed(t *testing.T) {
	f := newRelayFixture(t)
	f.createSession(alice, "alice")

	unknown := f.join(bob, "ZZZZZZZZ", "")
	malformed := f.join(carol, "??", "")
	if unknown.Success || malformed.Success {
		t.Fatal("joins should fail")
	}
	if unknown != malformed {
		t.Fatalf("responses differ: %+v vs %+v", unknown, malformed)
	}
	if unknown.Kind != pkg.KindNotFound {
		t.Fatalf("kind = %q", unknown.Kind)
	}
}

func TestSendMessageRelaysToOthersOnly(t *testing.T) {
	f := newRelayFixture(t)
	code := f.createSession(alice, "alice")
	f.join(bob, code, "bob")
	f.join(carol, code, "carol")
	f.pub.reset()

	before, _ := f.reg.Get(code)
	lastActivity := before.LastActivityAt

	f.send(alice, ws.OpSendMessage, message(code, "m1"))

	for _, id := range []string{"bob", "carol"} {
		got := f.pub.events(id, ws.OpNewMessage)
		if len(got) != 1 {
			t.Fatalf("%s should receive the message, got %v", id, f.pub.opsTo(id))
		}
		data := got[0].Data.(ws.NewMessageData)
		if data.SenderID != "alice" || data.SenderNickname != "alice" || data.Ciphertext != "b3BhcXVl" || data.MessageID != "m1" {
			t.Fatalf("unexpected relay payload %+v", data)
		}
	}
	if len(f.pub.events("alice", ws.OpNewMessage)) != 0 {
		t.Fatal("sender must not get its own message back")
	}
	if after, _ := f.reg.Get(code); !after.LastActivityAt.After(lastActivity) {
		t.Fatal("relaying should refresh session activity")
	}
}

func TestSendMessageRejections(t *testing.T) {
	f := newRelayFixture(t)
	code := f.createSession(alice, "alice")
	f.join(bob, code, "bob")
	f.pub.reset()

	// Malformed payload.
	f.send(alice, ws.OpSendMessage, models.SendMessageRequest{Code: code})
	// Not a member of the claimed session.
	other := f.createSession(carol, "carol")
	f.send(alice, ws.OpSendMessage, message(other, "m2"))
	// Over the payload ceiling.
	big := message(code, "m3")
	big.Ciphertext = strings.Repeat("x", 2048)
	f.send(alice, ws.OpSendMessage, big)

	errs := f.pub.events("alice", ws.OpMessageError)
	if len(errs) != 3 {
		t.Fatalf("expected three message errors, got %v", f.pub.opsTo("alice"))
	}
	kinds := []string{
		errs[0].Data.(ws.MessageErrorData).Kind,
		errs[1].Data.(ws.MessageErrorData).Kind,
		errs[2].Data.(ws.MessageErrorData).Kind,
	}
	want := []string{pkg.KindValidation, pkg.KindNotFound, pkg.KindValidation}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("error kinds %v, want %v", kinds, want)
		}
	}
	if len(f.pub.events("bob", ws.OpNewMessage)) != 0 || len(f.pub.events("carol", ws.OpNewMessage)) != 0 {
		t.Fatal("rejected messages must not be relayed")
	}
}

func TestRateLimitedSenderIsTheOnlyOneTold(t *testing.T) {
	f := newRelayFixture(t)
	code := f.createSession(alice, "alice")
	f.join(bob, code, "bob")
	f.clock.Advance(time.Second)
	f.pub.reset()
	f.step = 0

	for i := 0; i < 6; i++ {
		f.send(alice, ws.OpSendMessage, message(code, "m"))
	}

	if got := len(f.pub.events("bob", ws.OpNewMessage)); got != 5 {
		t.Fatalf("bob should get exactly 5 messages, got %d", got)
	}
	limited := f.pub.events("alice", ws.OpRateLimited)
	if len(limited) != 1 {
		t.Fatalf("alice should be told once, got %v", f.pub.opsTo("alice"))
	}
	if data := limited[0].Data.(ws.RateLimitedData); data.Blocked || data.RetryAfterMs <= 0 {
		t.Fatalf("unexpected rate-limited payload %+v", data)
	}
	if len(f.pub.events("bob", ws.OpRateLimited)) != 0 {
		t.Fatal("the room must never see a rate-limit notice")
	}

	f.clock.Advance(time.Second)
	f.send(alice, ws.OpSendMessage, message(code, "m"))
	if got := len(f.pub.events("bob", ws.OpNewMessage)); got != 6 {
		t.Fatalf("window should reset, bob has %d messages", got)
	}
}

func TestAbuseEscalationDropsEventsSilently(t *testing.T) {
	f := newRelayFixture(t)
	code := f.createSession(alice, "alice")
	f.join(bob, code, "bob")
	f.clock.Advance(time.Second)
	f.pub.reset()
	f.step = 0

	cfg := ratelimit.DefaultGuardConfig()
	for i := 0; i < cfg.Events+cfg.AbuseThreshold; i++ {
		f.relay.HandleEvent(bob, ws.Inbound{Op: ws.OpTyping, Data: json.RawMessage(`{"code":"` + code + `","isTyping":true}`)})
	}

	limited := f.pub.events("bob", ws.OpRateLimited)
	if len(limited) != cfg.AbuseThreshold {
		t.Fatalf("expected %d notices, got %d", cfg.AbuseThreshold, len(limited))
	}
	if last := limited[len(limited)-1].Data.(ws.RateLimitedData); !last.Blocked {
		t.Fatalf("last notice should announce the block: %+v", last)
	}

	// Well within any window, but blocked: dropped without a word.
	f.pub.reset()
	f.clock.Advance(10 * time.Second)
	f.send(bob, ws.OpSendMessage, message(code, "late"))
	if len(f.pub.sent) != 0 {
		t.Fatalf("blocked connection should be dropped silently, got %v", f.pub.opsTo("bob"))
	}
	if !f.guard.IsBlocked("198.51.100.2") {
		t.Fatal("address should be blocked")
	}
}

func TestMalformedSendFloodEndsInBlock(t *testing.T) {
	f := newRelayFixture(t)
	code := f.createSession(alice, "alice")
	f.join(bob, code, "bob")
	f.clock.Advance(time.Second)
	f.pub.reset()

	cfg := ratelimit.DefaultGuardConfig()
	bad := json.RawMessage(`{"code":"` + code + `"}`)
	for i := 0; i < 200; i++ {
		f.relay.HandleEvent(bob, ws.Inbound{Op: ws.OpSendMessage, Data: bad})
	}

	if n := len(f.pub.events("bob", ws.OpMessageError)); n != cfg.Events {
		t.Fatalf("expected %d message errors before the window closed, got %d", cfg.Events, n)
	}
	limited := f.pub.events("bob", ws.OpRateLimited)
	if len(limited) != cfg.AbuseThreshold {
		t.Fatalf("expected %d rate-limited notices, got %d", cfg.AbuseThreshold, len(limited))
	}
	if last := limited[len(limited)-1].Data.(ws.RateLimitedData); !last.Blocked {
		t.Fatalf("last notice should announce the block: %+v", last)
	}
	if !f.guard.IsBlocked("198.51.100.2") {
		t.Fatal("address should be blocked")
	}
	if len(f.pub.events("alice", ws.OpNewMessage)) != 0 {
		t.Fatal("nothing should reach the room")
	}
}

func TestTransportNoiseIsCharged(t *testing.T) {
	for _, op := range []string{ws.OpInvalidFrame, ws.OpHeartbeat} {
		t.Run(op, func(t *testing.T) {
			f := newRelayFixture(t)
			code := f.createSession(alice, "alice")
			f.join(bob, code, "bob")
			f.clock.Advance(time.Second)
			f.pub.reset()

			cfg := ratelimit.DefaultGuardConfig()
			for i := 0; i < cfg.Events; i++ {
				f.relay.HandleEvent(bob, ws.Inbound{Op: op})
			}
			if len(f.pub.sent) != 0 {
				t.Fatalf("admitted %s should be answered by nobody, got %v", op, f.pub.opsTo("bob"))
			}

			for i := 0; i < cfg.AbuseThreshold; i++ {
				f.relay.HandleEvent(bob, ws.Inbound{Op: op})
			}
			if !f.guard.IsBlocked("198.51.100.2") {
				t.Fatalf("a %s flood should end in a block", op)
			}

			// The block now covers real traffic too.
			f.pub.reset()
			f.clock.Advance(10 * time.Second)
			f.send(bob, ws.OpSendMessage, message(code, "after"))
			if len(f.pub.sent) != 0 {
				t.Fatalf("blocked connection should be dropped silently, got %v", f.pub.opsTo("bob"))
			}
		})
	}
}

func TestKickScenario(t *testing.T) {
	f := newRelayFixture(t)
	code := f.createSession(alice, "alice")
	f.join(bob, code, "bob")
	f.join(carol, code, "carol")
	f.pub.reset()

	ack := f.send(alice, ws.OpKickUser, models.KickRequest{Code: code, TargetID: "bob", Reason: "spam"})
	if resp := f.pub.ack(t, "alice", ack); !resp.Success {
		t.Fatalf("kick failed: %+v", resp)
	}

	if len(f.pub.events("bob", ws.OpKicked)) != 1 {
		t.Fatalf("bob should be told he was kicked, got %v", f.pub.opsTo("bob"))
	}
	if len(f.pub.disconnected) != 1 || f.pub.disconnected[0] != "bob" {
		t.Fatalf("bob should be force-disconnected, got %v", f.pub.disconnected)
	}
	kicked := f.pub.events("carol", ws.OpUserKicked)
	if len(kicked) != 1 || kicked[0].Data.(ws.MemberEventData).MemberCount != 2 {
		t.Fatalf("carol should see the kick with the new count, got %v", f.pub.opsTo("carol"))
	}
	updates := f.pub.events("alice", ws.OpBannedUsersUpdated)
	if len(updates) != 1 {
		t.Fatalf("admin should get the updated ban list, got %v", f.pub.opsTo("alice"))
	}
	list := updates[0].Data.(ws.BannedUsersData).Banned.([]models.BanRecord)
	if len(list) != 1 || list[0].Address != "198.51.100.2" {
		t.Fatalf("ban list %+v", list)
	}

	// The transport reports the disconnect later; it must be harmless.
	f.relay.HandleDisconnect(bob)

	rejoin := f.join(conn("bob2", "198.51.100.2"), code, "totally new")
	if rejoin.Success || rejoin.Kind != pkg.KindBanned {
		t.Fatalf("rejoin should be banned, got %+v", rejoin)
	}
	if strings.Contains(rejoin.Error, "bob") {
		t.Fatalf("ban response leaks the nickname: %q", rejoin.Error)
	}
}

func TestNonAdminKickIsRejected(t *testing.T) {
	f := newRelayFixture(t)
	code := f.createSession(alice, "alice")
	f.join(bob, code, "bob")
	f.join(carol, code, "carol")
	f.pub.reset()

	ack := f.send(bob, ws.OpKickUser, models.KickRequest{Code: code, TargetID: "carol"})
	resp := f.pub.ack(t, "bob", ack)
	if resp.Success || resp.Kind != pkg.KindUnauthorized {
		t.Fatalf("expected unauthorized, got %+v", resp)
	}
	if strings.Contains(resp.Error, "alice") {
		t.Fatal("error must not reveal the admin")
	}
	if session, _ := f.reg.Get(code); !session.HasMember("carol") {
		t.Fatal("target must remain a member")
	}
	if len(f.pub.disconnected) != 0 || len(f.pub.events("carol", ws.OpKicked)) != 0 {
		t.Fatal("nothing should reach the target")
	}
}

func TestMuteUnbanAndBanList(t *testing.T) {
	f := newRelayFixture(t)
	code := f.createSession(alice, "alice")
	f.join(bob, code, "bob")
	f.join(carol, code, "carol")

	f.send(alice, ws.OpMuteUser, models.MuteRequest{Code: code, TargetID: "carol", Muted: true})
	muted := f.pub.events("bob", ws.OpUserMuted)
	if len(muted) != 1 || !muted[0].Data.(ws.UserMutedData).Muted {
		t.Fatalf("room should see the mute, got %v", f.pub.opsTo("bob"))
	}

	f.send(alice, ws.OpKickUser, models.KickRequest{Code: code, TargetID: "bob"})
	f.relay.HandleDisconnect(bob)

	ack := f.send(alice, ws.OpGetBannedUsers, models.BannedListRequest{Code: code})
	list := f.pub.ack(t, "alice", ack).Data.([]models.BanRecord)
	if len(list) != 1 {
		t.Fatalf("ban list %+v", list)
	}

	f.pub.reset()
	ack = f.send(alice, ws.OpUnbanUser, models.UnbanRequest{Code: code, Address: list[0].Address})
	if resp := f.pub.ack(t, "alice", ack); !resp.Success {
		t.Fatalf("unban failed: %+v", resp)
	}
	updated := f.pub.events("alice", ws.OpBannedUsersUpdated)
	if len(updated) != 1 || len(updated[0].Data.(ws.BannedUsersData).Banned.([]models.BanRecord)) != 0 {
		t.Fatal("admin should get an empty ban list")
	}

	if resp := f.join(conn("bob2", "198.51.100.2"), code, "bob"); !resp.Success {
		t.Fatalf("join after unban failed: %+v", resp)
	}
}

func TestTransferAdminBroadcast(t *testing.T) {
	f := newRelayFixture(t)
	code := f.createSession(alice, "alice")
	f.join(bob, code, "bob")
	f.pub.reset()

	ack := f.send(alice, ws.OpTransferAdmin, models.TransferAdminRequest{Code: code, TargetID: "bob"})
	if resp := f.pub.ack(t, "alice", ack); !resp.Success {
		t.Fatalf("transfer failed: %+v", resp)
	}
	for _, id := range []string{"alice", "bob"} {
		changed := f.pub.events(id, ws.OpAdminChanged)
		if len(changed) != 1 || changed[0].Data.(ws.AdminChangedData).AdminID != "bob" {
			t.Fatalf("%s should see the new admin, got %v", id, f.pub.opsTo(id))
		}
	}
	checkInvariants(t, f.reg)
}

func TestMessageStatusGoesToSenderOnly(t *testing.T) {
	f := newRelayFixture(t)
	code := f.createSession(alice, "alice")
	f.join(bob, code, "bob")
	f.join(carol, code, "carol")
	f.pub.reset()

	f.send(bob, ws.OpMessageRead, models.MessageStatusRequest{MessageIDs: []string{"m1", "m2"}, SenderID: "alice"})

	got := f.pub.events("alice", ws.OpMessageStatusUpdate)
	if len(got) != 1 {
		t.Fatalf("alice should get one status update, got %v", f.pub.opsTo("alice"))
	}
	data := got[0].Data.(ws.MessageStatusData)
	if data.Status != "read" || data.ReaderID != "bob" || len(data.MessageIDs) != 2 || data.Code != code {
		t.Fatalf("unexpected status payload %+v", data)
	}
	if len(f.pub.events("carol", ws.OpMessageStatusUpdate)) != 0 {
		t.Fatal("receipts are point-to-point")
	}

	// A sender outside the reader's session is never reached.
	f.createSession(conn("dave", "198.51.100.4"), "dave")
	f.pub.reset()
	ack := f.send(bob, ws.OpMessageDelivered, models.MessageStatusRequest{Code: code, MessageID: "m3", SenderID: "dave"})
	if resp := f.pub.ack(t, "bob", ack); resp.Success {
		t.Fatal("cross-session receipt should fail")
	}
	if len(f.pub.events("dave", ws.OpMessageStatusUpdate)) != 0 {
		t.Fatal("dave must not get receipts from another session")
	}
}

func TestTypingFromNonMemberIsDropped(t *testing.T) {
	f := newRelayFixture(t)
	code := f.createSession(alice, "alice")
	f.join(bob, code, "bob")
	f.pub.reset()

	f.send(carol, ws.OpTyping, models.TypingRequest{Code: code, IsTyping: true})
	if len(f.pub.sent) != 0 {
		t.Fatalf("typing from a stranger should be dropped, got %+v", f.pub.sent)
	}

	f.send(bob, ws.OpTyping, models.TypingRequest{Code: code, IsTyping: true})
	typing := f.pub.events("alice", ws.OpUserTyping)
	if len(typing) != 1 || typing[0].Data.(ws.UserTypingData).Nickname != "bob" {
		t.Fatalf("alice should see bob typing, got %v", f.pub.opsTo("alice"))
	}
}

func TestPublicKeyShareIsRelayed(t *testing.T) {
	f := newRelayFixture(t)
	code := f.createSession(alice, "alice")
	f.send(alice, ws.OpSharePublicKey, models.PublicKeyRequest{Code: code, PublicKey: "pk-alice"})

	resp := f.join(bob, code, "bob")
	if keys := resp.Data.(models.SessionInfo).PublicKeys; keys["alice"] != "pk-alice" {
		t.Fatalf("joiner should learn existing keys, got %v", keys)
	}

	f.send(bob, ws.OpSharePublicKey, models.PublicKeyRequest{Code: code, PublicKey: "pk-bob"})
	if got := f.pub.events("alice", ws.OpPublicKey); len(got) != 1 {
		t.Fatalf("alice should get bob's key, got %v", f.pub.opsTo("alice"))
	}
}

func TestLeaveAndDisconnectReleaseEverything(t *testing.T) {
	f := newRelayFixture(t)
	code := f.createSession(alice, "alice")
	f.join(bob, code, "bob")
	f.pub.reset()

	// Push bob over the limit so the guard holds abuse state for him.
	f.step = 0
	for i := 0; i < 7; i++ {
		f.send(bob, ws.OpTyping, models.TypingRequest{Code: code})
	}
	f.step = 300 * time.Millisecond

	f.relay.HandleDisconnect(bob)
	if left := f.pub.events("alice", ws.OpUserLeft); len(left) != 1 || left[0].Data.(ws.MemberEventData).MemberCount != 1 {
		t.Fatalf("alice should see bob leave, got %v", f.pub.opsTo("alice"))
	}
	if _, abuse, blocked := f.guard.Tracked(); abuse != 0 || blocked != 0 {
		t.Fatalf("disconnect should release abuse state, abuse=%d blocked=%d", abuse, blocked)
	}

	ack := f.send(alice, ws.OpLeaveSession, nil)
	if resp := f.pub.ack(t, "alice", ack); !resp.Success {
		t.Fatalf("leave failed: %+v", resp)
	}
	if _, ok := f.reg.Get(code); ok {
		t.Fatal("session should be gone after the last member left")
	}
	if st := f.relay.Stats(); st.Sessions != 0 || st.Members != 0 {
		t.Fatalf("stats should be empty, got %+v", st)
	}
}

func TestCreateWhileMemberDetachesFirst(t *testing.T) {
	f := newRelayFixture(t)
	code := f.createSession(alice, "alice")
	f.join(bob, code, "bob")
	f.pub.reset()

	newCode := f.createSession(bob, "bob")
	if newCode == code {
		t.Fatal("expected a new session")
	}
	if len(f.pub.events("alice", ws.OpUserLeft)) != 1 {
		t.Fatalf("old room should see bob leave, got %v", f.pub.opsTo("alice"))
	}
	checkInvariants(t, f.reg)
}

func TestMaintainExpiresIdleSessions(t *testing.T) {
	f := newRelayFixture(t)
	code := f.createSession(alice, "alice")
	f.join(bob, code, "bob")
	f.pub.reset()

	f.clock.Advance(16 * time.Minute)
	f.relay.Maintain(f.clock.Now())

	for _, id := range []string{"alice", "bob"} {
		if got := f.pub.events(id, ws.OpSessionExpired); len(got) != 1 {
			t.Fatalf("%s should be told the session expired, got %v", id, f.pub.opsTo(id))
		}
	}
	if _, ok := f.reg.Get(code); ok {
		t.Fatal("expired session should be gone")
	}
	if st := f.relay.Stats(); st.Sessions != 0 {
		t.Fatalf("stats should be refreshed, got %+v", st)
	}
}

func TestUnknownOpIsRejectedWithoutPanic(t *testing.T) {
	f := newRelayFixture(t)
	ack := f.send(alice, "rm-rf", nil)
	if resp := f.pub.ack(t, "alice", ack); resp.Success || resp.Kind != pkg.KindValidation {
		t.Fatalf("unexpected response %+v", resp)
	}

	ack = f.send(alice, ws.OpJoinSession, json.RawMessage(`"not an object"`))
	if resp := f.pub.ack(t, "alice", ack); resp.Success || resp.Kind != pkg.KindValidation {
		t.Fatalf("unexpected response %+v", resp)
	}
}
