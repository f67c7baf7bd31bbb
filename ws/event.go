// Package ws is the relay's realtime transport: websocket connections, the
// hub that owns them and the JSON envelope they exchange.
//
// Flow:
//  1. Handler upgrades /ws and registers a Client with the Hub.
//  2. Client.ReadPump decodes frames into Inbound and queues them. It answers
//     at most one heartbeat per second itself; faster heartbeats and frames
//     that do not decode are queued too, so the dispatcher can charge them.
//  3. Hub.Run hands each Inbound to the Dispatcher, one at a time.
//  4. The Dispatcher answers through the EventPublisher methods.
//  5. Each Client.WritePump drains its send buffer onto the socket.
package ws

import "encoding/json"

// Event is one outbound frame.
//
// Seq increases by one per event sent by this process so a client can
// detect gaps. Ack echoes the id of the inbound event being answered.
type Event struct {
	Op   string `json:"op"`
	Data any    `json:"d,omitempty"`
	Seq  int64  `json:"seq,omitempty"`
	Ack  string `json:"ack,omitempty"`
}

// Inbound is one frame received from a client. Data is kept raw until the
// dispatcher knows which request type it is.
type Inbound struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
	Ack  string          `json:"ack,omitempty"`
}

// Decode unmarshals Data into v. An absent payload leaves v untouched.
func (in Inbound) Decode(v any) error {
	if len(in.Data) == 0 || string(in.Data) == "null" {
		return nil
	}
	return json.Unmarshal(in.Data, v)
}

// Size returns the length of the raw payload.
func (in Inbound) Size() int {
	return len(in.Data)
}

// Conn identifies the connection an inbound event came from.
type Conn struct {
	ID      string
	Address string
	Lang    string
}

// ────────────────────────────────────────────
// Operation constants
// ────────────────────────────────────────────

// Client → server
const (
	OpCreateSession    = "create-session"
	OpJoinSession      = "join-session"
	OpSendMessage      = "send-message"
	OpTyping           = "typing"
	OpKickUser         = "kick-user"
	OpMuteUser         = "mute-user"
	OpUnbanUser        = "unban-user"
	OpGetBannedUsers   = "get-banned-users"
	OpTransferAdmin    = "transfer-admin"
	OpSharePublicKey   = "share-public-key"
	OpMessageDelivered = "message-delivered"
	OpMessageRead      = "message-read"
	OpLeaveSession     = "leave-session"
	OpHeartbeat        = "heartbeat"
)

// OpInvalidFrame is never sent by a client. ReadPump substitutes it for a
// frame that is not JSON or has no op, so the dispatcher can charge it.
const OpInvalidFrame = "invalid-frame"

// Server → client
const (
	OpAck                 = "ack"
	OpHeartbeatAck        = "heartbeat-ack"
	OpNewMessage          = "new-message"
	OpUserJoined          = "user-joined"
	OpUserLeft            = "user-left"
	OpUserKicked          = "user-kicked"
	OpKicked              = "kicked"
	OpUserTyping          = "user-typing"
	OpUserMuted           = "user-muted"
	OpBannedUsersUpdated  = "banned-users-updated"
	OpAdminChanged        = "admin-changed"
	OpPublicKey           = "public-key"
	OpMessageStatusUpdate = "message-status-update"
	OpRateLimited         = "rate-limited"
	OpMessageError        = "message-error"
	OpSessionExpired      = "session-expired"
)

// ────────────────────────────────────────────
// Outbound payloads
// ────────────────────────────────────────────

// NewMessageData is relayed verbatim to the other members. The relay only
// stamps the sender fields and the server time.
type NewMessageData struct {
	Code           string          `json:"code"`
	MessageID      string          `json:"messageId"`
	SenderID       string          `json:"senderId"`
	SenderNickname string          `json:"senderNickname"`
	Ciphertext     string          `json:"ciphertext,omitempty"`
	IV             string          `json:"iv"`
	MediaType      string          `json:"mediaType,omitempty"`
	RawMediaData   string          `json:"rawMediaData,omitempty"`
	MediaMeta      json.RawMessage `json:"mediaMeta,omitempty"`
	Timestamp      int64           `json:"timestamp"`
}

// MemberEventData announces a membership change to the rest of a session.
type MemberEventData struct {
	Code        string `json:"code"`
	UserID      string `json:"userId"`
	Nickname    string `json:"nickname"`
	MemberCount int    `json:"memberCount"`
	AdminID     string `json:"adminId"`
}

// KickedData tells a kicked client why it is being disconnected.
type KickedData struct {
	Code    string `json:"code"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

// UserTypingData is broadcast to the other members while someone types.
// Typing from a non-member is dropped, never echoed.
type UserTypingData struct {
	Code     string `json:"code"`
	UserID   string `json:"userId"`
	Nickname string `json:"nickname"`
	IsTyping bool   `json:"isTyping"`
}

// UserMutedData announces an admin mute or unmute. Muting is advisory: the
// relay cannot read ciphertext, so clients hide the muted member's messages.
type UserMutedData struct {
	Code   string `json:"code"`
	UserID string `json:"userId"`
	Muted  bool   `json:"muted"`
}

// BannedUsersData carries the session's current ban list to its admin.
// Banned holds []models.BanRecord; ws does not import models.
type BannedUsersData struct {
	Code   string `json:"code"`
	Banned any    `json:"banned"`
}

// AdminChangedData is broadcast to the whole session after an explicit
// transfer-admin.
type AdminChangedData struct {
	Code            string `json:"code"`
	AdminID         string `json:"adminId"`
	PreviousAdminID string `json:"previousAdminId"`
}

// PublicKeyData relays a member's public key for end-to-end encryption.
// The relay stores the key only to hand it to later joiners.
type PublicKeyData struct {
	Code      string `json:"code"`
	UserID    string `json:"userId"`
	PublicKey string `json:"publicKey"`
}

// MessageStatusData is routed to the original sender only.
type MessageStatusData struct {
	Code       string   `json:"code"`
	MessageIDs []string `json:"messageIds"`
	Status     string   `json:"status"`
	ReaderID   string   `json:"readerId"`
}

// RateLimitedData is sent to the offending connection only.
type RateLimitedData struct {
	Op           string `json:"op"`
	RetryAfterMs int64  `json:"retryAfterMs"`
	Blocked      bool   `json:"blocked"`
	Message      string `json:"message"`
}

// MessageErrorData reports a dropped send-message to its sender.
type MessageErrorData struct {
	MessageID string `json:"messageId,omitempty"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}

// SessionExpiredData tells a member its session was removed by the idle
// sweep. Message is in the member's own language.
type SessionExpiredData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
