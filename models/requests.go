// Request payloads of inbound relay events.
//
// Validate only checks shape (required fields, lengths, enums). Whether a
// session or member exists is decided by the services. A malformed session
// code is never a validation error: it is reported exactly like an unknown
// one.

package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	maxRawNicknameLength = 128
	maxIDLength          = 64
	maxIVLength          = 64
	maxReasonLength      = 200
	maxAddressLength     = 64
	maxStatusIDs         = 100
	// MaxPublicKeyLength bounds a shared key (base64/JWK text).
	MaxPublicKeyLength = 4096
)

var allowedMediaTypes = map[string]bool{
	"":      true,
	"image": true,
	"video": true,
	"audio": true,
	"voice": true,
	"file":  true,
}

// CreateSessionRequest starts a new session.
type CreateSessionRequest struct {
	Nickname string `json:"nickname"`
}

func (r *CreateSessionRequest) Validate() error {
	return validateRawNickname(r.Nickname)
}

// JoinSessionRequest joins an existing session by code.
type JoinSessionRequest struct {
	Code     string `json:"code"`
	Nickname string `json:"nickname"`
}

func (r *JoinSessionRequest) Validate() error {
	return validateRawNickname(r.Nickname)
}

// SendMessageRequest carries one encrypted message. Ciphertext, IV and
// RawMediaData are opaque to the relay.
type SendMessageRequest struct {
	Code         string          `json:"code"`
	Ciphertext   string          `json:"ciphertext"`
	IV           string          `json:"iv"`
	MessageID    string          `json:"messageId"`
	MediaType    string          `json:"mediaType,omitempty"`
	RawMediaData string          `json:"rawMediaData,omitempty"`
	MediaMeta    json.RawMessage `json:"mediaMeta,omitempty"`
}

func (r *SendMessageRequest) Validate() error {
	if r.Ciphertext == "" && r.RawMediaData == "" {
		return errors.New("ciphertext or media is required")
	}
	if r.IV == "" || len(r.IV) > maxIVLength {
		return fmt.Errorf("iv is required and must be at most %d characters", maxIVLength)
	}
	if err := validateID("messageId", r.MessageID); err != nil {
		return err
	}
	if !allowedMediaTypes[r.MediaType] {
		return fmt.Errorf("unsupported media type: %q", r.MediaType)
	}
	if r.RawMediaData != "" && r.MediaType == "" {
		return errors.New("mediaType is required with media data")
	}
	if len(r.MediaMeta) > 0 && !json.Valid(r.MediaMeta) {
		return errors.New("mediaMeta must be valid JSON")
	}
	return nil
}

// PayloadSize is the number of bytes the relay would fan out.
func (r *SendMessageRequest) PayloadSize() int64 {
	return int64(len(r.Ciphertext) + len(r.IV) + len(r.RawMediaData) + len(r.MediaMeta))
}

// TypingRequest toggles a typing indicator.
type TypingRequest struct {
	Code     string `json:"code"`
	IsTyping bool   `json:"isTyping"`
}

// KickRequest removes and bans a member.
type KickRequest struct {
	Code     string `json:"code"`
	TargetID string `json:"targetId"`
	Reason   string `json:"reason,omitempty"`
}

func (r *KickRequest) Validate() error {
	if err := validateID("targetId", r.TargetID); err != nil {
		return err
	}
	r.Reason = strings.TrimSpace(r.Reason)
	if utf8.RuneCountInString(r.Reason) > maxReasonLength {
		return fmt.Errorf("reason must be at most %d characters", maxReasonLength)
	}
	return nil
}

// MuteRequest sets or clears a member's advisory mute flag.
type MuteRequest struct {
	Code     string `json:"code"`
	TargetID string `json:"targetId"`
	Muted    bool   `json:"muted"`
}

func (r *MuteRequest) Validate() error {
	return validateID("targetId", r.TargetID)
}

// UnbanRequest lifts the ban on an address.
type UnbanRequest struct {
	Code    string `json:"code"`
	Address string `json:"address"`
}

func (r *UnbanRequest) Validate() error {
	r.Address = strings.TrimSpace(r.Address)
	if r.Address == "" || len(r.Address) > maxAddressLength {
		return errors.New("address is required")
	}
	return nil
}

// BannedListRequest asks for the session's ban list.
type BannedListRequest struct {
	Code string `json:"code"`
}

// TransferAdminRequest hands the admin role to another member.
type TransferAdminRequest struct {
	Code     string `json:"code"`
	TargetID string `json:"targetId"`
}

func (r *TransferAdminRequest) Validate() error {
	return validateID("targetId", r.TargetID)
}

// PublicKeyRequest shares an ephemeral public key with the session.
type PublicKeyRequest struct {
	Code      string `json:"code"`
	PublicKey string `json:"publicKey"`
}

func (r *PublicKeyRequest) Validate() error {
	if r.PublicKey == "" || len(r.PublicKey) > MaxPublicKeyLength {
		return fmt.Errorf("publicKey is required and must be at most %d bytes", MaxPublicKeyLength)
	}
	return nil
}

// MessageStatusRequest acknowledges delivery or reading of one or more
// messages back to their sender.
type MessageStatusRequest struct {
	Code       string   `json:"code"`
	MessageID  string   `json:"messageId,omitempty"`
	MessageIDs []string `json:"messageIds,omitempty"`
	SenderID   string   `json:"senderId"`
}

func (r *MessageStatusRequest) Validate() error {
	if err := validateID("senderId", r.SenderID); err != nil {
		return err
	}
	if r.MessageID == "" && len(r.MessageIDs) == 0 {
		return errors.New("messageId or messageIds is required")
	}
	if len(r.MessageIDs) > maxStatusIDs {
		return fmt.Errorf("at most %d message ids per acknowledgement", maxStatusIDs)
	}
	if r.MessageID != "" {
		if err := validateID("messageId", r.MessageID); err != nil {
			return err
		}
	}
	for _, id := range r.MessageIDs {
		if err := validateID("messageIds", id); err != nil {
			return err
		}
	}
	return nil
}

// IDs returns MessageID and MessageIDs merged, without duplicates.
func (r *MessageStatusRequest) IDs() []string {
	ids := make([]string, 0, len(r.MessageIDs)+1)
	seen := make(map[string]bool, len(r.MessageIDs)+1)
	if r.MessageID != "" {
		ids = append(ids, r.MessageID)
		seen[r.MessageID] = true
	}
	for _, id := range r.MessageIDs {
		if !seen[id] {
			ids = append(ids, id)
			seen[id] = true
		}
	}
	return ids
}

func validateRawNickname(nickname string) error {
	if utf8.RuneCountInString(nickname) > maxRawNicknameLength {
		return fmt.Errorf("nickname must be at most %d characters", maxRawNicknameLength)
	}
	return nil
}

func validateID(field, id string) error {
	if id == "" || len(id) > maxIDLength {
		return fmt.Errorf("%s is required and must be at most %d characters", field, maxIDLength)
	}
	return nil
}
