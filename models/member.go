package models

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"
	"unicode"
)

// MaxNicknameLength is the rune limit of a sanitized nickname.
const MaxNicknameLength = 30

// Member is one connection's participation in a session.
type Member struct {
	ConnID   string
	Nickname string
	JoinedAt time.Time
	IsAdmin  bool
	// OriginAddress is the network address seen at join time. It is only
	// used to correlate bans and is never sent to other members.
	OriginAddress string
	// Muted is advisory. Receiving clients hide a muted member's messages;
	// the relay cannot, since bodies are ciphertext.
	Muted bool
	// Lang is the member's language for server notices.
	Lang string
}

// MemberView is the public projection of a Member.
type MemberView struct {
	ID       string    `json:"id"`
	Nickname string    `json:"nickname"`
	IsAdmin  bool      `json:"isAdmin"`
	Muted    bool      `json:"muted"`
	JoinedAt time.Time `json:"joinedAt"`
}

// View returns the public projection of m.
func (m *Member) View() MemberView {
	return MemberView{
		ID:       m.ConnID,
		Nickname: m.Nickname,
		IsAdmin:  m.IsAdmin,
		Muted:    m.Muted,
		JoinedAt: m.JoinedAt,
	}
}

// SanitizeNickname keeps letters, digits, spaces and underscores, collapses
// runs of spaces and truncates to MaxNicknameLength runes. The result may be
// empty.
func SanitizeNickname(raw string) string {
	var b strings.Builder
	runes := 0
	lastSpace := true
	for _, r := range raw {
		if runes == MaxNicknameLength {
			break
		}
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			lastSpace = false
		case unicode.IsSpace(r):
			if lastSpace {
				continue
			}
			r = ' '
			lastSpace = true
		default:
			continue
		}
		b.WriteRune(r)
		runes++
	}
	return strings.TrimRight(b.String(), " ")
}

// ResolveNickname sanitizes raw, or generates a nickname when nothing
// usable is left.
func ResolveNickname(raw string) string {
	if nick := SanitizeNickname(raw); nick != "" {
		return nick
	}
	return GenerateNickname()
}

// GenerateNickname returns a "User_NNNN" nickname.
func GenerateNickname() string {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "User_0000"
	}
	return fmt.Sprintf("User_%04d", n.Int64())
}
