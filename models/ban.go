package models

import "time"

// BanRecord denies a network address from rejoining one session. It lives
// as long as the session and is removed only by an explicit unban.
type BanRecord struct {
	Address  string    `json:"address"`
	Nickname string    `json:"nickname"`
	BannedAt time.Time `json:"bannedAt"`
	Reason   string    `json:"reason,omitempty"`
}
