// Package privacylog wraps a slog.Handler so relay logs never carry client
// network addresses or ciphertext material in clear.
//
// Address attributes are replaced by a keyed BLAKE2b fingerprint. The key
// is drawn once per process, so fingerprints correlate within one run (ban
// and abuse investigations) but cannot be reversed or joined across runs.
// Payload attributes are redacted outright.
package privacylog

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const redactedValue = "[REDACTED]"

var (
	bootKey = randomKey()

	fingerprintKeys = map[string]struct{}{
		"address":        {},
		"ip":             {},
		"remote_addr":    {},
		"origin_address": {},
	}
	sensitiveKeyParts = []string{"ciphertext", "iv", "public_key", "raw_media", "token", "secret"}
)

// Handler sanitizes attributes before handing records to next.
type Handler struct {
	next slog.Handler
}

// WrapHandler returns next wrapped with sanitization.
func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &Handler{next: next}
}

// New builds the relay's JSON logger on w at level.
func New(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(WrapHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}

// ParseLevel maps "debug", "info", "warn", "error" to a slog.Level.
// Anything else yields info.
func ParseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		clean = append(clean, SanitizeAttr(attr))
	}
	return &Handler{next: h.next.WithAttrs(clean)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{next: h.next.WithGroup(name)}
}

// SanitizeAttr redacts or fingerprints a single attribute.
func SanitizeAttr(attr slog.Attr) slog.Attr {
	key := strings.ToLower(strings.TrimSpace(attr.Key))
	switch {
	case isSensitiveKey(key):
		return slog.String(attr.Key, redactedValue)
	case isFingerprintKey(key):
		return slog.String(attr.Key+"_fp", Fingerprint(attr.Value.Resolve().String()))
	case attr.Value.Kind() == slog.KindGroup:
		group := attr.Value.Group()
		clean := make([]any, 0, len(group))
		for _, a := range group {
			clean = append(clean, SanitizeAttr(a))
		}
		return slog.Group(attr.Key, clean...)
	default:
		return attr
	}
}

// Fingerprint returns a short keyed hash of value, stable for the life of
// the process. Empty input yields an empty fingerprint.
func Fingerprint(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	mac, err := blake2b.New(8, bootKey)
	if err != nil {
		// Only reachable with an oversized key.
		panic(fmt.Sprintf("privacylog: blake2b: %v", err))
	}
	mac.Write([]byte(trimmed))
	return "fp_" + hex.EncodeToString(mac.Sum(nil))
}

func isFingerprintKey(key string) bool {
	_, ok := fingerprintKeys[key]
	return ok
}

func isSensitiveKey(key string) bool {
	for _, part := range sensitiveKeyParts {
		// Two-letter parts ("iv") only match exactly.
		if key == part || (len(part) > 2 && strings.Contains(key, part)) {
			return true
		}
	}
	return false
}

func randomKey() []byte {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return []byte("privacylog-fallback-key-material")
	}
	return buf
}
