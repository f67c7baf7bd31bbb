// Package i18n localizes the text the relay sends back to clients: ack
// error messages and server notices. Message bodies are ciphertext and are
// never touched.
//
// The language is chosen once per connection:
//  1. the ?lang= query parameter of the websocket upgrade
//  2. the Accept-Language header
//  3. DefaultLanguage (en)
//
// Usage:
//
//	localizer := i18n.NewLocalizer("tr")
//	msg := localizer.T("errors.banned")
package i18n

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
)

// SupportedLanguages lists the language codes with a locale file.
var SupportedLanguages = []string{"en", "tr"}

// DefaultLanguage is the fallback language.
const DefaultLanguage = "en"

// translations maps lang → flat key → text. Written once by Load, then
// read-only.
var (
	translations map[string]map[string]string
	loadOnce     sync.Once
)

// Load reads one <lang>.json per supported language from localesFS.
// Only the first call does any work.
func Load(localesFS fs.FS) error {
	var loadErr error

	loadOnce.Do(func() {
		translations = make(map[string]map[string]string)

		for _, lang := range SupportedLanguages {
			fileName := lang + ".json"

			data, err := fs.ReadFile(localesFS, fileName)
			if err != nil {
				loadErr = fmt.Errorf("failed to read translation file %s: %w", fileName, err)
				return
			}

			var nested map[string]any
			if err := json.Unmarshal(data, &nested); err != nil {
				loadErr = fmt.Errorf("failed to parse translation file %s: %w", fileName, err)
				return
			}

			flat := make(map[string]string)
			flattenMap("", nested, flat)
			translations[lang] = flat

			slog.Debug("translations loaded", "component", "i18n", "lang", lang, "keys", len(flat))
		}
	})

	return loadErr
}

// Localizer translates keys into one language.
type Localizer struct {
	lang string
}

// NewLocalizer returns a Localizer for lang, or for DefaultLanguage when
// lang is unsupported.
func NewLocalizer(lang string) *Localizer {
	if !isSupported(lang) {
		lang = DefaultLanguage
	}
	return &Localizer{lang: lang}
}

// T returns the text for key, falling back to English and then to the key
// itself.
func (l *Localizer) T(key string) string {
	if msg, ok := translations[l.lang][key]; ok {
		return msg
	}
	if msg, ok := translations[DefaultLanguage][key]; ok {
		return msg
	}
	return key
}

// TWithParams translates key and substitutes {{param}} placeholders.
//
//	localizer.TWithParams("notices.rateLimited", map[string]string{"seconds": "3"})
func (l *Localizer) TWithParams(key string, params map[string]string) string {
	msg := l.T(key)
	for k, v := range params {
		msg = strings.ReplaceAll(msg, "{{"+k+"}}", v)
	}
	return msg
}

// DetectLanguage picks the first supported language of an Accept-Language
// header such as "tr-TR,tr;q=0.9,en-US;q=0.8".
func DetectLanguage(acceptLanguage string) string {
	if acceptLanguage == "" {
		return DefaultLanguage
	}

	parts := strings.Split(acceptLanguage, ",")
	for _, part := range parts {
		lang := strings.TrimSpace(strings.Split(part, ";")[0])
		lang = strings.Split(lang, "-")[0]
		lang = strings.ToLower(lang)

		if isSupported(lang) {
			return lang
		}
	}

	return DefaultLanguage
}

// ─── Helpers ───

func isSupported(lang string) bool {
	for _, l := range SupportedLanguages {
		if l == lang {
			return true
		}
	}
	return false
}

// flattenMap turns {"errors": {"banned": "..."}} into "errors.banned".
func flattenMap(prefix string, src map[string]any, dst map[string]string) {
	for k, v := range src {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}

		switch val := v.(type) {
		case string:
			dst[key] = val
		case map[string]any:
			flattenMap(key, val, dst)
		}
	}
}
