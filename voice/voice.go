// Package voice maps tenant-facing voice names onto Azure neural voice ids.
package voice

import (
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// DefaultLanguage is the language assumed when a tenant does not set one.
const DefaultLanguage = "es-ES"

// DefaultVoice is the engine voice used for the default language when a
// voice id is empty or unknown.
const DefaultVoice = "es-ES-ElviraNeural"

// Kind tags which resolution branch a voice id falls into.
type Kind int

const (
	KindEmpty Kind = iota
	KindEngineFormat
	KindUserFriendly
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindEngineFormat:
		return "engine-format"
	case KindUserFriendly:
		return "user-friendly"
	case KindUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Classification is the result of Classify. Engine is set for
// KindEngineFormat and KindUserFriendly.
type Classification struct {
	Kind   Kind
	Engine string
}

// engineFormat matches ids like "es-ES-LolaMultilingualNeural". The neural
// marker is checked separately.
var engineFormat = regexp.MustCompile(`(?i)^[a-z]{2,3}-[a-z]{2,4}-`)

// Classify decides which branch voiceID takes without logging or defaulting.
func Classify(voiceID string) Classification {
	id := strings.TrimSpace(voiceID)
	if id == "" {
		return Classification{Kind: KindEmpty}
	}
	if engineFormat.MatchString(id) && strings.Contains(strings.ToLower(id), "neural") {
		return Classification{Kind: KindEngineFormat, Engine: id}
	}
	if engine, ok := voices[strings.ToLower(id)]; ok {
		return Classification{Kind: KindUserFriendly, Engine: engine}
	}
	return Classification{Kind: KindUnknown}
}

// DefaultFor returns the fallback engine voice for language. Languages
// without a dedicated default share DefaultVoice.
func DefaultFor(language string) string {
	if language == "" {
		return DefaultVoice
	}
	for lang, v := range languageDefaults {
		if strings.EqualFold(lang, language) {
			return v
		}
	}
	return DefaultVoice
}

// Mapper resolves voice ids. The zero value is not usable; use NewMapper.
type Mapper struct {
	logger *zap.Logger
}

// NewMapper creates a Mapper. A nil logger discards warnings.
func NewMapper(logger *zap.Logger) *Mapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mapper{logger: logger}
}

// Resolve returns the engine voice for voiceID. It never fails: empty and
// unknown ids resolve to the default voice for language, and ids already in
// engine format are returned unchanged.
func (m *Mapper) Resolve(voiceID, language string) string {
	if language == "" {
		language = DefaultLanguage
	}

	c := Classify(voiceID)
	switch c.Kind {
	case KindEngineFormat, KindUserFriendly:
		return c.Engine
	case KindUnknown:
		fallback := DefaultFor(language)
		m.logger.Warn("unknown voice id, using default",
			zap.String("voice_id", voiceID),
			zap.String("language", language),
			zap.String("voice", fallback),
		)
		return fallback
	default:
		return DefaultFor(language)
	}
}

// Known reports whether voiceID is a user-facing name in the table.
func Known(voiceID string) bool {
	_, ok := voices[strings.ToLower(strings.TrimSpace(voiceID))]
	return ok
}
