// Package settings holds the runtime speech configuration behind an atomic
// store: transcription model and language, response mode, and synthesis
// voice. Clients read and patch it over HTTP while turns are in flight.
package settings

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/voxd/voxd/internal/common/logger"
)

// Response modes.
const (
	ModeDisabled = "disabled"
	ModeText     = "text"
	ModeAudio    = "audio"
)

// STT option flags.
const (
	OptSmartFormat = "smart_format"
	OptPunctuate   = "punctuate"
)

// Config is the runtime speech configuration.
type Config struct {
	STTModel     string          `json:"stt_model"`
	STTLanguage  string          `json:"stt_language"`
	STTOptions   map[string]bool `json:"stt_options"`
	ResponseMode string          `json:"response_mode"`
	TTSVoice     string          `json:"tts_voice"`
	TTSMaxChars  int             `json:"tts_max_chars"`
}

// Patch is a partial config update. Nil fields are left unchanged; unknown
// STT option keys are ignored so a GET body can be POSTed back unchanged.
type Patch struct {
	STTModel     *string         `json:"stt_model"`
	STTLanguage  *string         `json:"stt_language"`
	STTOptions   map[string]bool `json:"stt_options"`
	ResponseMode *string         `json:"response_mode"`
	TTSVoice     *string         `json:"tts_voice"`
	TTSMaxChars  *int            `json:"tts_max_chars"`
}

// Options is the catalogue of accepted values.
type Options struct {
	Models        []string `json:"models"`
	Languages     []string `json:"languages"`
	ResponseModes []string `json:"response_modes"`
}

// Catalogue returns the accepted model, language, and response-mode values.
func Catalogue() Options {
	return Options{
		Models:        []string{"nova-3", "nova-2", "nova", "enhanced", "base"},
		Languages:     []string{"en-US", "pl"},
		ResponseModes: []string{ModeText, ModeAudio, ModeDisabled},
	}
}

// ValidResponseMode reports whether s is an accepted response mode.
func ValidResponseMode(s string) bool {
	return s == ModeText || s == ModeAudio || s == ModeDisabled
}

// ValidationError reports the rejected patch fields.
type ValidationError struct {
	Fields map[string]string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s (%s)", k, e.Fields[k]))
	}
	return "settings: invalid patch: " + strings.Join(parts, ", ")
}

// Store serves the runtime config to concurrent readers. Reads are
// lock-free; patches are serialised and replace the whole config, so a
// reader sees one version or the next, never a mix.
type Store struct {
	mu      sync.Mutex
	current atomic.Value
	logger  *logger.Logger
}

// NewStore creates a store seeded with the given config.
func NewStore(initial Config, log *logger.Logger) *Store {
	s := &Store{logger: log.WithComponent("settings")}
	s.current.Store(cloneConfig(initial))
	return s
}

// Get returns the current config.
func (s *Store) Get() Config {
	return cloneConfig(s.current.Load().(Config))
}

// Patch validates and applies a partial update, returning the new config.
// Any invalid value rejects the whole patch.
func (s *Store) Patch(p Patch) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := cloneConfig(s.current.Load().(Config))
	catalogue := Catalogue()
	invalid := make(map[string]string)

	if p.STTModel != nil {
		if !contains(catalogue.Models, *p.STTModel) {
			invalid["stt_model"] = fmt.Sprintf("unsupported model %q", *p.STTModel)
		} else {
			next.STTModel = *p.STTModel
		}
	}
	if p.STTLanguage != nil {
		if !contains(catalogue.Languages, *p.STTLanguage) {
			invalid["stt_language"] = fmt.Sprintf("unsupported language %q", *p.STTLanguage)
		} else {
			next.STTLanguage = *p.STTLanguage
		}
	}
	if p.ResponseMode != nil {
		if !ValidResponseMode(*p.ResponseMode) {
			invalid["response_mode"] = fmt.Sprintf("unsupported mode %q", *p.ResponseMode)
		} else {
			next.ResponseMode = *p.ResponseMode
		}
	}
	if p.TTSVoice != nil {
		if strings.TrimSpace(*p.TTSVoice) == "" {
			invalid["tts_voice"] = "must not be empty"
		} else {
			next.TTSVoice = *p.TTSVoice
		}
	}
	if p.TTSMaxChars != nil {
		if *p.TTSMaxChars <= 0 {
			invalid["tts_max_chars"] = "must be positive"
		} else {
			next.TTSMaxChars = *p.TTSMaxChars
		}
	}
	for key, val := range p.STTOptions {
		switch key {
		case OptSmartFormat, OptPunctuate:
			next.STTOptions[key] = val
		}
	}

	if len(invalid) > 0 {
		return Config{}, &ValidationError{Fields: invalid}
	}

	s.current.Store(cloneConfig(next))
	s.logger.Info("Runtime config updated",
		zap.String("stt_model", next.STTModel),
		zap.String("stt_language", next.STTLanguage),
		zap.String("response_mode", next.ResponseMode),
		zap.String("tts_voice", next.TTSVoice))
	return next, nil
}

func cloneConfig(c Config) Config {
	opts := make(map[string]bool, len(c.STTOptions))
	for k, v := range c.STTOptions {
		opts[k] = v
	}
	c.STTOptions = opts
	return c
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
