package settings

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxd/voxd/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func defaultConfig() Config {
	return Config{
		STTModel:     "nova-3",
		STTLanguage:  "en-US",
		STTOptions:   map[string]bool{OptSmartFormat: true, OptPunctuate: true},
		ResponseMode: ModeText,
		TTSVoice:     "aura-asteria-en",
		TTSMaxChars:  1500,
	}
}

func strp(s string) *string { return &s }
func intp(i int) *int       { return &i }

func TestStore_Get(t *testing.T) {
	s := NewStore(defaultConfig(), newTestLogger(t))

	got := s.Get()
	assert.Equal(t, "nova-3", got.STTModel)
	assert.Equal(t, "en-US", got.STTLanguage)
	assert.True(t, got.STTOptions[OptSmartFormat])
	assert.Equal(t, ModeText, got.ResponseMode)
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := NewStore(defaultConfig(), newTestLogger(t))

	got := s.Get()
	got.STTOptions[OptSmartFormat] = false
	got.STTModel = "base"

	fresh := s.Get()
	assert.True(t, fresh.STTOptions[OptSmartFormat])
	assert.Equal(t, "nova-3", fresh.STTModel)
}

func TestStore_PatchSingleField(t *testing.T) {
	s := NewStore(defaultConfig(), newTestLogger(t))

	got, err := s.Patch(Patch{STTModel: strp("nova-2")})
	require.NoError(t, err)
	assert.Equal(t, "nova-2", got.STTModel)
	assert.Equal(t, "en-US", got.STTLanguage)

	assert.Equal(t, "nova-2", s.Get().STTModel)
}

func TestStore_PatchMultipleFields(t *testing.T) {
	s := NewStore(defaultConfig(), newTestLogger(t))

	got, err := s.Patch(Patch{
		STTLanguage:  strp("pl"),
		ResponseMode: strp(ModeAudio),
		TTSMaxChars:  intp(800),
		STTOptions:   map[string]bool{OptPunctuate: false},
	})
	require.NoError(t, err)
	assert.Equal(t, "pl", got.STTLanguage)
	assert.Equal(t, ModeAudio, got.ResponseMode)
	assert.Equal(t, 800, got.TTSMaxChars)
	assert.False(t, got.STTOptions[OptPunctuate])
	assert.True(t, got.STTOptions[OptSmartFormat])
}

func TestStore_PatchInvalidModelRejectsWholePatch(t *testing.T) {
	s := NewStore(defaultConfig(), newTestLogger(t))

	_, err := s.Patch(Patch{
		STTModel:    strp("whisper-large"),
		STTLanguage: strp("pl"),
	})
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "stt_model")

	// Valid part of the rejected patch must not be applied.
	got := s.Get()
	assert.Equal(t, "nova-3", got.STTModel)
	assert.Equal(t, "en-US", got.STTLanguage)
}

func TestStore_PatchCollectsAllInvalidFields(t *testing.T) {
	s := NewStore(defaultConfig(), newTestLogger(t))

	_, err := s.Patch(Patch{
		STTModel:     strp("bogus"),
		STTLanguage:  strp("xx-XX"),
		ResponseMode: strp("loud"),
		TTSVoice:     strp("  "),
		TTSMaxChars:  intp(-1),
	})
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Fields, 5)
	assert.Contains(t, err.Error(), "stt_model")
	assert.Contains(t, err.Error(), "tts_max_chars")
}

func TestStore_PatchIgnoresUnknownSTTOptions(t *testing.T) {
	s := NewStore(defaultConfig(), newTestLogger(t))

	got, err := s.Patch(Patch{STTOptions: map[string]bool{"diarize": true, OptSmartFormat: false}})
	require.NoError(t, err)
	assert.False(t, got.STTOptions[OptSmartFormat])
	_, present := got.STTOptions["diarize"]
	assert.False(t, present)
}

func TestStore_PatchEmptyIsNoop(t *testing.T) {
	s := NewStore(defaultConfig(), newTestLogger(t))

	got, err := s.Patch(Patch{})
	require.NoError(t, err)
	assert.Equal(t, s.Get(), got)
}

func TestStore_ConcurrentReaders(t *testing.T) {
	s := NewStore(defaultConfig(), newTestLogger(t))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				cfg := s.Get()
				// Model and language always come from the same version.
				if cfg.STTModel == "nova-3" {
					assert.Equal(t, "en-US", cfg.STTLanguage)
				} else {
					assert.Equal(t, "pl", cfg.STTLanguage)
				}
			}
		}()
	}
	for j := 0; j < 50; j++ {
		_, err := s.Patch(Patch{STTModel: strp("nova-2"), STTLanguage: strp("pl")})
		require.NoError(t, err)
		_, err = s.Patch(Patch{STTModel: strp("nova-3"), STTLanguage: strp("en-US")})
		require.NoError(t, err)
	}
	wg.Wait()
}

func TestConfig_JSONShape(t *testing.T) {
	data, err := json.Marshal(defaultConfig())
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"stt_model", "stt_language", "stt_options", "response_mode", "tts_voice", "tts_max_chars"} {
		assert.Contains(t, raw, key)
	}
}

func TestPatch_RoundTripsGetBody(t *testing.T) {
	s := NewStore(defaultConfig(), newTestLogger(t))

	// A client may POST back exactly what GET returned.
	body, err := json.Marshal(s.Get())
	require.NoError(t, err)

	var p Patch
	require.NoError(t, json.Unmarshal(body, &p))

	got, err := s.Patch(p)
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), got)
}

func TestCatalogue(t *testing.T) {
	opts := Catalogue()
	assert.Equal(t, []string{"nova-3", "nova-2", "nova", "enhanced", "base"}, opts.Models)
	assert.Equal(t, []string{"en-US", "pl"}, opts.Languages)
	assert.ElementsMatch(t, []string{ModeText, ModeAudio, ModeDisabled}, opts.ResponseModes)
}

func TestValidResponseMode(t *testing.T) {
	assert.True(t, ValidResponseMode(ModeText))
	assert.True(t, ValidResponseMode(ModeAudio))
	assert.True(t, ValidResponseMode(ModeDisabled))
	assert.False(t, ValidResponseMode(""))
	assert.False(t, ValidResponseMode("speech"))
}
