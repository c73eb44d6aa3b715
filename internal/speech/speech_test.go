package speech

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

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

func newTestClient(t *testing.T, baseURL string) *Client {
	c, err := NewClient("test-key", newTestLogger(t), WithBaseURL(baseURL), WithTimeout(2*time.Second))
	require.NoError(t, err)
	return c
}

func listenBody(transcripts ...string) string {
	type alt struct {
		Transcript string `json:"transcript"`
	}
	type channel struct {
		Alternatives []alt `json:"alternatives"`
	}
	channels := make([]channel, 0, len(transcripts))
	for _, tr := range transcripts {
		channels = append(channels, channel{Alternatives: []alt{{Transcript: tr}}})
	}
	payload := map[string]any{
		"results": map[string]any{"channels": channels},
	}
	b, _ := json.Marshal(payload)
	return string(b)
}

func TestNewClient_RequiresAPIKey(t *testing.T) {
	_, err := NewClient("", newTestLogger(t))
	assert.ErrorIs(t, err, ErrNoAPIKey)

	_, err = NewClient("   ", newTestLogger(t))
	assert.ErrorIs(t, err, ErrNoAPIKey)
}

func TestClient_Transcribe(t *testing.T) {
	audio := []byte("RIFF-fake-wav-bytes")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/listen", r.URL.Path)
		assert.Equal(t, "nova-3", r.URL.Query().Get("model"))
		assert.Equal(t, "en-US", r.URL.Query().Get("language"))
		assert.Equal(t, "true", r.URL.Query().Get("smart_format"))
		assert.Equal(t, "true", r.URL.Query().Get("punctuate"))
		assert.Equal(t, "true", r.URL.Query().Get("mip_opt_out"))
		assert.Equal(t, "Token test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "audio/wav", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, audio, body)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, listenBody("hello there"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	got, err := c.Transcribe(context.Background(), audio, "audio/wav", TranscribeOptions{
		Model:       "nova-3",
		Language:    "en-US",
		SmartFormat: true,
		Punctuate:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello there", got)
}

func TestClient_Transcribe_JoinsChannels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, listenBody("first channel", "", "second channel"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	got, err := c.Transcribe(context.Background(), []byte("audio"), "audio/wav", TranscribeOptions{Model: "nova-3"})
	require.NoError(t, err)
	assert.Equal(t, "first channel second channel", got)
}

func TestClient_Transcribe_EmptyTranscript(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, listenBody(""))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	got, err := c.Transcribe(context.Background(), []byte("audio"), "audio/wav", TranscribeOptions{Model: "nova-3"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestClient_Transcribe_EmptyAudio(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1")
	_, err := c.Transcribe(context.Background(), nil, "audio/wav", TranscribeOptions{})
	assert.ErrorIs(t, err, ErrEmptyAudio)
}

func TestClient_Transcribe_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"err_msg":"unsupported encoding"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Transcribe(context.Background(), []byte("audio"), "audio/wav", TranscribeOptions{Model: "nova-3"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "unsupported encoding", apiErr.Message)
	assert.Equal(t, int64(1), calls.Load())
}

func TestClient_Transcribe_RetriesServerError(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		io.WriteString(w, listenBody("recovered"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	got, err := c.Transcribe(context.Background(), []byte("audio"), "audio/wav", TranscribeOptions{Model: "nova-3"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", got)
	assert.Equal(t, int64(2), calls.Load())
}

func TestClient_Transcribe_ServerErrorExhausted(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, `{"message":"upstream overloaded"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Transcribe(context.Background(), []byte("audio"), "audio/wav", TranscribeOptions{Model: "nova-3"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.True(t, apiErr.IsServerError())
	assert.Equal(t, int64(2), calls.Load())
}

func TestClient_Transcribe_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Transcribe(context.Background(), []byte("audio"), "audio/wav", TranscribeOptions{Model: "nova-3"})
	require.Error(t, err)

	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
}

func TestClient_Synthesize(t *testing.T) {
	mp3 := []byte("ID3-fake-mp3-bytes")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/speak", r.URL.Path)
		assert.Equal(t, "aura-asteria-en", r.URL.Query().Get("model"))
		assert.Equal(t, "true", r.URL.Query().Get("mip_opt_out"))
		assert.Equal(t, "Token test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello world", body["text"])

		w.Header().Set("Content-Type", MimeMPEG)
		w.Write(mp3)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	got, err := c.Synthesize(context.Background(), "hello world", SynthesizeOptions{Voice: "aura-asteria-en"})
	require.NoError(t, err)
	assert.Equal(t, mp3, got)
}

func TestClient_Synthesize_TruncatesByCodepoint(t *testing.T) {
	var sent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		sent = body["text"]
		w.Write([]byte("mp3"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Synthesize(context.Background(), "zażółć gęślą jaźń", SynthesizeOptions{Voice: "aura-asteria-en", MaxChars: 6})
	require.NoError(t, err)
	assert.Equal(t, "zażółć...", sent)
}

func TestClient_Synthesize_EmptyText(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1")

	_, err := c.Synthesize(context.Background(), "", SynthesizeOptions{Voice: "aura-asteria-en"})
	assert.ErrorIs(t, err, ErrEmptyText)

	_, err = c.Synthesize(context.Background(), "  \n ", SynthesizeOptions{Voice: "aura-asteria-en"})
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestClient_Synthesize_EmptyAudioResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Synthesize(context.Background(), "hello", SynthesizeOptions{Voice: "aura-asteria-en"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no audio")
}

func TestTruncateRunes(t *testing.T) {
	tests := []struct {
		name string
		text string
		max  int
		want string
	}{
		{"under limit", "short", 10, "short"},
		{"at limit", "exact", 5, "exact"},
		{"over limit", "truncate me", 8, "truncate..."},
		{"multibyte runes", "żółw żółw", 4, "żółw..."},
		{"empty", "", 5, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, truncateRunes(tt.text, tt.max))
		})
	}
}

func TestParseError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"err_msg field", 400, `{"err_msg":"bad encoding"}`, "bad encoding"},
		{"message field", 500, `{"message":"internal"}`, "internal"},
		{"reason field", 403, `{"reason":"forbidden"}`, "forbidden"},
		{"plain text", 502, "bad gateway\n", "bad gateway"},
		{"empty body", 503, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := parseError(tt.status, []byte(tt.body))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.want, apiErr.Message)
		})
	}
}
