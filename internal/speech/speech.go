// Package speech provides the Deepgram-backed transcription and synthesis
// client used by the relay pipeline.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/voxd/voxd/internal/common/logger"
	"github.com/voxd/voxd/internal/common/tracing"
)

const (
	// DefaultBaseURL is the Deepgram API endpoint.
	DefaultBaseURL = "https://api.deepgram.com"

	// DefaultTimeout bounds a single provider request.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxTTSChars caps synthesis input length in codepoints.
	DefaultMaxTTSChars = 1500

	// MimeMPEG is the content type of synthesized audio.
	MimeMPEG = "audio/mpeg"

	// retryDelay is the pause between the first attempt and the retry.
	retryDelay = 500 * time.Millisecond

	// maxErrorBody caps how much of an error response body is kept.
	maxErrorBody = 4096
)

// TranscribeOptions tunes a single transcription request. Values come from
// the runtime settings store, not from static config.
type TranscribeOptions struct {
	Model       string
	Language    string
	SmartFormat bool
	Punctuate   bool
}

// SynthesizeOptions tunes a single synthesis request.
type SynthesizeOptions struct {
	Voice    string
	MaxChars int
}

// Client calls the Deepgram REST API for transcription and synthesis.
// A request that fails with a transport error or a 5xx response is retried
// once; 4xx responses are returned to the caller unchanged so HTTP handlers
// can surface the upstream status.
type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *logger.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the provider endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.client.Timeout = d
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.client = hc
	}
}

// NewClient creates a Deepgram client. The API key is required.
func NewClient(apiKey string, log *logger.Logger, opts ...Option) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrNoAPIKey
	}

	c := &Client{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		client:  &http.Client{Timeout: DefaultTimeout},
		logger:  log.WithComponent("speech"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// listenResponse is the subset of the transcription response the relay
// needs.
type listenResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe sends raw audio to the provider and returns the transcript.
// Transcripts from multiple channels are joined with a single space. An
// empty transcript is returned as ("", nil); the caller decides what an
// empty utterance means.
func (c *Client) Transcribe(ctx context.Context, audio []byte, contentType string, opts TranscribeOptions) (string, error) {
	if len(audio) == 0 {
		return "", ErrEmptyAudio
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	q := url.Values{}
	q.Set("model", opts.Model)
	q.Set("language", opts.Language)
	q.Set("smart_format", strconv.FormatBool(opts.SmartFormat))
	q.Set("punctuate", strconv.FormatBool(opts.Punctuate))
	q.Set("mip_opt_out", "true")
	endpoint := c.baseURL + "/v1/listen?" + q.Encode()

	ctx, span := tracing.TraceProviderRequest(ctx, "listen", opts.Model)
	defer span.End()

	body, status, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(audio))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Token "+c.apiKey)
		req.Header.Set("Content-Type", contentType)
		return req, nil
	})
	tracing.TraceProviderResponse(span, status, err)
	if err != nil {
		return "", err
	}

	var parsed listenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("speech: decode transcription response: %w", err)
	}

	parts := make([]string, 0, len(parsed.Results.Channels))
	for _, ch := range parsed.Results.Channels {
		if len(ch.Alternatives) == 0 {
			continue
		}
		if t := strings.TrimSpace(ch.Alternatives[0].Transcript); t != "" {
			parts = append(parts, t)
		}
	}

	transcript := strings.Join(parts, " ")
	c.logger.Debug("Transcription complete",
		zap.String("model", opts.Model),
		zap.Int("audio_bytes", len(audio)),
		zap.Int("transcript_chars", len(transcript)))
	return transcript, nil
}

// Synthesize converts text to MP3 audio. Text longer than MaxChars
// codepoints is truncated with a trailing ellipsis before being sent.
func (c *Client) Synthesize(ctx context.Context, text string, opts SynthesizeOptions) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	maxChars := opts.MaxChars
	if maxChars <= 0 {
		maxChars = DefaultMaxTTSChars
	}
	text = truncateRunes(text, maxChars)

	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("speech: encode synthesis request: %w", err)
	}

	q := url.Values{}
	q.Set("model", opts.Voice)
	q.Set("mip_opt_out", "true")
	endpoint := c.baseURL + "/v1/speak?" + q.Encode()

	ctx, span := tracing.TraceProviderRequest(ctx, "speak", opts.Voice)
	defer span.End()

	body, status, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Token "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	tracing.TraceProviderResponse(span, status, err)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("speech: provider returned no audio")
	}

	c.logger.Debug("Synthesis complete",
		zap.String("voice", opts.Voice),
		zap.Int("text_chars", len(text)),
		zap.Int("audio_bytes", len(body)))
	return body, nil
}

// doWithRetry executes the request, retrying once on a transport error or a
// 5xx response. 4xx responses are never retried. The returned status is the
// last HTTP status received, or 0 when no response arrived.
func (c *Client) doWithRetry(ctx context.Context, build func() (*http.Request, error)) ([]byte, int, error) {
	const attempts = 2

	var lastErr error
	var lastStatus int
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Retrying speech provider request", zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, lastStatus, ctx.Err()
			case <-time.After(retryDelay):
			}
		}

		req, err := build()
		if err != nil {
			return nil, 0, fmt.Errorf("speech: build request: %w", err)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("speech: request failed: %w", err)
			lastStatus = 0
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		lastStatus = resp.StatusCode

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if readErr != nil {
				lastErr = fmt.Errorf("speech: read response: %w", readErr)
				continue
			}
			return body, resp.StatusCode, nil
		}

		apiErr := parseError(resp.StatusCode, body)
		if !apiErr.IsServerError() {
			return nil, resp.StatusCode, apiErr
		}
		lastErr = apiErr
	}
	return nil, lastStatus, lastErr
}

// deepgramError covers the provider's JSON error envelopes.
type deepgramError struct {
	ErrMsg  string `json:"err_msg"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// parseError converts a non-2xx response into an APIError.
func parseError(status int, body []byte) *APIError {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}

	var parsed deepgramError
	if err := json.Unmarshal(body, &parsed); err == nil {
		msg := parsed.ErrMsg
		if msg == "" {
			msg = parsed.Message
		}
		if msg == "" {
			msg = parsed.Reason
		}
		if msg != "" {
			return &APIError{StatusCode: status, Message: msg}
		}
	}
	return &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
}

// truncateRunes caps text at max codepoints, marking the cut with an
// ellipsis.
func truncateRunes(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "..."
}
