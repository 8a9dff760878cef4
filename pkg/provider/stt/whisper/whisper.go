// Package whisper is an HTTP client for whisper speech recognition servers.
//
// Two server flavours are supported. [APISTT] posts the utterance as form
// field "audio" with field "lang" to /stt and reads {text, language,
// time_ms}. [APIInference] targets whisper.cpp's server: field "file" with
// "language" and response_format=json, posted to /inference.
//
// Audio is resampled to the target rate (16 kHz by default) and wrapped in a
// mono WAV container before upload.
//
// Usage:
//
//	c, err := whisper.New("http://stt.local:5005", whisper.WithLanguage("de"))
//	tr, err := c.Transcribe(ctx, pcm, 48000)
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/stt"
)

// API selects the server flavour.
type API string

const (
	APISTT       API = "stt"
	APIInference API = "inference"
)

const (
	defaultLanguage   = "de"
	defaultTargetRate = 16000
	defaultTimeout    = 60 * time.Second
	maxErrorBody      = 512
)

// ErrEmptyAudio is returned for an utterance with no samples.
var ErrEmptyAudio = errors.New("whisper: empty audio")

var (
	_ stt.Transcriber   = (*Client)(nil)
	_ stt.HealthChecker = (*Client)(nil)
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithLanguage sets the recognition language. Default: "de".
func WithLanguage(lang string) Option {
	return func(c *Client) {
		if lang != "" {
			c.language = lang
		}
	}
}

// WithTargetRate sets the upload sample rate. Zero uploads at the capture
// rate. Default: 16000.
func WithTargetRate(hz int) Option {
	return func(c *Client) { c.targetRate = hz }
}

// WithAPI selects the server flavour. Default: [APISTT].
func WithAPI(api API) Option {
	return func(c *Client) { c.api = api }
}

// WithModel forwards a model name to whisper.cpp servers.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// Client talks to one recognizer server. It is safe for concurrent use.
type Client struct {
	baseURL    string
	language   string
	targetRate int
	api        API
	model      string
	http       *http.Client
}

// New returns a Client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("whisper: invalid server url %q", baseURL)
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		language:   defaultLanguage,
		targetRate: defaultTargetRate,
		api:        APISTT,
		http:       &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	switch c.api {
	case APISTT, APIInference:
	default:
		return nil, fmt.Errorf("whisper: unknown api %q", c.api)
	}
	return c, nil
}

// Transcribe implements [stt.Transcriber].
func (c *Client) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (stt.Transcript, error) {
	if len(pcm) < audio.BytesPerSample {
		return stt.Transcript{}, ErrEmptyAudio
	}
	rate := sampleRate
	if c.targetRate > 0 && c.targetRate != sampleRate {
		pcm = audio.Int16ToBytes(audio.NewResampler(sampleRate, c.targetRate).Process(audio.BytesToInt16(pcm)))
		rate = c.targetRate
	}
	wav := audio.EncodeWAV(pcm, rate)

	body, contentType, err := c.form(wav)
	if err != nil {
		return stt.Transcript{}, err
	}
	endpoint := c.baseURL + "/" + string(c.api)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	slog.Debug("whisper: upload", "url", endpoint, "wav_bytes", len(wav), "rate", rate)
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: read response: %w", err)
	}
	var result struct {
		Text     string `json:"text"`
		Language string `json:"language"`
		TimeMS   int64  `json:"time_ms"`
		Error    string `json:"error"`
	}
	decodeErr := json.Unmarshal(data, &result)
	if resp.StatusCode != http.StatusOK {
		msg := result.Error
		if decodeErr != nil || msg == "" {
			msg = truncate(string(data), maxErrorBody)
		}
		return stt.Transcript{}, fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, msg)
	}
	if decodeErr != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: decode response: %w", decodeErr)
	}

	elapsed := time.Duration(result.TimeMS) * time.Millisecond
	if elapsed == 0 {
		elapsed = time.Since(start)
	}
	return stt.Transcript{
		Text:     strings.TrimSpace(result.Text),
		Language: result.Language,
		Elapsed:  elapsed,
	}, nil
}

// form builds the multipart body for the configured API.
func (c *Client) form(wav []byte) (io.Reader, string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fileField, langField := "audio", "lang"
	if c.api == APIInference {
		fileField, langField = "file", "language"
	}
	fw, err := mw.CreateFormFile(fileField, "speech.wav")
	if err != nil {
		return nil, "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	fields := [][2]string{{langField, c.language}}
	if c.api == APIInference {
		fields = append(fields, [2]string{"response_format", "json"})
		if c.model != "" {
			fields = append(fields, [2]string{"model", c.model})
		}
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("whisper: write %s field: %w", f[0], err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}
	return &body, mw.FormDataContentType(), nil
}

// Healthz implements [stt.HealthChecker]. [APISTT] servers are asked at
// /healthz; whisper.cpp servers only report whether their root answers.
func (c *Client) Healthz(ctx context.Context) (stt.Health, error) {
	path := "/healthz"
	if c.api == APIInference {
		path = "/"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return stt.Health{}, fmt.Errorf("whisper: create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return stt.Health{}, fmt.Errorf("whisper: health request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return stt.Health{}, fmt.Errorf("whisper: health returned HTTP %d", resp.StatusCode)
	}
	if c.api == APIInference {
		return stt.Health{OK: true, Model: c.model}, nil
	}

	var h struct {
		OK      bool   `json:"ok"`
		Model   string `json:"model"`
		Device  string `json:"device"`
		Version string `json:"version"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&h); err != nil {
		return stt.Health{}, fmt.Errorf("whisper: decode health: %w", err)
	}
	if !h.OK {
		return stt.Health{}, errors.New("whisper: server reports not ok")
	}
	return stt.Health{OK: true, Model: h.Model, Device: h.Device, Version: h.Version}, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
