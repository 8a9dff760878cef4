// Package coqui renders speech through a Coqui TTS HTTP server. It implements
// [tts.Renderer] by saving each synthesised WAV response into an output
// directory.
//
// Two API modes are supported:
//
//   - APIModeStandard (default): the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis is GET /api/tts with query
//     parameters; the speaker catalogue comes from GET /details.
//
//   - APIModeXTTS: the Coqui XTTS v2 API server. Synthesis is
//     POST /tts_to_audio/ with a JSON body; the speaker catalogue comes from
//     GET /studio_speakers.
//
// Typical usage:
//
//	r, err := coqui.New("http://localhost:5002",
//	    coqui.WithLanguage("de"),
//	    coqui.WithOutputDir("/run/murmur/tts"),
//	)
//	path, err := r.Render(ctx, "Hallo.", tts.Voice{})
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/tts"
)

var _ tts.Renderer = (*Renderer)(nil)

const (
	defaultLanguage        = "en"
	defaultTimeout         = 30 * time.Second
	ttsEndpoint            = "/tts_to_audio/"
	studioSpeakersEndpoint = "/studio_speakers"
	apiTTSEndpoint         = "/api/tts"
	detailsEndpoint        = "/details"
)

// APIMode selects which Coqui server API the renderer targets.
type APIMode string

const (
	// APIModeXTTS targets the Coqui XTTS v2 API server (/tts_to_audio/).
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	APIModeStandard APIMode = "standard"
)

// Option is a functional option for configuring a Coqui Renderer.
type Option func(*Renderer)

// WithLanguage sets the language code sent to the server (e.g. "en", "de").
// Defaults to "en".
func WithLanguage(lang string) Option {
	return func(r *Renderer) {
		r.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(r *Renderer) {
		if d > 0 {
			r.httpClient.Timeout = d
		}
	}
}

// WithAPIMode sets the server API mode.
func WithAPIMode(mode APIMode) Option {
	return func(r *Renderer) {
		r.apiMode = mode
	}
}

// WithOutputDir sets where rendered files are written. Defaults to the
// system temp directory.
func WithOutputDir(dir string) Option {
	return func(r *Renderer) {
		r.outputDir = dir
	}
}

// WithHTTPClient replaces the HTTP client. The configured timeout is kept
// unless the client sets its own.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Renderer) {
		if c.Timeout == 0 {
			c.Timeout = r.httpClient.Timeout
		}
		r.httpClient = c
	}
}

// Renderer implements tts.Renderer backed by a Coqui TTS server. It is safe
// for concurrent use.
type Renderer struct {
	serverURL  string
	language   string
	outputDir  string
	httpClient *http.Client
	apiMode    APIMode
}

// New creates a Renderer targeting the server at serverURL
// (e.g. "http://localhost:5002").
func New(serverURL string, opts ...Option) (*Renderer, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	r := &Renderer{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		apiMode:    APIModeStandard,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(r)
	}
	if r.apiMode != APIModeStandard && r.apiMode != APIModeXTTS {
		return nil, fmt.Errorf("coqui: unknown api mode %q", r.apiMode)
	}
	if r.outputDir == "" {
		r.outputDir = os.TempDir()
	}
	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("coqui: create output dir: %w", err)
	}
	return r, nil
}

// xttsRequest is the JSON body sent to POST /tts_to_audio/.
type xttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// detailsResponse is the JSON body returned by GET /details. Speakers is nil
// for single-speaker models.
type detailsResponse struct {
	ModelName string   `json:"model_name"`
	Speakers  []string `json:"speakers"`
}

// Render implements [tts.Renderer]. voice.ID selects the speaker: a
// speaker_id in standard mode, a studio speaker in XTTS mode.
func (r *Renderer) Render(ctx context.Context, text string, voice tts.Voice) (string, error) {
	line := tts.OneLine(text)
	if line == "" {
		return "", tts.ErrEmptyText
	}

	var req *http.Request
	var err error
	if r.apiMode == APIModeXTTS {
		req, err = r.xttsRequest(ctx, line, voice)
	} else {
		req, err = r.standardRequest(ctx, line, voice)
	}
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("coqui: %s %s returned status %d", req.Method, req.URL.Path, resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("coqui: read WAV response: %w", err)
	}
	if _, err := audio.ParseWAV(wav); err != nil {
		return "", fmt.Errorf("coqui: %w", err)
	}
	return r.save(wav)
}

func (r *Renderer) xttsRequest(ctx context.Context, line string, voice tts.Voice) (*http.Request, error) {
	data, err := json.Marshal(xttsRequest{Text: line, SpeakerWav: voice.ID, Language: r.language})
	if err != nil {
		return nil, fmt.Errorf("coqui: marshal tts request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.serverURL+ttsEndpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (r *Renderer) standardRequest(ctx context.Context, line string, voice tts.Voice) (*http.Request, error) {
	params := url.Values{}
	params.Set("text", line)
	if voice.ID != "" {
		params.Set("speaker_id", voice.ID)
	}
	if r.language != "" {
		params.Set("language_id", r.language)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.serverURL+apiTTSEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	return req, nil
}

func (r *Renderer) save(wav []byte) (string, error) {
	f, err := os.CreateTemp(r.outputDir, "coqui-*.wav")
	if err != nil {
		return "", fmt.Errorf("coqui: create artifact: %w", err)
	}
	if _, err := f.Write(wav); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("coqui: write artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("coqui: write artifact: %w", err)
	}
	return filepath.Abs(f.Name())
}

// Speakers lists the voices the server offers, sorted by name. A
// single-speaker standard model is reported by its model name.
func (r *Renderer) Speakers(ctx context.Context) ([]string, error) {
	endpoint := detailsEndpoint
	if r.apiMode == APIModeXTTS {
		endpoint = studioSpeakersEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.serverURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create speakers request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: GET %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: GET %s returned status %d", endpoint, resp.StatusCode)
	}

	var names []string
	if r.apiMode == APIModeXTTS {
		var raw map[string]json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			return nil, fmt.Errorf("coqui: decode studio speakers: %w", err)
		}
		for name := range raw {
			names = append(names, name)
		}
	} else {
		var details detailsResponse
		if err := json.NewDecoder(resp.Body).Decode(&details); err != nil {
			return nil, fmt.Errorf("coqui: decode details response: %w", err)
		}
		names = append(names, details.Speakers...)
		if len(names) == 0 && details.ModelName != "" {
			names = append(names, details.ModelName)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Ping reports whether the server answers its catalogue endpoint.
func (r *Renderer) Ping(ctx context.Context) error {
	_, err := r.Speakers(ctx)
	return err
}
