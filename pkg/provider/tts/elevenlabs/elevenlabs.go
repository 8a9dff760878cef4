// Package elevenlabs renders speech through the ElevenLabs streaming
// WebSocket API. It implements [tts.Renderer]: each call opens one stream,
// sends the text, collects the PCM chunks until the final marker and saves
// them as a WAV artifact.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/tts"
)

var _ tts.Renderer = (*Renderer)(nil)

const (
	defaultBaseURL   = "wss://api.elevenlabs.io"
	streamPathFmt    = "/v1/text-to-speech/%s/stream-input?model_id=%s"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
	defaultTimeout   = 30 * time.Second
)

// Option is a functional option for configuring the ElevenLabs Renderer.
type Option func(*Renderer)

// WithModel sets the ElevenLabs model ID (e.g. "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(r *Renderer) {
		if model != "" {
			r.model = model
		}
	}
}

// WithOutputFormat sets the PCM output format ("pcm_16000", "pcm_22050",
// "pcm_24000", ...).
func WithOutputFormat(format string) Option {
	return func(r *Renderer) {
		if format != "" {
			r.outputFormat = format
		}
	}
}

// WithVoice sets the voice used when a request names none.
func WithVoice(id string) Option {
	return func(r *Renderer) { r.voice = id }
}

// WithOutputDir sets where rendered files are written.
func WithOutputDir(dir string) Option {
	return func(r *Renderer) { r.outputDir = dir }
}

// WithBaseURL overrides the service URL.
func WithBaseURL(u string) Option {
	return func(r *Renderer) { r.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout bounds one render. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(r *Renderer) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// Renderer implements tts.Renderer backed by the ElevenLabs streaming API.
type Renderer struct {
	apiKey       string
	model        string
	outputFormat string
	sampleRate   int
	voice        string
	outputDir    string
	baseURL      string
	timeout      time.Duration
}

// New creates a Renderer. apiKey must be non-empty and the output format
// must be a PCM format.
func New(apiKey string, opts ...Option) (*Renderer, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	r := &Renderer{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		baseURL:      defaultBaseURL,
		timeout:      defaultTimeout,
	}
	for _, o := range opts {
		o(r)
	}
	rate, err := pcmRate(r.outputFormat)
	if err != nil {
		return nil, err
	}
	r.sampleRate = rate
	if r.outputDir == "" {
		r.outputDir = os.TempDir()
	}
	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("elevenlabs: create output dir: %w", err)
	}
	return r, nil
}

func pcmRate(format string) (int, error) {
	s, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, fmt.Errorf("elevenlabs: output format %q is not PCM", format)
	}
	rate, err := strconv.Atoi(s)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("elevenlabs: bad output format %q", format)
	}
	return rate, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// audioResponse is the JSON message received over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
}

// boiMessage is the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
	OutputFormat  string         `json:"output_format,omitempty"`
}

// StreamURL returns the WebSocket URL for voiceID.
func (r *Renderer) StreamURL(voiceID string) string {
	return r.baseURL + fmt.Sprintf(streamPathFmt, voiceID, r.model)
}

// Render implements [tts.Renderer]. voice.ID overrides the default voice.
func (r *Renderer) Render(ctx context.Context, text string, voice tts.Voice) (string, error) {
	line := tts.OneLine(text)
	if line == "" {
		return "", tts.ErrEmptyText
	}
	voiceID := voice.ID
	if voiceID == "" {
		voiceID = r.voice
	}
	if voiceID == "" {
		return "", errors.New("elevenlabs: no voice configured")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, r.StreamURL(voiceID), nil)
	if err != nil {
		return "", fmt.Errorf("elevenlabs: dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 22)

	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	msgs := []any{
		// ElevenLabs requires a non-empty first text value.
		boiMessage{Text: " ", VoiceSettings: vs, XiAPIKey: r.apiKey, OutputFormat: r.outputFormat},
		// A trailing space asks the service to render the text immediately.
		textMessage{Text: line + " "},
		// Empty text ends the input.
		textMessage{Text: ""},
	}
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return "", fmt.Errorf("elevenlabs: encode: %w", err)
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return "", fmt.Errorf("elevenlabs: send: %w", err)
		}
	}

	pcm, err := readAudio(ctx, conn)
	if err != nil {
		return "", err
	}
	conn.Close(websocket.StatusNormalClosure, "done")
	if len(pcm) == 0 {
		return "", errors.New("elevenlabs: no audio received")
	}
	return r.save(audio.EncodeWAV(pcm, r.sampleRate))
}

// readAudio collects PCM until the final marker or a normal close.
func readAudio(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	var pcm []byte
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return pcm, nil
			}
			return nil, fmt.Errorf("elevenlabs: read: %w", err)
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				return nil, fmt.Errorf("elevenlabs: decode audio: %w", err)
			}
			pcm = append(pcm, chunk...)
		}
		if resp.IsFinal {
			return pcm, nil
		}
		if resp.Message != "" && resp.Audio == "" {
			return nil, fmt.Errorf("elevenlabs: service error: %s", resp.Message)
		}
	}
}

func (r *Renderer) save(wav []byte) (string, error) {
	f, err := os.CreateTemp(r.outputDir, "elevenlabs-*.wav")
	if err != nil {
		return "", fmt.Errorf("elevenlabs: create artifact: %w", err)
	}
	_, werr := f.Write(wav)
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("elevenlabs: write artifact: %w", err)
	}
	return filepath.Abs(f.Name())
}
