package whisper_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/stt/whisper"
)

// makeSpeechPCM returns samples of a 440 Hz tone at rate.
func makeSpeechPCM(samples, rate int) []byte {
	buf := make([]byte, samples*2)
	for i := range samples {
		v := int16(10_000 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

type upload struct {
	path   string
	fields map[string]string
	file   string
	wav    audio.WAVInfo
}

// newServer answers uploads with reply and records what it saw.
func newServer(t *testing.T, status int, reply any, got *upload) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		got.path = r.URL.Path
		got.fields = map[string]string{}
		for k, v := range r.MultipartForm.Value {
			got.fields[k] = v[0]
		}
		for name, files := range r.MultipartForm.File {
			got.file = name
			f, err := files[0].Open()
			if err != nil {
				t.Fatal(err)
			}
			data, _ := io.ReadAll(f)
			f.Close()
			info, err := audio.ParseWAV(data)
			if err != nil {
				t.Errorf("uploaded file is not WAV: %v", err)
			}
			got.wav = info
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(reply)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		opts    []whisper.Option
		wantErr bool
	}{
		{name: "valid", url: "http://localhost:5005"},
		{name: "no scheme", url: "localhost:5005", wantErr: true},
		{name: "empty", url: "", wantErr: true},
		{name: "unknown api", url: "http://x", opts: []whisper.Option{whisper.WithAPI("grpc")}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := whisper.New(tt.url, tt.opts...)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTranscribe_STTAPI(t *testing.T) {
	var got upload
	srv := newServer(t, http.StatusOK, map[string]any{"text": "  Wie spät ist es? ", "language": "de", "time_ms": 420}, &got)
	c, err := whisper.New(srv.URL+"/", whisper.WithLanguage("de"))
	if err != nil {
		t.Fatal(err)
	}

	pcm := makeSpeechPCM(48000, 48000) // one second at 48 kHz
	tr, err := c.Transcribe(context.Background(), pcm, 48000)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "Wie spät ist es?" || tr.Language != "de" || tr.Elapsed.Milliseconds() != 420 {
		t.Errorf("transcript = %+v", tr)
	}
	if got.path != "/stt" || got.file != "audio" || got.fields["lang"] != "de" {
		t.Errorf("upload = path %s file %s fields %v", got.path, got.file, got.fields)
	}
	if got.wav.SampleRate != 16000 || got.wav.Channels != 1 || got.wav.Bits != 16 {
		t.Errorf("wav = %+v, want 16 kHz mono 16 bit", got.wav)
	}
	if got.wav.DataSize != 16000*2 {
		t.Errorf("data size = %d, want one second at 16 kHz", got.wav.DataSize)
	}
}

func TestTranscribe_InferenceAPI(t *testing.T) {
	var got upload
	srv := newServer(t, http.StatusOK, map[string]string{"text": "hallo"}, &got)
	c, err := whisper.New(srv.URL,
		whisper.WithAPI(whisper.APIInference),
		whisper.WithModel("small"),
		whisper.WithLanguage("en"),
		whisper.WithTargetRate(0))
	if err != nil {
		t.Fatal(err)
	}
	tr, err := c.Transcribe(context.Background(), makeSpeechPCM(1600, 16000), 16000)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Text != "hallo" || tr.Elapsed <= 0 {
		t.Errorf("transcript = %+v", tr)
	}
	want := map[string]string{"language": "en", "response_format": "json", "model": "small"}
	for k, v := range want {
		if got.fields[k] != v {
			t.Errorf("field %s = %q, want %q", k, got.fields[k], v)
		}
	}
	if got.path != "/inference" || got.file != "file" {
		t.Errorf("upload path %s file %s", got.path, got.file)
	}
}

func TestTranscribe_Errors(t *testing.T) {
	t.Run("empty audio", func(t *testing.T) {
		c, _ := whisper.New("http://127.0.0.1:1")
		if _, err := c.Transcribe(context.Background(), nil, 16000); !errors.Is(err, whisper.ErrEmptyAudio) {
			t.Errorf("err = %v, want ErrEmptyAudio", err)
		}
	})
	t.Run("server error message", func(t *testing.T) {
		var got upload
		srv := newServer(t, http.StatusBadRequest, map[string]string{"error": "Empty audio file"}, &got)
		c, _ := whisper.New(srv.URL)
		_, err := c.Transcribe(context.Background(), makeSpeechPCM(160, 16000), 16000)
		if err == nil || !strings.Contains(err.Error(), "HTTP 400") || !strings.Contains(err.Error(), "Empty audio file") {
			t.Errorf("err = %v", err)
		}
	})
	t.Run("cancelled", func(t *testing.T) {
		var got upload
		srv := newServer(t, http.StatusOK, map[string]string{"text": "x"}, &got)
		c, _ := whisper.New(srv.URL)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := c.Transcribe(ctx, makeSpeechPCM(160, 16000), 16000); !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	})
}

func TestHealthz(t *testing.T) {
	tests := []struct {
		name    string
		api     whisper.API
		status  int
		body    string
		wantOK  bool
		wantMdl string
	}{
		{name: "healthy", api: whisper.APISTT, status: 200, body: `{"ok":true,"model":"large-v3-turbo","device":"cuda"}`, wantOK: true, wantMdl: "large-v3-turbo"},
		{name: "not ok", api: whisper.APISTT, status: 200, body: `{"ok":false}`},
		{name: "http error", api: whisper.APISTT, status: 503, body: `{}`},
		{name: "inference root", api: whisper.APIInference, status: 200, body: `<html>`, wantOK: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				wantPath := "/healthz"
				if tt.api == whisper.APIInference {
					wantPath = "/"
				}
				if r.URL.Path != wantPath {
					http.NotFound(w, r)
					return
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c, _ := whisper.New(srv.URL, whisper.WithAPI(tt.api))
			h, err := c.Healthz(context.Background())
			if tt.wantOK {
				if err != nil || !h.OK || h.Model != tt.wantMdl {
					t.Errorf("Healthz = %+v, %v", h, err)
				}
				return
			}
			if err == nil {
				t.Errorf("Healthz = %+v, want error", h)
			}
		})
	}
}
