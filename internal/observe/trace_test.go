package observe

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

// captureLogs routes the default logger into a JSON buffer for one test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func decodeRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log line %q: %v", buf.String(), err)
	}
	return rec
}

func TestStartSpeechSpan(t *testing.T) {
	exp := withSpanRecorder(t)

	ctx, span := StartSpeechSpan(context.Background(), "tts.render", "req-7")
	if got := SpeechID(ctx); got != "req-7" {
		t.Errorf("SpeechID = %q, want req-7", got)
	}
	if CorrelationID(ctx) == "" {
		t.Error("speech span has no trace id")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "tts.render" {
		t.Fatalf("spans = %v", spans)
	}
	var id string
	for _, a := range spans[0].Attributes {
		if a.Key == "speech.id" {
			id = a.Value.AsString()
		}
	}
	if id != "req-7" {
		t.Errorf("speech.id attribute = %q", id)
	}
}

func TestLogger(t *testing.T) {
	withSpanRecorder(t)

	tests := []struct {
		name      string
		ctx       func() (context.Context, func())
		wantID    string
		wantTrace bool
	}{
		{
			name: "bare context",
			ctx:  func() (context.Context, func()) { return context.Background(), func() {} },
		},
		{
			name: "speech id only",
			ctx: func() (context.Context, func()) {
				return WithSpeechID(context.Background(), "r1"), func() {}
			},
			wantID: "r1",
		},
		{
			name: "speech span",
			ctx: func() (context.Context, func()) {
				ctx, span := StartSpeechSpan(context.Background(), "tts.play", "r2")
				return ctx, func() { span.End() }
			},
			wantID:    "r2",
			wantTrace: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			buf := captureLogs(t)
			ctx, end := tc.ctx()
			defer end()

			Logger(ctx).Info("tts engine: playing")
			rec := decodeRecord(t, buf)

			if got, _ := rec["id"].(string); got != tc.wantID {
				t.Errorf("id = %q, want %q", got, tc.wantID)
			}
			tid, _ := rec["trace_id"].(string)
			if tc.wantTrace && (tid != CorrelationID(ctx) || len(tid) != 32) {
				t.Errorf("trace_id = %q, want %q", tid, CorrelationID(ctx))
			}
			if !tc.wantTrace && tid != "" {
				t.Errorf("unexpected trace_id %q", tid)
			}
		})
	}
}

func TestCorrelationID_DistinctPerSpan(t *testing.T) {
	withSpanRecorder(t)

	a, sa := StartSpan(context.Background(), "one")
	b, sb := StartSpan(context.Background(), "two")
	defer sa.End()
	defer sb.End()
	if CorrelationID(a) == CorrelationID(b) {
		t.Error("independent spans share a trace id")
	}
	if CorrelationID(context.Background()) != "" {
		t.Error("background context has a correlation id")
	}
}
