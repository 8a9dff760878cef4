package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func pass(name string) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return nil }}
}

func fail(name, reason string, critical bool) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return errors.New(reason) }, Critical: critical}
}

func serve(t *testing.T, h *Handler, path string) (int, result) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("%s Content-Type = %q", path, ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("%s body: %v", path, err)
	}
	return rec.Code, body
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name:       "engine healthy",
			checkers:   []Checker{pass("bus"), pass("renderer")},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"bus": "ok", "renderer": "ok"},
		},
		{
			name:       "broker down",
			checkers:   []Checker{fail("bus", "message channel is down", false), pass("capture")},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"bus": "fail: message channel is down", "capture": "ok"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			code, body := serve(t, New(tc.checkers...), "/readyz")
			if code != tc.wantCode || body.Status != tc.wantStatus {
				t.Errorf("readyz = %d %q, want %d %q", code, body.Status, tc.wantCode, tc.wantStatus)
			}
			for k, v := range tc.wantChecks {
				if body.Checks[k] != v {
					t.Errorf("checks[%s] = %q, want %q", k, body.Checks[k], v)
				}
			}
		})
	}
}

func TestHealthz_IgnoresCheckers(t *testing.T) {
	t.Parallel()

	code, body := serve(t, New(fail("renderer", "renderer process exited", true)), "/healthz")
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("healthz = %d %q, want 200 ok", code, body.Status)
	}
}

func TestEvaluate_BoundsSlowChecks(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	slow := Checker{Name: "stt", Check: func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Second):
			return nil
		}
	}}
	res := New(slow).Evaluate(ctx)
	if len(res) != 1 || !errors.Is(res[0].Err, context.Canceled) {
		t.Errorf("Evaluate() = %+v, want a cancelled stt check", res)
	}
}

func TestFlag(t *testing.T) {
	t.Parallel()

	up := true
	c := Flag("bus", func() bool { return up }, "message channel is down")
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("connected: %v", err)
	}
	up = false
	if err := c.Check(context.Background()); err == nil || err.Error() != "message channel is down" {
		t.Errorf("disconnected: %v", err)
	}
}

func TestStartup(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		checkers []Checker
		wantErr  string
	}{
		{name: "all pass", checkers: []Checker{pass("capture"), pass("bus")}},
		{name: "soft failure continues", checkers: []Checker{pass("capture"), fail("stt", "recognizer unreachable", false)}},
		{
			name:     "critical failure aborts",
			checkers: []Checker{fail("capture", "no input device", true), fail("bus", "down", false)},
			wantErr:  "health: capture: no input device",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := New(tc.checkers...).Startup(context.Background())
			if tc.wantErr == "" {
				if err != nil {
					t.Errorf("Startup() = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Startup() = %v, want %q", err, tc.wantErr)
			}
			if strings.Contains(err.Error(), "bus") {
				t.Errorf("non-critical failure leaked into %q", err)
			}
		})
	}
}
