package mqtt

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/murmur/internal/bus"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"ok", Config{Broker: "tcp://localhost:1883"}, ""},
		{"missing broker", Config{}, "broker is required"},
		{"no scheme", Config{Broker: "localhost:1883"}, "must include a scheme"},
		{"will without topic", Config{Broker: "tcp://x:1", Will: &Will{}}, "will topic"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestDial_InvalidConfig(t *testing.T) {
	if _, err := Dial(context.Background(), Config{}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestDial_UnreachableBrokerFallsBack(t *testing.T) {
	// Nothing listens on port 1 of the loopback address.
	b, err := Dial(context.Background(), Config{
		Broker:         "tcp://127.0.0.1:1",
		ConnectTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer b.Close()

	if b.Connected() {
		t.Fatal("Connected with no broker")
	}
	if !strings.HasPrefix(b.cfg.ClientID, "murmur-") || len(b.cfg.ClientID) != len("murmur-")+12 {
		t.Errorf("ClientID = %q", b.cfg.ClientID)
	}
	if err := b.Publish(context.Background(), "murmur/tts/say", []byte("x")); !errors.Is(err, bus.ErrNotConnected) {
		t.Errorf("Publish err = %v, want ErrNotConnected", err)
	}
	if err := b.Subscribe("murmur/tts/status", 0, nil); err != nil {
		t.Errorf("Subscribe while offline = %v, want nil", err)
	}
}
