package bus_test

import (
	"testing"

	"github.com/MrWong99/murmur/internal/bus"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		filter, topic string
		want          bool
	}{
		{"murmur/tts/say", "murmur/tts/say", true},
		{"murmur/tts/say", "murmur/tts/cancel", false},
		{"murmur/tts/+", "murmur/tts/status", true},
		{"murmur/+/status", "murmur/tts/status", true},
		{"murmur/+", "murmur/tts/status", false},
		{"murmur/#", "murmur/tts/status", true},
		{"murmur/#", "murmur", true},
		{"#", "anything/at/all", true},
		{"murmur/tts/status/+", "murmur/tts/status", false},
		{"murmur/#/status", "murmur/tts/status", false},
	}
	for _, tc := range tests {
		if got := bus.Match(tc.filter, tc.topic); got != tc.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tc.filter, tc.topic, got, tc.want)
		}
	}
}

func TestApplyOptions(t *testing.T) {
	o := bus.ApplyOptions(bus.WithQoS(5), bus.WithRetain())
	if o.QoS != 2 || !o.Retain {
		t.Errorf("options = %+v", o)
	}
	if o := bus.ApplyOptions(); o.QoS != 0 || o.Retain {
		t.Errorf("zero options = %+v", o)
	}
}
