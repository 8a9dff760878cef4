package transcript_test

import (
	"testing"

	"github.com/MrWong99/murmur/internal/transcript"
)

func TestNormalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"Nein, danke.", "nein danke"},
		{"  Tschüss!!  ", "tschüss"},
		{"Programm-Ende", "programm-ende"},
		{"Wie   spät\tist es?", "wie spät ist es"},
		{"", ""},
		{"...", ""},
	}
	for _, tt := range tests {
		if got := transcript.Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStripWake(t *testing.T) {
	t.Parallel()
	m := transcript.New(transcript.WithWakePhrases("coglet", "hey murmur"))
	tests := []struct {
		name, in, want string
	}{
		{"exact with colon", "Coglet: wie spät ist es?", "wie spät ist es?"},
		{"separate separator", "coglet - mach das Licht an", "mach das Licht an"},
		{"phonetic variant", "Koglet, erzähl einen Witz", "erzähl einen Witz"},
		{"multi word", "Hey Murmur, wie wird das Wetter", "wie wird das Wetter"},
		{"no wake phrase", "  wie spät ist es  ", "wie spät ist es"},
		{"wake phrase only", "Coglet!", ""},
		{"wake phrase later", "sag coglet", "sag coglet"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.StripWake(tt.in); got != tt.want {
				t.Errorf("StripWake(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestStripWake_NoPhrases(t *testing.T) {
	t.Parallel()
	m := transcript.New()
	if got := m.StripWake("coglet: hallo"); got != "coglet: hallo" {
		t.Errorf("got %q", got)
	}
}

func TestIsExit(t *testing.T) {
	t.Parallel()
	m := transcript.New()
	tests := []struct {
		in   string
		want bool
	}{
		{"Programm Ende.", true},
		{"programmende", true},
		{"Programm-Ende!", true},
		{"Pro gramm ende", true},
		{"das Programm endet", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := m.IsExit(tt.in); got != tt.want {
			t.Errorf("IsExit(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestIsStop(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		m    *transcript.Matcher
		in   string
		want bool
	}{
		{"default danke", transcript.New(), "Danke!", true},
		{"default nein danke", transcript.New(), "Nein, danke.", true},
		{"default umlaut", transcript.New(), "Tschüss", true},
		{"not a stop phrase", transcript.New(), "danke für die Info", false},
		{"custom", transcript.New(transcript.WithStopPhrases("thanks")), "Thanks.", true},
		{"custom replaces default", transcript.New(transcript.WithStopPhrases("thanks")), "danke", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.m.IsStop(tt.in); got != tt.want {
				t.Errorf("IsStop(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
