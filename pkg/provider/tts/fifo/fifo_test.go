package fifo_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/MrWong99/murmur/pkg/provider/tts"
	"github.com/MrWong99/murmur/pkg/provider/tts/fifo"
)

func mkfifo(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("named pipes not supported")
	}
	path := filepath.Join(t.TempDir(), "in.jsonl")
	if err := syscall.Mkfifo(path, 0o600); err != nil {
		t.Skipf("mkfifo: %v", err)
	}
	return path
}

func TestSpeak_Unavailable(t *testing.T) {
	dir := t.TempDir()
	regular := filepath.Join(dir, "plain")
	if err := os.WriteFile(regular, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
	}{
		{"empty path", ""},
		{"missing", filepath.Join(dir, "missing")},
		{"regular file", regular},
		{"no reader", mkfifo(t)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := fifo.New(tc.path).Speak(context.Background(), "Hallo")
			if !errors.Is(err, fifo.ErrUnavailable) {
				t.Fatalf("err = %v, want ErrUnavailable", err)
			}
		})
	}
}

func TestSpeak_EmptyText(t *testing.T) {
	err := fifo.New("/nonexistent").Speak(context.Background(), "  \n")
	if !errors.Is(err, tts.ErrEmptyText) {
		t.Fatalf("err = %v, want ErrEmptyText", err)
	}
}

func TestSpeak_WritesJSONLine(t *testing.T) {
	path := mkfifo(t)

	// Opening the read side non-blocking lets the writer find a reader
	// without a goroutine racing the open.
	fd, err := syscall.Open(path, syscall.O_RDONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		t.Fatal(err)
	}
	r := os.NewFile(uintptr(fd), path)
	defer r.Close()

	if err := fifo.New(path).Speak(context.Background(), "Wie geht's?\nGut."); err != nil {
		t.Fatalf("Speak: %v", err)
	}

	_ = r.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(r).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(line, &got); err != nil {
		t.Fatalf("decode %q: %v", line, err)
	}
	if got.Text != "Wie geht's?\nGut." {
		t.Errorf("text = %q", got.Text)
	}
}
