// Package malgo implements [audio.Source] on top of miniaudio through
// github.com/gen2brain/malgo. It captures mono PCM16 from the default (or a
// named) input device at the configured rate.
package malgo

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/murmur/pkg/audio"
)

// Compile-time assertion that Source implements audio.Source.
var _ audio.Source = (*Source)(nil)

// ErrStarted is returned by Start when the device is already running.
var ErrStarted = errors.New("malgo: source already started")

// Option configures a [Source].
type Option func(*Source)

// WithDevice selects the capture device whose name contains name
// (case-insensitive). Empty keeps the system default.
func WithDevice(name string) Option {
	return func(s *Source) { s.device = name }
}

// WithPeriodMs sets the device period in milliseconds. Default: 20.
func WithPeriodMs(ms int) Option {
	return func(s *Source) {
		if ms > 0 {
			s.periodMs = ms
		}
	}
}

// Source is a miniaudio capture device.
type Source struct {
	rate     int
	device   string
	periodMs int

	mu   sync.Mutex
	mctx *malgo.AllocatedContext
	dev  *malgo.Device
}

// New returns a Source capturing at rate Hz. The device is not opened until
// Start.
func New(rate int, opts ...Option) *Source {
	s := &Source{rate: rate, periodMs: 20}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SampleRate implements [audio.Source].
func (s *Source) SampleRate() int { return s.rate }

// Start implements [audio.Source].
func (s *Source) Start(onData func(pcm []byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev != nil {
		return ErrStarted
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("malgo: "+strings.TrimSpace(msg))
	})
	if err != nil {
		return fmt.Errorf("malgo: init context: %w", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.SampleRate = uint32(s.rate)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.PeriodSizeInMilliseconds = uint32(s.periodMs)
	cfg.Alsa.NoMMap = 1

	if s.device != "" {
		id, err := findDevice(mctx, s.device)
		if err != nil {
			_ = mctx.Uninit()
			mctx.Free()
			return err
		}
		cfg.Capture.DeviceID = id.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_ []byte, in []byte, _ uint32) {
			if len(in) == 0 {
				return
			}
			// miniaudio reuses its buffer after the callback returns.
			pcm := make([]byte, len(in))
			copy(pcm, in)
			onData(pcm)
		},
	}
	dev, err := malgo.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("malgo: init device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("malgo: start device: %w", err)
	}

	s.mctx = mctx
	s.dev = dev
	slog.Info("malgo: capture started", "rate", s.rate, "device", s.device)
	return nil
}

// Stop implements [audio.Source].
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil {
		return nil
	}
	err := s.dev.Stop()
	s.dev.Uninit()
	s.dev = nil
	if uerr := s.mctx.Uninit(); uerr != nil {
		err = errors.Join(err, uerr)
	}
	s.mctx.Free()
	s.mctx = nil
	if err != nil {
		return fmt.Errorf("malgo: stop: %w", err)
	}
	return nil
}

func findDevice(mctx *malgo.AllocatedContext, name string) (malgo.DeviceID, error) {
	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return malgo.DeviceID{}, fmt.Errorf("malgo: list devices: %w", err)
	}
	want := strings.ToLower(name)
	for _, info := range infos {
		if strings.Contains(strings.ToLower(info.Name()), want) {
			return info.ID, nil
		}
	}
	return malgo.DeviceID{}, fmt.Errorf("malgo: no capture device matching %q", name)
}
