package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultSampleRate    = 48000
	defaultPeriodMs      = 20
	defaultBaseTopic     = "murmur/tts"
	defaultMinUtterance  = 200 * time.Millisecond
	defaultCatchUp       = 20
	defaultDeepSleep     = 5 * time.Minute
	defaultFollowUpTurns = 10
	defaultFollowUpArm   = 3 * time.Second
	defaultFollowUpCool  = 100 * time.Millisecond
	defaultReplyTimeout  = 60 * time.Second
	defaultAssistTopic   = "murmur/assistant"
	defaultSTTLanguage   = "de"
)

// ValidBackends lists the built-in backend names per kind. [Validate] warns
// about names outside this list since a binary may register its own.
var ValidBackends = map[string][]string{
	"wakeword": {"oww"},
	"vad":      {"webrtc", "energy"},
	"renderer": {"piper", "coqui", "elevenlabs"},
}

// Load reads the YAML configuration file at path, applies defaults and
// returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero fields the components do not default themselves.
func (c *Config) ApplyDefaults() {
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = defaultSampleRate
	}
	if c.Audio.PeriodMs == 0 {
		c.Audio.PeriodMs = defaultPeriodMs
	}
	if c.Wakeword.Backend == "" {
		c.Wakeword.Backend = "oww"
	}
	if c.VAD.Backend == "" {
		c.VAD.Backend = "webrtc"
	}
	if c.TTS.Renderer == "" {
		c.TTS.Renderer = "piper"
	}
	if c.Bus.BaseTopic == "" {
		c.Bus.BaseTopic = defaultBaseTopic
	}
	if c.STT.Language == "" {
		c.STT.Language = defaultSTTLanguage
	}
	c.STT.API = orDefault(c.STT.API, "stt")

	a := &c.Assistant
	p := &a.Prompts
	p.Ready = orDefault(p.Ready, "Alle Systeme bereit. Ich warte auf das Weckwort.")
	p.Confirm = orDefault(p.Confirm, "Ja?")
	p.Byebye = orDefault(p.Byebye, "Tschüss!")
	p.EndOfChat = orDefault(p.EndOfChat, "Alles klar. Ich warte auf das nächste Weckwort.")
	p.DeepSleep = orDefault(p.DeepSleep, "Ich mache ein Nickerchen. Weck mich mit dem Weckwort.")
	p.Failure = orDefault(p.Failure, "Da ist etwas schiefgelaufen.")
	if a.MinUtterance == 0 {
		a.MinUtterance = defaultMinUtterance
	}
	if a.CatchUpChunks == 0 {
		a.CatchUpChunks = defaultCatchUp
	}
	if a.DeepSleepAfter == 0 {
		a.DeepSleepAfter = defaultDeepSleep
	}
	if a.FollowUp.MaxTurns == 0 {
		a.FollowUp.MaxTurns = defaultFollowUpTurns
	}
	if a.FollowUp.Arm == 0 {
		a.FollowUp.Arm = defaultFollowUpArm
	}
	if a.FollowUp.Cooldown == 0 {
		a.FollowUp.Cooldown = defaultFollowUpCool
	}
	if a.ReplyTimeout == 0 {
		a.ReplyTimeout = defaultReplyTimeout
	}
	if a.Topic == "" {
		a.Topic = defaultAssistTopic
	}
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every failure found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Audio.SampleRate < 8000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is below 8000", cfg.Audio.SampleRate))
	}
	if cfg.Audio.PeriodMs < 0 {
		errs = append(errs, fmt.Errorf("audio.period_ms %d must not be negative", cfg.Audio.PeriodMs))
	}

	ww := cfg.Wakeword
	validateBackend("wakeword", ww.Backend)
	if ww.Threshold < 0 || ww.Threshold > 1 {
		errs = append(errs, fmt.Errorf("wakeword.threshold %.2f is out of range [0, 1]", ww.Threshold))
	}
	if ww.RearmRatio < 0 || ww.RearmRatio > 1 {
		errs = append(errs, fmt.Errorf("wakeword.rearm_ratio %.2f is out of range [0, 1]", ww.RearmRatio))
	}
	if ww.Window > 0 && ww.Hop > ww.Window {
		errs = append(errs, fmt.Errorf("wakeword.hop %s is longer than wakeword.window %s", ww.Hop, ww.Window))
	}

	v := cfg.VAD
	validateBackend("vad", v.Backend)
	switch v.FrameMs {
	case 0, 10, 20, 30:
	default:
		errs = append(errs, fmt.Errorf("vad.frame_ms %d is invalid; valid values: 10, 20, 30", v.FrameMs))
	}
	if v.Aggressiveness < 0 || v.Aggressiveness > 3 {
		errs = append(errs, fmt.Errorf("vad.aggressiveness %d is out of range [0, 3]", v.Aggressiveness))
	}
	if v.StartWindow > 0 && (v.StartMin > v.StartWindow || v.StartConsec > v.StartWindow) {
		errs = append(errs, fmt.Errorf("vad.start_min and vad.start_consec must not exceed vad.start_window %d", v.StartWindow))
	}

	t := cfg.TTS
	validateBackend("renderer", t.Renderer)
	if t.WordsPerMinute < 0 {
		errs = append(errs, fmt.Errorf("tts.words_per_minute %.0f must not be negative", t.WordsPerMinute))
	}
	switch t.Renderer {
	case "coqui":
		if t.Coqui.URL == "" {
			errs = append(errs, errors.New("tts.coqui.url is required when tts.renderer is coqui"))
		}
	case "elevenlabs":
		if t.ElevenLabs.APIKey == "" {
			errs = append(errs, errors.New("tts.elevenlabs.api_key is required when tts.renderer is elevenlabs"))
		}
	}

	b := cfg.Bus
	if b.Broker != "" && !strings.Contains(b.Broker, "://") {
		errs = append(errs, fmt.Errorf("bus.broker %q must include a scheme (tcp://, ssl://, ws://)", b.Broker))
	}
	if strings.ContainsAny(b.BaseTopic, "#+") || strings.HasSuffix(b.BaseTopic, "/") {
		errs = append(errs, fmt.Errorf("bus.base_topic %q must not contain wildcards or a trailing slash", b.BaseTopic))
	}
	if b.TLS != nil && (b.TLS.CertFile == "") != (b.TLS.KeyFile == "") {
		errs = append(errs, errors.New("bus.tls.cert_file and bus.tls.key_file must be set together"))
	}

	a := cfg.Assistant
	if a.MinUtterance < 0 {
		errs = append(errs, fmt.Errorf("assistant.min_utterance %s must not be negative", a.MinUtterance))
	}
	if strings.ContainsAny(a.Topic, "#+") || strings.HasSuffix(a.Topic, "/") {
		errs = append(errs, fmt.Errorf("assistant.topic %q must not contain wildcards or a trailing slash", a.Topic))
	}
	if a.FollowUp.Arm < 0 || a.FollowUp.Cooldown < 0 {
		errs = append(errs, errors.New("assistant.followup.arm and assistant.followup.cooldown must not be negative"))
	}

	switch cfg.STT.API {
	case "", "stt", "inference":
	default:
		errs = append(errs, fmt.Errorf("stt.api %q is invalid; valid values: stt, inference", cfg.STT.API))
	}
	if cfg.STT.URL != "" && !strings.Contains(cfg.STT.URL, "://") {
		errs = append(errs, fmt.Errorf("stt.url %q must include a scheme", cfg.STT.URL))
	}

	return errors.Join(errs...)
}

// validateBackend logs a warning if name is not a built-in backend of kind.
func validateBackend(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidBackends[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("config: unknown backend name, may be a typo or a custom registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
