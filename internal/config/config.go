// Package config provides the configuration schema, loader, watcher and
// backend registry shared by the murmur front-end and the speech engine.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	Wakeword  WakewordConfig  `yaml:"wakeword"`
	VAD       VADConfig       `yaml:"vad"`
	TTS       TTSConfig       `yaml:"tts"`
	Bus       BusConfig       `yaml:"bus"`
	Assistant AssistantConfig `yaml:"assistant"`
	STT       STTConfig       `yaml:"stt"`
}

// ServerConfig holds the diagnostics listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the diagnostics address (e.g. ":9090"). Empty disables
	// the diagnostics server.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig configures microphone capture.
type AudioConfig struct {
	// Device is a substring of the capture device name. Empty uses the
	// system default.
	Device string `yaml:"device"`

	// SampleRate is the hardware capture rate. Default: 48000.
	SampleRate int `yaml:"sample_rate"`

	// PeriodMs is the device callback period. Default: 20.
	PeriodMs int `yaml:"period_ms"`

	// GainDB is software gain applied to float reads.
	GainDB float64 `yaml:"gain_db"`

	// LevelWindow is the span Level reports over. Default: 500ms.
	LevelWindow time.Duration `yaml:"level_window"`
}

// WakewordConfig selects and tunes the wake-word detector.
type WakewordConfig struct {
	// Backend names a registered model factory. Default: "oww".
	Backend string `yaml:"backend"`

	Model          string `yaml:"model"`
	MelspecModel   string `yaml:"melspec_model"`
	EmbeddingModel string `yaml:"embedding_model"`
	SharedLibrary  string `yaml:"shared_library"`

	// Key selects the phrase from the model scores. Empty probes the model.
	Key string `yaml:"key"`

	Threshold    float64       `yaml:"threshold"`
	RearmRatio   float64       `yaml:"rearm_ratio"`
	RearmLowHops int           `yaml:"rearm_low_hops"`
	MinGap       time.Duration `yaml:"min_gap"`
	AfterSpeech  time.Duration `yaml:"after_speech"`
	Window       time.Duration `yaml:"window"`
	Hop          time.Duration `yaml:"hop"`
}

// VADConfig selects the voice-activity classifier and tunes the endpointer.
type VADConfig struct {
	// Backend names a registered classifier factory. Default: "webrtc".
	Backend string `yaml:"backend"`

	// EnergyThreshold is the RMS threshold of the "energy" backend.
	EnergyThreshold float64 `yaml:"energy_threshold"`

	FrameMs         int           `yaml:"frame_ms"`
	Aggressiveness  int           `yaml:"aggressiveness"`
	StartWindow     int           `yaml:"start_window"`
	StartMin        int           `yaml:"start_min"`
	StartConsec     int           `yaml:"start_consec"`
	Hangover        time.Duration `yaml:"hangover"`
	Guard           time.Duration `yaml:"guard"`
	Preroll         time.Duration `yaml:"preroll"`
	MaxUtterance    time.Duration `yaml:"max_utterance"`
	NoSpeechTimeout time.Duration `yaml:"no_speech_timeout"`
}

// TTSConfig configures speech output on both sides of the bus.
type TTSConfig struct {
	// Renderer names a registered renderer factory used by the engine.
	// Default: "piper".
	Renderer string `yaml:"renderer"`

	// Voice is forwarded with every request. Empty uses the engine default.
	Voice string `yaml:"voice"`

	WordsPerMinute float64       `yaml:"words_per_minute"`
	PunctPause     time.Duration `yaml:"punct_pause"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	SpeakingWait   time.Duration `yaml:"speaking_wait"`

	// BargeIn keeps the microphone open while speaking and cancels playback
	// when the wake word is heard.
	BargeIn bool `yaml:"barge_in"`

	// Cooldown is the pause after speaking before listening resumes.
	// Negative disables it. Default: 500ms.
	Cooldown time.Duration `yaml:"cooldown"`

	// FIFO is the path of a local speech FIFO tried before the one-shot
	// fallback. Empty skips it.
	FIFO string `yaml:"fifo"`

	Piper      PiperConfig      `yaml:"piper"`
	Coqui      CoquiConfig      `yaml:"coqui"`
	ElevenLabs ElevenLabsConfig `yaml:"elevenlabs"`
	Player     PlayerConfig     `yaml:"player"`
}

// PiperConfig configures the piper subprocess.
type PiperConfig struct {
	Binary          string        `yaml:"binary"`
	Model           string        `yaml:"model"`
	ModelConfig     string        `yaml:"model_config"`
	SentenceSilence float64       `yaml:"sentence_silence"`
	OutputDir       string        `yaml:"output_dir"`
	Timeout         time.Duration `yaml:"timeout"`
}

// CoquiConfig configures a Coqui TTS server renderer.
type CoquiConfig struct {
	URL      string `yaml:"url"`
	Language string `yaml:"language"`

	// APIMode is "standard" or "xtts". Default: "standard".
	APIMode string `yaml:"api_mode"`
}

// ElevenLabsConfig configures the ElevenLabs renderer.
type ElevenLabsConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
	Voice  string `yaml:"voice"`
}

// PlayerConfig configures WAV playback.
type PlayerConfig struct {
	// Binary is the player executable. Default: "aplay".
	Binary string `yaml:"binary"`

	// Device is the ALSA output device. Default: "default".
	Device string `yaml:"device"`
}

// BusConfig configures the MQTT broker connection.
type BusConfig struct {
	// Broker is the broker URL (tcp://, ssl://, ws://). Empty runs without a
	// bus: the front-end speaks locally and the engine cannot start.
	Broker string `yaml:"broker"`

	// BaseTopic prefixes say, cancel and status. Default: "murmur/tts".
	BaseTopic string `yaml:"base_topic"`

	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds PEM paths for an ssl:// broker.
type TLSConfig struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// AssistantConfig configures the conversation loop.
type AssistantConfig struct {
	Prompts PromptsConfig `yaml:"prompts"`

	// ConfirmCooldown is waited after the wake confirmation prompt before
	// recording. Default: the TTS cooldown.
	ConfirmCooldown time.Duration `yaml:"confirm_cooldown"`

	// MinUtterance drops shorter recordings. Default: 200ms.
	MinUtterance time.Duration `yaml:"min_utterance"`

	// CatchUpChunks bounds how many queued hops the idle loop scores before
	// sleeping. Default: 20.
	CatchUpChunks int `yaml:"catch_up_chunks"`

	// DeepSleepAfter is the inactivity before deep sleep. Negative disables
	// it. Default: 5m.
	DeepSleepAfter time.Duration `yaml:"deep_sleep_after"`

	FollowUp FollowUpConfig `yaml:"followup"`

	WakePhrases []string `yaml:"wake_phrases"`
	ExitPhrases []string `yaml:"exit_phrases"`
	StopPhrases []string `yaml:"stop_phrases"`

	// Topic is the bus prefix the utterance and reply topics hang off.
	// Default: "murmur/assistant".
	Topic string `yaml:"topic"`

	// ReplyTimeout bounds the wait for the responder. Default: 60s.
	ReplyTimeout time.Duration `yaml:"reply_timeout"`
}

// PromptsConfig holds the fixed phrases the assistant speaks.
type PromptsConfig struct {
	Ready     string `yaml:"ready"`
	Confirm   string `yaml:"confirm"`
	Byebye    string `yaml:"byebye"`
	EndOfChat string `yaml:"end_of_chat"`
	DeepSleep string `yaml:"deep_sleep"`
	Failure   string `yaml:"failure"`
}

// FollowUpConfig bounds the follow-up window after a reply.
type FollowUpConfig struct {
	// MaxTurns is the number of follow-up turns. Negative disables
	// follow-ups. Default: 10.
	MaxTurns int `yaml:"max_turns"`

	// Arm is the no-speech timeout of a follow-up recording. Default: 3s.
	Arm time.Duration `yaml:"arm"`

	// Cooldown is waited before each follow-up recording. Default: 100ms.
	Cooldown time.Duration `yaml:"cooldown"`
}

// STTConfig configures the speech recognizer client.
type STTConfig struct {
	// URL is the recognizer base URL. Required by the front-end.
	URL string `yaml:"url"`

	// API is "stt" or "inference". Default: "stt".
	API string `yaml:"api"`

	Language   string        `yaml:"language"`
	Model      string        `yaml:"model"`
	TargetRate int           `yaml:"target_rate"`
	Timeout    time.Duration `yaml:"timeout"`
}
