package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied without a restart are tracked; every other
// changed section is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ThresholdChanged bool
	NewThreshold     float64

	WordsPerMinuteChanged bool
	NewWordsPerMinute     float64

	// RestartRequired names changed sections that only take effect after a
	// restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ThresholdChanged && !d.WordsPerMinuteChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Wakeword.Threshold != new.Wakeword.Threshold {
		d.ThresholdChanged = true
		d.NewThreshold = new.Wakeword.Threshold
	}
	if old.TTS.WordsPerMinute != new.TTS.WordsPerMinute {
		d.WordsPerMinuteChanged = true
		d.NewWordsPerMinute = new.TTS.WordsPerMinute
	}

	// Compare the remaining fields with the live ones masked out.
	ow, nw := old.Wakeword, new.Wakeword
	ow.Threshold, nw.Threshold = 0, 0
	ot, nt := old.TTS, new.TTS
	ot.WordsPerMinute, nt.WordsPerMinute = 0, 0

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if ow != nw {
		d.RestartRequired = append(d.RestartRequired, "wakeword")
	}
	if old.VAD != new.VAD {
		d.RestartRequired = append(d.RestartRequired, "vad")
	}
	if ot != nt {
		d.RestartRequired = append(d.RestartRequired, "tts")
	}
	if !busEqual(old.Bus, new.Bus) {
		d.RestartRequired = append(d.RestartRequired, "bus")
	}
	if !assistantEqual(old.Assistant, new.Assistant) {
		d.RestartRequired = append(d.RestartRequired, "assistant")
	}
	if old.STT != new.STT {
		d.RestartRequired = append(d.RestartRequired, "stt")
	}
	return d
}

func busEqual(a, b BusConfig) bool {
	at, bt := a.TLS, b.TLS
	a.TLS, b.TLS = nil, nil
	if a != b {
		return false
	}
	if at == nil || bt == nil {
		return at == bt
	}
	return *at == *bt
}

func assistantEqual(a, b AssistantConfig) bool {
	if !slices.Equal(a.WakePhrases, b.WakePhrases) ||
		!slices.Equal(a.ExitPhrases, b.ExitPhrases) ||
		!slices.Equal(a.StopPhrases, b.StopPhrases) {
		return false
	}
	return a.Prompts == b.Prompts &&
		a.ConfirmCooldown == b.ConfirmCooldown &&
		a.MinUtterance == b.MinUtterance &&
		a.CatchUpChunks == b.CatchUpChunks &&
		a.DeepSleepAfter == b.DeepSleepAfter &&
		a.FollowUp == b.FollowUp &&
		a.Topic == b.Topic &&
		a.ReplyTimeout == b.ReplyTimeout
}
