package main

import (
	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/pkg/provider/tts"
	"github.com/MrWong99/murmur/pkg/provider/tts/coqui"
	"github.com/MrWong99/murmur/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/murmur/pkg/provider/tts/piper"
)

// registerBuiltinBackends wires the engine's renderer factories into reg.
func registerBuiltinBackends(reg *config.Registry) {
	reg.RegisterRenderer("piper", func(c config.TTSConfig) (tts.Renderer, error) {
		return piper.Start(piper.Config{
			Binary:          c.Piper.Binary,
			Model:           c.Piper.Model,
			ModelConfig:     c.Piper.ModelConfig,
			SentenceSilence: c.Piper.SentenceSilence,
			OutputDir:       c.Piper.OutputDir,
			Timeout:         c.Piper.Timeout,
		})
	})

	reg.RegisterRenderer("coqui", func(c config.TTSConfig) (tts.Renderer, error) {
		var opts []coqui.Option
		if c.Coqui.Language != "" {
			opts = append(opts, coqui.WithLanguage(c.Coqui.Language))
		}
		if c.Coqui.APIMode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(c.Coqui.APIMode)))
		}
		return coqui.New(c.Coqui.URL, opts...)
	})

	reg.RegisterRenderer("elevenlabs", func(c config.TTSConfig) (tts.Renderer, error) {
		var opts []elevenlabs.Option
		if c.ElevenLabs.Model != "" {
			opts = append(opts, elevenlabs.WithModel(c.ElevenLabs.Model))
		}
		if c.ElevenLabs.Voice != "" {
			opts = append(opts, elevenlabs.WithVoice(c.ElevenLabs.Voice))
		}
		return elevenlabs.New(c.ElevenLabs.APIKey, opts...)
	})
}
