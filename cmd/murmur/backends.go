package main

import (
	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/pkg/provider/vad"
	"github.com/MrWong99/murmur/pkg/provider/vad/energy"
	"github.com/MrWong99/murmur/pkg/provider/vad/webrtc"
	"github.com/MrWong99/murmur/pkg/provider/wakeword"
	"github.com/MrWong99/murmur/pkg/provider/wakeword/oww"
)

// registerBuiltinBackends wires the front-end's wake word and VAD factories
// into reg.
func registerBuiltinBackends(reg *config.Registry) {
	reg.RegisterWakeword("oww", func(c config.WakewordConfig) (wakeword.Model, error) {
		return oww.New(oww.Config{
			WakewordModel:  c.Model,
			MelspecModel:   c.MelspecModel,
			EmbeddingModel: c.EmbeddingModel,
			SharedLibrary:  c.SharedLibrary,
		})
	})

	reg.RegisterVAD("webrtc", func(config.VADConfig) (vad.Engine, error) {
		return webrtc.New(), nil
	})
	reg.RegisterVAD("energy", func(c config.VADConfig) (vad.Engine, error) {
		var opts []energy.Option
		if c.EnergyThreshold > 0 {
			opts = append(opts, energy.WithThreshold(c.EnergyThreshold))
		}
		return energy.New(opts...), nil
	})
}
