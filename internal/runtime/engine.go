package runtime

import (
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/tts"
)

func newEngine(cfg config.EngineConfig, busClient *bus.Client) (tts.Synthesizer, error) {
	switch cfg.Mode {
	case "mock":
		return tts.NewMockSynth(uint32(cfg.SampleRate), 0), nil
	case "exec":
		return tts.NewExecSynth(cfg.Command, cfg.SampleRate)
	case "bus":
		if busClient == nil {
			return nil, errors.New("bus engine requires a NATS connection")
		}
		return tts.NewBusSynth(busClient, cfg.Subject), nil
	default:
		return nil, fmt.Errorf("unknown engine mode %q", cfg.Mode)
	}
}
