package tts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"sonic-sentinel/audiograph"
	"sonic-sentinel/countermeasure"
	"sonic-sentinel/utils"
)

// Synthesizer turns text into WAV bytes.
type Synthesizer interface {
	SynthesizeText(ctx context.Context, text string) ([]byte, error)
}

// Speaker plays synthesized speech through an audio graph output. Audio
// for a given text is synthesized once and reused.
type Speaker struct {
	synth  Synthesizer
	output *audiograph.Output
	volume float64
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*audiograph.Buffer
}

func NewSpeaker(synth Synthesizer, output *audiograph.Output, logger *slog.Logger) *Speaker {
	if logger == nil {
		logger = utils.DiscardLogger()
	}
	return &Speaker{
		synth:  synth,
		output: output,
		volume: 1,
		logger: logger.With(slog.String("component", "tts")),
		cache:  make(map[string]*audiograph.Buffer),
	}
}

// Speak blocks until the utterance finished playing or ctx is done, in
// which case playback stops immediately.
func (s *Speaker) Speak(ctx context.Context, text string) error {
	buf, err := s.buffer(ctx, text)
	if err != nil {
		return &countermeasure.CountermeasureError{Kind: countermeasure.SynthesisUnsupported, Stage: "speech", Err: err}
	}

	done := make(chan struct{})
	player := audiograph.NewPlayer(buf, s.volume)
	player.OnEnded(func() { close(done) })
	player.Start(s.output.Now())
	voice := s.output.Connect(player)

	select {
	case <-done:
		s.output.Disconnect(voice, 0)
		return nil
	case <-ctx.Done():
		player.Stop()
		s.output.Disconnect(voice, 0)
		return ctx.Err()
	}
}

func (s *Speaker) buffer(ctx context.Context, text string) (*audiograph.Buffer, error) {
	s.mu.Lock()
	buf, ok := s.cache[text]
	s.mu.Unlock()
	if ok {
		return buf, nil
	}

	data, err := s.synth.SynthesizeText(ctx, text)
	if err != nil {
		return nil, err
	}
	buf, err = audiograph.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("decoding synthesized speech: %w", err)
	}

	s.mu.Lock()
	s.cache[text] = buf
	s.mu.Unlock()
	s.logger.Debug("speech synthesized", slog.Int("samples", len(buf.Samples)), slog.Int("sample_rate", buf.SampleRate))
	return buf, nil
}
