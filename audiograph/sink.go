package audiograph

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudioSink plays an Output through the default playback device.
// portaudio.Initialize must have been called.
type PortAudioSink struct {
	mu     sync.Mutex
	stream *portaudio.Stream
}

func OpenPortAudioSink(out *Output, framesPerBuffer int) (*PortAudioSink, error) {
	if framesPerBuffer <= 0 {
		framesPerBuffer = 1024
	}
	stream, err := portaudio.OpenDefaultStream(0, 1, out.SampleRate(), framesPerBuffer, func(buf []float32) {
		out.Render(buf)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open playback stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("failed to start playback stream: %w", err)
	}
	return &PortAudioSink{stream: stream}, nil
}

func (s *PortAudioSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	stopErr := s.stream.Stop()
	closeErr := s.stream.Close()
	s.stream = nil
	if stopErr != nil {
		return stopErr
	}
	return closeErr
}
