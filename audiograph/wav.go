package audiograph

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var ErrInvalidWAV = errors.New("invalid or unsupported wav data")

// LoadWAV reads a PCM wav file into a mono Buffer.
func LoadWAV(path string) (*Buffer, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return decode(f)
}

// DecodeWAV decodes an in-memory wav, e.g. LINEAR16 speech synthesis output.
func DecodeWAV(data []byte) (*Buffer, error) {
	return decode(bytes.NewReader(data))
}

func decode(r io.ReadSeeker) (*Buffer, error) {
	decoder := wav.NewDecoder(r)
	if !decoder.IsValidFile() {
		return nil, ErrInvalidWAV
	}
	pcm, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to decode pcm: %w", err)
	}
	if pcm.Format == nil || pcm.Format.NumChannels < 1 {
		return nil, ErrInvalidWAV
	}

	channels := pcm.Format.NumChannels
	scale := float32(audio.IntMaxSignedValue(int(decoder.BitDepth)))
	if scale == 0 {
		return nil, ErrInvalidWAV
	}

	frames := len(pcm.Data) / channels
	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += float32(pcm.Data[i*channels+c])
		}
		samples[i] = sum / float32(channels) / scale
	}

	return &Buffer{Samples: samples, SampleRate: pcm.Format.SampleRate}, nil
}
