package tts

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/option"
	texttospeech "google.golang.org/api/texttospeech/v1"
)

const (
	defaultVoice      = "en-GB-Standard-F"
	defaultSampleRate = 24000
	defaultTimeout    = 15 * time.Second
)

var ErrNoAPIKey = errors.New("GOOGLE_TTS_API_KEY is not set")

type GoogleTTSClient struct {
	endpoint   string
	voice      string
	sampleRate int
	timeout    time.Duration
	service    *texttospeech.Service
}

// WithEndpoint overrides the service base URL, e.g. for a proxy.
func WithEndpoint(endpoint string) func(g *GoogleTTSClient) {
	return func(g *GoogleTTSClient) {
		g.endpoint = endpoint
	}
}

func WithVoice(name string) func(g *GoogleTTSClient) {
	return func(g *GoogleTTSClient) {
		g.voice = name
	}
}

func WithTimeout(d time.Duration) func(g *GoogleTTSClient) {
	return func(g *GoogleTTSClient) {
		g.timeout = d
	}
}

func NewGoogleTTSClient(apiKey string, options ...func(g *GoogleTTSClient)) (*GoogleTTSClient, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}

	g := &GoogleTTSClient{
		voice:      defaultVoice,
		sampleRate: defaultSampleRate,
		timeout:    defaultTimeout,
	}
	for _, option := range options {
		option(g)
	}

	opts := []option.ClientOption{option.WithAPIKey(apiKey)}
	if g.endpoint != "" {
		// The generated client resolves "v1/text:synthesize" against the
		// base path, which therefore needs its trailing slash.
		if !strings.HasSuffix(g.endpoint, "/") {
			g.endpoint += "/"
		}
		opts = append(opts, option.WithEndpoint(g.endpoint))
	}
	service, err := texttospeech.NewService(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create text-to-speech service: %w", err)
	}
	g.service = service
	return g, nil
}

// SynthesizeText returns the spoken text as a 16-bit mono WAV file.
func (g *GoogleTTSClient) SynthesizeText(ctx context.Context, text string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req := &texttospeech.SynthesizeSpeechRequest{
		Input: &texttospeech.SynthesisInput{Text: text},
		Voice: &texttospeech.VoiceSelectionParams{
			LanguageCode: "en-GB",
			Name:         g.voice,
			SsmlGender:   "FEMALE",
		},
		AudioConfig: &texttospeech.AudioConfig{
			AudioEncoding:   "LINEAR16",
			SpeakingRate:    1.0,
			SampleRateHertz: int64(g.sampleRate),
		},
	}

	resp, err := g.service.Text.Synthesize(req).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("TTS API error: %w", err)
	}

	audioData, err := base64.StdEncoding.DecodeString(resp.AudioContent)
	if err != nil {
		return nil, fmt.Errorf("failed to decode audio content: %w", err)
	}
	return audioData, nil
}
