package audiograph

import (
	"math"
	"sync"

	"sonic-sentinel/models"
)

// Node produces one sample at graph time t; dt is the sample period.
type Node interface {
	Next(t, dt float64) float64
}

type Oscillator struct {
	Frequency *Param

	mu       sync.Mutex
	waveform models.Waveform
	phase    float64
	start    float64
	stop     float64
}

func NewOscillator(waveform models.Waveform, frequencyHz float64) *Oscillator {
	return &Oscillator{
		Frequency: NewParam(frequencyHz),
		waveform:  waveform,
		start:     math.Inf(1),
		stop:      math.Inf(1),
	}
}

func (o *Oscillator) Start(t float64) {
	o.mu.Lock()
	o.start = t
	o.mu.Unlock()
}

func (o *Oscillator) Stop(t float64) {
	o.mu.Lock()
	o.stop = t
	o.mu.Unlock()
}

func (o *Oscillator) Next(t, dt float64) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t < o.start || t >= o.stop {
		return 0
	}
	p := o.phase
	o.phase += o.Frequency.ValueAt(t) * dt
	o.phase -= math.Floor(o.phase)
	return waveformSample(o.waveform, p)
}

func waveformSample(w models.Waveform, phase float64) float64 {
	switch w {
	case models.WaveformSquare:
		if phase < 0.5 {
			return 1
		}
		return -1
	case models.WaveformSawtooth:
		return 2*phase - 1
	case models.WaveformTriangle:
		return 1 - 4*math.Abs(phase-0.5)
	default:
		return math.Sin(2 * math.Pi * phase)
	}
}

// Gain sums its inputs and scales the result.
type Gain struct {
	Gain *Param

	mu     sync.Mutex
	inputs []Node
}

func NewGain(value float64) *Gain {
	return &Gain{Gain: NewParam(value)}
}

func (g *Gain) Connect(n Node) {
	g.mu.Lock()
	g.inputs = append(g.inputs, n)
	g.mu.Unlock()
}

func (g *Gain) DisconnectAll() {
	g.mu.Lock()
	g.inputs = nil
	g.mu.Unlock()
}

func (g *Gain) Inputs() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inputs)
}

func (g *Gain) Next(t, dt float64) float64 {
	g.mu.Lock()
	inputs := g.inputs
	g.mu.Unlock()

	var sum float64
	for _, in := range inputs {
		sum += in.Next(t, dt)
	}
	return sum * g.Gain.ValueAt(t)
}

// Buffer is mono PCM normalised to [-1,1].
type Buffer struct {
	Samples    []float32
	SampleRate int
}

func (b *Buffer) Duration() float64 {
	if b == nil || b.SampleRate == 0 {
		return 0
	}
	return float64(len(b.Samples)) / float64(b.SampleRate)
}

// Player plays a Buffer once. OnEnded fires on its own goroutine when the
// buffer runs out; Stop silences the player without firing it.
type Player struct {
	mu      sync.Mutex
	buffer  *Buffer
	volume  float64
	start   float64
	pos     float64
	done    bool
	onEnded func()
}

func NewPlayer(buffer *Buffer, volume float64) *Player {
	return &Player{buffer: buffer, volume: volume, start: math.Inf(1)}
}

func (p *Player) OnEnded(fn func()) {
	p.mu.Lock()
	p.onEnded = fn
	p.mu.Unlock()
}

func (p *Player) Start(t float64) {
	p.mu.Lock()
	p.start = t
	p.mu.Unlock()
}

func (p *Player) Stop() {
	p.mu.Lock()
	p.done = true
	p.onEnded = nil
	p.mu.Unlock()
}

func (p *Player) Ended() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

func (p *Player) Next(t, dt float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done || t < p.start || p.buffer == nil {
		return 0
	}
	idx := int(p.pos)
	if idx >= len(p.buffer.Samples) {
		p.done = true
		if fn := p.onEnded; fn != nil {
			p.onEnded = nil
			go fn()
		}
		return 0
	}
	p.pos += dt * float64(p.buffer.SampleRate)
	return float64(p.buffer.Samples[idx]) * p.volume
}
