package audiograph

import (
	"math"
	"sync"
	"time"
)

// MaxFade bounds the fade applied when a voice is disconnected.
const MaxFade = 500 * time.Millisecond

// Voice is a node connected to an Output.
type Voice struct {
	node     Node
	envelope *Param
	removeAt float64
}

func (v *Voice) fading() bool {
	return !math.IsInf(v.removeAt, 1)
}

// Output mixes voices into mono float32 frames and owns the graph clock.
type Output struct {
	mu         sync.Mutex
	sampleRate float64
	frame      int64
	voices     []*Voice
}

func NewOutput(sampleRate float64) *Output {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	return &Output{sampleRate: sampleRate}
}

func (o *Output) SampleRate() float64 { return o.sampleRate }

// Now is the graph time of the next rendered frame.
func (o *Output) Now() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now()
}

func (o *Output) now() float64 {
	return float64(o.frame) / o.sampleRate
}

func (o *Output) Connect(n Node) *Voice {
	v := &Voice{node: n, envelope: NewParam(1), removeAt: math.Inf(1)}
	o.mu.Lock()
	o.voices = append(o.voices, v)
	o.mu.Unlock()
	return v
}

// Disconnect removes a voice after an exponential fade. Fades longer than
// MaxFade are shortened; a non-positive fade removes the voice immediately.
func (o *Output) Disconnect(v *Voice, fade time.Duration) {
	if v == nil {
		return
	}
	if fade > MaxFade {
		fade = MaxFade
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if fade <= 0 {
		o.remove(v)
		return
	}
	now := o.now()
	end := now + fade.Seconds()
	current := v.envelope.ValueAt(now)
	v.envelope.CancelScheduledValues(now)
	v.envelope.SetValueAtTime(current, now)
	v.envelope.ExponentialRampToValueAtTime(MinExponentialValue, end)
	v.removeAt = end
}

func (o *Output) remove(target *Voice) {
	kept := o.voices[:0]
	for _, v := range o.voices {
		if v != target {
			kept = append(kept, v)
		}
	}
	for i := len(kept); i < len(o.voices); i++ {
		o.voices[i] = nil
	}
	o.voices = kept
}

// ActiveVoices counts voices that are not fading out.
func (o *Output) ActiveVoices() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, v := range o.voices {
		if !v.fading() {
			n++
		}
	}
	return n
}

// Voices counts every connected voice, fading ones included.
func (o *Output) Voices() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.voices)
}

// Render fills out with the next len(out) frames and advances the clock.
func (o *Output) Render(out []float32) {
	o.mu.Lock()
	defer o.mu.Unlock()

	dt := 1 / o.sampleRate
	for i := range out {
		t := o.now()
		var sum float64
		for _, v := range o.voices {
			if t >= v.removeAt {
				continue
			}
			sum += v.node.Next(t, dt) * v.envelope.ValueAt(t)
		}
		out[i] = float32(math.Max(-1, math.Min(1, sum)))
		o.frame++
	}

	now := o.now()
	kept := o.voices[:0]
	for _, v := range o.voices {
		if now < v.removeAt {
			kept = append(kept, v)
		}
	}
	for i := len(kept); i < len(o.voices); i++ {
		o.voices[i] = nil
	}
	o.voices = kept
}

// Advance renders and discards d worth of audio. Used when no device is
// attached so scheduled events still progress.
func (o *Output) Advance(d time.Duration) {
	frames := int(d.Seconds() * o.sampleRate)
	buf := make([]float32, 1024)
	for frames > 0 {
		n := len(buf)
		if frames < n {
			n = frames
		}
		o.Render(buf[:n])
		frames -= n
	}
}
