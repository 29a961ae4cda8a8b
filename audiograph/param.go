// Package audiograph is a small pull-based synthesis graph: automatable
// parameters, oscillators, gain stages, buffer players and an output mixer
// that renders float32 frames for a playback device.
package audiograph

import (
	"math"
	"sort"
	"sync"
)

// MinExponentialValue replaces zero targets of exponential ramps, which
// cannot reach zero.
const MinExponentialValue = 1e-4

type rampKind int

const (
	rampSet rampKind = iota
	rampLinear
	rampExponential
)

type paramEvent struct {
	kind  rampKind
	value float64
	time  float64
}

// Param is a value automated over graph time, in seconds.
type Param struct {
	mu           sync.Mutex
	initialValue float64
	events       []paramEvent
	period       float64
}

func NewParam(value float64) *Param {
	return &Param{initialValue: value}
}

func (p *Param) SetValueAtTime(value, t float64) {
	p.insert(paramEvent{kind: rampSet, value: value, time: t})
}

func (p *Param) LinearRampToValueAtTime(value, t float64) {
	p.insert(paramEvent{kind: rampLinear, value: value, time: t})
}

func (p *Param) ExponentialRampToValueAtTime(value, t float64) {
	if value < MinExponentialValue {
		value = MinExponentialValue
	}
	p.insert(paramEvent{kind: rampExponential, value: value, time: t})
}

// CancelScheduledValues drops every event at or after t.
func (p *Param) CancelScheduledValues(t float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.events[:0]
	for _, ev := range p.events {
		if ev.time < t {
			kept = append(kept, ev)
		}
	}
	p.events = kept
}

// SetPeriod makes the schedule repeat every period seconds, measured from
// the first event. Zero disables looping.
func (p *Param) SetPeriod(period float64) {
	p.mu.Lock()
	p.period = period
	p.mu.Unlock()
}

func (p *Param) insert(ev paramEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := sort.Search(len(p.events), func(i int) bool { return p.events[i].time > ev.time })
	p.events = append(p.events, paramEvent{})
	copy(p.events[i+1:], p.events[i:])
	p.events[i] = ev
}

// ValueAt evaluates the automation timeline at t.
func (p *Param) ValueAt(t float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.events) == 0 {
		return p.initialValue
	}
	if p.period > 0 && t > p.events[0].time {
		origin := p.events[0].time
		t = origin + math.Mod(t-origin, p.period)
	}

	value := p.initialValue
	prevTime := 0.0
	for _, ev := range p.events {
		if ev.time <= t {
			value = ev.value
			prevTime = ev.time
			continue
		}
		span := ev.time - prevTime
		if span <= 0 {
			return value
		}
		frac := (t - prevTime) / span
		switch ev.kind {
		case rampLinear:
			return value + (ev.value-value)*frac
		case rampExponential:
			start := value
			if start < MinExponentialValue {
				start = MinExponentialValue
			}
			return start * math.Pow(ev.value/start, frac)
		default:
			return value
		}
	}
	return value
}
