// Package speech turns periodic remote audio-level samples into a
// continuous volume signal and discrete speech-start / speech-end
// transitions.
package speech

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// DefaultThreshold is the summed level above which a sample counts as speech.
	DefaultThreshold = 0.01
	// DefaultFullScale is the summed level reported as volume 1.
	DefaultFullScale = 0.15
	// DefaultHold is how long speech continues after the last speaking sample.
	DefaultHold = 1000 * time.Millisecond
)

// State is the detector's hysteresis state.
type State int

const (
	Silent State = iota
	Speaking
)

func (s State) String() string {
	switch s {
	case Silent:
		return "silent"
	case Speaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Config tunes a Detector. Zero fields take the defaults.
type Config struct {
	Threshold float64
	FullScale float64
	Hold      time.Duration
	Clock     clock.Clock
}

// Callbacks receive the detector output. Nil callbacks are skipped.
type Callbacks struct {
	OnVolume      func(level float64)
	OnSpeechStart func()
	OnSpeechEnd   func()
}

// Detector is safe for concurrent use. OnSpeechEnd runs on the clock's
// timer goroutine. State transitions and their callbacks are serialized
// by emitMu, so speech-start and speech-end strictly alternate; a
// callback must not call Observe on the same detector.
type Detector struct {
	threshold float64
	fullScale float64
	hold      time.Duration
	clock     clock.Clock
	cb        Callbacks

	// emitMu is taken before mu.
	emitMu   sync.Mutex
	mu       sync.Mutex
	state    State
	deadline *clock.Timer
	gen      uint64
}

func NewDetector(cfg Config, cb Callbacks) *Detector {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.FullScale <= 0 {
		cfg.FullScale = DefaultFullScale
	}
	if cfg.Hold <= 0 {
		cfg.Hold = DefaultHold
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Detector{
		threshold: cfg.Threshold,
		fullScale: cfg.FullScale,
		hold:      cfg.Hold,
		clock:     cfg.Clock,
		cb:        cb,
	}
}

// Volume maps a summed level onto [0, 1], reaching 1 at fullScale.
func Volume(level, fullScale float64) float64 {
	if fullScale <= 0 || math.IsNaN(level) || level <= 0 {
		return 0
	}
	return math.Min(1, level/fullScale)
}

// Sum adds the per-participant levels of one sample.
func Sum(levels map[string]float64) float64 {
	total := 0.0
	for _, v := range levels {
		if math.IsNaN(v) {
			continue
		}
		total += v
	}
	return total
}

// Observe consumes one sample. Volume is reported for every sample;
// non-speaking samples otherwise leave the state untouched.
func (d *Detector) Observe(levels map[string]float64) {
	level := Sum(levels)
	if d.cb.OnVolume != nil {
		d.cb.OnVolume(Volume(level, d.fullScale))
	}
	if level <= d.threshold {
		return
	}

	d.emitMu.Lock()
	defer d.emitMu.Unlock()

	d.mu.Lock()
	started := d.state == Silent
	if d.deadline != nil {
		d.deadline.Stop()
	}
	d.state = Speaking
	d.gen++
	gen := d.gen
	d.deadline = d.clock.AfterFunc(d.hold, func() { d.expire(gen) })
	d.mu.Unlock()

	if started && d.cb.OnSpeechStart != nil {
		d.cb.OnSpeechStart()
	}
}

func (d *Detector) expire(gen uint64) {
	d.emitMu.Lock()
	defer d.emitMu.Unlock()

	d.mu.Lock()
	if gen != d.gen || d.state != Speaking {
		d.mu.Unlock()
		return
	}
	d.state = Silent
	d.deadline = nil
	d.mu.Unlock()

	if d.cb.OnSpeechEnd != nil {
		d.cb.OnSpeechEnd()
	}
}

// Reset cancels a pending deadline and returns to Silent without
// emitting speech-end. It only takes mu, so it may be called from a
// callback.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deadline != nil {
		d.deadline.Stop()
		d.deadline = nil
	}
	d.gen++
	d.state = Silent
}

// State returns the current hysteresis state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}
