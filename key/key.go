// Package key provides the on/off signal sources the decoder samples.
//
// Every source answers Level without blocking: hardware and network reads
// happen elsewhere and only the latest level is handed back.
package key

import "sync/atomic"

// Source reports whether the key is currently pressed.
type Source interface {
	Level() bool
}

// Func adapts a plain function to Source.
type Func func() bool

func (f Func) Level() bool {
	if f == nil {
		return false
	}
	return f()
}

// Virtual is a key driven in software, for simulation and tests.
type Virtual struct {
	level   atomic.Bool
	presses atomic.Uint64
}

func (v *Virtual) Level() bool { return v.level.Load() }

// Set presses (true) or releases (false) the key.
func (v *Virtual) Set(down bool) {
	if down && !v.level.Swap(true) {
		v.presses.Add(1)
		return
	}
	if !down {
		v.level.Store(false)
	}
}

// Presses counts transitions to pressed.
func (v *Virtual) Presses() uint64 { return v.presses.Load() }

// byteLevel follows a byte stream where '1' presses the key and '0'
// releases it. Other bytes are ignored.
type byteLevel struct {
	level       atomic.Bool
	transitions atomic.Uint64
}

func (l *byteLevel) Level() bool { return l.level.Load() }

func (l *byteLevel) Transitions() uint64 { return l.transitions.Load() }

func (l *byteLevel) apply(b byte) {
	switch b {
	case '1':
		if !l.level.Swap(true) {
			l.transitions.Add(1)
		}
	case '0':
		if l.level.Swap(false) {
			l.transitions.Add(1)
		}
	}
}

func (l *byteLevel) release() {
	if l.level.Swap(false) {
		l.transitions.Add(1)
	}
}
