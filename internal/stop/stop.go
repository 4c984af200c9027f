// Package stop implements the per-task cooperative stop primitive.
// A token is signalled at most once; readers poll it between I/O
// round trips and unwind with a Stopped error when it fires.
package stop

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// Mode is the requested stop behaviour.
type Mode int32

const (
	ModeNone Mode = iota
	ModePause
	ModeCancel
)

func (m Mode) String() string {
	switch m {
	case ModePause:
		return "pause"
	case ModeCancel:
		return "cancel"
	default:
		return "none"
	}
}

// Token is a one-shot stop flag shared between the worker that runs a
// task and the control plane. Only the first Signal wins.
type Token struct {
	mode atomic.Int32
}

func NewToken() *Token {
	return &Token{}
}

// Mode returns the current mode without blocking.
func (t *Token) Mode() Mode {
	if t == nil {
		return ModeNone
	}
	return Mode(t.mode.Load())
}

// Signal requests a stop. It returns true if this call won the race;
// later calls (with any mode) are ignored.
func (t *Token) Signal(m Mode) bool {
	if m == ModeNone {
		return false
	}
	return t.mode.CompareAndSwap(int32(ModeNone), int32(m))
}

// Err returns a Stopped error if the token has fired, nil otherwise.
// This is the polling entry point used at every suspension point.
func (t *Token) Err() error {
	if m := t.Mode(); m != ModeNone {
		return &Stopped{StopMode: m}
	}
	return nil
}

// Stopped is the distinguished unwind signal for pause and cancel.
// It is not an ordinary failure: the scheduler maps it to the paused
// or canceled terminal state instead of failed.
type Stopped struct {
	StopMode Mode
}

func (s *Stopped) Error() string {
	return fmt.Sprintf("stopped: %s", s.StopMode)
}

// IsStopped reports whether err carries a Stopped anywhere in its
// chain and returns the mode if so.
func IsStopped(err error) (Mode, bool) {
	var s *Stopped
	if errors.As(err, &s) {
		return s.StopMode, true
	}
	return ModeNone, false
}
