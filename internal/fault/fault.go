// Package fault implements the fatal path: a violated invariant latches where
// it happened, masks every interrupt-facing entry point and hands control to
// the installed handler. Nothing on the data path ever recovers from it.
package fault

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// State is the latched diagnostic snapshot of the first fatal condition.
type State struct {
	File     string
	Line     int
	Function string
	Expr     string
}

func (s State) String() string {
	return fmt.Sprintf("%s:%d %s: %s", s.File, s.Line, s.Function, s.Expr)
}

// ErrHalted is returned by entry points that refuse work after a halt.
var ErrHalted = errors.New("fault: halted")

var (
	masked  atomic.Bool
	latched atomic.Pointer[State]
	once    sync.Mutex

	handlerMu sync.RWMutex
	handler   func(State) = defaultHandler
)

func defaultHandler(s State) {
	panic("fatal: " + s.String())
}

// SetHandler installs fn as the reaction to a halt. A nil fn restores the
// default, which panics.
func SetHandler(fn func(State)) {
	handlerMu.Lock()
	if fn == nil {
		fn = defaultHandler
	}
	handler = fn
	handlerMu.Unlock()
}

// Halted reports whether interrupts are masked by a previous halt.
func Halted() bool { return masked.Load() }

// Latched returns the state captured by the first halt.
func Latched() (State, bool) {
	s := latched.Load()
	if s == nil {
		return State{}, false
	}
	return *s, true
}

// Halt latches the caller's location with expr and runs the handler. Only the
// first halt is latched; later ones just re-run the handler.
func Halt(expr string) { halt(2, expr) }

// Assert halts when cond is false.
func Assert(cond bool, expr string) {
	if !cond {
		halt(2, expr)
	}
}

// Check halts when err is non-nil.
func Check(err error) {
	if err != nil {
		halt(2, err.Error())
	}
}

func halt(skip int, expr string) {
	s := State{Expr: expr}
	if pc, file, line, ok := runtime.Caller(skip); ok {
		s.File, s.Line = file, line
		if fn := runtime.FuncForPC(pc); fn != nil {
			s.Function = fn.Name()
		}
	}
	once.Lock()
	masked.Store(true)
	latched.CompareAndSwap(nil, &s)
	once.Unlock()

	handlerMu.RLock()
	fn := handler
	handlerMu.RUnlock()
	first, _ := Latched()
	fn(first)
}

// Reset unmasks interrupts and forgets the latched state. Tests only; a real
// device is power-cycled.
func Reset() {
	once.Lock()
	masked.Store(false)
	latched.Store(nil)
	once.Unlock()
}
