package custody

import (
	"sync/atomic"
)

// guard is the process-wide execution flag. A call that finds it held fails
// at once; it never waits.
type guard struct {
	entered atomic.Bool
}

func (g *guard) enter() error {
	if !g.entered.CompareAndSwap(false, true) {
		return ErrReentrantCall
	}

	return nil
}

func (g *guard) exit() {
	g.entered.Store(false)
}

func (g *guard) held() bool {
	return g.entered.Load()
}
