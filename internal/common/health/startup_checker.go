package health

import (
	"errors"
	"sync/atomic"
)

// StartupCompleteChecker fails until MarkComplete is called, so that load
// balancers do not route traffic to an instance that is still wiring itself up.
type StartupCompleteChecker struct {
	complete atomic.Value
}

func NewStartupCompleteChecker() *StartupCompleteChecker {
	checker := &StartupCompleteChecker{}
	checker.complete.Store(false)
	return checker
}

func (c *StartupCompleteChecker) MarkComplete() {
	c.complete.Store(true)
}

func (c *StartupCompleteChecker) Check() error {
	if c.complete.Load() != true {
		return errors.New("startup not complete")
	}
	return nil
}
