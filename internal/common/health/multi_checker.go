package health

import (
	"errors"
	"strings"
	"sync"
)

// MultiChecker aggregates component checkers; it fails if any of them fails.
type MultiChecker struct {
	mutex    sync.Mutex
	checkers []Checker
}

func NewMultiChecker(checkers ...Checker) *MultiChecker {
	return &MultiChecker{
		checkers: checkers,
	}
}

func (mc *MultiChecker) Check() error {
	mc.mutex.Lock()
	checkers := mc.checkers
	mc.mutex.Unlock()

	errorStrings := []string{}
	for _, checker := range checkers {
		if err := checker.Check(); err != nil {
			errorStrings = append(errorStrings, err.Error())
		}
	}

	if len(errorStrings) == 0 {
		return nil
	}
	return errors.New(strings.Join(errorStrings, "\n"))
}

func (mc *MultiChecker) Add(checker Checker) {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	mc.checkers = append(mc.checkers, checker)
}
