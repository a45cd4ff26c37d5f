package signal

import (
	"sync"
)

// Condition is a one-shot flag which can be either satisfied or
// unsatisfied. Wait blocks until one of the states is set and reports
// which one it was. The first state wins.
type Condition interface {
	Satisfy()
	Unsatisfy()
	Wait() bool
}

const (
	stateUnknown uint8 = iota
	stateSatisfied
	stateUnsatisfied
)

func NewCondition() Condition {
	return &condition{
		sync: sync.NewCond(&sync.Mutex{}),
	}
}

type condition struct {
	sync  *sync.Cond
	state uint8
}

func (condition *condition) Satisfy() {
	condition.set(stateSatisfied)
}

func (condition *condition) Unsatisfy() {
	condition.set(stateUnsatisfied)
}

func (condition *condition) set(state uint8) {
	condition.sync.L.Lock()
	if condition.state == stateUnknown {
		condition.state = state
	}
	condition.sync.Broadcast()
	condition.sync.L.Unlock()
}

func (condition *condition) Wait() bool {
	condition.sync.L.Lock()
	for condition.state == stateUnknown {
		condition.sync.Wait()
	}
	condition.sync.L.Unlock()
	return condition.state == stateSatisfied
}
