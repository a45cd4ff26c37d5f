package syncdo

import "sync"

// Action runs a function only once, following calls return the error of
// the first run.
type Action struct {
	done  bool
	err   error
	mutex sync.Mutex
}

func (action *Action) Do(fn func() error) error {
	action.mutex.Lock()
	defer action.mutex.Unlock()

	if action.done {
		return action.err
	}

	action.done = true
	action.err = fn()

	return action.err
}

// Done reports whether the action has been run.
func (action *Action) Done() bool {
	action.mutex.Lock()
	defer action.mutex.Unlock()

	return action.done
}
