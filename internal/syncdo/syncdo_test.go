package syncdo

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAction_Do(t *testing.T) {
	test := assert.New(t)

	var action Action
	test.False(action.Done())

	calls := 0
	expected := errors.New("boom")

	workers := sync.WaitGroup{}
	for i := 0; i < 5; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			err := action.Do(func() error {
				calls++
				return expected
			})
			test.Equal(expected, err)
		}()
	}
	workers.Wait()

	test.Equal(1, calls)
	test.True(action.Done())
}
