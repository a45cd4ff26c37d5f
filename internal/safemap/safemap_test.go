package safemap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMap(t *testing.T) {
	test := assert.New(t)

	safe := New[int, string]()

	workers := sync.WaitGroup{}
	for i := 0; i < 10; i++ {
		workers.Add(1)
		go func(i int) {
			defer workers.Done()
			safe.Store(i, "value")
		}(i)
	}
	workers.Wait()

	test.Equal(10, safe.Len())

	value, ok := safe.Load(3)
	test.True(ok)
	test.Equal("value", value)

	test.Equal("value", safe.LoadOrStore(3, "other"))
	test.Equal("new", safe.LoadOrStore(11, "new"))

	safe.Delete(3)
	_, ok = safe.Load(3)
	test.False(ok)

	visited := 0
	safe.Range(func(key int, value string) bool {
		visited++
		return visited < 2
	})
	test.Equal(2, visited)
}
