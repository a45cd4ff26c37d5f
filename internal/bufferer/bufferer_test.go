package bufferer

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alecthomas/assert"
)

type syncBuffer struct {
	mutex  sync.Mutex
	buffer bytes.Buffer
	writes int
}

func (buffer *syncBuffer) Write(data []byte) (int, error) {
	buffer.mutex.Lock()
	defer buffer.mutex.Unlock()

	buffer.writes++
	return buffer.buffer.Write(data)
}

func (buffer *syncBuffer) String() string {
	buffer.mutex.Lock()
	defer buffer.mutex.Unlock()

	return buffer.buffer.String()
}

func TestBufferer_Run(t *testing.T) {
	test := assert.New(t)

	dst := &syncBuffer{}
	bufferer := NewBufferer(100, time.Millisecond*100, dst)

	go bufferer.Run()

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			bufferer.Write([]byte("a"))
		}
	}()

	wg.Wait()

	test.NoError(bufferer.Close())
	test.Equal(strings.Repeat("a", 200), dst.String())
	test.True(dst.writes >= 2)
}

func TestBufferer_FlushesOnTimeout(t *testing.T) {
	test := assert.New(t)

	dst := &syncBuffer{}
	bufferer := NewBufferer(1024, time.Millisecond*10, dst)

	go bufferer.Run()
	defer bufferer.Close()

	buffer := []byte("line\n")
	bufferer.Write(buffer)
	buffer[0] = 'X'

	deadline := time.Now().Add(time.Second * 2)
	for dst.String() == "" && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond * 5)
	}

	test.Equal("line\n", dst.String())
}

func TestBufferer_CloseTwice(t *testing.T) {
	test := assert.New(t)

	bufferer := NewBufferer(10, time.Second, &syncBuffer{})
	go bufferer.Run()

	test.NoError(bufferer.Close())
	test.NoError(bufferer.Close())

	n, err := bufferer.Write([]byte("late"))
	test.NoError(err)
	test.Equal(4, n)
}
