package bufferer

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/reconquest/karma-go"
	"github.com/reconquest/matrix-runner/internal/audit"
	"github.com/reconquest/matrix-runner/internal/utils"
	"github.com/reconquest/pkg/log"
)

var (
	DefaultLogsBufferSize    = 4096
	DefaultLogsBufferTimeout = time.Second * 2
)

// Bufferer collects job output and writes it to the destination in chunks,
// either when the buffer exceeds the size or when the timeout passes.
type Bufferer struct {
	size     int
	duration time.Duration
	dst      io.Writer
	pipe     chan []byte
	done     chan struct{}
	stopped  chan struct{}

	workers      sync.WaitGroup
	workersMutex sync.Mutex

	closed     bool
	closeMutex sync.Mutex
}

func NewBufferer(size int, duration time.Duration, dst io.Writer) *Bufferer {
	return &Bufferer{
		size:     size,
		duration: duration,
		dst:      dst,
		pipe:     make(chan []byte, 128),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

func (writer *Bufferer) Run() {
	defer audit.Go("bufferer")()
	defer close(writer.stopped)

	ticker := utils.NewTicker(writer.duration)
	defer ticker.Stop()

	buffer := bytes.NewBuffer(nil)
	for {
		select {
		case text := <-writer.pipe:
			buffer.Write(text)

			if buffer.Len() >= writer.size {
				writer.flush(buffer)
				ticker.Reset()
			}

		case <-ticker.Get():
			writer.flush(buffer)
			ticker.Reset()

		case <-writer.done:
			writer.drain(buffer)
			return
		}
	}
}

func (writer *Bufferer) drain(buffer *bytes.Buffer) {
	for {
		select {
		case text := <-writer.pipe:
			buffer.Write(text)
		default:
			writer.flush(buffer)
			return
		}
	}
}

func (writer *Bufferer) flush(buffer *bytes.Buffer) {
	if buffer.Len() == 0 {
		return
	}

	_, err := writer.dst.Write(buffer.Bytes())
	if err != nil {
		log.Errorf(karma.Format(err, "unable to flush buffered output"), "bufferer")
	}

	buffer.Reset()
}

func (writer *Bufferer) Write(data []byte) (int, error) {
	writer.workersMutex.Lock()
	writer.workers.Add(1)
	writer.workersMutex.Unlock()
	defer writer.workers.Done()

	select {
	case <-writer.done:
		return len(data), nil
	default:
	}

	// callers are allowed to reuse the slice
	chunk := make([]byte, len(data))
	copy(chunk, data)

	select {
	case <-writer.done:
	case writer.pipe <- chunk:
	}

	return len(data), nil
}

// Close stops accepting writes and waits until buffered data is flushed.
// Run must be running.
func (writer *Bufferer) Close() error {
	writer.closeMutex.Lock()
	defer writer.closeMutex.Unlock()

	if writer.closed {
		return nil
	}

	writer.closed = true

	writer.workersMutex.Lock()
	writer.workers.Wait()
	writer.workersMutex.Unlock()

	close(writer.done)

	<-writer.stopped

	return nil
}
