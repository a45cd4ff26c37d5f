package job

import (
	"bytes"
	"io"
	"sync"
)

// consoleWriter prefixes every line of job output with the job number, so
// output of concurrent jobs can be told apart. The mutex is shared by all
// jobs writing to the same console.
type consoleWriter struct {
	prefix []byte
	dst    io.Writer
	mutex  sync.Locker
	buffer bytes.Buffer
}

func newConsoleWriter(prefix string, dst io.Writer, mutex sync.Locker) *consoleWriter {
	return &consoleWriter{
		prefix: []byte(prefix),
		dst:    dst,
		mutex:  mutex,
	}
}

func (writer *consoleWriter) Write(data []byte) (int, error) {
	writer.buffer.Write(data)

	index := bytes.LastIndexByte(writer.buffer.Bytes(), '\n')
	if index < 0 {
		return len(data), nil
	}

	lines := writer.buffer.Next(index + 1)

	err := writer.write(lines)
	if err != nil {
		return 0, err
	}

	return len(data), nil
}

func (writer *consoleWriter) write(lines []byte) error {
	output := bytes.NewBuffer(nil)
	for len(lines) > 0 {
		index := bytes.IndexByte(lines, '\n')
		if index < 0 {
			index = len(lines) - 1
		}

		line := bytes.TrimRight(lines[:index+1], "\r\n")

		// docker pull progress redraws lines with \r
		if carriage := bytes.LastIndexByte(line, '\r'); carriage >= 0 {
			line = line[carriage+1:]
		}

		output.Write(writer.prefix)
		output.Write(line)
		output.WriteByte('\n')

		lines = lines[index+1:]
	}

	writer.mutex.Lock()
	defer writer.mutex.Unlock()

	_, err := writer.dst.Write(output.Bytes())
	return err
}

// Close writes the incomplete last line if any.
func (writer *consoleWriter) Close() error {
	if writer.buffer.Len() == 0 {
		return nil
	}

	lines := writer.buffer.Bytes()
	writer.buffer.Reset()

	return writer.write(lines)
}
