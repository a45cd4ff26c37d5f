package utils

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsDone(t *testing.T) {
	test := assert.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	test.False(IsDone(ctx))

	cancel()
	test.True(IsDone(ctx))
}

func TestIsCanceled_Wrapped(t *testing.T) {
	test := assert.New(t)

	test.True(IsCanceled(context.Canceled))
	test.False(IsCanceled(context.DeadlineExceeded))
	test.False(IsCanceled(nil))

}

func TestTicker_Reset(t *testing.T) {
	test := assert.New(t)

	ticker := NewTicker(time.Millisecond * 10)
	defer ticker.Stop()

	<-ticker.Get()
	ticker.Reset()

	select {
	case <-ticker.Get():
	case <-time.After(time.Second):
		test.Fail("ticker did not fire after reset")
	}
}

func TestShortHash(t *testing.T) {
	test := assert.New(t)

	test.Equal("1234567", ShortHash("1234567890"))
	test.Equal("123", ShortHash("123"))
	test.Len(RandString(10), 10)
}
