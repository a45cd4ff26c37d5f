package utils

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

const symbols = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func RandString(n int) string {
	buffer := make([]byte, n)
	for i := range buffer {
		buffer[i] = symbols[rand.Intn(len(symbols))]
	}
	return string(buffer)
}

func IsDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

type Ticker struct {
	duration time.Duration
	timer    *time.Timer
}

func NewTicker(duration time.Duration) *Ticker {
	return &Ticker{
		duration: duration,
		timer:    time.NewTimer(duration),
	}
}

func (ticker *Ticker) Get() <-chan time.Time {
	return ticker.timer.C
}

func (ticker *Ticker) Reset() {
	if !ticker.timer.Stop() {
		select {
		case <-ticker.timer.C:
		default:
		}
	}

	ticker.timer.Reset(ticker.duration)
}

func (ticker *Ticker) Stop() {
	ticker.timer.Stop()
}

// ShortHash returns first 7 symbols of a commit hash.
func ShortHash(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}
