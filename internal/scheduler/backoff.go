package scheduler

import (
	"crypto/rand"
	"math/big"
	"time"
)

// Backoff computes retry delays: Initial doubled per attempt, capped at Max.
// Jitter, when set, adds up to that fraction of the delay on top.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64
}

// Delay returns the wait before the attempt following attempt n (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := b.Initial
	for i := 1; i < attempt && delay < b.Max; i++ {
		delay *= 2
	}
	if delay > b.Max {
		delay = b.Max
	}
	if b.Jitter > 0 {
		delay += randomJitter(time.Duration(float64(delay) * b.Jitter))
	}
	return delay
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
