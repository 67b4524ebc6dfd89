package monitor

import "time"

// Backoff returns the delay before the next connection attempt given the
// number of consecutive attempts that produced no output.
type Backoff interface {
	Delay(failures int) time.Duration
}

// NoDelay retries immediately.
type NoDelay struct{}

func (NoDelay) Delay(int) time.Duration { return 0 }

// Exponential doubles Initial per consecutive failure, capped at Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func (e Exponential) Delay(failures int) time.Duration {
	if e.Initial <= 0 || failures <= 0 {
		return 0
	}
	d := e.Initial
	for i := 1; i < failures; i++ {
		d *= 2
		if e.Max > 0 && d >= e.Max {
			return e.Max
		}
	}
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}
