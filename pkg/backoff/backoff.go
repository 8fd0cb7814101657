// Package backoff provides exponential backoff calculation and a retry policy
// built on it.
package backoff

import (
	"math"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 1s
	Max     time.Duration // default: 8s
}

// Exponential calculates exponential backoff for a given retry.
// Retry 1 returns initial, retry 2 returns initial*2, etc., capped at max.
func Exponential(retry int, cfg *Config) time.Duration {
	initial := time.Second
	maxBackoff := 8 * time.Second
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxBackoff = cfg.Max
		}
	}

	if retry < 1 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2.0, float64(retry-1))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	return time.Duration(backoff)
}
