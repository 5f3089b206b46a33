// Package backoff computes retry delays for the API client.
package backoff

import (
	"math/rand"
	"time"
)

// Params describes the shape of a backoff curve.
type Params struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the fraction (0..1) of the computed delay added at random.
	Jitter float64
}

// Strategy turns an attempt number (0 = first retry) into a delay.
type Strategy interface {
	Delay(attempt int, p Params) time.Duration
}

// Exponential is base * multiplier^attempt capped at Max, plus optional jitter.
// Jitter never pushes the delay above Max.
type Exponential struct{}

func (Exponential) Delay(attempt int, p Params) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// beyond ~30 doublings every realistic cap is already hit
	if attempt > 30 {
		attempt = 30
	}

	d := time.Duration(float64(p.Base) * Pow(p.Multiplier, attempt))
	if d < 0 || d > p.Max {
		d = p.Max
	}

	if j := clampJitter(p.Jitter); j > 0 {
		extra := time.Duration(float64(d) * j * rand.Float64())
		if d+extra > p.Max {
			return p.Max
		}
		d += extra
	}
	return d
}

// Decorrelated draws uniformly from [Base, min(Max, Base*3^attempt)].
// Multiplier and Jitter are ignored.
type Decorrelated struct{}

func (Decorrelated) Delay(attempt int, p Params) time.Duration {
	if attempt <= 0 {
		return p.Base
	}
	if attempt > 10 {
		attempt = 10
	}

	base := float64(p.Base)
	upper := base * Pow(3.0, attempt)
	if upper > float64(p.Max) || upper < 0 {
		upper = float64(p.Max)
	}
	if upper < base {
		upper = base
	}

	d := time.Duration(base + rand.Float64()*(upper-base))
	if d < 0 || d > p.Max {
		d = p.Max
	}
	return d
}

func clampJitter(jitter float64) float64 {
	if jitter < 0 {
		return 0
	}
	if jitter > 1 {
		return 1
	}
	return jitter
}

// Pow is integer exponentiation on a float base.
func Pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
