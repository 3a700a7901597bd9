package lifecycle

import (
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// linearBackOff waits base, 2*base, 3*base, ...
type linearBackOff struct {
	base time.Duration
	n    int64
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.n++
	return l.base * time.Duration(l.n)
}

func (l *linearBackOff) Reset() { l.n = 0 }

// newBackOff returns the verification wait policy. Waits are never randomized
// and never stop on their own; the attempt count bounds them.
func newBackOff(kind string, base time.Duration) backoff.BackOff {
	if strings.EqualFold(kind, BackoffExponential) {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = base
		eb.RandomizationFactor = 0
		eb.Multiplier = 2
		eb.MaxInterval = 30 * base
		eb.MaxElapsedTime = 0
		eb.Reset()
		return eb
	}
	return &linearBackOff{base: base}
}
