package domain

import (
	"context"
	"time"
)

// LoadSample is the process-wide view of system load. Consumers only read it.
type LoadSample struct {
	Timestamp  time.Time
	Load       float64
	Multiplier float64
}

// LoadSampler measures load as a percentage in [0, 100].
type LoadSampler interface {
	Sample(ctx context.Context) (float64, error)
}

// LoadPublisher shares a sample with other workers.
type LoadPublisher interface {
	Publish(ctx context.Context, s LoadSample) error
}

// MultiplierSource exposes the last published adaptive multiplier.
type MultiplierSource interface {
	Multiplier() float64
}
