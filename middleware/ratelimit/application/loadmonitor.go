package application

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"admission-gateway/middleware/ratelimit/domain"
)

const (
	// DefaultLoadInterval is the recommended sampling period.
	DefaultLoadInterval = 10 * time.Second
	// DefaultLoadTimeout bounds one sample and one publish.
	DefaultLoadTimeout = 2 * time.Second
)

// MultiplierFor maps a load percentage onto the adaptive limit multiplier.
func MultiplierFor(load float64) float64 {
	switch {
	case load < 30:
		return 1.5
	case load < 60:
		return 1.0
	case load <= 80:
		return 0.7
	default:
		return 0.3
	}
}

// LoadMonitor samples system load in the background and publishes the
// resulting multiplier. Readers never block on sampling.
type LoadMonitor struct {
	sampler   domain.LoadSampler
	publisher domain.LoadPublisher
	interval  time.Duration
	timeout   time.Duration
	smoothing float64
	observe   func(domain.LoadSample)
	now       func() time.Time
	logger    *zap.Logger

	current atomic.Pointer[domain.LoadSample]
	sampled atomic.Bool
	warn    rate.Sometimes
}

type LoadMonitorOption func(*LoadMonitor)

func WithLoadInterval(d time.Duration) LoadMonitorOption {
	return func(m *LoadMonitor) { m.interval = d }
}

func WithLoadTimeout(d time.Duration) LoadMonitorOption {
	return func(m *LoadMonitor) { m.timeout = d }
}

// WithLoadPublisher shares every successful sample with other workers.
func WithLoadPublisher(p domain.LoadPublisher) LoadMonitorOption {
	return func(m *LoadMonitor) { m.publisher = p }
}

// WithLoadSmoothing enables an exponential moving average over samples.
// alpha is the weight of the newest sample; 0 disables smoothing.
func WithLoadSmoothing(alpha float64) LoadMonitorOption {
	return func(m *LoadMonitor) {
		if alpha < 0 || alpha > 1 {
			alpha = 0
		}
		m.smoothing = alpha
	}
}

// WithLoadObserver is called after every published sample.
func WithLoadObserver(fn func(domain.LoadSample)) LoadMonitorOption {
	return func(m *LoadMonitor) { m.observe = fn }
}

func WithLoadClock(now func() time.Time) LoadMonitorOption {
	return func(m *LoadMonitor) { m.now = now }
}

func WithLoadLogger(l *zap.Logger) LoadMonitorOption {
	return func(m *LoadMonitor) {
		if l != nil {
			m.logger = l
		}
	}
}

func NewLoadMonitor(sampler domain.LoadSampler, opts ...LoadMonitorOption) *LoadMonitor {
	m := &LoadMonitor{
		sampler:  sampler,
		interval: DefaultLoadInterval,
		timeout:  DefaultLoadTimeout,
		now:      time.Now,
		logger:   zap.NewNop(),
		warn:     rate.Sometimes{First: 1, Interval: time.Minute},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.current.Store(&domain.LoadSample{Timestamp: m.now(), Multiplier: 1.0})
	return m
}

// Multiplier returns the last published multiplier.
func (m *LoadMonitor) Multiplier() float64 {
	return m.current.Load().Multiplier
}

// Current returns the last published sample.
func (m *LoadMonitor) Current() domain.LoadSample {
	return *m.current.Load()
}

// Refresh takes one sample and publishes it. On failure the previous sample
// stays in place so a degraded condition is not masked by a reset to 1.0.
// Publishers receive the raw sample; smoothing only applies locally.
func (m *LoadMonitor) Refresh(ctx context.Context) error {
	if m.sampler == nil {
		return nil
	}
	timeout := m.timeout
	if timeout <= 0 {
		timeout = DefaultLoadTimeout
	}

	sampleCtx, cancel := context.WithTimeout(ctx, timeout)
	raw, err := m.sampler.Sample(sampleCtx)
	cancel()
	if err != nil {
		m.warn.Do(func() {
			m.logger.Warn("load sampling failed, keeping last multiplier",
				zap.Float64("multiplier", m.Multiplier()),
				zap.Error(err),
			)
		})
		return err
	}

	now := m.now()
	prev := m.current.Load()
	load := raw
	if m.smoothing > 0 && m.sampled.Load() {
		load = m.smoothing*raw + (1-m.smoothing)*prev.Load
	}

	s := &domain.LoadSample{Timestamp: now, Load: load, Multiplier: MultiplierFor(load)}
	m.current.Store(s)
	m.sampled.Store(true)

	if s.Multiplier != prev.Multiplier {
		m.logger.Info("load multiplier changed",
			zap.Float64("load", load),
			zap.Float64("from", prev.Multiplier),
			zap.Float64("to", s.Multiplier),
		)
	}
	if m.publisher != nil {
		pubCtx, cancel := context.WithTimeout(ctx, timeout)
		err := m.publisher.Publish(pubCtx, domain.LoadSample{Timestamp: now, Load: raw, Multiplier: MultiplierFor(raw)})
		cancel()
		if err != nil {
			m.logger.Debug("load sample publish failed", zap.Error(err))
		}
	}
	if m.observe != nil {
		m.observe(*s)
	}
	return nil
}

// Start samples once and then every interval until ctx is done.
func (m *LoadMonitor) Start(ctx context.Context) {
	if m.interval <= 0 {
		m.interval = DefaultLoadInterval
	}
	_ = m.Refresh(ctx)

	t := time.NewTicker(m.interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_ = m.Refresh(ctx)
			}
		}
	}()
}

// StaticMultiplier is a fixed MultiplierSource, used when load adaptation is off.
type StaticMultiplier float64

func (s StaticMultiplier) Multiplier() float64 { return float64(s) }
