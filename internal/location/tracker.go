package location

import (
	"log/slog"
	"sync"
	"time"

	"backend-runsync/internal/observe"
)

// Provider is the GPS source the tracker subscribes to. Readings and
// Authorizations must return the same channels for the provider's lifetime.
type Provider interface {
	Start() error
	Stop()
	Readings() <-chan Sample
	Authorizations() <-chan AuthorizationStatus
}

type Option func(*Tracker)

// WithClock overrides the clock used to judge sample age.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// Tracker filters raw provider readings and emits accepted samples and the
// pace derived from consecutive samples.
type Tracker struct {
	provider Provider
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	prev    *Sample
	current *Sample

	locations      observe.Feed[Sample]
	paces          observe.Feed[Pace]
	authorizations observe.Feed[AuthorizationStatus]
}

func NewTracker(provider Provider, opts ...Option) *Tracker {
	t := &Tracker{
		provider: provider,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartTracking begins sampling. It is a no-op while already tracking.
func (t *Tracker) StartTracking() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stop != nil {
		return nil
	}
	if err := t.provider.Start(); err != nil {
		return err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	t.stop, t.done = stop, done
	go t.run(stop, done)

	t.logger.Debug("location tracking started")
	return nil
}

// StopTracking halts sampling and clears continuity state. Safe to call in
// any state.
func (t *Tracker) StopTracking() {
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.stop, t.done = nil, nil
	t.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
		t.provider.Stop()
		t.logger.Debug("location tracking stopped")
	}

	t.mu.Lock()
	t.prev = nil
	t.mu.Unlock()
}

func (t *Tracker) IsTracking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stop != nil
}

// CurrentLocation returns the last accepted sample.
func (t *Tracker) CurrentLocation() (Sample, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return Sample{}, false
	}
	return *t.current, true
}

func (t *Tracker) SubscribeLocations(buffer int) (<-chan Sample, func()) {
	return t.locations.Subscribe(buffer)
}

func (t *Tracker) SubscribePaces(buffer int) (<-chan Pace, func()) {
	return t.paces.Subscribe(buffer)
}

func (t *Tracker) SubscribeAuthorization(buffer int) (<-chan AuthorizationStatus, func()) {
	return t.authorizations.Subscribe(buffer)
}

func (t *Tracker) run(stop, done chan struct{}) {
	defer close(done)

	readings := t.provider.Readings()
	statuses := t.provider.Authorizations()
	for {
		select {
		case <-stop:
			return
		case s, ok := <-readings:
			if !ok {
				readings = nil
				t.logger.Debug("location provider closed its readings")
				continue
			}
			t.handleReading(s, stop)
		case status, ok := <-statuses:
			if !ok {
				statuses = nil
				continue
			}
			t.authorizations.PublishUntil(status, stop)
			if status.Revoked() {
				t.halt(stop, status)
				return
			}
		}
	}
}

func (t *Tracker) handleReading(s Sample, stop <-chan struct{}) {
	if err := Accept(s, t.now()); err != nil {
		t.logger.Debug("location sample rejected",
			"reason", err.Error(),
			"accuracy_m", s.HorizontalAccuracyM,
			"timestamp", s.Timestamp)
		return
	}

	t.mu.Lock()
	prev := t.prev
	accepted := s
	t.prev = &accepted
	t.current = &accepted
	t.mu.Unlock()

	t.locations.PublishUntil(s, stop)

	if prev == nil {
		return
	}
	if pace, ok := DerivePace(*prev, s); ok {
		t.paces.PublishUntil(pace, stop)
	}
}

// halt stops tracking from inside the run loop after authorization was revoked.
func (t *Tracker) halt(stop chan struct{}, status AuthorizationStatus) {
	t.mu.Lock()
	if t.stop != stop {
		// StopTracking already owns the shutdown
		t.mu.Unlock()
		return
	}
	t.stop, t.done = nil, nil
	t.prev = nil
	t.mu.Unlock()

	t.provider.Stop()
	t.logger.Warn("location tracking stopped: authorization revoked", "status", status.String())
}
