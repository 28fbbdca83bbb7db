package location

import (
	"errors"
	"sync"
	"time"
)

var ErrReplayExhausted = errors.New("replay provider has no samples left")

// ReplayProvider feeds a recorded route to a Tracker. Samples are delivered in
// order, Interval apart; a stopped replay resumes where it left off.
type ReplayProvider struct {
	Interval time.Duration
	// Restamp replaces each sample's timestamp with the delivery time.
	Restamp bool
	Now     func() time.Time

	samples  []Sample
	readings chan Sample
	statuses chan AuthorizationStatus

	mu   sync.Mutex
	next int
	stop chan struct{}
	done chan struct{}
}

func NewReplayProvider(samples []Sample, interval time.Duration) *ReplayProvider {
	return &ReplayProvider{
		Interval: interval,
		Now:      time.Now,
		samples:  samples,
		readings: make(chan Sample),
		statuses: make(chan AuthorizationStatus, 4),
	}
}

func (p *ReplayProvider) Readings() <-chan Sample {
	return p.readings
}

func (p *ReplayProvider) Authorizations() <-chan AuthorizationStatus {
	return p.statuses
}

func (p *ReplayProvider) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stop != nil {
		return nil
	}
	if p.next >= len(p.samples) {
		return ErrReplayExhausted
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.play(p.stop, p.done)
	return nil
}

func (p *ReplayProvider) Stop() {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop, p.done = nil, nil
	p.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// SetAuthorization emits an authorization change.
func (p *ReplayProvider) SetAuthorization(status AuthorizationStatus) {
	p.statuses <- status
}

// Remaining reports how many samples have not been delivered yet.
func (p *ReplayProvider) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.samples) - p.next
}

func (p *ReplayProvider) play(stop, done chan struct{}) {
	defer close(done)

	for {
		p.mu.Lock()
		if p.next >= len(p.samples) {
			p.mu.Unlock()
			return
		}
		s := p.samples[p.next]
		p.mu.Unlock()

		if p.Restamp {
			s.Timestamp = p.Now()
		}
		select {
		case <-stop:
			return
		case p.readings <- s:
		}

		p.mu.Lock()
		p.next++
		p.mu.Unlock()

		if p.Interval <= 0 {
			continue
		}
		select {
		case <-stop:
			return
		case <-time.After(p.Interval):
		}
	}
}
