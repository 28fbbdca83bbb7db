package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"backend-runsync/internal/groupsync"
	"backend-runsync/internal/location"
	"backend-runsync/internal/run"
	"backend-runsync/internal/syncchan"
	"backend-runsync/internal/wire"
)

const (
	defaultAccuracyM = 5.0
	pollInterval     = 10 * time.Millisecond
	minSettle        = 50 * time.Millisecond
)

var errEmptyRoute = errors.New("route has no samples")

type simOptions struct {
	Interval    time.Duration
	Speed       float64
	PauseAfter  int
	PauseFor    time.Duration
	SyncURL     string
	JoinTimeout time.Duration
	Sync        syncchan.Config
}

// loadRoute reads a JSON array of samples. Timestamps are replaced during
// replay; a missing accuracy counts as a good fix.
func loadRoute(path string) ([]location.Sample, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read route: %w", err)
	}
	var samples []location.Sample
	if err := json.Unmarshal(data, &samples); err != nil {
		return nil, fmt.Errorf("parse route %s: %w", path, err)
	}
	if len(samples) == 0 {
		return nil, errEmptyRoute
	}
	for i := range samples {
		if samples[i].HorizontalAccuracyM == 0 {
			samples[i].HorizontalAccuracyM = defaultAccuracyM
		}
	}
	return samples, nil
}

// simClock runs speed times faster than the wall clock, starting from the
// wall time it was created at.
type simClock struct {
	start time.Time
	speed float64
	wall  func() time.Time
}

func newSimClock(speed float64) *simClock {
	if speed <= 0 {
		speed = 1
	}
	return &simClock{start: time.Now(), speed: speed, wall: time.Now}
}

func (c *simClock) Now() time.Time {
	elapsed := c.wall().Sub(c.start)
	return c.start.Add(time.Duration(float64(elapsed) * c.speed))
}

// Real converts a simulated duration to wall time.
func (c *simClock) Real(d time.Duration) time.Duration {
	return time.Duration(float64(d) / c.speed)
}

// simulator wires a replayed route through the same tracker, run manager and
// sync coordinator the app uses.
type simulator struct {
	logger   *slog.Logger
	out      io.Writer
	opts     simOptions
	clock    *simClock
	total    int
	provider *location.ReplayProvider
	tracker  *location.Tracker
	manager  *run.Manager

	channel     *syncchan.Channel
	coordinator *groupsync.Coordinator
	cancelPeers func()
	peersDone   chan struct{}
	closeOnce   sync.Once
}

func newSimulator(logger *slog.Logger, repo run.Repository, samples []location.Sample, opts simOptions, out io.Writer) *simulator {
	clock := newSimClock(opts.Speed)

	provider := location.NewReplayProvider(samples, clock.Real(opts.Interval))
	provider.Restamp = true
	provider.Now = clock.Now
	tracker := location.NewTracker(provider, location.WithClock(clock.Now), location.WithLogger(logger))

	channel := syncchan.New(syncchan.WebsocketDialer{}, syncchan.WithConfig(opts.Sync), syncchan.WithLogger(logger))
	coordinator := groupsync.New(channel, opts.SyncURL, groupsync.WithLogger(logger), groupsync.WithClock(clock.Now))

	s := &simulator{
		logger:      logger,
		out:         &lockedWriter{w: out},
		opts:        opts,
		clock:       clock,
		total:       len(samples),
		provider:    provider,
		tracker:     tracker,
		channel:     channel,
		coordinator: coordinator,
		peersDone:   make(chan struct{}),
	}

	peers, cancel := coordinator.SubscribePeers(16)
	s.cancelPeers = cancel
	go s.reportPeers(peers)

	s.manager = run.NewManager(tracker, repo,
		run.WithLogger(logger),
		run.WithClock(clock.Now),
		run.WithSyncer(coordinator),
		run.WithJoinTimeout(opts.JoinTimeout))
	return s
}

func (s *simulator) Close() {
	s.closeOnce.Do(func() {
		s.manager.Close()
		s.cancelPeers()
		<-s.peersDone
		s.coordinator.Close()
		s.channel.Disconnect()
	})
}

// Run starts a run, replays the whole route and ends the run. An interrupted
// replay still ends and saves the run.
func (s *simulator) Run(ctx context.Context, ownerID, sessionID string, participants []string) (run.Session, error) {
	typ := run.Solo()
	if sessionID != "" {
		typ = run.Synchronized(sessionID)
	}

	started, err := s.manager.StartRun(ctx, typ, ownerID, participants...)
	if err != nil {
		return run.Session{}, err
	}
	fmt.Fprintf(s.out, "started %s run %s\n", typ.Kind(), started.ID)

	if err := s.replay(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			return run.Session{}, err
		}
		s.logger.Warn("replay interrupted, ending run", "session_id", started.ID)
	}
	return s.manager.EndRun(context.WithoutCancel(ctx))
}

// Recover adopts the owner's latest unfinished run. With route samples loaded
// it resumes and replays them first; either way the run is ended. It returns
// nil when there is nothing to recover.
func (s *simulator) Recover(ctx context.Context, ownerID string) (*run.Session, error) {
	recovered, err := s.manager.RecoverSession(ctx, ownerID)
	if err != nil || recovered == nil {
		return nil, err
	}
	fmt.Fprintf(s.out, "recovered run %s with %d route points\n", recovered.ID, len(recovered.Route))

	if s.total > 0 {
		if err := s.manager.ResumeRun(ctx); err != nil {
			return nil, err
		}
		if err := s.replay(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return nil, err
		}
	}

	final, err := s.manager.EndRun(context.WithoutCancel(ctx))
	if err != nil {
		return nil, err
	}
	return &final, nil
}

func (s *simulator) delivered() int {
	return s.total - s.provider.Remaining()
}

func (s *simulator) replay(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	paused := false
	for s.provider.Remaining() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if state := s.manager.State(); state.Phase == run.Failed {
			return fmt.Errorf("run failed: %s", state.Message)
		}
		if s.opts.PauseAfter > 0 && !paused && s.delivered() >= s.opts.PauseAfter && s.provider.Remaining() > 0 {
			paused = true
			if err := s.pause(ctx); err != nil {
				return err
			}
		}
	}

	// the last reading is still on its way to the manager
	settle := s.clock.Real(s.opts.Interval)
	if settle < minSettle {
		settle = minSettle
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(settle):
		return nil
	}
}

// pause holds the runner still: no readings arrive until the run resumes.
func (s *simulator) pause(ctx context.Context) error {
	if err := s.manager.PauseRun(ctx); err != nil {
		return err
	}
	s.tracker.StopTracking()
	fmt.Fprintf(s.out, "paused after %d route points for %s\n", s.delivered(), s.opts.PauseFor)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.clock.Real(s.opts.PauseFor)):
	}
	if s.provider.Remaining() == 0 {
		// the route ran out before tracking stopped; end from Paused
		return nil
	}
	return s.manager.ResumeRun(ctx)
}

func (s *simulator) reportPeers(peers <-chan []wire.PeerUpdate) {
	defer close(s.peersDone)
	for snapshot := range peers {
		if len(snapshot) == 0 {
			continue
		}
		latest := snapshot[0]
		fmt.Fprintf(s.out, "peer %s %s %s\n", latest.UserID, formatPace(latest.PaceMinPerKm), latest.Status)
	}
}

// lockedWriter serializes writes from the peer reporter and the command.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
