package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"backend-runsync/internal/location"
	"backend-runsync/internal/observe"
	"backend-runsync/internal/wire"
)

// Repository stores run sessions. Fetch returns nil, nil when id is unknown.
type Repository interface {
	Save(ctx context.Context, s Session) (Session, error)
	Fetch(ctx context.Context, id string) (*Session, error)
	FetchAll(ctx context.Context, ownerID string) ([]Session, error)
	Delete(ctx context.Context, id string) error
}

type Tracker interface {
	StartTracking() error
	StopTracking()
	SubscribeLocations(buffer int) (<-chan location.Sample, func())
	SubscribePaces(buffer int) (<-chan location.Pace, func())
}

// Syncer is the session sync coordinator as seen by the manager.
type Syncer interface {
	JoinSession(ctx context.Context, sessionID, userID string, peerIDs []string) error
	LeaveSession() error
	SendPaceUpdate(pace float64, loc wire.Coordinate) error
	IsInSession() bool
}

const (
	defaultAutosaveEvery = 10
	defaultJoinTimeout   = 30 * time.Second
	feedBuffer           = 64
)

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithSyncer(s Syncer) Option {
	return func(m *Manager) { m.syncer = s }
}

func WithJoinTimeout(d time.Duration) Option {
	return func(m *Manager) { m.joinTimeout = d }
}

// WithAutosaveEvery sets how many accepted locations pass between snapshots.
func WithAutosaveEvery(n int) Option {
	return func(m *Manager) { m.autosaveEvery = n }
}

// Manager owns the lifecycle of one run at a time. All transitions and sample
// handling are serialized on mu.
type Manager struct {
	tracker       Tracker
	repo          Repository
	syncer        Syncer
	logger        *slog.Logger
	now           func() time.Time
	joinTimeout   time.Duration
	autosaveEvery int

	mu          sync.Mutex
	state       State
	active      *Session
	pausedAt    time.Time
	pausedTotal time.Duration
	accepted    int
	joinGen     uint64
	joinCancel  context.CancelFunc

	states observe.Feed[State]

	cancelLocations func()
	cancelPaces     func()
	done            chan struct{}
	closeOnce       sync.Once
}

// NewManager subscribes to the tracker once; Close unsubscribes.
func NewManager(tracker Tracker, repo Repository, opts ...Option) *Manager {
	m := &Manager{
		tracker:       tracker,
		repo:          repo,
		logger:        slog.Default(),
		now:           time.Now,
		joinTimeout:   defaultJoinTimeout,
		autosaveEvery: defaultAutosaveEvery,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	locations, cancelLoc := tracker.SubscribeLocations(feedBuffer)
	paces, cancelPace := tracker.SubscribePaces(feedBuffer)
	m.cancelLocations = cancelLoc
	m.cancelPaces = cancelPace
	go m.consume(locations, paces)
	return m
}

// Close stops tracking and releases the tracker subscriptions.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.cancelJoinLocked()
		m.mu.Unlock()
		m.tracker.StopTracking()
		m.cancelLocations()
		m.cancelPaces()
		<-m.done
		m.states.Close()
	})
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SubscribeStates streams state changes; a full buffer drops values.
func (m *Manager) SubscribeStates(buffer int) (<-chan State, func()) {
	return m.states.Subscribe(buffer)
}

// ActiveSession returns a copy of the in-flight session.
func (m *Manager) ActiveSession() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Session{}, false
	}
	return m.active.Clone(), true
}

// StartRun begins a new run. participantIDs lists everyone sharing a
// Synchronized run, the owner included.
func (m *Manager) StartRun(ctx context.Context, typ Type, ownerID string, participantIDs ...string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := transition(m.state, evStart)
	if err != nil {
		return Session{}, err
	}
	m.setStateLocked(next)

	if err := typ.Validate(); err != nil {
		m.failLocked("start", err)
		return Session{}, err
	}
	if ownerID == "" {
		m.failLocked("start", ErrOwnerRequired)
		return Session{}, ErrOwnerRequired
	}

	m.active = &Session{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		StartTime:      m.now(),
		Type:           typ,
		Route:          []location.Sample{},
		PaceSamples:    []PaceSample{},
		ParticipantIDs: append([]string(nil), participantIDs...),
	}
	m.pausedAt = time.Time{}
	m.pausedTotal = 0
	m.accepted = 0

	if err := m.tracker.StartTracking(); err != nil {
		err = fmt.Errorf("start tracking: %w", err)
		m.failLocked("start", err)
		return Session{}, err
	}

	saved, err := m.repo.Save(ctx, m.active.Clone())
	if err != nil {
		perr := &PersistenceError{Op: "start", Err: err}
		m.tracker.StopTracking()
		m.failLocked("start", perr)
		return Session{}, perr
	}

	if sessionID, ok := typ.SyncSessionID(); ok {
		m.joinAsync(sessionID, ownerID, m.active.ParticipantIDs)
	}

	next, _ = transition(m.state, evStarted)
	m.setStateLocked(next)
	m.logger.Info("run started", "session_id", m.active.ID, "owner_id", ownerID, "type", typ.Kind().String())
	return saved, nil
}

// PauseRun stops consuming samples and snapshots the run.
func (m *Manager) PauseRun(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := transition(m.state, evPause)
	if err != nil {
		return err
	}
	m.pausedAt = m.now()
	if _, err := m.repo.Save(ctx, m.active.Clone()); err != nil {
		m.logger.Warn("pause snapshot not saved", "session_id", m.active.ID, "error", err)
	}
	m.setStateLocked(next)
	m.logger.Info("run paused", "session_id", m.active.ID)
	return nil
}

// ResumeRun continues a paused or recovered run.
func (m *Manager) ResumeRun(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := transition(m.state, evResume)
	if err != nil {
		return err
	}
	if !m.pausedAt.IsZero() {
		m.pausedTotal += m.now().Sub(m.pausedAt)
		m.pausedAt = time.Time{}
	}
	if err := m.tracker.StartTracking(); err != nil {
		err = fmt.Errorf("resume tracking: %w", err)
		m.failLocked("resume", err)
		return err
	}
	if sessionID, ok := m.active.Type.SyncSessionID(); ok && m.syncer != nil && m.joinCancel == nil && !m.syncer.IsInSession() {
		m.joinAsync(sessionID, m.active.OwnerID, m.active.ParticipantIDs)
	}
	m.setStateLocked(next)
	m.logger.Info("run resumed", "session_id", m.active.ID, "paused_total", m.pausedTotal)
	return nil
}

// EndRun finalizes and persists the run.
func (m *Manager) EndRun(ctx context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state.Phase
	next, err := transition(m.state, evEnd)
	if err != nil {
		return Session{}, err
	}
	m.setStateLocked(next)

	end := m.now()
	if from == Paused && !m.pausedAt.IsZero() {
		m.pausedTotal += end.Sub(m.pausedAt)
		m.pausedAt = time.Time{}
	}

	m.cancelJoinLocked()
	m.tracker.StopTracking()
	if m.active.Type.Kind() == KindSynchronized && m.syncer != nil && m.syncer.IsInSession() {
		if err := m.syncer.LeaveSession(); err != nil {
			m.logger.Debug("sync leave failed", "error", err)
		}
	}

	final := m.active.Clone()
	final.EndTime = &end
	final.DistanceMeters = location.RouteDistance(final.Route)
	final.AveragePaceMinPerKm = AveragePace(end.Sub(final.StartTime)-m.pausedTotal, final.DistanceMeters)

	if err := final.Validate(); err != nil {
		// keep the route recoverable; the finalized values are what failed
		if _, serr := m.repo.Save(ctx, m.active.Clone()); serr != nil {
			m.logger.Warn("snapshot of rejected run not saved", "session_id", final.ID, "error", serr)
		}
		m.failLocked("end", err)
		return Session{}, err
	}
	saved, err := m.repo.Save(ctx, final)
	if err != nil {
		perr := &PersistenceError{Op: "end", Err: err}
		m.failLocked("end", perr)
		return Session{}, perr
	}

	m.active = nil
	next, _ = transition(m.state, evEnded)
	m.setStateLocked(next)
	m.logger.Info("run completed",
		"session_id", final.ID,
		"distance_m", final.DistanceMeters,
		"avg_pace", final.AveragePaceMinPerKm)
	return saved, nil
}

// RecoverSession adopts the owner's most recently started unfinished run and
// leaves it Paused. Paused time from before the crash is not recoverable and
// starts from zero.
func (m *Manager) RecoverSession(ctx context.Context, ownerID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := transition(m.state, evRecover)
	if err != nil {
		return nil, err
	}

	sessions, err := m.repo.FetchAll(ctx, ownerID)
	if err != nil {
		return nil, &PersistenceError{Op: "recover", Err: err}
	}

	var latest *Session
	for i := range sessions {
		s := sessions[i]
		if s.Completed() {
			continue
		}
		if latest == nil || s.StartTime.After(latest.StartTime) {
			latest = &s
		}
	}
	if latest == nil {
		return nil, nil
	}

	active := latest.Clone()
	active.DistanceMeters = location.RouteDistance(active.Route)
	m.active = &active
	m.pausedTotal = 0
	m.pausedAt = m.now()
	m.accepted = 0
	m.setStateLocked(next)
	m.logger.Info("run recovered", "session_id", active.ID, "route_points", len(active.Route))

	out := active.Clone()
	return &out, nil
}

// Reset returns a completed or failed manager to Idle for the next run.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := transition(m.state, evReset)
	if err != nil {
		return err
	}
	m.cancelJoinLocked()
	m.tracker.StopTracking()
	m.active = nil
	m.pausedAt = time.Time{}
	m.pausedTotal = 0
	m.accepted = 0
	m.setStateLocked(next)
	return nil
}

// AveragePace returns minutes per km over the active duration, or 0 without
// distance.
func AveragePace(active time.Duration, distanceM float64) float64 {
	if distanceM <= 0 || active <= 0 {
		return 0
	}
	return active.Minutes() / (distanceM / 1000)
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	m.states.Offer(s)
}

func (m *Manager) failLocked(op string, err error) {
	m.logger.Error("run failed", "op", op, "error", err)
	m.setStateLocked(fail(err))
}

// joinAsync starts the sync join for the active run. At most one join is in
// flight; ending or resetting the run cancels it.
func (m *Manager) joinAsync(sessionID, ownerID string, participantIDs []string) {
	if m.syncer == nil {
		return
	}
	peers := make([]string, 0, len(participantIDs))
	for _, id := range participantIDs {
		if id != ownerID {
			peers = append(peers, id)
		}
	}

	m.cancelJoinLocked()
	ctx, cancel := context.WithTimeout(context.Background(), m.joinTimeout)
	m.joinGen++
	gen, runID := m.joinGen, m.active.ID
	m.joinCancel = cancel

	go func() {
		defer cancel()
		err := m.syncer.JoinSession(ctx, sessionID, ownerID, peers)

		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.joinGen {
			// a newer join owns the membership now
			return
		}
		m.joinCancel = nil
		if errors.Is(err, context.Canceled) {
			m.logger.Debug("sync join abandoned", "sync_session_id", sessionID)
			return
		}
		if err != nil {
			m.logger.Warn("sync join failed, run continues unsynchronized", "sync_session_id", sessionID, "error", err)
			return
		}
		if m.active != nil && m.active.ID == runID && (m.state.Phase == Running || m.state.Phase == Paused) {
			return
		}
		m.logger.Info("sync join finished after the run ended, leaving", "sync_session_id", sessionID)
		if err := m.syncer.LeaveSession(); err != nil {
			m.logger.Debug("sync leave failed", "error", err)
		}
	}()
}

// cancelJoinLocked abandons an in-flight join. A join that already went
// through notices the run is gone and leaves.
func (m *Manager) cancelJoinLocked() {
	if m.joinCancel == nil {
		return
	}
	m.joinCancel()
	m.joinCancel = nil
}

func (m *Manager) consume(locations <-chan location.Sample, paces <-chan location.Pace) {
	defer close(m.done)
	for locations != nil || paces != nil {
		select {
		case s, ok := <-locations:
			if !ok {
				locations = nil
				continue
			}
			m.handleLocation(s)
		case p, ok := <-paces:
			if !ok {
				paces = nil
				continue
			}
			m.handlePace(p)
		}
	}
}

func (m *Manager) handleLocation(s location.Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Phase != Running || m.active == nil {
		return
	}
	if n := len(m.active.Route); n > 0 {
		m.active.DistanceMeters += location.Distance(m.active.Route[n-1], s)
	}
	m.active.Route = append(m.active.Route, s)
	m.accepted++

	if m.autosaveEvery > 0 && m.accepted%m.autosaveEvery == 0 {
		if _, err := m.repo.Save(context.Background(), m.active.Clone()); err != nil {
			m.logger.Warn("autosave failed", "session_id", m.active.ID, "error", err)
		}
	}
}

func (m *Manager) handlePace(p location.Pace) {
	m.mu.Lock()
	if m.state.Phase != Running || m.active == nil {
		m.mu.Unlock()
		return
	}
	m.active.PaceSamples = append(m.active.PaceSamples, PaceSample{
		Timestamp:    p.Timestamp,
		Location:     p.Location,
		PaceMinPerKm: p.PaceMinPerKm,
	})
	forward := m.syncer != nil && m.active.Type.Kind() == KindSynchronized
	m.mu.Unlock()

	if !forward {
		return
	}
	loc := wire.Coordinate{Lat: p.Location.Latitude, Lon: p.Location.Longitude}
	if err := m.syncer.SendPaceUpdate(p.PaceMinPerKm, loc); err != nil {
		m.logger.Debug("pace update not broadcast", "error", err)
	}
}
