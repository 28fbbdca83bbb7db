// Package runstore persists run sessions in Postgres, bbolt or behind a Redis
// cache, and serves the run history API.
package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"backend-runsync/internal/db"
	"backend-runsync/internal/location"
	"backend-runsync/internal/run"
)

const sessionColumns = `id, owner_id, start_time, end_time, distance_meters, average_pace,
		run_type, participant_ids, route, pace_samples`

type Postgres struct {
	db db.Querier
}

func NewPostgres(q db.Querier) *Postgres {
	return &Postgres{db: q}
}

// Save upserts the session on id.
func (p *Postgres) Save(ctx context.Context, s run.Session) (run.Session, error) {
	typ, err := json.Marshal(s.Type)
	if err != nil {
		return run.Session{}, err
	}
	participants, err := json.Marshal(nonNil(s.ParticipantIDs))
	if err != nil {
		return run.Session{}, err
	}
	route, err := json.Marshal(nonNil(s.Route))
	if err != nil {
		return run.Session{}, err
	}
	paces, err := json.Marshal(nonNil(s.PaceSamples))
	if err != nil {
		return run.Session{}, err
	}

	_, err = p.db.Exec(ctx, `
		INSERT INTO run_sessions (id, owner_id, start_time, end_time, distance_meters, average_pace,
			run_type, participant_ids, route, pace_samples)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			end_time=EXCLUDED.end_time,
			distance_meters=EXCLUDED.distance_meters,
			average_pace=EXCLUDED.average_pace,
			participant_ids=EXCLUDED.participant_ids,
			route=EXCLUDED.route,
			pace_samples=EXCLUDED.pace_samples
	`, s.ID, s.OwnerID, s.StartTime, s.EndTime, s.DistanceMeters, s.AveragePaceMinPerKm,
		typ, participants, route, paces)
	if err != nil {
		return run.Session{}, fmt.Errorf("save run %s: %w", s.ID, err)
	}
	return s, nil
}

func (p *Postgres) Fetch(ctx context.Context, id string) (*run.Session, error) {
	row := p.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM run_sessions WHERE id=$1`, id)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch run %s: %w", id, err)
	}
	return &s, nil
}

// FetchAll returns the owner's sessions, newest first.
func (p *Postgres) FetchAll(ctx context.Context, ownerID string) ([]run.Session, error) {
	rows, err := p.db.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM run_sessions WHERE owner_id=$1
		ORDER BY start_time DESC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []run.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (p *Postgres) Delete(ctx context.Context, id string) error {
	_, err := p.db.Exec(ctx, `DELETE FROM run_sessions WHERE id=$1`, id)
	return err
}

func scanSession(row pgx.Row) (run.Session, error) {
	var (
		s                               run.Session
		end                             *time.Time
		typ, participants, route, paces []byte
	)
	if err := row.Scan(&s.ID, &s.OwnerID, &s.StartTime, &end, &s.DistanceMeters, &s.AveragePaceMinPerKm,
		&typ, &participants, &route, &paces); err != nil {
		return run.Session{}, err
	}
	s.EndTime = end

	if err := json.Unmarshal(typ, &s.Type); err != nil {
		return run.Session{}, fmt.Errorf("decode run type: %w", err)
	}
	if err := unmarshalOptional(participants, &s.ParticipantIDs); err != nil {
		return run.Session{}, fmt.Errorf("decode participants: %w", err)
	}
	s.Route = []location.Sample{}
	if err := unmarshalOptional(route, &s.Route); err != nil {
		return run.Session{}, fmt.Errorf("decode route: %w", err)
	}
	s.PaceSamples = []run.PaceSample{}
	if err := unmarshalOptional(paces, &s.PaceSamples); err != nil {
		return run.Session{}, fmt.Errorf("decode pace samples: %w", err)
	}
	return s, nil
}

func unmarshalOptional(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
