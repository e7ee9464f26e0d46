package calls

import (
	"context"
	"database/sql"
	"errors"

	"call-bridge/pkg/utils"
)

// NOTE: PostgresRepo assumes this table exists:
//
//	CREATE TABLE call_records (
//	  call_id     TEXT PRIMARY KEY,
//	  session_id  TEXT NOT NULL,
//	  from_party  TEXT NOT NULL,
//	  to_party    TEXT NOT NULL,
//	  state       TEXT NOT NULL,
//	  degraded    BOOLEAN NOT NULL DEFAULT FALSE,
//	  started_at  TIMESTAMPTZ NOT NULL,
//	  answered_at TIMESTAMPTZ,
//	  ended_at    TIMESTAMPTZ,
//	  end_reason  TEXT NOT NULL DEFAULT ''
//	);

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// Save upserts rec. A record already in a terminal state is never moved back
// to a live one, so late writes from a slow path cannot resurrect a call.
func (r *PostgresRepo) Save(ctx context.Context, rec CallRecord) error {
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		const lockQ = `
SELECT state
FROM call_records
WHERE call_id = $1
FOR UPDATE
`
		var current State
		err := tx.QueryRowContext(ctx, lockQ, rec.CallID).Scan(&current)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		case current.Terminal() && !rec.State.Terminal():
			return nil
		}

		const upsertQ = `
INSERT INTO call_records (
  call_id, session_id, from_party, to_party, state, degraded, started_at, answered_at, ended_at, end_reason
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
ON CONFLICT (call_id)
DO UPDATE SET state = EXCLUDED.state,
              degraded = EXCLUDED.degraded,
              answered_at = EXCLUDED.answered_at,
              ended_at = EXCLUDED.ended_at,
              end_reason = EXCLUDED.end_reason
`
		_, err = tx.ExecContext(ctx, upsertQ,
			rec.CallID,
			rec.SessionID,
			rec.From,
			rec.To,
			rec.State,
			rec.Degraded,
			rec.StartedAt,
			rec.AnsweredAt,
			rec.EndedAt,
			rec.EndReason,
		)
		return err
	})
}

const selectRecord = `
SELECT call_id, session_id, from_party, to_party, state, degraded, started_at, answered_at, ended_at, end_reason
FROM call_records
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (CallRecord, error) {
	var (
		rec      CallRecord
		answered sql.NullTime
		ended    sql.NullTime
	)
	if err := row.Scan(
		&rec.CallID,
		&rec.SessionID,
		&rec.From,
		&rec.To,
		&rec.State,
		&rec.Degraded,
		&rec.StartedAt,
		&answered,
		&ended,
		&rec.EndReason,
	); err != nil {
		return CallRecord{}, err
	}
	if answered.Valid {
		t := answered.Time
		rec.AnsweredAt = &t
	}
	if ended.Valid {
		t := ended.Time
		rec.EndedAt = &t
	}
	return rec, nil
}

func (r *PostgresRepo) Get(ctx context.Context, callID string) (CallRecord, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, selectRecord+"WHERE call_id = $1", callID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallRecord{}, ErrRecordNotFound
		}
		return CallRecord{}, err
	}
	return rec, nil
}

func (r *PostgresRepo) List(ctx context.Context, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, selectRecord+"ORDER BY started_at DESC LIMIT $1", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
