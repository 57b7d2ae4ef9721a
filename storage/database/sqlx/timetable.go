package sqlxrepos

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/schoolyard/portal/core/timetable"
)

type timetableRepository struct {
	db *sqlx.DB
}

var _ timetable.Repository = (*timetableRepository)(nil)

func NewTimetableRepository(db *sqlx.DB) *timetableRepository {
	return &timetableRepository{db: db}
}

func (repo timetableRepository) GetState(ctx context.Context, userID string) (timetable.UserState, error) {
	var doc []byte
	err := repo.db.GetContext(ctx, &doc, `SELECT doc FROM timetable_states WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return timetable.UserState{}, timetable.ErrStateNotFound
	}
	if err != nil {
		return timetable.UserState{}, errors.Wrap(err, "reading timetable state")
	}

	var state timetable.UserState
	if err = json.Unmarshal(doc, &state); err != nil {
		return timetable.UserState{}, errors.Wrap(err, "decoding timetable state")
	}
	return state, nil
}

// SaveState merges patch into the stored document inside a transaction,
// creating the row if absent. The row is locked for the read-modify-write.
func (repo timetableRepository) SaveState(ctx context.Context, userID string, patch timetable.StatePatch) error {
	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var state timetable.UserState
	var doc []byte
	err = tx.GetContext(ctx, &doc, `SELECT doc FROM timetable_states WHERE user_id = $1 FOR UPDATE`, userID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// first write for this user
	case err != nil:
		return errors.Wrap(err, "reading timetable state")
	default:
		if err = json.Unmarshal(doc, &state); err != nil {
			return errors.Wrap(err, "decoding timetable state")
		}
	}

	applyPatch(&state, patch)
	state.UpdatedAt = time.Now().UTC()

	doc, err = json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "encoding timetable state")
	}
	if _, err = tx.ExecContext(ctx, `
INSERT INTO timetable_states (user_id, doc, updated_at) VALUES ($1, $2, $3)
ON CONFLICT (user_id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`,
		userID, doc, state.UpdatedAt,
	); err != nil {
		return errors.Wrap(err, "writing timetable state")
	}
	return tx.Commit()
}

func (repo timetableRepository) DeleteState(ctx context.Context, userID string) error {
	_, err := repo.db.ExecContext(ctx, `DELETE FROM timetable_states WHERE user_id = $1`, userID)
	return errors.Wrap(err, "deleting timetable state")
}

func (repo timetableRepository) ListConfigured(ctx context.Context) ([]string, error) {
	var ids []string
	err := repo.db.SelectContext(ctx, &ids, `SELECT user_id FROM timetable_states WHERE doc ? 'source' ORDER BY user_id`)
	if err != nil {
		return nil, errors.Wrap(err, "listing configured users")
	}
	return ids, nil
}

func applyPatch(state *timetable.UserState, patch timetable.StatePatch) {
	if patch.Source != nil {
		state.Source = patch.Source
	}
	if patch.Cookies != nil && state.Source != nil && state.Source.Edumate != nil {
		state.Source.Edumate.Cookies = *patch.Cookies
	}
	if patch.LastFetched != nil {
		state.LastFetched = patch.LastFetched
	}
	if patch.FetchedAt != nil {
		state.FetchedAt = *patch.FetchedAt
	}
}
