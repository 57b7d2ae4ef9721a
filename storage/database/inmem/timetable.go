package inmemdb

import (
	"context"
	"sort"
	"time"

	"github.com/schoolyard/portal/core/timetable"
)

type timetableRepository struct {
	db *stateTable
}

var _ timetable.Repository = (*timetableRepository)(nil)

func NewTimetableRepository(db *DB) *timetableRepository {
	return &timetableRepository{db: db.state}
}

func (repo *timetableRepository) GetState(ctx context.Context, userID string) (timetable.UserState, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if state, ok := repo.db.table[userID]; ok {
		return *state, nil
	}
	return timetable.UserState{}, timetable.ErrStateNotFound
}

func (repo *timetableRepository) SaveState(ctx context.Context, userID string, patch timetable.StatePatch) error {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	state, ok := repo.db.table[userID]
	if !ok {
		state = &timetable.UserState{}
		repo.db.table[userID] = state
	}
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
	state.UpdatedAt = time.Now().UTC()
	return nil
}

func (repo *timetableRepository) DeleteState(ctx context.Context, userID string) error {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	delete(repo.db.table, userID)
	return nil
}

func (repo *timetableRepository) ListConfigured(ctx context.Context) ([]string, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	ids := make([]string, 0, len(repo.db.table))
	for id, state := range repo.db.table {
		if state.Source != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
