// Package inmemdb provides map-backed repositories for tests and local runs.
package inmemdb

import (
	"sync"

	"github.com/schoolyard/portal/core/timetable"
	"github.com/schoolyard/portal/core/user"
)

type (
	DB struct {
		user  *userTable
		state *stateTable
	}

	userTable struct {
		mutex sync.RWMutex
		table map[string]*user.User
	}

	stateTable struct {
		mutex sync.RWMutex
		table map[string]*timetable.UserState
	}
)

func NewDB() *DB {
	return &DB{
		user:  &userTable{table: make(map[string]*user.User)},
		state: &stateTable{table: make(map[string]*timetable.UserState)},
	}
}
