package main

import (
	"context"

	"github.com/schoolyard/portal/storage/database"
)

var migrateFunc = database.Migrate // mockable

func (cli *commandLine) migrate() error {
	return migrateFunc(context.Background(), cli.db)
}
