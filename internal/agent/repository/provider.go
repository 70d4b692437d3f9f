package repository

import (
	"github.com/jmoiron/sqlx"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agent/repository/sqlite"
)

var _ Repository = (*sqlite.Repository)(nil)

// Provide creates the SQL repository using separate writer and reader pools.
func Provide(writer, reader *sqlx.DB) (*sqlite.Repository, func() error, error) {
	repo, err := sqlite.NewWithDB(writer, reader)
	if err != nil {
		return nil, nil, err
	}
	return repo, repo.Close, nil
}
