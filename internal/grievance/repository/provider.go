package repository

import (
	"github.com/jmoiron/sqlx"

	"github.com/gunaso/gunaso/internal/grievance/repository/sqlite"
)

// Provide wires the SQLite repository over the writer and reader pools
// opened by the caller. The returned closer releases prepared
// statements but leaves the pools to their owner.
func Provide(writer, reader *sqlx.DB) (*sqlite.Repository, func() error, error) {
	repo, err := sqlite.NewWithDB(writer, reader)
	if err != nil {
		return nil, nil, err
	}
	return repo, repo.Close, nil
}
