package db

import "github.com/jmoiron/sqlx"

// Pool pairs the write connection with the read pool so shutdown has a
// single handle to close.
//
// Under SQLite the two are genuinely different: the writer is a
// single-connection pool that serializes mutations, the reader is a
// read-only WAL pool that serves SELECTs concurrently. Under Postgres
// the same *sqlx.DB may back both sides.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer is the pool for mutations and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader is the pool for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both sides, tolerating the shared-handle case.
func (p *Pool) Close() error {
	err := p.writer.Close()
	if p.reader == p.writer {
		return err
	}
	if rErr := p.reader.Close(); err == nil {
		err = rErr
	}
	return err
}
