package postgres_test

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairyhunter13/invoice-extractor/internal/domain"
)

// rowStub implements pgx.Row
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

func noRows() rowStub {
	return rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}
}

// jobRow yields a pgx.Row producing j in the repo's column order.
func jobRow(j domain.Job) rowStub {
	return rowStub{scan: func(dest ...any) error {
		var stages []byte
		if j.Stages != nil {
			stages, _ = json.Marshal(j.Stages)
		}
		*(dest[0].(*string)) = j.ID
		*(dest[1].(*string)) = j.SessionID
		*(dest[2].(*string)) = j.Filename
		*(dest[3].(*string)) = j.BlobPath
		*(dest[4].(*int64)) = j.SizeBytes
		*(dest[5].(*int)) = j.PageCount
		*(dest[6].(*domain.JobStatus)) = j.Status
		*(dest[7].(*[]byte)) = stages
		*(dest[8].(*int)) = j.Attempt
		*(dest[9].(*int)) = j.ManualRetries
		*(dest[10].(*string)) = j.LockedBy
		*(dest[11].(**time.Time)) = j.LockedAt
		*(dest[12].(**time.Time)) = j.HeartbeatAt
		*(dest[13].(*string)) = j.OCROperation
		*(dest[14].(*string)) = j.OCRMethod
		*(dest[15].(*bool)) = j.PreprocessApplied
		*(dest[16].(*string)) = j.ResultJSON
		*(dest[17].(*float64)) = j.Confidence
		*(dest[18].(*string)) = j.Error
		*(dest[19].(*time.Time)) = j.CreatedAt
		*(dest[20].(*time.Time)) = j.UpdatedAt
		return nil
	}}
}

type execCall struct {
	sql  string
	args []any
}

// poolStub implements postgres.PgxPool for tests.
type poolStub struct {
	execTag   pgconn.CommandTag
	execErr   error
	execs     []execCall
	row       pgx.Row
	queryRows pgx.Rows
	queryErr  error
	queries   []string
	tx        *txStub
	beginErr  error
}

func newPoolStub() *poolStub {
	return &poolStub{execTag: pgconn.NewCommandTag("UPDATE 1")}
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.execs = append(p.execs, execCall{sql: sql, args: args})
	if p.execErr != nil {
		return pgconn.CommandTag{}, p.execErr
	}
	return p.execTag, nil
}

func (p *poolStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	if p.row == nil {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	return p.row
}

func (p *poolStub) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	p.queries = append(p.queries, sql)
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	return p.queryRows, nil
}

func (p *poolStub) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	return p.tx, nil
}

// txStub implements the slice of pgx.Tx the repo touches; the embedded
// interface panics on anything else.
type txStub struct {
	pgx.Tx
	row        pgx.Row
	execTag    pgconn.CommandTag
	execErr    error
	execs      []execCall
	commitErr  error
	committed  bool
	rolledBack bool
}

func (t *txStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row { return t.row }

func (t *txStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execs = append(t.execs, execCall{sql: sql, args: args})
	if t.execErr != nil {
		return pgconn.CommandTag{}, t.execErr
	}
	return t.execTag, nil
}

func (t *txStub) Commit(_ context.Context) error {
	t.committed = true
	return t.commitErr
}

func (t *txStub) Rollback(_ context.Context) error {
	t.rolledBack = true
	return nil
}

// rowsStub implements the slice of pgx.Rows used by list queries.
type rowsStub struct {
	pgx.Rows
	scans []func(dest ...any) error
	idx   int
	err   error
}

func (r *rowsStub) Next() bool {
	r.idx++
	return r.idx <= len(r.scans)
}

func (r *rowsStub) Scan(dest ...any) error { return r.scans[r.idx-1](dest...) }

func (r *rowsStub) Close() {}

func (r *rowsStub) Err() error { return r.err }

func jobRows(jobs ...domain.Job) *rowsStub {
	rs := &rowsStub{}
	for _, j := range jobs {
		rs.scans = append(rs.scans, jobRow(j).scan)
	}
	return rs
}

func stringRows(vals ...string) *rowsStub {
	rs := &rowsStub{}
	for _, v := range vals {
		v := v
		rs.scans = append(rs.scans, func(dest ...any) error {
			*(dest[0].(*string)) = v
			return nil
		})
	}
	return rs
}
