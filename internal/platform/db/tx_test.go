package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	t.rolledBack = true
	return nil
}

type fakeBeginner struct {
	txs  []*fakeTx
	opts []pgx.TxOptions
}

func (b *fakeBeginner) BeginTx(_ context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	tx := &fakeTx{}
	b.txs = append(b.txs, tx)
	b.opts = append(b.opts, opts)
	return tx, nil
}

func TestWithTxCommits(t *testing.T) {
	b := &fakeBeginner{}
	err := WithTx(context.Background(), b, func(pgx.Tx) error { return nil })
	assert.NoError(t, err)
	assert.Len(t, b.txs, 1)
	assert.True(t, b.txs[0].committed)
	assert.Equal(t, pgx.ReadCommitted, b.opts[0].IsoLevel)
}

func TestWithTxRetriesSerializationFailures(t *testing.T) {
	b := &fakeBeginner{}
	calls := 0
	err := WithTx(context.Background(), b, func(pgx.Tx) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, b.txs[0].rolledBack)
	assert.True(t, b.txs[2].committed)
}

func TestWithTxDoesNotRetryOtherErrors(t *testing.T) {
	b := &fakeBeginner{}
	boom := errors.New("boom")
	calls := 0
	err := WithTx(context.Background(), b, func(pgx.Tx) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.False(t, b.txs[0].committed)

	calls = 0
	err = WithTx(context.Background(), b, func(pgx.Tx) error {
		calls++
		return &pgconn.PgError{Code: "40P01"}
	})
	assert.Error(t, err)
	assert.Equal(t, maxTxAttempts, calls)
}
