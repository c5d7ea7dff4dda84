package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"briefing/internal/types"
)

func TestStore_RunInTx_Commits(t *testing.T) {
	txDB := new(mockDBTX)
	tx := &mockTx{mockDBTX: txDB}
	store := NewStore(&mockPool{mockDBTX: new(mockDBTX), tx: tx}, nil)

	txDB.On("Exec", mock.Anything, mock.Anything, mock.Anything).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := store.RunInTx(context.Background(), func(ctx context.Context, repos types.RepositoryRegistry) error {
		return repos.Subscribers().SetStatusByUser(ctx, "sub_1", types.SubscriberActive)
	})
	require.NoError(t, err)
	assert.True(t, tx.committed)
	assert.False(t, tx.rolledBack)
	txDB.AssertExpectations(t)
}

func TestStore_RunInTx_RollsBackOnError(t *testing.T) {
	tx := &mockTx{mockDBTX: new(mockDBTX)}
	store := NewStore(&mockPool{mockDBTX: new(mockDBTX), tx: tx}, nil)
	boom := errors.New("reconcile failed")

	err := store.RunInTx(context.Background(), func(context.Context, types.RepositoryRegistry) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, tx.committed)
	assert.True(t, tx.rolledBack)
}

func TestStore_RunInTx_BeginFailure(t *testing.T) {
	store := NewStore(&mockPool{mockDBTX: new(mockDBTX), beginErr: errors.New("pool exhausted")}, nil)

	err := store.RunInTx(context.Background(), func(context.Context, types.RepositoryRegistry) error {
		t.Fatal("fn must not run")
		return nil
	})
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
}

func TestStore_RunInTx_CommitFailure(t *testing.T) {
	tx := &mockTx{mockDBTX: new(mockDBTX), commitErr: errors.New("serialization failure")}
	store := NewStore(&mockPool{mockDBTX: new(mockDBTX), tx: tx}, nil)

	err := store.RunInTx(context.Background(), func(context.Context, types.RepositoryRegistry) error { return nil })
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
	assert.True(t, tx.rolledBack)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("plain")))
}
