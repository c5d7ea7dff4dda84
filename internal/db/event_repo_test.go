package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"briefing/internal/types"
)

func TestProcessedEventRepo_Exists(t *testing.T) {
	db := new(mockDBTX)
	repo := NewProcessedEventRepo(db)

	db.On("QueryRow", mock.Anything, mock.Anything, []any{"evt_1"}).Return(valuesRow(true))

	seen, err := repo.Exists(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestProcessedEventRepo_Insert_DuplicateIsNotError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewProcessedEventRepo(db)

	db.On("Exec", mock.Anything, mock.Anything, mock.Anything).Return(pgconn.NewCommandTag("INSERT 0 0"), nil)

	inserted, err := repo.Insert(context.Background(), types.ProcessedEvent{EventID: "evt_1", EventType: "checkout.session.completed", ObservedAt: time.Now()})
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestProcessedEventRepo_Insert_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewProcessedEventRepo(db)

	db.On("Exec", mock.Anything, mock.Anything, mock.Anything).Return(pgconn.CommandTag{}, errors.New("timeout"))

	_, err := repo.Insert(context.Background(), types.ProcessedEvent{EventID: "evt_1"})
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
}

func TestProcessedEventRepo_DeleteBefore(t *testing.T) {
	db := new(mockDBTX)
	repo := NewProcessedEventRepo(db)
	cutoff := time.Now().Add(-30 * 24 * time.Hour)

	db.On("Exec", mock.Anything, mock.Anything, []any{cutoff}).Return(pgconn.NewCommandTag("DELETE 42"), nil)

	n, err := repo.DeleteBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}
