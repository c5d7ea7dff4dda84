package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"briefing/internal/types"
)

func subscriberRow(id, email string, status types.SubscriberStatus, override bool) *mockRow {
	now := time.Now().UTC()
	return valuesRow(id, email, status, override, nil, now, now)
}

func TestSubscriberRepo_GetByEmail_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriberRepo(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"reader@example.com"}).Return(subscriberRow("sub_1", "reader@example.com", types.SubscriberActive, false))

	s, err := repo.GetByEmail(context.Background(), "reader@example.com")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", s.ID)
	assert.Equal(t, types.SubscriberActive, s.Status)
	assert.Nil(t, s.BillingCustomerRef)
}

func TestSubscriberRepo_GetByCustomerRef_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriberRepo(db)

	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByCustomerRef(context.Background(), "cus_missing")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundSubscriber))
}

func TestSubscriberRepo_GetByID_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriberRepo(db)

	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{scanErr: errors.New("connection reset")})

	_, err := repo.GetByID(context.Background(), "sub_1")
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
}

func TestSubscriberRepo_CreateIfAbsent_Inserted(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriberRepo(db)

	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).
		Return(subscriberRow("sub_new", "new@x.com", types.SubscriberActive, true)).Once()

	s := &types.Subscriber{Email: "new@x.com", Status: types.SubscriberActive, FreeAccessOverride: true}
	created, err := repo.CreateIfAbsent(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "sub_new", s.ID)
	db.AssertExpectations(t)
}

func TestSubscriberRepo_CreateIfAbsent_ExistingRowLoaded(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriberRepo(db)

	// INSERT ... ON CONFLICT DO NOTHING returns no row, then the existing row is read.
	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{scanErr: pgx.ErrNoRows}).Once()
	db.On("QueryRow", mock.Anything, mock.Anything, []any{"taken@x.com"}).
		Return(subscriberRow("sub_old", "taken@x.com", types.SubscriberInactive, false)).Once()

	s := &types.Subscriber{Email: "taken@x.com", Status: types.SubscriberActive, FreeAccessOverride: true}
	created, err := repo.CreateIfAbsent(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "sub_old", s.ID)
	assert.False(t, s.FreeAccessOverride, "stored row replaces the caller's draft")
}

func TestSubscriberRepo_ApplyBillingState(t *testing.T) {
	tests := []struct {
		name   string
		tag    string
		wantOK bool
	}{
		{"applied", "UPDATE 1", true},
		{"unsubscribed row untouched", "UPDATE 0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := new(mockDBTX)
			repo := NewSubscriberRepo(db)
			ref := "cus_1"

			db.On("Exec", mock.Anything, mock.Anything, []any{"sub_1", types.SubscriberActive, &ref}).
				Return(pgconn.NewCommandTag(tt.tag), nil)

			ok, err := repo.ApplyBillingState(context.Background(), "sub_1", types.SubscriberActive, &ref)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			db.AssertExpectations(t)
		})
	}
}

func TestSubscriberRepo_ApplyBillingState_CustomerRefConflict(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriberRepo(db)

	db.On("Exec", mock.Anything, mock.Anything, mock.Anything).
		Return(pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"})

	_, err := repo.ApplyBillingState(context.Background(), "sub_1", types.SubscriberActive, nil)
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
	assert.Contains(t, err.Error(), "already linked")
}

func TestSubscriberRepo_GrantOverride_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriberRepo(db)

	db.On("Exec", mock.Anything, mock.Anything, mock.Anything).Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.GrantOverride(context.Background(), "sub_gone", types.SubscriberActive)
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundSubscriber))
}

func TestSubscriberRepo_RestoreAccess_GuardedByRedeemedCode(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriberRepo(db)

	// Zero rows: the subscriber already holds the contested code.
	db.On("Exec", mock.Anything, mock.Anything, []any{"sub_1", false, types.SubscriberInactive, "DAILY-AB12CD"}).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	restored, err := repo.RestoreAccess(context.Background(), "sub_1", "DAILY-AB12CD", false, types.SubscriberInactive)
	require.NoError(t, err)
	assert.False(t, restored)
}

func TestSubscriberRepo_RestoreAccess_GuardScopedToCode(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriberRepo(db)

	db.On("Exec", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "WHERE code = $4 AND redeemed_by = $1")
	}), []any{"sub_1", true, types.SubscriberUnsubscribed, "DAILY-NEW222"}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	restored, err := repo.RestoreAccess(context.Background(), "sub_1", "DAILY-NEW222", true, types.SubscriberUnsubscribed)
	require.NoError(t, err)
	assert.True(t, restored)
	db.AssertExpectations(t)
}

func TestSubscriberRepo_SetStatusByUser(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriberRepo(db)

	db.On("Exec", mock.Anything, mock.Anything, []any{"sub_1", types.SubscriberUnsubscribed}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	require.NoError(t, repo.SetStatusByUser(context.Background(), "sub_1", types.SubscriberUnsubscribed))
	db.AssertExpectations(t)
}

func TestSubscriberRepo_LockVariantsSelectForUpdate(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriberRepo(db)
	forUpdate := mock.MatchedBy(func(sql string) bool { return strings.HasSuffix(sql, "FOR UPDATE") })

	db.On("QueryRow", mock.Anything, forUpdate, []any{"reader@x.com"}).
		Return(subscriberRow("sub_1", "reader@x.com", types.SubscriberActive, false)).Once()
	db.On("QueryRow", mock.Anything, forUpdate, []any{"cus_1"}).
		Return(subscriberRow("sub_1", "reader@x.com", types.SubscriberActive, false)).Once()

	s, err := repo.LockByEmail(context.Background(), "reader@x.com")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", s.ID)

	s, err = repo.LockByCustomerRef(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", s.ID)
	db.AssertExpectations(t)
}
