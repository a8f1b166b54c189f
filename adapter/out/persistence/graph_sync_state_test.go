package persistence

import (
	"context"
	"testing"
	"time"

	"mailgraph/core/domain"

	"github.com/DATA-DOG/go-sqlmock"
)

func syncStateColumns() []string {
	return []string{
		"account", "provider_cursor", "last_sync_at", "batch_day",
		"page_token", "page_number", "created_at", "updated_at",
	}
}

func TestSyncStateGetMissingReturnsNil(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewSyncStateAdapter(db)

	mock.ExpectQuery("SELECT \\* FROM sync_states").
		WithArgs("work").
		WillReturnRows(sqlmock.NewRows(syncStateColumns()))

	state, err := store.Get(context.Background(), "work")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if state != nil {
		t.Errorf("state = %+v, want nil", state)
	}
}

func TestSyncStateGetMapsNullableColumns(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewSyncStateAdapter(db)

	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	lastSync := now.Add(-time.Hour)

	mock.ExpectQuery("SELECT \\* FROM sync_states").
		WithArgs("work").
		WillReturnRows(sqlmock.NewRows(syncStateColumns()).
			AddRow("work", "12345", lastSync, "2024-02-15", "page-token", 3, now, now))

	state, err := store.Get(context.Background(), "work")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if state.ProviderCursor != "12345" {
		t.Errorf("ProviderCursor = %q, want 12345", state.ProviderCursor)
	}
	if state.LastSyncAt == nil || !state.LastSyncAt.Equal(lastSync) {
		t.Errorf("LastSyncAt = %v, want %v", state.LastSyncAt, lastSync)
	}
	if state.BatchDay != "2024-02-15" {
		t.Errorf("BatchDay = %q, want 2024-02-15", state.BatchDay)
	}
	if state.PageToken != "page-token" || state.PageNumber != 3 {
		t.Errorf("page = %q/%d, want page-token/3", state.PageToken, state.PageNumber)
	}
}

func TestSyncStateGetMapsEmptyState(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewSyncStateAdapter(db)

	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT \\* FROM sync_states").
		WithArgs("personal").
		WillReturnRows(sqlmock.NewRows(syncStateColumns()).
			AddRow("personal", nil, nil, nil, nil, 0, now, now))

	state, err := store.Get(context.Background(), "personal")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if state.ProviderCursor != "" || state.BatchDay != "" || state.PageToken != "" {
		t.Errorf("state = %+v, want zero-valued strings", state)
	}
	if state.LastSyncAt != nil {
		t.Errorf("LastSyncAt = %v, want nil", state.LastSyncAt)
	}
	if state.HasCursor() {
		t.Error("HasCursor() = true, want false")
	}
}

func TestSyncStatePutPatchesOnlySetFields(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewSyncStateAdapter(db)

	cursor := "99887"
	mock.ExpectExec("INSERT INTO sync_states").
		WithArgs("work", cursor, nil, nil, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Put(context.Background(), "work", domain.SyncStatePatch{
		ProviderCursor: &cursor,
	})
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSyncStatePutClearsWithExplicitZero(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewSyncStateAdapter(db)

	// Finishing a day's pages clears the token and resets the counter.
	empty := ""
	zero := 0
	day := "2024-02-16"
	mock.ExpectExec("INSERT INTO sync_states").
		WithArgs("work", nil, nil, day, empty, zero).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Put(context.Background(), "work", domain.SyncStatePatch{
		BatchDay:   &day,
		PageToken:  &empty,
		PageNumber: &zero,
	})
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSyncStatePutRejectsEmptyAccount(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewSyncStateAdapter(db)

	if err := store.Put(context.Background(), "", domain.SyncStatePatch{}); err != ErrInvalidInput {
		t.Fatalf("Put() error = %v, want ErrInvalidInput", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected statement issued: %v", err)
	}
}

func TestSyncStateAllOrdersByAccount(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewSyncStateAdapter(db)

	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM sync_states ORDER BY account").
		WillReturnRows(sqlmock.NewRows(syncStateColumns()).
			AddRow("personal", nil, nil, nil, nil, 0, now, now).
			AddRow("work", "55", now, "9999-12-31", nil, 0, now, now))

	states, err := store.All(context.Background())
	if err != nil {
		t.Fatalf("All() error: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("len = %d, want 2", len(states))
	}
	if states[0].Account != "personal" || states[1].Account != "work" {
		t.Errorf("accounts = %s/%s, want personal/work", states[0].Account, states[1].Account)
	}
	if !states[1].CaughtUp("2024-03-01") {
		t.Error("work should be caught up past the sentinel day")
	}
}
