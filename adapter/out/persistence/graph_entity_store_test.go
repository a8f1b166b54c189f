package persistence

import (
	"context"
	"testing"
	"time"

	"mailgraph/core/domain"
	"mailgraph/core/port/out"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	db := sqlx.NewDb(mockDB, "sqlmock")
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func entityColumns(extra ...string) []string {
	cols := append([]string{}, extra...)
	return append(cols,
		"emails_to", "emails_from", "emails_included",
		"meetings_completed", "meetings_upcoming",
		"first_seen", "last_seen", "created_at", "updated_at",
	)
}

// =============================================================================
// Bulk lookups
// =============================================================================

func TestFetchDomainsSkipsQueryOnEmptyInput(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewEntityStoreAdapter(db)

	got, err := store.FetchDomains(context.Background(), nil)
	if err != nil {
		t.Fatalf("FetchDomains() error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("result size = %d, want 0", len(got))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected query issued: %v", err)
	}
}

func TestFetchEmailsJoinsContactName(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewEntityStoreAdapter(db)

	rows := sqlmock.NewRows([]string{"address", "contact_id", "observed_name", "contact_name"}).
		AddRow("jane@acme.com", "ct-1", "Jane Doe", nil).
		AddRow("bob@acme.com", "ct-2", nil, "Bob")
	mock.ExpectQuery("FROM email_addresses e").WillReturnRows(rows)

	got, err := store.FetchEmails(context.Background(), []string{"jane@acme.com", "bob@acme.com"})
	if err != nil {
		t.Fatalf("FetchEmails() error: %v", err)
	}

	jane := got["jane@acme.com"]
	if jane.ContactID != "ct-1" {
		t.Errorf("jane.ContactID = %q, want ct-1", jane.ContactID)
	}
	if jane.ObservedName == nil || *jane.ObservedName != "Jane Doe" {
		t.Errorf("jane.ObservedName = %v, want Jane Doe", jane.ObservedName)
	}
	if jane.ContactName != nil {
		t.Errorf("jane.ContactName = %v, want nil", jane.ContactName)
	}

	bob := got["bob@acme.com"]
	if bob.ObservedName != nil {
		t.Errorf("bob.ObservedName = %v, want nil", bob.ObservedName)
	}
	if bob.ContactName == nil || *bob.ContactName != "Bob" {
		t.Errorf("bob.ContactName = %v, want Bob", bob.ContactName)
	}
}

// =============================================================================
// Insert batch
// =============================================================================

func TestInsertGraphCreatesNewSubtree(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewEntityStoreAdapter(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO companies").
		WithArgs("comp-1", "acme.com").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO domains").
		WithArgs("acme.com", "comp-1", true).
		WillReturnRows(sqlmock.NewRows([]string{"company_id", "won"}).AddRow("comp-1", true))
	mock.ExpectExec("INSERT INTO contacts").
		WithArgs("ct-1", "comp-1", "Jane Doe").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO email_addresses").
		WithArgs("jane@acme.com", "ct-1", "acme.com", "Jane Doe").
		WillReturnRows(sqlmock.NewRows([]string{"contact_id", "won"}).AddRow("ct-1", true))
	mock.ExpectCommit()

	name := "Jane Doe"
	keys, err := store.InsertGraph(context.Background(), &out.GraphInserts{
		CompanyDomains: []out.NewCompanyDomain{
			{CompanyID: "comp-1", CompanyName: "acme.com", Domain: "acme.com", IsPrimary: true},
		},
		ContactEmails: []out.NewContactEmail{
			{ContactID: "ct-1", CompanyID: "comp-1", Name: &name, Address: "jane@acme.com", Domain: "acme.com", ObservedName: &name},
		},
	})
	if err != nil {
		t.Fatalf("InsertGraph() error: %v", err)
	}

	if keys.CompanyByDomain["acme.com"] != "comp-1" {
		t.Errorf("CompanyByDomain = %v, want comp-1", keys.CompanyByDomain)
	}
	if keys.ContactByAddress["jane@acme.com"] != "ct-1" {
		t.Errorf("ContactByAddress = %v, want ct-1", keys.ContactByAddress)
	}
	if keys.Created.Companies != 1 || keys.Created.Domains != 1 || keys.Created.Contacts != 1 || keys.Created.Emails != 1 {
		t.Errorf("Created = %+v, want all 1", keys.Created)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestInsertGraphLosingRaceAdoptsWinner(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewEntityStoreAdapter(db)

	// Another run claimed the domain first: the candidate company is
	// dropped and the winner's id is reported.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO companies").
		WithArgs("comp-loser", "acme.com").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO domains").
		WithArgs("acme.com", "comp-loser", true).
		WillReturnRows(sqlmock.NewRows([]string{"company_id", "won"}).AddRow("comp-winner", false))
	mock.ExpectExec("DELETE FROM companies").
		WithArgs("comp-loser").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	keys, err := store.InsertGraph(context.Background(), &out.GraphInserts{
		CompanyDomains: []out.NewCompanyDomain{
			{CompanyID: "comp-loser", CompanyName: "acme.com", Domain: "acme.com", IsPrimary: true},
		},
	})
	if err != nil {
		t.Fatalf("InsertGraph() error: %v", err)
	}

	if keys.CompanyByDomain["acme.com"] != "comp-winner" {
		t.Errorf("CompanyByDomain = %v, want comp-winner", keys.CompanyByDomain)
	}
	if keys.Created.Companies != 0 || keys.Created.Domains != 0 {
		t.Errorf("Created = %+v, want zero", keys.Created)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestInsertGraphEmptyBatchSkipsTransaction(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewEntityStoreAdapter(db)

	keys, err := store.InsertGraph(context.Background(), &out.GraphInserts{})
	if err != nil {
		t.Fatalf("InsertGraph() error: %v", err)
	}
	if len(keys.CompanyByDomain) != 0 || len(keys.ContactByAddress) != 0 {
		t.Errorf("keys = %+v, want empty", keys)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected statement issued: %v", err)
	}
}

// =============================================================================
// Delta batch
// =============================================================================

func TestApplyDeltasCommitsRelativeUpdates(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewEntityStoreAdapter(db)

	seen := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE companies SET").
		WithArgs("comp-1", int64(1), int64(0), int64(2), seen).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE domains SET").
		WithArgs("acme.com", int64(1), int64(0), int64(2), seen).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT recent_threads FROM contacts").
		WithArgs("ct-1").
		WillReturnRows(sqlmock.NewRows([]string{"recent_threads"}).AddRow([]byte(`[]`)))
	mock.ExpectExec("UPDATE contacts SET").
		WithArgs("ct-1", int64(1), int64(0), int64(2), sqlmock.AnyArg(), seen).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT recent_threads FROM email_addresses").
		WithArgs("jane@acme.com").
		WillReturnRows(sqlmock.NewRows([]string{"recent_threads"}).AddRow([]byte(`[]`)))
	mock.ExpectExec("UPDATE email_addresses SET").
		WithArgs("jane@acme.com", int64(1), int64(0), int64(2), sqlmock.AnyArg(), seen).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE contacts SET name").
		WithArgs("ct-1", "Jane Doe").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.ApplyDeltas(context.Background(), &out.DeltaBatch{
		Seen:   seen,
		Thread: domain.ThreadRef{ThreadID: "th-1", Account: "work", Timestamp: seen},
		Companies: map[string]out.EntityDelta{
			"comp-1": {EmailsTo: 1, EmailsIncluded: 2},
		},
		Domains: map[string]out.EntityDelta{
			"acme.com": {EmailsTo: 1, EmailsIncluded: 2},
		},
		Contacts: map[string]out.EntityDelta{
			"ct-1": {EmailsTo: 1, EmailsIncluded: 2},
		},
		Emails: map[string]out.EntityDelta{
			"jane@acme.com": {EmailsTo: 1, EmailsIncluded: 2},
		},
		ContactNames: map[string]string{"ct-1": "Jane Doe"},
	})
	if err != nil {
		t.Fatalf("ApplyDeltas() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestApplyDeltasSkipsRowsDeletedSinceLookup(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewEntityStoreAdapter(db)

	seen := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT recent_threads FROM contacts").
		WithArgs("ct-gone").
		WillReturnRows(sqlmock.NewRows([]string{"recent_threads"}))
	mock.ExpectCommit()

	err := store.ApplyDeltas(context.Background(), &out.DeltaBatch{
		Seen:   seen,
		Thread: domain.ThreadRef{ThreadID: "th-1", Account: "work", Timestamp: seen},
		Contacts: map[string]out.EntityDelta{
			"ct-gone": {EmailsFrom: 1},
		},
	})
	if err != nil {
		t.Fatalf("ApplyDeltas() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestApplyDeltasEmptyBatchIsNoop(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewEntityStoreAdapter(db)

	if err := store.ApplyDeltas(context.Background(), &out.DeltaBatch{}); err != nil {
		t.Fatalf("ApplyDeltas() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected statement issued: %v", err)
	}
}

// =============================================================================
// Read side
// =============================================================================

func TestListCompaniesMapsRowsAndTotal(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewEntityStoreAdapter(db)

	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	seen := now.Add(-24 * time.Hour)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery("ORDER BY created_at DESC").
		WithArgs(50, 0).
		WillReturnRows(sqlmock.NewRows(entityColumns("id", "name")).
			AddRow("comp-1", "Acme", int64(3), int64(1), int64(0), int64(0), int64(0), seen, now, now, now).
			AddRow("comp-2", nil, int64(0), int64(0), int64(0), int64(0), int64(0), nil, nil, now, now))

	companies, total, err := store.ListCompanies(context.Background(), out.CompanyQuery{})
	if err != nil {
		t.Fatalf("ListCompanies() error: %v", err)
	}
	if total != 7 {
		t.Errorf("total = %d, want 7", total)
	}
	if len(companies) != 2 {
		t.Fatalf("len = %d, want 2", len(companies))
	}
	if companies[0].Name == nil || *companies[0].Name != "Acme" {
		t.Errorf("companies[0].Name = %v, want Acme", companies[0].Name)
	}
	if companies[0].Stats.EmailsTo != 3 {
		t.Errorf("EmailsTo = %d, want 3", companies[0].Stats.EmailsTo)
	}
	if companies[0].Stats.FirstSeen == nil || !companies[0].Stats.FirstSeen.Equal(seen) {
		t.Errorf("FirstSeen = %v, want %v", companies[0].Stats.FirstSeen, seen)
	}
	if companies[1].Name != nil {
		t.Errorf("companies[1].Name = %v, want nil", companies[1].Name)
	}
	if companies[1].Stats.FirstSeen != nil {
		t.Errorf("companies[1].FirstSeen = %v, want nil", companies[1].Stats.FirstSeen)
	}
}

func TestListCompaniesSortByEmails(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewEntityStoreAdapter(db)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`ORDER BY \(emails_to \+ emails_from \+ emails_included\) DESC`).
		WithArgs(50, 0).
		WillReturnRows(sqlmock.NewRows(entityColumns("id", "name")))

	_, _, err := store.ListCompanies(context.Background(), out.CompanyQuery{Sort: "emails"})
	if err != nil {
		t.Fatalf("ListCompanies() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestGetCompanyMissingReturnsNil(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewEntityStoreAdapter(db)

	mock.ExpectQuery("SELECT \\* FROM companies").
		WithArgs("comp-404").
		WillReturnRows(sqlmock.NewRows(entityColumns("id", "name")))

	graph, err := store.GetCompany(context.Background(), "comp-404")
	if err != nil {
		t.Fatalf("GetCompany() error: %v", err)
	}
	if graph != nil {
		t.Errorf("graph = %+v, want nil", graph)
	}
}

func TestGetCompanyAggregatesSubtree(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewEntityStoreAdapter(db)

	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT \\* FROM companies").
		WithArgs("comp-1").
		WillReturnRows(sqlmock.NewRows(entityColumns("id", "name")).
			AddRow("comp-1", "Acme", int64(0), int64(0), int64(0), int64(0), int64(0), nil, nil, now, now))
	mock.ExpectQuery("SELECT \\* FROM domains").
		WithArgs("comp-1").
		WillReturnRows(sqlmock.NewRows(entityColumns("domain", "company_id", "is_primary")).
			AddRow("acme.com", "comp-1", true, int64(0), int64(0), int64(0), int64(0), int64(0), nil, nil, now, now))
	mock.ExpectQuery("SELECT \\* FROM contacts").
		WithArgs("comp-1").
		WillReturnRows(sqlmock.NewRows(entityColumns("id", "company_id", "name", "recent_threads")).
			AddRow("ct-1", "comp-1", "Jane", []byte(`[]`), int64(0), int64(0), int64(0), int64(0), int64(0), nil, nil, now, now))

	graph, err := store.GetCompany(context.Background(), "comp-1")
	if err != nil {
		t.Fatalf("GetCompany() error: %v", err)
	}
	if graph == nil {
		t.Fatal("graph is nil")
	}
	if len(graph.Domains) != 1 || graph.Domains[0].Domain != "acme.com" {
		t.Errorf("Domains = %+v, want acme.com", graph.Domains)
	}
	if len(graph.Contacts) != 1 || graph.Contacts[0].ID != "ct-1" {
		t.Errorf("Contacts = %+v, want ct-1", graph.Contacts)
	}
}

func TestDeleteCompanyReturnsOwnedDomains(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewEntityStoreAdapter(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT domain FROM domains").
		WithArgs("comp-1").
		WillReturnRows(sqlmock.NewRows([]string{"domain"}).AddRow("acme.com").AddRow("acme.io"))
	mock.ExpectExec("DELETE FROM email_addresses").
		WithArgs("comp-1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM contacts").
		WithArgs("comp-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM domains").
		WithArgs("comp-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM companies").
		WithArgs("comp-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	domains, err := store.DeleteCompany(context.Background(), "comp-1")
	if err != nil {
		t.Fatalf("DeleteCompany() error: %v", err)
	}
	if len(domains) != 2 || domains[0] != "acme.com" || domains[1] != "acme.io" {
		t.Errorf("domains = %v, want [acme.com acme.io]", domains)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestDeleteCompanyMissingReturnsNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewEntityStoreAdapter(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT domain FROM domains").
		WithArgs("comp-404").
		WillReturnRows(sqlmock.NewRows([]string{"domain"}))
	mock.ExpectExec("DELETE FROM email_addresses").
		WithArgs("comp-404").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM contacts").
		WithArgs("comp-404").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM domains").
		WithArgs("comp-404").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM companies").
		WithArgs("comp-404").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := store.DeleteCompany(context.Background(), "comp-404")
	if err != ErrNotFound {
		t.Fatalf("DeleteCompany() error = %v, want ErrNotFound", err)
	}
}
