package kv

import (
	"context"
	"reflect"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func TestPostgresGet_MissingKeyIsNotAnError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("select value from kv_strings")).
		WithArgs("user:ghost").
		WillReturnError(pgx.ErrNoRows)

	p := NewPostgres(mock)
	_, found, err := p.Get(context.Background(), "user:ghost")
	if err != nil {
		t.Fatalf("Get returned err: %v", err)
	}
	if found {
		t.Fatal("expected not found")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresIncr_ReturnsNewValue(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("insert into kv_strings (key, value) values ($1, '1')")).
		WithArgs("gh_token_last_idx").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow("7"))

	p := NewPostgres(mock)
	n, err := p.Incr(context.Background(), "gh_token_last_idx")
	if err != nil {
		t.Fatalf("Incr returned err: %v", err)
	}
	if n != 7 {
		t.Fatalf("expected 7, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresLRange_SlicesNegativeIndexes(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("select value from kv_lists where key = $1 order by pos")).
		WithArgs("userlogs").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow("c").AddRow("b").AddRow("a"))

	p := NewPostgres(mock)
	got, err := p.LRange(context.Background(), "userlogs", -2, -1)
	if err != nil {
		t.Fatalf("LRange returned err: %v", err)
	}
	if want := []string{"b", "a"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresLTrim_DeletesOutsideBounds(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("select count(*) from kv_lists where key = $1")).
		WithArgs("userlogs").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(600)))
	mock.ExpectExec(regexp.QuoteMeta("delete from kv_lists l")).
		WithArgs("userlogs", int64(0), int64(500)).
		WillReturnResult(pgxmock.NewResult("DELETE", 100))

	p := NewPostgres(mock)
	if err := p.LTrim(context.Background(), "userlogs", 0, 499); err != nil {
		t.Fatalf("LTrim returned err: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresSAdd_CountsInsertedMembers(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	members := []string{"active_vps:o:r1", "active_vps:o:r2"}
	mock.ExpectExec(regexp.QuoteMeta("insert into kv_sets (key, member)")).
		WithArgs("active_vps_keys", members).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	p := NewPostgres(mock)
	n, err := p.SAdd(context.Background(), "active_vps_keys", members...)
	if err != nil {
		t.Fatalf("SAdd returned err: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 inserted, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresKeys_TranslatesGlob(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("select key from kv_strings where key like $1")).
		WithArgs(`gh\_token:%`).
		WillReturnRows(pgxmock.NewRows([]string{"key"}).AddRow("gh_token:tok_1"))

	p := NewPostgres(mock)
	got, err := p.Keys(context.Background(), "gh_token:*")
	if err != nil {
		t.Fatalf("Keys returned err: %v", err)
	}
	if want := []string{"gh_token:tok_1"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
