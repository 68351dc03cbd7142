package assign

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type idRows struct {
	ids []string
	i   int
}

func (r *idRows) Close()                                       {}
func (r *idRows) Err() error                                   { return nil }
func (r *idRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *idRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *idRows) Next() bool                                   { r.i++; return r.i <= len(r.ids) }
func (r *idRows) Scan(dest ...any) error {
	*(dest[0].(*string)) = r.ids[r.i-1]
	return nil
}
func (r *idRows) Values() ([]any, error) { return nil, nil }
func (r *idRows) RawValues() [][]byte    { return nil }
func (r *idRows) Conn() *pgx.Conn        { return nil }

type countRow struct{ n int }

func (r *countRow) Scan(dest ...any) error {
	*(dest[0].(*int)) = r.n
	return nil
}

// fakeDB serves a fixed candidate listing and per-user open-ticket counts.
type fakeDB struct {
	ids    []string
	counts map[string]int
}

func (db *fakeDB) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return &idRows{ids: db.ids}, nil
}

func (db *fakeDB) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return &countRow{n: db.counts[args[0].(string)]}
}

func TestPickStrictMinimum(t *testing.T) {
	db := &fakeDB{
		ids:    []string{"a", "b", "c"},
		counts: map[string]int{"a": 5, "b": 1, "c": 3},
	}
	got, err := Pick(context.Background(), db, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != "b" || got.OpenCount != 1 {
		t.Fatalf("got %+v, want b with 1 open", got)
	}
}

func TestPickTieBreakFirstListed(t *testing.T) {
	// Region with A(2 open), B(0), C(0) listed [A, B, C]: B wins the tie.
	db := &fakeDB{
		ids:    []string{"A", "B", "C"},
		counts: map[string]int{"A": 2, "B": 0, "C": 0},
	}
	got, err := Pick(context.Background(), db, "R")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != "B" {
		t.Fatalf("got %+v, want B", got)
	}
}

func TestPickNoCandidates(t *testing.T) {
	db := &fakeDB{ids: nil, counts: map[string]int{}}
	got, err := Pick(context.Background(), db, "empty")
	if err != nil {
		t.Fatalf("no candidates must not be an error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil candidate, got %+v", got)
	}
}

func TestPickAllTiedReturnsFirst(t *testing.T) {
	db := &fakeDB{
		ids:    []string{"x", "y", "z"},
		counts: map[string]int{"x": 0, "y": 0, "z": 0},
	}
	got, err := Pick(context.Background(), db, "r")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != "x" {
		t.Fatalf("got %+v, want x", got)
	}
}
