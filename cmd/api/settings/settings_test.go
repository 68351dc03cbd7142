package settings

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	apppkg "github.com/opsdesk/opsdesk/cmd/api/app"
)

type kvRows struct {
	rows [][2]string
	idx  int
}

func (r *kvRows) Close()                                       {}
func (r *kvRows) Err() error                                   { return nil }
func (r *kvRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *kvRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *kvRows) Next() bool                                   { return r.idx < len(r.rows) }
func (r *kvRows) Values() ([]any, error)                       { return nil, nil }
func (r *kvRows) RawValues() [][]byte                          { return nil }
func (r *kvRows) Conn() *pgx.Conn                              { return nil }
func (r *kvRows) Scan(dest ...any) error {
	*(dest[0].(*string)) = r.rows[r.idx][0]
	*(dest[1].(*string)) = r.rows[r.idx][1]
	r.idx++
	return nil
}

type kvDB struct {
	rows    [][2]string
	execSQL []string
}

func (db *kvDB) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return &kvRows{rows: db.rows}, nil
}
func (db *kvDB) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return nil
}
func (db *kvDB) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	db.execSQL = append(db.execSQL, sql)
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func TestLoadPolicy(t *testing.T) {
	db := &kvDB{rows: [][2]string{
		{"escalate_value", "4"},
		{"escalate_unit", "hour"},
		{"autoclose_value", "7"},
		{"autoclose_unit", "day"},
		{"date_format", "2006-01-02"},
	}}
	pol := LoadPolicy(context.Background(), db)
	if pol.EscalateValue != 4 || pol.EscalateUnit != "hour" {
		t.Fatalf("escalate = %d %s", pol.EscalateValue, pol.EscalateUnit)
	}
	if pol.AutocloseValue != 7 || pol.AutocloseUnit != "day" {
		t.Fatalf("autoclose = %d %s", pol.AutocloseValue, pol.AutocloseUnit)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if got, want := pol.EscalateDeadline(now), now.Add(4*time.Hour); !got.Equal(want) {
		t.Fatalf("escalate deadline = %v, want %v", got, want)
	}
	if got, want := pol.AutocloseDeadline(now), now.Add(7*24*time.Hour); !got.Equal(want) {
		t.Fatalf("autoclose deadline = %v, want %v", got, want)
	}
}

func TestLoadPolicyBadValuesDisable(t *testing.T) {
	db := &kvDB{rows: [][2]string{
		{"escalate_value", "not-a-number"},
		{"escalate_unit", "hour"},
	}}
	pol := LoadPolicy(context.Background(), db)
	if !pol.EscalateDeadline(time.Now()).IsZero() {
		t.Fatalf("malformed value must disable escalation")
	}
}

func TestLoadPolicyNilDB(t *testing.T) {
	pol := LoadPolicy(context.Background(), nil)
	if !pol.EscalateDeadline(time.Now()).IsZero() || !pol.AutocloseDeadline(time.Now()).IsZero() {
		t.Fatalf("nil db must yield a disabled policy")
	}
}

func TestSaveUnknownGroup(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := &kvDB{}
	a := apppkg.NewApp(apppkg.Config{Env: "test", TestBypassAuth: true}, db, nil, nil, nil)
	a.R.PUT("/settings/:group", Save(a))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/settings/nope", strings.NewReader(`{"a":"b"}`))
	req.Header.Set("Content-Type", "application/json")
	a.R.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if len(db.execSQL) != 0 {
		t.Fatalf("unknown group must not write: %v", db.execSQL)
	}
}

func TestSavePublishesSettingsChanged(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	sub := rdb.Subscribe(ctx, "events")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ch := sub.Channel()

	db := &kvDB{}
	a := apppkg.NewApp(apppkg.Config{Env: "test", TestBypassAuth: true}, db, nil, nil, rdb)
	a.R.PUT("/settings/:group", Save(a))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/settings/lifecycle",
		strings.NewReader(`{"escalate_value":"2","escalate_unit":"day"}`))
	req.Header.Set("Content-Type", "application/json")
	a.R.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(db.execSQL) != 2 {
		t.Fatalf("expected 2 upserts, got %d", len(db.execSQL))
	}
	for _, sql := range db.execSQL {
		if !strings.Contains(sql, "on conflict (group_name, key)") {
			t.Fatalf("not an upsert: %s", sql)
		}
	}
	select {
	case msg := <-ch:
		if !strings.Contains(msg.Payload, "settings_changed") {
			t.Fatalf("payload = %s", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no settings_changed published")
	}
}
