package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	apppkg "github.com/opsdesk/opsdesk/cmd/api/app"
	authpkg "github.com/opsdesk/opsdesk/cmd/api/auth"
)

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		if i >= len(r.vals) {
			break
		}
		if s, ok := d.(*string); ok {
			*s = r.vals[i].(string)
		}
	}
	return nil
}

type stringRows struct {
	rows []string
	idx  int
}

func (r *stringRows) Close()                                       {}
func (r *stringRows) Err() error                                   { return nil }
func (r *stringRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *stringRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *stringRows) Next() bool                                   { return r.idx < len(r.rows) }
func (r *stringRows) Values() ([]any, error)                       { return nil, nil }
func (r *stringRows) RawValues() [][]byte                          { return nil }
func (r *stringRows) Conn() *pgx.Conn                              { return nil }
func (r *stringRows) Scan(dest ...any) error {
	*(dest[0].(*string)) = r.rows[r.idx]
	r.idx++
	return nil
}

// fakeDB serves the user lookup and the role join.
type fakeDB struct {
	userVals []any
	userErr  error
	roles    []string

	insertID string
	rowSQL   []string
}

func (db *fakeDB) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return &stringRows{rows: db.roles}, nil
}

func (db *fakeDB) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	db.rowSQL = append(db.rowSQL, sql)
	if strings.Contains(sql, "insert into users") {
		return fakeRow{vals: []any{db.insertID}}
	}
	if db.userErr != nil {
		return fakeRow{err: db.userErr}
	}
	return fakeRow{vals: db.userVals}
}

func (db *fakeDB) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("INSERT 1"), nil
}

func newLocalApp(db *fakeDB) *apppkg.App {
	gin.SetMode(gin.TestMode)
	cfg := apppkg.Config{Env: "test", AuthMode: "local", AuthLocalSecret: "secret"}
	return apppkg.NewApp(cfg, db, nil, nil, nil)
}

func localToken(t *testing.T, secret, sub string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestLocalAuthValidCookie(t *testing.T) {
	db := &fakeDB{
		userVals: []any{"u-1", "sam@example.com", "Sam"},
		roles:    []string{"agent"},
	}
	a := newLocalApp(db)
	a.R.GET("/me", authpkg.Middleware(a), authpkg.Me)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(&http.Cookie{Name: "auth", Value: localToken(t, "secret", "u-1")})
	a.R.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var u authpkg.AuthUser
	if err := json.Unmarshal(rr.Body.Bytes(), &u); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if u.ID != "u-1" || u.Email != "sam@example.com" || u.DisplayName != "Sam" {
		t.Fatalf("unexpected user: %+v", u)
	}
	if len(u.Roles) != 1 || u.Roles[0] != "agent" {
		t.Fatalf("roles not loaded: %+v", u.Roles)
	}
}

func TestLocalAuthMissingCookie(t *testing.T) {
	a := newLocalApp(&fakeDB{})
	a.R.GET("/me", authpkg.Middleware(a), authpkg.Me)

	rr := httptest.NewRecorder()
	a.R.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/me", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestLocalAuthBadSignature(t *testing.T) {
	db := &fakeDB{userVals: []any{"u-1", "", ""}}
	a := newLocalApp(db)
	a.R.GET("/me", authpkg.Middleware(a), authpkg.Me)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(&http.Cookie{Name: "auth", Value: localToken(t, "wrong-secret", "u-1")})
	a.R.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if len(db.rowSQL) != 0 {
		t.Fatalf("forged token must not reach the database: %v", db.rowSQL)
	}
}

func TestOIDCCreatesUserOnFirstLogin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	key := []byte("oidc-secret")
	keyf := func(t *jwt.Token) (any, error) { return key, nil }
	db := &fakeDB{userErr: pgx.ErrNoRows, insertID: "u-new", roles: []string{"contact"}}
	cfg := apppkg.Config{Env: "test"}
	a := apppkg.NewApp(cfg, db, keyf, nil, nil)
	a.R.GET("/me", authpkg.Middleware(a), authpkg.Me)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "ext-123",
		"email": "new@example.com",
		"name":  "New User",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	a.R.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var u authpkg.AuthUser
	if err := json.Unmarshal(rr.Body.Bytes(), &u); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if u.ID != "u-new" || u.ExternalID != "ext-123" || u.Email != "new@example.com" {
		t.Fatalf("unexpected user: %+v", u)
	}
	created := false
	for _, sql := range db.rowSQL {
		if strings.Contains(sql, "insert into users") {
			created = true
		}
	}
	if !created {
		t.Fatalf("first login must create the user: %v", db.rowSQL)
	}
}

func setUser(u authpkg.AuthUser) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("user", u)
		c.Next()
	}
}

func TestRequireRole(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		name  string
		roles []string
		want  int
	}{
		{"matching role", []string{"agent"}, http.StatusOK},
		{"admin bypass", []string{"admin"}, http.StatusOK},
		{"wrong role", []string{"contact"}, http.StatusForbidden},
		{"no roles", nil, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/x", setUser(authpkg.AuthUser{ID: "u-1", Roles: tc.roles}),
				authpkg.RequireRole("agent", "manager"),
				func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))
			if rr.Code != tc.want {
				t.Fatalf("roles %v: expected %d, got %d", tc.roles, tc.want, rr.Code)
			}
		})
	}
}

func TestLoginSetsCookie(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	db := &fakeDB{userVals: []any{"u-1", string(hash), "sam@example.com", "Sam"}}
	a := newLocalApp(db)
	a.R.POST("/login", authpkg.Login(a))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/login",
		strings.NewReader(`{"username":"sam","password":"s3cret"}`))
	req.Header.Set("Content-Type", "application/json")
	a.R.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	cookie := rr.Header().Get("Set-Cookie")
	if !strings.Contains(cookie, "auth=") || !strings.Contains(cookie, "HttpOnly") {
		t.Fatalf("auth cookie not set: %q", cookie)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	db := &fakeDB{userVals: []any{"u-1", string(hash), "", ""}}
	a := newLocalApp(db)
	a.R.POST("/login", authpkg.Login(a))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/login",
		strings.NewReader(`{"username":"sam","password":"nope"}`))
	req.Header.Set("Content-Type", "application/json")
	a.R.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}
