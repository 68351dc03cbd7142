package main

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	apppkg "github.com/opsdesk/opsdesk/cmd/api/app"
	"github.com/opsdesk/opsdesk/cmd/api/attachments"
	"github.com/opsdesk/opsdesk/cmd/api/auth"
	"github.com/opsdesk/opsdesk/cmd/api/catalog"
	"github.com/opsdesk/opsdesk/cmd/api/chat"
	"github.com/opsdesk/opsdesk/cmd/api/comments"
	"github.com/opsdesk/opsdesk/cmd/api/contacts"
	"github.com/opsdesk/opsdesk/cmd/api/events"
	"github.com/opsdesk/opsdesk/cmd/api/kb"
	"github.com/opsdesk/opsdesk/cmd/api/metrics"
	"github.com/opsdesk/opsdesk/cmd/api/reports"
	"github.com/opsdesk/opsdesk/cmd/api/settings"
	"github.com/opsdesk/opsdesk/cmd/api/tickets"
	"github.com/opsdesk/opsdesk/cmd/api/workorders"
	"github.com/opsdesk/opsdesk/cmd/api/ws"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func main() {
	_ = godotenv.Load()
	cfg := apppkg.GetConfig()
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer pool.Close()

	// Migrate (embedded goose) using the pgx stdlib driver
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatal().Err(err).Msg("goose dialect")
	}
	sqldb, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("sql open for goose")
	}
	if err := goose.UpContext(ctx, sqldb, "migrations"); err != nil {
		log.Fatal().Err(err).Msg("migrate up")
	}
	_ = sqldb.Close()

	var keyf jwt.Keyfunc
	if cfg.JWKSURL != "" {
		keyf, err = jwksKeyfunc(ctx, cfg.JWKSURL)
		if err != nil {
			log.Fatal().Err(err).Str("jwks_url", cfg.JWKSURL).Msg("fetch jwks")
		}
	}

	var store apppkg.ObjectStore
	if cfg.MinIOEndpoint != "" {
		mc, err := minio.New(cfg.MinIOEndpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.MinIOAccess, cfg.MinIOSecret, ""),
			Secure: cfg.MinIOUseSSL,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("minio init")
		}
		store = mc
	} else if cfg.FileStorePath != "" {
		if err := os.MkdirAll(cfg.FileStorePath, 0o755); err != nil {
			log.Fatal().Err(err).Str("path", cfg.FileStorePath).Msg("create filestore path")
		}
		store = &apppkg.FsObjectStore{Base: cfg.FileStorePath}
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Error().Err(err).Msg("redis ping")
		}
		defer rdb.Close()
	}

	if cfg.AuthMode == "local" {
		if err := seedLocalAdmin(ctx, pool, cfg.AdminPassword); err != nil {
			log.Error().Err(err).Msg("seed local admin")
		}
	}

	a := apppkg.NewApp(cfg, pool, keyf, store, rdb)
	hub := ws.NewHub(rdb)
	go hub.Run(ctx)
	routes(a, hub)

	srv := &http.Server{
		Addr:           cfg.Addr,
		Handler:        a.R,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	log.Info().Str("addr", cfg.Addr).Msg("api listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("listen")
	}
}

// jwksKeyfunc fetches the signing keys once and refreshes them periodically.
func jwksKeyfunc(ctx context.Context, url string) (jwt.Keyfunc, error) {
	httpClient := &http.Client{Timeout: 10 * time.Second}
	set, err := jwk.Fetch(ctx, url, jwk.WithHTTPClient(httpClient))
	if err != nil {
		return nil, err
	}
	setPtr := &set
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			if newSet, err := jwk.Fetch(context.Background(), url, jwk.WithHTTPClient(httpClient)); err == nil {
				*setPtr = newSet
			}
		}
	}()
	return func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid != "" {
			if key, ok := (*setPtr).LookupKeyID(kid); ok {
				var pub any
				if err := key.Raw(&pub); err != nil {
					return nil, err
				}
				return pub, nil
			}
		}
		it := (*setPtr).Iterate(context.Background())
		if it.Next(context.Background()) {
			if key, ok := it.Pair().Value.(jwk.Key); ok {
				var pub any
				if err := key.Raw(&pub); err != nil {
					return nil, err
				}
				return pub, nil
			}
		}
		return nil, fmt.Errorf("no jwk for kid: %s", kid)
	}, nil
}

func seedLocalAdmin(ctx context.Context, db *pgxpool.Pool, password string) error {
	var exists bool
	if err := db.QueryRow(ctx, "select exists(select 1 from users where lower(username)='admin')").Scan(&exists); err != nil {
		return err
	}
	if exists {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	var uid string
	if err := db.QueryRow(ctx,
		"insert into users (id, username, email, display_name, password_hash) values (gen_random_uuid(), 'admin', 'admin@example.com', 'Admin', $1) returning id::text",
		string(hash)).Scan(&uid); err != nil {
		return err
	}
	_, _ = db.Exec(ctx, `insert into user_roles (user_id, role_id)
      select $1, r.id from roles r where r.name='admin' on conflict do nothing`, uid)
	log.Info().Str("username", "admin").Msg("seeded local admin user")
	return nil
}

func routes(a *apppkg.App, hub *ws.Hub) {
	r := a.R

	r.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"ok": true}) })
	r.GET("/metrics", metrics.Handler())

	// Anonymous surface: contact form, widget, published KB.
	r.POST("/public/tickets", tickets.PublicCreate(a))
	r.GET("/public/kb", kb.Search(a))
	r.GET("/public/faqs", kb.FAQs(a))
	r.POST("/public/conversations", chat.StartConversation(a))
	r.GET("/public/conversations/:id/messages", chat.ListMessages(a))
	r.POST("/public/conversations/:id/messages", chat.PostMessage(a))
	r.GET("/public/chat", chat.Socket(a, hub))

	if a.Cfg.AuthMode == "local" {
		r.POST("/login", auth.Login(a))
		r.POST("/logout", auth.Logout)
	}

	g := r.Group("/")
	g.Use(auth.Middleware(a))
	g.GET("/me", auth.Me)
	g.GET("/events", events.Stream(a.Q))
	g.GET("/ws", chat.Socket(a, hub))

	g.GET("/tickets", tickets.List(a))
	g.POST("/tickets", auth.RequireRole("agent", "manager"), tickets.Create(a))
	g.GET("/tickets/:id", tickets.Get(a))
	g.PATCH("/tickets/:id", auth.RequireRole("agent", "manager"), tickets.Update(a))
	g.POST("/tickets/:id/close", auth.RequireRole("agent", "manager"), tickets.Close(a))
	g.POST("/tickets/:id/resolve", auth.RequireRole("agent", "manager"), tickets.Resolve(a))
	g.DELETE("/tickets/:id", auth.RequireRole("agent", "manager"), tickets.Delete(a))
	g.POST("/tickets/:id/restore", auth.RequireRole("admin"), tickets.Restore(a))
	g.GET("/tickets/:id/comments", comments.List(a))
	g.POST("/tickets/:id/comments", comments.Add(a))
	g.GET("/tickets/:id/attachments", attachments.List(a, attachments.TicketOwner))
	g.POST("/tickets/:id/attachments", attachments.Upload(a, attachments.TicketOwner))
	g.GET("/tickets/:id/attachments/:attID", attachments.Get(a, attachments.TicketOwner))
	g.DELETE("/tickets/:id/attachments/:attID", attachments.Delete(a, attachments.TicketOwner))

	g.GET("/workorders", workorders.List(a))
	g.POST("/workorders", auth.RequireRole("agent", "manager"), workorders.Create(a))
	g.GET("/workorders/:id", workorders.Get(a))
	g.PATCH("/workorders/:id", auth.RequireRole("agent", "manager"), workorders.Update(a))
	g.PATCH("/workorders/:id/status", auth.RequireRole("agent", "manager"), workorders.UpdateStatus(a))
	g.DELETE("/workorders/:id", auth.RequireRole("manager"), workorders.Delete(a))
	g.GET("/workorders/:id/expenses", workorders.ListExpenses(a))
	g.POST("/workorders/:id/expenses", auth.RequireRole("agent", "manager"), workorders.AddExpense(a))
	g.DELETE("/workorders/:id/expenses/:expID", auth.RequireRole("manager"), workorders.DeleteExpense(a))
	g.GET("/workorders/:id/attachments", attachments.List(a, attachments.WorkOrderOwner))
	g.POST("/workorders/:id/attachments", attachments.Upload(a, attachments.WorkOrderOwner))
	g.GET("/workorders/:id/attachments/:attID", attachments.Get(a, attachments.WorkOrderOwner))
	g.DELETE("/workorders/:id/attachments/:attID", attachments.Delete(a, attachments.WorkOrderOwner))

	for _, e := range catalog.Entities {
		g.GET("/"+e.Slug, catalog.List(a, e))
		g.POST("/"+e.Slug, auth.RequireRole("admin"), catalog.Create(a, e))
		g.PATCH("/"+e.Slug+"/:id", auth.RequireRole("admin"), catalog.Update(a, e))
		g.DELETE("/"+e.Slug+"/:id", auth.RequireRole("admin"), catalog.Delete(a, e))
		g.POST("/"+e.Slug+"/bulk-delete", auth.RequireRole("admin"), catalog.BulkDelete(a, e))
	}

	g.GET("/contacts", contacts.List(a))
	g.POST("/contacts", auth.RequireRole("agent", "manager"), contacts.Create(a))
	g.PATCH("/contacts/:id", auth.RequireRole("agent", "manager"), contacts.Update(a))
	g.DELETE("/contacts/:id", auth.RequireRole("manager"), contacts.Delete(a))
	g.GET("/organizations", contacts.ListOrganizations(a))
	g.POST("/organizations", auth.RequireRole("agent", "manager"), contacts.CreateOrganization(a))
	g.DELETE("/organizations/:id", auth.RequireRole("manager"), contacts.DeleteOrganization(a))

	g.POST("/kb/articles", auth.RequireRole("agent", "manager"), kb.CreateArticle(a))
	g.PATCH("/kb/articles/:id", auth.RequireRole("agent", "manager"), kb.UpdateArticle(a))
	g.DELETE("/kb/articles/:id", auth.RequireRole("manager"), kb.DeleteArticle(a))
	g.POST("/faqs", auth.RequireRole("agent", "manager"), kb.CreateFAQ(a))
	g.DELETE("/faqs/:id", auth.RequireRole("manager"), kb.DeleteFAQ(a))

	g.GET("/settings/:group", auth.RequireRole("admin"), settings.Get(a))
	g.PUT("/settings/:group", auth.RequireRole("admin"), settings.Save(a))
	g.GET("/roles", auth.RequireRole("admin"), settings.ListRoles(a))
	g.PUT("/users/:id/roles", auth.RequireRole("admin"), settings.SetUserRoles(a))

	g.GET("/conversations", auth.RequireRole("agent", "manager"), chat.ListConversations(a))
	g.GET("/conversations/:id/messages", chat.ListMessages(a))
	g.POST("/conversations/:id/messages", chat.PostMessage(a))

	g.GET("/reports/tickets", auth.RequireRole("agent", "manager"), reports.Tickets(a))
	g.GET("/reports/workorders", auth.RequireRole("agent", "manager"), reports.WorkOrders(a))
	g.GET("/reports/response-times", auth.RequireRole("agent", "manager"), reports.ResponseTimes(a))
}
