package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/sreenathmmenon/EngineIQ/config"
	"github.com/sreenathmmenon/EngineIQ/internal/checkpoint"
	"github.com/sreenathmmenon/EngineIQ/internal/expertise"
	"github.com/sreenathmmenon/EngineIQ/internal/gap"
	"github.com/sreenathmmenon/EngineIQ/internal/orchestrator"
	"github.com/sreenathmmenon/EngineIQ/internal/policy"
	"github.com/sreenathmmenon/EngineIQ/internal/provider"
	"github.com/sreenathmmenon/EngineIQ/internal/runtime"
	"github.com/sreenathmmenon/EngineIQ/internal/session"
	"github.com/sreenathmmenon/EngineIQ/internal/store"
	"github.com/sreenathmmenon/EngineIQ/internal/telemetry"
	"github.com/sreenathmmenon/EngineIQ/internal/vector"
)

// QueryService is the slice of the orchestrator the HTTP layer drives.
type QueryService interface {
	Submit(ctx context.Context, query string, requester session.Requester) (*session.Session, error)
	Get(ctx context.Context, id string) (*session.Session, error)
	Resume(ctx context.Context, id, decision, resolverID string) (*session.Session, error)
	ResumeGap(ctx context.Context, id, decision, resolverID string) (*session.Session, error)
}

// GapDirectory exposes the gap ledger to the triage endpoints.
type GapDirectory interface {
	ListGaps(ctx context.Context, status, priority string) ([]store.GapRecord, error)
	UpdateGapStatus(ctx context.Context, key, status, owner string) error
}

// ExpertDirectory exposes the expertise ledger.
type ExpertDirectory interface {
	RankExperts(ctx context.Context, topic string, limit int, now time.Time) ([]expertise.Expert, error)
	Record(ctx context.Context, c expertise.Contribution) (store.EvidenceRecord, error)
}

// Server holds the HTTP handlers' shared dependencies.
type Server struct {
	Queries QueryService
	Gaps    GapDirectory
	Experts ExpertDirectory
	Secret  []byte
}

// NewEcho builds the echo instance with middleware, error handling and all
// routes registered.
func (s *Server) NewEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")
	api.Use(runtime.EchoAuthMiddleware(s.Secret))

	api.POST("/queries", s.submitQuery)
	api.GET("/sessions/:id", s.getSession)
	api.POST("/sessions/:id/resume", s.resumeSession)
	api.POST("/sessions/:id/gap-resume", s.resumeGapTriage)

	api.GET("/gaps", s.listGaps)
	api.PUT("/gaps/:key/status", s.updateGapStatus)

	api.GET("/experts", s.listExperts)
	api.POST("/contributions", s.recordContribution)

	return e
}

// Run wires the full stack from configuration and serves until the listener
// fails.
func Run(cfg *config.Config) error {
	ctx := context.Background()

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
		log.Printf("[HTTP] migrations: %v", err)
	}

	st, err := store.New(ctx, cfg.Storage.Postgres)
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed (%s:%s): %w", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port, err)
	}

	providers := provider.NewHTTP(cfg.Providers)
	vectors := vector.NewClient(cfg.Vector)
	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	logger := log.New(log.Writer(), "", log.LstdFlags)
	ledger := expertise.NewLedger(cfg.Expertise, st, vectors, providers, cfg.Vector.ExpertiseCollection, logger)
	detector := gap.NewDetector(cfg.Gap, vectors, st, ledger, cfg.Vector.ConversationsCollection, logger)

	checkpoints := checkpoint.NewRedisStore(rdb, 7*24*time.Hour)
	orch := orchestrator.New(cfg, logger, providers, providers, vectors,
		policy.New(cfg.Policy), detector, checkpoints, st, metrics)

	go func() {
		if err := orch.RunReaper(ctx, cfg.Approval.SweepInterval); err != nil && ctx.Err() == nil {
			logger.Printf("[ORCH] reaper stopped: %v", err)
		}
	}()

	srv := &Server{Queries: orch, Gaps: st, Experts: ledger, Secret: secret}
	e := srv.NewEcho()

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":8080"
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
