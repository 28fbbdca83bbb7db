package server

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"backend-runsync/internal/auth"
	"backend-runsync/internal/config"
	"backend-runsync/internal/run"
	"backend-runsync/internal/runstore"
	"backend-runsync/internal/stream"
)

type Server struct {
	App    *fiber.App
	Cfg    config.Config
	DB     *pgxpool.Pool
	Redis  *redis.Client
	Stream *stream.Hub
	Runs   run.Repository
}

func NewServer(cfg config.Config, db *pgxpool.Pool, redisClient *redis.Client) *Server {
	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New())

	s := &Server{
		App:    app,
		Cfg:    cfg,
		DB:     db,
		Redis:  redisClient,
		Stream: stream.NewHub(redisClient, stream.WithPaceLimit(cfg.PaceRateLimit)),
	}
	if db != nil {
		var repo run.Repository = runstore.NewPostgres(db)
		if redisClient != nil {
			repo = runstore.NewCached(repo, redisClient, cfg.CacheTTL, nil)
		}
		s.Runs = repo
	}

	registerRoutes(s)
	return s
}

// Close stops the relay's Redis subscription.
func (s *Server) Close() {
	s.Stream.Close()
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	stream.RegisterRoutes(s.App.Group("/stream"), s.Stream)

	if s.Runs == nil {
		slog.Warn("no run repository configured, history routes disabled")
		return
	}
	runstore.RegisterRoutes(s.App.Group("/runs"), s.Runs, auth.JWTMiddleware(s.Cfg.JWTSecret))
}
