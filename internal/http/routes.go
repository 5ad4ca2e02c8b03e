package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"clipcast/internal/config"
	"clipcast/internal/history"
	"clipcast/internal/http/handlers"
	mw "clipcast/internal/middleware"
	"clipcast/internal/moderation"
	"clipcast/internal/profile"
	"clipcast/internal/relay"
	"clipcast/internal/wallet"
	"clipcast/pkg/logger"
)

type Server struct {
	DB       *pgxpool.Pool
	RDB      *redis.Client
	Config   *config.Config
	Logger   *logger.Logger
	Validate *validator.Validate

	// Handlers
	System *handlers.SystemHandler
	Relay  *handlers.RelayHandler
	Wallet *handlers.WalletHandler
}

func NewServer(db *pgxpool.Pool, rdb *redis.Client, cfg *config.Config, log *logger.Logger, rly *relay.Relay, gifts *relay.Catalog) *Server {
	s := &Server{
		DB:       db,
		RDB:      rdb,
		Config:   cfg,
		Logger:   log,
		Validate: validator.New(),
	}

	hist := history.New(rdb, db, log, cfg.Relay.HistoryLimit)
	mod := moderation.New(rdb, log)
	profiles := profile.New(db, log)
	wal := wallet.New(db, log)

	s.System = handlers.NewSystemHandler(s.DB, s.RDB, rly, s.Logger)
	s.Relay = handlers.NewRelayHandler(rly, hist, mod, profiles, cfg.CORS, s.Logger, s.Validate)
	s.Wallet = handlers.NewWalletHandler(wal, gifts, s.Logger, s.Validate)

	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(mw.Logger(s.Logger))
	r.Use(mw.Recovery(s.Logger))
	r.Use(mw.Security())
	r.Use(mw.CORS(s.Config.CORS))
	r.Use(mw.RateLimit(s.RDB, s.Config.RateLimit))
	r.Use(mw.LimitRequestSize(1024 * 1024))

	r.Route("/api", func(r chi.Router) {
		// System routes
		r.Get("/health", s.System.HandleHealth)
		r.Get("/metrics", s.System.HandleMetrics)

		// Public routes
		r.Group(func(r chi.Router) {
			r.Get("/gifts", s.Wallet.HandleListGifts)
			r.Get("/relay/channels", s.Relay.HandleListChannels)
			r.Get("/relay/channels/{channel}/presence", s.Relay.HandleGetPresence)
			r.Get("/relay/channels/{channel}/history", s.Relay.HandleGetHistory)
		})

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(mw.Auth(s.Config.JWT.Secret))

			s.setupRelayRoutes(r)
			s.setupWalletRoutes(r)
		})

		// WebSocket route; a token is optional so spectators can connect
		// without signing in.
		r.Group(func(r chi.Router) {
			r.Use(mw.OptionalAuth(s.Config.JWT.Secret))
			r.Get("/ws", s.Relay.HandleWebSocket)
		})
	})

	return r
}

func (s *Server) setupRelayRoutes(r chi.Router) {
	r.Route("/relay", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(mw.ContentType("application/json"))

			r.Post("/channels/{channel}/broadcast", s.Relay.HandleBroadcast)

			// Moderation
			r.Post("/channels/{channel}/users/{userID}/ban", s.Relay.HandleBanUser)
			r.Delete("/channels/{channel}/users/{userID}/ban", s.Relay.HandleUnbanUser)
			r.Post("/channels/{channel}/users/{userID}/timeout", s.Relay.HandleTimeoutUser)
			r.Post("/connections/{connID}/disconnect", s.Relay.HandleForceDisconnect)
		})
	})
}

func (s *Server) setupWalletRoutes(r chi.Router) {
	r.Route("/wallets", func(r chi.Router) {
		r.Get("/{userID}", s.Wallet.HandleGetBalance)

		r.Group(func(r chi.Router) {
			r.Use(mw.ContentType("application/json"))
			r.Post("/{userID}/credit", s.Wallet.HandleCredit)
		})
	})
}
