// Package server wires the application together and runs the HTTP server.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/meterdesk/meterdesk/app/controllers"
	"github.com/meterdesk/meterdesk/app/jobs"
	"github.com/meterdesk/meterdesk/app/repositories"
	"github.com/meterdesk/meterdesk/app/routes"
	"github.com/meterdesk/meterdesk/app/services"
	"github.com/meterdesk/meterdesk/config"
	"github.com/meterdesk/meterdesk/pkg/auth"
	"github.com/meterdesk/meterdesk/pkg/cache"
	"github.com/meterdesk/meterdesk/pkg/collection"
	"github.com/meterdesk/meterdesk/pkg/database"
	"github.com/meterdesk/meterdesk/pkg/event"
	"github.com/meterdesk/meterdesk/pkg/logger"
	"github.com/meterdesk/meterdesk/pkg/metrics"
	"github.com/meterdesk/meterdesk/pkg/middleware"
	"github.com/meterdesk/meterdesk/pkg/queue"
	"github.com/meterdesk/meterdesk/pkg/reqid"
	"github.com/meterdesk/meterdesk/pkg/router"
	"github.com/meterdesk/meterdesk/pkg/schedule"
	"github.com/meterdesk/meterdesk/pkg/storage"
	"github.com/meterdesk/meterdesk/pkg/ws"
)

const shutdownTimeout = 10 * time.Second

// Start boots every subsystem and serves HTTP until SIGINT/SIGTERM.
func Start() error {
	if err := config.Load(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx)
	if err != nil {
		return err
	}

	if name := config.MongoLogCollection(); name != "" {
		sink := logger.NewMongoHandler(db.Collection(name))
		logger.AttachMongoSink(sink)
		defer sink.Close()
	}

	if err := cache.Connect(); err != nil {
		logger.Warn("redis unavailable, cache and token denylist disabled", "error", err)
	}
	defer cache.Close()

	storage.Connect()

	// Repositories and indexes. Index creation is idempotent; a failure here
	// (e.g. Mongo still warming up) is logged, not fatal, because the retry
	// loop in the database client will recover connectivity.
	userRepo := repositories.NewUserRepository(db)
	readingRepo := repositories.NewReadingRepository(db)
	if err := ensureIndexes(ctx, userRepo, readingRepo); err != nil {
		logger.Warn("could not ensure indexes at boot", "error", err)
	}

	// Background machinery.
	jobs.Register()
	queue.UseCollection(db.Collection("failed_jobs"))
	queue.StartWorkers(ctx, 4)

	schedule.Hourly().Name("reset-token-cleanup").WithoutOverlapping().Run(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := userRepo.ClearExpiredResetTokens(ctx)
		if err != nil {
			logger.Warn("reset-token cleanup failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("cleared expired reset tokens", "count", n)
		}
	})
	schedule.Start(ctx)

	// Realtime hub plus the domain-event bridge onto it.
	hub := newHub()
	go hub.Run()
	bridgeEvents(hub)

	// Controllers.
	geocoder := services.NewCachedGeocoder(services.NewHTTPGeocoder(config.GeocoderURL()))
	deps := routes.Deps{
		Auth:         controllers.NewAuthController(userRepo),
		Readings:     controllers.NewReadingController(readingRepo, geocoder, storage.Use(config.StorageDefault())),
		Health:       controllers.NewHealthController(db),
		LoadIdentity: identityLoader(userRepo),
		Hub:          hub,
	}

	r := router.New()
	r.Use(
		middleware.Recovery,
		metrics.Middleware(),
		reqid.Middleware(),
		middleware.Logger,
		middleware.CORS(middleware.DefaultCORSOptions()),
		middleware.RateLimit(300, time.Minute),
	)
	r.HandleFunc("/metrics", metrics.Handler())
	routes.RegisterAPI(r, deps)

	srv := &http.Server{
		Addr:              ":" + config.AppPort(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr, "env", config.AppEnv())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := db.Disconnect(shutdownCtx); err != nil {
		logger.Error("mongo disconnect", "error", err)
	}
	return nil
}

// identityLoader resolves the JWT subject into an Identity, password excluded.
func identityLoader(users *repositories.UserRepository) middleware.IdentityLoader {
	return func(ctx context.Context, id string) (middleware.Identity, error) {
		user, err := users.FindByID(ctx, id)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return middleware.Identity{}, middleware.ErrIdentityNotFound
			}
			return middleware.Identity{}, err
		}
		role, ok := auth.ParseRole(user.Role)
		if !ok {
			role = auth.RoleUser
		}
		return middleware.Identity{
			ID:    user.ID.Hex(),
			Role:  role,
			Name:  user.Name,
			Email: user.Email,
		}, nil
	}
}

// ensureIndexes creates all collection indexes.
func ensureIndexes(ctx context.Context, users *repositories.UserRepository, readings *repositories.ReadingRepository) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := users.EnsureIndexes(ctx); err != nil {
		return err
	}
	return readings.EnsureIndexes(ctx)
}

// wsFrame is the inbound message shape on the realtime channel.
type wsFrame struct {
	Type string          `json:"type"` // "register" | "location"
	Data json.RawMessage `json:"data"`
}

// newHub builds the realtime hub: clients register an identity, then send
// location updates which are broadcast to every connected peer.
func newHub() *ws.Hub {
	hub := ws.NewHub()
	hub.OnMessage = func(h *ws.Hub, msg ws.Message) {
		var frame wsFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			return
		}
		switch frame.Type {
		case "register":
			var reg struct {
				UserID string `json:"userId"`
			}
			if err := json.Unmarshal(frame.Data, &reg); err == nil && reg.UserID != "" {
				msg.Client.UserID = reg.UserID
			}
		case "location":
			h.Broadcast <- msg.Data
		}
	}

	origins := config.AllowedOrigins()
	allowAll := len(origins) == 0 || collection.Contains(origins, func(o string) bool { return o == "*" })
	if !allowAll {
		ws.SetCheckOrigin(func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || collection.Contains(origins, func(o string) bool { return o == origin })
		})
	}
	return hub
}

// bridgeEvents forwards reading workflow events to websocket subscribers.
func bridgeEvents(hub *ws.Hub) {
	names := []string{
		controllers.EventReadingCreated,
		controllers.EventReadingUpdated,
		controllers.EventReadingApproved,
		controllers.EventReadingRejected,
		controllers.EventReadingDeleted,
	}
	for _, name := range names {
		name := name
		event.Listen(name, func(payload interface{}) {
			hub.BroadcastEvent(name, payload)
		})
	}
}
