package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
	socketio "github.com/zishang520/socket.io/v2/socket"

	"docs-collab-server/auth"
	"docs-collab-server/collab"
	"docs-collab-server/config"
	"docs-collab-server/core"
	"docs-collab-server/handlers/api/documents"
	"docs-collab-server/handlers/api/presence"
	"docs-collab-server/handlers/websocket"
	"docs-collab-server/metrics"
	"docs-collab-server/relay"
	"docs-collab-server/stores"
)

func setupRouter(cfg config.Config, store core.Store, registry *collab.Registry, verifier *auth.Verifier) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(metrics.Middleware)

	corsOptions := cors.Options{
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			return websocket.OriginAllowed(origin, cfg.AllowedOrigins)
		},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	r.Use(cors.Handler(corsOptions))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware(verifier))

		r.Post("/projects", documents.HandleCreateProject(store))
		r.Post("/projects/{id}/documents", documents.HandleCreateDocument(store, store))
		r.Route("/documents/{id}", func(r chi.Router) {
			r.Get("/", documents.HandleGet(store, store))
			r.Put("/content", documents.HandleUpdateContent(store, store))
		})

		r.Get("/collaboration", presence.HandleCollaborators(registry, store))
		r.Get("/rooms", presence.HandleRooms(registry, store))
	})

	settings := websocket.DefaultSettings()
	settings.MaxMessageBytes = cfg.WSMaxMessageBytes
	settings.WriteTimeout = cfg.WSWriteTimeout
	settings.SendBuffer = cfg.WSSendBuffer
	settings.AllowedOrigins = cfg.AllowedOrigins
	r.Handle("/ws/collaboration", websocket.NewHandler(registry, store, store, verifier, settings))

	return r
}

func waitForShutdown(srv *http.Server, ioo *socketio.Server, registry *collab.Registry, closers ...io.Closer) {
	exit := make(chan struct{})
	SignalC := make(chan os.Signal, 1)

	signal.Notify(SignalC, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		for s := range SignalC {
			switch s {
			case os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT:
				close(exit)
				return
			}
		}
	}()

	<-exit
	logrus.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("HTTP shutdown incomplete")
	}
	ioo.Close(nil)
	registry.Close()
	for _, c := range closers {
		if err := c.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close resource")
		}
	}
}

func setupLogging(cfg config.Config) error {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	if cfg.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	return nil
}

func main() {
	cfg := config.Load()

	logLevel := flag.String("loglevel", cfg.LogLevel, "Set the logging level: debug, info, warn, error, fatal, panic")
	listenAddr := flag.String("listen", cfg.ListenAddr, "Set the server listen address")
	flag.Parse()
	cfg.LogLevel = *logLevel
	cfg.ListenAddr = *listenAddr

	if err := setupLogging(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}

	store, err := stores.GetStore(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open storage")
	}
	var closers []io.Closer
	if c, ok := store.(io.Closer); ok {
		closers = append(closers, c)
	}

	var opts []collab.Option
	var rdb *relay.Redis
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if cfg.RedisURL != "" {
		rdb, err = relay.Dial(ctx, cfg.RedisURL, cfg.RedisChannelPrefix)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to connect to Redis relay")
		}
		opts = append(opts, collab.WithRelay(rdb))
	}
	registry := collab.NewRegistry(opts...)
	if rdb != nil {
		if err := rdb.Start(ctx, registry.Router()); err != nil {
			logrus.WithError(err).Fatal("Failed to start Redis relay")
		}
		closers = append(closers, rdb)
		logrus.WithField("instance_id", rdb.InstanceID()).Info("Redis relay enabled")
	}

	var verifier *auth.Verifier
	if cfg.JWTSecret != "" {
		verifier = auth.NewVerifier(cfg.JWTSecret)
	} else {
		logrus.Warn("JWT_SECRET not set, trusting client-supplied user ids")
	}

	r := setupRouter(cfg, store, registry, verifier)
	ioo := websocket.SetupSocketIO(websocket.SocketIOConfig{
		Registry:        registry,
		Access:          store,
		Activity:        store,
		Verifier:        verifier,
		AllowedOrigins:  cfg.AllowedOrigins,
		MaxMessageBytes: cfg.WSMaxMessageBytes,
	})
	r.Handle("/socket.io/", ioo.ServeHandler(nil))

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r}
	logrus.WithField("addr", cfg.ListenAddr).Info("starting server")
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()

	logrus.Debug("Server is running in the background")
	waitForShutdown(srv, ioo, registry, closers...)
}
