package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.io/infrasutra/mailscan/internal/api"
	"github.io/infrasutra/mailscan/internal/blob"
	"github.io/infrasutra/mailscan/internal/classifier"
	"github.io/infrasutra/mailscan/internal/config"
	"github.io/infrasutra/mailscan/internal/oauthflow"
	"github.io/infrasutra/mailscan/internal/pipeline"
	"github.io/infrasutra/mailscan/internal/session"
	"github.io/infrasutra/mailscan/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx := context.Background()
	db, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		logger.Error("ensure schema", "error", err)
		os.Exit(1)
	}

	cookies, err := session.NewCookies(cfg.SessionSecret, session.DefaultMaxAge)
	if err != nil {
		logger.Error("init cookies", "error", err)
		os.Exit(1)
	}
	if cfg.SessionSecret == "" {
		logger.Warn("SESSION_SECRET not set; sessions reset on restart")
	}

	var sessions session.Store
	if cfg.SessionPath != "" {
		fileStore, err := session.NewFileStore(cfg.SessionPath, logger)
		if err != nil {
			logger.Error("open session file", "error", err)
			os.Exit(1)
		}
		sessions = fileStore
	} else {
		sessions = session.NewMemoryStore()
	}

	oauth := oauthflow.New(oauthflow.Options{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleSecret,
		RedirectURL:  cfg.RedirectURL,
		TokenInfoURL: cfg.TokenInfoURL,
		RevokeURL:    cfg.RevokeURL,
	}, logger)
	if cfg.GoogleClientID == "" {
		logger.Warn("GOOGLE_CLIENT_ID not set; mailbox sign-in will fail")
	}

	blobs := blob.NewStore(cfg.AttachmentDir, cfg.AttachmentBase, logger)
	cls := classifier.New(cfg.ClassifierURL, logger)
	pipe := pipeline.New(blobs, cls, db, cfg.FetchConcurrency, logger)

	apiServer := api.NewServer(cfg, db, sessions, cookies, oauth, pipe, blobs,
		api.DefaultMailboxFactory(logger), logger)

	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpSrv := &http.Server{
		Addr:    httpAddr,
		Handler: apiServer,
	}

	go func() {
		logger.Info("http server listening", "addr", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("shutdown http", "error", err)
	}
}
