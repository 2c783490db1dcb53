package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"commonplace/api/internal/app"
	"commonplace/api/internal/config"
	"commonplace/api/internal/email"
	"commonplace/api/internal/notify"
	"commonplace/api/internal/publish"
	"commonplace/api/internal/search"
	"commonplace/api/internal/staging"
	"commonplace/api/internal/store"
	"commonplace/api/internal/summarize"
	"commonplace/api/internal/webhook"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	artifact, err := staging.NewArtifactStore(staging.ArtifactConfig{
		Path:      cfg.RecoveryPath,
		Endpoint:  cfg.RecoveryS3Endpoint,
		AccessKey: cfg.RecoveryS3Access,
		SecretKey: cfg.RecoveryS3Secret,
		Bucket:    cfg.RecoveryS3Bucket,
		UseSSL:    cfg.RecoveryS3UseSSL,
	})
	if err != nil {
		log.Fatalf("recovery artifact store failed: %v", err)
	}
	staged := staging.NewStagedStore(dataStore, artifact, cfg.DefaultStagingDelay)
	staged.RestoreRecovery(ctx)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
	}

	var inbox *notify.Inbox
	if strings.TrimSpace(cfg.RedisURL) != "" {
		inbox, err = notify.NewInbox(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer inbox.Close()
	} else {
		log.Printf("WARNING: no redis configured, inbox notifications disabled")
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !mailer.IsConfigured() {
		log.Printf("email notifications disabled (SMTP not configured)")
	}

	var summarizer summarize.Summarizer
	if cfg.AnthropicAPIKey != "" {
		summarizer = summarize.NewAnthropic(cfg.AnthropicAPIKey, cfg.SummaryModel)
	}
	var scheduler *summarize.Scheduler
	if summarizer != nil {
		scheduler = summarize.NewScheduler(dataStore, summarizer, cfg.SessionGap)
	} else {
		log.Printf("summaries disabled (ANTHROPIC_API_KEY not set)")
	}

	webhookSender := webhook.NewSender(10 * time.Second).WithSecret(cfg.WebhookSecret)
	dispatcher := publish.NewDispatcher(dataStore, dispatchInbox(inbox), dispatchMailer(mailer), webhookSender, searchService, "")
	if scheduler != nil {
		dispatcher.AddHook(scheduler.EntryPublished)
	}

	service := app.NewService(staged, dispatcher, scheduler, searchService, inbox, cfg.PseudonymSalt)

	sweepCtx, stopSweep := context.WithCancel(ctx)
	go service.RunSweeper(sweepCtx, cfg.SweepInterval)

	httpServer := app.NewHTTPServer(service, searchService, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Commonplace API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stopSweep()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	// The pending queue is in memory; the recovery artifact is the only
	// thing standing between a restart and losing staged items.
	if err := staged.SaveRecovery(shutdownCtx); err != nil {
		log.Printf("ERROR: could not save recovery artifact, pending items will be lost: %v", err)
	}
}

// dispatchInbox adapts a possibly-nil inbox to the dispatcher's interface.
func dispatchInbox(inbox *notify.Inbox) publish.InboxPusher {
	if inbox == nil {
		return nil
	}
	return inbox
}

func dispatchMailer(mailer *email.Service) publish.Mailer {
	if mailer == nil {
		return nil
	}
	return mailer
}
