package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"missed-call-recovery/internal/api"
	"missed-call-recovery/internal/classify"
	"missed-call-recovery/internal/compose"
	"missed-call-recovery/internal/config"
	"missed-call-recovery/internal/dedup"
	"missed-call-recovery/internal/events"
	"missed-call-recovery/internal/lock"
	"missed-call-recovery/internal/ratelimit"
	"missed-call-recovery/internal/recovery"
	"missed-call-recovery/internal/sms"
	"missed-call-recovery/internal/store"
	"missed-call-recovery/internal/takeover"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	emitter := events.NewEmitter(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer emitter.Close()

	composer := compose.New(cfg.TemplateFingerprints)
	sender := sms.NewTwilioClient(cfg.TwilioAccountSID, cfg.TwilioAuthToken,
		cfg.TwilioFromNumber, cfg.TwilioBaseURL, cfg.SendTimeout)

	svc := recovery.New(cfg, st,
		lock.NewManager(redisClient, cfg.LockTTL),
		dedup.NewWindow(redisClient, cfg.DedupTTL),
		sender, emitter,
		classify.New(st),
		takeover.New(st, composer.Fingerprints()),
		composer)

	limiter := ratelimit.New(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, svc, st, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
