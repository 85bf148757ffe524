package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"missed-call-recovery/internal/archive"
	"missed-call-recovery/internal/classify"
	"missed-call-recovery/internal/compose"
	"missed-call-recovery/internal/config"
	"missed-call-recovery/internal/dedup"
	"missed-call-recovery/internal/events"
	"missed-call-recovery/internal/lock"
	"missed-call-recovery/internal/recovery"
	"missed-call-recovery/internal/sms"
	"missed-call-recovery/internal/store"
	"missed-call-recovery/internal/takeover"
	"missed-call-recovery/internal/telemetry"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
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

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	if cfg.ArchiveS3Bucket != "" {
		archiver, err := archive.New(ctx, cfg, st)
		if err != nil {
			log.Fatalf("init archiver: %v", err)
		}
		go runArchiveLoop(ctx, archiver, cfg.ArchiveInterval)
	} else {
		log.Printf("retention archive disabled: ARCHIVE_S3_BUCKET not set")
	}

	log.Printf("worker started interval=%s batch=%d lock_ttl=%s",
		cfg.ProcessorInterval, cfg.BatchSize, cfg.LockTTL)
	runProcessorLoop(ctx, svc, cfg.ProcessorInterval)
}

// runProcessorLoop drives the recovery cycle on a fixed tick. One pass runs
// immediately on startup so a restarted worker drains backlog without
// waiting a full interval.
func runProcessorLoop(ctx context.Context, svc *recovery.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := svc.RunCycle(ctx); err != nil {
		log.Printf("recovery cycle: %v", err)
	}
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker stopped: %v", ctx.Err())
			return
		case <-ticker.C:
			if err := svc.RunCycle(ctx); err != nil {
				log.Printf("recovery cycle: %v", err)
			}
		}
	}
}

func runArchiveLoop(ctx context.Context, archiver *archive.Archiver, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := archiver.Run(ctx)
			if err != nil {
				log.Printf("retention archive: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("retention archive: exported %d entries", n)
			}
		}
	}
}
