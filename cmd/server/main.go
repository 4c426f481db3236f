package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/veranohaus/booking/internal/booking"
	"github.com/veranohaus/booking/internal/chain"
	"github.com/veranohaus/booking/internal/config"
	"github.com/veranohaus/booking/internal/database"
	"github.com/veranohaus/booking/internal/handler"
	"github.com/veranohaus/booking/internal/middleware"
	"github.com/veranohaus/booking/internal/notify"
	"github.com/veranohaus/booking/internal/queue"
	"github.com/veranohaus/booking/internal/repository"
	"github.com/veranohaus/booking/internal/router"
	"github.com/veranohaus/booking/internal/verifier"
)

func main() {
	cfg := config.Load()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	registry, err := chain.Load(cfg.ChainConfigPath, cfg.TreasuryAddress)
	if err != nil {
		log.Fatalf("chain registry: %v", err)
	}

	dialCtx, cancelDial := context.WithTimeout(context.Background(), 15*time.Second)
	clients, err := chain.Dial(dialCtx, registry)
	cancelDial()
	if err != nil {
		log.Fatalf("chain rpc: %v", err)
	}
	defer clients.Close()

	bookings := repository.NewBookingRepo(db)
	stays := repository.NewStayRepo(db)
	activity := repository.NewActivityRepo(db)
	hashes := repository.NewTxHashRepo(db)

	publisher := notify.NewPublisher(cfg.RabbitURL)

	// Root context cancelled on SIGINT/SIGTERM; the verifier workers and
	// the HTTP server both hang off it.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	vcfg := verifier.DefaultConfig()
	vcfg.Attempts = cfg.VerifyAttempts
	vcfg.Delay = cfg.VerifyDelay
	vcfg.Workers = cfg.VerifyWorkers
	verif := verifier.New(bookings, stays, activity, registry, clients, publisher, vcfg)
	verif.Start(ctx)

	svc := booking.New(bookings, stays, activity, hashes, registry, publisher, verif, cfg.PaymentBaseURL)

	// The consumer renders queued notification events into outgoing
	// emails.  It reconnects on its own; a missing broker only delays
	// notifications, never bookings.
	go func() {
		if err := queue.StartNotifyConsumer(cfg.RabbitURL); err != nil {
			log.Printf("notify-consumer: %v", err)
		}
	}()

	e := echo.New()
	e.HideBanner = true

	rdb := config.NewRedisClient()
	limiter := middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb)

	router.RegisterRoutes(e)
	router.RegisterAuth(e, handler.NewAuthHandler(cfg))
	router.RegisterPublic(e, handler.NewStayHandler(stays))
	router.RegisterBooking(e, handler.NewBookingHandler(svc), limiter)
	router.RegisterAdmin(e, handler.NewAdminHandler(svc), cfg.JWTSecret)

	go func() {
		addr := ":" + cfg.Port
		log.Printf("listening on %s (env=%s)", addr, cfg.Env)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}

	// Let in-flight verifications finish resolving their bookings.
	verif.Wait()

	if rdb != nil {
		_ = rdb.Close()
	}
}
