package main // Entry point package

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/concert-reservation/internal/config"
	"github.com/iliyamo/concert-reservation/internal/database"
	"github.com/iliyamo/concert-reservation/internal/handler"
	"github.com/iliyamo/concert-reservation/internal/middleware"
	"github.com/iliyamo/concert-reservation/internal/queue"
	"github.com/iliyamo/concert-reservation/internal/repository"
	"github.com/iliyamo/concert-reservation/internal/router"
	"github.com/iliyamo/concert-reservation/internal/service"
	"github.com/iliyamo/concert-reservation/internal/stream"
)

func main() {
	_ = godotenv.Load() // load .env when present; real env vars win

	cfg := config.Load()
	admissionCfg := config.LoadAdmissionConfig()
	holdCfg := config.LoadHoldConfig()
	sagaCfg := config.LoadSagaConfig()
	streamCfg := config.LoadStreamConfig()

	rdb := config.NewRedisClient()
	if rdb == nil {
		// The admission window, queue and seat holds all live in Redis;
		// without it every core operation would fail closed anyway.
		log.Fatal("redis unavailable; refusing to start")
	}

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatalf("mysql unavailable: %v", err)
	}

	// Stores.
	admissionRepo := repository.NewAdmissionRepo(rdb)
	seatHoldRepo := repository.NewSeatHoldRepo(rdb)
	sagaRepo := repository.NewSagaRepo(rdb, sagaCfg.RecordTTL)
	balanceRepo := repository.NewBalanceRepo(db)
	reservationRepo := repository.NewReservationRepo(db)

	// Status fan-out: each instance owns its local connection registry
	// and forwards only the user keys it holds.
	registry := stream.NewRegistry(streamCfg.SendBuffer)
	publisher := stream.NewPublisher(rdb, streamCfg.Channel)
	fanout := stream.NewFanout(rdb, streamCfg.Channel, registry)

	// Core services.
	admission := service.NewAdmissionService(admissionRepo, publisher, admissionCfg, cfg.JWTSecret)
	holds := service.NewSeatHoldService(seatHoldRepo, reservationRepo, holdCfg)
	saga := service.NewSagaService(sagaRepo, holds, balanceRepo, reservationRepo, service.RankingPublisher{}, admission, sagaCfg)

	// Periodic rank snapshot, one leader cluster-wide.
	lock := repository.NewLeaderLock(rdb, "rank-broadcast", uuid.NewString(), streamCfg.LockAtLeast, streamCfg.LockAtMost)
	broadcaster := stream.NewBroadcaster(admissionRepo, publisher, lock, streamCfg.BroadcastEvery)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go fanout.Run(ctx)
	go broadcaster.Run(ctx)
	go func() {
		if err := queue.StartRankingConsumer(); err != nil {
			log.Printf("ranking consumer stopped: %v", err)
		}
	}()

	e := echo.New()
	router.RegisterRoutes(e)
	router.RegisterQueue(e, handler.NewQueueHandler(admission, registry),
		middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb))
	router.RegisterReservation(e, handler.NewReservationHandler(holds, saga), cfg.JWTSecret)

	go func() {
		<-ctx.Done()
		log.Println("shutting down")
		_ = e.Close()
	}()

	addr := ":" + cfg.Port
	log.Printf("listening on %s (env=%s)", addr, cfg.Env)

	if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
