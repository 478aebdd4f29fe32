// Command sweep runs one escrow release sweep against the database and
// exits. It is meant for cron jobs and for catching up after downtime.
//
// Usage:
//
//	go run ./cmd/sweep                         # release everything due now
//	go run ./cmd/sweep -at 2026-03-05T09:00:00Z # as of a given instant
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/mbd888/bookingescrow/internal/booking"
	"github.com/mbd888/bookingescrow/internal/events"
	"github.com/mbd888/bookingescrow/internal/logging"
)

func main() {
	at := flag.String("at", "", "sweep as of this RFC3339 time (default now)")
	batch := flag.Int("batch", 100, "bookings loaded per query")
	flag.Parse()

	_ = godotenv.Load()
	logger := logging.New(getEnv("LOG_LEVEL", "info"), getEnv("LOG_FORMAT", "text"))

	now := time.Now().UTC()
	if *at != "" {
		t, err := time.Parse(time.RFC3339, *at)
		if err != nil {
			logger.Error("invalid -at", "value", *at, "error", err)
			os.Exit(2)
		}
		now = t
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Error("DATABASE_URL environment variable is required")
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	db, err := sqlx.ConnectContext(ctx, "postgres", dbURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	var publisher events.Publisher = events.Nop{}
	if url := os.Getenv("AMQP_URL"); url != "" {
		broker, err := events.DialAMQP(url, getEnv("AMQP_EXCHANGE", "booking_events"), logger)
		if err != nil {
			logger.Error("failed to connect to message broker", "error", err)
			os.Exit(1)
		}
		defer func() { _ = broker.Close() }()
		publisher = broker
	}

	svc := booking.NewService(booking.NewPostgresStore(db), logger).
		WithPublisher(publisher).
		WithSweepBatch(*batch)

	res, err := svc.RunReleaseSweep(ctx, now)
	logger.Info("release sweep finished", "at", now, "released", res.Released, "failed", res.Failed, "skipped", res.Skipped)
	if err != nil {
		logger.Error("release sweep failed", "error", err)
		os.Exit(1)
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
