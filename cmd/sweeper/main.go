package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rfidattendance/internal/attendance"
	"rfidattendance/internal/config"
	"rfidattendance/internal/store"
)

// Sweeper closes attendance records left open on previous days. The API
// process never auto-closes; that stays a separate, time-driven concern.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	repo := attendance.NewRepository(db.Client)

	log.Printf("sweeper started, interval %s", cfg.SweepInterval)
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	sweep(ctx, repo)
	for {
		select {
		case <-ticker.C:
			sweep(ctx, repo)
		case <-ctx.Done():
			log.Println("sweeper stopped")
			return
		}
	}
}

func sweep(ctx context.Context, repo *attendance.Repository) {
	n, err := repo.SweepStaleOpen(ctx, time.Now())
	if err != nil {
		log.Printf("sweep failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("closed %d stale open record(s)", n)
	}
}
