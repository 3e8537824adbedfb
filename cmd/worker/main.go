package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"qrattend/internal/attendance"
	"qrattend/internal/config"
	"qrattend/internal/metrics"
	"qrattend/internal/queue"
	"qrattend/internal/store"
)

// The worker owns the batch side of the system: it reconciles the attendance
// table on a fixed interval and, when a session is closed, reconciles once
// more and appends an analytics snapshot for it.
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

	var st attendance.Store
	if cfg.StoreBackend == "memory" {
		st = attendance.NewMemStore()
		log.Println("using in-memory store (data is not persisted)")
	} else {
		db, err := store.NewDB(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect failed: %v", err)
		}
		defer db.Close()
		if err := store.Migrate(ctx, db.Client); err != nil {
			log.Fatalf("migrate failed: %v", err)
		}
		st = attendance.NewRepository(db.Client)
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "qrattend:sessions")
	}

	reconciler := attendance.NewReconciler(st, cfg.ScanWindow)
	aggregator := attendance.NewAggregator(st)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	ticker := time.NewTicker(cfg.ReconcileInterval)
	defer ticker.Stop()

	log.Printf("worker started (reconcile every %s)", cfg.ReconcileInterval)
	for {
		select {
		case <-ctx.Done():
			log.Println("worker stopped")
			return

		case <-ticker.C:
			runClean(ctx, reconciler)

		case msg, ok := <-messages:
			if !ok {
				log.Println("worker stopped")
				return
			}
			if msg.Type != queue.TypeSessionClosed {
				continue
			}
			sessionID, err := strconv.ParseInt(string(msg.Body), 10, 64)
			if err != nil {
				log.Printf("bad session id %q in message", msg.Body)
				continue
			}
			handleSessionClosed(ctx, st, reconciler, aggregator, sessionID)
		}
	}
}

func runClean(ctx context.Context, reconciler *attendance.Reconciler) {
	res, err := reconciler.Clean(ctx)
	if err != nil {
		log.Printf("reconcile failed: %v", err)
		return
	}
	metrics.ReconcileDuplicatesRemoved.Add(float64(res.DuplicatesRemoved))
	metrics.ReconcileLateInvalidated.Add(float64(res.LateInvalidated))
	if res.DuplicatesRemoved > 0 || res.LateInvalidated > 0 {
		log.Printf("reconciled: %d duplicates removed, %d late scans invalidated",
			res.DuplicatesRemoved, res.LateInvalidated)
	}
}

// handleSessionClosed reconciles and then snapshots analytics so the report
// reflects deduplicated, reclassified data.
func handleSessionClosed(ctx context.Context, st attendance.Store, reconciler *attendance.Reconciler, aggregator *attendance.Aggregator, sessionID int64) {
	sess, err := st.SessionByID(ctx, sessionID)
	if err != nil {
		log.Printf("session %d lookup failed: %v", sessionID, err)
		return
	}
	if sess == nil {
		log.Printf("session %d not found, dropping message", sessionID)
		return
	}

	runClean(ctx, reconciler)

	rec, err := aggregator.GenerateAnalytics(ctx, sess.ClassID, sess.ID)
	if err != nil {
		log.Printf("analytics for session %d failed: %v", sessionID, err)
		return
	}
	log.Printf("session %d: %d attendees, %d absent (snapshot %d)",
		sessionID, rec.TotalAttendees, rec.AbsenteeCount, rec.ID)
}
