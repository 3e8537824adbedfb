package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/config"
	"qrattend/internal/httpmiddleware"
	"qrattend/internal/metrics"
	"qrattend/internal/queue"
	"qrattend/internal/roster"
	"qrattend/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	var (
		st attendance.Store
		db *store.DB
	)
	if cfg.StoreBackend == "memory" {
		st = attendance.NewMemStore()
		log.Println("using in-memory store (data is not persisted)")
	} else {
		var err error
		db, err = store.NewDB(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := store.Migrate(context.Background(), db.Client); err != nil {
			return err
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

	validator := attendance.NewService(st, cfg.ScanWindow)
	reconciler := attendance.NewReconciler(st, cfg.ScanWindow)
	aggregator := attendance.NewAggregator(st)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := cfg.QueueBackend == "memory" || redisClient.Healthy(c.Request.Context())
		dbHealthy := cfg.StoreBackend == "memory" || db != nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	// Scan submission is open: the QR token is the shared secret and the
	// validator is the authority on whether a scan counts.
	r.POST("/v1/scans", func(c *gin.Context) {
		var req struct {
			StudentID string `json:"student_id" binding:"required"`
			QRCode    string `json:"qr_code" binding:"required"`
			ScanTime  string `json:"scan_time"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		scanTime := time.Now().UTC()
		if req.ScanTime != "" {
			parsed, err := time.Parse(time.RFC3339, req.ScanTime)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "scan_time must be RFC3339"})
				return
			}
			scanTime = parsed
		}

		outcome, err := validator.MarkAttendance(c.Request.Context(), req.StudentID, req.QRCode, scanTime)
		if err != nil {
			metrics.ScanStoreErrors.Inc()
			log.Printf("scan for %s failed: %v", req.StudentID, err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "attendance could not be recorded"})
			return
		}
		metrics.ScanOutcomes.WithLabelValues(string(outcome)).Inc()
		c.JSON(outcomeStatus(outcome), gin.H{"outcome": outcome})
	})

	r.POST("/v1/operators/login", func(c *gin.Context) {
		var req struct {
			OperatorID string `json:"operator_id" binding:"required"`
			Secret     string `json:"secret" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Secret != cfg.OperatorSecret {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "bad credentials"})
			return
		}
		token, err := auth.Issue(req.OperatorID, auth.RoleOperator, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"access_token": token.Value,
			"expires_at":   token.ExpiresAt.Unix(),
		})
	})

	admin := r.Group("/v1/admin", auth.OperatorAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	admin.POST("/classes", func(c *gin.Context) {
		var req struct {
			ClassID    string `json:"class_id" binding:"required"`
			CourseName string `json:"course_name" binding:"required"`
			FacultyID  string `json:"faculty_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		cls := attendance.Class{ID: req.ClassID, CourseName: req.CourseName, FacultyID: req.FacultyID}
		if err := st.CreateClass(c.Request.Context(), cls); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, cls)
	})

	admin.POST("/sessions", func(c *gin.Context) {
		var req struct {
			ClassID      string `json:"class_id" binding:"required"`
			SessionStart string `json:"session_start"`
			QRCode       string `json:"qr_code"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		startsAt := time.Now().UTC()
		if req.SessionStart != "" {
			parsed, err := time.Parse(time.RFC3339, req.SessionStart)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "session_start must be RFC3339"})
				return
			}
			startsAt = parsed
		}
		if req.QRCode == "" {
			req.QRCode = uuid.NewString()
		}
		sess, err := st.CreateSession(c.Request.Context(), attendance.Session{
			ClassID:  req.ClassID,
			StartsAt: startsAt,
			QRCode:   req.QRCode,
		})
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, sess)
	})

	admin.POST("/sessions/:id/close", func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad session id"})
			return
		}
		sess, err := st.SessionByID(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if sess == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		msg := queue.Message{Type: queue.TypeSessionClosed, Body: []byte(strconv.FormatInt(id, 10))}
		if err := q.Publish(c.Request.Context(), msg); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "enqueue failed"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"session_id": id})
	})

	admin.GET("/sessions/:id/attendance", func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad session id"})
			return
		}
		rows, err := st.ListAttendance(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"attendance": rows})
	})

	admin.POST("/reconcile", func(c *gin.Context) {
		res, err := reconciler.Clean(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		metrics.ReconcileDuplicatesRemoved.Add(float64(res.DuplicatesRemoved))
		metrics.ReconcileLateInvalidated.Add(float64(res.LateInvalidated))
		c.JSON(http.StatusOK, res)
	})

	admin.POST("/analytics", func(c *gin.Context) {
		var req struct {
			ClassID   string `json:"class_id" binding:"required"`
			SessionID int64  `json:"session_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rec, err := aggregator.GenerateAnalytics(c.Request.Context(), req.ClassID, req.SessionID)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, rec)
	})

	admin.GET("/analytics", func(c *gin.Context) {
		var sessionID int64
		if v := c.Query("session_id"); v != "" {
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "bad session id"})
				return
			}
			sessionID = parsed
		}
		limit := 50
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		recs, err := st.ListAnalytics(c.Request.Context(), sessionID, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"analytics": recs})
	})

	admin.POST("/roster/import", func(c *gin.Context) {
		classID := c.Query("class_id")
		if classID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "class_id query param required"})
			return
		}
		file, _, err := c.Request.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file field required"})
			return
		}
		defer file.Close()
		n, err := roster.ImportStudents(c.Request.Context(), st, file, classID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "imported": n})
			return
		}
		c.JSON(http.StatusOK, gin.H{"imported": n})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced shutdown: %v", err)
	}

	log.Println("server exited")
	return nil
}

func outcomeStatus(out attendance.Outcome) int {
	switch out {
	case attendance.OutcomeAccepted:
		return http.StatusCreated
	case attendance.OutcomeDuplicateScan:
		return http.StatusConflict
	case attendance.OutcomeNotEnrolled:
		return http.StatusForbidden
	case attendance.OutcomeInvalidOrExpired:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// CORS middleware for browser requests.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
