package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"academy/internal/advisory"
	"academy/internal/auth"
	"academy/internal/config"
	"academy/internal/httpmiddleware"
	"academy/internal/model"
	"academy/internal/queue"
	"academy/internal/session"
	"academy/internal/store"
	"academy/internal/view"
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
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var (
		reg store.Registry
		db  *store.DB
	)
	if cfg.StoreBackend == "memory" {
		reg = store.NewMemory()
		log.Println("using in-memory registry; records will not survive a restart")
	} else {
		var err error
		db, err = store.NewDB(cfg.DatabaseURL)
		if err != nil {
			// sql.Open fails only on a malformed URL; a down database
			// surfaces later as ErrUnavailable on each call.
			log.Fatalf("bad DATABASE_URL: %v", err)
		}
		defer func() { _ = db.Close() }()

		pg := store.NewPostgres(db, redisClient)
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Printf("warning: schema setup failed: %v", err)
		}
		pg.Start(ctx)
		reg = pg
	}

	var (
		q    queue.Queue
		slot advisory.Slot
	)
	inProcessWorker := false
	if cfg.StoreBackend == "memory" || cfg.QueueBackend == "memory" {
		// A channel queue is invisible to a separate worker process, so the
		// advisory consumer runs in-process.
		q = queue.NewInMemory(64)
		slot = advisory.NewMemorySlot()
		inProcessWorker = true
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "")
		slot = advisory.NewRedisSlot(redisClient.Client)
	}

	advisor := advisory.New(cfg.GeminiAPIKey, cfg.AdvisoryTimeout, cfg.AdvisorySkip)
	if cfg.GeminiAPIKey == "" && !cfg.AdvisorySkip {
		log.Println("GEMINI_API_KEY not set; advisory text falls back to static strings")
	}
	if inProcessWorker {
		go func() {
			if err := advisory.Consume(ctx, q, advisor, slot, reg); err != nil {
				log.Printf("advisory consumer stopped: %v", err)
			}
		}()
	}

	resolver := session.NewResolver(session.StaffCredentials{
		Username: cfg.StaffUser,
		Password: cfg.StaffPass,
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: false,
		MaxAge:           24 * time.Hour,
	}))
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := cfg.StoreBackend == "memory"
		if db != nil && db.Client != nil {
			dbHealthy = db.Client.PingContext(c.Request.Context()) == nil
		}
		status := http.StatusOK
		if !redisHealthy && cfg.StoreBackend != "memory" {
			status = http.StatusServiceUnavailable
		}
		if !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/students/register", func(c *gin.Context) {
		var req struct {
			Name           string `json:"name" binding:"required"`
			Grade          int    `json:"grade" binding:"required"`
			SchoolName     string `json:"school_name" binding:"required"`
			WhatsappNumber string `json:"whatsapp_number" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		student := model.Student{
			Name:           req.Name,
			Grade:          req.Grade,
			SchoolName:     req.SchoolName,
			WhatsappNumber: req.WhatsappNumber,
		}
		if err := student.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		// The generator is collision-checked against the roster, but another
		// session can register between the check and the insert; the unique
		// key turns that into a conflict we can retry.
		var created bool
		for attempt := 0; attempt < 3 && !created; attempt++ {
			id, err := reg.NewStudentID(c.Request.Context())
			if err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "check your connection"})
				return
			}
			student.ID = id
			switch err := reg.CreateStudent(c.Request.Context(), student); {
			case err == nil:
				created = true
			case errors.Is(err, store.ErrConflict):
				continue
			default:
				c.JSON(storeErrStatus(err), gin.H{"error": err.Error()})
				return
			}
		}
		if !created {
			c.JSON(http.StatusConflict, gin.H{"error": "could not allocate a student id"})
			return
		}

		token, exp, err := auth.Issue(student.ID, auth.RoleStudent, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}

		advisory.PublishTip(ctx, q, student.ID, student.Grade)
		advisory.PublishInsights(ctx, q)

		c.JSON(http.StatusCreated, gin.H{
			"student":      student,
			"access_token": token,
			"expires_at":   exp.Unix(),
		})
	})

	r.POST("/v1/login", func(c *gin.Context) {
		var req struct {
			WhatsappNumber string `json:"whatsapp_number" binding:"required"`
			Password       string `json:"password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		students, err := reg.Students(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "check your connection"})
			return
		}

		sess, err := resolver.Login(req.WhatsappNumber, req.Password, students)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid login details, your student id is your password"})
			return
		}

		var subject, role string
		switch sess.Kind {
		case session.Staff:
			subject, role = sess.Username, auth.RoleStaff
			advisory.PublishInsights(ctx, q)
		case session.Student:
			subject, role = sess.StudentData.ID, auth.RoleStudent
			advisory.PublishTip(ctx, q, sess.StudentData.ID, sess.StudentData.Grade)
		}

		token, exp, err := auth.Issue(subject, role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"session":      sess,
			"access_token": token,
			"expires_at":   exp.Unix(),
		})
	})

	staff := r.Group("/v1", auth.Require(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleStaff))

	staff.GET("/students", func(c *gin.Context) {
		students, err := reg.Students(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "check your connection"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"students": view.FilterStudents(students, c.Query("q"))})
	})

	staff.DELETE("/students/:id", func(c *gin.Context) {
		if err := reg.DeleteStudent(c.Request.Context(), c.Param("id")); err != nil {
			c.JSON(storeErrStatus(err), gin.H{"error": err.Error()})
			return
		}
		advisory.PublishInsights(ctx, q)
		c.Status(http.StatusNoContent)
	})

	staff.GET("/payments", func(c *gin.Context) {
		statusFilter := c.DefaultQuery("status", view.StatusAll)
		if statusFilter != view.StatusAll && !model.PaymentStatus(statusFilter).Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status filter"})
			return
		}
		payments, err := reg.Payments(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "check your connection"})
			return
		}
		students, err := reg.Students(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "check your connection"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"payments": view.FilterPayments(payments, students, statusFilter, c.Query("q")),
		})
	})

	staff.POST("/payments/:id/status", func(c *gin.Context) {
		var req struct {
			Status model.PaymentStatus `json:"status" binding:"required"`
			Amount *float64            `json:"amount"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		paymentID := c.Param("id")
		if err := reg.SetPaymentStatus(c.Request.Context(), paymentID, req.Status); err != nil {
			c.JSON(storeErrStatus(err), gin.H{"error": err.Error()})
			return
		}
		if req.Amount != nil && req.Status == model.PaymentApproved {
			if err := reg.SetPaymentAmount(c.Request.Context(), paymentID, *req.Amount); err != nil {
				c.JSON(storeErrStatus(err), gin.H{"error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"id": paymentID, "status": req.Status})
	})

	staff.POST("/attendance", func(c *gin.Context) {
		var req struct {
			StudentID string `json:"student_id" binding:"required"`
			Week      int    `json:"week" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rec, err := reg.MarkAttendance(c.Request.Context(), req.StudentID, req.Week)
		if err != nil {
			c.JSON(storeErrStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"attendance": rec})
	})

	staff.GET("/dashboard", func(c *gin.Context) {
		payments, err := reg.Payments(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "check your connection"})
			return
		}
		students, err := reg.Students(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "check your connection"})
			return
		}
		insights, ok := slot.Insights(c.Request.Context())
		if !ok {
			insights = advisory.FallbackInsights
		}
		month := model.MonthOf(time.Now())
		c.JSON(http.StatusOK, gin.H{
			"month":           month,
			"aggregates":      view.MonthlyAggregates(payments, month),
			"grade_histogram": view.GradeHistogram(students),
			"insights":        insights,
		})
	})

	staff.GET("/stream/:collection", func(c *gin.Context) {
		streamCollection(c, reg)
	})

	authed := r.Group("/v1", auth.Require(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleStaff, auth.RoleStudent))

	authed.GET("/students/:id/attendance", func(c *gin.Context) {
		claims := auth.FromContext(c)
		id := c.Param("id")
		if claims.Role == auth.RoleStudent && claims.Subject != id {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		attendance, err := reg.Attendance(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "check your connection"})
			return
		}
		month := c.DefaultQuery("month", model.MonthOf(time.Now()))
		c.JSON(http.StatusOK, gin.H{
			"month":      month,
			"attendance": view.CurrentMonthAttendance(attendance, id, month),
		})
	})

	studentOnly := r.Group("/v1", auth.Require(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleStudent))

	studentOnly.POST("/payments", func(c *gin.Context) {
		var req struct {
			SlipData string `json:"slip_data" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "provide {\"slip_data\": \"<base64 image>\"}"})
			return
		}
		claims := auth.FromContext(c)
		month := model.MonthOf(time.Now())
		rec, err := reg.UpsertPayment(c.Request.Context(), claims.Subject, month, req.SlipData)
		if err != nil {
			c.JSON(storeErrStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"payment": rec})
	})

	studentOnly.GET("/me", func(c *gin.Context) {
		claims := auth.FromContext(c)
		students, err := reg.Students(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "check your connection"})
			return
		}
		var me *model.Student
		for i := range students {
			if students[i].ID == claims.Subject {
				me = &students[i]
				break
			}
		}
		if me == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "student record no longer exists"})
			return
		}
		payments, err := reg.Payments(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "check your connection"})
			return
		}
		attendance, err := reg.Attendance(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "check your connection"})
			return
		}
		month := model.MonthOf(time.Now())
		resp := gin.H{
			"student":    me,
			"month":      month,
			"attendance": view.CurrentMonthAttendance(attendance, me.ID, month),
		}
		if payment, ok := view.CurrentMonthPayment(payments, me.ID, month); ok {
			resp["payment"] = payment
		}
		c.JSON(http.StatusOK, resp)
	})

	studentOnly.GET("/advisory/tip", func(c *gin.Context) {
		claims := auth.FromContext(c)
		tip, ok := slot.Tip(c.Request.Context(), claims.Subject)
		if !ok {
			tip = advisory.FallbackTip
		}
		c.JSON(http.StatusOK, gin.H{"tip": tip})
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// streamCollection pushes full-collection snapshots over SSE until the
// client disconnects; the request context cancellation unsubscribes cleanly.
func streamCollection(c *gin.Context, reg store.Registry) {
	ctx := c.Request.Context()
	switch c.Param("collection") {
	case "students":
		ch := reg.SubscribeStudents(ctx)
		c.Stream(func(w io.Writer) bool {
			snap, ok := <-ch
			if !ok {
				return false
			}
			c.SSEvent("snapshot", snap)
			return true
		})
	case "payments":
		ch := reg.SubscribePayments(ctx)
		c.Stream(func(w io.Writer) bool {
			snap, ok := <-ch
			if !ok {
				return false
			}
			c.SSEvent("snapshot", snap)
			return true
		})
	case "attendance":
		ch := reg.SubscribeAttendance(ctx)
		c.Stream(func(w io.Writer) bool {
			snap, ok := <-ch
			if !ok {
				return false
			}
			c.SSEvent("snapshot", snap)
			return true
		})
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown collection"})
	}
}

func storeErrStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}

// Security headers middleware
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
