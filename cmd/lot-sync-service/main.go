package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/lotsync_backend/config"
	"bitbucket.org/mmdatafocus/lotsync_backend/models"
	"bitbucket.org/mmdatafocus/lotsync_backend/mrpeasy"
	"bitbucket.org/mmdatafocus/lotsync_backend/reconcile"
	"bitbucket.org/mmdatafocus/lotsync_backend/utils"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("LOT_SYNC_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	erpClient, err := mrpeasy.NewClient()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "mrpeasy"}).Fatal(err)
	}

	lookup := reconcile.NewOrderLookup(erpClient, logger)
	update := reconcile.NewOrderUpdate(erpClient, logger)
	policy := reconcile.DefaultRetryPolicy()

	// Wired once the database is connected below.
	var poller *reconcile.Poller
	pollerReady := make(chan struct{})
	getPoller := func() *reconcile.Poller {
		select {
		case <-pollerReady:
			return poller
		default:
			return nil
		}
	}

	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil || config.GetRedisDB() == nil || getPoller() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))
	r.Use(requestLogger(logger))
	r.Use(gin.Recovery())

	// API endpoints (lot sync)
	r.POST("/api/sync/events", reconcile.EnqueueEventHandler())
	r.POST("/api/sync/poll", func(c *gin.Context) {
		p := getPoller()
		if p == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		reconcile.TriggerPollHandler(p)(c)
	})
	r.GET("/api/sync/attempts", func(c *gin.Context) {
		reconcile.AttemptsHandler(config.GetDB())(c)
	})

	// Pub/Sub push endpoint for poll requests.
	r.POST("/pubsub/lot-sync", func(c *gin.Context) {
		p := getPoller()
		if p == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		reconcile.PubSubPushHandler(p, logger)(c)
	})

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	audit := reconcile.NewDBAuditLog(db, logger)
	workflow := reconcile.NewWorkflow(lookup, update, audit, policy, logger)
	poller = reconcile.NewPoller(db, workflow, logger)
	close(pollerReady)

	var wg sync.WaitGroup
	if !utils.BoolFromEnv("POLLER_DISABLED", false) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			poller.Run(sigCtx)
		}()
	} else {
		logger.WithFields(logrus.Fields{"field": "poller"}).Warn("POLLER_DISABLED=true; events are only processed on demand")
	}

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
		stopSignals()
	}
	wg.Wait()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		}).Info("request")
	}
}
