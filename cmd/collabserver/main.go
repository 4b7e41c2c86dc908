package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/aintliy/Multi-user-online-collaborative-editing-software-sub001/internal/auth"
	"github.com/aintliy/Multi-user-online-collaborative-editing-software-sub001/internal/cache"
	"github.com/aintliy/Multi-user-online-collaborative-editing-software-sub001/internal/collab"
	"github.com/aintliy/Multi-user-online-collaborative-editing-software-sub001/internal/config"
	"github.com/aintliy/Multi-user-online-collaborative-editing-software-sub001/internal/store"
	"github.com/aintliy/Multi-user-online-collaborative-editing-software-sub001/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}

	db, err := store.Open(cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("connect mysql failed: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("unwrap sql.DB failed: %v", err)
	}
	defer sqlDB.Close()

	snapshotStore := store.NewSnapshotStore(sqlDB)
	if err := snapshotStore.Init(context.Background()); err != nil {
		log.Fatalf("init snapshot table failed: %v", err)
	}
	documentStore := store.NewDocumentStore(db)
	userStore := store.NewUserStore(db)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	var presence cache.PresenceCache
	var limiter cache.RateLimiter = cache.NopLimiter{}
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		// Presence mirroring and rate limiting degrade gracefully; the
		// core keeps its own participant registry either way.
		log.Printf("redis unavailable, presence mirror and rate limits disabled: %v", err)
	} else {
		defer rdb.Close()
		presence = cache.NewRedisPresence(rdb)
		limiter = cache.NewRedisLimiter(rdb, map[string]cache.WindowLimit{
			cache.ScopeConnect: {Max: cfg.Limits.ConnectPerMinute, Window: time.Minute},
			cache.ScopeJoin:    {Max: cfg.Limits.JoinPerMinute, Window: time.Minute},
		})
	}

	var events collab.EventPublisher = collab.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("connect kafka failed: %v", err)
		}
		defer producer.Close()
		events = collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, collab.NewSemaphore(16),
			collab.KafkaDispatcherOptions{
				QueueSize:   10_000,
				Workers:     4,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  time.Second,
			})
	}

	hub := collab.NewHub(documentStore, snapshotStore, presence, events, collab.HubConfig{
		HistoryCap:    cfg.Room.HistoryCap,
		PresenceTTL:   time.Duration(cfg.Room.PresenceTTLSec) * time.Second,
		IdleGrace:     time.Duration(cfg.Room.IdleGraceSec) * time.Second,
		SweepInterval: time.Duration(cfg.Room.SweepIntervalSec) * time.Second,
	})
	hub.StartSweeper(context.Background())

	signer := auth.NewSigner(cfg.Auth.Secret, cfg.AccessTTL(), cfg.RefreshTTL())
	authSvc := auth.NewService(userStore, signer)

	manager := ws.NewManager(hub, limiter, ws.ManagerOptions{
		SendQueue:      cfg.Room.SendQueue,
		PongWait:       time.Duration(cfg.Room.PongWaitSec) * time.Second,
		MaxConcurrency: cfg.Room.MaxConcurrency,
	})

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:5173", "http://127.0.0.1:5173"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	v1 := r.Group("/v1/auth")
	v1.POST("/register", authSvc.Register)
	v1.POST("/login", authSvc.Login)
	v1.POST("/refresh", authSvc.Refresh)
	v1.POST("/verify", authSvc.Verify)

	api := r.Group("/v1/documents")
	api.Use(auth.Middleware(signer))
	api.POST("", func(c *gin.Context) {
		var req struct {
			Title string `json:"title" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		docID, err := documentStore.CreateDocument(c.Request.Context(), c.GetUint64("userId"), req.Title)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "document creation failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"docId": docID, "title": req.Title})
	})
	api.GET("", func(c *gin.Context) {
		docs, err := documentStore.ListByOwner(c.Request.Context(), c.GetUint64("userId"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "document list failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"documents": docs})
	})

	collabGroup := r.Group("/collab")
	collabGroup.Use(auth.Middleware(signer))
	collabGroup.GET("/ws", manager.Connect)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": hub.RoomCount()})
	})

	if err := r.Run(fmt.Sprintf(":%d", cfg.Running.Port)); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
