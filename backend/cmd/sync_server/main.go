package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"syncServer/backend/internal/cache"
	"syncServer/backend/internal/collab"
	"syncServer/backend/internal/httpapi/handlers"
	"syncServer/backend/internal/httpapi/middleware"
	"syncServer/backend/internal/store"
	"syncServer/backend/internal/ws"
)

type SyncConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Auth struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"Auth"`
	Limits struct {
		QueueSize        int `mapstructure:"queueSize"`
		Workers          int `mapstructure:"workers"`
		MaxRetry         int `mapstructure:"maxRetry"`
		BaseBackoffMs    int `mapstructure:"baseBackoffMs"`
		MaxBackoffMs     int `mapstructure:"maxBackoffMs"`
		SubmitSemaphore  int `mapstructure:"submitSemaphore"`
		HeartbeatTTLSecs int `mapstructure:"heartbeatTTLSecs"`
		HistorySize      int `mapstructure:"historySize"`
	} `mapstructure:"Limits"`
}

func initConfig() (*SyncConfig, error) {
	cfg := &SyncConfig{}
	v := viper.New()
	v.SetConfigName("syncConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: %+v", cfg)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err = rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	db, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	revStore := store.NewMySQLRevisionStore(db)

	// === 初始化 Kafka Producer ===
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Fatalf("Failed to connect kafka: %v", err)
	}
	defer producer.Close()

	persistSem := collab.NewSemaphoreControl(cfg.Limits.SubmitSemaphore)
	submitSem := collab.NewSemaphoreControl(cfg.Limits.SubmitSemaphore)

	// 落库 + Kafka 事件：本地队列 + worker 退避重试
	dispatcher := collab.NewRevisionDispatcher(
		revStore,
		producer,
		cfg.Kafka.Topic,
		persistSem,
		collab.RevisionDispatcherOptions{
			QueueSize:   cfg.Limits.QueueSize,
			Workers:     cfg.Limits.Workers,
			MaxRetry:    cfg.Limits.MaxRetry,
			BaseBackoff: time.Duration(cfg.Limits.BaseBackoffMs) * time.Millisecond,
			MaxBackoff:  time.Duration(cfg.Limits.MaxBackoffMs) * time.Millisecond,
		},
	)

	hub := ws.NewHub()
	manager := collab.NewManager(collab.ManagerConfig{
		Store:       revStore,
		Gateway:     hub,
		Dispatcher:  dispatcher,
		HistorySize: cfg.Limits.HistorySize,
	})

	presenceCache := cache.NewRedisPresence(rdb)
	heartbeatTTL := time.Duration(cfg.Limits.HeartbeatTTLSecs) * time.Second
	wsManager := ws.NewManager(hub, manager, presenceCache, submitSem, heartbeatTTL)
	revisions := handlers.NewRevisionHandler(revStore)

	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	// 路由
	sync := r.Group("/sync")
	// 鉴权中间件：从 Authorization 或 ?token= 提取 token，调用 /v1/auth/verify，写入 participantId
	sync.Use(middleware.AuthMiddleware(cfg.Auth.Path))
	sync.GET("/ws", wsManager.WebSocketConnect)
	sync.GET("/docs/:docID/revisions", revisions.ListRevisions)
	sync.GET("/docs/:docID/revisions/latest", revisions.LatestRevision)
	sync.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"message":        "ok",
			"activeSessions": manager.ActiveSessions(),
		})
	})

	port := cfg.Running.Port
	_ = r.Run(fmt.Sprintf(":%d", port))
}
