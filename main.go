package main

import (
	"context"
	"log"
	"os"
	"time"

	"debatechat/internal/api"
	"debatechat/internal/auth"
	"debatechat/internal/chat"
	"debatechat/internal/config"
	"debatechat/internal/redis"
	"debatechat/internal/service/completion"
	"debatechat/internal/service/conversation"
	"debatechat/internal/storage"
	"debatechat/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("DEBATECHAT_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("DEBATECHAT_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	// Create necessary tables: users, topics, messages, user_tokens
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		log.Printf("redis unavailable, running without cache: %v", err)
		rdb = nil
	} else {
		defer rdb.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache := conversation.NewCache(rdb)
	cache.StartInvalidationListener(ctx)
	store := conversation.NewStore(db, cache)

	providerName := cfg.Chat.Provider
	provCfg, ok := cfg.Providers[providerName]
	if !ok {
		log.Fatalf("provider %q not found in config", providerName)
	}
	provider, err := completion.NewProvider(ctx, providerName, provCfg)
	if err != nil {
		log.Fatalf("init completion provider: %v", err)
	}
	orch := chat.NewOrchestrator(provider, store)

	dispatcher := worker.NewDispatcher(worker.DispatcherConfig{
		MinWorkers:        cfg.BasicConfig.MinWorkers,
		MaxWorkers:        cfg.BasicConfig.MaxWorkers,
		QueueSize:         cfg.BasicConfig.QueueSize,
		WorkerIdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	})

	authService := auth.NewService(db, 24*time.Hour)
	chatCfg := chat.Config{
		LivenessTimeout: cfg.Chat.LivenessTimeoutDuration(),
		LivenessTick:    cfg.Chat.LivenessTickDuration(),
		StreamTimeout:   cfg.Chat.StreamTimeoutDuration(),
	}
	handlers := api.NewHandler(store, authService, orch, dispatcher, chatCfg)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}

	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
