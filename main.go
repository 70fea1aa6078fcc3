package main

import (
	"context"
	"log"
	"os"

	"dbchat/internal/agent"
	"dbchat/internal/api"
	"dbchat/internal/config"
	"dbchat/internal/datasvc"
	"dbchat/internal/history"
	"dbchat/internal/redis"
	"dbchat/internal/runtime"
	"dbchat/internal/storage"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("DBCHAT_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("DBCHAT_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open history database: %v", err)
	}
	defer db.Close()

	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		log.Printf("redis unavailable, session list caching disabled: %v", err)
		rdb = nil
	}
	if rdb != nil {
		defer rdb.Close()
	}

	chatModel, _, _, err := agent.NewChatModel(context.Background(), cfg)
	if err != nil {
		log.Fatalf("init chat model: %v", err)
	}
	titler := agent.NewTitler(chatModel)

	data := datasvc.New(cfg.BasicConfig.DataDirs, cfg.BasicConfig.DefaultDatabase, cfg.Agent.QueryRowLimit)
	store := history.New(db, rdb, titler)
	coordinator := runtime.New(cfg, data, store)

	handlers := api.NewHandler(coordinator)

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
