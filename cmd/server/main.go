package main

import (
	"context"

	"vetlink/internal/config"
	"vetlink/internal/db"
	clog "vetlink/internal/log"
	"vetlink/internal/server"
	"vetlink/internal/storage"
	"vetlink/internal/ws"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库与对象存储并启动 Gin 服务。
	_ = godotenv.Load()
	cfg := config.Load()
	clog.Init(cfg.Env)

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	store, err := storage.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("storage client")
	}
	if err := store.EnsureBucket(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("storage bucket")
	}

	hub := ws.NewHub()
	r := server.SetupRouter(cfg, gdb, hub, store)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server run")
	}
}
