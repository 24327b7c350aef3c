package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/event-chat/internal/api"
	"github.com/npezzotti/event-chat/internal/chat"
	"github.com/npezzotti/event-chat/internal/config"
	"github.com/npezzotti/event-chat/internal/database"
	"github.com/npezzotti/event-chat/internal/relay"
	"github.com/npezzotti/event-chat/internal/server"
	"github.com/npezzotti/event-chat/internal/stats"
	"github.com/redis/go-redis/v9"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	dsn            string
	signingKey     string
	allowedOrigins stringSliceFlag
	redisAddr      string
	runMigrations  bool
	hashPassword   string
)

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func main() {
	// a missing .env file is fine; the environment and flags still apply
	_ = godotenv.Load()

	flag.StringVar(&addr, "addr", envOr("EVENT_CHAT_ADDR", "localhost:8000"), "server address")
	flag.StringVar(&dsn, "dsn", envOr("EVENT_CHAT_DSN", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"), "database connection string")
	flag.StringVar(&signingKey, "signing-key", envOr("EVENT_CHAT_SIGNING_KEY", defaultSigningKey), "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.StringVar(&redisAddr, "redis-addr", envOr("EVENT_CHAT_REDIS_ADDR", ""), "redis address for cross-node room fan-out")
	flag.BoolVar(&runMigrations, "migrate", envOr("EVENT_CHAT_MIGRATE", "") == "true", "apply database migrations on start")
	flag.StringVar(&hashPassword, "hash-password", "", "print the bcrypt hash of a password and exit")
	flag.Parse()

	if hashPassword != "" {
		hash, err := api.HashPassword(hashPassword)
		if err != nil {
			fmt.Fprintln(os.Stderr, "hash password:", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	if len(allowedOrigins) == 0 {
		if origins := os.Getenv("EVENT_CHAT_ALLOWED_ORIGINS"); origins != "" {
			allowedOrigins.Set(origins)
		}
	}

	logger := log.New(os.Stderr, "[event-chat] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, dsn, signingKey, allowedOrigins, redisAddr)
	if err != nil {
		logger.Fatal("config:", err)
	}

	if runMigrations {
		if err := database.Migrate(cfg.DatabaseDSN); err != nil {
			logger.Fatal("migrate:", err)
		}
		logger.Println("database migrations applied")
	}

	dbConn, err := database.NewPgEventChatRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Println("db close:", err)
		}
	}()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	chatService := chat.NewService(logger, dbConn)

	chatServer, err := server.NewChatServer(logger, chatService, server.NewMemoryRegistry(), statsUpdater)
	if err != nil {
		logger.Fatal("new chat server:", err)
	}

	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		if err := rdb.Ping(relayCtx).Err(); err != nil {
			logger.Fatal("redis ping:", err)
		}

		redisRelay := relay.NewRedisRelay(rdb, relay.DefaultPrefix, logger)
		chatServer.SetFanout(redisRelay)
		go func() {
			if err := redisRelay.Run(relayCtx, chatServer.Deliver); err != nil {
				logger.Println("relay:", err)
			}
		}()
		logger.Printf("relaying room broadcasts through redis at %s\n", cfg.RedisAddr)
	}

	srv := api.NewEventChatApp(mux, logger, chatServer, chatService, dbConn, cfg)

	statsUpdater.Run()

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	logger.Println("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Println("chat server shutdown:", err)
	} else {
		statsUpdater.Stop()
	}
	stopRelay()

	logger.Println("shutdown complete")
}
