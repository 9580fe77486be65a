package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ping_engine/internal/config"
	"ping_engine/internal/engine"
	"ping_engine/internal/httpapi"
	"ping_engine/internal/logbus"
	"ping_engine/internal/model"
	"ping_engine/internal/notify"
	"ping_engine/internal/provider/standard"
	"ping_engine/internal/store/sqlite"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to config.yaml")
	envPath := flag.String("env", ".env", "path to .env")
	flag.Parse()

	if err := config.LoadDotEnv(*envPath); err != nil {
		log.Fatalf("load env: %v", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logbus.NewConsoleLogger(cfg.Log.Level, cfg.Log.ColorEnabled())
	defer func() { _ = logger.Sync() }()

	bus := logbus.New(500)
	bus.AddSink(logbus.NewConsoleSink(logger))

	accounts, err := config.LoadAccounts(cfg.Accounts)
	if err != nil {
		bus.Log(logbus.LevelError, "读取账号失败", map[string]any{"error": err.Error()})
		_ = logger.Sync()
		os.Exit(1)
	}
	bus.Log(logbus.LevelInfo, "账号加载完成", map[string]any{
		"accounts": len(accounts),
		"tokens":   cfg.Accounts.TokensPath,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
	if err != nil {
		bus.Log(logbus.LevelError, "打开数据库失败", map[string]any{"path": cfg.Storage.SQLitePath, "error": err.Error()})
		_ = logger.Sync()
		os.Exit(1)
	}
	defer store.Close()

	stored := make([]model.Account, 0, len(accounts))
	for _, acc := range accounts {
		saved, err := store.ImportAccount(ctx, acc)
		if err != nil {
			bus.Log(logbus.LevelWarn, "账号写入数据库失败", map[string]any{"token": model.MaskToken(acc.Token), "error": err.Error()})
			saved = acc
		}
		stored = append(stored, saved)
	}

	notifier := notify.Multi{notify.NewEmailNotifier(store, bus)}
	if cfg.Notify.Telegram.Enabled() {
		tg, err := notify.NewTelegramNotifier(cfg.Notify.Telegram, bus)
		if err != nil {
			bus.Log(logbus.LevelWarn, "Telegram 通知未启用", map[string]any{"error": err.Error()})
		} else {
			notifier = append(notifier, tg)
		}
	}
	prov := standard.New(cfg.Provider, cfg.Proxy, bus)
	eng := engine.New(engine.Options{
		Store:    store,
		Provider: prov,
		Bus:      bus,
		Notifier: notifier,
		Schedule: cfg.Schedule,
		Limits:   cfg.Limits,
		Tasks:    cfg.Tasks,
		Accounts: stored,
	})

	var server *http.Server
	if cfg.Server.Enabled() {
		api := httpapi.New(httpapi.Options{
			Cfg:    cfg,
			Bus:    bus,
			Store:  store,
			Engine: eng,
		})
		server = &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			bus.Log(logbus.LevelInfo, "运维接口已启动", map[string]any{"addr": cfg.Server.Addr})
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				bus.Log(logbus.LevelError, "运维接口异常退出", map[string]any{"error": err.Error()})
			}
		}()
	}

	if err := eng.Run(ctx); err != nil {
		bus.Log(logbus.LevelError, "引擎异常退出", map[string]any{"error": err.Error()})
	}

	bus.Log(logbus.LevelInfo, "收到退出信号，正在收尾", map[string]any{"graceMs": cfg.Schedule.ShutdownGrace().Milliseconds()})
	time.Sleep(cfg.Schedule.ShutdownGrace())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if server != nil {
		_ = server.Shutdown(shutdownCtx)
	}
	if err := notifier.Close(shutdownCtx); err != nil {
		bus.Log(logbus.LevelWarn, "通知未能全部发送", map[string]any{"error": err.Error()})
	}
	bus.Log(logbus.LevelInfo, "已退出", nil)
}
