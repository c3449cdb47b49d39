package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/sshcollectorpro/clisession/addone/platform"
	"github.com/sshcollectorpro/clisession/api/router"
	"github.com/sshcollectorpro/clisession/internal/archive"
	"github.com/sshcollectorpro/clisession/internal/config"
	"github.com/sshcollectorpro/clisession/internal/journal"
	"github.com/sshcollectorpro/clisession/internal/manager"
	"github.com/sshcollectorpro/clisession/pkg/cache"
	"github.com/sshcollectorpro/clisession/pkg/logger"
	"github.com/sshcollectorpro/clisession/simulate"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	if err := logger.Init(cfg.Log); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log := logger.GetLogger()
	log.WithFields(logrus.Fields{
		"version":   router.Version,
		"devices":   len(cfg.Devices),
		"platforms": strings.Join(platform.Names(), ","),
	}).Info("Starting CLI session server")

	ctx := context.Background()

	// 启动模拟设备（可选），需先于设备会话建立
	var sim *simulate.Server
	if cfg.Server.SimulateEnable {
		sim = startSimulator(cfg.Server.SimulateConfig)
	}
	defer func() {
		if sim != nil {
			sim.Stop()
		}
	}()

	// 事件日志
	var jr *journal.Journal
	if cfg.Journal.Enabled {
		jr, err = journal.Open(journal.Config{
			Path:            cfg.Journal.Path,
			MaxIdleConns:    cfg.Journal.MaxIdleConns,
			MaxOpenConns:    cfg.Journal.MaxOpenConns,
			ConnMaxLifetime: cfg.Journal.ConnMaxLifetime,
		}, log)
		if err != nil {
			logger.Fatalf("Failed to open journal: %v", err)
		}
		defer jr.Close()
		if cfg.Journal.Retention > 0 {
			if n, err := jr.Prune(ctx, time.Now().Add(-cfg.Journal.Retention)); err != nil {
				logger.Warnf("Journal prune failed: %v", err)
			} else if n > 0 {
				logger.Infof("Journal pruned %d records", n)
			}
		}
	}

	// 只读命令缓存
	showCache, err := cache.New(ctx, cache.Options{
		Backend:   cfg.Cache.Backend,
		TTL:       cfg.Cache.TTL,
		Addr:      cfg.Cache.Redis.Addr,
		Password:  cfg.Cache.Redis.Password,
		DB:        cfg.Cache.Redis.DB,
		KeyPrefix: cfg.Cache.Redis.KeyPrefix,
	})
	if err != nil {
		logger.Warnf("Show cache unavailable, continuing without cache: %v", err)
		showCache = cache.Nop{}
	}
	defer showCache.Close()

	mgr := manager.New(manager.Deps{
		Config:  cfg,
		Logger:  log,
		Cache:   showCache,
		Journal: jr,
		Archive: archive.New(cfg.Archive, log.WithField("component", "archive")),
	})
	if err := mgr.OpenAll(ctx); err != nil {
		logger.Warnf("Some devices failed to open: %v", err)
	}
	defer func() {
		if err := mgr.CloseAll(); err != nil {
			logger.Warnf("Close sessions: %v", err)
		}
	}()

	r := router.SetupRouter(mgr, log, cfg.Server.Mode)

	server := &http.Server{
		Addr:           cfg.GetServerAddr(),
		Handler:        r,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	go func() {
		logger.Infof("Server listening on %s (mode %s)", server.Addr, cfg.Server.Mode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	stopWatch := watchConfig(*configPath, cfg)
	defer stopWatch()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Infof("Server shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	} else {
		logger.Infof("Server shutdown complete")
	}
}

func startSimulator(path string) *simulate.Server {
	if _, err := os.Stat(path); err != nil {
		logger.Warnf("Simulate: %s missing, skip starting simulator: %v", path, err)
		return nil
	}
	sc, err := simulate.LoadConfig(path)
	if err != nil {
		logger.Warnf("Simulate: failed to load %s: %v", path, err)
		return nil
	}
	sim, err := simulate.NewServer(*sc)
	if err != nil {
		logger.Warnf("Simulate: failed to create: %v", err)
		return nil
	}
	if err := sim.Start(); err != nil {
		logger.Warnf("Simulate: failed to start: %v", err)
		return nil
	}
	logger.Infof("Simulate: started (ssh %q, telnet %q, %d devices)", sc.SSHListen, sc.TelnetListen, len(sc.Devices))
	return sim
}

// watchConfig 监听配置文件，变化时刷新日志级别；设备清单的变化需要重启生效
func watchConfig(path string, cfg *config.Config) func() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warnf("Config watch init failed: %v", err)
		return func() {}
	}
	if err := watcher.Add(path); err != nil {
		logger.Warnf("Config watch add failed: %v", err)
		_ = watcher.Close()
		return func() {}
	}

	var debounce *time.Timer
	debounceInterval := 300 * time.Millisecond
	trigger := func() {
		newCfg, err := config.Load(path)
		if err != nil {
			logger.Warnf("Config reload failed: %v", err)
			return
		}
		if newCfg.Log.Level != cfg.Log.Level {
			if err := logger.SetLevel(newCfg.Log.Level); err != nil {
				logger.Warnf("Config reload: %v", err)
			} else {
				cfg.Log.Level = newCfg.Log.Level
				logger.Infof("Log level changed to %s", newCfg.Log.Level)
			}
		}
		if len(newCfg.Devices) != len(cfg.Devices) {
			logger.Warnf("Device inventory changed (%d -> %d), restart to apply", len(cfg.Devices), len(newCfg.Devices))
		}
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					if debounce != nil {
						debounce.Stop()
					}
					debounce = time.AfterFunc(debounceInterval, trigger)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warnf("Config watch error: %v", err)
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		_ = watcher.Close()
	}
}
