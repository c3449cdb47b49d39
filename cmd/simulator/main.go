package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sshcollectorpro/clisession/pkg/logger"
	"github.com/sshcollectorpro/clisession/simulate"
)

// simulator 独立运行 SSH / Telnet 设备模拟器
func main() {
	path := flag.String("config", "simulate/simulate.yaml", "模拟器配置文件")
	level := flag.String("log-level", "info", "日志级别")
	flag.Parse()

	if err := logger.Init(logger.Config{Level: *level, Format: "text", Output: "console"}); err != nil {
		fmt.Println("logger:", err)
		os.Exit(1)
	}

	sc, err := simulate.LoadConfig(*path)
	if err != nil {
		logger.Fatalf("Simulate: %v", err)
	}
	sim, err := simulate.NewServer(*sc)
	if err != nil {
		logger.Fatalf("Simulate: %v", err)
	}
	if err := sim.Start(); err != nil {
		logger.Fatalf("Simulate: %v", err)
	}
	logger.Infof("Simulate: %d devices, ssh %q telnet %q", len(sc.Devices), sc.SSHListen, sc.TelnetListen)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	sim.Stop()
	logger.Infof("Simulate: stopped")
}
