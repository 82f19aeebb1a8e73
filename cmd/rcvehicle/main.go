package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/natefinch/lumberjack.v2"

	"rcvehicle/internal/config"
	"rcvehicle/internal/web"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	var configPath string
	var summaryPath string
	flag.StringVar(&configPath, "config", "./rcvehicle.yaml", "Path to YAML config")
	flag.StringVar(&summaryPath, "log-summary", "", "Print a summary of an NMEA recording and exit")
	flag.Parse()

	if summaryPath != "" {
		if err := printLogSummary(os.Stdout, summaryPath); err != nil {
			log.Printf("log summary failed: %v", err)
			return 1
		}
		return 0
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("config load failed: %v", err)
		return 1
	}

	logs := web.NewLogBuffer(cfg.Log.BufferLines)
	outputs := []io.Writer{os.Stderr, logs}
	if cfg.Log.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		}
		defer lj.Close()
		outputs = append(outputs, lj)
	}
	log.SetOutput(io.MultiWriter(outputs...))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(cfg, logs, prometheus.NewRegistry())
	if err != nil {
		log.Printf("runtime init failed: %v", err)
		return 1
	}

	log.Printf("rcvehicle starting config=%s sensors=%s actuators=%s period=%s policy=%s",
		configPath, cfg.Hardware.Sensors, cfg.Hardware.Actuators, cfg.Loop.Period, cfg.Policy.Kind)
	err = rt.run(ctx)
	st := rt.loop.Status()
	log.Printf("rcvehicle stopping phase=%s reason=%s", st.Phase, st.Reason)
	if err != nil {
		log.Printf("rcvehicle exited with error: %v", err)
		return 1
	}
	return 0
}
