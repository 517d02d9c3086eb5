package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/semihalev/zlog/v2"

	"github.com/G5unit/ripples/config"
)

const version = "1.0.0"

var (
	configPath   = flag.String("config", "ripples.toml", "location of the config file, if not found it will be generated")
	printVersion = flag.Bool("v", false, "show version information")
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Options:")
		flag.PrintDefaults()
	}
}

func setupLogging(level string) {
	logger := zlog.NewStructured()
	logger.SetWriter(zlog.StdoutTerminal())

	switch level {
	case "debug":
		logger.SetLevel(zlog.LevelDebug)
	case "warn":
		logger.SetLevel(zlog.LevelWarn)
	case "error":
		logger.SetLevel(zlog.LevelError)
	default:
		logger.SetLevel(zlog.LevelInfo)
	}

	zlog.SetDefault(logger)
}

func main() {
	flag.Parse()

	if *printVersion {
		println("ripples v" + version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Error("Config loading failed", "error", err.Error())
		os.Exit(1)
	}

	setupLogging(cfg.LogLevel)

	zlog.Info("Starting ripples...", "version", version, "shards", cfg.ProcessThreadCount)

	if err := run(cfg); err != nil {
		zlog.Error("Startup failed", "error", err.Error())
		os.Exit(1)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)

	<-c

	zlog.Info("Stopping ripples...")
}
