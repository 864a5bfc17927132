package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sopel-irc/gopel/internal/bot"
	"github.com/sopel-irc/gopel/internal/config"
)

func main() {
	// Command line flags
	foreground := flag.Bool("x", false, "Run in foreground (don't daemonize)")
	configPath := flag.String("c", "./gopel.yaml", "Path to configuration file")
	showVersion := flag.Bool("v", false, "Show version information and exit")
	showVersionLong := flag.Bool("version", false, "Show version information and exit")
	flag.Parse()

	if *showVersion || *showVersionLong {
		fmt.Printf("gopel version %s\n", bot.Version)
		os.Exit(0)
	}

	// Daemonize unless -x flag is set
	if !*foreground {
		daemonize()
		return
	}

	if err := writePIDFile(); err != nil {
		log.Printf("Warning: could not write PID file: %v", err)
	}

	run(*configPath)
}

// daemonize performs double-fork to become a daemon
func daemonize() {
	// Check if we're already a daemon child
	if os.Getenv("GOPEL_DAEMON") == "1" {
		if err := writePIDFile(); err != nil {
			log.Printf("Warning: could not write PID file: %v", err)
		}

		fmt.Printf("Now becoming a daemon\nMy pid is %d, this has been written to pid.txt\n", os.Getpid())

		// Re-exec ourselves in the foreground to run the actual bot
		args := append(os.Args, "-x")

		cmd := exec.Command(args[0], args[1:]...)
		cmd.Stdout = nil
		cmd.Stderr = nil
		cmd.Stdin = nil
		cmd.Env = os.Environ()

		if err := cmd.Start(); err != nil {
			log.Fatalf("Failed to start daemon: %v", err)
		}
		os.Exit(0)
	}

	// First fork
	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), "GOPEL_DAEMON=1")
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		log.Fatalf("Failed to fork: %v", err)
	}

	// Parent exits
	os.Exit(0)
}

func writePIDFile() error {
	pid := os.Getpid()
	return os.WriteFile("pid.txt", []byte(fmt.Sprintf("%d\n", pid)), 0644)
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	zc := zap.NewProductionConfig()
	if !cfg.LogJSON {
		zc.Encoding = "console"
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func run(configPath string) {
	if !filepath.IsAbs(configPath) {
		wd, _ := os.Getwd()
		configPath = filepath.Join(wd, configPath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	b, err := bot.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build bot", zap.Error(err))
	}

	// A signal asks for a clean QUIT; the read loop then winds down
	// and Run returns.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		b.Quit("Received shutdown signal")
	}()

	logger.Info("connecting", zap.String("server", cfg.Addr()))
	if err := b.Connect(); err != nil {
		logger.Fatal("failed to connect", zap.Error(err))
	}
	if err := b.Run(); err != nil {
		logger.Fatal("connection lost", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
