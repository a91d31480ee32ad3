package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/logs"
	"github.com/joho/godotenv"
	"github.com/telesmart/camvault/server"
	"github.com/telesmart/camvault/server/config"
)

func main() {
	parser := argparse.NewParser("camvaultd", "Camera session and storage accounting daemon")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Configuration file", Default: "camvault.json"})
	envFile := parser.String("e", "env", &argparse.Options{Help: "Environment file with secrets (ENCRYPTION_KEY, IMOU_APP_SECRET, ...)", Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			logger.Errorf("Failed to load env file %v: %v", *envFile, err)
			os.Exit(1)
		}
	} else {
		// Optional: a .env next to the binary is a dev-time convenience
		godotenv.Load()
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	srv, err := server.NewServer(logger, cfg)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	if err := srv.Start(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	logger.Infof("Watching %v", cfg.Upload.Root)

	// Tell systemd that we're alive
	daemon.SdNotify(false, daemon.SdNotifyReady)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Infof("Received signal %v", s)
	daemon.SdNotify(false, daemon.SdNotifyStopping)
	srv.Stop()
}
