// Command pds runs the personal data server daemon.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	pds "github.com/stormlightlabs/pds"
	"github.com/stormlightlabs/pds/internal/config"
	"github.com/stormlightlabs/pds/pkg/crypto"
	"github.com/stormlightlabs/pds/pkg/logging"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional)")
	flag.Parse()

	conf, err := config.Load(*configPath)
	if err != nil {
		logging.New(0).Error("load config", "error", err)
		os.Exit(1)
	}

	log := logging.New(logging.ParseLevel(conf.LogLevel))

	curve, err := crypto.ParseCurve(conf.SigningCurve)
	if err != nil {
		log.Error("bad signing curve", "error", err)
		os.Exit(1)
	}

	var secret []byte
	if conf.AuthSecret != "" {
		secret = []byte(conf.AuthSecret)
	}

	server, err := pds.New(pds.Config{
		DataDir:       conf.DataDir,
		Listen:        conf.Listen,
		MinimumFreeGB: conf.MinimumFreeGB,
		SigningCurve:  curve,
		AuthSecret:    secret,
		Logger:        log,
	})
	if err != nil {
		log.Error("configure server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := server.Start(ctx); err != nil {
		log.Error("start server", "error", err)
		os.Exit(1)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	if err := server.Close(); err != nil {
		log.Error("shutdown", "error", err)
		os.Exit(1)
	}
}
