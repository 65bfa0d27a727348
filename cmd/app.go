package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/sfu-signaling/config"
	"github.com/adwski/sfu-signaling/pool"
	httpServer "github.com/adwski/sfu-signaling/server/http"
	websocketServer "github.com/adwski/sfu-signaling/server/websocket"
	"github.com/adwski/sfu-signaling/service"
	store "github.com/adwski/sfu-signaling/storage/rooms"
	sw "github.com/adwski/sfu-signaling/switch"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		configPath    = fs.StringP("config", "c", "", "path to yaml config file")
		apiListenAddr = fs.StringP("api-listen-addr", "a", "", "api listen address")
		wsListenAddr  = fs.StringP("ws-listen-addr", "w", "", "websocket signaling listen address")
		logLevel      = fs.StringP("log-level", "l", "debug", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if *apiListenAddr != "" {
		cfg.API.ListenAddr = *apiListenAddr
	}
	if *wsListenAddr != "" {
		cfg.API.WSListenAddr = *wsListenAddr
	}
	logger.Trace().Msg(spew.Sdump(cfg))

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 3)
	)

	// All workers must be live before the gateway accepts traffic.
	workerPool, err := pool.NewPool(cfg, &logger, errc)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start worker pool")
	}
	defer workerPool.Close()

	fanout := sw.NewSwitch(&logger)
	svc := service.NewService(service.Config{
		RoomStore: store.NewStore(),
		Pool:      workerPool,
		Fanout:    fanout,
		Config:    cfg,
		Logger:    &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:       &logger,
		StatsService: svc,
		ListenAddr:   cfg.API.ListenAddr,
		TLSCertFile:  cfg.API.TLSCertFile,
		TLSKeyFile:   cfg.API.TLSKeyFile,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:      &logger,
		RoomService: svc,
		AckRouter:   fanout,
		ListenAddr:  cfg.API.WSListenAddr,
		TLSCertFile: cfg.API.TLSCertFile,
		TLSKeyFile:  cfg.API.TLSKeyFile,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
