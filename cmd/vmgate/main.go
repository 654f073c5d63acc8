package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vmgate/vmgate/internal/adapter"
	"github.com/vmgate/vmgate/internal/config"
	"github.com/vmgate/vmgate/internal/connection"
	"github.com/vmgate/vmgate/internal/crypto"
	"github.com/vmgate/vmgate/internal/hooks"
	"github.com/vmgate/vmgate/internal/routes"
	"github.com/vmgate/vmgate/internal/secrets"
	"github.com/vmgate/vmgate/internal/worker"

	"github.com/vmgate/vmgate/internal/providers/debug"
	"github.com/vmgate/vmgate/internal/providers/generic"
	"github.com/vmgate/vmgate/internal/providers/libvirt"
	"github.com/vmgate/vmgate/internal/providers/proxmox"

	// Register PocketBase migrations.
	_ "github.com/vmgate/vmgate/internal/migrations"
)

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("loading configuration failed")
	}
	setupLogging(cfg)

	// A bad or missing encryption key must fail at launch, not on the
	// first credential write.
	if err := crypto.Verify(); err != nil {
		log.Fatal().Err(err).Msg("secret encryption key is not usable")
	}

	app := pocketbase.New()

	store := secrets.NewPocketBaseStore(app)
	creds := secrets.NewManager(store)
	sessions := adapter.NewRegistry(0)

	registry := connection.NewRegistry()
	registry.Register(proxmox.New(creds, cfg.ConsoleProxmoxBin, cfg.ConsoleKillGrace))
	registry.Register(libvirt.New(cfg.ConsoleLibvirtBin, cfg.ConsoleKillGrace))
	registry.Register(generic.New(creds))
	if cfg.EnableDebugProvider {
		registry.Register(debug.New(creds))
	}

	manager := connection.NewManager(registry, creds, sessions, cfg.LoadTimeout)
	w := worker.New(app, manager, cfg.RedisAddr, cfg.PowerTimeout)

	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
		// Collections exist by now; a backend without its secret store
		// must not start serving.
		if err := store.Verify(); err != nil {
			log.Fatal().Err(err).Msg("secret store is not usable")
		}
		routes.Register(se, &routes.Deps{
			Cfg:      cfg,
			Registry: registry,
			Manager:  manager,
			Creds:    creds,
			Sessions: sessions,
			Tasks:    w.Client(),
		})
		w.Start()
		log.Info().Str("version", cfg.Version).Msg("vmgate serving")
		return se.Next()
	})

	hooks.Register(app, &hooks.Deps{
		Registry: registry,
		Manager:  manager,
		Store:    store,
	})

	app.OnTerminate().BindFunc(func(e *core.TerminateEvent) error {
		manager.UnloadAll(context.Background())
		w.Shutdown()
		return e.Next()
	})

	if err := app.Start(); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}
