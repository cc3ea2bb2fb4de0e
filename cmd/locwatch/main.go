package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
	"nuha.dev/locwatch/internal/auth"
	"nuha.dev/locwatch/internal/devicesrv"
	"nuha.dev/locwatch/internal/events"
	"nuha.dev/locwatch/internal/identity"
	"nuha.dev/locwatch/internal/location"
	"nuha.dev/locwatch/internal/natsbridge"
	"nuha.dev/locwatch/internal/store"
	"nuha.dev/locwatch/internal/store/impl/logstore"
	"nuha.dev/locwatch/internal/store/impl/memstore"
	"nuha.dev/locwatch/internal/store/impl/pgstore"
	"nuha.dev/locwatch/internal/store/migrations"
	"nuha.dev/locwatch/internal/tracking"
	"nuha.dev/locwatch/internal/webapp"
	"nuha.dev/locwatch/internal/webapp/webstream"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	writer := cfg.logWriter()
	cfg.setupLogging(writer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus, err := events.NewBus(1)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to create event bus")
	}
	bus.AuditLog()

	var (
		dir       identity.Directory
		locations location.Repository
		sessions  auth.SessionStore
		db        *pgxpool.Pool
	)
	if cfg.DbUrl != "" {
		err = retry.Do(func() error {
			var err error
			db, err = pgxpool.Connect(ctx, cfg.DbUrl)
			return err
		},
			retry.Context(ctx),
			retry.Attempts(10),
			retry.Delay(time.Second),
			retry.OnRetry(func(n uint, err error) {
				log.Warn().Err(err).Uint("attempt", n).Msg("database not ready")
			}),
		)
		if err != nil {
			log.Fatal().Err(err).Msg("unable to connect to database")
		}
		defer db.Close()
		if err = migrations.Up(ctx, cfg.DbUrl); err != nil {
			log.Fatal().Err(err).Msg("migration failed")
		}
		dir = pgstore.NewDirectory(db)
		locations = pgstore.NewLocations(db)
		sessions = pgstore.NewSessions(db)
	} else {
		log.Warn().Msg("no db_url, state is kept in memory")
		dir = memstore.NewDirectory()
		locations = memstore.NewLocations()
		sessions = memstore.NewSessions()
	}

	core := tracking.New(dir, locations, bus)
	authsvc := auth.New(dir, sessions, auth.Config{SessionLength: cfg.SessionLength})
	if cfg.AdminEmail != "" {
		if err = authsvc.Bootstrap(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
			log.Fatal().Err(err).Msg("unable to bootstrap admin")
		}
	}

	p := pool.New().WithContext(ctx).WithCancelOnError()

	if cfg.Archive {
		var archive store.Archive
		if db != nil {
			pga := pgstore.NewArchive(db, "location_history", &pgstore.ArchiveConfig{})
			p.Go(pga.Run)
			archive = pga
		} else {
			archive = logstore.NewStore(zerolog.New(writer).With().Timestamp().Str("module", "archive").Logger())
		}
		bus.Handle("archive", "^location\\.changed$", func(ctx context.Context, e events.Event) {
			if rec, ok := e.Data.(location.Record); ok {
				archive.Put(rec)
			}
		})
	}

	if cfg.NatsUrl != "" {
		nc, err := nats.Connect(cfg.NatsUrl, nats.Name("locwatch"), nats.MaxReconnects(-1))
		if err != nil {
			log.Fatal().Err(err).Msg("unable to connect to nats")
		}
		defer nc.Close()
		bridge := natsbridge.New(nc, core, cfg.NatsPrefix)
		bridge.Republish = cfg.NatsRepublish
		if err = bridge.Start(bus); err != nil {
			log.Fatal().Err(err).Msg("unable to start nats bridge")
		}
		defer bridge.Stop()
	}

	api := webapp.NewApi(core, authsvc, &webapp.ApiConfig{
		ListenAddr:   cfg.ApiAddress,
		VerifyCSRF:   cfg.VerifyCSRF,
		CookieDomain: cfg.CookieDomain,
		DeviceKey:    cfg.DeviceKey,
	})
	p.Go(api.Run)

	ws, err := webstream.NewWebstream(core, authsvc, webstream.WebStreamConfig{ListenAddr: cfg.WsAddress})
	if err != nil {
		log.Fatal().Err(err).Msg("unable to create websocket server")
	}
	p.Go(ws.Run)

	devices := devicesrv.NewServer(core, &devicesrv.ServerConfig{
		ListenerAddr: cfg.DeviceAddress,
		TunnelAddr:   cfg.TunnelAddress,
		TunnelToken:  cfg.TunnelToken,
		TunnelCert:   cfg.TunnelCert,
		TunnelKey:    cfg.TunnelKey,
		DeviceKey:    cfg.DeviceKey,
	})
	p.Go(devices.Run)
	if cfg.TunnelAddress != "" {
		p.Go(devices.RunTunnel)
	}

	if err = p.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
	log.Info().Msg("bye")
}
