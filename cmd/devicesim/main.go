package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/phuslu/log"
	"github.com/spf13/pflag"
)

func main() {
	addr := pflag.StringP("address", "a", "localhost:7000", "device server address")
	device := pflag.StringP("device", "d", "", "trackable id")
	key := pflag.StringP("key", "k", "", "device key")
	interval := pflag.Duration("interval", 5*time.Second, "time between reports")
	count := pflag.IntP("count", "n", 0, "reports to send, 0 runs until interrupted")
	lat := pflag.Float64("lat", -6.2, "start latitude")
	lon := pflag.Float64("lon", 106.8, "start longitude")
	debug := pflag.Bool("debug", false, "debug logging")
	pflag.Parse()

	log.DefaultLogger.Writer = &log.ConsoleWriter{ColorOutput: true}
	log.DefaultLogger.Level = log.InfoLevel
	if *debug {
		log.DefaultLogger.Level = log.DebugLevel
	}
	if *device == "" {
		log.Fatal().Msg("--device is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c, err := net.DialTimeout("tcp", *addr, 5*time.Second)
	if err != nil {
		log.Fatal().Err(err).Str("address", *addr).Msg("unable to connect")
	}
	defer c.Close()

	s := &sim{
		deviceId: *device,
		key:      *key,
		interval: *interval,
		count:    *count,
		walk:     &walker{lat: *lat, lon: *lon, radius: 0.001},
		log:      log.DefaultLogger,
	}
	n, err := s.run(ctx, c)
	if err != nil {
		log.Error().Err(err).Int("acked", n).Msg("simulation stopped")
		os.Exit(1)
	}
	log.Info().Int("acked", n).Msg("done")
}
