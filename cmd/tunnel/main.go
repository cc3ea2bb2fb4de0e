package main

import (
	"context"
	"crypto/tls"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	listen := pflag.String("listen", ":5555", "address devices connect to")
	server := pflag.String("server", "localhost:7001", "tunnel address of the locwatch server")
	token := pflag.String("token", "", "token for tunnel auth")
	useTLS := pflag.Bool("tls", false, "dial the server with tls")
	insecure := pflag.Bool("insecure", false, "skip server certificate verification")
	debug := pflag.Bool("debug", false, "debug logging")
	pflag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	config := gatewayConfig{ListenAddr: *listen, ServerAddr: *server, Token: *token}
	if *useTLS {
		config.TLS = &tls.Config{InsecureSkipVerify: *insecure}
	}
	g := newGateway(config, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", config.ListenAddr)
	if err != nil {
		logger.Fatal().Err(err).Msg("unable to listen")
	}
	logger.Info().Str("listen", config.ListenAddr).Str("server", config.ServerAddr).Msg("starting gateway")
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go func() {
		_ = g.serve(ln)
	}()

	for ctx.Err() == nil {
		err = retry.Do(func() error {
			_, err := g.connect(ctx)
			return err
		},
			retry.Context(ctx),
			retry.Attempts(0),
			retry.Delay(2*time.Second),
			retry.DelayType(retry.FixedDelay),
			retry.OnRetry(func(n uint, err error) {
				logger.Warn().Err(err).Uint("attempt", n).Msg("tunnel connect failed, retrying")
			}),
		)
		if err != nil {
			break
		}
		session := g.current()
		if session == nil {
			continue
		}
		select {
		case <-session.CloseChan():
			logger.Warn().Msg("tunnel closed, reconnecting")
		case <-ctx.Done():
			session.Close()
		}
	}
	logger.Info().Msg("gateway stopped")
}
