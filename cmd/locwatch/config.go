package main

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/phuslu/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

type config struct {
	DbUrl         string
	ApiAddress    string
	WsAddress     string
	DeviceAddress string
	TunnelAddress string
	TunnelToken   string
	TunnelCert    string
	TunnelKey     string
	NatsUrl       string
	NatsPrefix    string
	NatsRepublish bool
	DeviceKey     string
	CookieDomain  string
	VerifyCSRF    bool
	SessionLength time.Duration
	AdminEmail    string
	AdminPassword string
	Archive       bool
	LogLevel      string
	LogFile       string
}

// loadConfig reads flags, then LOCWATCH_* env vars, then an optional .env.
func loadConfig(args []string) (*config, error) {
	_ = godotenv.Load()

	fs := pflag.NewFlagSet("locwatch", pflag.ContinueOnError)
	fs.String("db_url", "", "postgres url, empty keeps everything in memory")
	fs.String("api_address", ":3333", "http api listen address")
	fs.String("ws_address", ":3334", "websocket listen address")
	fs.String("device_address", ":7000", "device tcp listen address")
	fs.String("tunnel_address", "", "tunnel gateway listen address, empty disables")
	fs.String("tunnel_token", "", "token gateways must present")
	fs.String("tunnel_cert", "", "tls certificate file for the tunnel listener")
	fs.String("tunnel_key", "", "tls key file for the tunnel listener")
	fs.String("nats_url", "", "nats server url, empty disables the bridge")
	fs.String("nats_prefix", "locwatch", "nats subject prefix")
	fs.Bool("nats_republish", false, "publish accepted locations to <prefix>.<id>.changed")
	fs.String("device_key", "", "shared key for devices without a session")
	fs.String("cookie_domain", "", "domain of the session cookies")
	fs.Bool("verify_csrf", true, "require the xsrf header for cookie sessions")
	fs.Duration("session_length", 24*time.Hour, "session lifetime")
	fs.String("admin_email", "", "bootstrap admin email")
	fs.String("admin_password", "", "bootstrap admin password")
	fs.Bool("archive", true, "keep location history")
	fs.String("log_level", "info", "trace, debug, info, warn or error")
	fs.String("log_file", "", "log to a rotated file instead of stderr")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("LOCWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}

	return &config{
		DbUrl:         v.GetString("db_url"),
		ApiAddress:    v.GetString("api_address"),
		WsAddress:     v.GetString("ws_address"),
		DeviceAddress: v.GetString("device_address"),
		TunnelAddress: v.GetString("tunnel_address"),
		TunnelToken:   v.GetString("tunnel_token"),
		TunnelCert:    v.GetString("tunnel_cert"),
		TunnelKey:     v.GetString("tunnel_key"),
		NatsUrl:       v.GetString("nats_url"),
		NatsPrefix:    v.GetString("nats_prefix"),
		NatsRepublish: v.GetBool("nats_republish"),
		DeviceKey:     v.GetString("device_key"),
		CookieDomain:  v.GetString("cookie_domain"),
		VerifyCSRF:    v.GetBool("verify_csrf"),
		SessionLength: v.GetDuration("session_length"),
		AdminEmail:    v.GetString("admin_email"),
		AdminPassword: v.GetString("admin_password"),
		Archive:       v.GetBool("archive"),
		LogLevel:      v.GetString("log_level"),
		LogFile:       v.GetString("log_file"),
	}, nil
}

// logWriter returns the rotated file writer when a log file is set.
func (c *config) logWriter() io.Writer {
	if c.LogFile == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   c.LogFile,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	}
}

// setupLogging must run before any component copies log.DefaultLogger.
func (c *config) setupLogging(w io.Writer) {
	log.DefaultLogger.Level = log.ParseLevel(c.LogLevel)
	if w == os.Stderr {
		log.DefaultLogger.Writer = &log.ConsoleWriter{ColorOutput: true}
		return
	}
	log.DefaultLogger.Writer = &log.IOWriter{Writer: w}
}
