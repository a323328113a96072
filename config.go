/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	bind           string
	leaseTTL       time.Duration
	logFormat      string
	logLevel       string
	playerTimeout  time.Duration
	port           int
	prefix         string
	profile        bool
	redisURL       string
	rounds         int
	sessionTimeout time.Duration
	startDelay     time.Duration
	tlsCert        string
	tlsKey         string
	verbose        bool
	version        bool

	log *zap.Logger
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if _, err := zapcore.ParseLevel(c.logLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.logLevel, err)
	}
	if c.logFormat != "json" && c.logFormat != "console" {
		return fmt.Errorf("invalid log format (must be json or console): %q", c.logFormat)
	}
	if c.rounds < 1 {
		return fmt.Errorf("invalid round limit (must be at least 1): %d", c.rounds)
	}
	if c.startDelay < 0 {
		return fmt.Errorf("invalid start delay (must not be negative): %s", c.startDelay)
	}
	if c.playerTimeout <= 0 {
		return fmt.Errorf("invalid player timeout (must be positive): %s", c.playerTimeout)
	}
	if c.leaseTTL < time.Second {
		return fmt.Errorf("invalid lease ttl (must be at least 1s): %s", c.leaseTTL)
	}
	if c.redisURL != "" && !strings.HasPrefix(c.redisURL, "redis://") && !strings.HasPrefix(c.redisURL, "rediss://") {
		return fmt.Errorf("invalid redis url (must start with redis:// or rediss://): %q", c.redisURL)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("GUESSPARTY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "guessparty",
		Short:         "Round-based guessing party games, served over websockets.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: GUESSPARTY_BIND)")
	fs.DurationVar(&cfg.leaseTTL, "lease-ttl", 30*time.Second, "how long a process owns a room without renewing (env: GUESSPARTY_LEASE_TTL)")
	fs.StringVar(&cfg.logFormat, "log-format", "console", "log output format, json or console (env: GUESSPARTY_LOG_FORMAT)")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "minimum log level (env: GUESSPARTY_LOG_LEVEL)")
	fs.DurationVar(&cfg.playerTimeout, "player-timeout", time.Minute, "time a disconnected player keeps their seat (env: GUESSPARTY_PLAYER_TIMEOUT)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: GUESSPARTY_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: GUESSPARTY_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: GUESSPARTY_PROFILE)")
	fs.StringVar(&cfg.redisURL, "redis-url", "", "redis server shared by all instances; empty runs standalone (env: GUESSPARTY_REDIS_URL)")
	fs.IntVar(&cfg.rounds, "rounds", 10, "rounds per game (env: GUESSPARTY_ROUNDS)")
	fs.DurationVar(&cfg.sessionTimeout, "session-timeout", 60*time.Minute, "time before idle rooms are closed (env: GUESSPARTY_SESSION_TIMEOUT)")
	fs.DurationVar(&cfg.startDelay, "start-delay", time.Second, "pause between start and the first round (env: GUESSPARTY_START_DELAY)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: GUESSPARTY_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: GUESSPARTY_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "log at debug level (env: GUESSPARTY_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: GUESSPARTY_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("guessparty v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
