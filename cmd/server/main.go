package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	zerologlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/quizwire/quizwire/internal/config"
	"github.com/quizwire/quizwire/internal/game"
	"github.com/quizwire/quizwire/internal/pack"
	"github.com/quizwire/quizwire/internal/server"
	quizsignal "github.com/quizwire/quizwire/internal/signal"
)

const version = "0.1.0"

func main() {
	cfg := &config.Config{}
	cobra.CheckErr(newCmd(cfg).Execute())
}

func newCmd(cfg *config.Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("QUIZWIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "quizwire",
		Short:         "Host-authoritative real-time quiz session server.",
		Args:          cobra.ExactArgs(0),
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&cfg.Bind, "bind", "b", "0.0.0.0", "address to bind to (env: QUIZWIRE_BIND)")
	fs.IntVarP(&cfg.Port, "port", "p", 8080, "port to listen on (env: QUIZWIRE_PORT)")
	fs.StringVar(&cfg.PublicURL, "public-url", "", "external base URL for join links and QR codes (env: QUIZWIRE_PUBLIC_URL)")
	fs.StringVar(&cfg.PackDir, "pack-dir", "", "directory of question pack JSON files (env: QUIZWIRE_PACK_DIR)")
	fs.StringVar(&cfg.PackBaseURL, "pack-base-url", "", "remote pack registry base URL (env: QUIZWIRE_PACK_BASE_URL)")
	fs.DurationVar(&cfg.CountdownTime, "countdown-time", 3*time.Second, "countdown before the first question (env: QUIZWIRE_COUNTDOWN_TIME)")
	fs.DurationVar(&cfg.QuestionTime, "question-time", 20*time.Second, "submission window per question (env: QUIZWIRE_QUESTION_TIME)")
	fs.IntVar(&cfg.BaseAward, "base-award", 100, "points per correct answer (env: QUIZWIRE_BASE_AWARD)")
	fs.DurationVar(&cfg.ReconnectTimeout, "reconnect-timeout", 30*time.Second, "time before a dropped link is marked lost (env: QUIZWIRE_RECONNECT_TIMEOUT)")
	fs.DurationVar(&cfg.SessionTimeout, "session-timeout", 60*time.Minute, "time before idle sessions are ended, 0 disables (env: QUIZWIRE_SESSION_TIMEOUT)")
	fs.DurationVar(&cfg.SignalTTL, "signal-ttl", 4*time.Hour, "lifetime of signaling state per room (env: QUIZWIRE_SIGNAL_TTL)")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", false, "enable debug logging (env: QUIZWIRE_VERBOSE)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetVersionTemplate("quizwire v{{.Version}}\n")

	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	zerolog.TimeFieldFormat = time.RFC3339
	cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	zerologlog.Logger = zerologlog.Output(cw)
	if cfg.Verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()

	providers := pack.Multi{}
	if cfg.PackDir != "" {
		providers = append(providers, pack.NewDirProvider(cfg.PackDir))
	}
	if cfg.PackBaseURL != "" {
		providers = append(providers, pack.NewHTTPProvider(cfg.PackBaseURL))
	}
	providers = append(providers, pack.Builtin())

	rm := game.NewRoomManager(providers, clock, game.Options{
		ReconnectTimeout:     cfg.ReconnectTimeout,
		IdleTimeout:          cfg.SessionTimeout,
		DefaultCountdownTime: int(cfg.CountdownTime / time.Second),
		DefaultQuestionTime:  int(cfg.QuestionTime / time.Second),
		DefaultBaseAward:     cfg.BaseAward,
	})
	go rm.Reap(ctx)

	signals := quizsignal.NewStore(clock, cfg.SignalTTL)
	go signals.Reap(ctx)

	zerologlog.Info().Str("version", version).Msg("quizwire starting")
	return server.New(*cfg, rm, signals).Run(ctx)
}
