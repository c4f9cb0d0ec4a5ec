package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/sessium/sessiond"
	"github.com/sessium/sessiond/internal/connector"
	"github.com/sessium/sessiond/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("SESSIOND_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "sessiond")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg sessiond.Config

	cmd := &cobra.Command{
		Use:           "sessiond",
		Short:         "sessiond multiplexes lease-guarded messaging sessions over a shared key-value store",
		SilenceErrors: true,
		Example: `
  # In-memory store (single process, dev only)
  sessiond --store mem://

  # Disk store shared over a mounted volume, metrics on :9641
  sessiond --store disk:///var/lib/sessiond --metrics-listen :9641

  # Same via environment
  SESSIOND_STORE=disk:///var/lib/sessiond SESSIOND_METRICS_LISTEN=:9641 sessiond
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			cliLogger.Info("welcome to sessiond", "pid", os.Getpid(), "uid", os.Getuid(), "gid", os.Getgid())

			bindConfig(&cfg)
			cfg.Logger = logger
			dialer, err := selectDialer(viper.GetString("connector"))
			if err != nil {
				return err
			}
			cfg.Dialer = dialer

			server, err := sessiond.NewServer(cfg)
			if err != nil {
				return err
			}
			if err := server.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}

	flags := cmd.Flags()
	flags.String("store", sessiond.DefaultStore, "shared store URL (mem://, disk:///path)")
	flags.String("connector", "loopback", "connector implementation (loopback; real connectors are linked in by embedding builds)")
	flags.String("metrics-listen", sessiond.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.Duration("lock-ttl", sessiond.DefaultLockTTL, "session lease TTL in the shared store")
	flags.Duration("lock-renew-interval", sessiond.DefaultLockRenewInterval, "lease renew cadence (must be below lock-ttl)")
	flags.Duration("reconnect-min-delay", sessiond.DefaultReconnectMinDelay, "initial reconnect backoff delay")
	flags.Duration("reconnect-max-delay", sessiond.DefaultReconnectMaxDelay, "reconnect backoff cap")
	flags.Float64("reconnect-jitter", sessiond.DefaultReconnectJitter, "random extra reconnect delay as a fraction of the backoff (0 disables)")
	flags.Int("restore-scan-page-size", sessiond.DefaultRestoreScanPageSize, "keys fetched per restore-scan page")
	flags.Int("restore-retries", sessiond.DefaultRestoreRetries, "retries per restored session when its lock is contended")
	flags.Duration("restore-retry-delay", sessiond.DefaultRestoreRetryDelay, "wait between restore lock-contention retries")
	flags.Duration("restore-startup-delay", sessiond.DefaultRestoreStartupDelay, "delay before the automatic startup restore scan")
	flags.Bool("no-startup-restore", false, "skip the automatic restore scan on start")
	flags.Int("storage-retry-attempts", sessiond.DefaultStorageRetryMaxAttempts, "maximum storage retry attempts")
	flags.Duration("storage-retry-base-delay", sessiond.DefaultStorageRetryBaseDelay, "initial backoff for storage retries")
	flags.Duration("storage-retry-max-delay", sessiond.DefaultStorageRetryMaxDelay, "maximum backoff delay for storage retries")
	flags.Float64("storage-retry-multiplier", sessiond.DefaultStorageRetryMultiplier, "backoff multiplier for storage retries")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	viper.SetEnvPrefix("SESSIOND")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"store", "connector", "metrics-listen",
		"lock-ttl", "lock-renew-interval",
		"reconnect-min-delay", "reconnect-max-delay", "reconnect-jitter",
		"restore-scan-page-size", "restore-retries", "restore-retry-delay", "restore-startup-delay", "no-startup-restore",
		"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier",
		"log-level",
	}
	for _, name := range names {
		var flag *pflag.Flag
		if flag = flags.Lookup(name); flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	return cmd
}

func bindConfig(cfg *sessiond.Config) {
	cfg.Store = viper.GetString("store")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.LockTTL = viper.GetDuration("lock-ttl")
	cfg.LockRenewInterval = viper.GetDuration("lock-renew-interval")
	cfg.ReconnectMinDelay = viper.GetDuration("reconnect-min-delay")
	cfg.ReconnectMaxDelay = viper.GetDuration("reconnect-max-delay")
	cfg.ReconnectJitter = viper.GetFloat64("reconnect-jitter")
	cfg.RestoreScanPageSize = viper.GetInt("restore-scan-page-size")
	cfg.RestoreRetries = viper.GetInt("restore-retries")
	cfg.RestoreRetryDelay = viper.GetDuration("restore-retry-delay")
	cfg.RestoreStartupDelay = viper.GetDuration("restore-startup-delay")
	cfg.DisableStartupRestore = viper.GetBool("no-startup-restore")
	cfg.StorageRetryMaxAttempts = viper.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = viper.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = viper.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = viper.GetFloat64("storage-retry-multiplier")
}

func selectDialer(name string) (connector.Dialer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "loopback":
		return &connector.LoopbackDialer{}, nil
	default:
		return nil, fmt.Errorf("unknown connector %q", name)
	}
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
