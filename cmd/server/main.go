package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/good-yellow-bee/kycstream/internal/api"
	"github.com/good-yellow-bee/kycstream/internal/api/health"
	"github.com/good-yellow-bee/kycstream/internal/audit"
	"github.com/good-yellow-bee/kycstream/internal/auth"
	"github.com/good-yellow-bee/kycstream/internal/broker"
	"github.com/good-yellow-bee/kycstream/internal/ingest"
	"github.com/good-yellow-bee/kycstream/internal/metrics"
	"github.com/good-yellow-bee/kycstream/internal/ws"
	"github.com/good-yellow-bee/kycstream/pkg/config"
)

var (
	configFile string
	envFile    string
	httpAddr   string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "kycstream-server",
	Short: "kycstream - real-time compliance alert broker",
	Long: `kycstream authenticates long-lived stream connections per wallet,
fans compliance alerts out to them, and replays recent alerts to late joiners.`,
	RunE: runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("kycstream-server %s\n", config.Version)
		fmt.Printf("  commit: %s\n", config.Commit)
		fmt.Printf("  built:  %s\n", config.BuildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (optional)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.PersistentFlags().StringVarP(&httpAddr, "address", "a", "", "HTTP listen address (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load env file: %w", err)
		}
	}

	cfg, err := LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Override with CLI flags
	if httpAddr != "" {
		cfg.Server.HTTPAddress = httpAddr
	}
	if verbose {
		cfg.Verbose = true
	}

	metrics.SetBuildInfo(config.Version, config.Commit, config.BuildTime)

	auditLog, auditDB, err := openAudit(cfg.Audit)
	if err != nil {
		return err
	}
	defer func() {
		if err := auditLog.Close(); err != nil {
			log.Printf("close audit log: %v", err)
		}
	}()

	subjects, err := auth.NewSubjectValidator(cfg.Auth.SubjectPattern)
	if err != nil {
		return fmt.Errorf("create subject validator: %w", err)
	}
	lockout := auth.NewLockoutTracker(cfg.Auth.LockoutThreshold, cfg.durations.lockoutDuration, nil)
	gate := auth.NewGate(auth.NewTokenValidator([]byte(cfg.JWTSecret), cfg.Auth.Issuer), subjects, lockout, auditLog)

	brokerCfg := cfg.brokerConfig()
	brokerCfg.Subjects = subjects
	brokerCfg.Audit = auditLog
	b := broker.New(brokerCfg)

	stream := ws.NewHandler(gate, b, ws.Config{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		WriteTimeout:   cfg.durations.writeTimeout,
		TrustProxy:     cfg.Server.TrustProxy,
		Verbose:        cfg.Verbose,
	})

	srv, err := api.New(&api.Config{
		Address:         cfg.Server.HTTPAddress,
		TLSEnabled:      cfg.Server.TLS.Enabled,
		TLSCertFile:     cfg.Server.TLS.CertFile,
		TLSKeyFile:      cfg.Server.TLS.KeyFile,
		TrustProxy:      cfg.Server.TrustProxy,
		HandshakeRate:   cfg.Auth.HandshakeRate,
		HandshakeBurst:  cfg.Auth.HandshakeBurst,
		ShutdownTimeout: cfg.durations.shutdownTimeout,
		Verbose:         cfg.Verbose,
	}, b, gate, stream)
	if err != nil {
		return fmt.Errorf("create HTTP server: %w", err)
	}
	if auditDB != nil {
		srv.RegisterHealthChecker(health.NewPingChecker("audit", auditDB))
	}

	// Setup signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("received signal %v, shutting down...", sig)
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Ingest.Redis.Enabled {
		src, err := ingest.NewRedisSource(ingest.RedisConfig{
			Addr:     cfg.Ingest.Redis.Addr,
			Password: cfg.Ingest.Redis.Password,
			DB:       cfg.Ingest.Redis.DB,
			Channel:  cfg.Ingest.Redis.Channel,
		}, b, cfg.Verbose)
		if err != nil {
			return fmt.Errorf("create redis ingest: %w", err)
		}
		defer src.Close()
		srv.RegisterHealthChecker(health.NewPingChecker("redis", src))
		g.Go(func() error { return src.Run(gctx) })
	}

	if cfg.Ingest.Kafka.Enabled {
		src, err := ingest.NewKafkaSource(ingest.KafkaConfig{
			Brokers:  cfg.Ingest.Kafka.Brokers,
			Group:    cfg.Ingest.Kafka.Group,
			Topic:    cfg.Ingest.Kafka.Topic,
			ClientID: config.ClientID("kycstream-server"),
			Version:  cfg.Ingest.Kafka.Version,
		}, b)
		if err != nil {
			return fmt.Errorf("create kafka ingest: %w", err)
		}
		defer src.Close()
		srv.RegisterHealthChecker(health.NewPingChecker("kafka", src))
		g.Go(func() error { return src.Run(gctx) })
	}

	if cfg.Server.MetricsAddress != "-" {
		metricsSrv := metrics.NewServer(cfg.Server.MetricsAddress)
		g.Go(func() error { return metricsSrv.Run(gctx) })
	}

	g.Go(func() error { return b.Run(gctx) })
	g.Go(func() error {
		lockout.Run(gctx, time.Minute)
		return nil
	})
	g.Go(func() error { return srv.Run(gctx) })

	log.Printf("starting kycstream-server %s", config.Version)
	log.Printf("stale threshold %v, queue capacity %d, overflow policy %s",
		brokerCfg.StaleThreshold, brokerCfg.QueueCapacity, brokerCfg.OverflowPolicy)

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run server: %w", err)
	}

	log.Printf("server stopped")
	return nil
}

// openAudit builds the audit logger from the configured sinks. The SQLite
// sink is returned separately for readiness checks.
func openAudit(cfg AuditConfig) (*audit.Logger, *audit.SQLiteSink, error) {
	var sinks []audit.Sink
	var db *audit.SQLiteSink

	if cfg.JSONPath != "" {
		sink, err := audit.NewJSONSink(cfg.JSONPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open audit log: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if cfg.SQLitePath != "" {
		sink, err := audit.OpenSQLiteSink(cfg.SQLitePath)
		if err != nil {
			for _, s := range sinks {
				s.Close()
			}
			return nil, nil, fmt.Errorf("open audit database: %w", err)
		}
		sinks = append(sinks, sink)
		db = sink
	}

	if len(sinks) == 0 {
		return audit.Nop(), nil, nil
	}
	return audit.New(sinks...), db, nil
}
