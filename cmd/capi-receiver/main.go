// Command capi-receiver runs the two background subscribers that fold
// Redis-published events back into durable state: the Audit Receiver
// (channel:audit -> append-only audit log file) and the Result Receiver
// (channel:results -> VDS/GP row status updates and archived CP output).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aixcc-finals/capi-scoring/pkg/artifact"
	"github.com/aixcc-finals/capi-scoring/pkg/audit"
	"github.com/aixcc-finals/capi-scoring/pkg/config"
	"github.com/aixcc-finals/capi-scoring/pkg/log"
	"github.com/aixcc-finals/capi-scoring/pkg/resultsbus"
	"github.com/aixcc-finals/capi-scoring/pkg/store"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "capi-receiver",
		Short: "Run the audit and result bus receivers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to config.yaml (defaults to "+config.DefaultPath+")")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		log.Logger.Fatal().Err(err).Msg("capi-receiver exited with error")
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSONOutput,
	})
	logger := log.WithComponent("capi-receiver")

	s, err := store.Open(cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.ConnMaxLifetime)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	logPath := auditLogPath(cfg)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return fmt.Errorf("create audit log dir: %w", err)
	}
	auditFileSink, err := audit.NewFileSink(logPath)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	auditReceiver := audit.NewReceiver(redisClient, auditFileSink)

	artifacts, err := buildArtifactStore(cfg)
	if err != nil {
		return fmt.Errorf("build artifact store: %w", err)
	}
	resultReceiver := resultsbus.NewReceiver(redisClient, s, artifacts, cfg.Artifact.FlatfileOutputDir)

	logger.Info().Msg("starting audit and result receivers")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return auditReceiver.Run(gctx) })
	g.Go(func() error { return resultReceiver.Run(gctx) })
	return g.Wait()
}

func auditLogPath(cfg *config.Config) string {
	if cfg.Artifact.FlatfileOutputDir == "" {
		return "/var/lib/capi/audit.log"
	}
	return cfg.Artifact.FlatfileOutputDir + "/audit.log"
}

func buildArtifactStore(cfg *config.Config) (artifact.Store, error) {
	if cfg.Artifact.AzureAccountURL == "" {
		return artifact.NewLocalStore(cfg.Artifact.LocalDir)
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("create azure credential: %w", err)
	}
	client, err := azblob.NewClient(cfg.Artifact.AzureAccountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create azure blob client: %w", err)
	}
	return artifact.NewAzureStore(client, cfg.Artifact.RemoteContainer, cfg.Artifact.SASTokenTTL), nil
}
