// Command capi-api runs the Submission API: the HTTP surface teams use to
// submit Vulnerability Discovery / Generated Patch claims and poll their
// status.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/aixcc-finals/capi-scoring/pkg/api"
	"github.com/aixcc-finals/capi-scoring/pkg/artifact"
	"github.com/aixcc-finals/capi-scoring/pkg/audit"
	"github.com/aixcc-finals/capi-scoring/pkg/auth"
	"github.com/aixcc-finals/capi-scoring/pkg/config"
	"github.com/aixcc-finals/capi-scoring/pkg/cpregistry"
	"github.com/aixcc-finals/capi-scoring/pkg/log"
	"github.com/aixcc-finals/capi-scoring/pkg/queue"
	"github.com/aixcc-finals/capi-scoring/pkg/store"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "capi-api",
		Short: "Run the Submission API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to config.yaml (defaults to "+config.DefaultPath+")")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		log.Logger.Fatal().Err(err).Msg("capi-api exited with error")
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
	logger := log.WithComponent("capi-api")

	s, err := store.Open(cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.ConnMaxLifetime)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	if err := auth.Seed(ctx, s, cfg.Auth.Preload, cfg.Auth.Admins); err != nil {
		return fmt.Errorf("seed auth tokens: %w", err)
	}

	registry, err := cpregistry.Load(cfg.CPRoot)
	if err != nil {
		return fmt.Errorf("load challenge problem registry: %w", err)
	}

	artifacts, err := buildArtifactStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build artifact store: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	auditSink := audit.Sink(audit.NewRedisSink(redisClient))

	server := api.NewServer(&api.Server{
		Store:              s,
		Registry:           registry,
		Artifacts:          artifacts,
		AuditSink:          auditSink,
		Queue:              queue.New(redisClient),
		Auth:               auth.New(s),
		Workers:            cfg.API.Workers,
		RunID:              cfg.RunID,
		MockMode:           cfg.MockMode,
		RejectDuplicateVDS: cfg.Scoring.RejectDuplicateVDS,
		RemoteContainer:    cfg.Artifact.RemoteContainer,
	})

	logger.Info().Str("addr", cfg.API.ListenAddr).Bool("mock_mode", cfg.MockMode).Msg("starting submission api")
	return server.Start(ctx, cfg.API.ListenAddr)
}

func buildArtifactStore(ctx context.Context, cfg *config.Config) (artifact.Store, error) {
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
