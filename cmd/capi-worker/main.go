// Command capi-worker dequeues VDS/GP jobs and runs them to a verdict
// against CP workspaces.
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

	"github.com/aixcc-finals/capi-scoring/pkg/artifact"
	"github.com/aixcc-finals/capi-scoring/pkg/audit"
	"github.com/aixcc-finals/capi-scoring/pkg/config"
	"github.com/aixcc-finals/capi-scoring/pkg/cpregistry"
	"github.com/aixcc-finals/capi-scoring/pkg/gphandler"
	"github.com/aixcc-finals/capi-scoring/pkg/log"
	"github.com/aixcc-finals/capi-scoring/pkg/queue"
	"github.com/aixcc-finals/capi-scoring/pkg/resultsbus"
	"github.com/aixcc-finals/capi-scoring/pkg/store"
	"github.com/aixcc-finals/capi-scoring/pkg/vdshandler"
	"github.com/aixcc-finals/capi-scoring/pkg/worker"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "capi-worker",
		Short: "Run a scoring job worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to config.yaml (defaults to "+config.DefaultPath+")")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		log.Logger.Fatal().Err(err).Msg("capi-worker exited with error")
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
	logger := log.WithComponent("capi-worker").With().Str("worker_id", cfg.Worker.ID).Logger()

	s, err := store.Open(cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.ConnMaxLifetime)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	registry, err := cpregistry.Load(cfg.CPRoot)
	if err != nil {
		return fmt.Errorf("load challenge problem registry: %w", err)
	}

	artifacts, err := buildArtifactStore(cfg)
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
	results := resultsbus.NewPublisher(redisClient)

	vds := &vdshandler.Handler{
		Store:              s,
		Registry:           registry,
		Artifacts:          artifacts,
		AuditSink:          auditSink,
		Results:            results,
		TempRoot:           cfg.TempDir,
		RejectDuplicateVDS: cfg.Scoring.RejectDuplicateVDS,
	}
	gp := &gphandler.Handler{
		Store:     s,
		Registry:  registry,
		Artifacts: artifacts,
		AuditSink: auditSink,
		Results:   results,
		TempRoot:  cfg.TempDir,
	}

	w := worker.New(worker.Config{
		ID:          cfg.Worker.ID,
		WorkerQueue: cfg.Worker.ID,
		Concurrency: cfg.Worker.Concurrency,
	}, queue.New(redisClient), vds, gp)

	logger.Info().Msg("starting worker")
	return w.Run(ctx)
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
