package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ezquery/internal/chromemdb"
	"ezquery/internal/config"
	"ezquery/internal/db"
	"ezquery/internal/export"
	"ezquery/internal/helper"
	"ezquery/internal/models"
	"ezquery/internal/server"
)

const configFilePath = "./configs/config.yaml"

func main() {
	var (
		configPath string
		jsonLogs   bool
		cfg        *config.Config
	)

	rootCmd := &cobra.Command{
		Use:           "ezquery",
		Short:         "Ask questions about a SQL database through a vector index",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if os.Getenv("LOG_FORMAT") == "json" {
				jsonLogs = true
			}
			if err := setupLogger(cfg.LogLevel, jsonLogs); err != nil {
				return err
			}
			return cfg.Validate()
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", configFilePath, "Config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json", false, "Log as JSON instead of console output")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve POST /ingest and POST /query over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg)
		},
	}

	var workbook string
	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "Snapshot the database into the vector collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ingest(cmd.Context(), cfg, workbook)
		},
	}
	ingestCmd.Flags().StringVar(&workbook, "from-xlsx", "", "Read the snapshot from an exported workbook instead of the database")

	var (
		showContext bool
		topK        int
	)
	queryCmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Answer a question from the ingested collection",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return query(cmd.Context(), cfg, strings.Join(args, " "), topK, showContext)
		},
	}
	queryCmd.Flags().BoolVar(&showContext, "show-context", false, "Print the retrieved chunks before the answer")
	queryCmd.Flags().IntVar(&topK, "top-k", 0, "Number of chunks to retrieve (default from config)")

	var (
		outPath     string
		vectorsPath string
		key         string
	)
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write the database snapshot to an xlsx workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			return exportSnapshot(cmd.Context(), cfg, outPath, vectorsPath, key)
		},
	}
	exportCmd.Flags().StringVar(&outPath, "out", "snapshot.xlsx", "Workbook path")
	exportCmd.Flags().StringVar(&vectorsPath, "vectors", "", "Also back up the chromem collection to this file")
	exportCmd.Flags().StringVar(&key, "key", "", "32 byte key to encrypt the vector backup")

	dropCmd := &cobra.Command{
		Use:   "drop",
		Short: "Delete the vector collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return drop(cmd.Context(), cfg)
		},
	}

	rootCmd.AddCommand(serveCmd, ingestCmd, queryCmd, exportCmd, dropCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("ezquery failed")
	}
}

func setupLogger(level string, jsonLogs bool) error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return models.NewError(models.ErrConfiguration, "log level", err)
	}
	zerolog.SetGlobalLevel(lvl)

	if jsonLogs {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()
		return nil
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Caller().Logger()
	return nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}

	srv := server.New(a.pipeline,
		server.WithAddr(cfg.Server.Addr),
		server.WithHealth(a.health()),
	)
	h := server.NewShutdownHandler(&server.ShutdownConfig{Timeout: cfg.Server.ShutdownTimeout})
	a.registerShutdown(h, srv)
	h.Start()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err = <-errCh:
		h.Shutdown()
	case <-h.Done():
	}
	h.Wait()
	return err
}

func ingest(ctx context.Context, cfg *config.Config, workbook string) error {
	a, err := newApp(ctx, cfg, appOptions{workbook: workbook})
	if err != nil {
		return err
	}
	defer a.close(ctx)

	start := time.Now()
	report, err := a.pipeline.Ingest(ctx)
	if err != nil {
		return err
	}
	log.Info().
		Int("tables", report.Tables).
		Int("chunks", report.Chunks).
		Str("collection", report.Collection).
		Dur("took", time.Since(start)).
		Msg("ingest complete")
	helper.PrettyPrint(report)
	return nil
}

func query(ctx context.Context, cfg *config.Config, question string, topK int, showContext bool) error {
	a, err := newApp(ctx, cfg, appOptions{topK: topK})
	if err != nil {
		return err
	}
	defer a.close(ctx)

	if showContext {
		k := cfg.RAG.TopK
		if topK > 0 {
			k = topK
		}
		hits, err := a.pipeline.Retrieve(ctx, question, k)
		if err != nil {
			return err
		}
		log.Info().Msg("Source: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
		for i, hit := range hits {
			fmt.Printf("[%d] score=%.4f id=%s\n%s\n\n", i+1, hit.Score, hit.ID, hit.Text)
		}
	}

	answer, err := a.pipeline.Answer(ctx, question)
	if err != nil {
		return err
	}
	log.Info().Msg("Assistant: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n", answer)
	return nil
}

func exportSnapshot(ctx context.Context, cfg *config.Config, outPath, vectorsPath, key string) error {
	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.close(ctx)

	tables, err := db.NewSnapshotReader(a.source, cfg.Database.Schema).ReadTables(ctx)
	if err != nil {
		return err
	}
	if err := export.SaveWorkbook(tables, outPath); err != nil {
		return err
	}

	if vectorsPath == "" {
		return nil
	}
	store, ok := a.store.(*chromemdb.Store)
	if !ok {
		return models.Errorf(models.ErrConfiguration, "export vectors",
			"vector backups need the chromem store, configured store is %q", cfg.VectorStore.Provider)
	}
	if key == "" {
		key = cfg.VectorStore.EncryptionKey
	}
	path, err := store.Export(ctx, vectorsPath, key, cfg.RAG.Collection)
	if err != nil {
		return err
	}
	log.Info().Str("vectors", path).Bool("encrypted", key != "").Msg("vector backup written")
	return nil
}

func drop(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.close(ctx)

	if err := a.store.DropCollection(ctx, cfg.RAG.Collection); err != nil {
		return err
	}
	log.Info().Str("collection", cfg.RAG.Collection).Msg("collection dropped")
	return nil
}
