// Package main provides the entry point for the mmsearch retrieval demo.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/mmsearch/internal/config"
	"github.com/thebtf/mmsearch/internal/dataset"
	"github.com/thebtf/mmsearch/internal/embedding"
	"github.com/thebtf/mmsearch/internal/inference"
	"github.com/thebtf/mmsearch/internal/pipeline"
	"github.com/thebtf/mmsearch/internal/privacy"
	"github.com/thebtf/mmsearch/internal/report"
	"github.com/thebtf/mmsearch/internal/reranking"
)

var Version = "dev"

func main() {
	// Parse flags
	var opts options
	fs := newFlagSet(os.Args[0], flag.ExitOnError, &opts)
	_ = fs.Parse(os.Args[1:])

	// Setup logging - stdout carries the report, so log to stderr
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if opts.debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: opts.noColor})

	if opts.noColor {
		color.NoColor = true
	}

	if opts.listBackends {
		for _, b := range inference.ListBackends() {
			marker := " "
			if b.Default {
				marker = "*"
			}
			images := "text only"
			if b.Images {
				images = "text+image"
			}
			fmt.Printf("%s %-8s %-10s %s\n", marker, b.Name, images, b.Description)
		}
		return
	}

	cfg, err := loadConfig(&opts, fs)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	// The first signal cancels the run, including model loading; a second one
	// falls through to the default handler and exits immediately.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		stop()
	}()

	log.Debug().
		Str("version", Version).
		Str("backend", cfg.Backend).
		Str("inference_url", privacy.RedactURL(cfg.InferenceURL)).
		Str("embed_model", cfg.EmbedModel).
		Str("rerank_model", cfg.RerankModel).
		Int("top_k", cfg.TopK).
		Msg("Starting mmsearch")

	if err := run(ctx, cfg, !opts.noColor); err != nil {
		log.Fatal().Err(err).Msg("Retrieval failed")
	}
}

// run loads the dataset and models, runs the pipeline and prints the report.
// Models are closed before it returns.
func run(ctx context.Context, cfg *config.Config, colored bool) error {
	ds := dataset.Demo()
	if cfg.DatasetPath != "" {
		loaded, err := dataset.Load(cfg.DatasetPath)
		if err != nil {
			return fmt.Errorf("load dataset: %w", err)
		}
		ds = loaded
	}

	pooling, err := embedding.ParsePooling(cfg.Pooling)
	if err != nil {
		return err
	}

	embedModel, err := inference.Open(ctx, cfg, cfg.EmbedModel)
	if err != nil {
		return fmt.Errorf("load embedding model: %w", err)
	}
	embedder := embedding.NewService(embedModel, pooling)
	defer func() {
		if err := embedder.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close embedding model")
		}
	}()

	rerankModel, err := inference.Open(ctx, cfg, cfg.RerankModel)
	if err != nil {
		return fmt.Errorf("load reranker model: %w", err)
	}
	reranker := reranking.NewService(rerankModel)
	defer func() {
		if err := reranker.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close reranker model")
		}
	}()

	renderer := report.NewRenderer(os.Stdout, colored)
	if err := renderer.Loading(deviceLabel(embedder.Device(), reranker.Device())); err != nil {
		return err
	}

	p := pipeline.New(embedder, reranker, cfg.TopK)
	reports, err := p.Run(ctx, ds.Queries, ds.Documents)
	if err != nil {
		return err
	}

	return renderer.Render(reports)
}

// deviceLabel collapses the two model devices into one banner value.
func deviceLabel(embed, rerank string) string {
	if strings.EqualFold(embed, rerank) {
		return embed
	}
	return fmt.Sprintf("embed=%s, rerank=%s", embed, rerank)
}
