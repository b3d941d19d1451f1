// Command mnemod runs the semantic memory daemon: a persistent store of
// learning records extracted from coding sessions, deduplicated by meaning
// and queryable by similarity over a local HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mnemod/mnemod/config"
	"github.com/mnemod/mnemod/memory"
	"github.com/mnemod/mnemod/memory/embedder/mock"
	"github.com/mnemod/mnemod/memory/embedder/ollama"
	"github.com/mnemod/mnemod/memory/embedder/openai"
	chromemindex "github.com/mnemod/mnemod/memory/index/chromem"
	"github.com/mnemod/mnemod/memory/store/sqlite"
	"github.com/mnemod/mnemod/server"
)

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("mnemod exited")
	}
}

func run() error {
	cfg := config.Load()

	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	store, err := sqlite.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	defer store.Close()
	log.WithField("path", cfg.StorePath).Info("record store open")

	index, err := chromemindex.New()
	if err != nil {
		return fmt.Errorf("create similarity index: %w", err)
	}

	embedder, err := buildEmbedder(cfg)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"provider":   cfg.Embedder,
		"dimensions": embedder.Dimensions(),
	}).Info("embedding provider ready")

	svc := memory.NewService(store, index, embedder, memory.ServiceConfig{
		AdmissionThreshold: cfg.AdmissionThreshold,
		DedupThreshold:     cfg.DedupThreshold,
		SimilarityWeight:   cfg.SimilarityWeight,
		ConfidenceWeight:   cfg.ConfidenceWeight,
		EmbedTimeout:       cfg.EmbedTimeout,
		MergeLockTimeout:   5 * time.Second,
		UnhealthyAfter:     cfg.UnhealthyAfter,
	}, log)

	n, err := svc.RebuildIndex(context.Background())
	if err != nil {
		return fmt.Errorf("rebuild similarity index: %w", err)
	}
	log.WithField("records", n).Info("similarity index rebuilt")

	srv := server.New(svc, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Listen(cfg.Addr())
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	}

	if err := srv.Shutdown(10 * time.Second); err != nil {
		log.WithError(err).Warn("shutdown incomplete")
	}
	return nil
}

// buildEmbedder constructs the configured provider, wrapped in the
// ristretto embedding cache unless caching is disabled.
func buildEmbedder(cfg *config.Config) (memory.Embedder, error) {
	var (
		inner memory.Embedder
		err   error
	)
	switch cfg.Embedder {
	case "mock":
		inner = mock.New()
	case "ollama":
		inner, err = ollama.New(cfg.EmbedderURL, cfg.EmbedderModel, cfg.EmbedderDims)
	case "openai":
		inner, err = openai.New(cfg.EmbedderAPIKey, cfg.EmbedderURL, cfg.EmbedderModel, cfg.EmbedderDims)
	case "onnx":
		inner, err = newONNXEmbedder(cfg)
	default:
		return nil, fmt.Errorf("unknown embedder %q (want mock, ollama, openai or onnx)", cfg.Embedder)
	}
	if err != nil {
		return nil, fmt.Errorf("build %s embedder: %w", cfg.Embedder, err)
	}

	if cfg.EmbedCacheItems <= 0 {
		return inner, nil
	}
	cached, err := memory.NewCachedEmbedder(inner, cfg.EmbedCacheItems)
	if err != nil {
		return nil, fmt.Errorf("build embedding cache: %w", err)
	}
	return cached, nil
}
