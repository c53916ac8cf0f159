// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/poiesic/docgraph"
	"github.com/poiesic/docgraph/core"
	"github.com/poiesic/docgraph/crawl"
	"github.com/poiesic/docgraph/embed"
	"github.com/poiesic/docgraph/fetch"
	"github.com/poiesic/docgraph/mq"
	"github.com/poiesic/docgraph/mq/badgermq"
	"github.com/poiesic/docgraph/search"
	"github.com/urfave/cli/v2"
)

func main() {
	dataFlag := &cli.StringFlag{
		Name:     "data",
		Aliases:  []string{"d"},
		Usage:    "Path to the data directory",
		Required: true,
	}
	embeddingFlags := []cli.Flag{
		&cli.StringFlag{
			Name:  "embedding-host",
			Usage: "Embedding service host URL",
			Value: "http://localhost:11434/v1",
		},
		&cli.StringFlag{
			Name:  "embedding-model",
			Usage: "Embedding model name",
			Value: "embeddinggemma",
		},
		&cli.StringFlag{
			Name:  "embedding-token",
			Usage: "Embedding service API token",
			Value: "none",
		},
	}

	app := &cli.App{
		Name:  "docgraph",
		Usage: "Document graph crawler and retrieval engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:      "crawl",
				Usage:     "Crawl the link graph from a seed URL",
				ArgsUsage: "<seed-url>",
				Action:    crawlCommand,
				Flags: append([]cli.Flag{
					dataFlag,
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Concurrent fetch units per frontier level",
						Value: 4,
					},
					&cli.IntFlag{
						Name:  "chunk-size",
						Usage: "Words per embedded chunk",
						Value: embed.DefaultChunkSize,
					},
					&cli.DurationFlag{
						Name:  "embed-timeout",
						Usage: "How long to wait for embedding work to drain",
						Value: 5 * time.Minute,
					},
				}, embeddingFlags...),
			},
			{
				Name:   "search",
				Usage:  "Query the document graph",
				Action: searchCommand,
				Flags: append([]cli.Flag{
					dataFlag,
					&cli.StringFlag{Name: "text", Usage: "Match against document bodies"},
					&cli.StringFlag{Name: "title", Usage: "Match against titles"},
					&cli.StringFlag{Name: "author", Usage: "Match against authors"},
					&cli.StringSliceFlag{Name: "category", Usage: "Restrict to categories (webpage, arxiv, thread)"},
					&cli.BoolFlag{Name: "bookmarked", Usage: "Only bookmarked documents"},
					&cli.BoolFlag{Name: "unread", Usage: "Only unread documents"},
					&cli.StringFlag{Name: "similar-to", Usage: "Rank by similarity to this text"},
					&cli.StringFlag{Name: "similar-to-doc", Usage: "Rank by similarity to this document id"},
					&cli.IntFlag{Name: "count", Usage: "Logical posts per page", Value: search.DefaultCount},
					&cli.IntFlag{Name: "offset", Usage: "Rank position to start from"},
					&cli.BoolFlag{Name: "desc", Usage: "Newest first"},
				}, embeddingFlags...),
			},
			{
				Name:      "show",
				Usage:     "Show one document with its resolved links and backlinks",
				ArgsUsage: "<document-id>",
				Action:    showCommand,
				Flags:     []cli.Flag{dataFlag},
			},
			{
				Name:      "delete",
				Usage:     "Delete a document (a thread's original post takes its fragments with it)",
				ArgsUsage: "<document-id>",
				Action:    deleteCommand,
				Flags:     []cli.Flag{dataFlag},
			},
			{
				Name:      "mark",
				Usage:     "Flip read or bookmark flags on a document",
				ArgsUsage: "<document-id>",
				Action:    markCommand,
				Flags: []cli.Flag{
					dataFlag,
					&cli.BoolFlag{Name: "read"},
					&cli.BoolFlag{Name: "unread"},
					&cli.BoolFlag{Name: "bookmark"},
					&cli.BoolFlag{Name: "unbookmark"},
				},
			},
			{
				Name:   "reindex",
				Usage:  "Rebuild the search index from the document store",
				Action: reindexCommand,
				Flags:  []cli.Flag{dataFlag},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func embedConfig(c *cli.Context) *embed.Config {
	return embed.NewConfig(
		embed.WithHost(c.String("embedding-host")),
		embed.WithModel(c.String("embedding-model")),
		embed.WithToken(c.String("embedding-token")),
	)
}

func openEngine(c *cli.Context, opts ...docgraph.EngineOption) (*docgraph.Engine, error) {
	engine, err := docgraph.Open(c.String("data"), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open data directory: %w", err)
	}
	return engine, nil
}

func crawlCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("exactly one seed URL is required")
	}
	seed := c.Args().First()
	ctx := context.Background()

	config := embedConfig(c)
	engine, err := openEngine(c, docgraph.WithEmbedConfig(config))
	if err != nil {
		return err
	}
	defer engine.Close()

	broker, err := badgermq.Open(filepath.Join(c.String("data"), "queue"), false)
	if err != nil {
		return fmt.Errorf("failed to open message broker: %w", err)
	}
	defer broker.Close()

	embedQueue, err := broker.Queue(crawl.EmbedQueue)
	if err != nil {
		return err
	}

	registry := fetch.NewDefaultRegistry(nil, nil)
	server, err := engine.NewCrawlServer(registry, embedQueue,
		crawl.WithStorePoolSize(c.Int("workers")))
	if err != nil {
		return err
	}
	defer server.Release()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rpcServer, err := mq.NewRPCServer(broker, crawl.RequestQueue, server.Handler())
	if err != nil {
		return err
	}
	go func() {
		if err := rpcServer.Run(runCtx); err != nil {
			slog.Error("rpc server stopped", "err", err)
		}
	}()

	worker := engine.NewEmbedWorker(embedQueue, crawl.WithChunkSize(c.Int("chunk-size")))
	go func() {
		if err := worker.Run(runCtx); err != nil {
			slog.Error("embed worker stopped", "err", err)
		}
	}()

	// Broker connections go through the pool so concurrent crawls share a
	// bounded connection set.
	pool := mq.NewPool(func(ctx context.Context) (mq.Conn, error) {
		return broker.Connect()
	})
	defer pool.Close()

	conn, err := pool.Get(ctx)
	if err != nil {
		return err
	}
	defer pool.Put(conn)

	client, err := mq.NewRPCClient(conn, crawl.RequestQueue)
	if err != nil {
		return err
	}
	defer client.Close()

	processor, err := crawl.NewProcessor(client,
		crawl.WithWorkers(c.Int("workers")),
		crawl.WithCanonicalizer(registry.Canonicalize))
	if err != nil {
		return err
	}
	defer processor.Release()

	urls, err := processor.Process(ctx, seed, config.Model)
	if err != nil {
		return fmt.Errorf("crawl failed: %w", err)
	}
	for _, url := range urls {
		fmt.Println(url)
	}

	fmt.Fprintf(os.Stderr, "crawled %d urls, waiting for embedding work\n", len(urls))
	if err := waitForEmbeddings(ctx, engine, urls, config.Model, c.Duration("embed-timeout")); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	return nil
}

// waitForEmbeddings polls until every crawled document with text carries
// an embedding for the model, or the timeout elapses.
func waitForEmbeddings(ctx context.Context, engine *docgraph.Engine, urls []string, modelID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	repo := engine.Repository()
	for time.Now().Before(deadline) {
		pending := 0
		for _, url := range urls {
			doc, err := repo.FromURL(ctx, url)
			if err != nil || doc.Text == "" {
				continue
			}
			if !doc.IsEmbedded(modelID) {
				pending++
			}
		}
		if pending == 0 {
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("embedding work did not drain within %s", timeout)
}

func searchCommand(c *cli.Context) error {
	engine, err := openEngine(c, docgraph.WithEmbedConfig(embedConfig(c)))
	if err != nil {
		return err
	}
	defer engine.Close()

	categories := make([]core.Category, 0, len(c.StringSlice("category")))
	for _, cat := range c.StringSlice("category") {
		categories = append(categories, core.Category(cat))
	}

	query := &search.Query{
		Text:                 c.String("text"),
		Title:                c.String("title"),
		Author:               c.String("author"),
		Categories:           categories,
		Bookmarked:           c.Bool("bookmarked"),
		Unread:               c.Bool("unread"),
		VectorSearch:         c.String("similar-to"),
		VectorSearchDocument: c.String("similar-to-doc"),
		Count:                c.Int("count"),
		Offset:               c.Int("offset"),
		Desc:                 c.Bool("desc"),
	}

	results, err := engine.Search(context.Background(), query)
	if err != nil {
		return err
	}
	return printJSON(results)
}

func showCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("exactly one document id is required")
	}
	engine, err := openEngine(c)
	if err != nil {
		return err
	}
	defer engine.Close()

	view, err := engine.Document(context.Background(), c.Args().First())
	if err != nil {
		return err
	}
	return printJSON(view)
}

func deleteCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("exactly one document id is required")
	}
	engine, err := openEngine(c)
	if err != nil {
		return err
	}
	defer engine.Close()

	return engine.Delete(context.Background(), c.Args().First())
}

func markCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("exactly one document id is required")
	}
	if c.Bool("read") && c.Bool("unread") {
		return fmt.Errorf("--read and --unread are mutually exclusive")
	}
	if c.Bool("bookmark") && c.Bool("unbookmark") {
		return fmt.Errorf("--bookmark and --unbookmark are mutually exclusive")
	}

	engine, err := openEngine(c)
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx := context.Background()
	id := c.Args().First()
	if c.Bool("read") || c.Bool("unread") {
		if err := engine.SetRead(ctx, id, c.Bool("read")); err != nil {
			return err
		}
	}
	if c.Bool("bookmark") || c.Bool("unbookmark") {
		if err := engine.SetBookmarked(ctx, id, c.Bool("bookmark")); err != nil {
			return err
		}
	}
	return nil
}

func reindexCommand(c *cli.Context) error {
	engine, err := openEngine(c)
	if err != nil {
		return err
	}
	defer engine.Close()

	return engine.RebuildIndex(context.Background())
}

func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func setupLogger(c *cli.Context) error {
	levelStr := strings.ToLower(c.String("log-level"))

	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	return nil
}
