package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/osgrep/osgrep-core/internal/metacache"
	"github.com/osgrep/osgrep-core/internal/osgrep"
	"github.com/osgrep/osgrep-core/internal/projectpaths"
	"github.com/osgrep/osgrep-core/internal/retriever"
	"github.com/osgrep/osgrep-core/internal/storage"
	"github.com/osgrep/osgrep-core/internal/syncer"
	"github.com/osgrep/osgrep-core/internal/workerpool"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Printf("osgrep\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Build Time: %s\n", buildTime)
		fmt.Printf("Build Mode: %s\n", storage.BuildMode)
		fmt.Printf("SQLite Driver: %s\n", storage.DriverName)
		fmt.Printf("Vector Extension: %v\n", storage.VectorExtensionAvailable)
		os.Exit(0)
	}

	log.SetOutput(os.Stderr)

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: osgrep <sync|search> [flags]")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "sync":
		err = runSync(os.Args[2:])
	case "search":
		err = runSearch(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "osgrep: unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("osgrep: %v", err)
	}
}

// openProject resolves the project root, lays out its .osgrep directory,
// and opens the storage + metadata cache + worker pool every subcommand
// needs. Callers must call the returned closer once done.
func openProject(ctx context.Context) (projectpaths.Layout, storage.Storage, *metacache.Cache, *workerpool.Pool, func(), error) {
	cwd, err := os.Getwd()
	if err != nil {
		return projectpaths.Layout{}, nil, nil, nil, nil, fmt.Errorf("getwd: %w", err)
	}
	root, err := projectpaths.FindRoot(cwd)
	if err != nil {
		return projectpaths.Layout{}, nil, nil, nil, nil, err
	}
	layout, err := projectpaths.EnsureLayout(root)
	if err != nil {
		return projectpaths.Layout{}, nil, nil, nil, nil, err
	}

	cfg, err := osgrep.NewFromEnv()
	if err != nil {
		return projectpaths.Layout{}, nil, nil, nil, nil, err
	}

	dbPath := filepath.Join(layout.LanceDir, "osgrep.db")
	store, err := storage.Open(ctx, dbPath)
	if err != nil {
		return projectpaths.Layout{}, nil, nil, nil, nil, err
	}

	cache, err := metacache.New(store, cfg.VectorCacheMax)
	if err != nil {
		store.Close()
		return projectpaths.Layout{}, nil, nil, nil, nil, err
	}

	pool := workerpool.New(cfg, workerpool.ExecSpawner())
	if err := pool.Start(ctx); err != nil {
		store.Close()
		return projectpaths.Layout{}, nil, nil, nil, nil, err
	}

	closer := func() {
		pool.Shutdown()
		store.Close()
	}
	return layout, store, cache, pool, closer, nil
}

func runSync(args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	concurrency := fs.Int("concurrency", 8, "max files dispatched to the worker pool at once")
	fs.Parse(args)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notifyShutdown(cancel)

	layout, store, cache, pool, closer, err := openProject(ctx)
	if err != nil {
		return err
	}
	defer closer()

	lock, err := projectpaths.Acquire(layout)
	if err != nil {
		return err
	}
	defer lock.Release()

	s := syncer.New(layout.Root, store, cache, pool, *concurrency)
	result, err := s.Run(ctx)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	log.Printf("sync: processed=%d indexed=%d total=%d complete=%v",
		result.Processed, result.Indexed, result.Total, result.Complete)
	return nil
}

func runSearch(args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	k := fs.Int("k", 10, "number of results to return")
	pathPrefix := fs.String("path-prefix", "", "restrict results to paths under this prefix")
	format := fs.String("format", "tsv", "output format: tsv or json")
	fs.Parse(args)

	if fs.NArg() < 1 {
		return fmt.Errorf("search: query text required")
	}
	query := fs.Arg(0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notifyShutdown(cancel)

	_, store, _, pool, closer, err := openProject(ctx)
	if err != nil {
		return err
	}
	defer closer()

	r := retriever.New(store, pool)
	results, err := r.Search(ctx, retriever.Query{Text: query, K: *k, PathPrefix: *pathPrefix})
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	switch *format {
	case "json":
		raw, err := retriever.SerializeJSON(results)
		if err != nil {
			return err
		}
		os.Stdout.Write(raw)
		fmt.Println()
	default:
		fmt.Print(retriever.SerializeTSV(results))
	}
	return nil
}

func notifyShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("received signal %v, shutting down gracefully...", sig)
		cancel()
	}()
}
