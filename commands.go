package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gamma-omg/pivot-rag/docstore"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const maxReportErrors = 10

type rootOptions struct {
	cfgPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:          "pivot-rag",
		Short:        "Document ingestion and reranked retrieval over a vector store",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.cfgPath, "config", "cfg/config.yaml", "Configuration file")

	root.AddCommand(newServeCmd(opts), newIngestCmd(opts), newSearchCmd(opts))
	return root
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var reset bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the optional MCP server and the optional directory watcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, opts.cfgPath, reset)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.serve(ctx)
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "Drop and recreate the vector collection before starting")

	return cmd
}

func (a *app) serve(ctx context.Context) error {
	if a.cfg.Watch {
		if err := a.registry.Watch(ctx, a.cfg.DocRoot, ""); err != nil {
			return err
		}
		go func() {
			if _, err := a.registry.IngestDirectory(ctx, a.cfg.DocRoot, DefaultScanPattern, ""); err != nil {
				a.log.Error("initial sync failed", slog.Any("error", err))
			}
		}()
	}

	api := &HTTPServer{
		log:       a.log,
		registry:  a.registry,
		retriever: a.retriever,
		store:     a.store,
		info:      a.info,
		limiter:   rate.NewLimiter(rate.Limit(a.cfg.SearchRate), max(a.cfg.SearchBurst, 1)),
	}
	if p, ok := a.embedder.(pinger); ok {
		api.embedModel = p
	}
	if p, ok := a.reranker.(pinger); ok {
		api.rerankModel = p
	}
	httpSrv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var sse *server.SSEServer
	if a.cfg.ServerAddr != "" {
		sse = server.NewSSEServer(NewRagServer(a.retriever, a.registry),
			server.WithBaseURL(fmt.Sprintf("http://%s", a.cfg.ServerAddr)))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("http server listening", slog.String("addr", a.cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	if sse != nil {
		g.Go(func() error {
			a.log.Info("mcp server listening", slog.String("addr", a.cfg.ServerAddr))
			if err := sse.Start(a.cfg.ServerAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("mcp server failed: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		errs := []error{httpSrv.Shutdown(shutdownCtx)}
		if sse != nil {
			errs = append(errs, sse.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func newIngestCmd(opts *rootOptions) *cobra.Command {
	var (
		pattern    string
		collection string
		reset      bool
	)

	cmd := &cobra.Command{
		Use:   "ingest [dir]",
		Short: "Ingest every matching file under a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, opts.cfgPath, reset)
			if err != nil {
				return err
			}
			defer a.Close()

			dir := a.cfg.DocRoot
			if len(args) == 1 {
				dir = args[0]
			}

			outcomes, err := a.registry.IngestDirectory(ctx, dir, pattern, collection)
			if err != nil {
				return err
			}

			printSummary(cmd.OutOrStdout(), summarize(outcomes))
			return nil
		},
	}
	cmd.Flags().StringVar(&pattern, "pattern", DefaultScanPattern, "Glob over slash separated relative paths")
	cmd.Flags().StringVar(&collection, "collection", "", "Logical collection, defaults to the configured one")
	cmd.Flags().BoolVar(&reset, "reset", false, "Drop and recreate the vector collection first")

	return cmd
}

func printSummary(w io.Writer, s scanResponse) {
	fmt.Fprintf(w, "Processed %d files: %d ingested, %d skipped, %d errors.\n",
		s.Total, s.Ingested, s.Skipped, len(s.Errors))

	for i, e := range s.Errors {
		if i == maxReportErrors {
			fmt.Fprintf(w, "  ... and %d more\n", len(s.Errors)-maxReportErrors)
			break
		}
		fmt.Fprintf(w, "  %s: %s\n", e.File, e.Error)
	}
}

func newSearchCmd(opts *rootOptions) *cobra.Command {
	var (
		topK       int
		collection string
		expr       string
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the index and print reranked results as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if topK < 1 || topK > maxTopK {
				return fmt.Errorf("--top-k must be between 1 and %d", maxTopK)
			}

			filter, err := docstore.ParseFilter(expr)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), opts.cfgPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.retriever.Search(cmd.Context(), SearchRequest{
				Query:      args[0],
				TopK:       topK,
				Collection: collection,
				Filter:     filter,
			})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"results": res})
		},
	}
	cmd.Flags().IntVar(&topK, "top-k", DefaultTopK, "Number of results")
	cmd.Flags().StringVar(&collection, "collection", "", "Restrict to one logical collection")
	cmd.Flags().StringVar(&expr, "expr", "", "Metadata filter expression")

	return cmd
}
