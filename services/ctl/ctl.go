// Package ctl implements the artdbctl maintenance commands.
package ctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"artdb/internal/bootstrap"
	"artdb/pkg/catalog"
	"artdb/pkg/config"
	"artdb/pkg/db"
	"artdb/pkg/vectorindex"
	"artdb/services/ingest"
	"artdb/services/snapshot"
)

var errStop = errors.New("stop")

// Runtime lazily builds what the commands need from configuration.
type Runtime struct {
	Load   func(ctx context.Context) (config.Config, error)
	Logger zerolog.Logger

	cfg      *config.Config
	pipeline *bootstrap.Pipeline
}

func (rt *Runtime) Config(ctx context.Context) (config.Config, error) {
	if rt.cfg != nil {
		return *rt.cfg, nil
	}
	load := rt.Load
	if load == nil {
		load = config.Load
	}
	cfg, err := load(ctx)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	rt.cfg = &cfg
	return cfg, nil
}

// Pipeline returns the shared image pipeline, building it on first use.
func (rt *Runtime) Pipeline(ctx context.Context) (*bootstrap.Pipeline, error) {
	if rt.pipeline != nil {
		return rt.pipeline, nil
	}
	cfg, err := rt.Config(ctx)
	if err != nil {
		return nil, err
	}
	p, err := bootstrap.NewPipeline(cfg, rt.Logger)
	if err != nil {
		return nil, err
	}
	rt.pipeline = p
	return p, nil
}

// NewRootCommand assembles the artdbctl command tree.
func NewRootCommand(rt *Runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "artdbctl",
		Short:         "Maintenance utility for the artdb vector index",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newSchemaCommand(rt))
	cmd.AddCommand(newBackfillCommand(rt))
	cmd.AddCommand(newExportCommand(rt))
	cmd.AddCommand(newImportCommand(rt))
	cmd.AddCommand(newGetCommand(rt))
	cmd.AddCommand(newDeleteCommand(rt))
	cmd.AddCommand(newListCommand(rt))
	return cmd
}

func newSchemaCommand(rt *Runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Vector index schema operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var recreate bool
	create := &cobra.Command{
		Use:   "create",
		Short: "Create the artworks class when it does not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := rt.Pipeline(cmd.Context())
			if err != nil {
				return err
			}
			dialer, ok := p.Dialer.(*vectorindex.WeaviateDialer)
			if !ok {
				return errors.New("schema management requires the weaviate backend")
			}
			created, err := dialer.EnsureSchema(cmd.Context(), recreate)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintln(cmd.OutOrStdout(), "created artworks class")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "artworks class already exists")
			}
			return nil
		},
	}
	create.Flags().BoolVar(&recreate, "recreate", false, "Drop the class and every record in it first")

	cmd.AddCommand(create)
	return cmd
}

func newBackfillCommand(rt *Runtime) *cobra.Command {
	var batchSize int

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Index every artwork that has a picture but no vector record",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := rt.Config(ctx)
			if err != nil {
				return err
			}
			p, err := rt.Pipeline(ctx)
			if err != nil {
				return err
			}

			pool, err := db.Open(ctx, cfg.DBDSN)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()

			ledger, err := catalog.NewIndexLedger(pool)
			if err != nil {
				return err
			}
			backfiller, err := ingest.NewBackfiller(p.Ingest, ledger, rt.Logger)
			if err != nil {
				return err
			}

			report, err := backfiller.Run(ctx, batchSize)
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d, failed %d\n", report.Indexed, report.Failed)
			return err
		},
	}

	cmd.Flags().IntVar(&batchSize, "batch-size", 50, "Artworks loaded per catalog query")
	return cmd
}

func newExportCommand(rt *Runtime) *cobra.Command {
	var (
		output   string
		pageSize int
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Dump the vector index to a signed tar.zst snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := snapshot.NewSignerFromEnv()
			if err != nil {
				return err
			}
			cfg, err := rt.Config(cmd.Context())
			if err != nil {
				return err
			}
			p, err := rt.Pipeline(cmd.Context())
			if err != nil {
				return err
			}
			manifest, err := snapshot.Export(cmd.Context(), snapshot.ExportConfig{
				Source:   p.Gateway,
				Output:   output,
				Class:    cfg.Weaviate.Class,
				Signer:   signer,
				PageSize: pageSize,
				Logger:   rt.Logger,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote snapshot %s (%d records)\n", output, manifest.Records)
			return nil
		},
	}

	cmd.Flags().StringVar(&output, "output", "", "Destination snapshot file (tar.zst)")
	cmd.Flags().IntVar(&pageSize, "page-size", 100, "Records fetched per index request")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newImportCommand(rt *Runtime) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Restore a signed snapshot into the vector index",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := snapshot.NewSignerFromEnv()
			if err != nil {
				return err
			}
			p, err := rt.Pipeline(cmd.Context())
			if err != nil {
				return err
			}
			manifest, report, err := snapshot.Import(cmd.Context(), snapshot.ImportConfig{
				Path:   file,
				Target: p.Gateway,
				Signer: signer,
				Logger: rt.Logger,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "verified snapshot signed at %s\n", manifest.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d, unconfirmed %d\n", report.Imported, report.Unconfirmed)
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Path to the snapshot tar.zst")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newGetCommand(rt *Runtime) *cobra.Command {
	var withImage bool

	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Print one vector record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := rt.Pipeline(cmd.Context())
			if err != nil {
				return err
			}
			rec, err := p.Gateway.Get(cmd.Context(), strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			if !withImage {
				rec.Image = ""
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}

	cmd.Flags().BoolVar(&withImage, "with-image", false, "Include the base64 image blob")
	return cmd
}

func newDeleteCommand(rt *Runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove one vector record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := rt.Pipeline(cmd.Context())
			if err != nil {
				return err
			}
			id := strings.TrimSpace(args[0])
			if err := p.Gateway.Delete(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
			return nil
		},
	}
}

func newListCommand(rt *Runtime) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List vector records in id order",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := rt.Pipeline(cmd.Context())
			if err != nil {
				return err
			}
			return listRecords(cmd.Context(), p.Gateway, cmd.OutOrStdout(), limit)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Stop after this many records (0 lists all)")
	return cmd
}

type iterator interface {
	Iterate(ctx context.Context, pageSize int, fn func(vectorindex.Record) error) error
}

func listRecords(ctx context.Context, src iterator, out io.Writer, limit int) error {
	n := 0
	err := src.Iterate(ctx, 100, func(rec vectorindex.Record) error {
		if limit > 0 && n >= limit {
			return errStop
		}
		n++
		_, err := fmt.Fprintf(out, "%s\tartwork=%d\tauthor=%d\n", rec.ID, rec.ArtworkID, rec.AuthorID)
		return err
	})
	if err != nil && !errors.Is(err, errStop) {
		return err
	}
	fmt.Fprintf(out, "%d records\n", n)
	return nil
}

// Execute runs the command tree with a context cancelled on SIGINT/SIGTERM
// by the caller.
func Execute(ctx context.Context, rt *Runtime) {
	if err := NewRootCommand(rt).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
