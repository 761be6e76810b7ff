package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/llama_manager/internal/config"
	"github.com/italolelis/llama_manager/internal/downloader"
	"github.com/italolelis/llama_manager/internal/event"
	"github.com/italolelis/llama_manager/internal/hf"
	"github.com/italolelis/llama_manager/internal/logctx"
	"github.com/italolelis/llama_manager/internal/storage"
	"github.com/italolelis/llama_manager/internal/variant"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

const maxParallelLookups = 4

func variantsCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:      "variants",
		Usage:     "list the downloadable GGUF variants of one or more models",
		ArgsUsage: "<owner/repo>...",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "token", Usage: "hub token, overrides HF_TOKEN"},
		},
		Action: func(c *cli.Context) error {
			ids := c.Args().Slice()
			if len(ids) == 0 {
				return cli.Exit("at least one model id is required", 2)
			}

			hub := hf.NewClient(cfg.HFBaseURL, cfg.HFToken, cfg.HFTimeout)

			variants, err := lookupVariants(c.Context, hub, ids, c.String("token"))
			if err != nil {
				return err
			}

			return printVariants(c.App.Writer, ids, variants)
		},
	}
}

// lookupVariants lists the files of every model concurrently.
func lookupVariants(ctx context.Context, hub *hf.Client, ids []string, token string) ([][]variant.Variant, error) {
	results := make([][]variant.Variant, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelLookups)

	for i, id := range ids {
		g.Go(func() error {
			files, err := hub.ListFiles(gctx, id, token)
			if err != nil {
				return fmt.Errorf("failed to list files of %s: %w", id, err)
			}

			results[i] = hf.Variants(files)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

func printVariants(w io.Writer, ids []string, variants [][]variant.Variant) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	for i, id := range ids {
		fmt.Fprintf(tw, "%s\n", id)

		if len(variants[i]) == 0 {
			fmt.Fprintf(tw, "  no GGUF files\n")
		}

		for _, v := range variants[i] {
			size := "unknown"
			if v.TotalSize != nil {
				size = humanize.Bytes(uint64(*v.TotalSize))
			}

			fmt.Fprintf(tw, "  %s\t%s\t%d file(s)\n", v.Label, size, len(v.Files))
		}
	}

	return tw.Flush()
}

func downloadCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:      "download",
		Usage:     "download the files of one variant, printing events as JSON lines",
		ArgsUsage: "<owner/repo>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "file", Usage: "member file, repeat for every shard", Required: true},
			&cli.StringFlag{Name: "label", Usage: "variant label, defaults to the first file"},
			&cli.StringFlag{Name: "token", Usage: "hub token, overrides HF_TOKEN"},
		},
		Action: func(c *cli.Context) error {
			modelID := c.Args().First()
			if modelID == "" {
				return cli.Exit("a model id is required", 2)
			}

			svc, err := buildServices(c.Context, cfg, nil)
			if err != nil {
				return err
			}
			defer svc.Close()

			token := c.String("token")
			if token == "" {
				token = cfg.HFToken
			}

			req := downloader.VariantRequest{
				ModelID: modelID,
				Label:   c.String("label"),
				Files:   c.StringSlice("file"),
				Token:   token,
			}

			return runDownload(c.Context, svc.downloader, req, event.NewJSONLinesWriter(c.App.Writer))
		},
	}
}

// runDownload renders the events of one download on w. Interrupting ctx
// cancels the download.
func runDownload(ctx context.Context, d *downloader.Downloader, req downloader.VariantRequest, w event.Writer) error {
	stream := event.NewStream(0)

	produceCtx, cancel := event.WithDisconnect(ctx, stream)
	defer cancel()

	result := make(chan error, 1)

	go func() {
		defer stream.Close()

		result <- d.Download(produceCtx, req, stream)
	}()

	if err := event.Pump(ctx, stream, w); err != nil && !errors.Is(err, context.Canceled) {
		logctx.LoggerFromContext(ctx).Error("failed to write event", "err", err)
	}

	return <-result
}

func historyCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "show recent variant downloads",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Value: 20, Usage: "number of records"},
			&cli.StringFlag{Name: "model", Usage: "only downloads of this model"},
		},
		Action: func(c *cli.Context) error {
			svc, err := buildServices(c.Context, cfg, nil)
			if err != nil {
				return err
			}
			defer svc.Close()

			var records []storage.DownloadRecord

			if model := c.String("model"); model != "" {
				records, err = svc.history.ForModel(c.Context, model, c.Int("limit"))
			} else {
				records, err = svc.history.Recent(c.Context, c.Int("limit"))
			}

			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FINISHED\tMODEL\tLABEL\tSTATUS\tSIZE")

			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					humanize.Time(r.FinishedAt), r.ModelID, r.Label, r.Status, humanize.Bytes(uint64(r.Bytes)))
			}

			return tw.Flush()
		},
	}
}
