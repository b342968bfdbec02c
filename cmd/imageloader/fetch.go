package main

import (
	"fmt"
	"io"
	"os"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/tendant/simple-image-loader/internal/decode"
	"github.com/tendant/simple-image-loader/pkg/pipeline"
)

type fetchOptions struct {
	out         string
	width       int
	height      int
	force       bool
	low         bool
	quality     int
	maxAttempts int
	raw         bool
	offline     bool
}

func newFetchCmd(a *app) *cobra.Command {
	o := &fetchOptions{}
	cmd := &cobra.Command{
		Use:   "fetch URI",
		Short: "Load an image through the cache",
		Long: `Load an image through the disk cache and print where it came from.

With --raw the original bytes are written to --out. Otherwise the image is
decoded, resized to --width/--height and written as JPEG.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.fetch(cmd, args[0], o)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.out, "out", "o", "", "write the result to this file")
	f.IntVar(&o.width, "width", 0, "target width")
	f.IntVar(&o.height, "height", 0, "target height")
	f.BoolVar(&o.force, "force", false, "resize to exactly width x height")
	f.BoolVar(&o.low, "low", false, "decode with the low quality filter")
	f.IntVar(&o.quality, "quality", 85, "JPEG quality of the output")
	f.IntVar(&o.maxAttempts, "max-attempts", 0, "download attempts on timeout (0 uses the configured default)")
	f.BoolVar(&o.raw, "raw", false, "download only, keep the original bytes")
	f.BoolVar(&o.offline, "offline", false, "serve only from the caches and local sources")
	return cmd
}

func (a *app) fetch(cmd *cobra.Command, raw string, o *fetchOptions) error {
	ctx := cmd.Context()
	if err := a.openLedger(ctx); err != nil {
		return err
	}
	loader, err := a.newLoader(false)
	if err != nil {
		return err
	}
	defer closeLoader(loader, a.logger)

	stdout := cmd.OutOrStdout()
	dl := pipeline.DownloadOptions{MaxAttempts: o.maxAttempts}
	if o.offline {
		dl.RequestLevel = pipeline.LevelLocal
	}
	if o.raw {
		src, err := loader.Fetch(ctx, raw, &dl)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s from=%s size=%s\n", raw, src.From(), units.HumanSize(float64(src.Length())))
		if o.out == "" {
			return nil
		}
		return writeSource(o.out, src)
	}

	opts := &pipeline.LoadOptions{
		DownloadOptions: dl,
		ForceUseResize:  o.force,
		LowQualityImage: o.low,
	}
	if o.width > 0 || o.height > 0 {
		opts.Resize = &pipeline.Resize{Width: o.width, Height: o.height}
	}
	res, err := loader.LoadImage(ctx, raw, opts)
	if err != nil {
		return err
	}
	defer res.Image.Release()

	fmt.Fprintf(stdout, "%s from=%s type=%s size=%dx%d\n", raw, res.From, res.MimeType, res.Image.Width(), res.Image.Height())
	if o.out == "" {
		return nil
	}
	f, err := os.Create(o.out)
	if err != nil {
		return err
	}
	if err := decode.EncodeJPEG(f, res.Image, o.quality); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeSource(path string, src pipeline.DataSource) error {
	r, err := src.Open()
	if err != nil {
		return err
	}
	defer r.Close()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
