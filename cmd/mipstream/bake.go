package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/gogpu/mipstream/assets"
	"github.com/gogpu/mipstream/bake"
)

type bakeOptions struct {
	Out         string
	Kind        string
	ID          string
	Persistent  int
	Filter      string
	Compression string
	Workers     int
}

var bakeOpts bakeOptions

var bakeCmd = &cobra.Command{
	Use:   "bake <image>...",
	Short: "Bake images into mip chains.",
	Long: "`bake rock.png --out assets/` builds the mip chain of every image " +
		"and writes it to a directory store, or to a SQLite store when " +
		"--out ends in .db.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBake(cmd.Context(), bakeOpts, args, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(bakeCmd)
	f := bakeCmd.Flags()
	f.StringVar(&bakeOpts.Out, "out", "assets", "output directory or .db file")
	f.StringVar(&bakeOpts.Kind, "kind", "", "store kind (dir, sqlite); inferred from --out when empty")
	f.StringVar(&bakeOpts.ID, "id", "", "chain id (single image only; defaults to the file name)")
	f.IntVar(&bakeOpts.Persistent, "persistent", 3, "number of coarsest levels kept resident")
	f.StringVar(&bakeOpts.Filter, "filter", bake.FilterBox.String(), "downsampling filter (box, bilinear, catmullrom)")
	f.StringVar(&bakeOpts.Compression, "compression", assets.Zstd.String(), "payload compression (none, zstd, lz4)")
	f.IntVar(&bakeOpts.Workers, "workers", 0, "levels scaled concurrently by kernel filters (0: all)")
}

// chainID derives a chain id from an image path.
func chainID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func runBake(ctx context.Context, opts bakeOptions, paths []string, out io.Writer) error {
	if opts.ID != "" && len(paths) > 1 {
		return errors.New("--id needs a single image")
	}
	filter, err := bake.ParseFilter(opts.Filter)
	if err != nil {
		return err
	}
	compression, err := assets.ParseCompression(opts.Compression)
	if err != nil {
		return err
	}

	store, err := openStore(opts.Out, opts.Kind)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	for _, path := range paths {
		id := opts.ID
		if id == "" {
			id = chainID(path)
		}
		img, err := bake.LoadImage(path)
		if err != nil {
			return err
		}
		chain, err := bake.Build(ctx, id, img, bake.Options{Filter: filter, Workers: opts.Workers})
		if err != nil {
			return errors.Wrapf(err, "bake %s", path)
		}
		if err := store.Put(ctx, chain, opts.Persistent, compression); err != nil {
			return errors.Wrapf(err, "store %s", id)
		}
		_, _ = fmt.Fprintf(out, "baked %s: %dx%d, %d levels, %d KB\n",
			id, chain.Width, chain.Height, chain.LevelCount(), chain.Size()/1024)
	}
	return nil
}
