package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
	"github.com/spf13/cobra"

	"github.com/gogpu/mipstream"
	"github.com/gogpu/mipstream/assets/cache"
	"github.com/gogpu/mipstream/gpu"
)

type simulateOptions struct {
	Store      string
	Kind       string
	IDs        []string
	Frames     int
	BudgetMB   int
	CacheMB    int
	Spacing    float64
	Speed      float64
	MipBias    int
	IdleFrames uint64
	MaxExpands int
	MaxLoads   int
	Sync       bool
	Every      int
}

var simulateOpts simulateOptions

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Stream baked chains through a GPU pool.",
	Long: "`simulate --store assets/` places every chain of the store on a " +
		"line and walks a camera along it. Each frame requests the mip level " +
		"matching the camera distance and lets the controller expand and " +
		"trim within the budget.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, err := runSimulate(cmd.Context(), simulateOpts, cmd.OutOrStdout())
		return err
	},
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	f := simulateCmd.Flags()
	f.StringVar(&simulateOpts.Store, "store", "assets", "store directory or .db file")
	f.StringVar(&simulateOpts.Kind, "kind", "", "store kind (dir, sqlite); inferred from --store when empty")
	f.StringSliceVar(&simulateOpts.IDs, "ids", nil, "chains to stream (default: all)")
	f.IntVar(&simulateOpts.Frames, "frames", 240, "number of frames")
	f.IntVar(&simulateOpts.BudgetMB, "budget-mb", envConfig.BudgetMB, "GPU memory budget in MB")
	f.IntVar(&simulateOpts.CacheMB, "cache-mb", 0, "payload cache in MB (0: disabled)")
	f.Float64Var(&simulateOpts.Spacing, "spacing", 64, "distance between images")
	f.Float64Var(&simulateOpts.Speed, "speed", 1, "camera distance per frame")
	f.IntVar(&simulateOpts.MipBias, "mip-bias", 0, "levels added to every request")
	f.Uint64Var(&simulateOpts.IdleFrames, "idle-frames", 0, "trim images not requested for this many frames (0: never)")
	f.IntVar(&simulateOpts.MaxExpands, "max-expands", 0, "expands per frame (0: unlimited)")
	f.IntVar(&simulateOpts.MaxLoads, "max-loads", 8, "concurrent level loads")
	f.BoolVar(&simulateOpts.Sync, "sync", false, "wait for every load before the next frame")
	f.IntVar(&simulateOpts.Every, "every", 30, "print a frame report every N frames (0: summary only)")
}

// simulateResult summarises a simulation run.
type simulateResult struct {
	Frames       int
	Images       int
	Expands      int
	Trims        int
	PeakResident uint64
	Final        map[string]mipstream.MipLevel
}

// noopProvider exposes a noop hal device as a gpucontext.DeviceProvider.
type noopProvider struct {
	instance hal.Instance
	adapter  hal.Adapter
	info     gputypes.AdapterInfo
	device   hal.Device
	queue    hal.Queue
}

func openNoopProvider() (*noopProvider, error) {
	instance, err := noop.API{}.CreateInstance(nil)
	if err != nil {
		return nil, errors.Wrap(err, "create noop instance")
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, errors.New("noop instance has no adapter")
	}
	open, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, errors.Wrap(err, "open noop device")
	}
	return &noopProvider{
		instance: instance,
		adapter:  adapters[0].Adapter,
		info:     adapters[0].Info,
		device:   open.Device,
		queue:    open.Queue,
	}, nil
}

func (p *noopProvider) Device() gpucontext.Device             { return p.device }
func (p *noopProvider) Queue() gpucontext.Queue               { return p.queue }
func (p *noopProvider) SurfaceFormat() gputypes.TextureFormat { return gputypes.TextureFormatUndefined }
func (p *noopProvider) Adapter() gpucontext.Adapter           { return p.adapter }
func (p *noopProvider) AdapterInfo() gpucontext.AdapterInfo {
	return gpucontext.AdapterInfo{Name: p.info.Name}
}

func (p *noopProvider) Close() {
	p.device.Destroy()
	p.instance.Destroy()
}

// targetLevel maps a camera distance to the mip level to request: one
// level per doubling of the distance.
func targetLevel(dist float64, last mipstream.MipLevel) mipstream.MipLevel {
	if dist <= 1 {
		return 0
	}
	level := mipstream.MipLevel(math.Log2(dist))
	return min(level, last)
}

func runSimulate(ctx context.Context, opts simulateOptions, out io.Writer) (simulateResult, error) {
	res := simulateResult{Final: make(map[string]mipstream.MipLevel)}

	store, err := openStore(opts.Store, opts.Kind)
	if err != nil {
		return res, err
	}
	defer func() { _ = store.Close() }()

	ids := opts.IDs
	if len(ids) == 0 {
		if ids, err = store.IDs(ctx); err != nil {
			return res, err
		}
	}
	if len(ids) == 0 {
		return res, errors.Newf("store %s holds no chains", opts.Store)
	}

	provider, err := openNoopProvider()
	if err != nil {
		return res, err
	}
	defer provider.Close()

	pool, err := gpu.NewPoolFromProvider(provider, gpu.Config{MaxMemoryMB: opts.BudgetMB, Label: "simulate"})
	if err != nil {
		return res, err
	}
	defer pool.Close()

	var loader mipstream.AssetLoader = store
	var payloads *cache.Loader
	if opts.CacheMB > 0 {
		payloads = cache.New(store, uint64(opts.CacheMB)<<20) //nolint:gosec // G115: flag is positive
		loader = payloads
	}

	ctrl := mipstream.NewController(
		mipstream.WithBudget(uint64(max(opts.BudgetMB, 0))<<20), //nolint:gosec // G115: clamped
		mipstream.WithMipBias(opts.MipBias),
		mipstream.WithIdleFrames(opts.IdleFrames),
		mipstream.WithMaxExpandsPerFrame(opts.MaxExpands),
	)
	reg := mipstream.NewRegistry(pool, loader,
		mipstream.WithController(ctrl),
		mipstream.WithMaxConcurrentLoads(opts.MaxLoads),
		mipstream.WithReleaseUploadedPayloads(true),
	)
	defer func() { _ = reg.Close() }()

	images := make([]*mipstream.StreamingImage, 0, len(ids))
	for _, id := range ids {
		desc, err := store.Descriptor(ctx, id)
		if err != nil {
			return res, errors.Wrapf(err, "descriptor %s", id)
		}
		h, err := reg.FindOrCreate(ctx, desc)
		if err != nil {
			return res, errors.Wrapf(err, "create %s", id)
		}
		images = append(images, h.Image())
	}
	res.Images = len(images)

	start := -opts.Spacing * 4
	for frame := range opts.Frames {
		camera := start + float64(frame)*opts.Speed
		for i, img := range images {
			dist := math.Abs(float64(i)*opts.Spacing - camera)
			img.SetTargetMip(targetLevel(dist, img.LastLevel()))
		}

		report, err := ctrl.Update(ctx)
		if err != nil {
			return res, err
		}
		res.Frames++
		res.Expands += report.Expands
		res.Trims += report.Trims
		res.PeakResident = max(res.PeakResident, report.ResidentBytes)
		if opts.Every > 0 && report.Frame%uint64(opts.Every) == 0 {
			_, _ = fmt.Fprintln(out, report)
		}

		if opts.Sync {
			if err := ctrl.Flush(ctx); err != nil {
				return res, err
			}
		}
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "IMAGE\tLEVELS\tRESIDENT\tTARGET\tKB")
	for _, img := range images {
		res.Final[img.Descriptor().ID] = img.ResidentMipLevel()
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", img.Descriptor().ID, img.Descriptor().LevelCount(),
			img.ResidentMipLevel(), img.ResidencyTarget(), img.ResidentBytes()/1024)
	}
	_ = tw.Flush()

	_, _ = fmt.Fprintln(out, ctrl.Stats().Snapshot())
	_, _ = fmt.Fprintln(out, pool.Stats())
	if payloads != nil {
		_, _ = fmt.Fprintln(out, payloads.Stats())
	}
	_, _ = fmt.Fprintf(out, "%d frames, %d images, %d expands, %d trims, peak %d KB\n",
		res.Frames, res.Images, res.Expands, res.Trims, res.PeakResident/1024)
	return res, nil
}
