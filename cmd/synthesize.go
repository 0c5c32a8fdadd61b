package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vtonlabs/tryon/dataset"
	"github.com/vtonlabs/tryon/format"
	"github.com/vtonlabs/tryon/model"
	"github.com/vtonlabs/tryon/model/imageproc"
	"github.com/vtonlabs/tryon/progress"
	"github.com/vtonlabs/tryon/server"
)

func NewSynthesizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "synthesize MODEL",
		Short: "Run a model over a dataset and write the synthesized frames",
		Long: `Run a model over a dataset and write the synthesized frames.

MODEL names a model from the models directory or a .gguf file. Outputs
mirror the dataset's clip directories under the results directory;
clips whose frames are all present are skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: synthesizeHandler,
	}

	cmd.Flags().String("data", "", "Dataset root directory")
	cmd.Flags().String("datamode", "test", "Dataset split to read")
	cmd.Flags().String("results", "results", "Directory synthesized frames are written under")
	cmd.Flags().IntP("parallel", "p", 1, "Number of clips to synthesize concurrently")
	cmd.MarkFlagRequired("data")

	return cmd
}

// resolveModel accepts a model name from the models directory or a
// direct path to a .gguf file.
func resolveModel(arg string) (name, path string, err error) {
	if strings.HasSuffix(arg, ".gguf") {
		if _, err := os.Stat(arg); err != nil {
			return "", "", err
		}

		return strings.TrimSuffix(filepath.Base(arg), ".gguf"), arg, nil
	}

	path, err = server.ModelPath(arg)
	if err != nil {
		return "", "", err
	}

	return arg, path, nil
}

func synthesizeHandler(cmd *cobra.Command, args []string) error {
	started := time.Now()

	data, _ := cmd.Flags().GetString("data")
	datamode, _ := cmd.Flags().GetString("datamode")
	results, _ := cmd.Flags().GetString("results")
	parallel, _ := cmd.Flags().GetInt("parallel")
	if parallel < 1 {
		parallel = 1
	}

	name, path, err := resolveModel(args[0])
	if err != nil {
		return err
	}

	samples, err := dataset.Open(data, datamode)
	if err != nil {
		return err
	}

	p := progress.NewProgress(os.Stderr)
	defer p.Stop()

	spinner := progress.NewSpinner(fmt.Sprintf("loading %s", name))
	p.Add("load", spinner)

	// The frame cache makes a model instance single clip, so each worker
	// gets its own copy.
	pool := make(chan model.Model, parallel)
	var loader *dataset.Loader
	for i := range parallel {
		m, err := model.New(path)
		if err != nil {
			spinner.Stop()
			return err
		}

		if i == 0 {
			config := m.Backend().Config()
			loader = &dataset.Loader{
				Root:       data,
				Datamode:   datamode,
				Width:      int(config.Uint("image.width", 192)),
				Height:     int(config.Uint("image.height", 256)),
				Conditions: dataset.Conditions(config),
			}
		}

		pool <- m
	}
	spinner.Stop()

	var frames int64
	for _, s := range samples {
		frames += int64(len(s.Frames))
	}

	bar := progress.NewBar(fmt.Sprintf("synthesizing %s", name), frames, 0)
	p.Add("synthesize", bar)

	var done atomic.Int64
	tick := func(n int) { bar.Set(done.Add(int64(n))) }

	outRoot := filepath.Join(results, name, datamode)

	g, gctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(parallel)
	for _, sample := range samples {
		g.Go(func() error {
			m := <-pool
			defer func() { pool <- m }()

			if err := synthesizeClip(gctx, m, loader, sample, outRoot, tick); err != nil {
				return fmt.Errorf("sample %s: %w", sample.ID, err)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	p.StopAndClear()
	fmt.Fprintf(os.Stderr, "synthesized %d frames from %d clips into %s in %s\n",
		frames, len(samples), outRoot, format.HumanDuration(time.Since(started)))
	return nil
}

// synthesizeClip runs one clip through the model, mirroring the clip's
// directory under outRoot. A clip with any frame missing is redone from
// the start so the temporal state stays consistent.
func synthesizeClip(ctx context.Context, m model.Model, loader *dataset.Loader, s dataset.Sample, outRoot string, tick func(int)) error {
	outDir := filepath.Join(outRoot, s.Subfolder, "try-on")

	if complete(outDir, s.Frames) {
		tick(len(s.Frames))
		return nil
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	runner := model.NewRunner(m)
	runner.Reset()

	mctx := m.Backend().NewContext()
	defer mctx.Close()

	for _, frame := range s.Frames {
		if err := ctx.Err(); err != nil {
			return err
		}

		conds, flow, err := loader.Frame(mctx, s, frame)
		if err != nil {
			return err
		}

		out, err := runner.Step(mctx, conds, flow)
		if err != nil {
			return err
		}

		img, err := imageproc.Unpack(out.Floats(), out.Dim(0), out.Dim(1))
		if err != nil {
			return err
		}

		f, err := os.Create(filepath.Join(outDir, frame+".png"))
		if err != nil {
			return err
		}

		if err := imageproc.WritePNG(f, img); err != nil {
			f.Close()
			return err
		}

		if err := f.Close(); err != nil {
			return err
		}

		tick(1)
	}

	return nil
}

func complete(dir string, frames []string) bool {
	for _, frame := range frames {
		if _, err := os.Stat(filepath.Join(dir, frame+".png")); err != nil {
			return false
		}
	}

	return true
}
