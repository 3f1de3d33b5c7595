// Package engine invokes the external reduction recipes that turn raw
// detector frames into reduced spectral products. The recipe suite is a
// black box reached through a driver binary: this package assembles its
// arguments, applies the caller's deadline, and maps its loosely-typed
// failures onto one error kind with the recipe's own message preserved
// verbatim.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/helikon-data/fringeline/internal/fsutil"
	"github.com/helikon-data/fringeline/internal/monitoring"
	"github.com/helikon-data/fringeline/internal/obs"
	"github.com/helikon-data/fringeline/internal/product"
)

// ErrEngine marks a reduction recipe failure. The wrapped message carries
// the recipe's own output tail. Test with errors.Is.
var ErrEngine = errors.New("reduction engine failure")

// ReducedName is the product summary the recipe driver writes into the
// block work directory on success.
const ReducedName = "reduced.json"

// Request is one block's reduction job.
type Request struct {
	Block    obs.ObservationBlock
	FluxMode product.FluxMode
	RawDir   string // directory holding the block's raw files
	CalibDir string // instrument calibration maps, may be empty
	WorkDir  string // per-block output directory
}

// Engine reduces one block's raw exposures into a reduced product.
// Implementations must honor ctx: a cancelled or expired context kills the
// work and returns ctx's error in the chain.
type Engine interface {
	Reduce(ctx context.Context, req Request) (product.Ref, error)
}

// Options configure the recipe driver.
type Options struct {
	Binary  string // recipe driver executable
	NCores  int    // worker processes the recipe may spawn (default 6)
	MaxIter int    // recipe-internal reduction iterations (default 1)
}

func (o Options) ncores() int {
	if o.NCores <= 0 {
		return 6
	}
	return o.NCores
}

func (o Options) maxIter() int {
	if o.MaxIter <= 0 {
		return 1
	}
	return o.MaxIter
}

// SpectralBinning returns the [L, N] channel binning for a resolution and
// array layout. High resolution bins differently on the unit telescopes
// than on the relocatable ones; medium shares the coarse low-resolution
// binning.
func SpectralBinning(res obs.Resolution, array obs.ArrayConfig) (binL, binN int) {
	if res == obs.ResHigh {
		if array.IsUTs() {
			return 5, 38
		}
		return 5, 98
	}
	return 5, 7
}

// ExecEngine runs the recipe driver as a subprocess.
type ExecEngine struct {
	opts Options
	fsys fsutil.FileSystem
}

// NewExecEngine builds an ExecEngine. fsys covers the product summary I/O
// and is the OS filesystem in production.
func NewExecEngine(opts Options, fsys fsutil.FileSystem) *ExecEngine {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	return &ExecEngine{opts: opts, fsys: fsys}
}

// Reduce implements Engine.
func (e *ExecEngine) Reduce(ctx context.Context, req Request) (product.Ref, error) {
	if e.opts.Binary == "" {
		return product.Ref{}, fmt.Errorf("no recipe binary configured: %w", ErrEngine)
	}
	if err := e.fsys.MkdirAll(req.WorkDir, 0o755); err != nil {
		return product.Ref{}, fmt.Errorf("creating work dir %s: %w", req.WorkDir, err)
	}

	args := e.buildArgs(req)
	monitoring.Tracef("[engine] exec %s %s", e.opts.Binary, strings.Join(args, " "))

	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, e.opts.Binary, args...)
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return product.Ref{}, fmt.Errorf("recipe for block %s interrupted: %w", req.Block.ID, ctxErr)
	}
	if err != nil {
		return product.Ref{}, fmt.Errorf("recipe for block %s failed (%v): %s: %w",
			req.Block.ID, err, outputTail(output.String()), ErrEngine)
	}

	ref := product.Ref{Path: filepath.Join(req.WorkDir, ReducedName)}
	if _, err := product.Load(e.fsys, ref); err != nil {
		return product.Ref{}, fmt.Errorf("recipe for block %s exited clean but left no usable product: %v: %w",
			req.Block.ID, err, ErrEngine)
	}
	return ref, nil
}

// buildArgs assembles the driver invocation for one block. The band not
// being reduced is skipped; binning and the per-band parameter strings
// follow the resolution and flux mode of the observation.
func (e *ExecEngine) buildArgs(req Request) []string {
	b := req.Block
	res := obs.ResLow
	array := obs.ArrayOther
	if len(b.Exposures) > 0 {
		res = b.Exposures[0].Resolution
		array = b.Exposures[0].Array
	}
	binL, binN := SpectralBinning(res, array)

	coh := ""
	if req.FluxMode == product.FluxCoherent {
		coh = "/corrFlux=TRUE/coherentAlgo=2/"
	}

	args := []string{
		"--raw-dir=" + req.RawDir,
		"--result-dir=" + req.WorkDir,
		"--tpl-start=" + b.Start().UTC().Format("2006-01-02T15:04:05"),
		fmt.Sprintf("--ncores=%d", e.opts.ncores()),
		fmt.Sprintf("--max-iter=%d", e.opts.maxIter()),
		fmt.Sprintf("--binning-lband=%d", binL),
		fmt.Sprintf("--binning-nband=%d", binN),
		"--param-lband=" + coh,
		"--param-nband=" + coh + "/useOpdMod=TRUE/",
	}
	if req.CalibDir != "" {
		args = append(args, "--calib-dir="+req.CalibDir)
	}
	switch b.Band {
	case obs.BandL:
		args = append(args, "--skip-nband")
	case obs.BandN:
		args = append(args, "--skip-lband")
	}
	return args
}

// outputTail trims recipe output to its informative end: recipes print
// progress for minutes and the failure cause in the last few lines.
func outputTail(s string) string {
	const maxLines = 12
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
