// Package pipeline sequences the reduction stages for a batch of
// observation blocks. Every block runs the same linear chain, blocks are
// independent, and failures never cross block boundaries: one bad target
// costs one block, not the night.
//
// The chain runs in two waves. The first wave reduces every block, science
// and calibrator alike, under a bounded worker pool; the second wave takes
// the science blocks through calibration, merging, and averaging, using the
// calibrator products the first wave left behind. Two waves rather than a
// dependency graph: calibration is the only cross-block edge, and it always
// points from wave two to wave one.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/helikon-data/fringeline/internal/average"
	"github.com/helikon-data/fringeline/internal/caldb"
	"github.com/helikon-data/fringeline/internal/calib"
	"github.com/helikon-data/fringeline/internal/engine"
	"github.com/helikon-data/fringeline/internal/fsutil"
	"github.com/helikon-data/fringeline/internal/match"
	"github.com/helikon-data/fringeline/internal/monitoring"
	"github.com/helikon-data/fringeline/internal/obs"
	"github.com/helikon-data/fringeline/internal/product"
	"github.com/helikon-data/fringeline/internal/timeutil"
)

// State is a block's position in the reduction chain.
type State string

const (
	StateRaw        State = "raw"
	StateReduced    State = "reduced"
	StateCalibrated State = "calibrated"
	StateMerged     State = "merged"
	StateAveraged   State = "averaged"
	StateFailed     State = "failed"
)

// Stage names one unit of work in the chain.
type Stage string

const (
	StageReduce    Stage = "reduce"
	StageCalibrate Stage = "calibrate"
	StageMerge     Stage = "merge"
	StageAverage   Stage = "average"
)

// Status is the outcome of one stage on one block.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

// ErrorKind is the closed classification of stage failures. The
// collaborator's own message rides along verbatim in StageResult.Message.
type ErrorKind string

const (
	KindNone        ErrorKind = ""
	KindEngine      ErrorKind = "reduction_engine_failure"
	KindCalibration ErrorKind = "calibration_error"
	KindMerge       ErrorKind = "merge_failure"
	KindTimeout     ErrorKind = "timeout_exceeded"
	KindInternal    ErrorKind = "internal"
)

// StageResult records one stage's outcome on one block.
type StageResult struct {
	Stage     Stage         `json:"stage"`
	Status    Status        `json:"status"`
	Kind      ErrorKind     `json:"kind,omitempty"`
	Message   string        `json:"message,omitempty"`
	Output    product.Ref   `json:"output,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// BlockRun is one block's complete fate for a batch: its terminal state and
// the ordered results of every stage that was considered for it.
type BlockRun struct {
	Block      obs.ObservationBlock `json:"block"`
	Role       obs.Role             `json:"role"`
	Assignment match.Assignment     `json:"assignment"`
	State      State                `json:"state"`
	Results    []StageResult        `json:"results"`
}

// Usable reports whether the block reached a terminal state worth keeping:
// an averaged product for science blocks, a reduced product for calibrator
// blocks (their job ends once science can calibrate against them).
func (br *BlockRun) Usable() bool {
	if br.Role == obs.RoleCalibrator {
		return br.State == StateReduced
	}
	return br.State == StateAveraged
}

// FailureReason is the first failed stage's kind and message, empty when
// the block never failed.
func (br *BlockRun) FailureReason() string {
	for _, r := range br.Results {
		if r.Status == StatusFailed {
			return fmt.Sprintf("%s: %s: %s", r.Stage, r.Kind, r.Message)
		}
	}
	return ""
}

func (br *BlockRun) lastResult() *StageResult {
	if len(br.Results) == 0 {
		return nil
	}
	return &br.Results[len(br.Results)-1]
}

// Config tunes a batch run.
type Config struct {
	Workers      int              // concurrent block pipelines (default 4)
	StageTimeout time.Duration    // per stage invocation (default 30m)
	FluxMode     product.FluxMode // reduction flux mode (default incoherent)
	RawDir       string           // directory holding the raw files
	CalibDir     string           // instrument calibration maps, may be empty
	WorkDir      string           // per-block products go under here
	Average      average.Params   // merge/average tuning
	Clock        timeutil.Clock   // test hook
}

func (c Config) workers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

func (c Config) stageTimeout() time.Duration {
	if c.StageTimeout <= 0 {
		return 30 * time.Minute
	}
	return c.StageTimeout
}

func (c Config) fluxMode() product.FluxMode {
	if c.FluxMode == "" {
		return product.FluxIncoherent
	}
	return c.FluxMode
}

// Sequencer drives blocks through the chain.
type Sequencer struct {
	cfg   Config
	eng   engine.Engine
	cat   caldb.Catalog // calibrator flux lookups; may be nil
	fsys  fsutil.FileSystem
	clock timeutil.Clock
}

// New builds a Sequencer. cat may be nil, in which case flux calibration is
// always relative.
func New(cfg Config, eng engine.Engine, cat caldb.Catalog, fsys fsutil.FileSystem) *Sequencer {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Sequencer{cfg: cfg, eng: eng, cat: cat, fsys: fsys, clock: clock}
}

// Run processes a batch. Science and calibrator blocks are all reduced;
// science blocks then continue through calibration, merge, and average.
// assignments maps science block IDs to their calibrator assignment and may
// omit blocks (treated as empty assignments). Run never fails because
// blocks fail; the returned runs carry every block's fate. Cancelling ctx
// stops dispatch of new stages while letting in-flight stages finish under
// their own deadline.
func (s *Sequencer) Run(ctx context.Context, science, calibrators []obs.ObservationBlock, assignments map[string]match.Assignment) []BlockRun {
	runs := make([]BlockRun, 0, len(science)+len(calibrators))
	for _, b := range science {
		asn, ok := assignments[b.ID]
		if !ok {
			asn = match.Assignment{ScienceID: b.ID, Reason: match.ReasonNoCandidate}
		}
		runs = append(runs, BlockRun{Block: b, Role: obs.RoleScience, Assignment: asn, State: StateRaw})
	}
	calBlocks := make(map[string]obs.ObservationBlock, len(calibrators))
	for _, b := range calibrators {
		calBlocks[b.ID] = b
		runs = append(runs, BlockRun{Block: b, Role: obs.RoleCalibrator, State: StateRaw})
	}

	monitoring.Logf("[pipeline] reducing %d block(s) (%d science, %d calibrator) with %d worker(s)",
		len(runs), len(science), len(calibrators), s.cfg.workers())

	s.reduceAll(ctx, runs)

	refs := make(map[string]product.Ref, len(runs))
	for i := range runs {
		if runs[i].State == StateReduced {
			refs[runs[i].Block.ID] = runs[i].Results[0].Output
		}
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.workers())
	for i := range runs {
		if runs[i].Role != obs.RoleScience {
			continue
		}
		br := &runs[i]
		if ctx.Err() != nil {
			s.markRest(br, StageCalibrate, StatusCancelled, "batch cancelled")
			continue
		}
		g.Go(func() error {
			s.scienceChain(ctx, br, refs, calBlocks)
			return nil
		})
	}
	_ = g.Wait()

	for i := range runs {
		br := &runs[i]
		monitoring.Logf("[pipeline] block %s (%s): terminal state %s", br.Block.ID, br.Role, br.State)
	}
	return runs
}

// reduceAll runs the first wave: every block through the reduction engine.
func (s *Sequencer) reduceAll(ctx context.Context, runs []BlockRun) {
	var g errgroup.Group
	g.SetLimit(s.cfg.workers())
	for i := range runs {
		br := &runs[i]
		if ctx.Err() != nil {
			br.Results = append(br.Results, StageResult{
				Stage:     StageReduce,
				Status:    StatusCancelled,
				Message:   "batch cancelled before dispatch",
				StartedAt: s.clock.Now(),
			})
			continue
		}
		g.Go(func() error {
			s.reduceOne(ctx, br)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Sequencer) reduceOne(ctx context.Context, br *BlockRun) {
	start := s.clock.Now()
	res := StageResult{Stage: StageReduce, StartedAt: start}

	if ctx.Err() != nil {
		res.Status = StatusCancelled
		res.Message = "batch cancelled before dispatch"
		br.Results = append(br.Results, res)
		return
	}

	stageCtx, cancel := s.stageCtx(ctx)
	defer cancel()
	ref, err := s.eng.Reduce(stageCtx, engine.Request{
		Block:    br.Block,
		FluxMode: s.cfg.fluxMode(),
		RawDir:   s.cfg.RawDir,
		CalibDir: s.cfg.CalibDir,
		WorkDir:  s.blockDir(br.Block),
	})
	res.Status, res.Kind = classify(err)
	res.Duration = s.clock.Now().Sub(start)
	if err != nil {
		res.Message = err.Error()
		monitoring.Logf("[pipeline] block %s: reduce %s (%s): %v", br.Block.ID, res.Status, res.Kind, err)
	} else {
		res.Output = ref
		br.State = StateReduced
	}
	br.Results = append(br.Results, res)
}

// scienceChain runs wave two for one science block: calibrate, merge,
// average. The reduce result is already recorded.
func (s *Sequencer) scienceChain(ctx context.Context, br *BlockRun, refs map[string]product.Ref, calBlocks map[string]obs.ObservationBlock) {
	switch last := br.lastResult(); {
	case last == nil || last.Status == StatusCancelled:
		s.markRest(br, StageCalibrate, StatusCancelled, "batch cancelled")
		return
	case last.Status != StatusSuccess:
		br.State = StateFailed
		s.markRest(br, StageCalibrate, StatusSkipped, "no reduced product to continue from")
		return
	}

	working, err := product.Load(s.fsys, br.Results[0].Output)
	if err != nil {
		s.recordFailure(br, StageCalibrate, KindInternal, fmt.Sprintf("loading reduced product: %v", err))
		s.markRest(br, StageMerge, StatusSkipped, "calibration failed")
		return
	}

	if set, ok := s.calibrate(ctx, br, working, refs, calBlocks); ok {
		working = set
	} else {
		return
	}
	if done := s.checkCancelled(ctx, br, StageMerge); done {
		return
	}

	if set, ok := s.mergeStage(br, working); ok {
		working = set
	} else {
		return
	}
	if done := s.checkCancelled(ctx, br, StageAverage); done {
		return
	}

	s.averageStage(br, working)
}

// calibrate runs the calibration stage. An empty assignment or a
// calibration error downgrades the stage to skipped and the block carries
// its reduced product forward; only internal faults fail the block here.
// The returned product is what the merge stage should consume.
func (s *Sequencer) calibrate(ctx context.Context, br *BlockRun, sci *product.Set, refs map[string]product.Ref, calBlocks map[string]obs.ObservationBlock) (*product.Set, bool) {
	start := s.clock.Now()
	res := StageResult{Stage: StageCalibrate, StartedAt: start}

	if br.Assignment.Empty() {
		res.Status = StatusSkipped
		res.Message = fmt.Sprintf("no calibrator assigned (%s)", br.Assignment.Reason)
		res.Duration = s.clock.Now().Sub(start)
		br.Results = append(br.Results, res)
		monitoring.Logf("[pipeline] block %s: calibration skipped: %s", br.Block.ID, res.Message)
		return sci, true
	}

	var calSet *product.Set
	if ref, ok := refs[br.Assignment.CalibratorID]; ok {
		if set, err := product.Load(s.fsys, ref); err == nil {
			calSet = set
		}
	}

	in := calib.Input{Science: sci, Calibrator: calSet}
	if br.Assignment.Diameter != nil {
		in.Diameter = *br.Assignment.Diameter
	}
	if cal, ok := calBlocks[br.Assignment.CalibratorID]; ok {
		in.FluxJy = s.lookupFlux(ctx, cal.Target)
	}

	out, err := calib.Calibrate(in)
	if err != nil {
		res.Status, res.Kind = classify(err)
		res.Message = err.Error()
		res.Duration = s.clock.Now().Sub(start)
		br.Results = append(br.Results, res)
		if res.Status == StatusSkipped {
			monitoring.Logf("[pipeline] block %s: calibration downgraded to skipped: %v", br.Block.ID, err)
			return sci, true
		}
		br.State = StateFailed
		s.markRest(br, StageMerge, StatusSkipped, "calibration failed")
		return nil, false
	}

	ref, err := product.Save(s.fsys, filepath.Join(s.blockDir(br.Block), "calibrated.json"), out)
	if err != nil {
		res.Status, res.Kind = StatusFailed, KindInternal
		res.Message = fmt.Sprintf("saving calibrated product: %v", err)
		res.Duration = s.clock.Now().Sub(start)
		br.Results = append(br.Results, res)
		br.State = StateFailed
		s.markRest(br, StageMerge, StatusSkipped, "calibration failed")
		return nil, false
	}

	res.Status = StatusSuccess
	res.Output = ref
	res.Duration = s.clock.Now().Sub(start)
	br.Results = append(br.Results, res)
	br.State = StateCalibrated
	return out, true
}

// mergeStage merges the block's exposure tables, retrying once with
// relaxed rejection on failure.
func (s *Sequencer) mergeStage(br *BlockRun, working *product.Set) (*product.Set, bool) {
	start := s.clock.Now()
	res := StageResult{Stage: StageMerge, StartedAt: start}

	merged, err := average.Merge([]*product.Set{working}, s.cfg.Average)
	if err != nil {
		monitoring.Logf("[pipeline] block %s: merge failed, retrying relaxed: %v", br.Block.ID, err)
		merged, err = average.Merge([]*product.Set{working}, s.cfg.Average.Relaxed())
	}
	if err == nil {
		var ref product.Ref
		if ref, err = product.Save(s.fsys, filepath.Join(s.blockDir(br.Block), "merged.json"), merged); err == nil {
			res.Status = StatusSuccess
			res.Output = ref
		}
	}
	if err != nil {
		res.Status, res.Kind = classify(err)
		if res.Status == StatusSkipped {
			res.Status = StatusFailed
		}
		res.Message = err.Error()
	}
	res.Duration = s.clock.Now().Sub(start)
	br.Results = append(br.Results, res)

	if res.Status != StatusSuccess {
		br.State = StateFailed
		s.markRest(br, StageAverage, StatusSkipped, "merge failed")
		return nil, false
	}
	br.State = StateMerged
	return merged, true
}

// averageStage collapses the merged product, retrying once relaxed.
func (s *Sequencer) averageStage(br *BlockRun, merged *product.Set) {
	start := s.clock.Now()
	res := StageResult{Stage: StageAverage, StartedAt: start}

	avg, err := average.Average(merged, s.cfg.Average)
	if err != nil {
		monitoring.Logf("[pipeline] block %s: average failed, retrying relaxed: %v", br.Block.ID, err)
		avg, err = average.Average(merged, s.cfg.Average.Relaxed())
	}
	if err == nil {
		var ref product.Ref
		if ref, err = product.Save(s.fsys, filepath.Join(s.blockDir(br.Block), "averaged.json"), avg); err == nil {
			res.Status = StatusSuccess
			res.Output = ref
		}
	}
	if err != nil {
		res.Status, res.Kind = classify(err)
		if res.Status == StatusSkipped {
			res.Status = StatusFailed
		}
		res.Message = err.Error()
	}
	res.Duration = s.clock.Now().Sub(start)
	br.Results = append(br.Results, res)

	if res.Status != StatusSuccess {
		br.State = StateFailed
		return
	}
	br.State = StateAveraged
	if avg.LowConfidence {
		monitoring.Logf("[pipeline] block %s: averaged product flagged low confidence (%d contributor(s))",
			br.Block.ID, len(avg.Contributors))
	}
}

func (s *Sequencer) lookupFlux(ctx context.Context, target string) float64 {
	if s.cat == nil {
		return 0
	}
	flux, ok, err := s.cat.Flux(ctx, target)
	if err != nil {
		monitoring.Logf("[pipeline] flux lookup for %s: %v", target, err)
		return 0
	}
	if !ok {
		return 0
	}
	return flux
}

func (s *Sequencer) recordFailure(br *BlockRun, stage Stage, kind ErrorKind, msg string) {
	start := s.clock.Now()
	br.Results = append(br.Results, StageResult{
		Stage:     stage,
		Status:    StatusFailed,
		Kind:      kind,
		Message:   msg,
		StartedAt: start,
	})
	br.State = StateFailed
}

// markRest records a uniform outcome for stage and everything after it.
func (s *Sequencer) markRest(br *BlockRun, from Stage, status Status, msg string) {
	order := []Stage{StageReduce, StageCalibrate, StageMerge, StageAverage}
	active := false
	for _, st := range order {
		if st == from {
			active = true
		}
		if !active {
			continue
		}
		br.Results = append(br.Results, StageResult{
			Stage:     st,
			Status:    status,
			Message:   msg,
			StartedAt: s.clock.Now(),
		})
	}
}

// checkCancelled records cancellation for the rest of the chain when the
// batch context is done. In-flight stages are never interrupted by batch
// cancellation; this fires between stages only.
func (s *Sequencer) checkCancelled(ctx context.Context, br *BlockRun, from Stage) bool {
	if ctx.Err() == nil {
		return false
	}
	s.markRest(br, from, StatusCancelled, "batch cancelled")
	return true
}

// stageCtx derives one stage's context: the configured deadline, detached
// from batch cancellation so an in-flight stage finishes and records its
// own outcome.
func (s *Sequencer) stageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.stageTimeout())
}

func (s *Sequencer) blockDir(b obs.ObservationBlock) string {
	return filepath.Join(s.cfg.WorkDir, b.ID)
}

// classify maps a stage error onto the closed error-kind enumeration.
// Calibration errors surface as skipped per the downgrade policy.
func classify(err error) (Status, ErrorKind) {
	switch {
	case err == nil:
		return StatusSuccess, KindNone
	case errors.Is(err, context.DeadlineExceeded):
		return StatusFailed, KindTimeout
	case errors.Is(err, context.Canceled):
		return StatusCancelled, KindNone
	case errors.Is(err, engine.ErrEngine):
		return StatusFailed, KindEngine
	case errors.Is(err, calib.ErrCalibration):
		return StatusSkipped, KindCalibration
	case errors.Is(err, average.ErrMerge):
		return StatusFailed, KindMerge
	default:
		return StatusFailed, KindInternal
	}
}
