package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helikon-data/fringeline/internal/caldb"
	"github.com/helikon-data/fringeline/internal/engine"
	"github.com/helikon-data/fringeline/internal/fsutil"
	"github.com/helikon-data/fringeline/internal/match"
	"github.com/helikon-data/fringeline/internal/monitoring"
	"github.com/helikon-data/fringeline/internal/obs"
	"github.com/helikon-data/fringeline/internal/product"
)

func init() {
	monitoring.SetLogger(nil)
}

var baseTime = time.Date(2021, 3, 1, 0, 24, 11, 0, time.UTC)

func block(id, target string, role obs.Role, nExp int, start time.Time) obs.ObservationBlock {
	b := obs.ObservationBlock{
		ID:     id,
		Target: target,
		Mode:   obs.ModeStandalone,
		Band:   obs.BandL,
	}
	for i := 0; i < nExp; i++ {
		b.Exposures = append(b.Exposures, obs.Exposure{
			File:       fmt.Sprintf("raw/%s-%02d.fits", id, i),
			Target:     target,
			Time:       start.Add(time.Duration(i) * 8 * time.Minute),
			Mode:       obs.ModeStandalone,
			Band:       obs.BandL,
			Resolution: obs.ResLow,
			Array:      obs.ArraySmall,
			Role:       role,
			Airmass:    1.2,
		})
	}
	return b
}

func assignment(sciID, calID string) match.Assignment {
	return match.Assignment{
		ScienceID:    sciID,
		CalibratorID: calID,
		Criterion:    match.CriterionTime,
		Diameter:     &obs.Diameter{ValueMas: 1.0, ErrMas: 0.05, Source: obs.DiameterCatalog},
	}
}

func newRunner(eng engine.Engine, cat caldb.Catalog) (*Sequencer, fsutil.FileSystem) {
	fsys := fsutil.NewMemoryFileSystem()
	cfg := Config{
		Workers: 2,
		RawDir:  "raw",
		WorkDir: "work",
	}
	return New(cfg, eng, cat, fsys), fsys
}

func resultByStage(t *testing.T, br BlockRun, st Stage) StageResult {
	t.Helper()
	for _, r := range br.Results {
		if r.Stage == st {
			return r
		}
	}
	t.Fatalf("block %s has no %s result", br.Block.ID, st)
	return StageResult{}
}

func runByID(t *testing.T, runs []BlockRun, id string) BlockRun {
	t.Helper()
	for _, br := range runs {
		if br.Block.ID == id {
			return br
		}
	}
	t.Fatalf("no run for block %s", id)
	return BlockRun{}
}

func TestRunScienceWithCalibrator(t *testing.T) {
	sci := block("sci-1", "HD 142666", obs.RoleScience, 3, baseTime)
	cal := block("cal-1", "HD 100920", obs.RoleCalibrator, 1, baseTime.Add(time.Hour))

	fsys := fsutil.NewMemoryFileSystem()
	seq := New(Config{Workers: 2, RawDir: "raw", WorkDir: "work"}, &engine.MockEngine{FS: fsys},
		caldb.NewStatic(caldb.Entry{Name: "HD 100920", DiamMas: 1.0, DiamErrMas: 0.05, FluxJy: 12}), fsys)

	runs := seq.Run(context.Background(),
		[]obs.ObservationBlock{sci}, []obs.ObservationBlock{cal},
		map[string]match.Assignment{"sci-1": assignment("sci-1", "cal-1")})

	require.Len(t, runs, 2)

	sciRun := runByID(t, runs, "sci-1")
	assert.Equal(t, StateAveraged, sciRun.State)
	assert.True(t, sciRun.Usable())
	require.Len(t, sciRun.Results, 4)
	for _, st := range []Stage{StageReduce, StageCalibrate, StageMerge, StageAverage} {
		assert.Equal(t, StatusSuccess, resultByStage(t, sciRun, st).Status, "stage %s", st)
	}

	calRun := runByID(t, runs, "cal-1")
	assert.Equal(t, StateReduced, calRun.State)
	assert.True(t, calRun.Usable())
	require.Len(t, calRun.Results, 1)

	avg, err := product.Load(fsys, resultByStage(t, sciRun, StageAverage).Output)
	require.NoError(t, err)
	assert.Equal(t, product.KindAveraged, avg.Kind)
	assert.True(t, avg.Calibrated)
	assert.Len(t, avg.Tables, 1)
	assert.Equal(t, 3, len(avg.Contributors))
}

func TestRunEngineFailureSkipsDownstream(t *testing.T) {
	sci := block("sci-1", "HD 142666", obs.RoleScience, 2, baseTime)
	other := block("sci-2", "HD 100546", obs.RoleScience, 2, baseTime.Add(2*time.Hour))

	fsys := fsutil.NewMemoryFileSystem()
	eng := &engine.MockEngine{FS: fsys, Fail: map[string]string{"HD 142666": "DRS: no fringes detected"}}
	seq := New(Config{Workers: 2, RawDir: "raw", WorkDir: "work"}, eng, nil, fsys)

	runs := seq.Run(context.Background(), []obs.ObservationBlock{sci, other}, nil, nil)

	failed := runByID(t, runs, "sci-1")
	assert.Equal(t, StateFailed, failed.State)
	assert.False(t, failed.Usable())

	red := resultByStage(t, failed, StageReduce)
	assert.Equal(t, StatusFailed, red.Status)
	assert.Equal(t, KindEngine, red.Kind)
	assert.Contains(t, red.Message, "no fringes detected")

	for _, st := range []Stage{StageCalibrate, StageMerge, StageAverage} {
		r := resultByStage(t, failed, st)
		assert.Equal(t, StatusSkipped, r.Status, "stage %s after terminal reduce failure", st)
	}
	assert.Contains(t, failed.FailureReason(), "no fringes detected")

	// The sibling block is untouched by the failure.
	assert.Equal(t, StateAveraged, runByID(t, runs, "sci-2").State)
}

func TestRunEmptyAssignmentStillAverages(t *testing.T) {
	sci := block("sci-1", "HD 142666", obs.RoleScience, 2, baseTime)

	fsys := fsutil.NewMemoryFileSystem()
	seq := New(Config{Workers: 1, RawDir: "raw", WorkDir: "work"}, &engine.MockEngine{FS: fsys}, nil, fsys)

	runs := seq.Run(context.Background(), []obs.ObservationBlock{sci}, nil,
		map[string]match.Assignment{"sci-1": {ScienceID: "sci-1", Reason: match.ReasonNoCandidate}})

	br := runByID(t, runs, "sci-1")
	assert.Equal(t, StateAveraged, br.State)
	assert.True(t, br.Usable())

	calRes := resultByStage(t, br, StageCalibrate)
	assert.Equal(t, StatusSkipped, calRes.Status)
	assert.Contains(t, calRes.Message, "no_candidate")
	assert.Equal(t, StatusSuccess, resultByStage(t, br, StageAverage).Status)

	avg, err := product.Load(fsys, resultByStage(t, br, StageAverage).Output)
	require.NoError(t, err)
	assert.False(t, avg.Calibrated, "uncalibrated input stays flagged uncalibrated")
}

func TestRunMissingAssignmentTreatedAsEmpty(t *testing.T) {
	sci := block("sci-1", "HD 142666", obs.RoleScience, 1, baseTime)
	fsys := fsutil.NewMemoryFileSystem()
	seq := New(Config{RawDir: "raw", WorkDir: "work"}, &engine.MockEngine{FS: fsys}, nil, fsys)

	runs := seq.Run(context.Background(), []obs.ObservationBlock{sci}, nil, nil)
	br := runByID(t, runs, "sci-1")
	assert.Equal(t, StateAveraged, br.State)
	assert.Equal(t, StatusSkipped, resultByStage(t, br, StageCalibrate).Status)
}

// slowEngine stalls selected targets, delegating the rest.
type slowEngine struct {
	inner *engine.MockEngine
	slow  map[string]time.Duration
}

func (e *slowEngine) Reduce(ctx context.Context, req engine.Request) (product.Ref, error) {
	if d := e.slow[req.Block.Target]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return product.Ref{}, fmt.Errorf("recipe for block %s interrupted: %w", req.Block.ID, ctx.Err())
		}
	}
	return e.inner.Reduce(ctx, req)
}

func TestRunStageTimeout(t *testing.T) {
	stuck := block("sci-1", "HD 142666", obs.RoleScience, 1, baseTime)
	fine := block("sci-2", "HD 100546", obs.RoleScience, 1, baseTime.Add(time.Hour))

	fsys := fsutil.NewMemoryFileSystem()
	eng := &slowEngine{
		inner: &engine.MockEngine{FS: fsys},
		slow:  map[string]time.Duration{"HD 142666": time.Second},
	}
	seq := New(Config{Workers: 2, StageTimeout: 30 * time.Millisecond, RawDir: "raw", WorkDir: "work"}, eng, nil, fsys)

	runs := seq.Run(context.Background(), []obs.ObservationBlock{stuck, fine}, nil, nil)

	br := runByID(t, runs, "sci-1")
	assert.Equal(t, StateFailed, br.State)
	red := resultByStage(t, br, StageReduce)
	assert.Equal(t, StatusFailed, red.Status)
	assert.Equal(t, KindTimeout, red.Kind)
	for _, st := range []Stage{StageCalibrate, StageMerge, StageAverage} {
		assert.Equal(t, StatusSkipped, resultByStage(t, br, st).Status)
	}

	// The timeout is contained: the other block still completes.
	assert.Equal(t, StateAveraged, runByID(t, runs, "sci-2").State)
}

func TestRunCalibratorFailureDowngradesCalibration(t *testing.T) {
	sci := block("sci-1", "HD 142666", obs.RoleScience, 2, baseTime)
	cal := block("cal-1", "HD 100920", obs.RoleCalibrator, 1, baseTime.Add(time.Hour))

	fsys := fsutil.NewMemoryFileSystem()
	eng := &engine.MockEngine{FS: fsys, Fail: map[string]string{"HD 100920": "DRS: saturated frames"}}
	seq := New(Config{Workers: 2, RawDir: "raw", WorkDir: "work"}, eng, nil, fsys)

	runs := seq.Run(context.Background(),
		[]obs.ObservationBlock{sci}, []obs.ObservationBlock{cal},
		map[string]match.Assignment{"sci-1": assignment("sci-1", "cal-1")})

	calRun := runByID(t, runs, "cal-1")
	assert.Equal(t, StateFailed, calRun.State)

	br := runByID(t, runs, "sci-1")
	calRes := resultByStage(t, br, StageCalibrate)
	assert.Equal(t, StatusSkipped, calRes.Status)
	assert.Equal(t, KindCalibration, calRes.Kind)
	assert.Contains(t, calRes.Message, "absent")

	// Downgraded, not dead: the block still averages its reduced product.
	assert.Equal(t, StateAveraged, br.State)
	assert.True(t, br.Usable())
}

func TestRunCancelledBeforeStart(t *testing.T) {
	sci := block("sci-1", "HD 142666", obs.RoleScience, 1, baseTime)
	cal := block("cal-1", "HD 100920", obs.RoleCalibrator, 1, baseTime.Add(time.Hour))

	fsys := fsutil.NewMemoryFileSystem()
	seq := New(Config{RawDir: "raw", WorkDir: "work"}, &engine.MockEngine{FS: fsys}, nil, fsys)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runs := seq.Run(ctx, []obs.ObservationBlock{sci}, []obs.ObservationBlock{cal},
		map[string]match.Assignment{"sci-1": assignment("sci-1", "cal-1")})

	for _, br := range runs {
		for _, r := range br.Results {
			assert.Equal(t, StatusCancelled, r.Status, "block %s stage %s", br.Block.ID, r.Stage)
		}
		assert.False(t, br.Usable())
	}
}

// cancellingEngine cancels the batch as soon as the first reduction runs,
// then keeps working normally.
type cancellingEngine struct {
	inner  *engine.MockEngine
	cancel context.CancelFunc
}

func (e *cancellingEngine) Reduce(ctx context.Context, req engine.Request) (product.Ref, error) {
	e.cancel()
	return e.inner.Reduce(ctx, req)
}

func TestRunCancelMidBatchFinishesInFlightStage(t *testing.T) {
	sci := block("sci-1", "HD 142666", obs.RoleScience, 1, baseTime)

	fsys := fsutil.NewMemoryFileSystem()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng := &cancellingEngine{inner: &engine.MockEngine{FS: fsys}, cancel: cancel}
	seq := New(Config{Workers: 1, RawDir: "raw", WorkDir: "work"}, eng, nil, fsys)

	runs := seq.Run(ctx, []obs.ObservationBlock{sci}, nil, nil)

	br := runByID(t, runs, "sci-1")
	// The in-flight reduction finished and was recorded; later stages were
	// not dispatched.
	assert.Equal(t, StatusSuccess, resultByStage(t, br, StageReduce).Status)
	assert.Equal(t, StateReduced, br.State)
	for _, st := range []Stage{StageCalibrate, StageMerge, StageAverage} {
		assert.Equal(t, StatusCancelled, resultByStage(t, br, st).Status)
	}
}

// corruptEngine emits a product whose tables disagree on their wavelength
// grids, which no merge parameters can reconcile.
type corruptEngine struct {
	fsys fsutil.FileSystem
}

func (e *corruptEngine) Reduce(ctx context.Context, req engine.Request) (product.Ref, error) {
	set := (&engine.MockEngine{}).Synthesize(req.Block, req.FluxMode)
	for i := range set.Tables[1].WavelengthM {
		set.Tables[1].WavelengthM[i] *= 1.5
	}
	return product.Save(e.fsys, req.WorkDir+"/"+engine.ReducedName, set)
}

func TestRunMergeFailureIsTerminalAfterRetry(t *testing.T) {
	sci := block("sci-1", "HD 142666", obs.RoleScience, 2, baseTime)

	fsys := fsutil.NewMemoryFileSystem()
	seq := New(Config{RawDir: "raw", WorkDir: "work"}, &corruptEngine{fsys: fsys}, nil, fsys)

	runs := seq.Run(context.Background(), []obs.ObservationBlock{sci}, nil, nil)

	br := runByID(t, runs, "sci-1")
	assert.Equal(t, StateFailed, br.State)
	mergeRes := resultByStage(t, br, StageMerge)
	assert.Equal(t, StatusFailed, mergeRes.Status)
	assert.Equal(t, KindMerge, mergeRes.Kind)
	assert.Equal(t, StatusSkipped, resultByStage(t, br, StageAverage).Status)
}

func TestBlockRunUsable(t *testing.T) {
	assert.True(t, (&BlockRun{Role: obs.RoleScience, State: StateAveraged}).Usable())
	assert.False(t, (&BlockRun{Role: obs.RoleScience, State: StateReduced}).Usable())
	assert.True(t, (&BlockRun{Role: obs.RoleCalibrator, State: StateReduced}).Usable())
	assert.False(t, (&BlockRun{Role: obs.RoleCalibrator, State: StateFailed}).Usable())
}
