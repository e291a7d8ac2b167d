// Package pipeline sequences the atlas build: affine registration of every
// subject to a reference followed by averaging, then demons registration of
// every affine-resampled subject to that average followed by averaging again.
//
// Subjects are processed concurrently; the accumulator is the only shared
// mutable state. Ranges of subjects can be processed by separate runs whose
// undivided outputs are combined with Divide.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"mriatlas/internal/models"
	"mriatlas/pkg/affine"
	"mriatlas/pkg/atlas"
	"mriatlas/pkg/config"
	"mriatlas/pkg/demons"
	"mriatlas/pkg/histogram"
	"mriatlas/pkg/logging"
	"mriatlas/pkg/resample"
	"mriatlas/pkg/volio"
)

// FieldStore is implemented by stores that can persist displacement fields.
type FieldStore interface {
	SaveField(name string, field *models.Volume) error
}

// Builder runs the atlas stages against a volume store.
type Builder struct {
	params *Params
	store  volio.Store
}

// NewBuilder creates a builder with the provided parameters.
func NewBuilder(params *Params, store volio.Store) *Builder {
	if params.NumCores < 1 {
		params.NumCores = 1
	}
	return &Builder{params: params, store: store}
}

// SetupResult names the files written by Setup.
type SetupResult struct {
	TemplateName string
	FixedIndex   int
	FixedName    string
}

// Setup averages the whole cohort into the initial template and copies a
// randomly chosen subject to be the affine reference.
func (b *Builder) Setup(ctx context.Context, seed int64) (*SetupResult, error) {
	tl := logging.NewTimeLog()
	all := models.SubjectRange{Lower: 1, Upper: b.params.SubjectCount, FixedIndex: models.NoReference}
	report := newReport(StageSetup, all)
	acc := atlas.NewAccumulator()

	logging.Infof("Step 1: Averaging %d subjects into %s...", b.params.SubjectCount, volio.InitialTemplateName)
	task := func(ctx context.Context, s int) (*SubjectResult, *models.Volume, error) {
		v, err := b.load(b.params.Naming.SubjectFileName(s))
		return &SubjectResult{Subject: s, Stage: StageSetup, Converged: true}, v, err
	}
	if err := b.runStage(ctx, StageSetup, all.Subjects(), task, acc, report); err != nil {
		return nil, err
	}
	template, err := acc.Average()
	if err != nil {
		return nil, err
	}
	if err := b.store.Save(volio.InitialTemplateName, template); err != nil {
		return nil, fmt.Errorf("failed to save initial template: %w", err)
	}

	rng := rand.New(rand.NewSource(seed))
	fixed := rng.Intn(b.params.SubjectCount) + 1
	logging.Infof("Step 2: Random subject is %d", fixed)
	v, err := b.load(b.params.Naming.SubjectFileName(fixed))
	if err != nil {
		return nil, err
	}
	res := &SetupResult{
		TemplateName: volio.InitialTemplateName,
		FixedIndex:   fixed,
		FixedName:    volio.RandomFixedName(fixed),
	}
	if err := b.store.Save(res.FixedName, v); err != nil {
		return nil, fmt.Errorf("failed to save fixed image: %w", err)
	}
	tl.Infof("Setup complete, reference %s", res.FixedName)
	return res, nil
}

// RunAffine registers every subject of r to the fixed image, saves each
// resampled subject under its affine name and writes the range output:
// the average when divide is set, otherwise the raw sum.
func (b *Builder) RunAffine(ctx context.Context, fixedName string, r models.SubjectRange, divide, observe bool) (*Report, error) {
	if err := r.Validate(b.params.SubjectCount); err != nil {
		return nil, err
	}
	fixed, err := b.load(fixedName)
	if err != nil {
		return nil, fmt.Errorf("failed to load fixed image: %w", err)
	}
	if idx, ok := b.params.Naming.ParseSubjectIndex(fixedName); ok {
		r.FixedIndex = idx
	} else {
		r.FixedIndex = models.NoReference
	}

	tl := logging.NewTimeLog()
	logging.Infof("Step 1: Affine registration of subjects %d to %d to %s...", r.Lower, r.Upper, fixedName)
	report := newReport(StageAffine, r)
	acc := atlas.NewAccumulator()
	if err := b.runStage(ctx, StageAffine, b.movingSubjects(r), b.affineTask(fixed, r.FixedIndex, observe), acc, report); err != nil {
		return report, err
	}
	tl.Infof("Affine registration of %d subjects done", acc.Count())

	logging.Infof("Step 2: Writing affine output...")
	if err := b.finish(report, acc, volio.AffineOutputName(r, divide), divide); err != nil {
		return report, err
	}
	return report, nil
}

// RunDeformable registers the affine-resampled subjects of r to the named
// template with demons and writes the range output.
func (b *Builder) RunDeformable(ctx context.Context, templateName string, r models.SubjectRange, divide, observe bool) (*Report, error) {
	if err := r.Validate(b.params.SubjectCount); err != nil {
		return nil, err
	}
	template, err := b.load(templateName)
	if err != nil {
		return nil, fmt.Errorf("failed to load template: %w", err)
	}
	return b.runDeformable(ctx, template, r, divide, observe)
}

// Build runs the affine stage with division and then the deformable stage
// against the resulting in-memory template.
func (b *Builder) Build(ctx context.Context, fixedName string, r models.SubjectRange, observe bool) (*Report, *Report, error) {
	ar, err := b.RunAffine(ctx, fixedName, r, true, observe)
	if err != nil {
		return ar, nil, err
	}
	dr, err := b.runDeformable(ctx, ar.Output, r, true, observe)
	return ar, dr, err
}

// Divide sums previously written partial outputs and divides by divisor,
// saving the affine template or the deformable atlas.
func (b *Builder) Divide(stage Stage, divisor float64, names []string) (string, *models.Volume, error) {
	out := volio.AffineTemplateName
	switch stage {
	case StageAffine:
	case StageDeformable:
		out = volio.DeformableAtlasName
	default:
		return "", nil, fmt.Errorf("cannot divide outputs of stage %q", stage)
	}

	partials := make([]*models.Volume, 0, len(names))
	for _, name := range names {
		v, err := b.load(name)
		if err != nil {
			return "", nil, err
		}
		partials = append(partials, v)
	}
	v, err := atlas.Combine(partials, divisor)
	if err != nil {
		return "", nil, err
	}
	if err := b.store.Save(out, v); err != nil {
		return "", nil, err
	}
	logging.Infof("Wrote %s from %d partial outputs divided by %g", out, len(names), divisor)
	return out, v, nil
}

func (b *Builder) runDeformable(ctx context.Context, template *models.Volume, r models.SubjectRange, divide, observe bool) (*Report, error) {
	r.FixedIndex = models.NoReference

	tl := logging.NewTimeLog()
	logging.Infof("Step 3: Deformable registration of subjects %d to %d...", r.Lower, r.Upper)
	report := newReport(StageDeformable, r)
	acc := atlas.NewAccumulator()
	if err := b.runStage(ctx, StageDeformable, r.Subjects(), b.deformableTask(template, observe), acc, report); err != nil {
		return report, err
	}
	tl.Infof("Deformable registration of %d subjects done", acc.Count())

	logging.Infof("Step 4: Writing deformable output...")
	if err := b.finish(report, acc, volio.DeformableOutputName(r, divide), divide); err != nil {
		return report, err
	}
	return report, nil
}

// movingSubjects lists the subjects of r to register, leaving out the
// reference unless it contributes itself.
func (b *Builder) movingSubjects(r models.SubjectRange) []int {
	var out []int
	for _, s := range r.Subjects() {
		if s == r.FixedIndex && !b.params.IncludeReference {
			continue
		}
		out = append(out, s)
	}
	return out
}

// subjectTask processes one subject and returns the volume to accumulate.
type subjectTask func(ctx context.Context, subject int) (*SubjectResult, *models.Volume, error)

// runStage runs task for every subject on a bounded worker pool and folds
// the results into acc. Failures abort the stage or are recorded and
// skipped according to the failure policy; accumulator errors always abort.
func (b *Builder) runStage(ctx context.Context, stage Stage, subjects []int, task subjectTask, acc *atlas.Accumulator, report *Report) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.params.NumCores)
	var mu sync.Mutex

	for _, s := range subjects {
		s := s
		g.Go(func() error {
			start := time.Now()
			res, vol, err := task(gctx, s)
			if res == nil {
				res = &SubjectResult{Subject: s, Stage: stage}
			}
			res.Duration = time.Since(start)

			var serr *SubjectError
			if err != nil {
				serr = &SubjectError{Subject: s, Stage: stage, Err: err}
				res.Err = serr
				res.Skipped = b.params.FailurePolicy == config.FailureSkip && gctx.Err() == nil
			}
			mu.Lock()
			report.Results[s] = res
			mu.Unlock()

			if serr != nil {
				if res.Skipped {
					logging.Errorf("%v; skipping subject", serr)
					return nil
				}
				return serr
			}
			if err := acc.Add(vol); err != nil {
				return &SubjectError{Subject: s, Stage: stage, Err: err}
			}
			logging.Debugf("subject %d %s done in %s", s, stage, res.Duration)
			return nil
		})
	}
	return g.Wait()
}

func (b *Builder) affineTask(fixed *models.Volume, fixedIndex int, observe bool) subjectTask {
	warper := resample.Resampler{Workers: b.params.volumeWorkers()}
	return func(ctx context.Context, s int) (*SubjectResult, *models.Volume, error) {
		res := &SubjectResult{Subject: s, Stage: StageAffine}
		name := b.params.Naming.SubjectFileName(s)

		var out *models.Volume
		if s == fixedIndex {
			res.Reference, res.Converged = true, true
			out = fixed
		} else {
			moving, err := b.load(name)
			if err != nil {
				return res, nil, err
			}
			opts := b.params.Affine
			opts.Workers = b.params.volumeWorkers()
			if observe {
				opts.LevelObserver = func(l affine.LevelStart) {
					logging.Infof("subject %d: level %d (%v), max step %g", s, l.Level.Index, l.Grid, l.MaxStepLength)
				}
				opts.Observer = func(e affine.Event) {
					logging.Infof("subject %d: %d %g", s, e.Iteration, e.Value)
				}
			}

			logging.Infof("affinely registering %s", name)
			ar, err := affine.Register(ctx, fixed, moving, opts)
			if err != nil {
				return res, nil, err
			}
			res.Value, res.Converged = ar.Value, ar.Converged
			for _, lr := range ar.Levels {
				res.Iterations += lr.Iterations
			}
			if err := ar.Err(); err != nil {
				logging.Warningf("subject %d: %v; using last transform", s, err)
			}
			logging.Debugf("subject %d: transform %v", s, ar.Transform)

			out, err = warper.Resample(ctx, moving, fixed.Grid, ar.Transform)
			if err != nil {
				return res, nil, err
			}
		}

		if err := b.store.Save(b.params.Naming.AffineFileName(s), out); err != nil {
			return res, nil, err
		}
		return res, out, nil
	}
}

func (b *Builder) deformableTask(template *models.Volume, observe bool) subjectTask {
	warper := resample.Resampler{Workers: b.params.volumeWorkers()}
	return func(ctx context.Context, s int) (*SubjectResult, *models.Volume, error) {
		res := &SubjectResult{Subject: s, Stage: StageDeformable}
		name := b.params.Naming.AffineFileName(s)
		moving, err := b.load(name)
		if err != nil {
			return res, nil, err
		}

		matched, err := histogram.Match(moving, template, b.params.Histogram)
		if err != nil {
			return res, nil, fmt.Errorf("histogram matching: %w", err)
		}

		opts := b.params.Demons
		opts.Workers = b.params.volumeWorkers()
		if observe {
			opts.Observer = b.snapshotObserver(s)
		}

		logging.Infof("deformably registering %s", name)
		dr, err := demons.Register(ctx, template, matched, opts)
		if err != nil {
			return res, nil, err
		}
		res.Value, res.Iterations, res.Converged = dr.Metric, dr.Iterations, true

		if b.params.SaveFields {
			fs, ok := b.store.(FieldStore)
			if !ok {
				return res, nil, errors.New("store cannot save displacement fields")
			}
			if err := fs.SaveField(volio.FieldName(s), dr.Field.Field); err != nil {
				return res, nil, err
			}
		}

		out, err := warper.Warp(ctx, moving, dr.Field)
		if err != nil {
			return res, nil, err
		}
		return res, out, nil
	}
}

// snapshotObserver logs demons progress and saves a warped snapshot at the
// first iteration and every SnapshotEvery iterations.
func (b *Builder) snapshotObserver(s int) func(*demons.Event) {
	return func(e *demons.Event) {
		logging.Infof("subject %d: %d %g %g", s, e.Iteration, e.Metric, e.RMSChange)
		every := b.params.SnapshotEvery
		if e.Iteration != 1 && (every <= 0 || e.Iteration%every != 0) {
			return
		}
		snap, err := e.Snapshot()
		if err == nil {
			err = b.store.Save(volio.SnapshotName(s, e.Iteration), snap)
		}
		if err != nil {
			logging.Warningf("subject %d: snapshot at iteration %d: %v", s, e.Iteration, err)
		}
	}
}

// finish divides or keeps the raw sum, saves it and completes the report.
func (b *Builder) finish(report *Report, acc *atlas.Accumulator, name string, divide bool) error {
	report.Contributions = acc.Count()
	report.Divided = divide
	report.Divisor = 1
	if divide {
		report.Divisor = float64(report.Contributions)
		if b.params.Divisor > 0 {
			report.Divisor = b.params.Divisor
		}
	}

	out, err := acc.Finalize(report.Divisor)
	if err != nil {
		return fmt.Errorf("%s output: %w", report.Stage, err)
	}
	if err := b.store.Save(name, out); err != nil {
		return fmt.Errorf("failed to save %s: %w", name, err)
	}
	report.Output, report.OutputName = out, name
	logging.Infof("wrote %s (%d contributions, divisor %g)", name, report.Contributions, report.Divisor)
	return nil
}

func (b *Builder) load(name string) (*models.Volume, error) {
	v, err := b.store.Load(name)
	if err != nil {
		return nil, err
	}
	logging.Debugf("loaded %s: %v, %s voxels, %s", name, v.Grid,
		humanize.Comma(int64(v.NumVoxels())), humanize.Bytes(v.SizeInBytes()))
	return v, nil
}
