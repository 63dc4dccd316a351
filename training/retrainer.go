package training

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/tsawler/go-retrain/checkpoints"
	"github.com/tsawler/go-retrain/vision/dataloader"
	"github.com/tsawler/go-retrain/vision/dataset"
	"github.com/tsawler/go-retrain/vision/features"
	"github.com/tsawler/go-retrain/vision/preprocessing"
)

// Evaluation is one periodic measurement taken during training
type Evaluation struct {
	Step               int
	TrainAccuracy      float64
	CrossEntropy       float64
	ValidationAccuracy float64
	LearningRate       float64
}

// Report summarizes a finished run
type Report struct {
	RunID             string
	Labels            []string
	Strategy          dataloader.Strategy
	CachedBottlenecks int
	Evaluations       []Evaluation
	TestAccuracy      float64
	TestSamples       int
	Confusion         *ConfusionMatrix // nil unless the layer is a Predictor
	Bottlenecks       dataloader.BottleneckStats
}

// LayerFactory builds the trainable layer once the input size and class
// count are known.
type LayerFactory func(inputs, classes int) (Layer, error)

// Retrainer drives a complete retraining run
type Retrainer struct {
	config    Config
	extractor features.Extractor
	newLayer  LayerFactory
	logger    *slog.Logger
	progress  io.Writer
	history   *History
}

// Option configures a Retrainer
type Option func(*Retrainer)

// WithLogger sets the logger; the default discards output
func WithLogger(logger *slog.Logger) Option {
	return func(r *Retrainer) { r.logger = logger }
}

// WithProgressOutput renders a progress bar to w when ShowProgress is set
func WithProgressOutput(w io.Writer) Option {
	return func(r *Retrainer) { r.progress = w }
}

// WithHistory records the run in h
func WithHistory(h *History) Option {
	return func(r *Retrainer) { r.history = h }
}

// WithLayerFactory replaces the default softmax layer
func WithLayerFactory(f LayerFactory) Option {
	return func(r *Retrainer) { r.newLayer = f }
}

// NewRetrainer validates config and prepares a run
func NewRetrainer(config Config, extractor features.Extractor, opts ...Option) (*Retrainer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if extractor == nil {
		return nil, &ConfigError{Field: "extractor", Err: fmt.Errorf("must be set")}
	}
	r := &Retrainer{
		config:    config,
		extractor: extractor,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	r.newLayer = func(inputs, classes int) (Layer, error) {
		return NewSoftmaxLayer(SoftmaxConfig{
			Inputs:       inputs,
			Classes:      classes,
			LearningRate: config.LearningRate,
			Seed:         config.Seed,
		})
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return r, nil
}

// run holds the state shared by the phases of one Run call
type run struct {
	id       string
	ds       *dataset.Dataset
	cache    *dataloader.BottleneckCache
	cached   *dataloader.Sampler
	train    *dataloader.Sampler
	layer    Layer
	schedule LRScheduler
	report   *Report
}

// Run partitions the images, warms the cache when distortions are off,
// trains for the configured number of steps, evaluates on the test split
// and writes the graph and labels files.
func (r *Retrainer) Run(ctx context.Context) (report *Report, err error) {
	st, err := r.init(ctx)
	if err != nil {
		return nil, err
	}

	if r.history != nil {
		if err := r.history.StartRun(ctx, RunRecord{
			ID:        st.id,
			StartedAt: time.Now(),
			ImageDir:  r.config.ImageDir,
			Labels:    st.report.Labels,
			Extractor: r.extractor.Version(),
			Strategy:  st.report.Strategy.String(),
		}, r.config); err != nil {
			return nil, err
		}
		defer func() {
			status := RunCompleted
			if err != nil {
				status = RunFailed
			}
			if ferr := r.history.FinishRun(context.WithoutCancel(ctx), st.id, status); ferr != nil {
				r.logger.Warn("failed to finish run in history", "run", st.id, "error", ferr)
			}
		}()
	}

	if st.report.Strategy == dataloader.CachedBottlenecks {
		n, err := st.cache.CacheAll(ctx, r.config.CacheWorkers)
		if err != nil {
			return nil, fmt.Errorf("failed to cache bottlenecks: %w", err)
		}
		st.report.CachedBottlenecks = n
		r.logger.Info("bottlenecks cached", "count", n, "dir", st.cache.Root())
	}

	if err := r.trainLoop(ctx, st); err != nil {
		return nil, err
	}
	if err := r.finalTest(ctx, st); err != nil {
		return nil, err
	}
	if err := r.export(st); err != nil {
		return nil, err
	}

	st.report.Bottlenecks = st.cache.Stats()
	r.logger.Debug(st.report.Bottlenecks.String())
	return st.report, nil
}

func (r *Retrainer) init(ctx context.Context) (*run, error) {
	cfg := r.config
	ds, err := dataset.CreateImageLists(cfg.ImageDir, cfg.TestingPercentage, cfg.ValidationPercentage, r.logger)
	if err != nil {
		return nil, err
	}
	switch ds.Len() {
	case 0:
		return nil, &ConfigError{Err: fmt.Errorf("%w at %s", ErrNoLabels, cfg.ImageDir)}
	case 1:
		return nil, &ConfigError{Err: fmt.Errorf("%w: only one valid folder of images found at %s", ErrNotEnoughClasses, cfg.ImageDir)}
	}
	r.logger.Info("partitioned images", "labels", ds.Len(), "images", ds.Total())

	cache, err := dataloader.NewBottleneckCache(ds, r.extractor, dataloader.BottleneckConfig{
		ImageDir:      cfg.ImageDir,
		CacheDir:      cfg.BottleneckDir,
		MemoryItems:   cfg.MemoryCacheItems,
		MissingImages: cfg.MissingImages,
		Logger:        r.logger,
	})
	if err != nil {
		return nil, err
	}

	st := &run{
		id:    uuid.NewString(),
		ds:    ds,
		cache: cache,
		cached: dataloader.NewSampler(ds, cache,
			rand.New(rand.NewSource(cfg.Seed)), cfg.MissingImages),
		report: &Report{
			Labels:   ds.Labels(),
			Strategy: cfg.Strategy(),
		},
	}
	st.report.RunID = st.id
	st.train = st.cached

	if st.report.Strategy == dataloader.DistortedImages {
		w, h := r.extractor.InputSize()
		distorter, err := preprocessing.NewDistorter(cfg.Distortions, w, h, rand.New(rand.NewSource(cfg.Seed+1)))
		if err != nil {
			return nil, &ConfigError{Field: "distortions", Err: err}
		}
		source := dataloader.NewDistortedSource(ds, cfg.ImageDir, distorter, r.extractor)
		st.train = dataloader.NewSampler(ds, source, rand.New(rand.NewSource(cfg.Seed+2)), cfg.MissingImages)
	}

	st.layer, err = r.newLayer(r.extractor.Dim(), ds.Len())
	if err != nil {
		return nil, fmt.Errorf("failed to create layer: %w", err)
	}
	st.schedule, err = ParseScheduler(cfg.LRSchedule, cfg.TrainingSteps)
	if err != nil {
		return nil, &ConfigError{Field: "learning rate schedule", Err: err}
	}
	return st, nil
}

func (r *Retrainer) trainLoop(ctx context.Context, st *run) error {
	cfg := r.config
	var bar *ProgressBar
	if cfg.ShowProgress && r.progress != nil {
		bar = NewProgressBar(r.progress, "Training", cfg.TrainingSteps)
		defer bar.Finish()
	}
	setter, _ := st.layer.(LearningRateSetter)

	for step := 0; step < cfg.TrainingSteps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lr := st.schedule.LearningRate(step, cfg.LearningRate)
		if setter != nil {
			setter.SetLearningRate(lr)
		}

		batch, err := st.train.Sample(ctx, cfg.TrainBatchSize, dataset.Training)
		if err != nil {
			return fmt.Errorf("step %d: failed to sample training batch: %w", step, err)
		}
		if err := st.layer.TrainStep(batch.Features, batch.Labels); err != nil {
			return fmt.Errorf("step %d: training failed: %w", step, err)
		}

		last := step+1 == cfg.TrainingSteps
		if step%cfg.EvalStepInterval == 0 || last {
			eval, err := r.evaluate(ctx, st, step, lr, batch)
			if err != nil {
				return err
			}
			st.report.Evaluations = append(st.report.Evaluations, eval)
			if bar != nil {
				bar.UpdateMetrics(map[string]float64{
					"train_acc": eval.TrainAccuracy,
					"val_acc":   eval.ValidationAccuracy,
					"loss":      eval.CrossEntropy,
				})
			}
		}
		if bar != nil {
			bar.Update(step+1, nil)
		}
	}
	return nil
}

// evaluate measures the training batch just used and a fresh cached
// validation batch.
func (r *Retrainer) evaluate(ctx context.Context, st *run, step int, lr float64, batch *dataloader.Minibatch) (Evaluation, error) {
	trainAcc, xent, err := st.layer.Evaluate(batch.Features, batch.Labels)
	if err != nil {
		return Evaluation{}, fmt.Errorf("step %d: evaluation failed: %w", step, err)
	}
	val, err := st.cached.Sample(ctx, r.config.ValidationBatchSize, dataset.Validation)
	if err != nil {
		return Evaluation{}, fmt.Errorf("step %d: failed to sample validation batch: %w", step, err)
	}
	valAcc, _, err := st.layer.Evaluate(val.Features, val.Labels)
	if err != nil {
		return Evaluation{}, fmt.Errorf("step %d: validation failed: %w", step, err)
	}

	eval := Evaluation{
		Step:               step,
		TrainAccuracy:      trainAcc,
		CrossEntropy:       xent,
		ValidationAccuracy: valAcc,
		LearningRate:       lr,
	}
	r.logger.Info("evaluation",
		"step", step,
		"train_accuracy", fmt.Sprintf("%.1f%%", trainAcc*100),
		"cross_entropy", xent,
		"validation_accuracy", fmt.Sprintf("%.1f%%", valAcc*100))

	if obs, ok := st.schedule.(MetricObserver); ok {
		obs.Observe(valAcc)
	}
	if r.history != nil {
		if err := r.history.RecordEvaluation(ctx, st.id, eval); err != nil {
			return Evaluation{}, err
		}
	}
	return eval, nil
}

func (r *Retrainer) finalTest(ctx context.Context, st *run) error {
	test, err := st.cached.Sample(ctx, r.config.TestBatchSize, dataset.Testing)
	if err != nil {
		return fmt.Errorf("failed to sample test batch: %w", err)
	}
	accuracy, _, err := st.layer.Evaluate(test.Features, test.Labels)
	if err != nil {
		return fmt.Errorf("final test failed: %w", err)
	}
	st.report.TestAccuracy = accuracy
	st.report.TestSamples = test.Len()

	if p, ok := st.layer.(Predictor); ok {
		probs, err := p.Predict(test.Features)
		if err != nil {
			return fmt.Errorf("final test prediction failed: %w", err)
		}
		cm := NewConfusionMatrix(st.ds.Labels())
		if err := cm.Update(probs, test.LabelIndices); err != nil {
			return err
		}
		st.report.Confusion = cm
		r.logger.Debug("confusion matrix\n" + cm.String())
		r.logger.Info("test metrics",
			"macro_precision", cm.GetMetric(MacroPrecision),
			"macro_recall", cm.GetMetric(MacroRecall),
			"macro_f1", cm.GetMetric(MacroF1))
	}
	r.logger.Info(fmt.Sprintf("Final test accuracy = %.1f%%", accuracy*100), "samples", test.Len())

	if r.history != nil {
		if err := r.history.RecordTest(ctx, st.id, accuracy, test.Len(), st.report.Confusion); err != nil {
			return err
		}
	}
	return nil
}

func (r *Retrainer) export(st *run) error {
	if a, ok := st.layer.(Annotator); ok {
		a.Annotate(st.id, r.extractor.Version(), r.config.TrainingSteps)
	}
	graph, err := st.layer.Export(r.config.FinalTensorName, st.ds.Labels())
	if err != nil {
		return fmt.Errorf("failed to export graph: %w", err)
	}
	if err := checkpoints.WriteFile(r.config.OutputGraph, graph); err != nil {
		return err
	}
	if err := checkpoints.WriteLabels(r.config.OutputLabels, st.ds.Labels()); err != nil {
		return err
	}
	r.logger.Info("saved model", "graph", r.config.OutputGraph, "labels", r.config.OutputLabels)
	return nil
}
