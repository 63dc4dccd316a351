// Command retrain trains a new softmax classification layer on top of
// bottleneck features extracted from a folder of labelled images.
//
//	retrain -image_dir ~/flower_photos -how_many_training_steps 500
//
// The image directory holds one subfolder of JPEGs per label. The trained
// layer is written as an ONNX graph to -output_graph and the labels, one per
// output row, to -output_labels.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/klauspost/cpuid/v2"

	"github.com/tsawler/go-retrain/training"
	"github.com/tsawler/go-retrain/vision/dataloader"
	"github.com/tsawler/go-retrain/vision/features"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "retrain: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg := training.DefaultConfig()
	cfg.CacheWorkers = max(cpuid.CPU.PhysicalCores, 1)

	fs := flag.NewFlagSet("retrain", flag.ContinueOnError)
	fs.StringVar(&cfg.ImageDir, "image_dir", "", "Path to folders of labeled images.")
	fs.StringVar(&cfg.OutputGraph, "output_graph", cfg.OutputGraph, "Where to save the trained graph.")
	fs.StringVar(&cfg.OutputLabels, "output_labels", cfg.OutputLabels, "Where to save the trained graph's labels.")
	fs.IntVar(&cfg.TrainingSteps, "how_many_training_steps", cfg.TrainingSteps, "How many training steps to run before ending.")
	fs.Float64Var(&cfg.LearningRate, "learning_rate", cfg.LearningRate, "How large a learning rate to use when training.")
	fs.StringVar(&cfg.LRSchedule, "lr_schedule", cfg.LRSchedule, "Learning rate schedule: constant, step, exponential, cosine or plateau.")
	fs.IntVar(&cfg.TestingPercentage, "testing_percentage", cfg.TestingPercentage, "What percentage of images to use as a test set.")
	fs.IntVar(&cfg.ValidationPercentage, "validation_percentage", cfg.ValidationPercentage, "What percentage of images to use as a validation set.")
	fs.IntVar(&cfg.EvalStepInterval, "eval_step_interval", cfg.EvalStepInterval, "How often to evaluate the training results.")
	fs.IntVar(&cfg.TrainBatchSize, "train_batch_size", cfg.TrainBatchSize, "How many images to train on at a time.")
	fs.IntVar(&cfg.TestBatchSize, "test_batch_size", cfg.TestBatchSize, "How many images to test on at a time.")
	fs.IntVar(&cfg.ValidationBatchSize, "validation_batch_size", cfg.ValidationBatchSize, "How many images to use in an evaluation batch.")
	fs.StringVar(&cfg.BottleneckDir, "bottleneck_dir", cfg.BottleneckDir, "Path to cache bottleneck layer values as files.")
	fs.StringVar(&cfg.FinalTensorName, "final_tensor_name", cfg.FinalTensorName, "The name of the output classification layer in the retrained graph.")
	fs.BoolVar(&cfg.Distortions.FlipLeftRight, "flip_left_right", false, "Whether to randomly flip half of the training images horizontally.")
	fs.IntVar(&cfg.Distortions.RandomCrop, "random_crop", 0, "A percentage determining how much of a margin to randomly crop off the training images.")
	fs.IntVar(&cfg.Distortions.RandomScale, "random_scale", 0, "A percentage determining how much to randomly scale up the size of the training images by.")
	fs.IntVar(&cfg.Distortions.RandomBrightness, "random_brightness", 0, "A percentage determining how much to randomly multiply the training image input pixels up or down by.")
	fs.IntVar(&cfg.CacheWorkers, "cache_workers", cfg.CacheWorkers, "How many images to extract bottlenecks for in parallel.")
	fs.IntVar(&cfg.MemoryCacheItems, "memory_cache_items", cfg.MemoryCacheItems, "How many bottlenecks to keep in memory, 0 disables the memory cache.")
	fs.Int64Var(&cfg.Seed, "seed", cfg.Seed, "Seed for weight initialization and minibatch sampling.")
	fs.StringVar(&cfg.HistoryDB, "history_db", "", "SQLite file to record the run in.")
	fs.BoolVar(&cfg.ShowProgress, "progress", false, "Show a progress bar on stderr.")
	missing := fs.String("missing_images", dataloader.AbortOnMissing.String(), "What to do when an image disappears: abort or skip.")
	extractorURL := fs.String("extractor_url", "", "Base URL of a feature extraction sidecar; the built-in pixel grid extractor is used when empty.")
	verbose := fs.Bool("v", false, "Enable debug logging.")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	policy, err := dataloader.ParseMissingImagePolicy(*missing)
	if err != nil {
		return err
	}
	cfg.MissingImages = policy

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	extractor, err := newExtractor(ctx, *extractorURL, logger)
	if err != nil {
		return err
	}

	opts := []training.Option{
		training.WithLogger(logger),
		training.WithProgressOutput(os.Stderr),
	}
	if cfg.HistoryDB != "" {
		history, err := training.OpenHistory(cfg.HistoryDB)
		if err != nil {
			return err
		}
		defer history.Close()
		opts = append(opts, training.WithHistory(history))
	}

	r, err := training.NewRetrainer(cfg, extractor, opts...)
	if err != nil {
		return err
	}
	report, err := r.Run(ctx)
	if err != nil {
		return err
	}

	logger.Info("retraining complete",
		"run", report.RunID,
		"labels", len(report.Labels),
		"strategy", report.Strategy,
		"test_accuracy", fmt.Sprintf("%.1f%%", report.TestAccuracy*100))
	return nil
}

func newExtractor(ctx context.Context, url string, logger *slog.Logger) (features.Extractor, error) {
	if url == "" {
		ex := features.NewDefaultExtractor()
		logger.Info("using pixel grid extractor", "version", ex.Version(), "dim", ex.Dim())
		return ex, nil
	}

	config := features.DefaultRemoteConfig()
	config.BaseURL = url
	ex := features.NewRemoteExtractor(config)
	if err := ex.CheckHealth(ctx); err != nil {
		return nil, fmt.Errorf("feature extractor at %s: %w", url, err)
	}
	logger.Info("using remote extractor", "url", url, "version", ex.Version(), "dim", ex.Dim())
	return ex, nil
}
