// Command classify labels a single image with a graph written by retrain.
//
//	classify -graph /tmp/output_graph.pb -labels /tmp/output_labels.txt photo.jpg
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/tsawler/go-retrain/checkpoints"
	"github.com/tsawler/go-retrain/training"
	"github.com/tsawler/go-retrain/vision/features"
)

type prediction struct {
	label       string
	probability float64
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "classify: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("classify", flag.ContinueOnError)
	graphPath := fs.String("graph", "/tmp/output_graph.pb", "Trained graph written by retrain.")
	labelsPath := fs.String("labels", "", "Labels file; the labels embedded in the graph are used when empty.")
	top := fs.Int("top", 5, "How many predictions to print.")
	extractorURL := fs.String("extractor_url", "", "Base URL of the feature extraction sidecar used for training.")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if *top <= 0 {
		return fmt.Errorf("-top must be positive, got %d", *top)
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("expected one image path, got %d", fs.NArg())
	}

	graph, err := os.ReadFile(*graphPath)
	if err != nil {
		return fmt.Errorf("failed to read graph: %w", err)
	}
	layer, ckpt, err := training.NewSoftmaxLayerFromGraph(graph)
	if err != nil {
		return err
	}

	labels := ckpt.Labels
	if *labelsPath != "" {
		if labels, err = checkpoints.ReadLabels(*labelsPath); err != nil {
			return err
		}
	}
	if len(labels) != layer.Classes() {
		return fmt.Errorf("%d labels for %d graph outputs", len(labels), layer.Classes())
	}

	var extractor features.Extractor = features.NewDefaultExtractor()
	if *extractorURL != "" {
		config := features.DefaultRemoteConfig()
		config.BaseURL = *extractorURL
		extractor = features.NewRemoteExtractor(config)
	}
	if v := ckpt.Metadata.Extractor; v != "" && v != extractor.Version() {
		return fmt.Errorf("graph was trained on %s features, extractor produces %s", v, extractor.Version())
	}
	if extractor.Dim() != layer.Inputs() {
		return fmt.Errorf("graph expects %d features, extractor produces %d", layer.Inputs(), extractor.Dim())
	}

	image, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}
	bottleneck, err := extractor.ExtractEncoded(context.Background(), image)
	if err != nil {
		return err
	}
	probs, err := layer.Predict([][]float32{bottleneck})
	if err != nil {
		return err
	}

	preds := make([]prediction, len(labels))
	for i, l := range labels {
		preds[i] = prediction{label: l, probability: probs[0][i]}
	}
	sort.SliceStable(preds, func(i, j int) bool { return preds[i].probability > preds[j].probability })
	for _, p := range preds[:min(*top, len(preds))] {
		fmt.Fprintf(out, "%s (score = %.5f)\n", p.label, p.probability)
	}
	return nil
}
