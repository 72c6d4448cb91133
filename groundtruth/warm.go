package groundtruth

import (
	"context"
	"runtime"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"pouw-captcha/internal/tensor"
	"pouw-captcha/internal/timing"
	"pouw-captcha/logging"
)

// ForwardFunc runs the model on input up to and including layer. FinalLayer
// requests the full forward pass.
type ForwardFunc func(ctx context.Context, input tensor.Tensor, layer int) (tensor.Tensor, error)

type Sample struct {
	ID    string
	Input tensor.Tensor
}

type WarmRequest struct {
	Model       string
	Version     string
	Samples     []Sample
	Layers      []int
	Forward     ForwardFunc
	Concurrency int
}

type WarmReport struct {
	Computed int
	Failed   int
	Saved    bool
}

// Warm pre-computes entries for every (sample, layer) pair. Pairs that fail are
// logged and skipped. The model's cache file is rewritten afterwards.
func (c *Cache) Warm(ctx context.Context, req WarmRequest) (WarmReport, error) {
	if req.Forward == nil {
		return WarmReport{}, errors.New("warm requires a forward function")
	}
	defer timing.TimeOperation("ground_truth_warm")()
	logging.Info("Warming ground truth cache", logging.GroundTruth, "model", req.Model, "samples", len(req.Samples), "layers", len(req.Layers))

	limit := req.Concurrency
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var computed, failed atomic.Int64
	for _, sample := range req.Samples {
		for _, layer := range req.Layers {
			sample, layer := sample, layer
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				output, err := req.Forward(gctx, sample.Input, layer)
				if err == nil {
					_, err = c.Add(AddRequest{
						SampleID:   sample.ID,
						Model:      req.Model,
						Version:    req.Version,
						LayerIndex: layer,
						Input:      sample.Input.Data,
						Output:     output,
						StoreFull:  layer == FinalLayer,
					})
				}
				if err != nil {
					failed.Add(1)
					logging.Warn("Failed to compute ground truth", logging.GroundTruth, "sample", sample.ID, "layer", layer, "error", err)
					return nil
				}
				computed.Add(1)
				return nil
			})
		}
	}

	report := WarmReport{}
	if err := g.Wait(); err != nil {
		report.Computed, report.Failed = int(computed.Load()), int(failed.Load())
		return report, err
	}
	report.Computed, report.Failed = int(computed.Load()), int(failed.Load())

	if err := c.Save(req.Model); err != nil {
		logging.Error("Failed to save warmed cache", logging.GroundTruth, "model", req.Model, "error", err)
		return report, err
	}
	report.Saved = true
	logging.Info("Cache warming complete", logging.GroundTruth, "model", req.Model, "computed", report.Computed, "failed", report.Failed)
	return report, nil
}
