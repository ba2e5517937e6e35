// Package training runs the fine-tuning loop: per-epoch training and
// validation passes, early stopping, checkpointing of the best model and a
// final test pass on it.
package training

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/tsawler/go-plm/artifact"
	"github.com/tsawler/go-plm/checkpoints"
	"github.com/tsawler/go-plm/data"
	"github.com/tsawler/go-plm/errdefs"
	"github.com/tsawler/go-plm/internal/logging"
	"github.com/tsawler/go-plm/models"
	"github.com/tsawler/go-plm/optimizer"
)

// BatchSource yields the batches of one pass. data.Loader implements it.
type BatchSource interface {
	Batches(ctx context.Context) iter.Seq2[data.Batch, error]
	Len() int
}

// State holds the run-wide counters.
type State struct {
	GlobalStep       int
	Epoch            int
	BestScore        float64
	EarlyStopCounter int
}

// Result is the outcome of an evaluation pass.
type Result struct {
	Loss    float64
	Metrics map[string]float64
	// Names lists the metrics in declared order.
	Names []string
}

// Option configures a Trainer.
type Option func(*Trainer)

// WithMetricSink sends train, validation and test scalars to sink. Without
// it nothing is tracked, whatever the wandb setting.
func WithMetricSink(sink MetricSink) Option {
	return func(t *Trainer) { t.sink = sink }
}

// WithPreparer replaces the LocalPreparer.
func WithPreparer(p DistributedPreparer) Option {
	return func(t *Trainer) { t.preparer = p }
}

// WithStore writes checkpoints and the configuration dump to store instead
// of the store opened on OutputDir.
func WithStore(store artifact.Store) Option {
	return func(t *Trainer) { t.store = store }
}

// WithFactory sets how a fresh backbone is built when a PEFT checkpoint is
// loaded. It defaults to the configuration of the backbone being trained.
func WithFactory(f models.Factory) Option {
	return func(t *Trainer) { t.factory = f }
}

// WithProgress draws progress bars on w.
func WithProgress(w io.Writer) Option {
	return func(t *Trainer) { t.progress = w }
}

// Trainer coordinates a training run over a head/backbone pair.
type Trainer struct {
	cfg       Config
	method    checkpoints.Method
	pair      *models.Pair
	optimizer optimizer.Optimizer
	scheduler LRScheduler
	loss      Loss
	metrics   *MetricSet
	gate      *ValidationGate
	manager   *checkpoints.Manager

	store    artifact.Store
	factory  models.Factory
	sink     MetricSink
	preparer DistributedPreparer
	progress io.Writer
	log      *slog.Logger

	state State
	// optimizer steps taken, the scheduler's clock
	steps int
}

// NewTrainer validates cfg, prepares the backbone for the training method,
// builds the optimizer, loss and metrics, and dumps the configuration next
// to the checkpoint.
func NewTrainer(ctx context.Context, cfg Config, pair *models.Pair, opts ...Option) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	owned, err := cfg.Clone()
	if err != nil {
		return nil, err
	}
	owned.EnsureRunID()

	t := &Trainer{cfg: owned, pair: pair, log: logging.FromContext(ctx)}
	for _, opt := range opts {
		opt(t)
	}
	t.logColumns()

	if t.method, err = owned.Method(); err != nil {
		return nil, err
	}
	if err := t.method.Prepare(pair.Backbone); err != nil {
		return nil, err
	}
	if t.metrics, err = NewMetricSet(owned.Metrics, owned.NumLabels, owned.ProblemType); err != nil {
		return nil, err
	}
	groups := t.method.ParamGroups(pair.Head, pair.Backbone, owned.LearningRate, owned.WeightDecay)
	opt, err := optimizer.NewAdamW(optimizer.DefaultAdamWConfig(), groups...)
	if err != nil {
		return nil, fmt.Errorf("create optimizer: %v: %w", err, errdefs.ErrConfiguration)
	}
	if t.loss, err = NewLossPolicy(owned.ProblemType, owned.NumLabels); err != nil {
		return nil, err
	}

	if t.preparer == nil {
		if t.preparer, err = NewLocalPreparer(owned.Device); err != nil {
			return nil, err
		}
	}
	if t.pair, t.optimizer, err = t.preparer.Prepare(ctx, pair, opt); err != nil {
		return nil, fmt.Errorf("prepare for execution: %w", err)
	}

	if t.gate, err = NewValidationGate(owned.Monitor, owned.MonitorStrategy, owned.Patience); err != nil {
		return nil, err
	}
	t.state.BestScore = t.gate.Best()

	if t.store == nil {
		if t.store, err = artifact.Open(ctx, owned.OutputDir); err != nil {
			return nil, err
		}
	}
	if t.factory == nil {
		if enc, ok := pair.Backbone.(*models.Encoder); ok {
			t.factory = models.ConfigFactory{Config: enc.Config()}
		}
	}
	t.manager = checkpoints.NewManager(t.store, t.factory)

	total, trainable := models.ParamCount(pair.Backbone)
	t.log.Info("Model prepared", "training_method", t.method.Name(), "run_id", owned.RunID,
		"backbone_params", total, "backbone_trainable", trainable)

	if err := owned.Dump(ctx, t.store); err != nil {
		return nil, fmt.Errorf("dump configuration: %w", err)
	}
	return t, nil
}

func (t *Trainer) logColumns() {
	t.log.Info(fmt.Sprintf("Using sequence column: %s", t.cfg.SequenceColumnName))
	t.log.Info(fmt.Sprintf("Using label column: %s", t.cfg.LabelColumnName))
}

// Config returns the trainer's copy of the configuration.
func (t *Trainer) Config() Config { return t.cfg }

// State returns the run counters.
func (t *Trainer) State() State { return t.state }

// Pair returns the model. After Test it holds the restored best checkpoint.
func (t *Trainer) Pair() *models.Pair { return t.pair }

// Optimizer returns the optimizer.
func (t *Trainer) Optimizer() optimizer.Optimizer { return t.optimizer }

// Method returns the training method.
func (t *Trainer) Method() checkpoints.Method { return t.method }

// Manager returns the checkpoint manager.
func (t *Trainer) Manager() *checkpoints.Manager { return t.manager }

// Train runs up to NumEpochs epochs of training and validation. The best
// model by the monitor is saved after each improving validation; training
// stops early when patience runs out.
func (t *Trainer) Train(ctx context.Context, train, val BatchSource) error {
	if t.scheduler == nil {
		perEpoch := (train.Len() + t.cfg.GradientAccumulationSteps - 1) / t.cfg.GradientAccumulationSteps
		sched, err := scheduleFor(&t.cfg, perEpoch*t.cfg.NumEpochs)
		if err != nil {
			return err
		}
		t.scheduler = sched
		t.applySchedule()
	}

	for epoch := 0; epoch < t.cfg.NumEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		t.state.Epoch = epoch
		t.log.Info(fmt.Sprintf("---------- Epoch %d ----------", epoch))

		trainLoss, err := t.trainEpoch(ctx, train)
		if err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}
		t.log.Info(fmt.Sprintf("Epoch %d Train Loss: %.4f", epoch, trainLoss))

		res, err := t.evaluate(ctx, val, "Validating")
		if err != nil {
			return fmt.Errorf("epoch %d validation: %w", epoch, err)
		}
		stop, err := t.handleValidation(ctx, epoch, res)
		if err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}
		if stop {
			t.log.Info(fmt.Sprintf("Early stop at Epoch %d", epoch))
			break
		}
	}
	return nil
}

func (t *Trainer) trainEpoch(ctx context.Context, src BatchSource) (float64, error) {
	t.pair.Train()
	trainsBackbone := t.method.TrainsBackbone()
	accum := t.cfg.GradientAccumulationSteps
	bar := NewProgressBar(t.progress, "Training", src.Len())
	defer bar.Finish()

	var totalLoss float64
	var totalSamples, pending int
	for batch, err := range src.Batches(ctx) {
		if err != nil {
			return 0, err
		}
		loss, size, err := t.trainingStep(batch, trainsBackbone, float32(1)/float32(accum))
		if err != nil {
			return 0, err
		}
		totalLoss += loss * float64(size)
		totalSamples += size
		pending++
		if pending == accum {
			if err := t.optimizerStep(trainsBackbone); err != nil {
				return 0, err
			}
			pending = 0
		}

		t.state.GlobalStep++
		if err := t.track(ctx, t.state.GlobalStep, map[string]float64{
			"train/loss":          loss,
			"train/learning_rate": t.optimizer.Groups()[0].LR,
		}); err != nil {
			return 0, err
		}
		bar.Update(map[string]float64{
			"train_loss": loss,
			"grad_step":  float64(t.state.GlobalStep / accum),
		})
	}
	// the last partial accumulation window still steps
	if pending > 0 {
		if err := t.optimizerStep(trainsBackbone); err != nil {
			return 0, err
		}
	}
	if totalSamples == 0 {
		return 0, fmt.Errorf("training pass produced no samples: %w", errdefs.ErrConfiguration)
	}
	return totalLoss / float64(totalSamples), nil
}

// trainingStep runs forward and backward on one batch and returns the
// unscaled loss and the batch size. Gradients are accumulated scaled by
// scale.
func (t *Trainer) trainingStep(batch data.Batch, trainsBackbone bool, scale float32) (float64, int, error) {
	batch, err := batch.To(t.preparer.Device())
	if err != nil {
		return 0, 0, err
	}
	labels, err := batch.Label()
	if err != nil {
		return 0, 0, fmt.Errorf("%v: %w", err, errdefs.ErrConfiguration)
	}
	logits, err := t.pair.Forward(batch)
	if err != nil {
		return 0, 0, err
	}
	lossT, err := t.loss.Forward(logits, labels)
	if err != nil {
		return 0, 0, err
	}
	loss, err := lossT.Item()
	if err != nil {
		return 0, 0, err
	}
	grad, err := t.loss.Backward(logits, labels)
	if err != nil {
		return 0, 0, err
	}
	if scale != 1 {
		g, err := grad.Float32s()
		if err != nil {
			return 0, 0, fmt.Errorf("scale loss gradient: %w", err)
		}
		for i := range g {
			g[i] *= scale
		}
	}
	if err := t.pair.Backward(grad, trainsBackbone); err != nil {
		return 0, 0, err
	}
	return loss, batch.Size(), nil
}

// optimizerStep clips, steps the optimizer and the scheduler, and clears
// the gradients.
func (t *Trainer) optimizerStep(trainsBackbone bool) error {
	if t.cfg.MaxGradNorm > 0 {
		params := t.pair.Head.Parameters()
		if trainsBackbone {
			params = append(params, t.pair.Backbone.Parameters()...)
		}
		if _, err := optimizer.ClipGradNorm(params, t.cfg.MaxGradNorm); err != nil {
			return fmt.Errorf("clip gradients: %v", err)
		}
	}
	if err := t.optimizer.Step(); err != nil {
		return fmt.Errorf("optimizer step: %v", err)
	}
	t.steps++
	t.applySchedule()
	t.optimizer.ZeroGrad()
	return nil
}

func (t *Trainer) applySchedule() {
	if t.scheduler == nil {
		return
	}
	f := t.scheduler.Factor(t.steps)
	for i, g := range t.optimizer.Groups() {
		t.optimizer.SetLearningRate(i, g.BaseLR*f)
	}
}

// handleValidation logs and tracks a validation result, consults the gate
// and saves the model on improvement. It reports whether to stop.
func (t *Trainer) handleValidation(ctx context.Context, epoch int, res Result) (bool, error) {
	t.log.Info(fmt.Sprintf("Epoch %d Val Loss: %.4f", epoch, res.Loss))
	for _, name := range res.Names {
		t.log.Info(fmt.Sprintf("Epoch %d Val %s: %.4f", epoch, name, res.Metrics[name]))
	}
	values := prefixed("val/", res.Metrics)
	values["val/loss"] = res.Loss
	if err := t.track(ctx, t.state.GlobalStep, values); err != nil {
		return false, err
	}

	d, err := t.gate.Observe(res.Loss, res.Metrics)
	if err != nil {
		return false, err
	}
	t.state.BestScore = t.gate.Best()
	t.state.EarlyStopCounter = t.gate.Counter()

	if d.Save {
		t.log.Info(fmt.Sprintf("Saving model with best val %s: %.4f", t.cfg.Monitor, d.MonitorValue))
		if err := t.manager.Save(ctx, t.method, t.pair.Head, t.pair.Backbone, t.cfg.CheckpointPath()); err != nil {
			return false, err
		}
	}
	if d.Stop {
		t.log.Info(fmt.Sprintf("Early stopping triggered after %d epochs without improvement", t.state.EarlyStopCounter))
	}
	return d.Stop, nil
}

// Validate runs a gradient-free pass over src.
func (t *Trainer) Validate(ctx context.Context, src BatchSource) (Result, error) {
	return t.evaluate(ctx, src, "Validating")
}

// Test restores the best checkpoint, evaluates it on src and reports the
// results.
func (t *Trainer) Test(ctx context.Context, src BatchSource) (Result, error) {
	backbone, err := t.manager.Load(ctx, t.method, t.pair.Head, t.pair.Backbone, t.cfg.CheckpointPath())
	if err != nil {
		return Result{}, err
	}
	t.pair.Backbone = backbone

	t.log.Info("---------- Starting Test Phase ----------")
	res, err := t.evaluate(ctx, src, "Testing")
	if err != nil {
		return Result{}, err
	}
	t.log.Info("Test Results:")
	t.log.Info(fmt.Sprintf("Test Loss: %.4f", res.Loss))
	for _, name := range res.Names {
		t.log.Info(fmt.Sprintf("Test %s: %.4f", name, res.Metrics[name]))
	}
	values := prefixed("test/", res.Metrics)
	values["test/loss"] = res.Loss
	if err := t.track(ctx, t.state.GlobalStep, values); err != nil {
		return Result{}, err
	}
	return res, nil
}

func (t *Trainer) evaluate(ctx context.Context, src BatchSource, desc string) (Result, error) {
	return Evaluate(ctx, t.pair, t.loss, t.metrics, src, EvalOptions{
		Device:      t.preparer.Device(),
		Progress:    t.progress,
		Description: desc,
	})
}

func (t *Trainer) track(ctx context.Context, step int, values map[string]float64) error {
	if t.sink == nil || !t.cfg.Wandb {
		return nil
	}
	if err := t.sink.Log(ctx, step, values); err != nil {
		return fmt.Errorf("track metrics: %w", err)
	}
	return nil
}

var _ BatchSource = (*data.Loader)(nil)
