// Command plmtune fine-tunes a classification or regression head, with an
// optional adapter, on top of a protein language model backbone.
package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/MakeNowJust/heredoc/v2"

	"github.com/tsawler/go-plm/artifact"
	"github.com/tsawler/go-plm/checkpoints"
	"github.com/tsawler/go-plm/data"
	"github.com/tsawler/go-plm/internal/logging"
	"github.com/tsawler/go-plm/models"
	"github.com/tsawler/go-plm/tensor"
	"github.com/tsawler/go-plm/training"
)

var usage = heredoc.Doc(`
	Usage: plmtune <command> [flags]

	Commands:
	  train   train on -train_file, validate on -valid_file every epoch, keep
	          the best checkpoint and evaluate it on -test_file when given
	  test    evaluate the saved checkpoint on -test_file
	  eval    evaluate the saved checkpoint on -test_file and write
	          test_metrics.csv and test_result.csv to -test_result_dir

	Flags may be combined with -config, a JSON file using the same names;
	flags given on the command line win.

	Training methods: %s
`)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "plmtune: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	printUsage := func() {
		fmt.Fprintf(stderr, usage, strings.Join(checkpoints.MethodNames(), ", "))
	}
	if len(args) == 0 {
		printUsage()
		return flag.ErrHelp
	}
	command := args[0]
	if command != "train" && command != "test" && command != "eval" {
		printUsage()
		return fmt.Errorf("unknown command %q", command)
	}

	cfg, jsonLogs, err := parseFlags(command, args[1:], stderr)
	if err != nil {
		return err
	}
	ctx = logging.NewContext(ctx, logging.New(stderr, jsonLogs))

	switch command {
	case "train":
		return train(ctx, cfg, stderr, true)
	case "test":
		return train(ctx, cfg, stderr, false)
	default:
		return evaluate(ctx, cfg, stderr)
	}
}

// parseFlags applies the command line over -config, itself over the defaults.
func parseFlags(command string, args []string, stderr io.Writer) (training.Config, bool, error) {
	cfg := training.DefaultConfig()
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	bindConfig(fs, &cfg)
	configPath := fs.String("config", "", "JSON configuration file")
	jsonLogs := fs.Bool("log_json", false, "log as JSON")
	if err := fs.Parse(args); err != nil {
		return cfg, false, err
	}
	if *configPath == "" {
		return cfg, *jsonLogs, nil
	}

	fromFile, err := training.LoadConfig(*configPath)
	if err != nil {
		return cfg, false, err
	}
	overrides := flag.NewFlagSet(command, flag.ContinueOnError)
	bindConfig(overrides, &fromFile)
	fs.Visit(func(f *flag.Flag) {
		if overrides.Lookup(f.Name) != nil {
			err = errors.Join(err, overrides.Set(f.Name, f.Value.String()))
		}
	})
	return fromFile, *jsonLogs, err
}

func bindConfig(fs *flag.FlagSet, c *training.Config) {
	fs.StringVar(&c.ProblemType, "problem_type", c.ProblemType, "classification, regression, multi_label_classification or residue_*")
	fs.IntVar(&c.NumLabels, "num_labels", c.NumLabels, "number of labels")
	fs.StringVar(&c.TrainingMethod, "training_method", c.TrainingMethod, "training method")
	fs.Float64Var(&c.LearningRate, "learning_rate", c.LearningRate, "learning rate")
	fs.Float64Var(&c.WeightDecay, "weight_decay", c.WeightDecay, "AdamW weight decay")
	fs.IntVar(&c.GradientAccumulationSteps, "gradient_accumulation_steps", c.GradientAccumulationSteps, "batches per optimizer step")
	fs.Float64Var(&c.MaxGradNorm, "max_grad_norm", c.MaxGradNorm, "gradient clipping norm, 0 disables")
	fs.StringVar(&c.Monitor, "monitor", c.Monitor, "loss or one of -metrics")
	fs.StringVar(&c.MonitorStrategy, "monitor_strategy", c.MonitorStrategy, "min or max")
	fs.IntVar(&c.Patience, "patience", c.Patience, "epochs without improvement before stopping, 0 never stops")
	fs.IntVar(&c.NumEpochs, "num_epochs", c.NumEpochs, "number of epochs")
	fs.StringVar(&c.Metrics, "metrics", c.Metrics, "comma-separated metric names")
	fs.BoolVar(&c.Wandb, "wandb", c.Wandb, "track metrics")
	fs.StringVar(&c.Scheduler, "scheduler", c.Scheduler, "constant, linear, cosine or step")
	fs.IntVar(&c.WarmupSteps, "warmup_steps", c.WarmupSteps, "scheduler warmup steps")
	fs.IntVar(&c.LoraR, "lora_r", c.LoraR, "adapter rank")
	fs.Float64Var(&c.LoraAlpha, "lora_alpha", c.LoraAlpha, "adapter alpha")
	fs.StringVar(&c.PLMModel, "plm_model", c.PLMModel, "backbone name")
	fs.IntVar(&c.HiddenSize, "hidden_size", c.HiddenSize, "backbone hidden size")
	fs.Int64Var(&c.Seed, "seed", c.Seed, "random seed")
	fs.StringVar(&c.TrainFile, "train_file", c.TrainFile, "training dataset (.jsonl or .csv)")
	fs.StringVar(&c.ValidFile, "valid_file", c.ValidFile, "validation dataset")
	fs.StringVar(&c.TestFile, "test_file", c.TestFile, "test dataset")
	fs.StringVar(&c.SequenceColumnName, "sequence_column_name", c.SequenceColumnName, "sequence column")
	fs.StringVar(&c.LabelColumnName, "label_column_name", c.LabelColumnName, "label column")
	fs.StringVar(&c.StructureSeq, "structure_seq", c.StructureSeq, "structure columns: foldseek_seq, ss8_seq")
	fs.IntVar(&c.MaxSeqLen, "max_seq_len", c.MaxSeqLen, "truncation length, 0 keeps whole sequences")
	fs.IntVar(&c.BatchSize, "batch_size", c.BatchSize, "samples per batch, overrides -batch_token")
	fs.IntVar(&c.BatchToken, "batch_token", c.BatchToken, "token budget per batch")
	fs.IntVar(&c.Prefetch, "prefetch", c.Prefetch, "batches collated ahead")
	fs.StringVar(&c.OutputDir, "output_dir", c.OutputDir, "checkpoint directory or gs://bucket/prefix")
	fs.StringVar(&c.OutputModelName, "output_model_name", c.OutputModelName, "checkpoint file name")
	fs.StringVar(&c.TestResultDir, "test_result_dir", c.TestResultDir, "where eval writes its csv files")
	fs.StringVar(&c.Device, "device", c.Device, "cpu or cuda")
	fs.StringVar(&c.RunID, "run_id", c.RunID, "run id, generated when empty")
}

type env struct {
	cfg       training.Config
	tokenizer *data.Tokenizer
	store     artifact.Store
	pair      *models.Pair
}

func setup(ctx context.Context, cfg training.Config) (*env, error) {
	tok := data.NewTokenizer(false)
	enc, err := models.NewEncoder(models.NamedEncoderConfig(cfg.PLMModel, tok.VocabSize(), cfg.HiddenSize))
	if err != nil {
		return nil, err
	}
	head, err := models.NewHead(models.HeadConfig{
		Hidden:    cfg.HiddenSize,
		NumLabels: cfg.NumLabels,
		Residue:   training.IsResidue(cfg.ProblemType),
		Seed:      cfg.Seed,
	})
	if err != nil {
		return nil, err
	}
	store, err := artifact.Open(ctx, cfg.OutputDir)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, tokenizer: tok, store: store, pair: &models.Pair{Head: head, Backbone: enc}}, nil
}

func (e *env) collator() *data.Collator {
	return &data.Collator{
		Tokenizer: e.tokenizer,
		Kind:      e.cfg.LabelKind(),
		NumLabels: e.cfg.NumLabels,
		MaxSeqLen: e.cfg.MaxSeqLen,
		Structure: e.cfg.StructureSeq != "",
	}
}

// loader reads path and batches it by -batch_size when set, by token budget
// otherwise.
func (e *env) loader(path string, shuffle bool) (*data.Loader, *data.Dataset, error) {
	if path == "" {
		return nil, nil, fmt.Errorf("no dataset file given")
	}
	ds, err := data.Load(path, e.cfg.Columns())
	if err != nil {
		return nil, nil, err
	}
	var sampler data.Sampler
	if e.cfg.BatchSize > 0 {
		sampler = data.NewFixedSampler(ds.Len(), e.cfg.BatchSize, shuffle, e.cfg.Seed)
	} else {
		sampler = data.NewBatchSampler(ds.TokenNums(e.cfg.MaxSeqLen), e.cfg.BatchToken, shuffle, e.cfg.Seed)
	}
	return data.NewLoader(ds, sampler, e.collator(), data.WithPrefetch(e.cfg.Prefetch)), ds, nil
}

func train(ctx context.Context, cfg training.Config, progress io.Writer, fit bool) error {
	log := logging.FromContext(ctx)
	cfg.EnsureRunID()
	e, err := setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.store.Close()

	var tracked bytes.Buffer
	opts := []training.Option{training.WithStore(e.store), training.WithProgress(progress)}
	if cfg.Wandb {
		opts = append(opts, training.WithMetricSink(training.MultiSink{
			training.NewJSONLSink(&tracked, cfg.RunID),
			&training.LogSink{Logger: log.With(slog.String("component", "tracking"))},
		}))
	}
	tr, err := training.NewTrainer(ctx, cfg, e.pair, opts...)
	if err != nil {
		return err
	}

	if fit {
		trainLoader, _, err := e.loader(cfg.TrainFile, true)
		if err != nil {
			return fmt.Errorf("train_file: %w", err)
		}
		validLoader, _, err := e.loader(cfg.ValidFile, false)
		if err != nil {
			return fmt.Errorf("valid_file: %w", err)
		}
		if err := tr.Train(ctx, trainLoader, validLoader); err != nil {
			return err
		}
	}
	if cfg.TestFile != "" || !fit {
		testLoader, _, err := e.loader(cfg.TestFile, false)
		if err != nil {
			return fmt.Errorf("test_file: %w", err)
		}
		if _, err := tr.Test(ctx, testLoader); err != nil {
			return err
		}
	}

	if tracked.Len() > 0 {
		stem, _, _ := strings.Cut(tr.Config().OutputModelName, ".")
		if err := e.store.Put(ctx, stem+"_metrics.jsonl", tracked.Bytes()); err != nil {
			return fmt.Errorf("write tracking events: %w", err)
		}
	}
	return nil
}

// evaluate restores the checkpoint and writes the metrics and one
// prediction per test sample, in file order.
func evaluate(ctx context.Context, cfg training.Config, progress io.Writer) error {
	log := logging.FromContext(ctx)
	if err := cfg.Validate(); err != nil {
		return err
	}
	e, err := setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.store.Close()

	method, err := cfg.Method()
	if err != nil {
		return err
	}
	enc := e.pair.Backbone.(*models.Encoder)
	manager := checkpoints.NewManager(e.store, models.ConfigFactory{Config: enc.Config()})
	backbone, err := manager.Load(ctx, method, e.pair.Head, enc, cfg.CheckpointPath())
	if err != nil {
		return err
	}
	pair := &models.Pair{Head: e.pair.Head, Backbone: backbone}

	// file order is kept so results line up with the input rows
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 16
	}
	ds, err := data.Load(cfg.TestFile, cfg.Columns())
	if err != nil {
		return fmt.Errorf("test_file: %w", err)
	}
	src := data.NewLoader(ds, data.NewFixedSampler(ds.Len(), batchSize, false, cfg.Seed), e.collator(), data.WithPrefetch(cfg.Prefetch))

	loss, err := training.NewLossPolicy(cfg.ProblemType, cfg.NumLabels)
	if err != nil {
		return err
	}
	metrics, err := training.NewMetricSet(cfg.Metrics, cfg.NumLabels, cfg.ProblemType)
	if err != nil {
		return err
	}
	var preds []string
	res, err := training.Evaluate(ctx, pair, loss, metrics, src, training.EvalOptions{
		Device:      tensor.CPU,
		Progress:    progress,
		Description: "Testing",
		OnBatch: func(batch data.Batch, logits *tensor.Tensor) error {
			p, err := training.Predictions(cfg.ProblemType, logits, batch.Mask())
			preds = append(preds, p...)
			return err
		},
	})
	if err != nil {
		return err
	}
	log.Info(fmt.Sprintf("Test Loss: %.4f", res.Loss))
	for _, name := range res.Names {
		log.Info(fmt.Sprintf("Test %s: %.4f", name, res.Metrics[name]))
	}

	dir := cfg.TestResultDir
	if dir == "" {
		dir = cfg.OutputDir
	}
	out, err := artifact.Open(ctx, dir)
	if err != nil {
		return err
	}
	defer out.Close()

	header := append(append([]string{}, res.Names...), "loss")
	row := make([]string, 0, len(header))
	for _, name := range res.Names {
		row = append(row, strconv.FormatFloat(res.Metrics[name], 'f', 6, 64))
	}
	row = append(row, strconv.FormatFloat(res.Loss, 'f', 6, 64))
	if err := putCSV(ctx, out, "test_metrics.csv", [][]string{header, row}); err != nil {
		return err
	}

	if len(preds) != len(ds.Samples) {
		return fmt.Errorf("%d predictions for %d samples", len(preds), len(ds.Samples))
	}
	cols := cfg.Columns()
	records := [][]string{{cols.Sequence, cols.Label, "pred_label"}}
	for i, s := range ds.Samples {
		records = append(records, []string{s.Seq, fmt.Sprint(s.Label), preds[i]})
	}
	if err := putCSV(ctx, out, "test_result.csv", records); err != nil {
		return err
	}
	log.Info("Wrote evaluation results", "dir", out.Location(""))
	return nil
}

func putCSV(ctx context.Context, store artifact.Store, name string, records [][]string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(records); err != nil {
		return fmt.Errorf("encode %s: %v", name, err)
	}
	return store.Put(ctx, name, buf.Bytes())
}
