package training

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/go-json-experiment/json"

	"github.com/tsawler/go-plm/internal/logging"
)

// MetricSink receives named scalars keyed by global step. It is the
// experiment tracking capability of the trainer.
type MetricSink interface {
	Log(ctx context.Context, step int, values map[string]float64) error
	Close() error
}

// LogSink writes every event to a logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) Log(ctx context.Context, step int, values map[string]float64) error {
	logger := s.Logger
	if logger == nil {
		logger = logging.FromContext(ctx)
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := []any{"step", step}
	for _, k := range keys {
		attrs = append(attrs, k, values[k])
	}
	logger.Info("track", attrs...)
	return nil
}

func (s *LogSink) Close() error { return nil }

// JSONLSink appends one JSON object per event to a writer. Non-finite values
// are dropped since JSON cannot carry them.
type JSONLSink struct {
	mu    sync.Mutex
	w     io.Writer
	runID string
	now   func() time.Time
}

type trackEvent struct {
	RunID  string             `json:"run_id,omitempty"`
	Step   int                `json:"step"`
	Time   time.Time          `json:"time"`
	Values map[string]float64 `json:"values"`
}

func NewJSONLSink(w io.Writer, runID string) *JSONLSink {
	return &JSONLSink{w: w, runID: runID, now: time.Now}
}

func (s *JSONLSink) Log(ctx context.Context, step int, values map[string]float64) error {
	finite := make(map[string]float64, len(values))
	for k, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			finite[k] = v
		}
	}
	line, err := json.Marshal(trackEvent{RunID: s.runID, Step: step, Time: s.now().UTC(), Values: finite}, json.Deterministic(true))
	if err != nil {
		return fmt.Errorf("encode tracking event: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write tracking event: %v", err)
	}
	return nil
}

// Close closes the writer when it is an io.Closer.
func (s *JSONLSink) Close() error {
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// MultiSink fans events out to several sinks.
type MultiSink []MetricSink

func (m MultiSink) Log(ctx context.Context, step int, values map[string]float64) error {
	for _, s := range m {
		if err := s.Log(ctx, step, values); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiSink) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// prefixed copies values with every key prefixed.
func prefixed(prefix string, values map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(values))
	for k, v := range values {
		out[prefix+k] = v
	}
	return out
}
