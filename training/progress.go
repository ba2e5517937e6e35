package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// ProgressBar draws a tqdm-style progress line for one pass over a loader.
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	postfix     map[string]float64
}

// NewProgressBar creates a progress bar writing to out. A nil out disables
// drawing; total may be zero when the pass length is unknown.
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       30,
		postfix:     map[string]float64{},
	}
}

// Update advances the progress bar by one step and replaces the postfix
// values.
func (pb *ProgressBar) Update(postfix map[string]float64) {
	pb.current++
	for k, v := range postfix {
		pb.postfix[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	if pb.total < pb.current {
		pb.total = pb.current
	}
	pb.render()
	if pb.out != nil {
		fmt.Fprintln(pb.out)
	}
}

// String renders the current line without the leading carriage return.
func (pb *ProgressBar) String() string {
	percentage := 0.0
	if pb.total > 0 {
		percentage = min(float64(pb.current)/float64(pb.total), 1)
	}
	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			eta = time.Duration(float64(elapsed)/percentage) - elapsed
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %3.0f%%|%s| %d/%d [%s<%s", pb.description, percentage*100, bar, pb.current, pb.total,
		formatDuration(elapsed), formatDuration(eta))
	if rate > 0 {
		fmt.Fprintf(&b, ", %.2fit/s", rate)
	}
	keys := make([]string, 0, len(pb.postfix))
	for k := range pb.postfix {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "grad_step" {
			fmt.Fprintf(&b, ", %s=%d", k, int(pb.postfix[k]))
		} else {
			fmt.Fprintf(&b, ", %s=%.4f", k, pb.postfix[k])
		}
	}
	b.WriteString("]")
	return b.String()
}

func (pb *ProgressBar) render() {
	if pb.out == nil {
		return
	}
	fmt.Fprint(pb.out, "\r"+pb.String())
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}
