package training

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "Training", 4)
	pb.Update(map[string]float64{"train_loss": 0.51234, "grad_step": 1})
	pb.Update(map[string]float64{"train_loss": 0.25, "grad_step": 2})

	line := pb.String()
	for _, want := range []string{"Training:  50%|", "2/4", "grad_step=2", "train_loss=0.2500"} {
		if !strings.Contains(line, want) {
			t.Errorf("Expected %q in %q", want, line)
		}
	}
	if strings.Index(line, "grad_step") > strings.Index(line, "train_loss") {
		t.Errorf("Postfix keys should be sorted: %q", line)
	}
	if !strings.HasPrefix(buf.String(), "\r") {
		t.Errorf("Rendered output should start with a carriage return: %q", buf.String())
	}

	pb.Update(nil)
	pb.Update(nil)
	pb.Update(nil)
	pb.Finish()
	if !strings.Contains(pb.String(), "5/5") {
		t.Errorf("Finish should grow the total to the current step: %q", pb.String())
	}
	if !strings.HasSuffix(buf.String(), "\n") {
		t.Error("Finish should end the line")
	}
}

func TestProgressBarDisabled(t *testing.T) {
	pb := NewProgressBar(nil, "Validating", 0)
	pb.Update(map[string]float64{"loss": 1})
	pb.Finish()
	if !strings.Contains(pb.String(), "1/1") {
		t.Errorf("Unexpected line %q", pb.String())
	}
}

func TestFormatDuration(t *testing.T) {
	cases := map[time.Duration]string{
		0:                              "00:00",
		-time.Second:                   "00:00",
		75 * time.Second:               "01:15",
		61*time.Minute + 5*time.Second: "61:05",
	}
	for d, want := range cases {
		if got := formatDuration(d); got != want {
			t.Errorf("formatDuration(%v) = %q, want %q", d, got, want)
		}
	}
}
