package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, true)

	ctx := NewContext(context.Background(), logger)
	if got := FromContext(ctx); got != logger {
		t.Fatal("FromContext returned a different logger")
	}

	FromContext(ctx).Info("epoch finished", "epoch", 3)
	if !strings.Contains(buf.String(), `"epoch":3`) {
		t.Errorf("unexpected log output: %s", buf.String())
	}
}

func TestFromContextDefault(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("expected a default logger")
	}
}
