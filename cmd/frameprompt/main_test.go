package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/bdougie/frameprompt/internal/models"
)

func TestPrintResults(t *testing.T) {
	snap := models.Snapshot{
		State: models.RunStopped,
		Frames: []models.Frame{
			{Timestamp: 0, Status: models.StatusCompleted, Result: "A harbor at dawn."},
			{Timestamp: 75, Status: models.StatusError, ErrorDetail: "failed to analyze frame"},
			{Timestamp: 150, Status: models.StatusAnalyzing},
		},
	}

	var buf bytes.Buffer
	printResults(&buf, snap)
	out := buf.String()

	for _, want := range []string{
		"[00:00] completed\nA harbor at dawn.",
		"[01:15] error\nerror: failed to analyze frame",
		"[02:30] analyzing",
		"stopped: 3 frames, 1 completed, 1 errors",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
