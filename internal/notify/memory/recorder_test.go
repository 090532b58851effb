package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/JakeFAU/harvest-controller/internal/notify"
)

func TestRecorderStoresAlerts(t *testing.T) {
	t.Parallel()

	rec := New()
	rec.Notify(context.Background(), notify.LevelError, "channel 'X' is invalid", nil)
	rec.Notify(context.Background(), notify.LevelWarning, "no warc files", errors.New("empty"))

	alerts := rec.Alerts()
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(alerts))
	}
	if alerts[0].Level != notify.LevelError || alerts[1].Cause == nil {
		t.Fatalf("alerts not recorded correctly: %+v", alerts)
	}
	if got := rec.Count(notify.LevelError, "invalid"); got != 1 {
		t.Fatalf("expected 1 matching error alert, got %d", got)
	}

	alerts[0].Message = "modified"
	if rec.Alerts()[0].Message == "modified" {
		t.Fatal("expected Alerts() to return a copy")
	}
}
