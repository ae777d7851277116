package notify

import (
	"testing"
	"time"

	"github.com/lcrespo/backwatch/internal/logging"
	"github.com/lcrespo/backwatch/internal/track"
)

func TestEmailSinkSendsOnlyErrorNotifications(t *testing.T) {
	sent := make(chan track.Notification, 2)
	s := &EmailSink{
		log: logging.NewNop(),
		send: func(n track.Notification) error {
			sent <- n
			return nil
		},
	}

	s.Notify(track.Notification{ID: "n-ok", Severity: track.SeveritySuccess})
	s.Notify(track.Notification{ID: "n-warn", Severity: track.SeverityWarning})
	select {
	case n := <-sent:
		t.Fatalf("sent %q, want no email for non-error severities", n.ID)
	case <-time.After(50 * time.Millisecond):
	}

	s.Notify(track.Notification{ID: "n-err", Severity: track.SeverityError, TaskID: "bt-1"})
	select {
	case n := <-sent:
		if n.ID != "n-err" {
			t.Fatalf("sent ID = %q, want %q", n.ID, "n-err")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("error notification never sent")
	}
}
