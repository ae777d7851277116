package notify

import "github.com/lcrespo/backwatch/internal/track"

// Fanout delivers each notification to every sink in order.
type Fanout []track.Notifier

func (f Fanout) Notify(n track.Notification) {
	for _, s := range f {
		if s == nil {
			continue
		}
		s.Notify(n)
	}
}
