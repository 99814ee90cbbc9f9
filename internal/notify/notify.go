package notify

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Notifier delivers a reminder to its owner. It is the only boundary the
// scheduler crosses to produce a user-visible effect; a delivery failure is
// reported through the error and never retried.
type Notifier interface {
	Deliver(ctx context.Context, ownerID, title string, eventTime time.Time, leadMinutes int) error
}

// Message renders the delivery text shared by all notifier kinds.
func Message(title string, eventTime time.Time, leadMinutes int) string {
	msg := fmt.Sprintf("Reminder: %s\nEvent time: %s", title, eventTime.Format("02.01.2006 15:04"))
	if leadMinutes > 0 {
		msg += fmt.Sprintf("\nSent %d min before the event", leadMinutes)
	}
	return msg
}

// LogNotifier writes deliveries to the process log. It is the default sink
// for local runs and tests.
type LogNotifier struct{}

func (LogNotifier) Deliver(_ context.Context, ownerID, title string, eventTime time.Time, leadMinutes int) error {
	log.Printf("notify: owner=%s %q", ownerID, Message(title, eventTime, leadMinutes))
	return nil
}
