package notify

import "fmt"

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title     string
	Message   string
	Type      NotificationType
	PRNumber  int    // Optional PR reference
	Branch    string // Optional branch name
	State     string // session state after the event
	PID       int
	Workspace string
}

// Subject renders the PR reference, or "" when the notification has none
func (n Notification) Subject() string {
	if n.PRNumber == 0 {
		return ""
	}
	if n.Branch == "" {
		return fmt.Sprintf("PR #%d", n.PRNumber)
	}
	return fmt.Sprintf("PR #%d (%s)", n.PRNumber, n.Branch)
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// FromConfig builds the notifier for the configured channels
func FromConfig(desktop bool, slackWebhook string) Notifier {
	var notifiers []Notifier
	if desktop {
		notifiers = append(notifiers, NewDesktopNotifier(true))
	}
	if slackWebhook != "" {
		notifiers = append(notifiers, NewSlackNotifier(slackWebhook))
	}
	if len(notifiers) == 0 {
		return NoopNotifier{}
	}
	return NewMultiNotifier(notifiers...)
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }
