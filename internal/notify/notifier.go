// Package notify delivers operator alerts and decides when a persisting
// failure warrants re-notification. Delivery goes through a Notifier port
// with one adapter per platform, selected at construction time; business
// logic never branches on the OS.
package notify

import (
	"fmt"
	"log"
	"os/exec"
	"runtime"

	"github.com/hoard-backup/hoard/internal/report"
)

// Notification is one operator-facing alert.
type Notification struct {
	// Title is the short headline shown by the OS notifier.
	Title string

	// Message is the body text.
	Message string

	// Urgency maps to the platform notifier's urgency level where supported.
	Urgency report.Urgency
}

// Notifier delivers notifications to the operator.
type Notifier interface {
	Send(n Notification) error
}

// runCommand abstracts subprocess execution so adapters are testable.
type runCommand func(name string, args ...string) error

func execCommand(name string, args ...string) error {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("notify: %s: %w (%s)", name, err, out)
	}
	return nil
}

// osascriptNotifier posts macOS notification-center alerts.
type osascriptNotifier struct {
	run runCommand
}

// NewOsascriptNotifier creates the macOS adapter.
func NewOsascriptNotifier() Notifier {
	return &osascriptNotifier{run: execCommand}
}

func (n *osascriptNotifier) Send(msg Notification) error {
	script := fmt.Sprintf("display notification %q with title %q", msg.Message, msg.Title)
	return n.run("osascript", "-e", script)
}

// notifySendNotifier posts freedesktop notifications on Linux.
type notifySendNotifier struct {
	run runCommand
}

// NewNotifySendNotifier creates the Linux adapter.
func NewNotifySendNotifier() Notifier {
	return &notifySendNotifier{run: execCommand}
}

func (n *notifySendNotifier) Send(msg Notification) error {
	urgency := "normal"
	switch msg.Urgency {
	case report.UrgencyLow:
		urgency = "low"
	case report.UrgencyUrgent:
		urgency = "critical"
	}
	return n.run("notify-send", "--urgency="+urgency, "--app-name=hoard", msg.Title, msg.Message)
}

// logNotifier writes notifications to the process log. Used as the fallback
// adapter and in tests.
type logNotifier struct{}

// NewLogNotifier creates a notifier that only logs.
func NewLogNotifier() Notifier {
	return logNotifier{}
}

func (logNotifier) Send(msg Notification) error {
	log.Printf("notify: [%s] %s: %s", msg.Urgency, msg.Title, msg.Message)
	return nil
}

// NewPlatformNotifier selects the adapter for the current OS. The selection
// happens once here; callers receive an opaque Notifier.
func NewPlatformNotifier() Notifier {
	switch runtime.GOOS {
	case "darwin":
		return NewOsascriptNotifier()
	case "linux":
		return NewNotifySendNotifier()
	default:
		return NewLogNotifier()
	}
}
