package notify

import (
	"os/exec"
	"runtime"
	"strings"
)

// DesktopNotifier shows notifications with osascript on macOS and
// notify-send on Linux. Other platforms are skipped.
type DesktopNotifier struct {
	enabled bool
	goos    string
	exec    func(name string, args ...string) error
}

// NewDesktopNotifier creates a desktop notifier
func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{
		enabled: enabled,
		goos:    runtime.GOOS,
		exec: func(name string, args ...string) error {
			return exec.Command(name, args...).Run()
		},
	}
}

// Send shows n on the desktop
func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled {
		return nil
	}
	name, args, ok := desktopCommand(d.goos, n)
	if !ok {
		return nil
	}
	return d.exec(name, args...)
}

// desktopCommand returns the command line that shows n on goos. The PR
// reference goes into the subtitle on macOS and in front of the body on Linux.
func desktopCommand(goos string, n Notification) (string, []string, bool) {
	switch goos {
	case "darwin":
		script := "display notification " + appleScriptString(n.Message) + " with title " + appleScriptString(n.Title)
		if subject := n.Subject(); subject != "" {
			script += " subtitle " + appleScriptString(subject)
		}
		return "osascript", []string{"-e", script}, true
	case "linux":
		body := n.Message
		if subject := n.Subject(); subject != "" {
			body = subject + ": " + body
		}
		args := []string{"--app-name=pr-preview", "--icon", IconForType(n.Type)}
		if n.Type == NotifyError {
			args = append(args, "--urgency=critical")
		}
		return "notify-send", append(args, "--", n.Title, body), true
	}
	return "", nil, false
}

func appleScriptString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// IconForType returns the freedesktop icon name for t
func IconForType(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "dialog-positive"
	case NotifyWarning:
		return "dialog-warning"
	case NotifyError:
		return "dialog-error"
	default:
		return "dialog-information"
	}
}
