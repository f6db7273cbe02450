package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const slackFooter = "pr-preview"

// SlackNotifier posts to a Slack incoming webhook
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
}

// SlackMessage is the webhook payload
type SlackMessage struct {
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment is the colored block holding the PR details
type SlackAttachment struct {
	Color    string       `json:"color"`
	Fallback string       `json:"fallback"`
	Title    string       `json:"title,omitempty"`
	Text     string       `json:"text,omitempty"`
	Fields   []SlackField `json:"fields,omitempty"`
	Footer   string       `json:"footer,omitempty"`
	Ts       int64        `json:"ts,omitempty"`
}

// SlackField is one key/value pair; short fields share a row
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlackNotifier creates a notifier for webhookURL. An empty URL disables it.
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// SlackColor maps a notification type to an attachment color
func SlackColor(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "good"
	case NotifyWarning:
		return "warning"
	case NotifyError:
		return "danger"
	default:
		return "#439FE0"
	}
}

// BuildSlackMessage lays n out as one attachment titled with the PR number,
// with state, branch, process and workspace as fields
func BuildSlackMessage(n Notification, at time.Time) SlackMessage {
	att := SlackAttachment{
		Color:    SlackColor(n.Type),
		Fallback: strings.TrimSpace(n.Title + " " + n.Subject()),
		Text:     n.Message,
		Footer:   slackFooter,
		Ts:       at.Unix(),
	}
	if n.PRNumber != 0 {
		att.Title = "PR #" + strconv.Itoa(n.PRNumber)
	}
	add := func(title, value string, short bool) {
		if value != "" {
			att.Fields = append(att.Fields, SlackField{Title: title, Value: value, Short: short})
		}
	}
	add("State", n.State, true)
	add("Branch", n.Branch, true)
	if n.PID > 0 {
		add("Process", strconv.Itoa(n.PID), true)
	}
	add("Workspace", n.Workspace, false)

	return SlackMessage{Text: n.Title, Attachments: []SlackAttachment{att}}
}

// Send posts n to the webhook
func (s *SlackNotifier) Send(n Notification) error {
	if s.webhookURL == "" {
		return nil
	}

	payload, err := json.Marshal(BuildSlackMessage(n, time.Now()))
	if err != nil {
		return fmt.Errorf("encoding slack message: %w", err)
	}
	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("posting to slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Slack explains rejected payloads in a short plain-text body.
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("slack returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
