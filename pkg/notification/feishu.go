// Package notification posts job outcome cards to a Feishu (Lark) webhook.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"modelforge/internal/model"
	"modelforge/pkg/config"
	"modelforge/pkg/logger"
)

// FeishuNotifier sends notifications to Feishu (Lark)
type FeishuNotifier struct {
	webhookURL string
	client     *http.Client
}

// NewFeishuNotifier creates a notifier. The config value wins over the
// FEISHU_WEBHOOK_URL environment variable; with neither, sends are no-ops.
func NewFeishuNotifier(cfg config.NotificationConfig) *FeishuNotifier {
	webhookURL := cfg.FeishuWebhookURL
	if webhookURL == "" {
		webhookURL = os.Getenv("FEISHU_WEBHOOK_URL")
	}
	if webhookURL == "" {
		logger.Info("Feishu webhook URL not configured, job notifications disabled")
	}
	return &FeishuNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled reports whether a webhook is configured
func (f *FeishuNotifier) Enabled() bool {
	return f.webhookURL != ""
}

// JobNotification a job reaching a terminal state
type JobNotification struct {
	JobID      string
	Status     model.JobStatus
	Attempt    int
	Epoch      int
	BestLoss   float64
	Message    string
	FinishedAt time.Time
}

// SendJobNotification posts a card for one finished job
func (f *FeishuNotifier) SendJobNotification(ctx context.Context, n *JobNotification) error {
	if !f.Enabled() {
		return nil
	}

	payload, err := json.Marshal(buildJobMessage(n))
	if err != nil {
		return fmt.Errorf("failed to marshal Feishu message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send Feishu notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("feishu API returned status code: %d", resp.StatusCode)
	}
	logger.DebugCtx(ctx, "Feishu notification sent for job %s", n.JobID)
	return nil
}

func headerTemplate(s model.JobStatus) string {
	switch s {
	case model.JobStatusCompleted:
		return "green"
	case model.JobStatusFailed:
		return "red"
	default:
		return "grey"
	}
}

func field(label, value string) map[string]interface{} {
	return map[string]interface{}{
		"is_short": true,
		"text": map[string]interface{}{
			"content": fmt.Sprintf("**%s**\n%s", label, value),
			"tag":     "lark_md",
		},
	}
}

// buildJobMessage builds an interactive card
func buildJobMessage(n *JobNotification) map[string]interface{} {
	elements := []interface{}{
		map[string]interface{}{
			"tag": "div",
			"fields": []interface{}{
				field("Job", n.JobID),
				field("Status", n.Status.String()),
			},
		},
		map[string]interface{}{
			"tag": "div",
			"fields": []interface{}{
				field("Attempt / Epoch", fmt.Sprintf("%d / %d", n.Attempt, n.Epoch)),
				field("Best validation loss", fmt.Sprintf("%.6g", n.BestLoss)),
			},
		},
	}
	if n.Message != "" {
		elements = append(elements,
			map[string]interface{}{"tag": "hr"},
			map[string]interface{}{
				"tag": "div",
				"text": map[string]interface{}{
					"content": n.Message,
					"tag":     "plain_text",
				},
			})
	}
	elements = append(elements, map[string]interface{}{
		"tag": "note",
		"elements": []interface{}{
			map[string]interface{}{
				"content": "Finished at " + n.FinishedAt.Format("2006-01-02 15:04:05 MST"),
				"tag":     "plain_text",
			},
		},
	})

	return map[string]interface{}{
		"msg_type": "interactive",
		"card": map[string]interface{}{
			"header": map[string]interface{}{
				"template": headerTemplate(n.Status),
				"title": map[string]interface{}{
					"content": "Training job " + n.Status.String(),
					"tag":     "plain_text",
				},
			},
			"elements": elements,
		},
	}
}
