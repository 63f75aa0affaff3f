package notification

import (
	"context"
	"time"

	"modelforge/internal/model"
	"modelforge/pkg/logger"
)

const sendTimeout = 15 * time.Second

// ProgressPublisher the orchestrator's progress sink
type ProgressPublisher interface {
	Publish(ctx context.Context, p model.JobProgress)
}

type jobSender interface {
	SendJobNotification(ctx context.Context, n *JobNotification) error
}

// Publisher forwards every progress event to next and sends a notification
// for terminal ones. Sends run in the background and never block training.
type Publisher struct {
	next   ProgressPublisher
	sender jobSender
}

// NewPublisher wraps next
func NewPublisher(next ProgressPublisher, sender jobSender) *Publisher {
	return &Publisher{next: next, sender: sender}
}

// Publish implements ProgressPublisher
func (p *Publisher) Publish(ctx context.Context, ev model.JobProgress) {
	p.next.Publish(ctx, ev)
	if !ev.Status.IsTerminal() {
		return
	}

	n := &JobNotification{
		JobID:      ev.JobID.String(),
		Status:     ev.Status,
		Attempt:    ev.Attempt,
		Epoch:      ev.Epoch,
		BestLoss:   ev.BestValLoss,
		Message:    ev.Message,
		FinishedAt: ev.Timestamp,
	}
	if n.FinishedAt.IsZero() {
		n.FinishedAt = time.Now().UTC()
	}
	go func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
		defer cancel()
		if err := p.sender.SendJobNotification(sctx, n); err != nil {
			logger.WarnCtx(sctx, "job notification failed: %v", err)
		}
	}()
}
