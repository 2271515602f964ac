package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/bulkwa-backend/internal/connection"
	appErrors "github.com/unclebandit/bulkwa-backend/internal/errors"
	"github.com/unclebandit/bulkwa-backend/internal/queue"
	"github.com/unclebandit/bulkwa-backend/internal/repository"
)

// Sender is the slice of the connection manager the worker needs.
type Sender interface {
	IsUsable(ownerID string) bool
	SendMessage(ctx context.Context, ownerID, recipient, text string) (*connection.SendResult, error)
}

// Worker delivers one queued task per call to Handle.
type Worker struct {
	JobRepo  repository.CampaignJobRepositoryInterface
	Progress *ProgressAggregator
	Sender   Sender
	Now      func() time.Time
}

func NewWorker(jobs repository.CampaignJobRepositoryInterface, progress *ProgressAggregator, sender Sender) *Worker {
	return &Worker{JobRepo: jobs, Progress: progress, Sender: sender, Now: time.Now}
}

// Handle is a queue.Handler. A nil result or a permanent error ends the task;
// any other error asks the queue to retry with backoff.
func (w *Worker) Handle(ctx context.Context, task *queue.Task) (err error) {
	logger := logrus.WithFields(logrus.Fields{
		"job_id":      task.JobID,
		"campaign_id": task.CampaignID,
		"owner_id":    task.OwnerID,
		"attempt":     task.Attempt,
	})

	defer func() {
		if r := recover(); r != nil {
			perr := appErrors.NewInternal("deliver", fmt.Errorf("panic: %v", r))
			logger.WithError(perr).Error("❌ worker panic")
			w.fail(context.WithoutCancel(ctx), task, perr)
			err = queue.Permanent(perr)
		}
	}()

	job, err := w.JobRepo.GetByID(ctx, task.JobID)
	if err != nil {
		return err
	}
	if job == nil {
		logger.Warn("⚠️ job no longer exists, dropping task")
		return queue.Permanent(fmt.Errorf("job %s not found", task.JobID))
	}
	if job.IsTerminal() {
		logger.WithField("status", job.Status).Debug("job already finished, skipping")
		return nil
	}

	ok, err := w.JobRepo.MarkInFlight(ctx, task.JobID, task.Attempt)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if !w.Sender.IsUsable(task.OwnerID) {
		nerr := appErrors.NewNotConnected(task.OwnerID)
		logger.Warn("⚠️ whatsapp not connected, failing job")
		w.fail(ctx, task, nerr)
		return queue.Permanent(nerr)
	}

	res, sendErr := w.Sender.SendMessage(ctx, task.OwnerID, task.Recipient, task.Message)
	if sendErr == nil {
		w.succeed(ctx, task, res)
		logger.Info("✅ message sent")
		return nil
	}

	if appErrors.IsPermanent(sendErr) || task.Final() {
		logger.WithError(sendErr).Warn("❌ message failed permanently")
		w.fail(ctx, task, sendErr)
		return queue.Permanent(sendErr)
	}

	if rerr := w.JobRepo.RecordAttemptFailure(ctx, task.JobID, task.Attempt, sendErr.Error()); rerr != nil {
		logger.WithError(rerr).Warn("⚠️ failed to record attempt")
	}
	logger.WithError(sendErr).Info("🔁 send failed, will retry")
	return sendErr
}

func (w *Worker) succeed(ctx context.Context, task *queue.Task, res *connection.SendResult) {
	providerID := ""
	at := w.Now()
	if res != nil {
		providerID = res.MessageID
		if !res.Timestamp.IsZero() {
			at = res.Timestamp
		}
	}

	ok, err := w.JobRepo.MarkSent(ctx, task.JobID, providerID, at)
	if err != nil {
		logrus.WithField("job_id", task.JobID).WithError(err).Error("❌ failed to mark job sent")
		return
	}
	if !ok {
		return
	}
	if err := w.Progress.RecordSuccess(ctx, task.CampaignID); err != nil {
		logrus.WithField("campaign_id", task.CampaignID).WithError(err).Error("❌ failed to record success")
		return
	}
	w.maybeComplete(ctx, task.CampaignID)
}

// fail marks the job terminal. The counter moves only when this call made the
// transition, so redelivered tasks never double count.
func (w *Worker) fail(ctx context.Context, task *queue.Task, cause error) {
	ok, err := w.JobRepo.MarkFailed(ctx, task.JobID, task.Attempt, cause.Error())
	if err != nil {
		logrus.WithField("job_id", task.JobID).WithError(err).Error("❌ failed to mark job failed")
		return
	}
	if !ok {
		return
	}
	if err := w.Progress.RecordFailure(ctx, task.CampaignID); err != nil {
		logrus.WithField("campaign_id", task.CampaignID).WithError(err).Error("❌ failed to record failure")
		return
	}
	w.maybeComplete(ctx, task.CampaignID)
}

func (w *Worker) maybeComplete(ctx context.Context, campaignID string) {
	if err := w.Progress.CompleteByID(ctx, campaignID); err != nil {
		logrus.WithField("campaign_id", campaignID).WithError(err).Warn("⚠️ failed to check completion")
	}
}
