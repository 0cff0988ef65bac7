package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"reminder_calls_backend/internal/adapters/storage"
	"reminder_calls_backend/internal/outcome"
	"reminder_calls_backend/internal/sessions"
	"reminder_calls_backend/platform/logger"
)

const archiveTimeout = 5 * time.Second

// Service applies vendor webhooks to call sessions through the same
// reconciler the poller uses.
type Service struct {
	sessions      *sessions.Service
	storageSvc    storage.StorageService
	storageBucket string
	log           *logger.Logger
	now           func() time.Time
}

// NewService creates the webhook service. storageSvc may be nil to disable
// the raw body archive.
func NewService(svc *sessions.Service, storageSvc storage.StorageService, storageBucket string, log *logger.Logger) *Service {
	return &Service{
		sessions:      svc,
		storageSvc:    storageSvc,
		storageBucket: storageBucket,
		log:           log.WithComponent("webhook"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Ingest applies one call event. Events for calls this engine never placed
// are acknowledged and ignored.
func (s *Service) Ingest(ctx context.Context, evt CallEvent, raw []byte, verified bool) (IngestResult, error) {
	receivedAt := s.now()
	res := IngestResult{Status: statusProcessed, Event: evt.Event, CallID: evt.Call.CallID, Verified: verified}
	s.archive(ctx, evt, raw, receivedAt)

	if evt.Event == EventCallStarted {
		activated, err := s.sessions.Store().MarkActive(ctx, evt.Call.CallID)
		if err != nil {
			return IngestResult{}, fmt.Errorf("mark call active: %w", err)
		}
		if !activated {
			s.log.Debug("call_started without initiated session", "callId", evt.Call.CallID)
		}
		return res, nil
	}

	out, err := s.sessions.ReconcileByCallID(ctx, sessions.Report{
		Source:     outcome.SourceWebhook,
		Event:      evt.Event,
		Signal:     evt.Call.Signal(),
		Verified:   verified,
		ReceivedAt: receivedAt,
	})
	if errors.Is(err, sessions.ErrNotFound) {
		s.log.Info("webhook for unknown call ignored", "callId", evt.Call.CallID, "event", evt.Event)
		res.Status = statusIgnored
		return res, nil
	}
	if err != nil {
		return IngestResult{}, err
	}

	res.SessionID = out.SessionID.String()
	res.Outcome = string(out.Merge.Stored)
	res.Closed = out.Closed
	s.log.Info("webhook reconciled",
		"callId", evt.Call.CallID, "event", evt.Event, "verified", verified,
		"outcome", out.Determination.Outcome, "rule", out.Determination.Rule,
		"stored", out.Merge.Stored, "closed", out.Closed)
	return res, nil
}

// archive stores the raw body best-effort; failures never reject a webhook.
func (s *Service) archive(ctx context.Context, evt CallEvent, raw []byte, at time.Time) {
	if s.storageSvc == nil || s.storageBucket == "" || len(raw) == 0 {
		return
	}
	archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()

	folder := at.Format("2006/01/02")
	name := fmt.Sprintf("%s_%s.json", evt.Call.CallID, evt.Event)
	key, err := s.storageSvc.UploadFile(archiveCtx, s.storageBucket, folder, name, "application/json", bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		s.log.Warn("archive webhook failed", "callId", evt.Call.CallID, "error", err)
		return
	}
	s.log.Debug("webhook archived", "callId", evt.Call.CallID, "key", key)
}
