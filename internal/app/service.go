/**
 * @description
 * This file contains the core business logic for the tipping-service. The `Service`
 * struct is the tip lifecycle coordinator: it drives a tip attempt from the moment a
 * supporter commits to an amount, through the on-chain settlement, to the terminal
 * ledger state, and derives jar statistics from confirmed tips only.
 *
 * Key invariants:
 * - A tip is created pending; only a pending tip can transition, and it transitions
 *   exactly once (the repository's conditional update enforces this under races).
 * - A confirmed tip always carries its on-chain settlement reference.
 * - Statistics and listings never include pending or failed tips.
 * - Reconciling an already-terminal tip is a silent no-op, because settlement
 *   notifications may be delivered more than once or out of order.
 *
 * @dependencies
 * - context, errors, fmt, log, strings, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/chainclient, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tipjar/tipping-service/internal/domain"
	"github.com/tipjar/tipping-service/internal/store"
	"github.com/tipjar/tipping-service/pkg/chainclient"
	"github.com/tipjar/tipping-service/pkg/rabbitmq"
)

var (
	ErrInvalidTipAmount           = errors.New("tip amount must be positive")
	ErrJarRequired                = errors.New("tip jar id is required")
	ErrMessageTooLong             = errors.New("tip message exceeds maximum length")
	ErrTipNotPending              = errors.New("tip is not pending settlement")
	ErrMissingSettlementReference = errors.New("confirmed settlement outcome requires a reference")
	ErrTipRateLimited             = errors.New("tip rate limit exceeded")

	// ErrOrphanedConfirmation marks the dangerous failure mode: the transfer
	// confirmed on chain but the ledger write did not land. Callers retry, and
	// the reconciliation sweep is the durable backstop.
	ErrOrphanedConfirmation = errors.New("settlement confirmed on chain but ledger update failed")
)

const (
	reconcileRetryAttempts = 3
	reconcileRetryBackoff  = 200 * time.Millisecond
)

// Support flow progress stages, suitable for driving a progress indicator.
const (
	StagePending    = "pending"
	StageConfirming = "confirming"
	StageConfirmed  = "confirmed"
	StageFailed     = "failed"
)

// SettlementSubmitter is the chain-client surface the coordinator uses.
// *chainclient.Client satisfies it; tests substitute a fake.
type SettlementSubmitter interface {
	Transfer(ctx context.Context, recipient string, amount int64) (*chainclient.SettlementHandle, error)
	Await(ctx context.Context, handle *chainclient.SettlementHandle) (domain.SettlementOutcome, error)
	ConfirmTransfer(ctx context.Context, reference, recipient string, amount int64) (domain.SettlementOutcome, bool, error)
}

// TipRateLimiter limits how often a subject may initiate tips.
type TipRateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service provides the core business logic for the tip lifecycle.
type Service struct {
	repo          store.Repository
	chain         SettlementSubmitter
	eventProducer rabbitmq.Publisher

	rateLimiter           TipRateLimiter
	tipRateLimitPerMinute int

	sweepMinimumAge time.Duration
}

// NewService creates a new tipping service instance.
func NewService(repo store.Repository, chain SettlementSubmitter, producer rabbitmq.Publisher) *Service {
	return &Service{
		repo:          repo,
		chain:         chain,
		eventProducer: producer,
	}
}

// SetTipRateLimiter enables distributed rate limiting for tip initiation.
func (s *Service) SetTipRateLimiter(limiter TipRateLimiter, limitPerMinute int) {
	s.rateLimiter = limiter
	s.tipRateLimitPerMinute = limitPerMinute
}

// SetSweepMinimumAge overrides how old a pending tip must be before the
// reconciliation sweep considers it abandoned.
func (s *Service) SetSweepMinimumAge(age time.Duration) {
	s.sweepMinimumAge = age
}

// InitiateTip records a supporter's commitment as a pending ledger row. It has
// no settlement side effects: a ledger failure here aborts the attempt before
// any funds move, and the caller must not re-invoke it for the same logical
// attempt (resubmit the settlement against the returned record instead).
func (s *Service) InitiateTip(ctx context.Context, subject string, req domain.RecordTipRequest) (*domain.TipRecord, error) {
	if req.JarID == uuid.Nil {
		return nil, ErrJarRequired
	}
	if req.Amount <= 0 {
		return nil, ErrInvalidTipAmount
	}
	if req.Message != nil && len(*req.Message) > domain.MaxTipMessageLength {
		return nil, ErrMessageTooLong
	}

	if s.rateLimiter != nil && s.tipRateLimitPerMinute > 0 && strings.TrimSpace(subject) != "" {
		count, retryAfter, err := s.rateLimiter.ConsumeRateLimit(ctx, "tip_initiate", subject, s.tipRateLimitPerMinute, time.Minute)
		if err != nil {
			log.Printf("level=warn component=service flow=initiate_tip msg=\"rate limiter unavailable; allowing request\" err=%v", err)
		} else if count > s.tipRateLimitPerMinute {
			log.Printf("level=warn component=service flow=initiate_tip outcome=rate_limited subject=%s retry_after=%d", subject, retryAfter)
			return nil, ErrTipRateLimited
		}
	}

	tip := &domain.TipRecord{
		ID:                   uuid.New(),
		JarID:                req.JarID,
		Amount:               req.Amount,
		Message:              trimmedOptional(req.Message),
		SupporterDisplayName: trimmedOptional(req.SupporterDisplayName),
		ShowName:             req.ShowName,
		Status:               domain.TipStatusPending,
	}
	if err := s.repo.CreateTip(ctx, tip); err != nil {
		return nil, fmt.Errorf("failed to create tip record: %w", err)
	}

	s.publishTipEvent(ctx, "tip.initiated", tip, "")
	return tip, nil
}

// SubmitSettlement broadcasts the on-chain transfer for a pending tip to the
// jar's recipient address and records the transaction hash on the still-pending
// row. It is safely re-callable for the same pending tip after a transient
// broadcast failure; it refuses tips that already reached a terminal state.
// A pending tip that already carries a settlement reference is never broadcast
// again: the funds may already be in flight, so the prior attempt is resolved
// from chain history instead.
func (s *Service) SubmitSettlement(ctx context.Context, tip *domain.TipRecord) (*chainclient.SettlementHandle, error) {
	if tip == nil {
		return nil, errors.New("tip record is nil")
	}
	if tip.Status != domain.TipStatusPending {
		return nil, ErrTipNotPending
	}

	jar, err := s.repo.FindJarByID(ctx, tip.JarID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve jar recipient: %w", err)
	}

	if tip.SettlementReference != nil {
		if reference := strings.TrimSpace(*tip.SettlementReference); reference != "" {
			return s.resumeSettlement(ctx, tip, jar, reference)
		}
	}

	handle, err := s.chain.Transfer(ctx, jar.RecipientAddress, tip.Amount)
	if err != nil {
		return nil, fmt.Errorf("settlement broadcast failed: %w", err)
	}

	reference := handle.Reference()
	if err := s.repo.AttachSettlementReference(ctx, tip.ID, reference); err != nil {
		// The transfer is in flight; losing the reference only weakens the
		// sweep, so log and continue rather than failing the attempt.
		log.Printf("level=warn component=service flow=submit_settlement msg=\"failed to persist settlement reference\" tip_id=%s reference=%s err=%v", tip.ID, reference, err)
	} else {
		tip.SettlementReference = &reference
	}

	log.Printf("level=info component=service flow=submit_settlement outcome=broadcast tip_id=%s jar_id=%s reference=%s amount=%d", tip.ID, tip.JarID, reference, tip.Amount)
	s.publishTipEvent(ctx, "tip.settlement.submitted", tip, "")
	return handle, nil
}

// resumeSettlement resolves a tip's earlier transfer instead of moving the
// funds a second time. A transfer that already reached a terminal state on
// chain is reconciled and reported as no longer pending; one that is still in
// flight (or not yet buried) hands back the original handle so the caller can
// keep waiting on it.
func (s *Service) resumeSettlement(ctx context.Context, tip *domain.TipRecord, jar *domain.TipJar, reference string) (*chainclient.SettlementHandle, error) {
	outcome, resolved, err := s.chain.ConfirmTransfer(ctx, reference, jar.RecipientAddress, tip.Amount)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve prior settlement attempt: %w", err)
	}

	if resolved {
		if outcome.Confirmed {
			_, err = s.reconcileConfirmedWithRetry(ctx, tip.ID, outcome)
		} else {
			_, err = s.Reconcile(ctx, tip.ID, outcome)
		}
		if err != nil {
			return nil, err
		}
		return nil, ErrTipNotPending
	}

	log.Printf("level=info component=service flow=submit_settlement outcome=resume tip_id=%s reference=%s msg=\"prior transfer still in flight; not rebroadcasting\"", tip.ID, reference)
	return chainclient.HandleForReference(reference), nil
}

// AwaitSettlement waits for the broadcast transfer to reach a terminal outcome.
// Cancelling the context abandons the wait and leaves the tip pending for the
// reconciliation sweep.
func (s *Service) AwaitSettlement(ctx context.Context, handle *chainclient.SettlementHandle) (domain.SettlementOutcome, error) {
	return s.chain.Await(ctx, handle)
}

// Reconcile applies a terminal settlement outcome to a tip with exactly one
// conditional ledger update. It is idempotent: if the tip is already terminal
// the existing record is returned unchanged, and if a concurrent reconcile wins
// the race the current record is returned rather than an error. A failed ledger
// write for a confirmed outcome is reported as an orphaned confirmation.
func (s *Service) Reconcile(ctx context.Context, tipID uuid.UUID, outcome domain.SettlementOutcome) (*domain.TipRecord, error) {
	tip, err := s.repo.FindTipByID(ctx, tipID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tip for reconciliation: %w", err)
	}
	if tip.IsTerminal() {
		log.Printf("level=info component=service flow=reconcile msg=\"duplicate settlement notification for terminal tip; ignoring\" tip_id=%s status=%s", tip.ID, tip.Status)
		return tip, nil
	}

	if outcome.Confirmed {
		reference := strings.TrimSpace(outcome.Reference)
		if reference == "" {
			return nil, ErrMissingSettlementReference
		}
		transitioned, err := s.repo.MarkTipConfirmed(ctx, tip.ID, reference)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOrphanedConfirmation, err)
		}
		if !transitioned {
			// Benign conflict: another reconcile reached the terminal state first.
			log.Printf("level=info component=service flow=reconcile msg=\"tip no longer pending; confirmation already applied elsewhere\" tip_id=%s", tip.ID)
			return s.repo.FindTipByID(ctx, tip.ID)
		}
	} else {
		transitioned, err := s.repo.MarkTipFailed(ctx, tip.ID, outcome.Reason)
		if err != nil {
			return nil, fmt.Errorf("failed to record settlement failure: %w", err)
		}
		if !transitioned {
			log.Printf("level=info component=service flow=reconcile msg=\"tip no longer pending; failure outcome dropped\" tip_id=%s", tip.ID)
			return s.repo.FindTipByID(ctx, tip.ID)
		}
	}

	updated, err := s.repo.FindTipByID(ctx, tip.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload reconciled tip: %w", err)
	}

	if updated.Status == domain.TipStatusConfirmed {
		s.publishTipEvent(ctx, "tip.confirmed", updated, "")
	} else {
		s.publishTipEvent(ctx, "tip.failed", updated, outcome.Reason)
	}
	log.Printf("level=info component=service flow=reconcile outcome=%s tip_id=%s jar_id=%s", updated.Status, updated.ID, updated.JarID)
	return updated, nil
}

// reconcileConfirmedWithRetry retries the ledger write for a confirmed
// settlement with backoff before giving up. The funds already moved, so the
// confirmation must not be dropped: after exhausting retries the orphaned
// confirmation is left to the sweep and the error surfaced to the caller.
func (s *Service) reconcileConfirmedWithRetry(ctx context.Context, tipID uuid.UUID, outcome domain.SettlementOutcome) (*domain.TipRecord, error) {
	var lastErr error
	for attempt := 1; attempt <= reconcileRetryAttempts; attempt++ {
		tip, err := s.Reconcile(ctx, tipID, outcome)
		if err == nil {
			return tip, nil
		}
		lastErr = err
		if !errors.Is(err, ErrOrphanedConfirmation) || attempt == reconcileRetryAttempts {
			break
		}
		log.Printf("level=warn component=service flow=reconcile msg=\"ledger write failed after on-chain confirmation; retrying\" tip_id=%s attempt=%d err=%v", tipID, attempt, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * reconcileRetryBackoff):
		}
	}
	return nil, lastErr
}

// SupportTip runs the full sequenced flow the mobile client drives: initiate,
// broadcast, await, reconcile. The progress callback receives the stages
// pending -> confirming -> confirmed/failed. A settlement rejection is a normal
// terminal outcome, not an error.
func (s *Service) SupportTip(ctx context.Context, subject string, req domain.RecordTipRequest, progress func(stage string)) (*domain.TipRecord, error) {
	notify := func(stage string) {
		if progress != nil {
			progress(stage)
		}
	}

	tip, err := s.InitiateTip(ctx, subject, req)
	if err != nil {
		return nil, err
	}
	notify(StagePending)

	handle, err := s.SubmitSettlement(ctx, tip)
	if err != nil {
		// Nothing moved; the tip stays pending and the caller may resubmit.
		return tip, err
	}
	notify(StageConfirming)

	outcome, err := s.AwaitSettlement(ctx, handle)
	if err != nil {
		// Outcome unknown (network error or abandonment); leave the tip
		// pending for the reconciliation sweep rather than guessing.
		return tip, err
	}

	if outcome.Confirmed {
		updated, err := s.reconcileConfirmedWithRetry(ctx, tip.ID, outcome)
		if err != nil {
			return tip, err
		}
		notify(StageConfirmed)
		return updated, nil
	}

	updated, err := s.Reconcile(ctx, tip.ID, outcome)
	if err != nil {
		return tip, err
	}
	notify(StageFailed)
	return updated, nil
}

// GetTip returns a single tip record by id.
func (s *Service) GetTip(ctx context.Context, tipID uuid.UUID) (*domain.TipRecord, error) {
	return s.repo.FindTipByID(ctx, tipID)
}

// SettlePendingTip drives an existing pending tip through broadcast, await,
// and reconcile. It is the resume path for a tip whose earlier settlement
// attempt was interrupted; an attempt that already settled on chain is
// reconciled and returned rather than paid twice.
func (s *Service) SettlePendingTip(ctx context.Context, tipID uuid.UUID) (*domain.TipRecord, error) {
	tip, err := s.repo.FindTipByID(ctx, tipID)
	if err != nil {
		return nil, err
	}

	handle, err := s.SubmitSettlement(ctx, tip)
	if err != nil {
		if errors.Is(err, ErrTipNotPending) {
			// The tip reached a terminal state, possibly just now via the
			// resumed prior attempt; hand back the settled record.
			return s.repo.FindTipByID(ctx, tip.ID)
		}
		return tip, err
	}

	outcome, err := s.AwaitSettlement(ctx, handle)
	if err != nil {
		return tip, err
	}

	if outcome.Confirmed {
		return s.reconcileConfirmedWithRetry(ctx, tip.ID, outcome)
	}
	return s.Reconcile(ctx, tip.ID, outcome)
}

// GetJarStatistics derives a jar's total raised and supporter count from
// confirmed tips at call time.
func (s *Service) GetJarStatistics(ctx context.Context, jarID uuid.UUID) (*domain.JarStatistics, error) {
	return s.repo.GetJarStatistics(ctx, jarID)
}

// GetJar returns the jar's display metadata and recipient address.
func (s *Service) GetJar(ctx context.Context, jarID uuid.UUID) (*domain.TipJar, error) {
	return s.repo.FindJarByID(ctx, jarID)
}

// ListConfirmedTips returns the confirmed tips for a jar, most recent first,
// with the anonymity rule applied to display names. The stored supporter name
// is never rewritten; "Anonymous" is a render-time substitution.
func (s *Service) ListConfirmedTips(ctx context.Context, jarID uuid.UUID) ([]domain.TipView, error) {
	tips, err := s.repo.ListConfirmedTips(ctx, jarID)
	if err != nil {
		return nil, err
	}

	views := make([]domain.TipView, 0, len(tips))
	for i := range tips {
		tip := &tips[i]
		views = append(views, domain.TipView{
			ID:          tip.ID,
			Amount:      tip.Amount,
			Message:     tip.Message,
			DisplayName: tip.DisplayName(),
			CreatedAt:   tip.CreatedAt,
		})
	}
	return views, nil
}

func (s *Service) publishTipEvent(ctx context.Context, routingKey string, tip *domain.TipRecord, reason string) {
	if s.eventProducer == nil {
		return
	}
	event := domain.TipLifecycleEvent{
		TipID:     tip.ID.String(),
		JarID:     tip.JarID.String(),
		Status:    tip.Status,
		Amount:    tip.Amount,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	if tip.SettlementReference != nil {
		event.SettlementReference = *tip.SettlementReference
	}
	if err := s.eventProducer.Publish(ctx, rabbitmq.TipEventExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=service msg=\"tip event publish failed\" routing_key=%s tip_id=%s err=%v", routingKey, tip.ID, err)
	}
}

func trimmedOptional(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
