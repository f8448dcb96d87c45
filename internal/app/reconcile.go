package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/tipjar/tipping-service/internal/domain"
)

const (
	defaultSweepLimit      = 100
	maxSweepLimit          = 500
	defaultSweepMinimumAge = 10 * time.Minute
)

// ReconcileAbandonedTips resolves tips that were broadcast to the chain but
// whose awaiting client went away before reporting an outcome. For each stale
// pending tip with a settlement reference it asks the chain for the receipt and
// applies the resulting terminal state. Tips whose settlement is still
// undetermined (not yet mined, or not at confirmation depth) stay pending and
// are picked up by the next sweep. Tips that never received a reference are
// not candidates: there is nothing to verify and no basis to fabricate a
// failure for them.
func (s *Service) ReconcileAbandonedTips(ctx context.Context, limit int) (*domain.ReconcileSweepResult, error) {
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	if limit > maxSweepLimit {
		limit = maxSweepLimit
	}
	minimumAge := s.sweepMinimumAge
	if minimumAge <= 0 {
		minimumAge = defaultSweepMinimumAge
	}

	cutoff := time.Now().UTC().Add(-minimumAge)
	candidates, err := s.repo.ListUnsettledTips(ctx, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sweep candidates: %w", err)
	}

	result := &domain.ReconcileSweepResult{Scanned: len(candidates)}

	for i := range candidates {
		tip := &candidates[i]
		if tip.SettlementReference == nil || *tip.SettlementReference == "" {
			result.Unresolved++
			continue
		}
		reference := *tip.SettlementReference

		jar, jarErr := s.repo.FindJarByID(ctx, tip.JarID)
		if jarErr != nil {
			result.Errors++
			log.Printf("level=warn component=service flow=reconcile_sweep msg=\"candidate jar lookup failed\" tip_id=%s err=%v", tip.ID, jarErr)
			continue
		}

		outcome, resolved, chainErr := s.chain.ConfirmTransfer(ctx, reference, jar.RecipientAddress, tip.Amount)
		if chainErr != nil {
			result.Errors++
			log.Printf("level=warn component=service flow=reconcile_sweep msg=\"chain lookup failed\" tip_id=%s reference=%s err=%v", tip.ID, reference, chainErr)
			continue
		}
		if !resolved {
			result.Unresolved++
			continue
		}

		updated, recErr := s.Reconcile(ctx, tip.ID, outcome)
		if recErr != nil {
			result.Errors++
			log.Printf("level=error component=service flow=reconcile_sweep msg=\"reconcile failed\" tip_id=%s reference=%s err=%v", tip.ID, reference, recErr)
			continue
		}

		switch updated.Status {
		case domain.TipStatusConfirmed:
			result.Confirmed++
		case domain.TipStatusFailed:
			result.Failed++
		default:
			result.Unresolved++
		}
	}

	log.Printf("level=info component=service flow=reconcile_sweep scanned=%d confirmed=%d failed=%d unresolved=%d errors=%d", result.Scanned, result.Confirmed, result.Failed, result.Unresolved, result.Errors)
	return result, nil
}
