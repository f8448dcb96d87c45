package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tipjar/tipping-service/internal/domain"
	"github.com/tipjar/tipping-service/internal/store"
)

// SettlementStatusConsumer applies settlement notifications delivered over the
// message broker. Delivery may duplicate or reorder notifications, so every
// path that cannot make progress again later acknowledges the message.
type SettlementStatusConsumer struct {
	service *Service
	repo    store.Repository
}

func NewSettlementStatusConsumer(service *Service, repo store.Repository) *SettlementStatusConsumer {
	return &SettlementStatusConsumer{service: service, repo: repo}
}

func (c *SettlementStatusConsumer) HandleMessage(body []byte) bool {
	var event domain.SettlementStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("settlement-consumer: failed to unmarshal payload: %v", err)
		return true
	}

	if event.SettlementReference == "" && event.TipID == "" {
		log.Printf("settlement-consumer: event carries neither settlement reference nor tip id: %+v", event)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.processEvent(ctx, event); err != nil {
		log.Printf("settlement-consumer: processing error for reference %s: %v", event.SettlementReference, err)
		return false
	}

	return true
}

func (c *SettlementStatusConsumer) processEvent(ctx context.Context, event domain.SettlementStatusEvent) error {
	tip, err := c.lookupTip(ctx, event)
	if err != nil {
		if errors.Is(err, store.ErrTipNotFound) {
			log.Printf("settlement-consumer: no tip found for reference %s; acknowledging", event.SettlementReference)
			return nil
		}
		return fmt.Errorf("lookup tip: %w", err)
	}

	if tip.IsTerminal() {
		// Duplicate or out-of-order replay; the terminal record stands.
		return nil
	}

	switch normalizeSettlementStatus(event.Status) {
	case domain.TipStatusConfirmed:
		reference := strings.TrimSpace(event.SettlementReference)
		if reference == "" && tip.SettlementReference != nil {
			reference = strings.TrimSpace(*tip.SettlementReference)
		}
		if reference == "" {
			// Redelivery can never supply the missing reference, so requeueing
			// this event would only poison the queue. The sweep will settle
			// the tip from chain history once it has a reference.
			log.Printf("settlement-consumer: confirmed event for tip %s carries no settlement reference; dropping", tip.ID)
			return nil
		}
		_, err = c.service.Reconcile(ctx, tip.ID, domain.ConfirmedOutcome(reference))
		if errors.Is(err, ErrMissingSettlementReference) {
			log.Printf("settlement-consumer: unprocessable confirmation for tip %s: %v; dropping", tip.ID, err)
			return nil
		}
		return err
	case domain.TipStatusFailed:
		_, err = c.service.Reconcile(ctx, tip.ID, domain.FailedOutcome(event.Reason))
		return err
	default:
		// Intermediate statuses carry no ledger transition.
		return nil
	}
}

func (c *SettlementStatusConsumer) lookupTip(ctx context.Context, event domain.SettlementStatusEvent) (*domain.TipRecord, error) {
	if event.SettlementReference != "" {
		return c.repo.FindTipBySettlementReference(ctx, event.SettlementReference)
	}
	tipID, err := parseTipID(event.TipID)
	if err != nil {
		return nil, store.ErrTipNotFound
	}
	return c.repo.FindTipByID(ctx, tipID)
}

func parseTipID(raw string) (uuid.UUID, error) {
	return uuid.Parse(strings.TrimSpace(raw))
}

func normalizeSettlementStatus(status string) string {
	status = strings.TrimSpace(strings.ToLower(status))
	switch status {
	case "confirmed", "successful", "success", "settled":
		return domain.TipStatusConfirmed
	case "failed", "failure", "reverted", "rejected":
		return domain.TipStatusFailed
	case "broadcast", "submitted", "pending":
		return domain.TipStatusPending
	default:
		return status
	}
}
