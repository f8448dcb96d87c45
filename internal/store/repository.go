/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the tipping-service. By defining an interface,
 * we decouple the application's business logic from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tipjar/tipping-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
//
// The single-record status transitions (MarkTipConfirmed, MarkTipFailed) are
// conditional on the row still being pending and report whether a transition
// actually happened. That conditional update is the only concurrency control
// the tip lifecycle needs: two racing confirmations for the same record can
// win at most once.
type Repository interface {
	// Jar methods (read-only; jar ownership lives outside this service)
	FindJarByID(ctx context.Context, jarID uuid.UUID) (*domain.TipJar, error)

	// Tip methods
	CreateTip(ctx context.Context, tip *domain.TipRecord) error
	FindTipByID(ctx context.Context, tipID uuid.UUID) (*domain.TipRecord, error)
	FindTipBySettlementReference(ctx context.Context, reference string) (*domain.TipRecord, error)
	AttachSettlementReference(ctx context.Context, tipID uuid.UUID, reference string) error
	MarkTipConfirmed(ctx context.Context, tipID uuid.UUID, reference string) (bool, error)
	MarkTipFailed(ctx context.Context, tipID uuid.UUID, reason string) (bool, error)

	// Display and statistics methods
	ListConfirmedTips(ctx context.Context, jarID uuid.UUID) ([]domain.TipRecord, error)
	GetJarStatistics(ctx context.Context, jarID uuid.UUID) (*domain.JarStatistics, error)

	// Reconciliation sweep methods
	ListUnsettledTips(ctx context.Context, olderThan time.Time, limit int) ([]domain.TipRecord, error)
}
