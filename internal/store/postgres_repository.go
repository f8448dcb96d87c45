/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the database tables
 * related to tips and tip jars.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tipjar/tipping-service/internal/domain"
)

var (
	ErrJarNotFound = errors.New("tip jar not found")
	ErrTipNotFound = errors.New("tip not found")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const tipColumns = `id, jar_id, amount, message, supporter_display_name, show_name,
       settlement_reference, status, failure_reason, created_at, updated_at`

func scanTip(row pgx.Row) (*domain.TipRecord, error) {
	var tip domain.TipRecord
	err := row.Scan(
		&tip.ID, &tip.JarID, &tip.Amount, &tip.Message, &tip.SupporterDisplayName,
		&tip.ShowName, &tip.SettlementReference, &tip.Status, &tip.FailureReason,
		&tip.CreatedAt, &tip.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTipNotFound
		}
		return nil, err
	}
	return &tip, nil
}

// FindJarByID retrieves a tip jar's settlement recipient and display metadata.
func (r *PostgresRepository) FindJarByID(ctx context.Context, jarID uuid.UUID) (*domain.TipJar, error) {
	var jar domain.TipJar
	query := `SELECT id, creator_id, title, COALESCE(category, '') AS category, recipient_address, goal_amount, created_at
	          FROM tip_jars WHERE id = $1`
	err := r.db.QueryRow(ctx, query, jarID).Scan(
		&jar.ID, &jar.CreatorID, &jar.Title, &jar.Category, &jar.RecipientAddress,
		&jar.GoalAmount, &jar.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrJarNotFound
		}
		return nil, err
	}
	return &jar, nil
}

// CreateTip inserts a new tip record. The status is forced to 'pending'
// server-side regardless of what the caller set on the struct, and the
// generated row (with timestamps) is scanned back into `tip`.
func (r *PostgresRepository) CreateTip(ctx context.Context, tip *domain.TipRecord) error {
	if tip.ID == uuid.Nil {
		tip.ID = uuid.New()
	}
	query := `
		INSERT INTO tips (id, jar_id, amount, message, supporter_display_name, show_name, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending')
		RETURNING ` + tipColumns
	created, err := scanTip(r.db.QueryRow(ctx, query,
		tip.ID, tip.JarID, tip.Amount, tip.Message, tip.SupporterDisplayName, tip.ShowName,
	))
	if err != nil {
		return err
	}
	*tip = *created
	return nil
}

// FindTipByID retrieves a single tip record by its ID.
func (r *PostgresRepository) FindTipByID(ctx context.Context, tipID uuid.UUID) (*domain.TipRecord, error) {
	query := `SELECT ` + tipColumns + ` FROM tips WHERE id = $1`
	return scanTip(r.db.QueryRow(ctx, query, tipID))
}

// FindTipBySettlementReference retrieves the tip associated with an on-chain
// transaction hash. Used by the settlement-status consumer.
func (r *PostgresRepository) FindTipBySettlementReference(ctx context.Context, reference string) (*domain.TipRecord, error) {
	query := `SELECT ` + tipColumns + ` FROM tips WHERE lower(settlement_reference) = lower(btrim($1))`
	return scanTip(r.db.QueryRow(ctx, query, reference))
}

// AttachSettlementReference records the broadcast transaction hash on a tip
// that is still pending, so an interrupted flow can later be resolved from
// chain history. Attaching to a terminal row is a no-op.
func (r *PostgresRepository) AttachSettlementReference(ctx context.Context, tipID uuid.UUID, reference string) error {
	query := `UPDATE tips SET settlement_reference = $2, updated_at = NOW() WHERE id = $1 AND status = 'pending'`
	result, err := r.db.Exec(ctx, query, tipID, strings.TrimSpace(reference))
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		// Either the tip does not exist or it already reached a terminal state.
		if _, findErr := r.FindTipByID(ctx, tipID); findErr != nil {
			return findErr
		}
	}
	return nil
}

// MarkTipConfirmed transitions a pending tip to confirmed and sets its
// settlement reference. The WHERE clause makes the transition conditional on
// the row still being pending; the boolean result reports whether this call
// performed the transition. Terminal rows are left untouched.
func (r *PostgresRepository) MarkTipConfirmed(ctx context.Context, tipID uuid.UUID, reference string) (bool, error) {
	query := `
		UPDATE tips
		SET status = 'confirmed', settlement_reference = $2, failure_reason = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	result, err := r.db.Exec(ctx, query, tipID, strings.TrimSpace(reference))
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// MarkTipFailed transitions a pending tip to failed with the given reason,
// with the same conditional-update semantics as MarkTipConfirmed.
func (r *PostgresRepository) MarkTipFailed(ctx context.Context, tipID uuid.UUID, reason string) (bool, error) {
	query := `
		UPDATE tips
		SET status = 'failed', failure_reason = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	result, err := r.db.Exec(ctx, query, tipID, reason)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// ListConfirmedTips retrieves the confirmed tips for a jar, most recent first.
// Pending and failed rows are never listed.
func (r *PostgresRepository) ListConfirmedTips(ctx context.Context, jarID uuid.UUID) ([]domain.TipRecord, error) {
	query := `
		SELECT ` + tipColumns + `
		FROM tips
		WHERE jar_id = $1 AND status = 'confirmed'
		ORDER BY created_at DESC
	`
	rows, err := r.db.Query(ctx, query, jarID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tips []domain.TipRecord
	for rows.Next() {
		var tip domain.TipRecord
		err := rows.Scan(
			&tip.ID, &tip.JarID, &tip.Amount, &tip.Message, &tip.SupporterDisplayName,
			&tip.ShowName, &tip.SettlementReference, &tip.Status, &tip.FailureReason,
			&tip.CreatedAt, &tip.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		tips = append(tips, tip)
	}
	return tips, rows.Err()
}

// GetJarStatistics aggregates confirmed tips for a jar. Computed at query time
// from the ledger; the store is the source of truth and nothing is cached.
func (r *PostgresRepository) GetJarStatistics(ctx context.Context, jarID uuid.UUID) (*domain.JarStatistics, error) {
	var stats domain.JarStatistics
	query := `
		SELECT COALESCE(SUM(amount), 0), COUNT(*)
		FROM tips
		WHERE jar_id = $1 AND status = 'confirmed'
	`
	if err := r.db.QueryRow(ctx, query, jarID).Scan(&stats.TotalRaised, &stats.SupporterCount); err != nil {
		return nil, err
	}
	return &stats, nil
}

// ListUnsettledTips returns pending tips created before the cutoff, oldest
// first, for the reconciliation sweep. Only tips that already carry a
// settlement reference are candidates: a pending tip without one never had a
// transfer broadcast, so there is nothing on chain to resolve it against.
func (r *PostgresRepository) ListUnsettledTips(ctx context.Context, olderThan time.Time, limit int) ([]domain.TipRecord, error) {
	query := `
		SELECT ` + tipColumns + `
		FROM tips
		WHERE status = 'pending'
		  AND settlement_reference IS NOT NULL
		  AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tips []domain.TipRecord
	for rows.Next() {
		var tip domain.TipRecord
		err := rows.Scan(
			&tip.ID, &tip.JarID, &tip.Amount, &tip.Message, &tip.SupporterDisplayName,
			&tip.ShowName, &tip.SettlementReference, &tip.Status, &tip.FailureReason,
			&tip.CreatedAt, &tip.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		tips = append(tips, tip)
	}
	return tips, rows.Err()
}
