/**
 * @description
 * This file defines the core domain models for the tipping-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Using distinct types for API requests, database models, and external service
 *   payloads ensures clear separation of concerns and type safety.
 * - Amounts are stored as `int64` in the stablecoin's base unit (e.g. USDC has
 *   six decimals), which avoids floating-point inaccuracies with financial data.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Tip settlement states. A tip is created pending and reaches exactly one
// terminal state; confirmed and failed rows are never mutated again.
const (
	TipStatusPending   = "pending"
	TipStatusConfirmed = "confirmed"
	TipStatusFailed    = "failed"
)

// AnonymousDisplayName is what listings show when the supporter opted out of
// being named. The stored display name is never overwritten.
const AnonymousDisplayName = "Anonymous"

// MaxTipMessageLength bounds the optional supporter message, matching the
// mobile client's input limit.
const MaxTipMessageLength = 200

// TipRecord is the off-chain ledger row for one attempted tip.
// This struct maps directly to the `tips` table in the database.
type TipRecord struct {
	ID                   uuid.UUID `json:"id"`
	JarID                uuid.UUID `json:"jar_id"`
	Amount               int64     `json:"amount"` // stablecoin base units
	Message              *string   `json:"message,omitempty"`
	SupporterDisplayName *string   `json:"supporter_display_name,omitempty"`
	ShowName             bool      `json:"show_name"`
	SettlementReference  *string   `json:"settlement_reference,omitempty"` // on-chain tx hash
	Status               string    `json:"status"`
	FailureReason        *string   `json:"failure_reason,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// IsTerminal reports whether the record has reached a final settlement state.
func (t *TipRecord) IsTerminal() bool {
	return t.Status == TipStatusConfirmed || t.Status == TipStatusFailed
}

// DisplayName resolves the name a listing should render for this tip.
func (t *TipRecord) DisplayName() string {
	if !t.ShowName || t.SupporterDisplayName == nil || *t.SupporterDisplayName == "" {
		return AnonymousDisplayName
	}
	return *t.SupporterDisplayName
}

// TipJar is the read-only view of a creator's jar that the tipping core needs:
// the settlement recipient address plus display metadata. Jar ownership and
// editing live outside this service.
type TipJar struct {
	ID               uuid.UUID `json:"id"`
	CreatorID        uuid.UUID `json:"creator_id"`
	Title            string    `json:"title"`
	Category         string    `json:"category"`
	RecipientAddress string    `json:"recipient_address"`
	GoalAmount       int64     `json:"goal_amount"`
	CreatedAt        time.Time `json:"created_at"`
}

// RecordTipRequest is the DTO for incoming tip-initiation API requests.
type RecordTipRequest struct {
	JarID                uuid.UUID `json:"jar_id"`
	Amount               int64     `json:"amount"` // stablecoin base units
	Message              *string   `json:"message,omitempty"`
	SupporterDisplayName *string   `json:"supporter_display_name,omitempty"`
	ShowName             bool      `json:"show_name"`
}

// JarStatistics is derived on demand from confirmed tips only; it is never
// stored, and pending or failed rows never contribute to it.
type JarStatistics struct {
	TotalRaised    int64 `json:"total_raised"`
	SupporterCount int   `json:"supporter_count"`
}

// TipView is the presentation-facing shape of a confirmed tip, with the
// anonymous rule already applied to the display name.
type TipView struct {
	ID          uuid.UUID `json:"id"`
	Amount      int64     `json:"amount"`
	Message     *string   `json:"message,omitempty"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// ReconcileSweepResult summarizes one pass of the background reconciliation
// sweep over stale pending tips.
type ReconcileSweepResult struct {
	Scanned    int `json:"scanned"`
	Confirmed  int `json:"confirmed"`
	Failed     int `json:"failed"`
	Unresolved int `json:"unresolved"`
	Errors     int `json:"errors"`
}

// SettlementOutcome is the tagged result of awaiting a settlement: either a
// confirmation carrying the on-chain reference, or a failure carrying a reason.
type SettlementOutcome struct {
	Confirmed bool   `json:"confirmed"`
	Reference string `json:"reference,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ConfirmedOutcome builds the confirmed variant of a settlement outcome.
func ConfirmedOutcome(reference string) SettlementOutcome {
	return SettlementOutcome{Confirmed: true, Reference: reference}
}

// FailedOutcome builds the failed variant of a settlement outcome.
func FailedOutcome(reason string) SettlementOutcome {
	return SettlementOutcome{Confirmed: false, Reason: reason}
}
