package app

import (
	"context"
	"testing"
	"time"

	"github.com/tipjar/tipping-service/internal/domain"
)

func ageTip(repo *tipRepoFake, tip *domain.TipRecord, age time.Duration) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	stored := repo.tips[tip.ID]
	stored.CreatedAt = time.Now().UTC().Add(-age)
}

func TestReconcileAbandonedTips_ConfirmsFromChainHistory(t *testing.T) {
	repo := newTipRepoFake()
	jar := newTestJar(repo)
	chain := &chainStub{
		handle:          testHandle("0x11"),
		confirmOutcome:  domain.ConfirmedOutcome(testHandle("0x11").Reference()),
		confirmResolved: true,
	}
	svc := NewService(repo, chain, nil)

	tip, _ := svc.InitiateTip(context.Background(), "s", domain.RecordTipRequest{JarID: jar.ID, Amount: 400})
	if _, err := svc.SubmitSettlement(context.Background(), tip); err != nil {
		t.Fatalf("SubmitSettlement returned error: %v", err)
	}
	ageTip(repo, tip, time.Hour)

	result, err := svc.ReconcileAbandonedTips(context.Background(), 0)
	if err != nil {
		t.Fatalf("ReconcileAbandonedTips returned error: %v", err)
	}
	if result.Scanned != 1 || result.Confirmed != 1 {
		t.Fatalf("expected one scanned and confirmed, got %+v", result)
	}

	stored, _ := repo.FindTipByID(context.Background(), tip.ID)
	if stored.Status != domain.TipStatusConfirmed {
		t.Fatalf("expected confirmed after sweep, got %q", stored.Status)
	}
}

func TestReconcileAbandonedTips_FailsRevertedTransfer(t *testing.T) {
	repo := newTipRepoFake()
	jar := newTestJar(repo)
	chain := &chainStub{
		handle:          testHandle("0x12"),
		confirmOutcome:  domain.FailedOutcome("transaction reverted"),
		confirmResolved: true,
	}
	svc := NewService(repo, chain, nil)

	tip, _ := svc.InitiateTip(context.Background(), "s", domain.RecordTipRequest{JarID: jar.ID, Amount: 400})
	svc.SubmitSettlement(context.Background(), tip)
	ageTip(repo, tip, time.Hour)

	result, err := svc.ReconcileAbandonedTips(context.Background(), 0)
	if err != nil {
		t.Fatalf("ReconcileAbandonedTips returned error: %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("expected one failed, got %+v", result)
	}

	stored, _ := repo.FindTipByID(context.Background(), tip.ID)
	if stored.Status != domain.TipStatusFailed {
		t.Fatalf("expected failed after sweep, got %q", stored.Status)
	}
}

func TestReconcileAbandonedTips_LeavesUnresolvedPending(t *testing.T) {
	repo := newTipRepoFake()
	jar := newTestJar(repo)
	chain := &chainStub{
		handle:          testHandle("0x13"),
		confirmResolved: false,
	}
	svc := NewService(repo, chain, nil)

	tip, _ := svc.InitiateTip(context.Background(), "s", domain.RecordTipRequest{JarID: jar.ID, Amount: 400})
	svc.SubmitSettlement(context.Background(), tip)
	ageTip(repo, tip, time.Hour)

	result, err := svc.ReconcileAbandonedTips(context.Background(), 0)
	if err != nil {
		t.Fatalf("ReconcileAbandonedTips returned error: %v", err)
	}
	if result.Unresolved != 1 || result.Confirmed != 0 || result.Failed != 0 {
		t.Fatalf("expected one unresolved, got %+v", result)
	}

	stored, _ := repo.FindTipByID(context.Background(), tip.ID)
	if stored.Status != domain.TipStatusPending {
		t.Fatalf("undetermined settlement must stay pending, got %q", stored.Status)
	}
}

func TestReconcileAbandonedTips_SkipsFreshAndReferencelessTips(t *testing.T) {
	repo := newTipRepoFake()
	jar := newTestJar(repo)
	chain := &chainStub{
		handle:          testHandle("0x14"),
		confirmOutcome:  domain.ConfirmedOutcome(testHandle("0x14").Reference()),
		confirmResolved: true,
	}
	svc := NewService(repo, chain, nil)

	// Fresh broadcast tip: younger than the eligibility age.
	fresh, _ := svc.InitiateTip(context.Background(), "s", domain.RecordTipRequest{JarID: jar.ID, Amount: 100})
	svc.SubmitSettlement(context.Background(), fresh)

	// Old tip that never got a reference: nothing to verify against.
	referenceless, _ := svc.InitiateTip(context.Background(), "s", domain.RecordTipRequest{JarID: jar.ID, Amount: 200})
	ageTip(repo, referenceless, time.Hour)

	result, err := svc.ReconcileAbandonedTips(context.Background(), 0)
	if err != nil {
		t.Fatalf("ReconcileAbandonedTips returned error: %v", err)
	}
	if result.Scanned != 0 {
		t.Fatalf("expected no candidates, got %+v", result)
	}

	for _, tip := range []*domain.TipRecord{fresh, referenceless} {
		stored, _ := repo.FindTipByID(context.Background(), tip.ID)
		if stored.Status != domain.TipStatusPending {
			t.Fatalf("tip %s must stay pending, got %q", tip.ID, stored.Status)
		}
	}
}

func TestReconcileAbandonedTips_ChainErrorCountsAndContinues(t *testing.T) {
	repo := newTipRepoFake()
	jar := newTestJar(repo)
	chain := &chainStub{
		handle:     testHandle("0x15"),
		confirmErr: context.DeadlineExceeded,
	}
	svc := NewService(repo, chain, nil)

	tip, _ := svc.InitiateTip(context.Background(), "s", domain.RecordTipRequest{JarID: jar.ID, Amount: 400})
	svc.SubmitSettlement(context.Background(), tip)
	ageTip(repo, tip, time.Hour)

	result, err := svc.ReconcileAbandonedTips(context.Background(), 0)
	if err != nil {
		t.Fatalf("a single candidate failure must not abort the sweep: %v", err)
	}
	if result.Errors != 1 {
		t.Fatalf("expected one error counted, got %+v", result)
	}

	stored, _ := repo.FindTipByID(context.Background(), tip.ID)
	if stored.Status != domain.TipStatusPending {
		t.Fatalf("tip must stay pending when the chain is unreachable, got %q", stored.Status)
	}
}
