package app

import (
	"context"
	"fmt"
	"testing"

	"github.com/tipjar/tipping-service/internal/domain"
)

func TestProcessEvent_ConfirmsPendingTipByReference(t *testing.T) {
	repo := newTipRepoFake()
	jar := newTestJar(repo)
	svc := NewService(repo, &chainStub{handle: testHandle("0xaa")}, nil)
	consumer := NewSettlementStatusConsumer(svc, repo)

	tip, _ := svc.InitiateTip(context.Background(), "s", domain.RecordTipRequest{JarID: jar.ID, Amount: 900})
	if _, err := svc.SubmitSettlement(context.Background(), tip); err != nil {
		t.Fatalf("SubmitSettlement returned error: %v", err)
	}

	event := domain.SettlementStatusEvent{
		Status:              "confirmed",
		SettlementReference: testHandle("0xaa").Reference(),
	}
	if err := consumer.processEvent(context.Background(), event); err != nil {
		t.Fatalf("processEvent returned error: %v", err)
	}

	stored, _ := repo.FindTipByID(context.Background(), tip.ID)
	if stored.Status != domain.TipStatusConfirmed {
		t.Fatalf("expected confirmed, got %q", stored.Status)
	}
}

func TestProcessEvent_IgnoresStaleFailureForConfirmedTip(t *testing.T) {
	repo := newTipRepoFake()
	jar := newTestJar(repo)
	svc := NewService(repo, &chainStub{handle: testHandle("0xbb")}, nil)
	consumer := NewSettlementStatusConsumer(svc, repo)

	tip, _ := svc.InitiateTip(context.Background(), "s", domain.RecordTipRequest{JarID: jar.ID, Amount: 900})
	svc.SubmitSettlement(context.Background(), tip)
	if _, err := svc.Reconcile(context.Background(), tip.ID, domain.ConfirmedOutcome(testHandle("0xbb").Reference())); err != nil {
		t.Fatalf("reconcile returned error: %v", err)
	}

	event := domain.SettlementStatusEvent{
		Status:              "failed",
		SettlementReference: testHandle("0xbb").Reference(),
		Reason:              "late revert notification",
	}
	if err := consumer.processEvent(context.Background(), event); err != nil {
		t.Fatalf("stale replay must be acknowledged, got %v", err)
	}

	stored, _ := repo.FindTipByID(context.Background(), tip.ID)
	if stored.Status != domain.TipStatusConfirmed {
		t.Fatalf("confirmed tip must survive a stale failure replay, got %q", stored.Status)
	}
	if stored.FailureReason != nil {
		t.Fatalf("stale replay must not attach a failure reason, got %q", *stored.FailureReason)
	}
}

func TestProcessEvent_UnknownReferenceIsAcknowledged(t *testing.T) {
	repo := newTipRepoFake()
	svc := NewService(repo, &chainStub{}, nil)
	consumer := NewSettlementStatusConsumer(svc, repo)

	event := domain.SettlementStatusEvent{
		Status:              "confirmed",
		SettlementReference: "0xunknown",
	}
	if err := consumer.processEvent(context.Background(), event); err != nil {
		t.Fatalf("unknown reference must not be requeued forever, got %v", err)
	}
}

func TestProcessEvent_IntermediateStatusIsNoOp(t *testing.T) {
	repo := newTipRepoFake()
	jar := newTestJar(repo)
	svc := NewService(repo, &chainStub{handle: testHandle("0xcc")}, nil)
	consumer := NewSettlementStatusConsumer(svc, repo)

	tip, _ := svc.InitiateTip(context.Background(), "s", domain.RecordTipRequest{JarID: jar.ID, Amount: 900})
	svc.SubmitSettlement(context.Background(), tip)

	event := domain.SettlementStatusEvent{
		Status:              "broadcast",
		SettlementReference: testHandle("0xcc").Reference(),
	}
	if err := consumer.processEvent(context.Background(), event); err != nil {
		t.Fatalf("processEvent returned error: %v", err)
	}

	stored, _ := repo.FindTipByID(context.Background(), tip.ID)
	if stored.Status != domain.TipStatusPending {
		t.Fatalf("intermediate status must not transition the tip, got %q", stored.Status)
	}
}

func TestHandleMessage_ConfirmationWithoutReferenceIsAcknowledged(t *testing.T) {
	repo := newTipRepoFake()
	jar := newTestJar(repo)
	svc := NewService(repo, &chainStub{}, nil)
	consumer := NewSettlementStatusConsumer(svc, repo)

	// The tip never broadcast, so neither the event nor the record can supply
	// a settlement reference. Requeueing such an event would redeliver forever.
	tip, _ := svc.InitiateTip(context.Background(), "s", domain.RecordTipRequest{JarID: jar.ID, Amount: 900})

	body := []byte(fmt.Sprintf(`{"status":"confirmed","tip_id":%q}`, tip.ID))
	if !consumer.HandleMessage(body) {
		t.Fatal("a confirmation without any reference must be acknowledged, not requeued")
	}

	stored, _ := repo.FindTipByID(context.Background(), tip.ID)
	if stored.Status != domain.TipStatusPending {
		t.Fatalf("a confirmation without a reference must not transition the tip, got %q", stored.Status)
	}
}

func TestHandleMessage_MalformedPayloadIsAcknowledged(t *testing.T) {
	repo := newTipRepoFake()
	svc := NewService(repo, &chainStub{}, nil)
	consumer := NewSettlementStatusConsumer(svc, repo)

	if !consumer.HandleMessage([]byte("{not json")) {
		t.Fatal("malformed payloads must be acknowledged, not requeued")
	}
}
