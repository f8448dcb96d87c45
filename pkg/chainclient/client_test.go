package chainclient

import (
	"bytes"
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const testSignerKeyHex = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

var (
	testToken     = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testRecipient = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

// backendStub scripts RPC responses for the client.
type backendStub struct {
	nonce    uint64
	gasPrice *big.Int

	sent    []*types.Transaction
	sendErr error

	receipt    *types.Receipt
	receiptErr error

	head    *types.Header
	headErr error
}

func (b *backendStub) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return b.nonce, nil
}

func (b *backendStub) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if b.gasPrice == nil {
		return big.NewInt(1_000_000_000), nil
	}
	return b.gasPrice, nil
}

func (b *backendStub) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, tx)
	return nil
}

func (b *backendStub) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if b.receiptErr != nil {
		return nil, b.receiptErr
	}
	return b.receipt, nil
}

func (b *backendStub) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if b.headErr != nil {
		return nil, b.headErr
	}
	return b.head, nil
}

func testClient(t *testing.T, backend Backend, confirmations uint64) *Client {
	t.Helper()
	key, err := crypto.HexToECDSA(testSignerKeyHex)
	if err != nil {
		t.Fatalf("failed to parse test key: %v", err)
	}
	return newClient(backend, testToken, key, 8453, confirmations, 5*time.Millisecond)
}

func headerAt(n int64) *types.Header {
	return &types.Header{Number: big.NewInt(n)}
}

func TestTransferCalldata_Encoding(t *testing.T) {
	data := TransferCalldata(testRecipient, big.NewInt(5_000_000))

	if len(data) != 68 {
		t.Fatalf("expected 68 bytes of calldata, got %d", len(data))
	}
	if !bytes.Equal(data[:4], erc20TransferSelector) {
		t.Fatalf("expected transfer selector prefix, got %x", data[:4])
	}
	if !bytes.Equal(data[4:36], common.LeftPadBytes(testRecipient.Bytes(), 32)) {
		t.Fatalf("recipient not encoded in first argument: %x", data[4:36])
	}
	if got := new(big.Int).SetBytes(data[36:]); got.Int64() != 5_000_000 {
		t.Fatalf("expected amount 5000000 in second argument, got %s", got)
	}
}

func TestTransfer_BroadcastsSignedTokenCall(t *testing.T) {
	backend := &backendStub{nonce: 7}
	client := testClient(t, backend, 1)

	handle, err := client.Transfer(context.Background(), testRecipient.Hex(), 1_000_000)
	if err != nil {
		t.Fatalf("Transfer returned error: %v", err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("expected one broadcast transaction, got %d", len(backend.sent))
	}

	tx := backend.sent[0]
	if tx.To() == nil || *tx.To() != testToken {
		t.Fatalf("transfer must target the token contract, got %v", tx.To())
	}
	if tx.Value().Sign() != 0 {
		t.Fatalf("token transfer must carry no native value, got %s", tx.Value())
	}
	if tx.Nonce() != 7 {
		t.Fatalf("expected nonce 7, got %d", tx.Nonce())
	}
	if !bytes.Equal(tx.Data(), TransferCalldata(testRecipient, big.NewInt(1_000_000))) {
		t.Fatal("broadcast calldata does not match the encoded transfer")
	}
	if handle.Reference() != tx.Hash().Hex() {
		t.Fatalf("handle reference %q does not match tx hash %q", handle.Reference(), tx.Hash().Hex())
	}
}

func TestTransfer_RejectsInvalidInput(t *testing.T) {
	backend := &backendStub{}
	client := testClient(t, backend, 1)

	if _, err := client.Transfer(context.Background(), "not-an-address", 100); err != ErrInvalidRecipient {
		t.Fatalf("expected ErrInvalidRecipient, got %v", err)
	}
	if _, err := client.Transfer(context.Background(), testRecipient.Hex(), 0); err == nil {
		t.Fatal("expected error for zero amount")
	}
	if len(backend.sent) != 0 {
		t.Fatalf("invalid input must never broadcast, got %d transactions", len(backend.sent))
	}
}

func TestAwait_ConfirmedAtDepth(t *testing.T) {
	txHash := common.HexToHash("0xabc")
	backend := &backendStub{
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(100),
		},
		head: headerAt(102),
	}
	client := testClient(t, backend, 3)

	outcome, err := client.Await(context.Background(), &SettlementHandle{TxHash: txHash})
	if err != nil {
		t.Fatalf("Await returned error: %v", err)
	}
	if !outcome.Confirmed {
		t.Fatalf("expected confirmed outcome, got %+v", outcome)
	}
	if outcome.Reference != txHash.Hex() {
		t.Fatalf("expected reference %q, got %q", txHash.Hex(), outcome.Reference)
	}
}

func TestAwait_RevertedTransactionFails(t *testing.T) {
	backend := &backendStub{
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusFailed,
			BlockNumber: big.NewInt(100),
		},
		head: headerAt(105),
	}
	client := testClient(t, backend, 3)

	outcome, err := client.Await(context.Background(), &SettlementHandle{TxHash: common.HexToHash("0xdef")})
	if err != nil {
		t.Fatalf("a revert is a routine outcome, not an error: %v", err)
	}
	if outcome.Confirmed {
		t.Fatal("reverted transaction must not confirm")
	}
	if outcome.Reason == "" {
		t.Fatal("failed outcome must carry a reason")
	}
}

func TestAwait_ContextCancellationAbandonsWait(t *testing.T) {
	backend := &backendStub{receiptErr: ethereum.NotFound}
	client := testClient(t, backend, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Await(ctx, &SettlementHandle{TxHash: common.HexToHash("0x123")})
	if err == nil {
		t.Fatal("expected an error when the wait is abandoned")
	}
}

func transferLog(token, recipient common.Address, amount *big.Int) *types.Log {
	return &types.Log{
		Address: token,
		Topics: []common.Hash{
			transferEventSignature,
			common.HexToHash("0x4444444444444444444444444444444444444444"),
			common.BytesToHash(common.LeftPadBytes(recipient.Bytes(), 32)),
		},
		Data: common.LeftPadBytes(amount.Bytes(), 32),
	}
}

func TestConfirmTransfer_MatchesTransferLog(t *testing.T) {
	backend := &backendStub{
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(50),
			Logs:        []*types.Log{transferLog(testToken, testRecipient, big.NewInt(2_000_000))},
		},
		head: headerAt(60),
	}
	client := testClient(t, backend, 3)

	outcome, resolved, err := client.ConfirmTransfer(context.Background(), "0xaaa", testRecipient.Hex(), 2_000_000)
	if err != nil {
		t.Fatalf("ConfirmTransfer returned error: %v", err)
	}
	if !resolved || !outcome.Confirmed {
		t.Fatalf("expected resolved confirmation, got resolved=%t outcome=%+v", resolved, outcome)
	}
}

func TestConfirmTransfer_RejectsMismatchedTransfer(t *testing.T) {
	backend := &backendStub{
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(50),
			Logs:        []*types.Log{transferLog(testToken, testRecipient, big.NewInt(999))},
		},
		head: headerAt(60),
	}
	client := testClient(t, backend, 3)

	outcome, resolved, err := client.ConfirmTransfer(context.Background(), "0xbbb", testRecipient.Hex(), 2_000_000)
	if err != nil {
		t.Fatalf("ConfirmTransfer returned error: %v", err)
	}
	if !resolved {
		t.Fatal("a mined receipt with the wrong transfer must still resolve")
	}
	if outcome.Confirmed {
		t.Fatal("a reference must not confirm against an unrelated transfer")
	}
}

func TestConfirmTransfer_UnminedStaysUnresolved(t *testing.T) {
	backend := &backendStub{receiptErr: ethereum.NotFound}
	client := testClient(t, backend, 3)

	_, resolved, err := client.ConfirmTransfer(context.Background(), "0xccc", testRecipient.Hex(), 100)
	if err != nil {
		t.Fatalf("a missing receipt is not an error: %v", err)
	}
	if resolved {
		t.Fatal("an unmined transfer must stay unresolved")
	}
}

func TestConfirmTransfer_ShallowRevertStaysUnresolved(t *testing.T) {
	backend := &backendStub{
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusFailed,
			BlockNumber: big.NewInt(100),
		},
		head: headerAt(100),
	}
	client := testClient(t, backend, 3)

	_, resolved, err := client.ConfirmTransfer(context.Background(), "0xeee", testRecipient.Hex(), 100)
	if err != nil {
		t.Fatalf("ConfirmTransfer returned error: %v", err)
	}
	if resolved {
		t.Fatal("a revert above the confirmation depth may still reorg and must stay unresolved")
	}
}

func TestAwait_ShallowRevertKeepsWaiting(t *testing.T) {
	backend := &backendStub{
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusFailed,
			BlockNumber: big.NewInt(100),
		},
		head: headerAt(100),
	}
	client := testClient(t, backend, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	// The revert is only one block deep; the wait must keep polling rather
	// than report a terminal failure.
	if _, err := client.Await(ctx, &SettlementHandle{TxHash: common.HexToHash("0xfff")}); err == nil {
		t.Fatal("a shallow revert must not resolve before the depth gate passes")
	}
}

func TestConfirmTransfer_InsufficientDepthStaysUnresolved(t *testing.T) {
	backend := &backendStub{
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(100),
			Logs:        []*types.Log{transferLog(testToken, testRecipient, big.NewInt(100))},
		},
		head: headerAt(100),
	}
	client := testClient(t, backend, 3)

	_, resolved, err := client.ConfirmTransfer(context.Background(), "0xddd", testRecipient.Hex(), 100)
	if err != nil {
		t.Fatalf("ConfirmTransfer returned error: %v", err)
	}
	if resolved {
		t.Fatal("a transfer below the confirmation depth must stay unresolved")
	}
}
