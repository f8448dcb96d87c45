/**
 * @description
 * This package provides a client for settling tips on chain. It encapsulates the
 * logic for building and broadcasting an ERC-20 stablecoin transfer, awaiting its
 * confirmation to a configured depth, and resolving a previously broadcast transfer
 * from chain history during reconciliation.
 *
 * @dependencies
 * - context, crypto/ecdsa, errors, fmt, math/big, strings, time: Standard Go libraries.
 * - github.com/ethereum/go-ethereum: Ethereum RPC client, transaction types, signing.
 */
package chainclient

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/tipjar/tipping-service/internal/domain"
)

// ErrInvalidRecipient is returned when a jar's recipient address is not a valid
// hex address. Settlement must not be attempted against it.
var ErrInvalidRecipient = errors.New("invalid settlement recipient address")

// transferGasLimit covers a standard ERC-20 transfer with headroom for tokens
// that do bookkeeping in their transfer hook.
const transferGasLimit = 90000

// erc20TransferSelector is the 4-byte selector for transfer(address,uint256).
var erc20TransferSelector = []byte{0xa9, 0x05, 0x9c, 0xbb}

var transferEventSignature = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Backend is the subset of the Ethereum RPC the client uses. ethclient.Client
// satisfies it; tests substitute a stub.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// SettlementHandle identifies a broadcast transfer the caller can await.
type SettlementHandle struct {
	TxHash common.Hash
}

// Reference returns the on-chain settlement reference for the handle.
func (h *SettlementHandle) Reference() string {
	return h.TxHash.Hex()
}

// HandleForReference rebuilds the handle for a previously stored settlement
// reference so an interrupted wait can be resumed without rebroadcasting.
func HandleForReference(reference string) *SettlementHandle {
	return &SettlementHandle{TxHash: common.HexToHash(reference)}
}

// Client submits stablecoin transfers and resolves their settlement state.
type Client struct {
	backend       Backend
	token         common.Address
	chainID       *big.Int
	signerKey     *ecdsa.PrivateKey
	signerAddress common.Address
	confirmations uint64
	pollInterval  time.Duration
}

// NewClient dials the RPC endpoint and constructs a settlement client for the
// configured stablecoin contract and custodial signer key.
func NewClient(rpcURL, tokenAddress, signerKeyHex string, chainID int64, confirmations uint64, pollInterval time.Duration) (*Client, error) {
	trimmedURL := strings.TrimSpace(rpcURL)
	if trimmedURL == "" {
		return nil, errors.New("chain rpc url required")
	}
	if !common.IsHexAddress(tokenAddress) {
		return nil, fmt.Errorf("invalid token contract address %q", tokenAddress)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(signerKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse settlement signer key: %w", err)
	}
	backend, err := ethclient.Dial(trimmedURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial chain rpc: %w", err)
	}
	return newClient(backend, common.HexToAddress(tokenAddress), key, chainID, confirmations, pollInterval), nil
}

func newClient(backend Backend, token common.Address, key *ecdsa.PrivateKey, chainID int64, confirmations uint64, pollInterval time.Duration) *Client {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Client{
		backend:       backend,
		token:         token,
		chainID:       big.NewInt(chainID),
		signerKey:     key,
		signerAddress: crypto.PubkeyToAddress(key.PublicKey),
		confirmations: confirmations,
		pollInterval:  pollInterval,
	}
}

// TransferCalldata encodes the ERC-20 transfer(address,uint256) call.
func TransferCalldata(recipient common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, erc20TransferSelector...)
	data = append(data, common.LeftPadBytes(recipient.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}

// Transfer signs and broadcasts a token transfer of `amount` base units to the
// recipient and returns a handle for awaiting the result. Broadcast errors are
// transient from the caller's point of view: the same pending tip may be
// resubmitted.
func (c *Client) Transfer(ctx context.Context, recipient string, amount int64) (*SettlementHandle, error) {
	if !common.IsHexAddress(recipient) {
		return nil, ErrInvalidRecipient
	}
	if amount <= 0 {
		return nil, fmt.Errorf("transfer amount must be positive, got %d", amount)
	}

	nonce, err := c.backend.PendingNonceAt(ctx, c.signerAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch gas price: %w", err)
	}

	data := TransferCalldata(common.HexToAddress(recipient), big.NewInt(amount))
	tx := types.NewTransaction(nonce, c.token, new(big.Int), transferGasLimit, gasPrice, data)

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.signerKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transfer: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("failed to broadcast transfer: %w", err)
	}

	return &SettlementHandle{TxHash: signed.Hash()}, nil
}

// Await polls for the transfer's receipt until it is mined to the configured
// confirmation depth. A reverted transaction is a routine failed outcome, not
// an error; errors indicate the outcome is still unknown and the caller may
// retry. Cancelling the context abandons the wait without touching the ledger.
func (c *Client) Await(ctx context.Context, handle *SettlementHandle) (domain.SettlementOutcome, error) {
	if handle == nil {
		return domain.SettlementOutcome{}, errors.New("settlement handle is nil")
	}

	for {
		outcome, resolved, err := c.resolveReceipt(ctx, handle.TxHash)
		if err != nil {
			return domain.SettlementOutcome{}, err
		}
		if resolved {
			return outcome, nil
		}

		select {
		case <-ctx.Done():
			return domain.SettlementOutcome{}, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// ConfirmTransfer resolves a previously broadcast transfer from chain history
// for the reconciliation sweep. It additionally checks that the receipt carries
// a token Transfer log to the expected recipient for the expected amount, so a
// reference can not be confirmed against an unrelated transaction. The second
// return value reports whether the transfer could be resolved at all; an
// unresolved transfer leaves the tip pending.
func (c *Client) ConfirmTransfer(ctx context.Context, reference, recipient string, amount int64) (domain.SettlementOutcome, bool, error) {
	txHash := common.HexToHash(reference)
	receipt, err := c.backend.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return domain.SettlementOutcome{}, false, nil
		}
		return domain.SettlementOutcome{}, false, fmt.Errorf("failed to fetch receipt: %w", err)
	}

	// The depth gate applies to reverts too: a shallow reorg can still
	// replace the block, so a revert is only terminal once buried.
	deep, err := c.confirmedToDepth(ctx, receipt)
	if err != nil {
		return domain.SettlementOutcome{}, false, err
	}
	if !deep {
		return domain.SettlementOutcome{}, false, nil
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return domain.FailedOutcome("transaction reverted on chain"), true, nil
	}

	if !receiptTransfersTo(receipt, c.token, common.HexToAddress(recipient), big.NewInt(amount)) {
		return domain.FailedOutcome("no matching token transfer in receipt"), true, nil
	}
	return domain.ConfirmedOutcome(txHash.Hex()), true, nil
}

// resolveReceipt is the single polling step shared by Await.
func (c *Client) resolveReceipt(ctx context.Context, txHash common.Hash) (domain.SettlementOutcome, bool, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return domain.SettlementOutcome{}, false, nil
		}
		return domain.SettlementOutcome{}, false, fmt.Errorf("failed to fetch receipt: %w", err)
	}

	deep, err := c.confirmedToDepth(ctx, receipt)
	if err != nil {
		return domain.SettlementOutcome{}, false, err
	}
	if !deep {
		return domain.SettlementOutcome{}, false, nil
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return domain.FailedOutcome("transaction reverted on chain"), true, nil
	}
	return domain.ConfirmedOutcome(txHash.Hex()), true, nil
}

func (c *Client) confirmedToDepth(ctx context.Context, receipt *types.Receipt) (bool, error) {
	if c.confirmations <= 1 {
		return true, nil
	}
	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to fetch chain head: %w", err)
	}
	if header == nil || header.Number == nil || receipt.BlockNumber == nil {
		return false, errors.New("block metadata unavailable")
	}
	depth := new(big.Int).Sub(header.Number, receipt.BlockNumber)
	depth.Add(depth, big.NewInt(1))
	return depth.Cmp(new(big.Int).SetUint64(c.confirmations)) >= 0, nil
}

func receiptTransfersTo(receipt *types.Receipt, token, recipient common.Address, amount *big.Int) bool {
	for _, entry := range receipt.Logs {
		if entry == nil || entry.Address != token {
			continue
		}
		if len(entry.Topics) < 3 || entry.Topics[0] != transferEventSignature {
			continue
		}
		if common.BytesToAddress(entry.Topics[2].Bytes()) != recipient {
			continue
		}
		if new(big.Int).SetBytes(entry.Data).Cmp(amount) == 0 {
			return true
		}
	}
	return false
}
