// Package evm implements the signer interfaces against an EVM execution
// backend over JSON-RPC. The settlement key is held in process; the signer
// submits transferWithAuthorization calls as EIP-1559 transactions and polls
// receipts for finality.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	x402 "github.com/payfence/x402-go"
	"github.com/payfence/x402-go/internal/eip3009"
	"github.com/payfence/x402-go/signer"
)

// EthClient is the subset of the Ethereum RPC client the signer uses.
type EthClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
}

// NewEthClient dials an Ethereum RPC endpoint. Overridable in tests.
var NewEthClient = func(rpcURL string) (EthClient, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Minimal ABI fragments for the two token calls the signer makes.
const (
	balanceOfABI = `[{
		"type": "function",
		"name": "balanceOf",
		"inputs": [{"name": "account", "type": "address"}],
		"outputs": [{"name": "", "type": "uint256"}],
		"constant": true
	}]`

	transferWithAuthorizationABI = `[{
		"type": "function",
		"name": "transferWithAuthorization",
		"inputs": [
			{"name": "from", "type": "address"},
			{"name": "to", "type": "address"},
			{"name": "value", "type": "uint256"},
			{"name": "validAfter", "type": "uint256"},
			{"name": "validBefore", "type": "uint256"},
			{"name": "nonce", "type": "bytes32"},
			{"name": "v", "type": "uint8"},
			{"name": "r", "type": "bytes32"},
			{"name": "s", "type": "bytes32"}
		],
		"outputs": [],
		"constant": false
	}]`
)

var (
	balanceOf    abi.ABI
	transferAuth abi.ABI
)

func init() {
	var err error
	balanceOf, err = abi.JSON(strings.NewReader(balanceOfABI))
	if err != nil {
		panic(fmt.Sprintf("evm: parse balanceOf ABI: %v", err))
	}
	transferAuth, err = abi.JSON(strings.NewReader(transferWithAuthorizationABI))
	if err != nil {
		panic(fmt.Sprintf("evm: parse transferWithAuthorization ABI: %v", err))
	}
}

// Signer is a single-account custodial signer and chain reader backed by an
// EVM JSON-RPC endpoint. It implements signer.CustodialSigner and
// signer.ChainReader.
type Signer struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
}

var (
	_ signer.CustodialSigner = (*Signer)(nil)
	_ signer.ChainReader     = (*Signer)(nil)
)

// NewSigner dials the RPC endpoint and loads the settlement key.
func NewSigner(rpcURL, privateKeyHex string, chainID int64) (*Signer, error) {
	if rpcURL == "" {
		return nil, errors.New("evm: RPC URL is not set")
	}
	if privateKeyHex == "" {
		return nil, errors.New("evm: private key is not set")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("evm: failed to parse private key: %w", err)
	}

	client, err := NewEthClient(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("evm: failed to dial RPC client: %w", err)
	}

	return &Signer{
		client:     client,
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		chainID:    big.NewInt(chainID),
	}, nil
}

// Address returns the settlement wallet address.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// SignTypedData signs an EIP-712 typed structure with the settlement key.
// The accountID must name the custodied account.
func (s *Signer) SignTypedData(ctx context.Context, accountID string, typedData apitypes.TypedData) ([]byte, error) {
	if !strings.EqualFold(accountID, s.address.Hex()) {
		return nil, fmt.Errorf("evm: unknown account %s", accountID)
	}

	digest, err := eip3009.Digest(typedData)
	if err != nil {
		return nil, err
	}

	sig, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("evm: failed to sign typed data: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// ExecuteTransfer packs and submits a transferWithAuthorization call as an
// EIP-1559 transaction. Returns the transaction hash as the pending
// identifier.
func (s *Signer) ExecuteTransfer(ctx context.Context, accountID string, req signer.TransferRequest) (signer.PendingTransfer, error) {
	if !strings.EqualFold(accountID, s.address.Hex()) {
		return signer.PendingTransfer{}, fmt.Errorf("evm: unknown account %s", accountID)
	}

	txData, err := packTransferCall(req)
	if err != nil {
		return signer.PendingTransfer{}, err
	}

	contract := common.HexToAddress(req.Asset)

	txNonce, err := s.client.PendingNonceAt(ctx, s.address)
	if err != nil {
		return signer.PendingTransfer{}, fmt.Errorf("%w: failed to get pending nonce: %v", x402.ErrBackendUnavailable, err)
	}

	gasTipCap, err := s.client.SuggestGasTipCap(ctx)
	if err != nil {
		return signer.PendingTransfer{}, fmt.Errorf("%w: failed to suggest gas tip cap: %v", x402.ErrBackendUnavailable, err)
	}

	header, err := s.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return signer.PendingTransfer{}, fmt.Errorf("%w: failed to get block header: %v", x402.ErrBackendUnavailable, err)
	}
	if header.BaseFee == nil {
		return signer.PendingTransfer{}, errors.New("evm: block header missing base fee; network may not support EIP-1559")
	}

	// gasFeeCap = 2 * baseFee + tip
	gasFeeCap := new(big.Int).Add(
		new(big.Int).Mul(header.BaseFee, big.NewInt(2)),
		gasTipCap,
	)

	gasLimit, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
		From: s.address,
		To:   &contract,
		Data: txData,
	})
	if err != nil {
		// A revert at estimation time means the transfer itself would fail;
		// the dominant cause is a consumed authorization nonce.
		if isAuthorizationUsedError(err) {
			return signer.PendingTransfer{}, fmt.Errorf("%w: %v", signer.ErrAuthorizationUsed, err)
		}
		return signer.PendingTransfer{}, fmt.Errorf("evm: failed to estimate gas: %w", err)
	}

	// 20% buffer over the estimate.
	gasLimit = gasLimit * 120 / 100
	if req.GasLimit > 0 && gasLimit > req.GasLimit {
		return signer.PendingTransfer{}, fmt.Errorf("evm: gas estimate %d exceeds allowed limit %d", gasLimit, req.GasLimit)
	}

	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     txNonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit,
		To:        &contract,
		Value:     big.NewInt(0),
		Data:      txData,
	})

	signedTx, err := ethtypes.SignTx(tx, ethtypes.NewLondonSigner(s.chainID), s.privateKey)
	if err != nil {
		return signer.PendingTransfer{}, fmt.Errorf("evm: failed to sign transaction: %w", err)
	}

	if err := s.client.SendTransaction(ctx, signedTx); err != nil {
		if isAuthorizationUsedError(err) {
			return signer.PendingTransfer{}, fmt.Errorf("%w: %v", signer.ErrAuthorizationUsed, err)
		}
		return signer.PendingTransfer{}, fmt.Errorf("%w: failed to send transaction: %v", x402.ErrBackendUnavailable, err)
	}

	return signer.PendingTransfer{ID: signedTx.Hash().Hex()}, nil
}

// PollStatus checks the receipt of a submitted transfer. A missing receipt
// maps to SENT; a mined receipt maps to COMPLETE or FAILED.
func (s *Signer) PollStatus(ctx context.Context, pendingID string) (signer.TransferStatus, error) {
	receipt, err := s.client.TransactionReceipt(ctx, common.HexToHash(pendingID))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return signer.TransferStatus{State: signer.StateSent}, nil
		}
		return signer.TransferStatus{}, fmt.Errorf("%w: failed to get receipt: %v", x402.ErrBackendUnavailable, err)
	}

	if receipt.Status == ethtypes.ReceiptStatusSuccessful {
		return signer.TransferStatus{
			State:  signer.StateComplete,
			TxHash: receipt.TxHash.Hex(),
		}, nil
	}

	return signer.TransferStatus{
		State:       signer.StateFailed,
		TxHash:      receipt.TxHash.Hex(),
		ErrorReason: "transaction reverted",
	}, nil
}

// ReadBalance returns the ERC-20 balance of an account via balanceOf.
func (s *Signer) ReadBalance(ctx context.Context, account, asset string) (*big.Int, error) {
	if !common.IsHexAddress(account) {
		return nil, fmt.Errorf("evm: invalid account address: %s", account)
	}
	if !common.IsHexAddress(asset) {
		return nil, fmt.Errorf("evm: invalid asset address: %s", asset)
	}

	data, err := balanceOf.Pack("balanceOf", common.HexToAddress(account))
	if err != nil {
		return nil, fmt.Errorf("evm: failed to pack balanceOf call: %w", err)
	}

	assetAddr := common.HexToAddress(asset)
	result, err := s.client.CallContract(ctx, ethereum.CallMsg{
		To:   &assetAddr,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read token balance: %v", x402.ErrBackendUnavailable, err)
	}
	if len(result) != 32 {
		return nil, fmt.Errorf("evm: balanceOf returned %d bytes, want 32", len(result))
	}

	return new(big.Int).SetBytes(result), nil
}

// GetCode returns the code deployed at an address.
func (s *Signer) GetCode(ctx context.Context, address string) ([]byte, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("evm: invalid address: %s", address)
	}
	code, err := s.client.CodeAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read code: %v", x402.ErrBackendUnavailable, err)
	}
	return code, nil
}

// packTransferCall builds the transferWithAuthorization calldata from the
// wire-format request.
func packTransferCall(req signer.TransferRequest) ([]byte, error) {
	if !common.IsHexAddress(req.Asset) {
		return nil, fmt.Errorf("evm: invalid asset address: %s", req.Asset)
	}

	value, ok := new(big.Int).SetString(req.Value, 10)
	if !ok {
		return nil, fmt.Errorf("evm: invalid transfer value: %s", req.Value)
	}
	validAfter, ok := new(big.Int).SetString(req.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("evm: invalid validAfter: %s", req.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(req.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("evm: invalid validBefore: %s", req.ValidBefore)
	}

	nonce, err := eip3009.ParseNonce(req.Nonce)
	if err != nil {
		return nil, fmt.Errorf("evm: %w", err)
	}

	sig, err := eip3009.ParseSignature(req.Signature)
	if err != nil {
		return nil, fmt.Errorf("evm: %w", err)
	}

	var r, vs [32]byte
	copy(r[:], sig[0:32])
	copy(vs[:], sig[32:64])
	v := sig[64]
	// The contract expects the Ethereum-style 27/28 recovery id.
	if v == 0 || v == 1 {
		v += 27
	}

	data, err := transferAuth.Pack(
		"transferWithAuthorization",
		common.HexToAddress(req.From),
		common.HexToAddress(req.To),
		value,
		validAfter,
		validBefore,
		nonce,
		v,
		r,
		vs,
	)
	if err != nil {
		return nil, fmt.Errorf("evm: failed to pack transfer call: %w", err)
	}
	return data, nil
}

// isAuthorizationUsedError matches the revert strings EIP-3009 tokens emit
// when an authorization nonce has been consumed.
func isAuthorizationUsedError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "authorization is used") ||
		strings.Contains(msg, "authorization used") ||
		strings.Contains(msg, "nonce already used")
}
