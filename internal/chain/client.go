package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Client wraps the Filecoin FEVM JSON-RPC endpoint. It exposes only what the
// reporter and the transaction monitor need, with go-ethereum types kept out
// of the signatures so callers can fake it.
type Client struct {
	eth     *ethclient.Client
	chainID *big.Int
}

// Dial connects and pins the chain id for transaction signing.
func Dial(ctx context.Context, rpcURL string) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rpc node: %w", err)
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("failed to fetch chain id: %w", err)
	}
	return &Client{eth: eth, chainID: chainID}, nil
}

func (c *Client) Close() {
	c.eth.Close()
}

func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// BlockNumber returns the current chain head height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get block number: %w", err)
	}
	return n, nil
}

// Receipt is the confirmation view of a transaction. Nil means not mined yet.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	Status      uint64
}

// TransactionReceipt looks up a receipt; a transaction the node has never
// seen or not yet mined yields (nil, nil).
func (c *Client) TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	r, err := c.eth.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt for %s: %w", txHash, err)
	}
	if r.BlockNumber == nil {
		return nil, nil
	}
	return &Receipt{
		TxHash:      r.TxHash.Hex(),
		BlockNumber: r.BlockNumber.Uint64(),
		Status:      r.Status,
	}, nil
}

// TxEnvelope carries the fields of an in-flight transaction needed to build
// a same-nonce replacement.
type TxEnvelope struct {
	To        string
	Nonce     uint64
	Value     *big.Int
	Input     []byte
	Gas       uint64
	GasFeeCap *big.Int
	GasTipCap *big.Int
}

// TransactionByHash fetches the original transaction envelope. Unknown hashes
// yield (nil, nil).
func (c *Client) TransactionByHash(ctx context.Context, txHash string) (*TxEnvelope, error) {
	tx, _, err := c.eth.TransactionByHash(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", txHash, err)
	}

	var to string
	if tx.To() != nil {
		to = tx.To().Hex()
	}
	return &TxEnvelope{
		To:        to,
		Nonce:     tx.Nonce(),
		Value:     tx.Value(),
		Input:     tx.Data(),
		Gas:       tx.Gas(),
		GasFeeCap: tx.GasFeeCap(),
		GasTipCap: tx.GasTipCap(),
	}, nil
}

// SuggestGasTipCap returns the node's current priority-fee suggestion.
func (c *Client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to suggest gas tip cap: %w", err)
	}
	return tip, nil
}

// SuggestFeeCap derives a fee cap from the latest base fee: 2*baseFee + tip.
// Nodes without EIP-1559 headers fall back to the legacy gas price.
func (c *Client) SuggestFeeCap(ctx context.Context, tip *big.Int) (*big.Int, error) {
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain head: %w", err)
	}
	if head.BaseFee == nil {
		price, err := c.eth.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to suggest gas price: %w", err)
		}
		return price, nil
	}
	cap := new(big.Int).Mul(head.BaseFee, big.NewInt(2))
	return cap.Add(cap, tip), nil
}

// CallMsg is a contract call or gas-estimation request.
type CallMsg struct {
	From  string
	To    string
	Value *big.Int
	Data  []byte
}

func (m CallMsg) toEthereum() ethereum.CallMsg {
	var to *common.Address
	if m.To != "" {
		addr := common.HexToAddress(m.To)
		to = &addr
	}
	return ethereum.CallMsg{
		From:  common.HexToAddress(m.From),
		To:    to,
		Value: m.Value,
		Data:  m.Data,
	}
}

// CallContract executes a read-only call against the latest block.
func (c *Client) CallContract(ctx context.Context, msg CallMsg) ([]byte, error) {
	out, err := c.eth.CallContract(ctx, msg.toEthereum(), nil)
	if err != nil {
		return nil, fmt.Errorf("contract call failed: %w", err)
	}
	return out, nil
}

// EstimateGas asks the node for a gas estimate for the call.
func (c *Client) EstimateGas(ctx context.Context, msg CallMsg) (uint64, error) {
	gas, err := c.eth.EstimateGas(ctx, msg.toEthereum())
	if err != nil {
		return 0, fmt.Errorf("failed to estimate gas: %w", err)
	}
	return gas, nil
}

// PendingNonceAt returns the next nonce for the address including pending
// transactions.
func (c *Client) PendingNonceAt(ctx context.Context, address string) (uint64, error) {
	nonce, err := c.eth.PendingNonceAt(ctx, common.HexToAddress(address))
	if err != nil {
		return 0, fmt.Errorf("failed to get pending nonce: %w", err)
	}
	return nonce, nil
}

// SendTransaction broadcasts a signed transaction.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := c.eth.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("failed to send transaction: %w", err)
	}
	return nil
}
