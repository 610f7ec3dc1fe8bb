package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// operatorABI covers the two FilBeamOperator entry points this service uses.
const operatorABI = `[
	{
		"name": "recordUsageRollups",
		"type": "function",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "upToEpoch", "type": "uint256"},
			{"name": "dataSetIds", "type": "uint256[]"},
			{"name": "cdnBytesUsed", "type": "uint256[]"},
			{"name": "cacheMissBytesUsed", "type": "uint256[]"}
		],
		"outputs": []
	},
	{
		"name": "dataSetUsage",
		"type": "function",
		"stateMutability": "view",
		"inputs": [{"name": "dataSetId", "type": "uint256"}],
		"outputs": [
			{"name": "cdnBytesUnsettled", "type": "uint256"},
			{"name": "cacheMissBytesUnsettled", "type": "uint256"},
			{"name": "settledUntilEpoch", "type": "uint256"}
		]
	}
]`

// Operator submits usage rollups to the FilBeamOperator contract with the
// controller key.
type Operator struct {
	client   *Client
	abi      abi.ABI
	contract common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
}

// NewOperator parses the ABI and the controller key. The key is the only
// account allowed to call recordUsageRollups on chain.
func NewOperator(client *Client, contractAddr, controllerKeyHex string) (*Operator, error) {
	parsed, err := abi.JSON(strings.NewReader(operatorABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse operator abi: %w", err)
	}
	if !common.IsHexAddress(contractAddr) {
		return nil, fmt.Errorf("invalid operator contract address: %q", contractAddr)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(controllerKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse controller key: %w", err)
	}
	return &Operator{
		client:   client,
		abi:      parsed,
		contract: common.HexToAddress(contractAddr),
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// From returns the controller address.
func (o *Operator) From() string {
	return o.from.Hex()
}

// Contract returns the operator contract address.
func (o *Operator) Contract() string {
	return o.contract.Hex()
}

// ParseDataSetID converts a stored data set id into its on-chain uint256
// form. Ids are decimal strings minted by the contract.
func ParseDataSetID(id string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(id, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("data set id %q is not a chain id", id)
	}
	return n, nil
}

// PackRecordUsageRollups encodes the rollup batch as calldata.
func (o *Operator) PackRecordUsageRollups(upToEpoch uint64, ids, cdnBytes, cacheMissBytes []*big.Int) ([]byte, error) {
	if len(ids) != len(cdnBytes) || len(ids) != len(cacheMissBytes) {
		return nil, fmt.Errorf("rollup arrays disagree: %d ids, %d cdn, %d cache-miss", len(ids), len(cdnBytes), len(cacheMissBytes))
	}
	data, err := o.abi.Pack("recordUsageRollups", new(big.Int).SetUint64(upToEpoch), ids, cdnBytes, cacheMissBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to pack recordUsageRollups: %w", err)
	}
	return data, nil
}

// RecordUsageRollups simulates and then submits the batch. The dry run
// surfaces contract reverts (bad epoch, unauthorized caller) before any gas
// is spent. Returns the transaction hash.
func (o *Operator) RecordUsageRollups(ctx context.Context, upToEpoch uint64, ids, cdnBytes, cacheMissBytes []*big.Int) (string, error) {
	data, err := o.PackRecordUsageRollups(upToEpoch, ids, cdnBytes, cacheMissBytes)
	if err != nil {
		return "", err
	}

	msg := CallMsg{From: o.from.Hex(), To: o.contract.Hex(), Data: data}
	if _, err := o.client.CallContract(ctx, msg); err != nil {
		return "", fmt.Errorf("recordUsageRollups simulation failed: %w", err)
	}

	gas, err := o.client.EstimateGas(ctx, msg)
	if err != nil {
		return "", err
	}
	tip, err := o.client.SuggestGasTipCap(ctx)
	if err != nil {
		return "", err
	}
	feeCap, err := o.client.SuggestFeeCap(ctx, tip)
	if err != nil {
		return "", err
	}
	nonce, err := o.client.PendingNonceAt(ctx, o.from.Hex())
	if err != nil {
		return "", err
	}

	tx, err := o.signDynamicFeeTx(&types.DynamicFeeTx{
		ChainID:   o.client.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &o.contract,
		Value:     new(big.Int),
		Data:      data,
	})
	if err != nil {
		return "", err
	}
	if err := o.client.SendTransaction(ctx, tx); err != nil {
		return "", err
	}
	return tx.Hash().Hex(), nil
}

// SubmitReplacement re-sends an in-flight transaction with the same nonce
// and the given bumped fees. The node replaces the original in its pool.
func (o *Operator) SubmitReplacement(ctx context.Context, env *TxEnvelope, gasLimit uint64, tip, feeCap *big.Int) (string, error) {
	to := common.HexToAddress(env.To)
	value := env.Value
	if value == nil {
		value = new(big.Int)
	}

	tx, err := o.signDynamicFeeTx(&types.DynamicFeeTx{
		ChainID:   o.client.chainID,
		Nonce:     env.Nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      env.Input,
	})
	if err != nil {
		return "", err
	}
	if err := o.client.SendTransaction(ctx, tx); err != nil {
		return "", err
	}
	return tx.Hash().Hex(), nil
}

func (o *Operator) signDynamicFeeTx(inner *types.DynamicFeeTx) (*types.Transaction, error) {
	signer := types.LatestSignerForChainID(inner.ChainID)
	tx, err := types.SignNewTx(o.key, signer, inner)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return tx, nil
}

// DataSetUsageView is the contract's unsettled-usage answer for a data set.
type DataSetUsageView struct {
	CDNBytesUnsettled       *big.Int
	CacheMissBytesUnsettled *big.Int
	SettledUntilEpoch       *big.Int
}

// DataSetUsage reads the unsettled usage recorded on chain for a data set.
func (o *Operator) DataSetUsage(ctx context.Context, dataSetID string) (*DataSetUsageView, error) {
	id, err := ParseDataSetID(dataSetID)
	if err != nil {
		return nil, err
	}
	data, err := o.abi.Pack("dataSetUsage", id)
	if err != nil {
		return nil, fmt.Errorf("failed to pack dataSetUsage: %w", err)
	}

	out, err := o.client.CallContract(ctx, CallMsg{From: o.from.Hex(), To: o.contract.Hex(), Data: data})
	if err != nil {
		return nil, err
	}

	vals, err := o.abi.Unpack("dataSetUsage", out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack dataSetUsage: %w", err)
	}
	if len(vals) != 3 {
		return nil, fmt.Errorf("dataSetUsage returned %d values, want 3", len(vals))
	}

	view := &DataSetUsageView{}
	var ok bool
	if view.CDNBytesUnsettled, ok = vals[0].(*big.Int); !ok {
		return nil, fmt.Errorf("dataSetUsage: unexpected type %T", vals[0])
	}
	if view.CacheMissBytesUnsettled, ok = vals[1].(*big.Int); !ok {
		return nil, fmt.Errorf("dataSetUsage: unexpected type %T", vals[1])
	}
	if view.SettledUntilEpoch, ok = vals[2].(*big.Int); !ok {
		return nil, fmt.Errorf("dataSetUsage: unexpected type %T", vals[2])
	}
	return view, nil
}
