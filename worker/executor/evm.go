// Copyright 2026 The chainops Authors
// This file is part of the chainops library.
//
// The chainops library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The chainops library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the chainops library. If not, see <http://www.gnu.org/licenses/>.

package executor

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/opencustody/chainops/core"
	"github.com/opencustody/chainops/signer"
	"github.com/opencustody/chainops/store"
)

const (
	// nativeTransferGas is the fixed gas limit of a plain value transfer.
	nativeTransferGas = 21000
	// DefaultTokenGasLimit bounds ERC20 transfer calls.
	DefaultTokenGasLimit = 120000
	// DefaultGasCapGwei is the broadcast ceiling when none is configured.
	DefaultGasCapGwei = 20
)

// transferSelector is the 4-byte selector of transfer(address,uint256).
var transferSelector = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]

// EVMClient is the execution-side node surface the submitter needs.
// chains/evm.Client implements it.
type EVMClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonce(ctx context.Context, addr string) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	SendRawTransaction(ctx context.Context, signedHex string) (string, error)
}

// EVMStore adds the funder advisory lock to the wallet surface.
type EVMStore interface {
	WalletStore
	store.FunderLocker
}

// EVMSubmitter builds a legacy transaction, has the signer sign it and
// broadcasts it, holding the per-funder advisory lock across the whole
// phase so concurrent workers never claim the same pending nonce.
type EVMSubmitter struct {
	st            EVMStore
	client        EVMClient
	signer        TxSigner
	chain         core.Chain
	gasCapWei     *big.Int
	tokenGasLimit uint64
	log           log.Logger
}

// NewEVMSubmitter creates the EVM submitter. gasCapGwei bounds the gas
// price the worker will broadcast at; zero selects the default.
func NewEVMSubmitter(st EVMStore, client EVMClient, sg TxSigner, chain core.Chain, gasCapGwei int64) *EVMSubmitter {
	if gasCapGwei <= 0 {
		gasCapGwei = DefaultGasCapGwei
	}
	return &EVMSubmitter{
		st:            st,
		client:        client,
		signer:        sg,
		chain:         chain,
		gasCapWei:     new(big.Int).Mul(big.NewInt(gasCapGwei), big.NewInt(1_000_000_000)),
		tokenGasLimit: DefaultTokenGasLimit,
		log:           log.New("submitter", "evm", "chain", chain.Name),
	}
}

// txParams is the mutable part of the build-sign-broadcast loop.
type txParams struct {
	nonce    uint64
	gasPrice *big.Int
	gasLimit uint64
	to       common.Address
	value    *big.Int
	data     []byte
}

// Submit executes one job against the chain.
func (s *EVMSubmitter) Submit(ctx context.Context, job core.Job) (string, error) {
	ep, err := resolveEndpoints(ctx, s.st, job)
	if err != nil {
		return "", err
	}
	asset, err := resolveAsset(ctx, s.st, job)
	if err != nil {
		return "", err
	}

	// Wrong-network guard: a misconfigured RPC URL must never reach the
	// signer.
	if s.chain.ChainID == nil {
		return "", core.Errorf(core.ErrInvalidData, "chain %s has no numeric chain id", s.chain.Name)
	}
	netID, err := s.client.ChainID(ctx)
	if err != nil {
		return "", err
	}
	if netID.Int64() != *s.chain.ChainID {
		return "", core.Errorf(core.ErrInvalidData, "rpc reports chain id %s, configured %d", netID, *s.chain.ChainID)
	}

	if !common.IsHexAddress(ep.FromAddress) || !common.IsHexAddress(ep.ToAddress) {
		return "", core.Errorf(core.ErrInvalidData, "bad endpoint address %q -> %q", ep.FromAddress, ep.ToAddress)
	}
	amount, err := core.ParseRaw(job.AmountRaw)
	if err != nil {
		return "", core.WrapError(core.ErrInvalidData, err)
	}

	funderKey := strings.ToLower(common.HexToAddress(ep.FromAddress).Hex())
	unlock, err := s.st.LockFunder(ctx, funderKey)
	if err != nil {
		return "", core.WrapError(core.ErrNetwork, err)
	}
	defer unlock()

	nonce, err := s.client.PendingNonce(ctx, ep.FromAddress)
	if err != nil {
		return "", err
	}
	gasPrice, err := s.client.GasPrice(ctx)
	if err != nil {
		return "", err
	}
	if gasPrice.Cmp(s.gasCapWei) > 0 {
		return "", core.Errorf(core.ErrGasSpike, "gas price %s exceeds cap %s", gasPrice, s.gasCapWei)
	}

	p := txParams{nonce: nonce, gasPrice: gasPrice}
	if asset.IsNative {
		p.to = common.HexToAddress(ep.ToAddress)
		p.value = amount
		p.gasLimit = nativeTransferGas
	} else {
		if !common.IsHexAddress(asset.ContractAddress) {
			return "", core.Errorf(core.ErrInvalidData, "bad token contract %q", asset.ContractAddress)
		}
		p.to = common.HexToAddress(asset.ContractAddress)
		p.value = new(big.Int)
		p.data = transferCalldata(common.HexToAddress(ep.ToAddress), amount)
		p.gasLimit = s.tokenGasLimit
	}

	return s.broadcast(ctx, ep, p)
}

// broadcast runs the sign-broadcast loop with the small recovery machine:
// one price bump for a replacement-underpriced rejection, one nonce refetch
// for a stale nonce.
func (s *EVMSubmitter) broadcast(ctx context.Context, ep endpoints, p txParams) (string, error) {
	bumped, refetched := false, false
	for {
		unsigned, err := unsignedLegacyHex(p, *s.chain.ChainID)
		if err != nil {
			return "", core.WrapError(core.ErrInvalidData, err)
		}
		res, err := s.signer.Sign(ctx, &signer.Request{
			Chain:           s.chain.Name,
			WalletGroupID:   ep.WalletGroupID,
			DerivationIndex: ep.DerivationIndex,
			UnsignedTx:      unsigned,
		})
		if err != nil {
			return "", err
		}
		if res.SignedTx == "" {
			return "", core.Errorf(core.ErrSigningFailed, "signer returned no signed tx")
		}

		hash, err := s.client.SendRawTransaction(ctx, res.SignedTx)
		if err == nil {
			return hash, nil
		}

		switch classifyBroadcastError(err) {
		case core.ErrReplacementUnderpriced:
			if bumped {
				return "", core.Errorf(core.ErrGasPriceExceeded, "still underpriced after bump: %v", err)
			}
			bumped = true
			p.gasPrice = bumpGasPrice(p.gasPrice)
			if p.gasPrice.Cmp(s.gasCapWei) > 0 {
				return "", core.Errorf(core.ErrGasPriceExceeded, "bumped price %s exceeds cap %s", p.gasPrice, s.gasCapWei)
			}
			s.log.Warn("Replacement underpriced, bumping price", "nonce", p.nonce, "gasPrice", p.gasPrice)

		case core.ErrNonceTooLow:
			if refetched {
				return "", core.WrapError(core.ErrNonceTooLow, err)
			}
			refetched = true
			fresh, nerr := s.client.PendingNonce(ctx, ep.FromAddress)
			if nerr != nil {
				return "", nerr
			}
			s.log.Warn("Stale nonce, refetched", "old", p.nonce, "new", fresh)
			p.nonce = fresh

		case core.ErrInsufficientBalance:
			return "", core.WrapError(core.ErrInsufficientBalance, err)

		case core.ErrInvalidData:
			return "", core.WrapError(core.ErrInvalidData, err)

		default:
			return "", core.WrapError(core.ErrNetwork, err)
		}
	}
}

// classifyBroadcastError maps node rejection strings. The node only gives
// us strings here, so this is the one place stringly matching is allowed.
func classifyBroadcastError(err error) core.ErrorType {
	if ce := core.Classify(err); ce == core.ErrInvalidData {
		return core.ErrInvalidData
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "replacement transaction underpriced"),
		strings.Contains(msg, "transaction underpriced"):
		return core.ErrReplacementUnderpriced
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "already known"):
		return core.ErrNonceTooLow
	case strings.Contains(msg, "insufficient funds"):
		return core.ErrInsufficientBalance
	case strings.Contains(msg, "invalid sender"),
		strings.Contains(msg, "invalid address"):
		return core.ErrInvalidData
	}
	return core.ErrNetwork
}

// bumpGasPrice raises the price by 15%.
func bumpGasPrice(p *big.Int) *big.Int {
	bumped := new(big.Int).Mul(p, big.NewInt(115))
	return bumped.Div(bumped, big.NewInt(100))
}

// transferCalldata builds transfer(to, amount) calldata.
func transferCalldata(to common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}

// unsignedLegacyHex serializes the EIP-155 signing payload
// [nonce, gasPrice, gas, to, value, data, chainId, 0, 0] as hex for the
// signer.
func unsignedLegacyHex(p txParams, chainID int64) (string, error) {
	raw, err := rlp.EncodeToBytes([]interface{}{
		p.nonce,
		p.gasPrice,
		p.gasLimit,
		p.to,
		p.value,
		p.data,
		big.NewInt(chainID),
		uint(0),
		uint(0),
	})
	if err != nil {
		return "", err
	}
	return hexutil.Encode(raw), nil
}
