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

	"github.com/opencustody/chainops/core"
	"github.com/opencustody/chainops/signer"
)

// TxSigner is the signer surface submitters use.
type TxSigner interface {
	Sign(ctx context.Context, req *signer.Request) (*signer.Result, error)
}

// TronSubmitter delegates transaction construction to the signer via an
// intent. The signer sets TAPOS references, signs and broadcasts in one
// call; building in the worker would let the references expire between
// build and sign. A TAPOS failure surfaces as a retryable error with no
// hash, so nothing is persisted for it.
type TronSubmitter struct {
	st     WalletStore
	signer TxSigner
	chain  core.Chain
}

// NewTronSubmitter creates the Tron submitter for one chain.
func NewTronSubmitter(st WalletStore, sg TxSigner, chain core.Chain) *TronSubmitter {
	return &TronSubmitter{st: st, signer: sg, chain: chain}
}

// Submit builds the intent for a job and asks the signer to execute it.
func (s *TronSubmitter) Submit(ctx context.Context, job core.Job) (string, error) {
	ep, err := resolveEndpoints(ctx, s.st, job)
	if err != nil {
		return "", err
	}
	asset, err := resolveAsset(ctx, s.st, job)
	if err != nil {
		return "", err
	}

	intent := &signer.Intent{
		From:      ep.FromAddress,
		To:        ep.ToAddress,
		AmountSun: job.AmountRaw,
	}
	if asset.IsNative {
		intent.Type = signer.IntentSendTRX
	} else {
		intent.Type = signer.IntentTRC20Transfer
		intent.ContractAddress = asset.ContractAddress
	}

	res, err := s.signer.Sign(ctx, &signer.Request{
		Chain:           s.chain.Name,
		WalletGroupID:   ep.WalletGroupID,
		DerivationIndex: ep.DerivationIndex,
		TxIntent:        intent,
	})
	if err != nil {
		return "", err
	}
	if res.TxHash == "" {
		return "", core.Errorf(core.ErrSigningFailed, "signer returned no tx hash for intent %s", intent.Type)
	}
	return res.TxHash, nil
}
