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
	"github.com/opencustody/chainops/store"
)

// WalletStore resolves the wallets and assets a submitter signs for.
type WalletStore interface {
	store.ChainReader
	store.WalletReader
}

// endpoints is the resolved sending identity and destination of one job.
// The signer derives the sending key from (group, index); workers never see
// key material.
type endpoints struct {
	FromAddress     string
	WalletGroupID   int64
	DerivationIndex uint32
	ToAddress       string
}

// resolveEndpoints maps a job's wallet ids to concrete addresses:
// consolidation spends user -> hot, gas topup spends funder -> user,
// withdrawal spends the pinned hot wallet -> external address.
func resolveEndpoints(ctx context.Context, st WalletStore, job core.Job) (endpoints, error) {
	switch job.Kind {
	case core.QueueConsolidation:
		src, err := st.UserWalletByID(ctx, job.WalletID)
		if err != nil {
			return endpoints{}, err
		}
		if src == nil {
			return endpoints{}, core.Errorf(core.ErrInvalidData, "source user wallet %d not found", job.WalletID)
		}
		dst, err := st.OperationWalletByID(ctx, job.DestinationID)
		if err != nil {
			return endpoints{}, err
		}
		if dst == nil {
			return endpoints{}, core.Errorf(core.ErrInvalidData, "destination wallet %d not found", job.DestinationID)
		}
		return endpoints{
			FromAddress:     src.Address,
			WalletGroupID:   src.WalletGroupID,
			DerivationIndex: src.DerivationIndex,
			ToAddress:       dst.Address,
		}, nil

	case core.QueueGasTopup:
		src, err := st.OperationWalletByID(ctx, job.DestinationID)
		if err != nil {
			return endpoints{}, err
		}
		if src == nil {
			return endpoints{}, core.Errorf(core.ErrFundingWalletNotFound, "funding wallet %d not found", job.DestinationID)
		}
		dst, err := st.UserWalletByID(ctx, job.WalletID)
		if err != nil {
			return endpoints{}, err
		}
		if dst == nil {
			return endpoints{}, core.Errorf(core.ErrInvalidData, "receiving wallet %d not found", job.WalletID)
		}
		return endpoints{
			FromAddress:     src.Address,
			WalletGroupID:   src.WalletGroupID,
			DerivationIndex: src.DerivationIndex,
			ToAddress:       dst.Address,
		}, nil

	case core.QueueWithdrawal:
		src, err := st.OperationWalletByID(ctx, job.DestinationID)
		if err != nil {
			return endpoints{}, err
		}
		if src == nil {
			return endpoints{}, core.Errorf(core.ErrInvalidData, "sending wallet %d not found", job.DestinationID)
		}
		if job.ToAddress == "" {
			return endpoints{}, core.Errorf(core.ErrInvalidData, "withdrawal job %d has no destination address", job.ID)
		}
		return endpoints{
			FromAddress:     src.Address,
			WalletGroupID:   src.WalletGroupID,
			DerivationIndex: src.DerivationIndex,
			ToAddress:       job.ToAddress,
		}, nil
	}
	return endpoints{}, core.Errorf(core.ErrInvalidData, "unknown queue kind %q", job.Kind)
}

// resolveAsset loads and sanity-checks the job's asset deployment.
func resolveAsset(ctx context.Context, st WalletStore, job core.Job) (*core.AssetOnChain, error) {
	asset, err := st.AssetByID(ctx, job.AssetOnChainID)
	if err != nil {
		return nil, err
	}
	if asset == nil {
		return nil, core.Errorf(core.ErrInvalidData, "asset %d not found", job.AssetOnChainID)
	}
	if asset.ChainID != job.ChainID {
		return nil, core.Errorf(core.ErrInvalidData, "asset %d is on chain %d, job on %d", asset.ID, asset.ChainID, job.ChainID)
	}
	return asset, nil
}
