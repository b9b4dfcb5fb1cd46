package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// enumerationCap bounds how many tokens a single enumeration will walk so a
// pathological balance cannot pin a request on thousands of RPC round trips.
const enumerationCap = 256

// TokenOwner reads the current owner of a single NFT.
func (g *EVMGateway) TokenOwner(ctx context.Context, collection common.Address, tokenID *big.Int) (common.Address, error) {
	if tokenID == nil {
		return common.Address{}, fmt.Errorf("ledger: token id required")
	}
	raw, err := g.viewCall(ctx, "read_token_owner", collection, "ownerOf", tokenID)
	if err != nil {
		return common.Address{}, err
	}
	values, err := erc721ABI.Methods["ownerOf"].Outputs.Unpack(raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("ledger: unpack ownerOf: %w", err)
	}
	owner, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("ledger: unpack ownerOf: unexpected type")
	}
	return owner, nil
}

// AssetsOwnedBy enumerates the NFTs owner holds in collection via the ERC-721
// enumerable extension (balanceOf + tokenOfOwnerByIndex + tokenURI).
func (g *EVMGateway) AssetsOwnedBy(ctx context.Context, owner, collection common.Address) ([]Asset, error) {
	raw, err := g.viewCall(ctx, "read_balance_of", collection, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	values, err := erc721ABI.Methods["balanceOf"].Outputs.Unpack(raw)
	if err != nil {
		return nil, fmt.Errorf("ledger: unpack balanceOf: %w", err)
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("ledger: unpack balanceOf: unexpected type")
	}

	if balance.Sign() <= 0 {
		return nil, nil
	}
	// Int64 is undefined past 2^63; cap first, convert only when in range.
	count := int64(enumerationCap)
	if balance.IsInt64() && balance.Int64() < count {
		count = balance.Int64()
	}

	assets := make([]Asset, 0, count)
	for i := int64(0); i < count; i++ {
		index := big.NewInt(i)
		tokenRaw, err := g.viewCall(ctx, "read_token_by_index", collection, "tokenOfOwnerByIndex", owner, index)
		if err != nil {
			return nil, err
		}
		tokenValues, err := erc721ABI.Methods["tokenOfOwnerByIndex"].Outputs.Unpack(tokenRaw)
		if err != nil {
			return nil, fmt.Errorf("ledger: unpack tokenOfOwnerByIndex: %w", err)
		}
		tokenID, ok := tokenValues[0].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("ledger: unpack tokenOfOwnerByIndex: unexpected type")
		}

		asset := Asset{Collection: collection, TokenID: tokenID, Owner: owner}
		if uriRaw, err := g.viewCall(ctx, "read_token_uri", collection, "tokenURI", tokenID); err == nil {
			if uriValues, err := erc721ABI.Methods["tokenURI"].Outputs.Unpack(uriRaw); err == nil {
				if uri, ok := uriValues[0].(string); ok {
					asset.TokenURI = uri
				}
			}
		}
		assets = append(assets, asset)
	}
	return assets, nil
}

func (g *EVMGateway) viewCall(ctx context.Context, label string, contract common.Address, method string, args ...interface{}) ([]byte, error) {
	data, err := erc721ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: pack %s: %w", method, err)
	}
	var raw []byte
	if err := g.withRetry(ctx, label, func() error {
		var inner error
		raw, inner = g.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
		return inner
	}); err != nil {
		return nil, err
	}
	return raw, nil
}
