package ledger

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// Revocation and expiry are exposed by the contract as view state rather
// than distinct event kinds, so they must be read fresh per query instead
// of being reconstructed from the event log.

// IsRevoked reports whether the ledger flags the document as revoked.
func (c *Client) IsRevoked(ctx context.Context, tokenID uint64) (bool, error) {
	values, err := c.call(ctx, "isRevoked", new(big.Int).SetUint64(tokenID))
	if err != nil {
		return false, err
	}
	revoked, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("%w: isRevoked returned non-bool", ErrStateQuery)
	}
	return revoked, nil
}

// ExpiryOf returns the ledger-tracked expiry instant for the document. The
// second return value reports whether an expiry is set; the contract encodes
// "no expiry" as zero.
func (c *Client) ExpiryOf(ctx context.Context, tokenID uint64) (time.Time, bool, error) {
	values, err := c.call(ctx, "expiry", new(big.Int).SetUint64(tokenID))
	if err != nil {
		return time.Time{}, false, err
	}
	raw, ok := values[0].(*big.Int)
	if !ok {
		return time.Time{}, false, fmt.Errorf("%w: expiry returned non-integer", ErrStateQuery)
	}
	if raw.Sign() == 0 {
		return time.Time{}, false, nil
	}
	if !raw.IsInt64() {
		return time.Time{}, false, fmt.Errorf("%w: expiry out of range", ErrStateQuery)
	}
	return time.Unix(raw.Int64(), 0), true, nil
}

// TotalIssued returns the number of documents ever issued.
func (c *Client) TotalIssued(ctx context.Context) (uint64, error) {
	values, err := c.call(ctx, "totalSupply")
	if err != nil {
		return 0, err
	}
	total, ok := values[0].(*big.Int)
	if !ok || !total.IsUint64() {
		return 0, fmt.Errorf("%w: totalSupply returned non-integer", ErrStateQuery)
	}
	return total.Uint64(), nil
}

// TokenPointer returns the metadata pointer recorded for the document.
func (c *Client) TokenPointer(ctx context.Context, tokenID uint64) (string, error) {
	values, err := c.call(ctx, "tokenURI", new(big.Int).SetUint64(tokenID))
	if err != nil {
		return "", err
	}
	pointer, ok := values[0].(string)
	if !ok {
		return "", fmt.Errorf("%w: tokenURI returned non-string", ErrStateQuery)
	}
	return pointer, nil
}

// OwnerOf returns the document's current holder address.
func (c *Client) OwnerOf(ctx context.Context, tokenID uint64) (common.Address, error) {
	values, err := c.call(ctx, "ownerOf", new(big.Int).SetUint64(tokenID))
	if err != nil {
		return common.Address{}, err
	}
	owner, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: ownerOf returned non-address", ErrStateQuery)
	}
	return owner, nil
}

func (c *Client) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	input, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: pack %s: %v", ErrStateQuery, method, err)
	}

	output, err := c.backend.CallContract(ctx, ethereum.CallMsg{
		To:   &c.contract,
		Data: input,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStateQuery, method, err)
	}

	values, err := c.abi.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack %s: %v", ErrStateQuery, method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: %s returned no values", ErrStateQuery, method)
	}
	return values, nil
}
