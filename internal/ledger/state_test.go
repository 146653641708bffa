package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

func packedOutput(t *testing.T, contractABI abi.ABI, method string, values ...interface{}) []byte {
	t.Helper()
	output, err := contractABI.Methods[method].Outputs.Pack(values...)
	if err != nil {
		t.Fatalf("failed to pack %s output: %v", method, err)
	}
	return output
}

func methodResponder(t *testing.T, contractABI abi.ABI, outputs map[string][]byte) func(ethereum.CallMsg) ([]byte, error) {
	t.Helper()
	return func(msg ethereum.CallMsg) ([]byte, error) {
		if len(msg.Data) < 4 {
			return nil, errors.New("missing selector")
		}
		for name, method := range contractABI.Methods {
			if string(method.ID) == string(msg.Data[:4]) {
				output, ok := outputs[name]
				if !ok {
					return nil, errors.New("no output configured for " + name)
				}
				return output, nil
			}
		}
		return nil, errors.New("unknown selector")
	}
}

func TestStateQueriesDecodeContractViews(t *testing.T) {
	contractABI := testABI(t)
	owner := common.HexToAddress("0x00000000000000000000000000000000000000c1")
	expiryAt := int64(1_750_000_000)

	backend := &fakeBackend{
		callFn: methodResponder(t, contractABI, map[string][]byte{
			"isRevoked":   packedOutput(t, contractABI, "isRevoked", true),
			"expiry":      packedOutput(t, contractABI, "expiry", big.NewInt(expiryAt)),
			"totalSupply": packedOutput(t, contractABI, "totalSupply", big.NewInt(42)),
			"tokenURI":    packedOutput(t, contractABI, "tokenURI", "QmPointer"),
			"ownerOf":     packedOutput(t, contractABI, "ownerOf", owner),
		}),
	}
	client := newTestClient(t, backend)
	ctx := context.Background()

	revoked, err := client.IsRevoked(ctx, 7)
	if err != nil || !revoked {
		t.Fatalf("expected revoked=true, got %v (err %v)", revoked, err)
	}

	expiresAt, hasExpiry, err := client.ExpiryOf(ctx, 7)
	if err != nil || !hasExpiry {
		t.Fatalf("expected a ledger expiry, got has=%v err=%v", hasExpiry, err)
	}
	if !expiresAt.Equal(time.Unix(expiryAt, 0)) {
		t.Fatalf("expected expiry %d, got %v", expiryAt, expiresAt)
	}

	total, err := client.TotalIssued(ctx)
	if err != nil || total != 42 {
		t.Fatalf("expected total 42, got %d (err %v)", total, err)
	}

	pointer, err := client.TokenPointer(ctx, 7)
	if err != nil || pointer != "QmPointer" {
		t.Fatalf("expected pointer QmPointer, got %q (err %v)", pointer, err)
	}

	holder, err := client.OwnerOf(ctx, 7)
	if err != nil || holder != owner {
		t.Fatalf("expected owner %s, got %s (err %v)", owner.Hex(), holder.Hex(), err)
	}
}

func TestExpiryOfTreatsZeroAsNoExpiry(t *testing.T) {
	contractABI := testABI(t)
	backend := &fakeBackend{
		callFn: methodResponder(t, contractABI, map[string][]byte{
			"expiry": packedOutput(t, contractABI, "expiry", big.NewInt(0)),
		}),
	}
	client := newTestClient(t, backend)

	_, hasExpiry, err := client.ExpiryOf(context.Background(), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hasExpiry {
		t.Fatal("expected zero ledger expiry to mean no expiry")
	}
}

func TestStateQueryFailureIsTyped(t *testing.T) {
	backend := &fakeBackend{
		callFn: func(msg ethereum.CallMsg) ([]byte, error) {
			return nil, errors.New("execution reverted")
		},
	}
	client := newTestClient(t, backend)

	_, err := client.IsRevoked(context.Background(), 9)
	if !errors.Is(err, ErrStateQuery) {
		t.Fatalf("expected ErrStateQuery, got %v", err)
	}
}
