package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// contractABIJSON describes the slice of the credential contract the engine
// reads: the three lifecycle events and the view functions backing status
// evaluation. The mutating surface (minting, registry changes, revocation)
// is intentionally absent.
const contractABIJSON = `[
	{"type":"event","name":"DocumentIssued","inputs":[
		{"name":"org","type":"address","indexed":true},
		{"name":"recipient","type":"address","indexed":false},
		{"name":"tokenId","type":"uint256","indexed":false},
		{"name":"uri","type":"string","indexed":false}]},
	{"type":"event","name":"OrganizationAdded","inputs":[
		{"name":"org","type":"address","indexed":true},
		{"name":"name","type":"string","indexed":false}]},
	{"type":"event","name":"OrganizationRemoved","inputs":[
		{"name":"org","type":"address","indexed":true}]},
	{"type":"function","name":"isRevoked","stateMutability":"view",
		"inputs":[{"name":"tokenId","type":"uint256"}],
		"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"expiry","stateMutability":"view",
		"inputs":[{"name":"tokenId","type":"uint256"}],
		"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"totalSupply","stateMutability":"view",
		"inputs":[],
		"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"tokenURI","stateMutability":"view",
		"inputs":[{"name":"tokenId","type":"uint256"}],
		"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"ownerOf","stateMutability":"view",
		"inputs":[{"name":"tokenId","type":"uint256"}],
		"outputs":[{"name":"","type":"address"}]}
]`

var (
	// ErrLedgerUnavailable signals that the event log query itself could not
	// be performed. Callers receive no events alongside it, never a silently
	// truncated list.
	ErrLedgerUnavailable = errors.New("ledger: event query unavailable")
	// ErrStateQuery signals that a per-document state read failed.
	ErrStateQuery = errors.New("ledger: state query failed")

	errMissingBackend = errors.New("ledger backend is required")
	errZeroContract   = errors.New("contract address is required")
	errUnknownKind    = errors.New("unknown event kind")
	errMalformedLog   = errors.New("malformed event log")
	ErrInvalidConfig  = errors.New("ledger: invalid client config")
	eventNamesByKind  = map[EventKind]string{
		EventDocumentIssued:      "DocumentIssued",
		EventOrganizationAdded:   "OrganizationAdded",
		EventOrganizationRemoved: "OrganizationRemoved",
	}
)

// Backend is the narrow slice of an Ethereum RPC client the engine needs.
// *ethclient.Client satisfies it; tests supply doubles.
type Backend interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ClientConfig bundles the dependencies required to construct a Client.
type ClientConfig struct {
	Backend         Backend
	ContractAddress common.Address
	Logger          *zap.Logger
	Clock           func() time.Time
}

// Client reads the credential contract's event log and view state. It holds
// no mutable state; every query reflects the ledger at call time.
type Client struct {
	backend  Backend
	contract common.Address
	abi      abi.ABI
	logger   *zap.Logger
	clock    func() time.Time
}

// NewClient constructs a ledger client with validated configuration.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingBackend)
	}
	if cfg.ContractAddress == (common.Address{}) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errZeroContract)
	}

	parsed, err := abi.JSON(strings.NewReader(contractABIJSON))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Client{
		backend:  cfg.Backend,
		contract: cfg.ContractAddress,
		abi:      parsed,
		logger:   logger,
		clock:    clock,
	}, nil
}

// QueryEvents returns the ordered sequence of events of the given kind,
// oldest first, each annotated with its block timestamp. Overlapping pages
// from the transport are deduplicated by (kind, position). A failed block
// timestamp lookup degrades that event's timestamp to the lookup time
// instead of failing the batch.
func (c *Client) QueryEvents(ctx context.Context, kind EventKind, filter EventFilter) ([]Event, error) {
	name, ok := eventNamesByKind[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errUnknownKind, kind)
	}

	topics := [][]common.Hash{{c.abi.Events[name].ID}}
	if filter.Org != nil {
		topics = append(topics, []common.Hash{common.BytesToHash(filter.Org.Bytes())})
	}

	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{c.contract},
		Topics:    topics,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	seen := make(map[SequencePosition]struct{}, len(logs))
	headers := make(map[uint64]time.Time)
	events := make([]Event, 0, len(logs))
	for _, entry := range logs {
		if entry.Removed {
			continue
		}
		position := SequencePosition{BlockNumber: entry.BlockNumber, LogIndex: entry.Index}
		if _, dup := seen[position]; dup {
			continue
		}
		seen[position] = struct{}{}

		event, err := c.decodeEvent(kind, name, entry)
		if err != nil {
			c.logger.Warn("skipping undecodable ledger event",
				zap.String("kind", string(kind)),
				zap.String("position", position.String()),
				zap.Error(err))
			continue
		}
		event.Timestamp, event.TimestampDegraded = c.blockTime(ctx, headers, entry.BlockNumber)
		events = append(events, event)
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Position.Before(events[j].Position)
	})
	return events, nil
}

func (c *Client) decodeEvent(kind EventKind, name string, entry types.Log) (Event, error) {
	if len(entry.Topics) < 2 {
		return Event{}, fmt.Errorf("%w: missing org topic", errMalformedLog)
	}

	event := Event{
		Kind:     kind,
		Position: SequencePosition{BlockNumber: entry.BlockNumber, LogIndex: entry.Index},
		Org:      common.BytesToAddress(entry.Topics[1].Bytes()),
	}

	switch kind {
	case EventDocumentIssued:
		values, err := c.abi.Unpack(name, entry.Data)
		if err != nil {
			return Event{}, err
		}
		if len(values) != 3 {
			return Event{}, fmt.Errorf("%w: expected 3 data fields, got %d", errMalformedLog, len(values))
		}
		recipient, ok := values[0].(common.Address)
		if !ok {
			return Event{}, fmt.Errorf("%w: recipient", errMalformedLog)
		}
		tokenID, ok := values[1].(*big.Int)
		if !ok || !tokenID.IsUint64() {
			return Event{}, fmt.Errorf("%w: token id", errMalformedLog)
		}
		pointer, ok := values[2].(string)
		if !ok {
			return Event{}, fmt.Errorf("%w: metadata pointer", errMalformedLog)
		}
		event.Recipient = recipient
		event.TokenID = tokenID.Uint64()
		event.Pointer = pointer
	case EventOrganizationAdded:
		values, err := c.abi.Unpack(name, entry.Data)
		if err != nil {
			return Event{}, err
		}
		if len(values) != 1 {
			return Event{}, fmt.Errorf("%w: expected 1 data field, got %d", errMalformedLog, len(values))
		}
		orgName, ok := values[0].(string)
		if !ok {
			return Event{}, fmt.Errorf("%w: organization name", errMalformedLog)
		}
		event.OrgName = orgName
	case EventOrganizationRemoved:
		// Carries only the indexed org address.
	}

	return event, nil
}

// blockTime resolves a block's timestamp, memoizing per query batch. On
// lookup failure it returns the current time flagged as degraded.
func (c *Client) blockTime(ctx context.Context, cache map[uint64]time.Time, blockNumber uint64) (time.Time, bool) {
	if ts, ok := cache[blockNumber]; ok {
		return ts, false
	}

	header, err := c.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNumber))
	if err != nil || header == nil {
		c.logger.Warn("block timestamp lookup failed, degrading to lookup time",
			zap.Uint64("block", blockNumber),
			zap.Error(err))
		return c.clock(), true
	}

	ts := time.Unix(int64(header.Time), 0)
	cache[blockNumber] = ts
	return ts, false
}
