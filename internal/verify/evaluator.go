// Package verify answers "is this credential valid?" for a single metadata
// pointer. Each call is a memoryless, request-scoped evaluation: repeated
// verification of the same pointer may legitimately reach different terminal
// states as ledger flags and wall-clock time move on.
package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/veridoc/engine/internal/docstatus"
	"github.com/veridoc/engine/internal/ledger"
	"github.com/veridoc/engine/internal/metadata"
	"go.uber.org/zap"
)

// State is the verification state machine's position. Idle and Loading are
// transient; the remaining states are terminal.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateValid   State = "valid"
	StateInvalid State = "invalid"
	StateExpired State = "expired"
	StateRevoked State = "revoked"
)

var (
	ErrInvalidEvaluatorConfig = errors.New("verify: invalid evaluator config")

	errMissingEvents   = errors.New("event source is required")
	errMissingMetadata = errors.New("metadata source is required")
	errMissingStatus   = errors.New("status reducer is required")
)

// Result is the outcome of one verification call.
type Result struct {
	State State
	// The remaining fields are populated for resolved documents only.
	TokenID   uint64
	Issuer    common.Address
	Holder    common.Address
	ExpiresAt time.Time
	Document  *metadata.Record
}

// OwnerSource resolves a document's current holder. Optional; when absent
// the issuance event's recipient is reported instead.
type OwnerSource interface {
	OwnerOf(ctx context.Context, tokenID uint64) (common.Address, error)
}

// EvaluatorConfig bundles dependencies for an Evaluator.
type EvaluatorConfig struct {
	Events   ledger.EventSource
	Metadata docstatus.MetadataSource
	Status   *docstatus.Reducer
	Owners   OwnerSource
	Logger   *zap.Logger
}

// Evaluator runs verification queries against a fresh ledger snapshot.
type Evaluator struct {
	events   ledger.EventSource
	metadata docstatus.MetadataSource
	status   *docstatus.Reducer
	owners   OwnerSource
	logger   *zap.Logger
}

// NewEvaluator constructs an evaluator with validated configuration.
func NewEvaluator(cfg EvaluatorConfig) (*Evaluator, error) {
	if cfg.Events == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvaluatorConfig, errMissingEvents)
	}
	if cfg.Metadata == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvaluatorConfig, errMissingMetadata)
	}
	if cfg.Status == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvaluatorConfig, errMissingStatus)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Evaluator{
		events:   cfg.Events,
		metadata: cfg.Metadata,
		status:   cfg.Status,
		owners:   cfg.Owners,
		logger:   logger,
	}, nil
}

// pointerIndex maps metadata pointers to issuance events. It is rebuilt
// incrementally from each query's event slice; because the engine keeps no
// state between calls, the fold runs once per verification rather than once
// per process. The per-call O(events) rebuild is a known hot path for large
// logs.
type pointerIndex map[string]ledger.Event

func buildPointerIndex(events []ledger.Event) pointerIndex {
	index := make(pointerIndex, len(events))
	for _, event := range events {
		// First issuance wins: the pointer for an identifier is immutable.
		if _, ok := index[event.Pointer]; !ok {
			index[event.Pointer] = event
		}
	}
	return index
}

// Verify resolves the document recorded for pointer and reports its terminal
// state. Metadata failure and an unmatched pointer both terminate as
// Invalid; a ledger event-log failure or a flag read failure for the
// resolved document is returned as an error instead of a fabricated state.
func (e *Evaluator) Verify(ctx context.Context, pointer string) (Result, error) {
	result := Result{State: StateLoading}

	record, err := e.metadata.Fetch(ctx, pointer)
	if err != nil {
		e.logger.Debug("verification metadata fetch failed",
			zap.String("pointer", pointer),
			zap.Error(err))
		return Result{State: StateInvalid}, nil
	}

	issued, err := e.events.QueryEvents(ctx, ledger.EventDocumentIssued, ledger.EventFilter{})
	if err != nil {
		return result, err
	}

	event, ok := buildPointerIndex(issued)[pointer]
	if !ok {
		return Result{State: StateInvalid}, nil
	}

	document, err := e.status.EvaluateWith(ctx, event, &record)
	if err != nil {
		return result, err
	}

	result = Result{
		TokenID:   document.TokenID,
		Issuer:    document.Issuer,
		Holder:    document.Holder,
		ExpiresAt: document.ExpiresAt,
		Document:  &record,
	}

	switch document.Status {
	case docstatus.StatusRevoked:
		result.State = StateRevoked
	case docstatus.StatusExpired:
		result.State = StateExpired
	default:
		result.State = StateValid
	}

	if e.owners != nil {
		if holder, err := e.owners.OwnerOf(ctx, document.TokenID); err == nil {
			result.Holder = holder
		} else {
			e.logger.Debug("holder lookup failed, reporting issuance recipient",
				zap.Uint64("token_id", document.TokenID),
				zap.Error(err))
		}
	}

	return result, nil
}
