// Package docstatus derives the lifecycle status of issued documents from
// fresh ledger flags and best-effort off-ledger metadata.
package docstatus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/veridoc/engine/internal/ledger"
	"github.com/veridoc/engine/internal/metadata"
	"go.uber.org/zap"
)

// Status classifies a document's lifecycle at a point in time.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
	// StatusUnknown marks a document whose ledger flags could not be read.
	// It is reported, never guessed around.
	StatusUnknown Status = "unknown"
)

const defaultConcurrency = 8

var (
	ErrInvalidReducerConfig = errors.New("docstatus: invalid reducer config")

	errMissingFlags    = errors.New("ledger flag source is required")
	errMissingMetadata = errors.New("metadata source is required")
)

// Document is the derived record for one issued credential.
type Document struct {
	TokenID uint64
	Issuer  common.Address
	Holder  common.Address
	Pointer string
	Status  Status
	// ExpiresAt is the effective expiry instant, zero when none applies.
	ExpiresAt time.Time
	// Metadata holds the fetched record when it was available.
	Metadata *metadata.Record
}

// BatchResult carries every evaluated document plus the per-document
// failures, so callers can distinguish "unknown" from "missing".
type BatchResult struct {
	Documents []Document
	Failures  map[uint64]error
}

// FlagSource reads per-document ledger state, fresh per query.
type FlagSource interface {
	IsRevoked(ctx context.Context, tokenID uint64) (bool, error)
	ExpiryOf(ctx context.Context, tokenID uint64) (time.Time, bool, error)
}

// MetadataSource fetches off-ledger metadata records by pointer.
type MetadataSource interface {
	Fetch(ctx context.Context, pointer string) (metadata.Record, error)
}

// ReducerConfig bundles dependencies for a Reducer.
type ReducerConfig struct {
	Flags       FlagSource
	Metadata    MetadataSource
	Clock       func() time.Time
	Concurrency int
	Logger      *zap.Logger
}

// Reducer evaluates document status. It holds no per-document state;
// every evaluation reads the ledger and metadata store fresh.
type Reducer struct {
	flags       FlagSource
	metadata    MetadataSource
	clock       func() time.Time
	concurrency int
	logger      *zap.Logger
}

// NewReducer constructs a reducer with validated configuration.
func NewReducer(cfg ReducerConfig) (*Reducer, error) {
	if cfg.Flags == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReducerConfig, errMissingFlags)
	}
	if cfg.Metadata == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReducerConfig, errMissingMetadata)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Reducer{
		flags:       cfg.Flags,
		metadata:    cfg.Metadata,
		clock:       clock,
		concurrency: concurrency,
		logger:      logger,
	}, nil
}

// Evaluate derives the status of the document identified by its issuance
// event. Metadata is fetched best-effort; only a ledger flag read failure
// aborts the evaluation, leaving status Unknown.
func (r *Reducer) Evaluate(ctx context.Context, issued ledger.Event) (Document, error) {
	record, err := r.metadata.Fetch(ctx, issued.Pointer)
	if err != nil {
		// Metadata failure downgrades to ledger-only evaluation.
		r.logger.Debug("metadata unavailable, evaluating from ledger flags only",
			zap.Uint64("token_id", issued.TokenID),
			zap.Error(err))
		return r.EvaluateWith(ctx, issued, nil)
	}
	return r.EvaluateWith(ctx, issued, &record)
}

// EvaluateWith derives status using an already-fetched metadata record.
// A nil record means metadata was unavailable. Precedence:
//  1. ledger revoked flag or metadata revoked flag -> Revoked
//  2. nonzero ledger expiry, else metadata policy expiry; none -> Active
//  3. effective expiry strictly before now -> Expired, else Active
func (r *Reducer) EvaluateWith(ctx context.Context, issued ledger.Event, record *metadata.Record) (Document, error) {
	document := Document{
		TokenID:  issued.TokenID,
		Issuer:   issued.Org,
		Holder:   issued.Recipient,
		Pointer:  issued.Pointer,
		Metadata: record,
	}

	revoked, err := r.flags.IsRevoked(ctx, issued.TokenID)
	if err != nil {
		document.Status = StatusUnknown
		return document, fmt.Errorf("revocation flag for document %d: %w", issued.TokenID, err)
	}

	ledgerExpiry, hasLedgerExpiry, err := r.flags.ExpiryOf(ctx, issued.TokenID)
	if err != nil {
		document.Status = StatusUnknown
		return document, fmt.Errorf("expiry flag for document %d: %w", issued.TokenID, err)
	}

	if revoked || (record != nil && record.Revoked) {
		document.Status = StatusRevoked
		return document, nil
	}

	expiresAt, hasExpiry := ledgerExpiry, hasLedgerExpiry
	if !hasExpiry && record != nil {
		expiresAt, hasExpiry = record.ExpiresAt()
	}
	if !hasExpiry {
		document.Status = StatusActive
		return document, nil
	}

	document.ExpiresAt = expiresAt
	if expiresAt.Before(r.clock()) {
		document.Status = StatusExpired
	} else {
		document.Status = StatusActive
	}
	return document, nil
}

// EvaluateBatch evaluates many issuance events with bounded concurrency.
// Per-document failures are isolated: a failing document appears in the
// result with status Unknown and its error recorded in Failures, while the
// rest evaluate normally. Results preserve input order.
func (r *Reducer) EvaluateBatch(ctx context.Context, issued []ledger.Event) BatchResult {
	result := BatchResult{
		Documents: make([]Document, len(issued)),
		Failures:  make(map[uint64]error),
	}
	if len(issued) == 0 {
		result.Documents = []Document{}
		return result
	}

	var (
		wg        sync.WaitGroup
		failureMu sync.Mutex
	)
	semaphore := make(chan struct{}, r.concurrency)

	for index, event := range issued {
		wg.Add(1)
		go func(index int, event ledger.Event) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			document, err := r.Evaluate(ctx, event)
			result.Documents[index] = document
			if err != nil {
				failureMu.Lock()
				result.Failures[event.TokenID] = err
				failureMu.Unlock()
			}
		}(index, event)
	}
	wg.Wait()

	return result
}
