package docstatus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/veridoc/engine/internal/ledger"
	"github.com/veridoc/engine/internal/metadata"
)

var (
	testIssuer    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testRecipient = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

type fakeFlags struct {
	revoked map[uint64]bool
	expiry  map[uint64]time.Time
	failFor map[uint64]error
}

func (f *fakeFlags) IsRevoked(ctx context.Context, tokenID uint64) (bool, error) {
	if err, ok := f.failFor[tokenID]; ok {
		return false, err
	}
	return f.revoked[tokenID], nil
}

func (f *fakeFlags) ExpiryOf(ctx context.Context, tokenID uint64) (time.Time, bool, error) {
	if err, ok := f.failFor[tokenID]; ok {
		return time.Time{}, false, err
	}
	expiresAt, ok := f.expiry[tokenID]
	return expiresAt, ok, nil
}

type fakeMetadata struct {
	records map[string]metadata.Record
	err     error
}

func (f *fakeMetadata) Fetch(ctx context.Context, pointer string) (metadata.Record, error) {
	if f.err != nil {
		return metadata.Record{}, f.err
	}
	record, ok := f.records[pointer]
	if !ok {
		return metadata.Record{}, metadata.ErrUnavailable
	}
	return record, nil
}

func issuedEvent(tokenID uint64, pointer string) ledger.Event {
	return ledger.Event{
		Kind:      ledger.EventDocumentIssued,
		Position:  ledger.SequencePosition{BlockNumber: tokenID, LogIndex: 0},
		Org:       testIssuer,
		Recipient: testRecipient,
		TokenID:   tokenID,
		Pointer:   pointer,
	}
}

func newTestReducer(t *testing.T, flags FlagSource, meta MetadataSource, now time.Time) *Reducer {
	t.Helper()
	reducer, err := NewReducer(ReducerConfig{
		Flags:    flags,
		Metadata: meta,
		Clock:    func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return reducer
}

func TestLedgerRevocationOutranksEveryExpiryInput(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	flags := &fakeFlags{
		revoked: map[uint64]bool{1: true},
		// A future ledger expiry must not rescue a revoked document.
		expiry: map[uint64]time.Time{1: now.AddDate(1, 0, 0)},
	}
	meta := &fakeMetadata{records: map[string]metadata.Record{
		"ptr-1": {IssuedAt: now.AddDate(-1, 0, 0), Expiry: metadata.ExpiryNever},
	}}
	reducer := newTestReducer(t, flags, meta, now)

	document, err := reducer.Evaluate(context.Background(), issuedEvent(1, "ptr-1"))
	if err != nil {
		t.Fatalf("unexpected evaluation error: %v", err)
	}
	if document.Status != StatusRevoked {
		t.Fatalf("expected revoked, got %s", document.Status)
	}
}

func TestMetadataRevokedFlagAlsoRevokes(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	flags := &fakeFlags{}
	meta := &fakeMetadata{records: map[string]metadata.Record{
		"ptr-2": {Revoked: true},
	}}
	reducer := newTestReducer(t, flags, meta, now)

	document, err := reducer.Evaluate(context.Background(), issuedEvent(2, "ptr-2"))
	if err != nil {
		t.Fatalf("unexpected evaluation error: %v", err)
	}
	if document.Status != StatusRevoked {
		t.Fatalf("expected metadata revocation to apply, got %s", document.Status)
	}
}

func TestLedgerExpiryOutranksMetadataPolicy(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	ledgerExpiry := now.AddDate(0, -1, 0)
	flags := &fakeFlags{expiry: map[uint64]time.Time{3: ledgerExpiry}}
	// Metadata alone would keep the document active for years.
	meta := &fakeMetadata{records: map[string]metadata.Record{
		"ptr-3": {IssuedAt: now, Expiry: metadata.ExpiryFiveYears},
	}}
	reducer := newTestReducer(t, flags, meta, now)

	document, err := reducer.Evaluate(context.Background(), issuedEvent(3, "ptr-3"))
	if err != nil {
		t.Fatalf("unexpected evaluation error: %v", err)
	}
	if document.Status != StatusExpired {
		t.Fatalf("expected ledger expiry to win, got %s", document.Status)
	}
	if !document.ExpiresAt.Equal(ledgerExpiry) {
		t.Fatalf("expected effective expiry %v, got %v", ledgerExpiry, document.ExpiresAt)
	}
}

func TestMetadataPolicyExpiryUsesCalendarYear(t *testing.T) {
	issuedAt := time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC)
	flags := &fakeFlags{}
	meta := &fakeMetadata{records: map[string]metadata.Record{
		"ptr-4": {IssuedAt: issuedAt, Expiry: metadata.ExpiryOneYear},
	}}

	// 370 days past issuance: one calendar year has elapsed.
	expiredClock := issuedAt.AddDate(0, 0, 370)
	document, err := newTestReducer(t, flags, meta, expiredClock).
		Evaluate(context.Background(), issuedEvent(4, "ptr-4"))
	if err != nil {
		t.Fatalf("unexpected evaluation error: %v", err)
	}
	if document.Status != StatusExpired {
		t.Fatalf("expected expired at +370 days, got %s", document.Status)
	}
	if expected := issuedAt.AddDate(1, 0, 0); !document.ExpiresAt.Equal(expected) {
		t.Fatalf("expected expiry exactly one calendar year out (%v), got %v", expected, document.ExpiresAt)
	}

	// 300 days past issuance: still inside the year.
	activeClock := issuedAt.AddDate(0, 0, 300)
	document, err = newTestReducer(t, flags, meta, activeClock).
		Evaluate(context.Background(), issuedEvent(4, "ptr-4"))
	if err != nil {
		t.Fatalf("unexpected evaluation error: %v", err)
	}
	if document.Status != StatusActive {
		t.Fatalf("expected active at +300 days, got %s", document.Status)
	}
}

func TestMetadataFailureDowngradesToLedgerOnlyEvaluation(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	flags := &fakeFlags{}
	meta := &fakeMetadata{err: metadata.ErrUnavailable}
	reducer := newTestReducer(t, flags, meta, now)

	document, err := reducer.Evaluate(context.Background(), issuedEvent(5, "ptr-5"))
	if err != nil {
		t.Fatalf("expected metadata failure to be non-fatal, got %v", err)
	}
	if document.Status != StatusActive {
		t.Fatalf("expected active with no expiry information, got %s", document.Status)
	}
	if document.Metadata != nil {
		t.Fatal("expected no metadata record on the derived document")
	}
}

func TestFlagFailureLeavesStatusUnknown(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	flags := &fakeFlags{failFor: map[uint64]error{6: errors.New("rpc timeout")}}
	meta := &fakeMetadata{records: map[string]metadata.Record{"ptr-6": {}}}
	reducer := newTestReducer(t, flags, meta, now)

	document, err := reducer.Evaluate(context.Background(), issuedEvent(6, "ptr-6"))
	if err == nil {
		t.Fatal("expected a per-document error")
	}
	if document.Status != StatusUnknown {
		t.Fatalf("expected unknown status, got %s", document.Status)
	}
}

func TestBatchIsolatesPerDocumentFailures(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	flags := &fakeFlags{
		revoked: map[uint64]bool{2: true},
		failFor: map[uint64]error{3: errors.New("rpc timeout")},
	}
	meta := &fakeMetadata{records: map[string]metadata.Record{}}
	reducer := newTestReducer(t, flags, meta, now)

	events := []ledger.Event{
		issuedEvent(1, "ptr-1"),
		issuedEvent(2, "ptr-2"),
		issuedEvent(3, "ptr-3"),
		issuedEvent(4, "ptr-4"),
		issuedEvent(5, "ptr-5"),
	}

	result := reducer.EvaluateBatch(context.Background(), events)

	if len(result.Documents) != 5 {
		t.Fatalf("expected every document in the result, got %d", len(result.Documents))
	}
	statuses := make(map[uint64]Status, len(result.Documents))
	for _, document := range result.Documents {
		statuses[document.TokenID] = document.Status
	}
	if statuses[3] != StatusUnknown {
		t.Fatalf("expected failing document to be unknown, got %s", statuses[3])
	}
	if statuses[2] != StatusRevoked {
		t.Fatalf("expected document 2 revoked, got %s", statuses[2])
	}
	for _, tokenID := range []uint64{1, 4, 5} {
		if statuses[tokenID] != StatusActive {
			t.Fatalf("expected document %d active, got %s", tokenID, statuses[tokenID])
		}
	}
	if _, flagged := result.Failures[3]; !flagged {
		t.Fatal("expected the failing document to be flagged")
	}
	if len(result.Failures) != 1 {
		t.Fatalf("expected a single failure, got %d", len(result.Failures))
	}
}

func TestBatchPreservesInputOrder(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	reducer := newTestReducer(t, &fakeFlags{}, &fakeMetadata{}, now)

	events := []ledger.Event{
		issuedEvent(9, "ptr-9"),
		issuedEvent(4, "ptr-4"),
		issuedEvent(7, "ptr-7"),
	}

	result := reducer.EvaluateBatch(context.Background(), events)

	for i, event := range events {
		if result.Documents[i].TokenID != event.TokenID {
			t.Fatalf("expected position %d to hold token %d, got %d",
				i, event.TokenID, result.Documents[i].TokenID)
		}
	}
}

func TestEmptyBatchYieldsEmptyResult(t *testing.T) {
	reducer := newTestReducer(t, &fakeFlags{}, &fakeMetadata{}, time.Now())

	result := reducer.EvaluateBatch(context.Background(), nil)

	if len(result.Documents) != 0 {
		t.Fatalf("expected no documents, got %d", len(result.Documents))
	}
	if len(result.Failures) != 0 {
		t.Fatalf("expected no failures, got %d", len(result.Failures))
	}
}
