package ledger

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind enumerates the contract event types the engine consumes.
type EventKind string

const (
	// EventDocumentIssued marks the minting of a document credential.
	EventDocumentIssued EventKind = "document_issued"
	// EventOrganizationAdded marks an organization joining the trusted registry.
	EventOrganizationAdded EventKind = "organization_added"
	// EventOrganizationRemoved marks an organization leaving the trusted registry.
	EventOrganizationRemoved EventKind = "organization_removed"
)

// SequencePosition totally orders events by block height and in-block index.
type SequencePosition struct {
	BlockNumber uint64
	LogIndex    uint
}

// Before reports whether p precedes other in ledger order.
func (p SequencePosition) Before(other SequencePosition) bool {
	if p.BlockNumber != other.BlockNumber {
		return p.BlockNumber < other.BlockNumber
	}
	return p.LogIndex < other.LogIndex
}

// String renders the position as block:index.
func (p SequencePosition) String() string {
	return fmt.Sprintf("%d:%d", p.BlockNumber, p.LogIndex)
}

// Event is a normalized, immutable ledger fact. Field usage depends on Kind:
// issuance events carry Recipient, TokenID and Pointer; organization events
// carry OrgName (added only). Org always identifies the acting organization.
type Event struct {
	Kind      EventKind
	Position  SequencePosition
	Org       common.Address
	Recipient common.Address
	TokenID   uint64
	Pointer   string
	OrgName   string
	// Timestamp is the containing block's timestamp. When the block lookup
	// fails the ingestor substitutes the lookup attempt time and sets
	// TimestampDegraded.
	Timestamp         time.Time
	TimestampDegraded bool
}

// EventFilter narrows an event query. A nil Org matches every organization.
type EventFilter struct {
	Org *common.Address
}

// FilterByOrg restricts a query to events emitted for one organization.
func FilterByOrg(org common.Address) EventFilter {
	return EventFilter{Org: &org}
}

// MergeByPosition merges two already-ordered event slices into one sequence
// ordered by ledger position, preserving the total order reducers rely on.
func MergeByPosition(a, b []Event) []Event {
	merged := make([]Event, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i].Position.Before(b[j].Position) {
			merged = append(merged, a[i])
			i++
		} else {
			merged = append(merged, b[j])
			j++
		}
	}
	merged = append(merged, a[i:]...)
	merged = append(merged, b[j:]...)
	return merged
}
