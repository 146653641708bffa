// Package registry folds organization lifecycle events into the current
// set of trusted issuers. The fold is a pure function of the ordered event
// sequence: replaying the same log always yields the same registry.
package registry

import (
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/veridoc/engine/internal/ledger"
)

// Organization is the derived registry record for one issuer address.
type Organization struct {
	Address common.Address
	Name    string
	Active  bool
}

// Registry is the derived read model keyed by lower-cased address.
type Registry struct {
	records map[string]Organization
}

// Fold reduces the ordered OrganizationAdded/OrganizationRemoved sequence.
// Later events win: an Added re-activates a removed organization and may
// update its display name; a Removed for a never-added address records an
// inactive placeholder rather than erroring.
func Fold(events []ledger.Event) *Registry {
	records := make(map[string]Organization)
	for _, event := range events {
		key := addressKey(event.Org)
		switch event.Kind {
		case ledger.EventOrganizationAdded:
			records[key] = Organization{
				Address: event.Org,
				Name:    event.OrgName,
				Active:  true,
			}
		case ledger.EventOrganizationRemoved:
			record, ok := records[key]
			if !ok {
				record = Organization{Address: event.Org}
			}
			record.Active = false
			records[key] = record
		}
	}
	return &Registry{records: records}
}

// IsActive reports whether the address is a currently trusted issuer.
func (r *Registry) IsActive(address common.Address) bool {
	record, ok := r.records[addressKey(address)]
	return ok && record.Active
}

// Lookup returns the record for an address, if the address was ever seen.
func (r *Registry) Lookup(address common.Address) (Organization, bool) {
	record, ok := r.records[addressKey(address)]
	return record, ok
}

// Active returns the currently trusted organizations sorted by name then
// address, so listings render deterministically.
func (r *Registry) Active() []Organization {
	return r.sorted(true)
}

// All returns every organization ever observed, active or not, in the same
// deterministic order as Active.
func (r *Registry) All() []Organization {
	return r.sorted(false)
}

// Len reports how many distinct organizations the fold observed.
func (r *Registry) Len() int {
	return len(r.records)
}

func (r *Registry) sorted(activeOnly bool) []Organization {
	organizations := make([]Organization, 0, len(r.records))
	for _, record := range r.records {
		if activeOnly && !record.Active {
			continue
		}
		organizations = append(organizations, record)
	}
	sort.Slice(organizations, func(i, j int) bool {
		if organizations[i].Name != organizations[j].Name {
			return organizations[i].Name < organizations[j].Name
		}
		return addressKey(organizations[i].Address) < addressKey(organizations[j].Address)
	})
	return organizations
}

func addressKey(address common.Address) string {
	return strings.ToLower(address.Hex())
}
