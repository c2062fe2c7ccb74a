package ledger

import (
	"fmt"

	"github.com/mtlprog/resolver/internal/domain"
)

// Registry resolves ledger locations to gateways.
type Registry struct {
	rpc     Caller
	singles map[string]Metadata
}

// NewRegistry creates a registry. singles holds the fixed metadata of every known single-token ledger.
func NewRegistry(rpc Caller, singles map[string]Metadata) *Registry {
	if singles == nil {
		singles = make(map[string]Metadata)
	}
	return &Registry{rpc: rpc, singles: singles}
}

// Gateway returns the gateway for a location. Invalid locations and single-token ledgers with
// no configured metadata are UnsupportedLedgerLocation.
func (r *Registry) Gateway(loc domain.LedgerLocation) (Gateway, error) {
	if err := loc.Validate(); err != nil {
		return nil, domain.NewError(domain.KindUnsupportedLedgerLocation, "resolve_ledger", "", err)
	}
	switch loc.Kind {
	case domain.LedgerKindMultiToken:
		return NewMultiTokenGateway(r.rpc, loc.Ledger, loc.SubTokenID), nil
	case domain.LedgerKindSingleToken:
		md, ok := r.singles[loc.Ledger]
		if !ok {
			return nil, domain.NewError(domain.KindUnsupportedLedgerLocation, "resolve_ledger", "",
				fmt.Errorf("no metadata configured for single-token ledger %s", loc.Ledger))
		}
		return NewSingleTokenGateway(r.rpc, loc.Ledger, md), nil
	}
	return nil, domain.NewError(domain.KindUnsupportedLedgerLocation, "resolve_ledger", "", fmt.Errorf("unknown ledger kind %q", loc.Kind))
}
