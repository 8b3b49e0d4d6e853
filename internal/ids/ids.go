// Package ids generates and renders the identifiers used throughout the
// Agreement lifecycle engine.
package ids

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Role distinguishes the two local views an Agreement id can be addressed
// from. The same Agreement is represented once per role in the local
// store, never as a single shared row, since Provider and Requestor
// observe independent (if eventually-converging) state machines over it.
type Role uint8

const (
	// Provider is the compute-supplying peer.
	Provider Role = iota
	// Requestor is the workload-submitting peer.
	Requestor
)

func (r Role) String() string {
	if r == Provider {
		return "Provider"
	}
	return "Requestor"
}

// Other returns the opposing role.
func (r Role) Other() Role {
	if r == Provider {
		return Requestor
	}
	return Provider
}

// ParseRole parses the wire form produced by Role.String.
func ParseRole(s string) (Role, error) {
	switch s {
	case "Provider":
		return Provider, nil
	case "Requestor":
		return Requestor, nil
	default:
		return 0, fmt.Errorf("ids: unknown role %q", s)
	}
}

// AgreementID is the canonical/owner-tag pair described in Design Note 9:
// rather than flipping a bit embedded in a single string id, the owner
// view is carried alongside the canonical id and only folded into a
// single tagged string at the bus/API boundary.
type AgreementID struct {
	Canonical string
	Owner     Role
}

// NewAgreementID mints a fresh canonical id for the given owning role.
func NewAgreementID(owner Role) AgreementID {
	return AgreementID{Canonical: uuid.NewString(), Owner: owner}
}

// Tagged renders the boundary (wire/API) form of the id.
func (a AgreementID) Tagged() string {
	if a.Owner == Provider {
		return a.Canonical + ":P"
	}
	return a.Canonical + ":R"
}

// ParseTagged parses the wire form produced by Tagged.
func ParseTagged(tagged string) (AgreementID, error) {
	idx := strings.LastIndexByte(tagged, ':')
	if idx < 0 || idx != len(tagged)-2 {
		return AgreementID{}, fmt.Errorf("ids: malformed tagged agreement id %q", tagged)
	}
	switch tagged[idx+1:] {
	case "P":
		return AgreementID{Canonical: tagged[:idx], Owner: Provider}, nil
	case "R":
		return AgreementID{Canonical: tagged[:idx], Owner: Requestor}, nil
	default:
		return AgreementID{}, fmt.Errorf("ids: malformed tagged agreement id %q", tagged)
	}
}

// New returns a fresh random id for any other entity kind (Proposal,
// Event, DebitNote, Invoice, Allocation, Subscription).
func New() string {
	return uuid.NewString()
}
