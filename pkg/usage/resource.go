package usage

import "github.com/dmitrymomot/billingcore/pkg/ledger"

// Resource is a metered service a user consumes.
type Resource string

const (
	ResourceProject  Resource = "project"
	ResourceTeam     Resource = "team"
	ResourceProposal Resource = "proposal"
	ResourceRequest  Resource = "request"
)

// Resources lists every metered resource in display order.
var Resources = []Resource{ResourceProject, ResourceTeam, ResourceProposal, ResourceRequest}

// Valid reports whether r is one of Resources.
func (r Resource) Valid() bool {
	switch r {
	case ResourceProject, ResourceTeam, ResourceProposal, ResourceRequest:
		return true
	}
	return false
}

// CreditsPerUnit is the fixed conversion from one unit of r into credits.
func (r Resource) CreditsPerUnit() int64 {
	switch r {
	case ResourceProject:
		return 10
	case ResourceTeam:
		return 15
	case ResourceProposal:
		return 5
	case ResourceRequest:
		return 1
	}
	return 0
}

// counter returns a pointer to the remaining counter of r and its maximum.
func counter(u *ledger.Usage, r Resource) (remaining *int64, limit int64) {
	switch r {
	case ResourceProject:
		return &u.RemainingProjects, u.MaxProjects
	case ResourceTeam:
		return &u.RemainingTeams, u.MaxTeams
	case ResourceProposal:
		return &u.RemainingProposals, u.MaxProposals
	case ResourceRequest:
		return &u.RemainingRequests, u.MaxRequests
	}
	return nil, 0
}
