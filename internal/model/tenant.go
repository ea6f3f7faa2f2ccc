package model

// PlanTier is a tenant's subscription plan, which drives both rate caps
// and scheduler plan-share (spec.md §3, §4.8).
type PlanTier string

const (
	PlanBasic        PlanTier = "basic"
	PlanProfessional PlanTier = "professional"
	PlanEnterprise   PlanTier = "enterprise"
)

// PlanShare is the slice of the global concurrency cap a tenant on this
// plan may occupy (spec.md §4.8).
var PlanShare = map[PlanTier]int{
	PlanBasic:        1,
	PlanProfessional: 3,
	PlanEnterprise:   5,
}

// PriorityBonus is the admission priority bonus for a tenant's plan
// (spec.md §4.7 step 5).
var PriorityBonus = map[PlanTier]int{
	PlanBasic:        0,
	PlanProfessional: 10,
	PlanEnterprise:   20,
}

// Tenant is an isolated customer account: the unit of quota, rate
// limiting and data scoping (spec.md §3).
type Tenant struct {
	ID                    string
	Active                bool
	Plan                  PlanTier
	DailyCap              int
	HourlyCap             int
	PerMinuteCap          int
	VerifiedSenderDomains []string
	HistoricalReputation  float64
}

// AllowsSenderDomain reports whether domain is among the tenant's
// verified sender domains.
func (t *Tenant) AllowsSenderDomain(domain string) bool {
	for _, d := range t.VerifiedSenderDomains {
		if d == domain {
			return true
		}
	}
	return false
}
