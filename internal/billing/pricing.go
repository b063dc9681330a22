package billing

// Pricing is the static cost/grant table. It is configuration, not state:
// per-operation costs in credits, per-plan monthly grants, and the credit
// packages sold for one-off top-ups (price in cents -> credits).
type Pricing struct {
	Operations map[string]int64
	PlanGrants map[Plan]int64
	Packages   map[int64]int64
}

// DefaultPricing mirrors the farm-data service price list.
func DefaultPricing() Pricing {
	return Pricing{
		Operations: map[string]int64{
			"farm_query":     2,
			"api_call":       1,
			"schema_request": 1,
			"export_data":    5,
		},
		PlanGrants: map[Plan]int64{
			PlanStarter:      1000,
			PlanProfessional: 5000,
			PlanEnterprise:   20000,
		},
		Packages: map[int64]int64{
			1000:  120,
			5000:  650,
			10000: 1400,
			50000: 8000,
		},
	}
}

// CostOf resolves the credit cost of an operation. Unknown operations cost
// zero; callers pass an explicit amount for those.
func (p Pricing) CostOf(operation string) int64 {
	return p.Operations[operation]
}

// GrantFor returns the monthly credit grant of a plan.
func (p Pricing) GrantFor(plan Plan) int64 {
	return p.PlanGrants[plan]
}

// KnownPlan reports whether the plan exists in the table.
func (p Pricing) KnownPlan(plan Plan) bool {
	_, ok := p.PlanGrants[plan]
	return ok
}
