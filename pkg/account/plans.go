package account

// PlanID identifies a subscription tier.
type PlanID string

const (
	PlanStart     PlanID = "start"
	PlanSmart     PlanID = "smart"
	PlanPrecision PlanID = "precision"
)

// Unlimited is the uploadsLimit sentinel for plans without a quota.
const Unlimited = -1

// Plan is a tier and the upload quota it grants per billing period.
type Plan struct {
	ID           PlanID
	Name         string
	UploadsLimit int
}

// Plans is the only plan -> quota table. Every writer of plan or uploadsLimit reads it.
var Plans = map[PlanID]Plan{
	PlanStart:     {ID: PlanStart, Name: "CropDrive Start", UploadsLimit: 10},
	PlanSmart:     {ID: PlanSmart, Name: "CropDrive Smart", UploadsLimit: 50},
	PlanPrecision: {ID: PlanPrecision, Name: "CropDrive Precision", UploadsLimit: Unlimited},
}

// BasePlan is the tier users fall back to when a subscription lapses.
func BasePlan() Plan {
	return Plans[PlanStart]
}

// LookupPlan returns the plan for id.
func LookupPlan(id string) (Plan, error) {
	plan, ok := Plans[PlanID(id)]
	if !ok {
		return Plan{}, ErrUnknownPlan
	}
	return plan, nil
}

// Unlimited reports whether the plan has no upload quota.
func (p Plan) Unlimited() bool {
	return p.UploadsLimit == Unlimited
}
