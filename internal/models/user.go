package models

import "time"

// Plan is a subscription tier.
type Plan string

const (
	PlanFree     Plan = "FREE"
	PlanBasic    Plan = "BASIC"
	PlanStandard Plan = "STANDARD"
	PlanPremium  Plan = "PREMIUM"
)

// Role is a user role. Admins bypass plan and allowance checks.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

var planRank = map[Plan]int{
	PlanFree:     0,
	PlanBasic:    1,
	PlanStandard: 2,
	PlanPremium:  3,
}

var planReplicas = map[Plan]int{
	PlanFree:     10,
	PlanBasic:    1000,
	PlanStandard: 3000,
	PlanPremium:  10000,
}

// Valid reports whether p is a known plan.
func (p Plan) Valid() bool {
	_, ok := planRank[p]
	return ok
}

// ReplicasFor returns the reply allowance granted by a plan.
func ReplicasFor(p Plan) int {
	return planReplicas[p]
}

// PlanSufficient is the minimum-plan guard composed at call sites.
func PlanSufficient(current, required Plan, role Role) bool {
	if role == RoleAdmin {
		return true
	}
	return planRank[current] >= planRank[required]
}

// User is the bot user record.
type User struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chat_id"`
	Role      Role      `json:"role"`
	Plan      Plan      `json:"plan"`
	Replicas  int       `json:"replicas"`
	CreatedAt time.Time `json:"created_at"`
}

// Currency is a supported payment currency.
type Currency string

const (
	CurrencyUSD Currency = "USD"
	CurrencyUZS Currency = "UZS"
)

// Valid reports whether c is a supported currency.
func (c Currency) Valid() bool {
	return c == CurrencyUSD || c == CurrencyUZS
}

// Subscription statuses.
const (
	SubscriptionActive   = "ACTIVE"
	SubscriptionExpired  = "EXPIRED"
	SubscriptionCanceled = "CANCELED"
)

// Subscription is a paid or trial plan period.
type Subscription struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	Plan      Plan      `json:"plan"`
	Status    string    `json:"status"`
	StartsAt  time.Time `json:"starts_at"`
	EndsAt    time.Time `json:"ends_at"`
	Amount    int64     `json:"amount"`
	Currency  Currency  `json:"currency"`
	IsTrial   bool      `json:"is_trial"`
	CreatedAt time.Time `json:"created_at"`
}
