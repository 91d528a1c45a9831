// Package hbar implements the operator spending governor. Every chargeable
// consensus-node operation consults it up front with an estimated cost and
// reports the observed cost afterwards; plans reset for free at the end of
// the UTC day because their counters carry an end-of-day TTL.
package hbar

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/google/uuid"

	"github.com/hashgraph/hedera-evm-relay/cache"
	"github.com/hashgraph/hedera-evm-relay/config"
	"github.com/hashgraph/hedera-evm-relay/reqctx"
)

// Tier classifies a spending plan. BASIC plans are synthesized on first
// contact; the other tiers are provisioned out of band.
type Tier string

const (
	TierBasic      Tier = "BASIC"
	TierExtended   Tier = "EXTENDED"
	TierPrivileged Tier = "PRIVILEGED"
)

// SpendingPlan is the governed unit of spending. AmountSpent lives under its
// own shorter-lived key so the daily reset needs no bookkeeping.
type SpendingPlan struct {
	ID        string    `json:"id"`
	Tier      Tier      `json:"tier"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// Expense is one audit-trail entry in a plan's spending history.
type Expense struct {
	Timestamp time.Time `json:"timestamp"`
	Cost      int64     `json:"cost"`
	Method    string    `json:"method"`
}

var deniedCounter = metrics.NewRegisteredCounter("hbar/denied", nil)

// Governor enforces per-plan daily tinybar caps.
type Governor struct {
	store  cache.Client
	limits config.HbarLimits
	logger log.Logger
}

// NewGovernor creates a governor over the shared store.
func NewGovernor(store cache.Client, limits config.HbarLimits, logger log.Logger) *Governor {
	return &Governor{store: store, limits: limits, logger: logger}
}

func planKey(id string) string      { return cache.Key("hbar-limit", "plan", id) }
func spentKey(id string) string     { return cache.Key("hbar-limit", "spent", id) }
func historyKey(id string) string   { return cache.Key("hbar-limit", "history", id) }
func ethAssocKey(addr string) string { return cache.Key("hbar-limit", "eth", addr) }
func ipAssocKey(ip string) string    { return cache.Key("hbar-limit", "ip", ip) }

// untilEndOfDay returns the duration until the next UTC midnight, the shared
// expiry for plans, associations and spent counters.
func untilEndOfDay(now time.Time) time.Duration {
	next := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	return next.Sub(now.UTC())
}

func (g *Governor) capFor(tier Tier) int64 {
	switch tier {
	case TierExtended:
		return g.limits.ExtendedTinybars
	case TierPrivileged:
		return g.limits.PrivilegedTinybars
	default:
		return g.limits.BasicTinybars
	}
}

// resolvePlan finds the plan for a caller: evm-address association first,
// then ip association, else a fresh per-address basic plan.
func (g *Governor) resolvePlan(ctx context.Context, sender, ip string, rd reqctx.RequestDetails) SpendingPlan {
	for _, assoc := range []string{ethAssocKey(sender), ipAssocKey(ip)} {
		planID, err := cache.GetJSON[string](ctx, g.store, assoc, "resolvePlan", rd)
		if err != nil {
			continue
		}
		plan, err := cache.GetJSON[SpendingPlan](ctx, g.store, planKey(planID), "resolvePlan", rd)
		if err == nil && plan.Active {
			return plan
		}
	}
	plan := SpendingPlan{ID: uuid.NewString(), Tier: TierBasic, Active: true, CreatedAt: time.Now().UTC()}
	ttl := untilEndOfDay(time.Now())
	if err := cache.SetJSON(ctx, g.store, planKey(plan.ID), plan, "resolvePlan", ttl, rd); err != nil {
		g.logger.Warn("failed to persist spending plan", "err", err, "requestId", rd.RequestID)
	}
	if sender != "" {
		_ = cache.SetJSON(ctx, g.store, ethAssocKey(sender), plan.ID, "resolvePlan", ttl, rd)
	}
	if ip != "" {
		_ = cache.SetJSON(ctx, g.store, ipAssocKey(ip), plan.ID, "resolvePlan", ttl, rd)
	}
	return plan
}

func (g *Governor) amountSpent(ctx context.Context, planID string, rd reqctx.RequestDetails) int64 {
	raw, err := g.store.Get(ctx, spentKey(planID), "amountSpent", rd)
	if err != nil {
		return 0
	}
	spent, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0
	}
	return spent
}

// ShouldLimit reports whether the caller's plan would exceed its daily cap if
// charged estimatedCost tinybars. It never blocks on store failures.
func (g *Governor) ShouldLimit(ctx context.Context, callerName, methodName, sender string, estimatedCost int64, rd reqctx.RequestDetails) bool {
	if !g.limits.Enabled {
		return false
	}
	plan := g.resolvePlan(ctx, sender, rd.IPAddress, rd)
	spent := g.amountSpent(ctx, plan.ID, rd)
	cap := g.capFor(plan.Tier)
	if spent+estimatedCost > cap {
		deniedCounter.Inc(1)
		g.logger.Warn("hbar spending cap reached",
			"caller", callerName, "method", methodName, "plan", plan.ID, "tier", plan.Tier,
			"spent", spent, "estimated", estimatedCost, "cap", cap, "requestId", rd.RequestID)
		return true
	}
	return false
}

// AddExpense records the observed cost of a completed operation against the
// caller's plan and appends it to the audit history.
func (g *Governor) AddExpense(ctx context.Context, cost int64, methodName, sender string, rd reqctx.RequestDetails) {
	if !g.limits.Enabled || cost <= 0 {
		return
	}
	plan := g.resolvePlan(ctx, sender, rd.IPAddress, rd)
	if _, err := g.store.IncrBy(ctx, spentKey(plan.ID), cost, untilEndOfDay(time.Now()), "addExpense", rd); err != nil {
		g.logger.Warn("failed to record spending", "plan", plan.ID, "err", err, "requestId", rd.RequestID)
		return
	}
	entry, err := json.Marshal(Expense{Timestamp: time.Now().UTC(), Cost: cost, Method: methodName})
	if err == nil {
		if _, err := g.store.RPush(ctx, historyKey(plan.ID), entry, "addExpense", rd); err != nil {
			g.logger.Debug("failed to append spending history", "plan", plan.ID, "err", err)
		}
	}
}

// History returns the audit trail for the plan associated with sender.
func (g *Governor) History(ctx context.Context, sender string, rd reqctx.RequestDetails) ([]Expense, error) {
	plan := g.resolvePlan(ctx, sender, rd.IPAddress, rd)
	raw, err := g.store.LRange(ctx, historyKey(plan.ID), 0, -1, "history", rd)
	if err != nil {
		return nil, err
	}
	out := make([]Expense, 0, len(raw))
	for _, entry := range raw {
		var exp Expense
		if err := json.Unmarshal(entry, &exp); err != nil {
			continue
		}
		out = append(out, exp)
	}
	return out, nil
}
