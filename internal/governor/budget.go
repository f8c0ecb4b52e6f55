package governor

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Budget periods.
const (
	PeriodTotal = "total"
	PeriodDaily = "daily"
)

// KeepaliveSuffix names the daily keep-warm budget of a provider.
const KeepaliveSuffix = "-keepalive"

// KeepaliveProvider returns the keep-alive budget name for provider.
func KeepaliveProvider(provider string) string {
	return provider + KeepaliveSuffix
}

// BudgetConfig declares a named budget in USD.
type BudgetConfig struct {
	Provider string  `yaml:"provider" json:"provider" validate:"required"`
	Limit    float64 `yaml:"limit" json:"limit" validate:"gte=0"`
	// Period is "total" or "daily". Keep-alive budgets default to daily.
	Period string `yaml:"period" json:"period" validate:"omitempty,oneof=total daily"`
}

// Budget is a snapshot of one provider's spend.
type Budget struct {
	Provider    string    `json:"provider"`
	Limit       float64   `json:"limit"`
	Spent       float64   `json:"spent"`
	Remaining   float64   `json:"remaining"`
	Period      string    `json:"period"`
	PeriodStart time.Time `json:"periodStart"`
}

type budgetState struct {
	limit       float64
	spent       float64
	period      string
	periodStart time.Time
}

// BudgetLedger tracks spend against named provider budgets. Providers with
// no budget are untracked: checks pass and records are ignored.
type BudgetLedger struct {
	mu      sync.Mutex
	budgets map[string]*budgetState
	now     func() time.Time
}

// NewBudgetLedger creates a ledger holding configs.
func NewBudgetLedger(configs []BudgetConfig, now func() time.Time) *BudgetLedger {
	if now == nil {
		now = time.Now
	}
	l := &BudgetLedger{budgets: make(map[string]*budgetState), now: now}
	l.ReplaceBudgets(configs)
	return l
}

func utcDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func normalizePeriod(provider, period string) string {
	if period == "" {
		if strings.HasSuffix(provider, KeepaliveSuffix) {
			return PeriodDaily
		}
		return PeriodTotal
	}
	return period
}

// ReplaceBudgets installs configs. Spend already recorded for a provider
// that is still configured is kept; dropped providers are forgotten.
func (l *BudgetLedger) ReplaceBudgets(configs []BudgetConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	keep := make(map[string]struct{}, len(configs))
	for _, c := range configs {
		keep[c.Provider] = struct{}{}
		l.setLocked(c)
	}
	for provider := range l.budgets {
		if _, ok := keep[provider]; !ok {
			delete(l.budgets, provider)
		}
	}
}

// setLocked installs or updates one provider budget. Caller holds l.mu.
func (l *BudgetLedger) setLocked(c BudgetConfig) {
	st, ok := l.budgets[c.Provider]
	if !ok {
		st = &budgetState{periodStart: utcDay(l.now())}
		l.budgets[c.Provider] = st
	}
	st.limit = c.Limit
	st.period = normalizePeriod(c.Provider, c.Period)
}

// rollover resets daily budgets whose period ended. Caller holds l.mu.
func (l *BudgetLedger) rollover(st *budgetState) {
	if st.period != PeriodDaily {
		return
	}
	today := utcDay(l.now())
	if today.After(st.periodStart) {
		st.spent = 0
		st.periodStart = today
	}
}

// Check reports whether amount fits in the provider's remaining budget.
// tracked is false when the provider has no budget; remaining is then
// +Inf.
func (l *BudgetLedger) Check(provider string, amount float64) (ok bool, remaining float64, tracked bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, found := l.budgets[provider]
	if !found {
		return true, math.Inf(1), false
	}
	l.rollover(st)
	remaining = st.limit - st.spent
	return amount <= remaining, remaining, true
}

// Record adds amount to the provider's spend.
func (l *BudgetLedger) Record(provider string, amount float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, found := l.budgets[provider]
	if !found {
		return
	}
	l.rollover(st)
	st.spent += amount
}

// Remaining returns what is left of the provider's budget.
func (l *BudgetLedger) Remaining(provider string) (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, found := l.budgets[provider]
	if !found {
		return math.Inf(1), false
	}
	l.rollover(st)
	return st.limit - st.spent, true
}

// Budgets returns a snapshot of every budget sorted by provider.
func (l *BudgetLedger) Budgets() []Budget {
	l.mu.Lock()
	out := make([]Budget, 0, len(l.budgets))
	for name, st := range l.budgets {
		l.rollover(st)
		out = append(out, Budget{
			Provider:    name,
			Limit:       st.limit,
			Spent:       st.spent,
			Remaining:   st.limit - st.spent,
			Period:      st.period,
			PeriodStart: st.periodStart,
		})
	}
	l.mu.Unlock()
	slices.SortFunc(out, func(a, b Budget) int { return strings.Compare(a.Provider, b.Provider) })
	return out
}
