package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// BudgetExhaustedError is returned when a run stops because its time or
// work-unit allowance is used up. Callers enqueue the remaining work.
type BudgetExhaustedError struct {
	Reason string
	Used   int
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("budget exhausted (%s) after %d units", e.Reason, e.Used)
}

func IsBudgetExhausted(err error) bool {
	var be *BudgetExhaustedError
	return errors.As(err, &be)
}

// Budget bounds one invocation by wall-clock time and, optionally, by a count
// of units of work. It is only checked between entities.
type Budget struct {
	mu       sync.Mutex
	deadline time.Time
	units    int
	used     int
	now      func() time.Time
}

// NewBudget starts a budget of d from now. units <= 0 means no unit cap and
// d <= 0 means no time cap.
func NewBudget(d time.Duration, units int) *Budget {
	b := &Budget{units: units, now: time.Now}
	if d > 0 {
		b.deadline = b.now().Add(d)
	}
	return b
}

// Unlimited never runs out.
func Unlimited() *Budget {
	return NewBudget(0, 0)
}

func (b *Budget) Charge(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used += n
}

func (b *Budget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Check returns a *BudgetExhaustedError once either allowance is spent
func (b *Budget) Check() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.units > 0 && b.used >= b.units {
		return &BudgetExhaustedError{Reason: "units", Used: b.used}
	}
	if !b.deadline.IsZero() && !b.now().Before(b.deadline) {
		return &BudgetExhaustedError{Reason: "time", Used: b.used}
	}
	return nil
}

func (b *Budget) Exhausted() bool {
	return b.Check() != nil
}

type budgetKey struct{}

// WithBudget attaches b to ctx so nested synchronizers share one allowance.
func WithBudget(ctx context.Context, b *Budget) context.Context {
	return context.WithValue(ctx, budgetKey{}, b)
}

// BudgetFromContext returns the budget attached to ctx, or an unlimited one.
func BudgetFromContext(ctx context.Context) *Budget {
	if b, ok := ctx.Value(budgetKey{}).(*Budget); ok && b != nil {
		return b
	}
	return Unlimited()
}
