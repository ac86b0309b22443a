package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/state"
)

// Expense record fields read by point queries.
const (
	FieldAmount     = "amount"
	FieldStatus     = "status"
	FieldDate       = "date"
	FieldCategoryID = "category_id"

	StatusCompleted = "completed"

	// Uncategorized groups expenses without a category_id.
	Uncategorized = "uncategorized"
)

// CalculateBalanceAtDate returns the sum of completed expense amounts dated
// at or before date, as reconstructed at date.
func (e *Engine) CalculateBalanceAtDate(ctx context.Context, userID string, date time.Time) (decimal.Decimal, error) {
	res, err := e.ReplayToDate(ctx, userID, date)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance at date: %w", err)
	}
	return ExpenseTotal(res.State, date)
}

// SpendByCategoryAtDate groups the balance by category_id.
func (e *Engine) SpendByCategoryAtDate(ctx context.Context, userID string, date time.Time) (map[string]decimal.Decimal, error) {
	res, err := e.ReplayToDate(ctx, userID, date)
	if err != nil {
		return nil, fmt.Errorf("spend by category: %w", err)
	}

	totals := make(map[string]decimal.Decimal)
	err = eachCountedExpense(res.State, date, func(id string, rec ir.Object, amount decimal.Decimal) {
		category, ok := rec.GetString(FieldCategoryID)
		if !ok || category == "" {
			category = Uncategorized
		}
		totals[category] = totals[category].Add(amount)
	})
	if err != nil {
		return nil, fmt.Errorf("spend by category: %w", err)
	}
	return totals, nil
}

// ExpenseTotal folds a state into the completed-expense total as of asOf.
//
// An expense counts when its status is "completed" (or absent) and its
// date is at or before asOf (or absent). Amounts are integers or decimal
// strings.
func ExpenseTotal(s state.State, asOf time.Time) (decimal.Decimal, error) {
	total := decimal.Zero
	err := eachCountedExpense(s, asOf, func(_ string, _ ir.Object, amount decimal.Decimal) {
		total = total.Add(amount)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

func eachCountedExpense(s state.State, asOf time.Time, fn func(id string, rec ir.Object, amount decimal.Decimal)) error {
	for id, rec := range s.Records(ir.ResourceExpense) {
		if status, ok := rec.GetString(FieldStatus); ok && status != StatusCompleted {
			continue
		}
		if raw, ok := rec.GetString(FieldDate); ok {
			date, err := ir.ParseRecordDate(raw)
			if err != nil {
				return fmt.Errorf("expense %s: %w", id, err)
			}
			if date.After(asOf) {
				continue
			}
		}
		amount, err := parseAmount(rec[FieldAmount])
		if err != nil {
			return fmt.Errorf("expense %s: %w", id, err)
		}
		fn(id, rec, amount)
	}
	return nil
}

func parseAmount(v ir.Value) (decimal.Decimal, error) {
	switch amount := v.(type) {
	case nil, ir.Null:
		return decimal.Zero, nil
	case ir.Int:
		return decimal.NewFromInt(int64(amount)), nil
	case ir.String:
		d, err := decimal.NewFromString(string(amount))
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid amount %q: %w", string(amount), err)
		}
		return d, nil
	}
	return decimal.Zero, fmt.Errorf("amount must be an integer or decimal string, got %T", v)
}
