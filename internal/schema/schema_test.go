package schema

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rewind/internal/ir"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New()
	require.NoError(t, err)
	return v
}

func TestValidateAcceptsValidRecords(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		rt  ir.ResourceType
		rec ir.Object
	}{
		{ir.ResourceExpense, ir.NewObject(
			ir.P("amount", ir.Int(400)),
			ir.P("status", ir.String("completed")),
			ir.P("date", ir.String("2024-01-02")),
			ir.P("category_id", ir.Null{}),
		)},
		{ir.ResourceExpense, ir.NewObject(ir.P("amount", ir.String("12.50")))},
		{ir.ResourceExpense, ir.NewObject(
			ir.P("amount", ir.Int(1)),
			ir.P("merchant", ir.String("extra columns are allowed")),
		)},
		{ir.ResourceCategory, ir.NewObject(ir.P("name", ir.String("Food")))},
		{ir.ResourceGoal, ir.NewObject(ir.P("name", ir.String("Trip")), ir.P("target_amount", ir.Int(5000)))},
		{ir.ResourceBudget, ir.NewObject(ir.P("category_id", ir.String("c1")), ir.P("limit", ir.String("300.00")), ir.P("period", ir.String("monthly")))},
		{ir.ResourceVault, ir.NewObject(ir.P("name", ir.String("Rainy day")))},
		{ir.ResourceBill, ir.NewObject(ir.P("name", ir.String("Rent")), ir.P("amount", ir.Int(1200)), ir.P("status", ir.String("due")))},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.rt), func(t *testing.T) {
			assert.NoError(t, v.Validate(tt.rt, tt.rec))
		})
	}
}

func TestValidateRejectsInvalidRecords(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name  string
		rt    ir.ResourceType
		rec   ir.Object
		field string
	}{
		{"missing amount", ir.ResourceExpense, ir.NewObject(ir.P("status", ir.String("completed"))), "amount"},
		{"bad status", ir.ResourceExpense, ir.NewObject(ir.P("amount", ir.Int(1)), ir.P("status", ir.String("lost"))), "status"},
		{"non-numeric amount", ir.ResourceExpense, ir.NewObject(ir.P("amount", ir.String("twelve"))), "amount"},
		{"bad date", ir.ResourceExpense, ir.NewObject(ir.P("amount", ir.Int(1)), ir.P("date", ir.String("yesterday"))), "date"},
		{"date without zone", ir.ResourceExpense, ir.NewObject(ir.P("amount", ir.Int(1)), ir.P("date", ir.String("2024-01-03T10:00:00"))), "date"},
		{"date with trailing text", ir.ResourceExpense, ir.NewObject(ir.P("amount", ir.Int(1)), ir.P("date", ir.String("2024-01-03x"))), "date"},
		{"date out of calendar", ir.ResourceExpense, ir.NewObject(ir.P("amount", ir.Int(1)), ir.P("date", ir.String("2024-02-30"))), "date"},
		{"bad due date", ir.ResourceBill, ir.NewObject(ir.P("name", ir.String("Rent")), ir.P("amount", ir.Int(1)), ir.P("due_date", ir.String("2024-13-01"))), "due_date"},
		{"decomposed field name", ir.ResourceExpense, ir.Object{"amount": ir.Int(1), "cafe\u0301": ir.Int(2)}, "cafe"},
		{"empty name", ir.ResourceCategory, ir.NewObject(ir.P("name", ir.String(""))), "name"},
		{"bad period", ir.ResourceBudget, ir.NewObject(ir.P("category_id", ir.String("c")), ir.P("limit", ir.Int(1)), ir.P("period", ir.String("daily"))), "period"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.rt, tt.rec)
			require.Error(t, err)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %T: %v", err, err)
			assert.Equal(t, tt.rt, verr.ResourceType)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestValidateAcceptsRecordDateForms(t *testing.T) {
	v := newValidator(t)

	for _, date := range []string{
		"2024-01-03",
		"2024-01-03T10:00:00Z",
		"2024-01-03T10:00:00.250Z",
		"2024-01-03T10:00:00+05:30",
	} {
		rec := ir.NewObject(ir.P("amount", ir.Int(1)), ir.P("date", ir.String(date)))
		assert.NoError(t, v.Validate(ir.ResourceExpense, rec), date)
	}
}

func TestValidateUnknownType(t *testing.T) {
	err := newValidator(t).Validate("invoice", ir.NewObject())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown resource type")
}

func TestValidateNilRecord(t *testing.T) {
	err := newValidator(t).Validate(ir.ResourceExpense, nil)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
}

func TestValidateDelta(t *testing.T) {
	v := newValidator(t)

	del := ir.StateDelta{ResourceType: ir.ResourceExpense, ResourceID: "e1", Operation: ir.OpDelete}
	assert.NoError(t, v.ValidateDelta(del))

	bad := ir.StateDelta{
		ResourceType: ir.ResourceExpense,
		ResourceID:   "e1",
		Operation:    ir.OpCreate,
		AfterState:   ir.NewObject(ir.P("status", ir.String("completed"))),
	}
	err := v.ValidateDelta(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CREATE expense/e1")

	decomposed := ir.StateDelta{
		UserID:       "u1",
		ResourceType: ir.ResourceExpense,
		ResourceID:   "cafe\u0301",
		Operation:    ir.OpDelete,
	}
	err = v.ValidateDelta(decomposed)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "got %v", err)
	assert.Equal(t, "resource_id", verr.Field)
}

func TestValidateConcurrent(t *testing.T) {
	v := newValidator(t)
	rec := ir.NewObject(ir.P("amount", ir.Int(1)))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, v.Validate(ir.ResourceExpense, rec))
		}()
	}
	wg.Wait()
}
