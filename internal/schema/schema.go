// Package schema validates resource records against embedded CUE definitions
// before they enter the delta log.
package schema

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/rewind/internal/ir"
)

//go:embed resources.cue
var resourcesCUE string

var definitions = map[ir.ResourceType]string{
	ir.ResourceExpense:  "#Expense",
	ir.ResourceCategory: "#Category",
	ir.ResourceGoal:     "#Goal",
	ir.ResourceBudget:   "#Budget",
	ir.ResourceVault:    "#Vault",
	ir.ResourceBill:     "#Bill",
}

// dateFields lists the #Date fields per type. The pattern bounds their
// shape; calendar checks such as February 30 happen in Go.
var dateFields = map[ir.ResourceType][]string{
	ir.ResourceExpense: {"date"},
	ir.ResourceGoal:    {"deadline"},
	ir.ResourceBill:    {"due_date"},
}

// ValidationError reports a record that does not satisfy its definition.
type ValidationError struct {
	ResourceType ir.ResourceType
	Field        string
	Message      string
	Pos          token.Pos
}

func (e *ValidationError) Error() string {
	field := e.Field
	if field == "" {
		field = string(e.ResourceType)
	}
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), field, e.Message)
	}
	return fmt.Sprintf("%s: %s", field, e.Message)
}

// Validator checks records against the compiled definitions.
// A cue.Context is not safe for concurrent use, so calls are serialized.
type Validator struct {
	mu   sync.Mutex
	ctx  *cue.Context
	defs map[ir.ResourceType]cue.Value
}

// New compiles the embedded definitions.
func New() (*Validator, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(resourcesCUE, cue.Filename("resources.cue"))
	if err := root.Err(); err != nil {
		return nil, formatCUEError("", err)
	}

	defs := make(map[ir.ResourceType]cue.Value, len(definitions))
	for rt, name := range definitions {
		def := root.LookupPath(cue.ParsePath(name))
		if !def.Exists() {
			return nil, fmt.Errorf("schema: definition %s missing", name)
		}
		defs[rt] = def
	}
	return &Validator{ctx: ctx, defs: defs}, nil
}

// Validate checks rec against the definition for rt.
func (v *Validator) Validate(rt ir.ResourceType, rec ir.Object) error {
	def, ok := v.defs[rt]
	if !ok {
		return fmt.Errorf("schema: unknown resource type %q", rt)
	}
	if rec == nil {
		return &ValidationError{ResourceType: rt, Message: "record is required"}
	}
	for _, k := range rec.SortedKeys() {
		if err := ir.CheckText(k); err != nil {
			return &ValidationError{ResourceType: rt, Field: k, Message: "field name " + err.Error()}
		}
		if err := ir.CheckKeys(rec[k]); err != nil {
			return &ValidationError{ResourceType: rt, Field: k, Message: err.Error()}
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	data := v.ctx.Encode(ir.ToAny(rec))
	if err := data.Err(); err != nil {
		return formatCUEError(rt, err)
	}
	if err := def.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(rt, err)
	}

	for _, field := range dateFields[rt] {
		if raw, ok := rec[field].(ir.String); ok {
			if _, err := ir.ParseRecordDate(string(raw)); err != nil {
				return &ValidationError{ResourceType: rt, Field: field, Message: err.Error()}
			}
		}
	}
	return nil
}

// ValidateDelta validates the after image of CREATE and UPDATE deltas.
func (v *Validator) ValidateDelta(d ir.StateDelta) error {
	if err := ir.CheckText(d.UserID); err != nil {
		return &ValidationError{ResourceType: d.ResourceType, Field: "user_id", Message: err.Error()}
	}
	if err := ir.CheckText(d.ResourceID); err != nil {
		return &ValidationError{ResourceType: d.ResourceType, Field: "resource_id", Message: err.Error()}
	}
	if d.Operation == ir.OpDelete {
		return nil
	}
	if err := v.Validate(d.ResourceType, d.AfterState); err != nil {
		return fmt.Errorf("%s %s/%s: %w", d.Operation, d.ResourceType, d.ResourceID, err)
	}
	return nil
}

// formatCUEError keeps the first error with its field path and position.
func formatCUEError(rt ir.ResourceType, err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	verr := &ValidationError{
		ResourceType: rt,
		Field:        strings.Join(first.Path(), "."),
		Message:      first.Error(),
	}
	if positions := errors.Positions(first); len(positions) > 0 {
		verr.Pos = positions[0]
	}
	return verr
}
