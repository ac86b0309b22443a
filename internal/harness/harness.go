package harness

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/replay"
	"github.com/roach88/rewind/internal/schema"
	"github.com/roach88/rewind/internal/snapshot"
	"github.com/roach88/rewind/internal/state"
	"github.com/roach88/rewind/internal/store"
	"github.com/roach88/rewind/internal/testutil"
)

// Harness is the test execution engine.
// It runs scenarios against a real store with deterministic clock and ids.
type Harness struct {
	user      string
	store     *store.Store
	writer    *snapshot.Writer
	engine    *replay.Engine
	validator *schema.Validator
	source    *corruptingSource
	snapshots []string
	seq       int64
	logger    *slog.Logger
}

// Option configures a scenario run.
type Option func(*runOptions)

type runOptions struct {
	logger *slog.Logger
}

// WithLogger routes store, writer and engine logs to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *runOptions) { o.logger = logger }
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Deterministic helpers ensure reproducible traces.
//
// Execution flow:
// 1. Create fresh in-memory database
// 2. Execute setup steps (record, snapshot, corrupt)
// 3. Execute flow steps with expect validation
// 4. Evaluate assertions
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	o := runOptions{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()
	st.SetIDGenerator(testutil.NewSequentialIDs("delta"))

	codec, err := snapshot.NewCodec(scenario.Compression)
	if err != nil {
		return nil, fmt.Errorf("snapshot codec: %w", err)
	}
	policy, err := state.ParseUpdatePolicy(scenario.UpdatePolicy)
	if err != nil {
		return nil, err
	}
	validator, err := schema.New()
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}

	clock := testutil.NewDeterministicClock()
	source := &corruptingSource{inner: st, corrupt: make(map[string]bool)}

	h := &Harness{
		user:  scenario.User,
		store: st,
		writer: snapshot.NewWriter(st, st, codec,
			snapshot.WithIDGenerator(testutil.NewSequentialIDs("snap")),
			snapshot.WithClock(clock.Next),
			snapshot.WithLogger(o.logger),
		),
		engine: replay.New(st, source, codec,
			replay.Config{UpdatePolicy: policy},
			replay.WithLogger(o.logger),
		),
		validator: validator,
		source:    source,
		logger:    o.logger,
	}

	ctx := context.Background()
	result := NewResult()

	if err := h.executeSetup(ctx, scenario.Setup, result); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}
	h.executeFlow(ctx, scenario.Flow, result)

	actx := &AssertionContext{Store: st, User: scenario.User, Ctx: ctx}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}
	return result, nil
}

func (h *Harness) nextSeq() int64 {
	h.seq++
	return h.seq
}

// executeSetup runs all setup steps. Setup steps must succeed.
func (h *Harness) executeSetup(ctx context.Context, setup []SetupStep, result *Result) error {
	for i, step := range setup {
		args, out, err := h.executeSetupStep(ctx, step)
		if err != nil {
			return fmt.Errorf("setup step %d (%s): %w", i, step.Action, err)
		}
		result.AddTrace("setup", step.Action, args, CaseOK, out, h.nextSeq())

		h.logger.Debug("setup step completed",
			"step", i,
			"action", step.Action,
		)
	}
	return nil
}

func (h *Harness) executeSetupStep(ctx context.Context, step SetupStep) (map[string]any, map[string]any, error) {
	switch step.Action {
	case ActionRecord:
		return h.record(ctx, step)

	case ActionSnapshot:
		at, err := parseInstant(step.At)
		if err != nil {
			return nil, nil, err
		}
		snap, err := h.writer.CreateSnapshotAt(ctx, h.user, at)
		if err != nil {
			return nil, nil, err
		}
		h.snapshots = append(h.snapshots, snap.ID)
		args := map[string]any{"at": ir.FormatTime(at)}
		out := map[string]any{
			"snapshot_id":       snap.ID,
			"snapshot_date":     ir.FormatTime(snap.SnapshotDate),
			"checksum":          snap.Checksum,
			"compression":       snap.Compression,
			"transaction_count": snap.TransactionCount,
		}
		return args, out, nil

	case ActionCorrupt:
		id := h.snapshots[step.Snapshot-1]
		h.source.markCorrupt(id)
		return map[string]any{"snapshot": step.Snapshot}, map[string]any{"snapshot_id": id}, nil
	}
	return nil, nil, fmt.Errorf("unknown action %q", step.Action)
}

func (h *Harness) record(ctx context.Context, step SetupStep) (map[string]any, map[string]any, error) {
	at, err := parseInstant(step.At)
	if err != nil {
		return nil, nil, err
	}
	rt, err := ir.ParseResourceType(step.Type)
	if err != nil {
		return nil, nil, err
	}
	op, err := ir.ParseOperation(step.Op)
	if err != nil {
		return nil, nil, err
	}

	var after ir.Object
	if step.After != nil {
		v, err := ir.FromAny(step.After)
		if err != nil {
			return nil, nil, fmt.Errorf("after: %w", err)
		}
		after = v.(ir.Object)
	}

	d := ir.StateDelta{
		UserID:       h.user,
		ResourceType: rt,
		ResourceID:   step.ID,
		Operation:    op,
		AfterState:   after,
		TriggeredBy:  "harness",
		CreatedAt:    at,
	}
	if err := h.validator.ValidateDelta(d); err != nil {
		return nil, nil, err
	}

	stored, _, err := h.store.ApplyMutation(ctx, d)
	if err != nil {
		return nil, nil, err
	}

	args := map[string]any{
		"at":   ir.FormatTime(at),
		"type": string(rt),
		"id":   step.ID,
		"op":   string(op),
	}
	if step.After != nil {
		args["after"] = step.After
	}
	out := map[string]any{
		"delta_id":       stored.ID,
		"seq":            int(stored.Seq),
		"changed_fields": stringList(stored.ChangedFields),
	}
	return args, out, nil
}

// executeFlow runs all flow steps and validates expect clauses.
// Flow failures are recorded in the result, never returned.
func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) {
	for i, step := range flow {
		args, outcome, out, err := h.executeFlowStep(ctx, step)
		result.AddTrace("flow", step.Invoke, args, outcome, out, h.nextSeq())

		expected := &ExpectClause{Case: CaseOK}
		if step.Expect != nil {
			expected = step.Expect
		}

		if outcome != expected.Case {
			msg := fmt.Sprintf("flow step %d (%s): expected case %q, got %q", i, step.Invoke, expected.Case, outcome)
			if err != nil {
				msg += ": " + err.Error()
			}
			result.AddError(msg)
			continue
		}
		if mismatch := matchSubset(out, expected.Result); mismatch != "" {
			result.AddError(fmt.Sprintf("flow step %d (%s): %s", i, step.Invoke, mismatch))
		}

		h.logger.Debug("flow step completed",
			"step", i,
			"invoke", step.Invoke,
			"case", outcome,
		)
	}
}

func (h *Harness) executeFlowStep(ctx context.Context, step FlowStep) (map[string]any, string, map[string]any, error) {
	switch step.Invoke {
	case InvokeReplay:
		at, _ := parseInstant(step.At)
		args := map[string]any{"at": ir.FormatTime(at)}
		res, err := h.engine.ReplayToDate(ctx, h.user, at)
		if err != nil {
			return args, classify(err), nil, err
		}
		out, err := replayResult(res)
		if err != nil {
			return args, CaseError, nil, err
		}
		return args, CaseOK, out, nil

	case InvokeBalance:
		at, _ := parseInstant(step.At)
		args := map[string]any{"at": ir.FormatTime(at)}
		balance, err := h.engine.CalculateBalanceAtDate(ctx, h.user, at)
		if err != nil {
			return args, classify(err), nil, err
		}
		return args, CaseOK, map[string]any{"balance": balance.String()}, nil

	case InvokeTrace:
		args := map[string]any{"resource": step.Resource}
		trace, found, err := h.engine.TraceTransaction(ctx, h.user, step.Resource)
		if err != nil {
			return args, classify(err), nil, err
		}
		if !found {
			return args, CaseNotFound, map[string]any{"found": false}, nil
		}
		return args, CaseOK, traceResult(trace), nil

	case InvokeDiff:
		from, _ := parseInstant(step.From)
		to, _ := parseInstant(step.To)
		args := map[string]any{"from": ir.FormatTime(from), "to": ir.FormatTime(to)}
		diff, err := h.engine.DiffBetween(ctx, h.user, from, to)
		if err != nil {
			return args, classify(err), nil, err
		}
		return args, CaseOK, diffResult(diff), nil
	}
	return nil, CaseError, nil, fmt.Errorf("unknown invoke %q", step.Invoke)
}

// classify maps an engine error onto a scenario case.
func classify(err error) string {
	switch {
	case replay.IsIntegrityError(err):
		return CaseIntegrityError
	case replay.IsDecodeError(err):
		return CaseDecodeError
	case replay.IsTimeout(err):
		return CaseTimeout
	case replay.IsUpdateOnMissing(err):
		return CaseUpdateOnMissing
	}
	return CaseError
}

func replayResult(res replay.Result) (map[string]any, error) {
	balance, err := replay.ExpenseTotal(res.State, res.Metadata.Target)
	if err != nil {
		return nil, err
	}

	counts := map[string]any{}
	for rt, n := range res.Metadata.ResourceCounts {
		counts[string(rt)] = n
	}
	warnings := make([]any, 0, len(res.Metadata.Warnings))
	for _, w := range res.Metadata.Warnings {
		warnings = append(warnings, w.Code)
	}

	out := map[string]any{
		"balance":         balance.String(),
		"counts":          counts,
		"deltas_applied":  res.Metadata.DeltasApplied,
		"skipped_updates": res.Metadata.SkippedUpdates,
		"skipped_deletes": res.Metadata.SkippedDeletes,
		"warnings":        warnings,
		"base":            "empty",
	}
	if res.Metadata.Snapshot != nil {
		out["base"] = "snapshot"
		out["snapshot_id"] = res.Metadata.Snapshot.ID
	}
	return out, nil
}

func traceResult(trace replay.Trace) map[string]any {
	ops := make([]any, 0, len(trace.Lifecycle))
	for _, entry := range trace.Lifecycle {
		ops = append(ops, string(entry.Operation))
	}
	out := map[string]any{
		"found":         true,
		"resource_type": string(trace.ResourceType),
		"operations":    ops,
		"total_changes": trace.TotalChanges,
		"deleted":       trace.Deleted,
		"created":       ir.FormatTime(trace.Created),
		"last_modified": ir.FormatTime(trace.LastModified),
	}
	if trace.Current != nil {
		out["current"] = ir.ToAny(trace.Current)
	}
	return out
}

func diffResult(diff replay.Diff) map[string]any {
	added, removed, modified := []any{}, []any{}, []any{}
	for _, c := range diff.Changes {
		ref := string(c.ResourceType) + "/" + c.ResourceID
		switch c.Kind {
		case replay.ChangeAdded:
			added = append(added, ref)
		case replay.ChangeRemoved:
			removed = append(removed, ref)
		case replay.ChangeModified:
			modified = append(modified, ref)
		}
	}
	return map[string]any{"added": added, "removed": removed, "modified": modified}
}

func stringList(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// corruptingSource flips a byte in selected snapshot blobs as they are
// read, simulating storage corruption without touching immutable rows.
type corruptingSource struct {
	inner replay.SnapshotSource

	mu      sync.Mutex
	corrupt map[string]bool
}

func (c *corruptingSource) markCorrupt(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.corrupt[id] = true
}

func (c *corruptingSource) LatestSnapshotAtOrBefore(ctx context.Context, userID string, at time.Time) (ir.Snapshot, bool, error) {
	snap, found, err := c.inner.LatestSnapshotAtOrBefore(ctx, userID, at)
	if err != nil || !found {
		return snap, found, err
	}

	c.mu.Lock()
	flip := c.corrupt[snap.ID]
	c.mu.Unlock()

	if flip && len(snap.CompressedState) > 0 {
		blob := bytes.Clone(snap.CompressedState)
		blob[len(blob)/2] ^= 0xFF
		snap.CompressedState = blob
	}
	return snap, true, nil
}

// sortedKeys returns map keys in order, for deterministic messages.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
