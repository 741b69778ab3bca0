// Package engine evaluates concepts and constraints against the graph
// and assembles analysis reports.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rmax-ai/graphlord/pkg/cypher"
	"github.com/rmax-ai/graphlord/pkg/graph"
	"github.com/rmax-ai/graphlord/pkg/rules"
	"github.com/rmax-ai/graphlord/pkg/scan"
	"github.com/rmax-ai/graphlord/pkg/store"
)

// ErrRequirementFailed marks a rule skipped because a concept it
// requires could not be applied.
var ErrRequirementFailed = errors.New("required concept failed")

// Analyzer evaluates rules against one graph. Rules and writing queries
// run one at a time, each rule in its own transaction. Concepts applied
// as requirements are remembered until new facts are ingested or the
// rules change.
type Analyzer struct {
	graph     *graph.Store
	exec      *cypher.Executor
	stmts     *cypher.Cache
	rules     atomic.Pointer[rules.Registry]
	sink      store.Sink
	logger    *slog.Logger
	threshold rules.Severity

	mu      sync.Mutex
	applied map[string]bool
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithGraph evaluates rules against g instead of a new empty store. The
// analyzer registers its transaction metrics on g.
func WithGraph(g *graph.Store) Option {
	return func(a *Analyzer) { a.graph = g }
}

// WithSink publishes every analysis run to s.
func WithSink(s store.Sink) Option {
	return func(a *Analyzer) { a.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) { a.logger = l }
}

// WithThreshold sets the severity from which failures fail a report.
// The default is major.
func WithThreshold(s rules.Severity) Option {
	return func(a *Analyzer) { a.threshold = s }
}

// New creates an analyzer for the rules in reg. A nil registry is empty.
func New(reg *rules.Registry, opts ...Option) (*Analyzer, error) {
	a := &Analyzer{
		logger:    slog.Default(),
		threshold: rules.SeverityMajor,
		applied:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "engine")
	if a.graph == nil {
		a.graph = graph.NewStore(graph.WithLogger(a.logger), graph.WithObserver(ObserveTx))
	} else {
		a.graph.Observe(ObserveTx)
	}
	if reg == nil {
		var err error
		if reg, err = rules.NewRegistry(); err != nil {
			return nil, err
		}
	}
	cache, err := cypher.NewCache(cypher.DefaultCacheSize)
	if err != nil {
		return nil, err
	}
	a.stmts = cache
	a.exec = cypher.NewExecutor(a.logger)
	a.rules.Store(reg)
	return a, nil
}

// Graph returns the graph the analyzer works on.
func (a *Analyzer) Graph() *graph.Store { return a.graph }

// Rules returns the current rule registry.
func (a *Analyzer) Rules() *rules.Registry { return a.rules.Load() }

// Threshold returns the report severity threshold.
func (a *Analyzer) Threshold() rules.Severity { return a.threshold }

// SetRules replaces the registry. Concepts are applied again on their
// next use.
func (a *Analyzer) SetRules(reg *rules.Registry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rules.Store(reg)
	clear(a.applied)
}

// Ingest adds scanned facts to the graph in one transaction.
func (a *Analyzer) Ingest(ctx context.Context, facts []scan.Fact) (scan.Stats, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var st scan.Stats
	err := a.graph.Update(ctx, func(tx *graph.Tx) error {
		var err error
		_, st, err = scan.Apply(ctx, tx, facts)
		return err
	})
	if err != nil {
		return scan.Stats{}, err
	}
	clear(a.applied)
	a.logger.Info("facts_ingested", "nodes", st.Nodes, "relationships", st.Relationships)
	return st, nil
}

// Query runs a statement in its own transaction, committing its writes.
func (a *Analyzer) Query(ctx context.Context, text string, params map[string]any) (*cypher.Result, error) {
	stmt, err := a.stmts.Parse(text)
	if err != nil {
		return nil, err
	}
	run := a.graph.View
	if !stmt.ReadOnly {
		a.mu.Lock()
		defer a.mu.Unlock()
		run = a.graph.Update
	}
	var res *cypher.Result
	err = run(ctx, func(tx *graph.Tx) error {
		var err error
		res, err = a.exec.Execute(ctx, tx, stmt, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// QueryTx runs a statement inside a caller-owned transaction.
func (a *Analyzer) QueryTx(ctx context.Context, tx *graph.Tx, text string, params map[string]any) (*cypher.Result, error) {
	stmt, err := a.stmts.Parse(text)
	if err != nil {
		return nil, err
	}
	return a.exec.Execute(ctx, tx, stmt, params)
}

// ApplyConcept applies the concept id after the concepts it requires.
func (a *Analyzer) ApplyConcept(ctx context.Context, id string) (*Result, error) {
	return a.single(ctx, id, rules.KindConcept)
}

// ValidateConstraint validates the constraint id after applying the
// concepts it requires. A constraint with violations is not an error: the
// result has status FAILURE and one row per violation.
func (a *Analyzer) ValidateConstraint(ctx context.Context, id string) (*Result, error) {
	return a.single(ctx, id, rules.KindConstraint)
}

func (a *Analyzer) single(ctx context.Context, id string, kind rules.Kind) (*Result, error) {
	reg := a.Rules()
	r, ok := reg.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	if r.Kind != kind {
		return nil, fmt.Errorf("%w: %s is a %s", ErrWrongKind, id, r.Kind)
	}
	chain, err := reg.Resolve(id)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, req := range chain[:len(chain)-1] {
		if a.applied[req.ID] {
			continue
		}
		if res := a.evaluate(ctx, req); res.Err != nil {
			return nil, &EvaluationError{Rule: id, Err: fmt.Errorf("%w: %w", ErrRequirementFailed, res.Err)}
		}
	}
	res := a.evaluate(ctx, r)
	if res.Err != nil {
		return nil, res.Err
	}
	return res, nil
}

// Analyze evaluates the given rules, or all rules when ids is empty,
// together with their requirements. Every rule is evaluated at most once
// per call. Evaluation errors are recorded in the report; only unknown
// rules and cancellation fail the call.
func (a *Analyzer) Analyze(ctx context.Context, ids ...string) (*Report, error) {
	reg := a.Rules()
	if len(ids) == 0 {
		for _, r := range reg.List() {
			ids = append(ids, r.ID)
		}
	}
	var chains [][]*rules.Rule
	for _, id := range ids {
		chain, err := reg.Resolve(id)
		if err != nil {
			return nil, err
		}
		chains = append(chains, chain)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	start := time.Now()
	report := &Report{RunID: uuid.NewString(), StartedAt: start.UTC(), Threshold: a.threshold}
	done := make(map[string]*Result)
	for _, chain := range chains {
		for _, r := range chain {
			if _, ok := done[r.ID]; ok {
				continue
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			var res *Result
			if failed := failedRequirement(r, done); failed != "" {
				res = a.skipped(r, fmt.Errorf("%w: %s", ErrRequirementFailed, failed))
			} else {
				res = a.evaluate(ctx, r)
			}
			done[r.ID] = res
			report.Results = append(report.Results, res)
		}
	}
	report.Duration = time.Since(start)

	a.logger.Info("analysis_finished",
		"run_id", report.RunID,
		"rules", len(report.Results),
		"failures", len(report.Failures()),
		"passed", report.Passed(),
		"duration_ms", report.Duration.Milliseconds(),
	)
	a.publish(ctx, report)
	return report, nil
}

func (a *Analyzer) publish(ctx context.Context, report *Report) {
	if a.sink == nil {
		return
	}
	if err := a.sink.SaveRun(ctx, report.Record()); err != nil {
		a.logger.Error("run_save_failed", "run_id", report.RunID, "error", err)
	}
}

func failedRequirement(r *rules.Rule, done map[string]*Result) string {
	for _, req := range r.Requires {
		if res, ok := done[req]; ok && res.Err != nil {
			return req
		}
	}
	return ""
}

func (a *Analyzer) skipped(r *rules.Rule, err error) *Result {
	res := newResult(r)
	a.advance(res, StatusFailure)
	res.Err = &EvaluationError{Rule: r.ID, Err: err}
	return res
}

func (a *Analyzer) advance(res *Result, next Status) {
	if err := res.advance(next); err != nil {
		a.logger.Error("illegal_status_transition", "rule", res.RuleID, "error", err)
	}
}

// evaluate runs one rule in its own transaction. Callers hold a.mu.
func (a *Analyzer) evaluate(ctx context.Context, r *rules.Rule) *Result {
	res := newResult(r)
	a.advance(res, StatusRunning)

	run := a.graph.Update
	if r.Statement.ReadOnly {
		run = a.graph.View
	}
	start := time.Now()
	var out *cypher.Result
	err := run(ctx, func(tx *graph.Tx) error {
		var err error
		out, err = a.exec.Execute(ctx, tx, r.Statement, nil)
		return err
	})
	res.Duration = time.Since(start)

	final := StatusSuccess
	switch {
	case err != nil:
		res.Err = &EvaluationError{Rule: r.ID, Err: err}
		final = StatusFailure
	case r.Kind == rules.KindConstraint && out.Len() > 0:
		final = StatusFailure
	}
	if out != nil {
		res.Result = out
	}
	a.advance(res, final)

	if r.Kind == rules.KindConcept && err == nil {
		a.applied[r.ID] = true
	}
	if r.Kind == rules.KindConstraint && err == nil {
		ConstraintViolations.WithLabelValues(r.ID).Set(float64(out.Len()))
	}
	RuleEvaluations.WithLabelValues(string(r.Kind), string(res.Status)).Inc()
	RuleEvaluationSeconds.WithLabelValues(string(r.Kind)).Observe(res.Duration.Seconds())

	logger := a.logger.With("rule", r.ID, "kind", r.Kind)
	switch {
	case err != nil:
		logger.Error("rule_evaluation_failed", "error", err)
	case res.Status == StatusFailure:
		logger.Warn("constraint_violated", "severity", r.Severity.String(), "violations", out.Len())
	default:
		logger.Debug("rule_evaluated",
			"status", res.Status,
			"rows", res.Len(),
			"nodes_created", res.Stats.NodesCreated,
			"relationships_created", res.Stats.RelationshipsCreated,
			"duration_ms", res.Duration.Milliseconds(),
		)
	}
	return res
}
