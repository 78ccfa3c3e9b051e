package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"alarmeval/internal/types"
)

// Tri is a three-valued truth value.
type Tri int

const (
	Unknown Tri = iota
	False
	True
)

func (t Tri) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "unknown"
	}
}

// RuleTarget is one leaf sub-rule of a composite alarm. It evaluates its
// rule at most once per composite evaluation and remembers the outcome.
type RuleTarget struct {
	Name string
	Rule types.ThresholdRule
	// Doc is the leaf document as stored, reported in causative_rules.
	Doc map[string]any

	evaluator RuleEvaluator
	evaluated bool
	state     types.AlarmState
	trending  types.AlarmState
	stats     []float64
}

// State returns the settled state of the leaf; empty while trending or not
// yet evaluated.
func (t *RuleTarget) State() types.AlarmState { return t.state }

// Evaluated reports whether the leaf's backend has been queried.
func (t *RuleTarget) Evaluated() bool { return t.evaluated }

func (t *RuleTarget) evaluate(ctx context.Context) error {
	if t.evaluated {
		return nil
	}
	res, err := t.evaluator.EvaluateRule(ctx, t.Rule)
	if err != nil {
		return fmt.Errorf("%s: %w", t.Name, err)
	}
	t.state, t.trending, t.stats = res.State, res.Trending, res.Statistics
	t.evaluated = true
	return nil
}

// Node is a boolean expression over rule targets. Eval forces leaf
// evaluation lazily; And stops at the first False child, Or at the first
// True child.
type Node interface {
	Eval(ctx context.Context) (Tri, error)
	String() string
}

// leafNode is true when its target settled on want.
type leafNode struct {
	target *RuleTarget
	want   types.AlarmState
}

func (n *leafNode) Eval(ctx context.Context) (Tri, error) {
	if err := n.target.evaluate(ctx); err != nil {
		return Unknown, err
	}
	switch n.target.state {
	case n.want:
		return True, nil
	case types.AlarmStateOK, types.AlarmStateAlarm:
		return False, nil
	default:
		return Unknown, nil
	}
}

func (n *leafNode) String() string { return n.target.Name }

type andNode struct{ children []Node }

func (n *andNode) Eval(ctx context.Context) (Tri, error) {
	result := True
	for _, c := range n.children {
		v, err := c.Eval(ctx)
		if err != nil {
			return Unknown, err
		}
		if v == False {
			return False, nil
		}
		if v == Unknown {
			result = Unknown
		}
	}
	return result, nil
}

func (n *andNode) String() string { return joinNodes(n.children, " and ") }

type orNode struct{ children []Node }

func (n *orNode) Eval(ctx context.Context) (Tri, error) {
	result := False
	for _, c := range n.children {
		v, err := c.Eval(ctx)
		if err != nil {
			return Unknown, err
		}
		if v == True {
			return True, nil
		}
		if v == Unknown {
			result = Unknown
		}
	}
	return result, nil
}

func (n *orNode) String() string { return joinNodes(n.children, " or ") }

func joinNodes(children []Node, sep string) string {
	parts := make([]string, len(children))
	for i, c := range children {
		parts[i] = c.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

// CompositeRule is a parsed composite rule: the tree whose truth means
// alarm, its De Morgan dual whose truth means ok, and the shared leaves in
// depth-first order.
type CompositeRule struct {
	AlarmTree Node
	OKTree    Node
	Targets   []*RuleTarget

	// byDoc maps the canonical encoding of a leaf document to its target so
	// a sub-rule repeated in the tree is wrapped and queried once.
	byDoc map[string]*RuleTarget
}

// ParseCompositeRule builds both trees of a composite rule document. Leaves
// are named rule1..ruleN in depth-first order and bound to the evaluator
// registered for their "type". Identical leaves share one target.
func ParseCompositeRule(raw json.RawMessage, leaves map[types.RuleType]RuleEvaluator) (*CompositeRule, error) {
	cr := &CompositeRule{byDoc: make(map[string]*RuleTarget)}
	alarmTree, okTree, err := cr.parse(raw, leaves)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidRule, "invalid composite rule", err)
	}
	cr.AlarmTree, cr.OKTree = alarmTree, okTree
	return cr, nil
}

func (cr *CompositeRule) parse(raw json.RawMessage, leaves map[types.RuleType]RuleEvaluator) (Node, Node, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, nil, fmt.Errorf("rule must be an object: %w", err)
	}
	if len(obj) == 1 {
		for key, body := range obj {
			if key != "and" && key != "or" {
				break
			}
			var children []json.RawMessage
			if err := json.Unmarshal(body, &children); err != nil {
				return nil, nil, fmt.Errorf("%q must be a list: %w", key, err)
			}
			if len(children) == 0 {
				return nil, nil, fmt.Errorf("%q must not be empty", key)
			}
			alarms := make([]Node, 0, len(children))
			oks := make([]Node, 0, len(children))
			for _, child := range children {
				a, o, err := cr.parse(child, leaves)
				if err != nil {
					return nil, nil, err
				}
				alarms = append(alarms, a)
				oks = append(oks, o)
			}
			if key == "and" {
				return &andNode{alarms}, &orNode{oks}, nil
			}
			return &orNode{alarms}, &andNode{oks}, nil
		}
	}

	rule, err := types.DecodeThresholdRule(raw)
	if err != nil {
		return nil, nil, err
	}
	ev, ok := leaves[rule.Type]
	if !ok {
		return nil, nil, fmt.Errorf("unsupported sub-rule type %q", rule.Type)
	}
	var doc map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, nil, err
	}
	// Maps encode with sorted keys, so key order and spacing do not matter.
	canonical, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, err
	}
	target, seen := cr.byDoc[string(canonical)]
	if !seen {
		target = &RuleTarget{
			Name:      fmt.Sprintf("rule%d", len(cr.Targets)+1),
			Rule:      rule,
			Doc:       doc,
			evaluator: ev,
		}
		cr.byDoc[string(canonical)] = target
		cr.Targets = append(cr.Targets, target)
	}
	return &leafNode{target, types.AlarmStateAlarm}, &leafNode{target, types.AlarmStateOK}, nil
}

// CompositeEvaluator evaluates nested and/or combinations of threshold
// rules.
type CompositeEvaluator struct {
	*Base
	leaves map[types.RuleType]RuleEvaluator
}

// NewCompositeEvaluator creates a CompositeEvaluator whose leaves are
// evaluated by the given per-type rule evaluators.
func NewCompositeEvaluator(base *Base, leaves map[types.RuleType]RuleEvaluator) *CompositeEvaluator {
	return &CompositeEvaluator{Base: base, leaves: leaves}
}

var compositeDescriptions = map[types.AlarmState]string{
	types.AlarmStateAlarm:            "outside their threshold.",
	types.AlarmStateOK:               "inside their threshold.",
	types.AlarmStateInsufficientData: "state evaluated to unknown.",
}

// Evaluate decides a composite alarm in two passes. The first evaluates
// leaves only as far as short-circuiting needs; if neither tree is true the
// second forces every leaf. Neither tree true after both passes means
// insufficient data.
func (e *CompositeEvaluator) Evaluate(ctx context.Context, alarm *types.Alarm) error {
	if !e.InTimeConstraint(ctx, alarm) {
		return nil
	}
	cr, err := ParseCompositeRule(alarm.Rule, e.leaves)
	if err != nil {
		return err
	}
	e.logger.DebugContext(ctx, "evaluating composite alarm",
		"alarm_id", alarm.AlarmID,
		"composition_form", cr.AlarmTree.String(),
	)

	settled, err := e.decide(ctx, alarm, cr)
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamMetrics,
			fmt.Sprintf("alarm %s left unchanged", alarm.AlarmID), err)
	}
	if !settled {
		for _, t := range cr.Targets {
			if err := t.evaluate(ctx); err != nil {
				return types.NewAppError(types.ErrCodeUpstreamMetrics,
					fmt.Sprintf("alarm %s left unchanged", alarm.AlarmID), err)
			}
		}
		if settled, err = e.decide(ctx, alarm, cr); err != nil {
			return types.NewAppError(types.ErrCodeUpstreamMetrics,
				fmt.Sprintf("alarm %s left unchanged", alarm.AlarmID), err)
		}
	}
	if !settled && alarm.State != types.AlarmStateInsufficientData {
		reason, data := compositeReason(alarm, types.AlarmStateInsufficientData, cr)
		e.Refresh(ctx, alarm, types.AlarmStateInsufficientData, reason, data, false)
	}
	return nil
}

// decide promotes trending leaves and refreshes the alarm if either tree is
// true. While the alarm is unknown a trending leaf adopts its trend; once
// the alarm has a known state the trend is read inverted, so a leaf
// trending to alarm still counts as ok.
func (e *CompositeEvaluator) decide(ctx context.Context, alarm *types.Alarm, cr *CompositeRule) (bool, error) {
	for _, t := range cr.Targets {
		switch {
		case t.trending == "":
		case alarm.State == types.AlarmStateInsufficientData:
			t.state = t.trending
		case t.trending == types.AlarmStateAlarm:
			t.state = types.AlarmStateOK
		case t.trending == types.AlarmStateOK:
			t.state = types.AlarmStateAlarm
		}
	}

	alarmed, err := cr.AlarmTree.Eval(ctx)
	if err != nil {
		return false, err
	}
	if alarmed == True {
		reason, data := compositeReason(alarm, types.AlarmStateAlarm, cr)
		e.Refresh(ctx, alarm, types.AlarmStateAlarm, reason, data, false)
		return true, nil
	}

	ok, err := cr.OKTree.Eval(ctx)
	if err != nil {
		return false, err
	}
	if ok == True {
		reason, data := compositeReason(alarm, types.AlarmStateOK, cr)
		e.Refresh(ctx, alarm, types.AlarmStateOK, reason, data, false)
		return true, nil
	}
	return false, nil
}

func compositeReason(alarm *types.Alarm, state types.AlarmState, cr *CompositeRule) (string, map[string]any) {
	form := cr.AlarmTree.String()
	causes := make(map[string]any)
	var names []string
	for _, t := range cr.Targets {
		if t.state == state {
			causes[t.Name] = t.Doc
			names = append(names, t.Name)
		}
	}
	sort.Strings(names)

	verb := "remaining as"
	if alarm.State != state {
		verb = "transition to"
	}
	reason := fmt.Sprintf("Composite rule alarm with composition form: %s %s %s, due to rules: %s %s",
		form, verb, state, strings.Join(names, ", "), compositeDescriptions[state])
	return reason, map[string]any{
		"type":             "composite",
		"composition_form": form,
		"causative_rules":  causes,
	}
}
