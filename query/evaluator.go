package query

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/hcfw/catalina/collab"
)

// DataSource supplies rows for one named resource, filtered as tightly as
// the source can manage; the evaluator still re-applies every predicate
// itself, so a DataSource that ignores q and returns everything is
// correct, only slower.
type DataSource interface {
	Fetch(resource string, q *Query) ([]any, error)
}

// Evaluator runs a parsed Query against a DataSource, filtering, joining,
// grouping, ordering and projecting rows per spec §4.7.
type Evaluator struct {
	Registry *Registry
	Accessor RowAccessor
	Config   Config
	Logger   collab.Logger
}

// NewEvaluator builds an Evaluator with the default registry, a
// map-then-reflect accessor chain, and the default Config.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		Registry: NewRegistry(),
		Accessor: DefaultAccessor,
		Config:   DefaultConfig(),
		Logger:   collab.NopLogger{},
	}
}

func (ev *Evaluator) logger() collab.Logger {
	if ev.Logger != nil {
		return ev.Logger
	}
	return collab.NopLogger{}
}

type evalContext struct {
	ev       *Evaluator
	ds       DataSource
	params   []any
	resource string // the "current" resource for unqualified field lookups
	cache    *evaluatorCache
}

// evaluatorCache lets a caller mark a (row, predicate) pair as already
// satisfied so evalPredicate doesn't recompute it, per §4.7: "a per-session
// evaluator cache allows callers to mark specific evaluator nodes as
// already satisfied so that pushed-down predicates aren't re-checked (the
// seed side of a join uses this)". A cache is created fresh by Evaluate and
// discarded with it, matching §4.8/§9's "initialization and teardown
// bracket each evaluation".
type evaluatorCache struct {
	satisfied map[evaluatorCacheKey]bool
}

type evaluatorCacheKey struct {
	pred string
	row  uintptr
}

func newEvaluatorCache() *evaluatorCache {
	return &evaluatorCache{satisfied: make(map[evaluatorCacheKey]bool)}
}

// cacheKey builds the lookup key for row/pred, or ok=false when row has no
// stable identity to key on (e.g. a plain struct value rather than a
// map/pointer), in which case the cache is a safe no-op for that row.
func (c *evaluatorCache) cacheKey(row any, pred PredicateCollection) (evaluatorCacheKey, bool) {
	id, ok := rowIdentity(row)
	if !ok {
		return evaluatorCacheKey{}, false
	}
	return evaluatorCacheKey{pred: stringifyPredicate(pred), row: id}, true
}

func (c *evaluatorCache) isSatisfied(row any, pred PredicateCollection) (ok bool, hit bool) {
	key, valid := c.cacheKey(row, pred)
	if !valid {
		return false, false
	}
	ok, hit = c.satisfied[key]
	return ok, hit
}

func (c *evaluatorCache) markSatisfied(row any, pred PredicateCollection, ok bool) {
	key, valid := c.cacheKey(row, pred)
	if !valid {
		return
	}
	c.satisfied[key] = ok
}

// rowIdentity returns a stable pointer-like identity for row, usable as a
// cache key component; the zero value and ok=false for kinds reflect.Value
// can't take a Pointer() of (e.g. struct or scalar values passed by copy).
func rowIdentity(row any) (uintptr, bool) {
	v := reflect.ValueOf(row)
	switch v.Kind() {
	case reflect.Map, reflect.Ptr, reflect.Slice, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return v.Pointer(), true
	default:
		return 0, false
	}
}

// Evaluate executes q against ds with positional parameters bound to any
// ReplaceableValue ("?") operands, returning the final projected rows. A
// fresh evaluatorCache both opens and closes with this single call (§4.7:
// "a per-invocation evaluator cache... initialization and teardown bracket
// each evaluation").
func (ev *Evaluator) Evaluate(ds DataSource, q *Query, params []any) ([]any, error) {
	cacheName := ev.Config.QueryEvaluatorsCacheName
	if cacheName == "" {
		cacheName = "default"
	}
	cache := newEvaluatorCache()
	ev.logger().Debug("evaluator cache open", "name", cacheName)
	ctx := &evalContext{ev: ev, ds: ds, params: params, resource: q.Key(), cache: cache}

	var rows []any
	var err error
	if len(q.Joins) == 0 {
		rows, err = ev.evalSingle(ctx, ds, q)
	} else {
		rows, err = ev.evalJoined(ctx, ds, q)
	}
	if err != nil {
		ev.logger().Debug("evaluator cache teardown", "name", cacheName, "entries", len(cache.satisfied))
		return nil, err
	}

	rows, err = ev.groupOrderProject(ctx, q, rows)
	ev.logger().Debug("evaluator cache teardown", "name", cacheName, "entries", len(cache.satisfied))
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// evalSingle implements §4.7's single-resource path: push a returnAll,
// limit-adjusted rewrite down to the source, then filter/skip/take here.
func (ev *Evaluator) evalSingle(ctx *evalContext, ds DataSource, q *Query) ([]any, error) {
	pushed := *q
	pushed.ReturnAll = true
	if q.Limit >= 0 {
		pushed.Limit = q.Start + q.Limit
	}

	raw, err := ds.Fetch(q.Resource, &pushed)
	if err != nil {
		return nil, newEvalError("fetch resource "+q.Resource, err)
	}

	return ev.filterSkipTake(ctx, raw, q.Predicate, q.Start, q.Limit)
}

func (ev *Evaluator) filterSkipTake(ctx *evalContext, raw []any, pred PredicateCollection, start, limit int) ([]any, error) {
	var out []any
	skipped := 0
	for _, row := range raw {
		if limit >= 0 && len(out) >= limit {
			break
		}
		ok, err := ev.evalPredicate(ctx, row, pred)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if skipped < start {
			skipped++
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

// evalJoined implements a sequential left-to-right join: starting from the
// base resource, each join's neighbour rows are fetched filtered by that
// resource's own predicates, then merged by equi-join key. This is a
// deliberate simplification of §4.7's seed-selection-plus-bidirectional-
// walk optimization (tracked as an Open Question resolution): both reach
// the same result set, this version just doesn't choose the most
// selective resource to start from.
func (ev *Evaluator) evalJoined(ctx *evalContext, ds DataSource, q *Query) ([]any, error) {
	ownPred := predicateFor(q.Predicate, q.Key())
	baseRows, err := ds.Fetch(q.Resource, &Query{Resource: q.Resource, ReturnAll: true, Predicate: ownPred, Limit: -1})
	if err != nil {
		return nil, newEvalError("fetch resource "+q.Resource, err)
	}
	// Seed side of the join: a DataSource is only allowed to try to honor
	// ownPred, so re-verify every fetched row locally. Passing rows are
	// recorded in ctx.cache, so any later evalPredicate call against the
	// identical (row, predicate) pair is a cache hit instead of a recompute.
	baseRows, err = ev.keepSatisfying(ctx, baseRows, ownPred)
	if err != nil {
		return nil, err
	}

	accumulated := make([]any, len(baseRows))
	copy(accumulated, baseRows)
	leftResource := q.Key()

	for _, j := range q.Joins {
		own := predicateFor(q.Predicate, j.Key())
		neighbourRows, err := ds.Fetch(j.Resource, &Query{Resource: j.Resource, ReturnAll: true, Predicate: own, Limit: -1})
		if err != nil {
			return nil, newEvalError("fetch resource "+j.Resource, err)
		}
		neighbourRows, err = ev.keepSatisfying(ctx, neighbourRows, own)
		if err != nil {
			return nil, err
		}

		accumulated, err = ev.applyJoin(ctx, leftResource, accumulated, j, neighbourRows)
		if err != nil {
			return nil, err
		}
		leftResource = j.Key() // only affects how later unqualified fields would resolve; joins always qualify
	}

	return ev.filterSkipTake(ctx, accumulated, remainderPredicate(q.Predicate, q.resources()), q.Start, q.Limit)
}

// keepSatisfying locally re-checks rows against pred (a DataSource is
// allowed to under-filter) and records each row's outcome in ctx.cache so a
// later evalPredicate call against the same (row, pred) pair is a cache hit
// instead of a recompute.
func (ev *Evaluator) keepSatisfying(ctx *evalContext, rows []any, pred PredicateCollection) ([]any, error) {
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		ok, err := ev.evalPredicate(ctx, row, pred)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, row)
		}
	}
	return out, nil
}

// applyJoin indexes neighbourRows by j.RightField and merges matches onto
// each accumulated row's j.LeftField value, honoring INNER/LEFT/RIGHT/JOIN
// outer semantics.
func (ev *Evaluator) applyJoin(ctx *evalContext, leftResource string, left []any, j Join, neighbourRows []any) ([]any, error) {
	index := make(map[any][]int)
	for i, row := range neighbourRows {
		key, err := ev.fieldValue(ctx, row, j.Key(), j.RightField.Name)
		if err != nil {
			return nil, err
		}
		index[key] = append(index[key], i)
	}
	rightMatched := make([]bool, len(neighbourRows))

	var out []any
	for _, lrow := range left {
		key, err := ev.fieldValue(ctx, lrow, leftResource, j.LeftField.Name)
		if err != nil {
			return nil, err
		}
		matches := index[key]

		matchedAny := false
		for _, idx := range matches {
			merged := joinRows(leftResource, lrow, j.Key(), neighbourRows[idx])
			ok, err := ev.evalPredicate(ctx, merged, j.Extra)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			matchedAny = true
			rightMatched[idx] = true
			out = append(out, merged)
		}
		if !matchedAny && j.Type == JoinLeft {
			out = append(out, joinRows(leftResource, lrow, j.Key(), map[string]any(nil)))
		}
	}

	if j.Type == JoinRight {
		for idx, row := range neighbourRows {
			if rightMatched[idx] {
				continue
			}
			out = append(out, joinRows(leftResource, map[string]any(nil), j.Key(), row))
		}
	}

	return out, nil
}

func (ev *Evaluator) fieldValue(ctx *evalContext, row any, resource, name string) (any, error) {
	return ev.evalOperand(ctx, row, QueryField{Resource: resource, Name: name})
}

// predicateFor extracts the sub-tree of pred whose every field reference
// belongs only to resource; And/Or branches not entirely local to
// resource are dropped (they are re-checked by remainderPredicate after
// the join completes).
func predicateFor(pred PredicateCollection, resource string) PredicateCollection {
	if pred == nil {
		return BooleanEvaluator{Value: true}
	}
	if isLocalTo(pred, resource) {
		return pred
	}
	switch p := pred.(type) {
	case And:
		var items []PredicateCollection
		for _, item := range p.Items {
			if isLocalTo(item, resource) {
				items = append(items, item)
			}
		}
		if len(items) == 0 {
			return BooleanEvaluator{Value: true}
		}
		return And{Items: items}
	default:
		return BooleanEvaluator{Value: true}
	}
}

// remainderPredicate is the subset of pred not already pushed down to any
// single resource, applied once as a global post-filter after joining.
func remainderPredicate(pred PredicateCollection, resources []string) PredicateCollection {
	if pred == nil {
		return BooleanEvaluator{Value: true}
	}
	and, ok := pred.(And)
	if !ok {
		for _, r := range resources {
			if isLocalTo(pred, r) {
				return BooleanEvaluator{Value: true}
			}
		}
		return pred
	}
	var items []PredicateCollection
	for _, item := range and.Items {
		local := false
		for _, r := range resources {
			if isLocalTo(item, r) {
				local = true
				break
			}
		}
		if !local {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return BooleanEvaluator{Value: true}
	}
	return And{Items: items}
}

func isLocalTo(pred PredicateCollection, resource string) bool {
	resources := predicateResources(pred)
	if len(resources) == 0 {
		return true
	}
	if len(resources) > 1 {
		return false
	}
	for r := range resources {
		return r == resource
	}
	return false
}

func predicateResources(pred PredicateCollection) map[string]bool {
	out := map[string]bool{}
	var walk func(PredicateCollection)
	walk = func(p PredicateCollection) {
		switch v := p.(type) {
		case And:
			for _, item := range v.Items {
				walk(item)
			}
		case Or:
			for _, item := range v.Items {
				walk(item)
			}
		case FieldEvaluator:
			operandResources(v.Left, out)
			operandResources(v.Right, out)
		}
	}
	walk(pred)
	return out
}

func operandResources(op Operand, out map[string]bool) {
	if qf, ok := op.(QueryField); ok && qf.Resource != "" {
		out[qf.Resource] = true
	}
}

// evalOperand resolves any Operand variant against row.
func (ev *Evaluator) evalOperand(ctx *evalContext, row any, op Operand) (any, error) {
	switch v := op.(type) {
	case Literal:
		return v.Value, nil
	case ReplaceableValue:
		if v.Index < 0 || v.Index >= len(ctx.params) {
			return nil, newEvalError(fmt.Sprintf("replaceable value index %d out of range", v.Index), nil)
		}
		return ctx.params[v.Index], nil
	case QueryField:
		name := v.Name
		var val any
		var ok bool
		if v.Resource != "" {
			val, ok = ev.Accessor.Get(row, v.Resource+"."+name)
		}
		if !ok {
			val, ok = ev.Accessor.Get(row, name)
		}
		if !ok {
			return nil, nil
		}
		if v.Index != nil {
			list, isList := val.([]any)
			if !isList || *v.Index < 0 || *v.Index >= len(list) {
				return nil, nil
			}
			return list[*v.Index], nil
		}
		return val, nil
	case QueryFunction:
		if ev.Registry.IsAggregate(v.Name) {
			return nil, newEvalError("aggregate function "+v.Name+" used outside projection", nil)
		}
		return ev.Registry.Scalar(v.Name, row, v.Args, func(r any, o Operand) (any, error) {
			return ev.evalOperand(ctx, r, o)
		}, ctx.lookup())
	case SubQuery:
		rows, err := ev.Evaluate(ctx.subSource(), v.Query, ctx.params)
		if err != nil {
			return nil, err
		}
		return rows, nil
	default:
		return nil, newEvalError("unsupported operand", nil)
	}
}

// subSource lets a SubQuery operand re-enter Evaluate against the
// DataSource the outer Evaluate call was given, or an empty source when
// the context carries none.
func (ctx *evalContext) subSource() DataSource {
	if ctx.ds != nil {
		return ctx.ds
	}
	return emptyDataSource{}
}

type emptyDataSource struct{}

func (emptyDataSource) Fetch(string, *Query) ([]any, error) { return nil, nil }

// lookup builds the ResourceLookup the reference function family
// dereferences through: fetch the whole target resource and scan for the
// first row whose field matches value, using the evaluator's own accessor
// so both map rows and reflected domain rows work.
func (ctx *evalContext) lookup() ResourceLookup {
	return func(resource, field string, value any) (any, bool, error) {
		rows, err := ctx.subSource().Fetch(resource, &Query{Resource: resource, ReturnAll: true, Limit: -1})
		if err != nil {
			return nil, false, newEvalError("ref() fetch resource "+resource, err)
		}
		for _, row := range rows {
			v, ok := ctx.ev.Accessor.Get(row, field)
			if ok && compareEqual(v, value) {
				return row, true, nil
			}
		}
		return nil, false, nil
	}
}

// evalPredicate evaluates a PredicateCollection against row.
func (ev *Evaluator) evalPredicate(ctx *evalContext, row any, pred PredicateCollection) (bool, error) {
	if ctx.cache != nil {
		if ok, hit := ctx.cache.isSatisfied(row, pred); hit {
			return ok, nil
		}
	}
	ok, err := ev.evalPredicateUncached(ctx, row, pred)
	if err == nil && ctx.cache != nil {
		ctx.cache.markSatisfied(row, pred, ok)
	}
	return ok, err
}

func (ev *Evaluator) evalPredicateUncached(ctx *evalContext, row any, pred PredicateCollection) (bool, error) {
	switch p := pred.(type) {
	case nil:
		return true, nil
	case BooleanEvaluator:
		return p.Value, nil
	case And:
		for _, item := range p.Items {
			ok, err := ev.evalPredicate(ctx, row, item)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case Or:
		for _, item := range p.Items {
			ok, err := ev.evalPredicate(ctx, row, item)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case FieldEvaluator:
		ok, err := ev.evalFieldEvaluator(ctx, row, p)
		if err != nil {
			return false, err
		}
		if p.Negate {
			ok = !ok
		}
		return ok, nil
	default:
		return false, newEvalError("unsupported predicate node", nil)
	}
}

func (ev *Evaluator) evalFieldEvaluator(ctx *evalContext, row any, p FieldEvaluator) (bool, error) {
	left, err := ev.evalOperand(ctx, row, p.Left)
	if err != nil {
		return false, err
	}

	switch p.Op {
	case OpIn, OpNotIn:
		list, err := ev.evalListOperand(ctx, row, p.Right)
		if err != nil {
			return false, err
		}
		found := false
		for _, item := range list {
			if compareEqual(left, item) {
				found = true
				break
			}
		}
		if p.Op == OpNotIn {
			return !found, nil
		}
		return found, nil
	case OpLike:
		right, err := ev.evalOperand(ctx, row, p.Right)
		if err != nil {
			return false, err
		}
		return evalLike(left, right)
	}

	right, err := ev.evalOperand(ctx, row, p.Right)
	if err != nil {
		return false, err
	}

	switch p.Op {
	case OpEquals:
		return compareEqual(left, right), nil
	case OpDistinct:
		return !compareEqual(left, right), nil
	default:
		cmp, ok := compareOrdered(left, right)
		if !ok {
			return false, newEvalError("non-comparable operands in order comparison", nil)
		}
		switch p.Op {
		case OpGreaterThan:
			return cmp > 0, nil
		case OpGreaterThanOrEqual:
			return cmp >= 0, nil
		case OpSmallerThan:
			return cmp < 0, nil
		case OpSmallerThanOrEqual:
			return cmp <= 0, nil
		default:
			return false, newEvalError("unsupported comparison operator", nil)
		}
	}
}

func (ev *Evaluator) evalListOperand(ctx *evalContext, row any, op Operand) ([]any, error) {
	switch v := op.(type) {
	case Literal:
		if list, ok := v.Value.([]any); ok {
			return list, nil
		}
		return []any{v.Value}, nil
	case SubQuery:
		rows, err := ev.evalOperand(ctx, row, v)
		if err != nil {
			return nil, err
		}
		list, _ := rows.([]any)
		out := make([]any, 0, len(list))
		for _, r := range list {
			if len(v.Query.Returns) > 0 {
				val, err := ev.evalOperand(ctx, r, v.Query.Returns[0].Expr)
				if err != nil {
					return nil, err
				}
				out = append(out, val)
				continue
			}
			out = append(out, r)
		}
		return out, nil
	default:
		val, err := ev.evalOperand(ctx, row, op)
		if err != nil {
			return nil, err
		}
		if list, ok := val.([]any); ok {
			return list, nil
		}
		return []any{val}, nil
	}
}

func evalLike(left, right any) (bool, error) {
	ls, ok := left.(string)
	if !ok {
		return false, newEvalError("LIKE against non-string operand", nil)
	}
	if re, ok := right.(interface{ MatchString(string) bool }); ok {
		return re.MatchString(ls), nil
	}
	pattern, ok := right.(string)
	if !ok {
		return false, newEvalError("LIKE against non-string operand", nil)
	}
	ls = strings.ToLower(ls)
	pattern = strings.ToLower(pattern)

	hasPrefix := strings.HasPrefix(pattern, "%")
	hasSuffix := strings.HasSuffix(pattern, "%")
	trimmed := strings.Trim(pattern, "%")

	switch {
	case hasPrefix && hasSuffix:
		return strings.Contains(ls, trimmed), nil
	case hasSuffix:
		return strings.HasPrefix(ls, trimmed), nil
	case hasPrefix:
		return strings.HasSuffix(ls, trimmed), nil
	default:
		return strings.Contains(ls, trimmed), nil
	}
}

func compareEqual(a, b any) bool {
	cmp, ok := compareOrdered(a, b)
	if ok {
		return cmp == 0
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// compareOrdered returns -1/0/1 for comparable operand pairs; nulls sort
// first (§4.7 Ordering: "nulls sort first").
func compareOrdered(a, b any) (int, bool) {
	if a == nil && b == nil {
		return 0, true
	}
	if a == nil {
		return -1, true
	}
	if b == nil {
		return 1, true
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if av == bv {
			return 0, true
		}
		if !av && bv {
			return -1, true
		}
		return 1, true
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		switch {
		case av.Before(bv):
			return -1, true
		case av.After(bv):
			return 1, true
		default:
			return 0, true
		}
	default:
		af, aerr := toFloat(a)
		bf, berr := toFloat(b)
		if aerr != nil || berr != nil {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
}

// groupBucket accumulates every row sharing a GROUP BY key, preserving
// first-seen order across keys.
type groupBucket struct {
	key  string
	rows []any
}

func (ev *Evaluator) groupOrderProject(ctx *evalContext, q *Query, rows []any) ([]any, error) {
	hasAggregate := queryHasAggregate(ev.Registry, q.Returns)

	var buckets []*groupBucket
	if len(q.Groups) > 0 {
		index := map[string]*groupBucket{}
		for _, row := range rows {
			key, err := ev.groupKey(ctx, row, q.Groups)
			if err != nil {
				return nil, err
			}
			b, ok := index[key]
			if !ok {
				b = &groupBucket{key: key}
				index[key] = b
				buckets = append(buckets, b)
			}
			b.rows = append(b.rows, row)
		}
	} else if hasAggregate {
		buckets = []*groupBucket{{rows: rows}}
	} else {
		buckets = make([]*groupBucket, len(rows))
		for i, row := range rows {
			buckets[i] = &groupBucket{rows: []any{row}}
		}
	}

	// Ordering operates on the bucket's representative (first) row.
	if len(q.Orders) > 0 {
		var sortErr error
		sort.SliceStable(buckets, func(i, j int) bool {
			if sortErr != nil {
				return false
			}
			for _, o := range q.Orders {
				vi, err := ev.evalOperand(ctx, buckets[i].rows[0], o.Expr)
				if err != nil {
					sortErr = err
					return false
				}
				vj, err := ev.evalOperand(ctx, buckets[j].rows[0], o.Expr)
				if err != nil {
					sortErr = err
					return false
				}
				cmp, _ := compareOrdered(vi, vj)
				if o.Desc {
					cmp = -cmp
				}
				if cmp != 0 {
					return cmp < 0
				}
			}
			return false
		})
		if sortErr != nil {
			return nil, sortErr
		}
	}

	if q.ReturnAll && !hasAggregate {
		out := make([]any, len(buckets))
		for i, b := range buckets {
			out[i] = b.rows[0]
		}
		return out, nil
	}

	out := make([]any, len(buckets))
	for i, b := range buckets {
		projected, err := ev.project(ctx, q.Returns, b)
		if err != nil {
			return nil, err
		}
		out[i] = projected
	}
	return out, nil
}

func (ev *Evaluator) groupKey(ctx *evalContext, row any, groups []Operand) (string, error) {
	var sb strings.Builder
	for _, g := range groups {
		v, err := ev.evalOperand(ctx, row, g)
		if err != nil {
			return "", err
		}
		sb.WriteString(fmt.Sprintf("\x1f%v", v))
	}
	return sb.String(), nil
}

func (ev *Evaluator) project(ctx *evalContext, returns []ReturnItem, b *groupBucket) (any, error) {
	out := map[string]any{}
	rep := b.rows[0]
	for _, item := range returns {
		name := item.Alias
		if name == "" {
			name = Stringify(item.Expr)
		}
		if fn, ok := item.Expr.(QueryFunction); ok && ev.Registry.IsAggregate(fn.Name) {
			values := make([]any, 0, len(b.rows))
			for _, r := range b.rows {
				var arg Operand = Literal{Value: nil}
				if len(fn.Args) > 0 {
					arg = fn.Args[0]
				}
				v, err := ev.evalOperand(ctx, r, arg)
				if err != nil {
					return nil, err
				}
				values = append(values, v)
			}
			v, err := ev.Registry.Aggregate(fn.Name, values)
			if err != nil {
				return nil, err
			}
			out[name] = v
			continue
		}

		v, err := ev.evalOperand(ctx, rep, item.Expr)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

func queryHasAggregate(r *Registry, returns []ReturnItem) bool {
	for _, item := range returns {
		if fn, ok := item.Expr.(QueryFunction); ok && r.IsAggregate(fn.Name) {
			return true
		}
	}
	return false
}
