package records

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// FilterOp is a comparison operator from the query string.
type FilterOp string

const (
	OpEq    FilterOp = "$eq"
	OpNe    FilterOp = "$ne"
	OpLt    FilterOp = "$lt"
	OpLe    FilterOp = "$le"
	OpGt    FilterOp = "$gt"
	OpGe    FilterOp = "$ge"
	OpLike  FilterOp = "$like"
	OpILike FilterOp = "$ilike"
	OpIn    FilterOp = "$in"
	OpNotIn FilterOp = "$nin"
	OpIs    FilterOp = "$is"
)

var filterOps = map[FilterOp]struct{}{
	OpEq: {}, OpNe: {}, OpLt: {}, OpLe: {}, OpGt: {}, OpGe: {},
	OpLike: {}, OpILike: {}, OpIn: {}, OpNotIn: {}, OpIs: {},
}

// Predicate is a parsed filter tree: a comparison leaf or an $and/$or
// composite.
type Predicate interface {
	isPredicate()
}

// Compare is one column comparison.
type Compare struct {
	Column string
	Op     FilterOp
	Value  string
}

func (Compare) isPredicate() {}

// CompositeOp joins sub-predicates.
type CompositeOp string

const (
	CompositeAnd CompositeOp = "$and"
	CompositeOr  CompositeOp = "$or"
)

// Composite groups predicates under $and/$or.
type Composite struct {
	Op    CompositeOp
	Parts []Predicate
}

func (Composite) isPredicate() {}

// ListRequest is the parsed listing query string.
type ListRequest struct {
	Filter Predicate // nil when unfiltered
	Order  []OrderTerm
	Limit  int
	Cursor string
	Expand []string
	Count  bool
}

// OrderTerm is one `order=` component.
type OrderTerm struct {
	Column     string
	Descending bool
}

const defaultCompositeDepth = 5

// columnChecker validates that a filter may reference a column.
type columnChecker func(name string) error

var bracketPattern = regexp.MustCompile(`^filter((?:\[[^\[\]]+\])+)$`)

// ParseListQuery deserializes the listing query string. Column names are
// whitelisted through checkColumn; names starting with '_' are rejected
// before the whitelist is consulted.
func ParseListQuery(values url.Values, limitCeiling int, checkColumn columnChecker) (*ListRequest, error) {
	req := &ListRequest{Limit: 0}

	node := newGroupNode()
	for key, vals := range values {
		if !strings.HasPrefix(key, "filter[") {
			continue
		}
		matches := bracketPattern.FindStringSubmatch(key)
		if matches == nil {
			return nil, errBadRequest("malformed filter key %q", key)
		}
		path := splitBrackets(matches[1])
		for _, val := range vals {
			if err := node.insert(path, val); err != nil {
				return nil, err
			}
		}
	}

	if !node.empty() {
		pred, err := node.build(CompositeAnd, defaultCompositeDepth, checkColumn)
		if err != nil {
			return nil, err
		}
		req.Filter = pred
	}

	if order := values.Get("order"); order != "" {
		terms, err := parseOrder(order, checkColumn)
		if err != nil {
			return nil, err
		}
		req.Order = terms
	}

	if limit := values.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return nil, errBadRequest("invalid limit %q", limit)
		}
		if n > limitCeiling {
			return nil, errBadRequest("limit %d exceeds ceiling %d", n, limitCeiling)
		}
		req.Limit = n
	}

	req.Cursor = values.Get("cursor")

	if expand := values.Get("expand"); expand != "" {
		req.Expand = strings.Split(expand, ",")
	}

	req.Count = values.Get("count") != "false"

	return req, nil
}

func parseOrder(order string, checkColumn columnChecker) ([]OrderTerm, error) {
	var terms []OrderTerm
	for _, part := range strings.Split(order, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		term := OrderTerm{Column: part}
		switch part[0] {
		case '-':
			term.Descending = true
			term.Column = part[1:]
		case '+':
			term.Column = part[1:]
		}
		if err := checkColumn(term.Column); err != nil {
			return nil, err
		}
		terms = append(terms, term)
	}
	return terms, nil
}

// groupNode is the intermediate tree while decoding bracketed keys.
type groupNode struct {
	// leaf comparisons: column -> op -> value
	leaves map[string]map[FilterOp]string
	// composite children: $and/$or -> index -> child
	groups map[CompositeOp]map[int]*groupNode
}

func newGroupNode() *groupNode {
	return &groupNode{
		leaves: make(map[string]map[FilterOp]string),
		groups: make(map[CompositeOp]map[int]*groupNode),
	}
}

func (n *groupNode) empty() bool {
	return len(n.leaves) == 0 && len(n.groups) == 0
}

func (n *groupNode) insert(path []string, value string) error {
	if len(path) == 0 {
		return errBadRequest("empty filter path")
	}

	head := path[0]
	switch head {
	case string(CompositeAnd), string(CompositeOr):
		if len(path) < 3 {
			return errBadRequest("composite filter %q requires an index and a column", head)
		}
		idx, err := strconv.Atoi(path[1])
		if err != nil || idx < 0 {
			return errBadRequest("composite filter index %q must be a non-negative integer", path[1])
		}
		op := CompositeOp(head)
		if n.groups[op] == nil {
			n.groups[op] = make(map[int]*groupNode)
		}
		child, ok := n.groups[op][idx]
		if !ok {
			child = newGroupNode()
			n.groups[op][idx] = child
		}
		return child.insert(path[2:], value)
	default:
		column := head
		op := OpEq
		if len(path) == 2 {
			op = FilterOp(path[1])
			if _, ok := filterOps[op]; !ok {
				return errBadRequest("unknown filter operator %q", path[1])
			}
		} else if len(path) > 2 {
			return errBadRequest("filter on %q nests too deep", column)
		}
		if n.leaves[column] == nil {
			n.leaves[column] = make(map[FilterOp]string)
		}
		n.leaves[column][op] = value
		return nil
	}
}

func (n *groupNode) build(op CompositeOp, depth int, checkColumn columnChecker) (Predicate, error) {
	if depth <= 0 {
		return nil, errBadRequest("filter nesting too deep")
	}

	var parts []Predicate
	for _, column := range sortedStringKeys(n.leaves) {
		if err := checkColumn(column); err != nil {
			return nil, err
		}
		ops := n.leaves[column]
		for _, fo := range sortedOpKeys(ops) {
			parts = append(parts, Compare{Column: column, Op: fo, Value: ops[fo]})
		}
	}

	for _, childOp := range []CompositeOp{CompositeAnd, CompositeOr} {
		children := n.groups[childOp]
		if len(children) == 0 {
			continue
		}
		var sub []Predicate
		for _, idx := range sortedIntKeys(children) {
			p, err := children[idx].build(CompositeAnd, depth-1, checkColumn)
			if err != nil {
				return nil, err
			}
			sub = append(sub, p)
		}
		parts = append(parts, Composite{Op: childOp, Parts: sub})
	}

	if len(parts) == 1 {
		return parts[0], nil
	}
	return Composite{Op: op, Parts: parts}, nil
}

func splitBrackets(s string) []string {
	var parts []string
	for _, part := range strings.Split(s, "[") {
		part = strings.TrimSuffix(part, "]")
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

func sortedStringKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedOpKeys(m map[FilterOp]string) []FilterOp {
	ops := make([]FilterOp, 0, len(m))
	for k := range m {
		ops = append(ops, k)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}

func sortedIntKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// String renders a predicate for logs and tests.
func (c Compare) String() string {
	return fmt.Sprintf("%s %s %q", c.Column, c.Op, c.Value)
}
