package query

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultDecimalPattern    = `^[+-]?\d+\.\d+$`
	defaultScientificPattern = `^[+-]?\d+(?:\.\d+)?[eE][+-]?\d+$`
)

var (
	richTextRe      = regexp.MustCompile(`^\$RT(\d+)\$$`)
	groupRe         = regexp.MustCompile(`^\$G(\d+)\$$`)
	funcCallRe      = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\$G(\d+)\$$`)
	fieldRe         = regexp.MustCompile(`^(?:([A-Za-z_][A-Za-z0-9_]*)\.)?([A-Za-z_][A-Za-z0-9_]*)(?:\[(\d+)\])?$`)
	uuidRe          = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	intRe           = regexp.MustCompile(`^[+-]?\d+$`)
	decimalRe       = regexp.MustCompile(defaultDecimalPattern)
	scientificRe    = regexp.MustCompile(defaultScientificPattern)
	asAliasRe       = regexp.MustCompile(`(?i)^(.*?)\s+AS\s+([A-Za-z_][A-Za-z0-9_]*)$`)
	descRe          = regexp.MustCompile(`(?i)^(.*?)\s+DESC$`)
	ascRe           = regexp.MustCompile(`(?i)^(.*?)\s+ASC$`)
	leadingNotRe    = regexp.MustCompile(`(?i)^NOT\s+(.+)$`)
	comparisonOpRe  = regexp.MustCompile(`(?i)(!=|<>|>=|<=|\bNOT\s+IN\b|\bIN\b|\bLIKE\b|=|>|<)`)
	clauseKeywordRe = regexp.MustCompile(`(?i)\b(SELECT|FROM|INNER\s+JOIN|LEFT\s+JOIN|RIGHT\s+JOIN|JOIN|WHERE|GROUP\s+BY|ORDER\s+BY|START|LIMIT)\b`)
	joinOnRe        = regexp.MustCompile(`(?i)^(.+?)\s+ON\s+(.+)$`)
	orSplitRe       = regexp.MustCompile(`(?i)\s+OR\s+`)
	andSplitRe      = regexp.MustCompile(`(?i)\s+AND\s+`)
)

// parser holds the token tables produced by one top-level preprocessing
// pass (rich-text literals and parenthesis groups) and a shared "?"
// counter; both a top-level query and any subqueries nested in it resolve
// tokens against the same tables, since group extraction is recursive and
// an inner group's stored text may itself reference a token from the same
// table.
type parser struct {
	richText  []string
	groups    []string
	nextParam *int
	cfg       Config

	decimalRe    *regexp.Regexp
	scientificRe *regexp.Regexp
}

// Parse compiles a single SELECT statement into a Query AST using the
// default configuration.
func Parse(text string) (*Query, error) {
	return ParseWithConfig(text, DefaultConfig())
}

// ParseWithConfig compiles text the same way Parse does, but honors cfg's
// date format, decimal/scientific number patterns and default ORDER BY
// direction.
func ParseWithConfig(text string, cfg Config) (*Query, error) {
	flat, richText, groups := preprocess(text)
	p := &parser{
		richText:     richText,
		groups:       groups,
		nextParam:    new(int),
		cfg:          cfg,
		decimalRe:    compileOrDefault(cfg.QueryDecimalFormat, decimalRe),
		scientificRe: compileOrDefault(cfg.QueryScientificFormat, scientificRe),
	}
	return p.parseQueryFlat(flat)
}

// compileOrDefault compiles pattern, falling back to def when pattern is
// empty or fails to compile (a malformed Config field degrades to default
// behavior rather than making every query unparseable).
func compileOrDefault(pattern string, def *regexp.Regexp) *regexp.Regexp {
	if pattern == "" {
		return def
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return def
	}
	return re
}

// preprocess replaces every single-quoted literal with a $RTn$ token and
// every parenthesized group with a $Gn$ token, innermost groups first, so
// every later parsing step works against a single flat, paren-free string.
func preprocess(raw string) (string, []string, []string) {
	noQuotes, richText := extractRichText(raw)
	flat, groups := extractGroups(noQuotes)
	return flat, richText, groups
}

func extractRichText(s string) (string, []string) {
	var out strings.Builder
	var tokens []string
	i := 0
	for i < len(s) {
		if s[i] != '\'' {
			out.WriteByte(s[i])
			i++
			continue
		}
		var sb strings.Builder
		j := i + 1
		for j < len(s) {
			if s[j] == '\\' && j+1 < len(s) && s[j+1] == '\'' {
				sb.WriteByte('\'')
				j += 2
				continue
			}
			if s[j] == '\'' {
				break
			}
			sb.WriteByte(s[j])
			j++
		}
		idx := len(tokens)
		tokens = append(tokens, sb.String())
		out.WriteString("$RT" + strconv.Itoa(idx) + "$")
		i = j + 1
	}
	return out.String(), tokens
}

// extractGroups replaces each "(...)" span with a $Gn$ token, always
// picking the innermost unresolved pair first so a group's stored content
// only ever contains already-tokenized nested groups, never raw parens.
func extractGroups(s string) (string, []string) {
	var groups []string
	for {
		close := strings.IndexByte(s, ')')
		if close < 0 {
			break
		}
		open := strings.LastIndexByte(s[:close], '(')
		if open < 0 {
			break
		}
		idx := len(groups)
		groups = append(groups, s[open+1:close])
		s = s[:open] + "$G" + strconv.Itoa(idx) + "$" + s[close+1:]
	}
	return s, groups
}

type clause struct {
	keyword string
	content string
}

// splitClauses locates every clause keyword in s and slices the text
// between consecutive keywords into a clause list, in source order.
func splitClauses(s string) ([]clause, error) {
	matches := clauseKeywordRe.FindAllStringIndex(s, -1)
	if len(matches) == 0 {
		return nil, newParseError(s, "no SELECT/FROM clause found")
	}
	clauses := make([]clause, 0, len(matches))
	for i, m := range matches {
		kw := strings.ToUpper(strings.Join(strings.Fields(s[m[0]:m[1]]), " "))
		end := len(s)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		clauses = append(clauses, clause{keyword: kw, content: strings.TrimSpace(s[m[1]:end])})
	}
	return clauses, nil
}

func (p *parser) parseQueryFlat(flat string) (*Query, error) {
	flat = strings.TrimSpace(flat)
	clauses, err := splitClauses(flat)
	if err != nil {
		return nil, err
	}
	if clauses[0].keyword != "SELECT" {
		return nil, newParseError(flat, "query must start with SELECT")
	}

	q := &Query{Limit: -1}
	haveFrom := false
	whereText := ""

	for _, c := range clauses {
		switch c.keyword {
		case "SELECT":
			if err := p.parseSelectList(q, c.content); err != nil {
				return nil, err
			}
		case "FROM":
			q.Resource, q.Alias = splitResourceAlias(c.content)
			haveFrom = true
		case "INNER JOIN", "LEFT JOIN", "RIGHT JOIN", "JOIN":
			j, err := p.parseJoin(c.keyword, c.content)
			if err != nil {
				return nil, err
			}
			q.Joins = append(q.Joins, *j)
		case "WHERE":
			whereText = c.content
		case "GROUP BY":
			groups, err := p.parseOperandList(c.content)
			if err != nil {
				return nil, err
			}
			q.Groups = groups
		case "ORDER BY":
			orders, err := p.parseOrderList(c.content)
			if err != nil {
				return nil, err
			}
			q.Orders = orders
		case "START":
			n, err := strconv.Atoi(strings.TrimSpace(c.content))
			if err != nil {
				return nil, newParseError(c.content, "START expects an integer")
			}
			q.Start = n
		case "LIMIT":
			n, err := strconv.Atoi(strings.TrimSpace(c.content))
			if err != nil {
				return nil, newParseError(c.content, "LIMIT expects an integer")
			}
			q.Limit = n
		}
	}

	if !haveFrom {
		return nil, newParseError(flat, "query has no FROM clause")
	}

	pred, err := p.parsePredicate(whereText)
	if err != nil {
		return nil, err
	}
	q.Predicate = pred

	return q, nil
}

func splitResourceAlias(content string) (resource, alias string) {
	fields := strings.Fields(strings.TrimSpace(content))
	if len(fields) == 0 {
		return "", ""
	}
	if len(fields) == 1 {
		return fields[0], ""
	}
	return fields[0], fields[1]
}

func splitTopLevelComma(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func (p *parser) parseSelectList(q *Query, content string) error {
	for _, item := range splitTopLevelComma(content) {
		if item == "" {
			continue
		}
		if item == "*" {
			q.ReturnAll = true
			continue
		}
		expr, alias := item, ""
		if m := asAliasRe.FindStringSubmatch(item); m != nil {
			expr, alias = strings.TrimSpace(m[1]), m[2]
		}
		op, err := p.parseOperand(expr)
		if err != nil {
			return err
		}
		q.Returns = append(q.Returns, ReturnItem{Expr: op, Alias: alias})
	}
	return nil
}

func (p *parser) parseOperandList(content string) ([]Operand, error) {
	parts := splitTopLevelComma(content)
	out := make([]Operand, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		op, err := p.parseOperand(part)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}

func (p *parser) parseOrderList(content string) ([]OrderItem, error) {
	parts := splitTopLevelComma(content)
	out := make([]OrderItem, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		desc := p.cfg.QueryDefaultDescOrder
		if m := descRe.FindStringSubmatch(part); m != nil {
			part, desc = strings.TrimSpace(m[1]), true
		} else if m := ascRe.FindStringSubmatch(part); m != nil {
			part, desc = strings.TrimSpace(m[1]), false
		}
		op, err := p.parseOperand(part)
		if err != nil {
			return nil, err
		}
		out = append(out, OrderItem{Expr: op, Desc: desc})
	}
	return out, nil
}

func (p *parser) parseJoin(keyword, content string) (*Join, error) {
	m := joinOnRe.FindStringSubmatch(strings.TrimSpace(content))
	if m == nil {
		return nil, newParseError(content, "join clause missing ON condition")
	}
	resource, alias := splitResourceAlias(m[1])

	condParts := andSplitRe.Split(strings.TrimSpace(m[2]), -1)
	leftOp, rightOp, err := p.parseEquality(condParts[0])
	if err != nil {
		return nil, err
	}
	leftField, ok := leftOp.(QueryField)
	if !ok {
		return nil, newParseError(condParts[0], "join ON left side must be a field")
	}
	rightField, ok := rightOp.(QueryField)
	if !ok {
		return nil, newParseError(condParts[0], "join ON right side must be a field")
	}

	var extra PredicateCollection = BooleanEvaluator{Value: true}
	if len(condParts) > 1 {
		extra, err = p.parsePredicate(strings.Join(condParts[1:], " AND "))
		if err != nil {
			return nil, err
		}
	}

	return &Join{
		Resource:   resource,
		Alias:      alias,
		Type:       joinTypeFor(keyword),
		LeftField:  leftField,
		RightField: rightField,
		Extra:      extra,
	}, nil
}

func joinTypeFor(keyword string) JoinType {
	switch keyword {
	case "INNER JOIN":
		return JoinInner
	case "LEFT JOIN":
		return JoinLeft
	case "RIGHT JOIN":
		return JoinRight
	default:
		return JoinPlain
	}
}

func (p *parser) parseEquality(s string) (Operand, Operand, error) {
	idx := strings.IndexByte(s, '=')
	if idx < 0 {
		return nil, nil, newParseError(s, "join condition expects an equality")
	}
	left, err := p.parseOperand(s[:idx])
	if err != nil {
		return nil, nil, err
	}
	right, err := p.parseOperand(s[idx+1:])
	if err != nil {
		return nil, nil, err
	}
	return left, right, nil
}

// parsePredicate splits on OR first (lowest precedence), then AND within
// each OR branch; a fragment that is nothing but a bare group token is a
// parenthesized sub-predicate and is re-parsed recursively rather than
// mistaken for an operand.
func (p *parser) parsePredicate(s string) (PredicateCollection, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return BooleanEvaluator{Value: true}, nil
	}
	if m := groupRe.FindStringSubmatch(s); m != nil {
		idx, _ := strconv.Atoi(m[1])
		return p.parsePredicate(p.groups[idx])
	}

	if orParts := orSplitRe.Split(s, -1); len(orParts) > 1 {
		items := make([]PredicateCollection, 0, len(orParts))
		for _, part := range orParts {
			pred, err := p.parsePredicate(part)
			if err != nil {
				return nil, err
			}
			items = append(items, pred)
		}
		return Or{Items: items}, nil
	}

	if andParts := andSplitRe.Split(s, -1); len(andParts) > 1 {
		items := make([]PredicateCollection, 0, len(andParts))
		for _, part := range andParts {
			pred, err := p.parsePredicate(part)
			if err != nil {
				return nil, err
			}
			items = append(items, pred)
		}
		return And{Items: items}, nil
	}

	return p.parseComparison(s)
}

func (p *parser) parseComparison(s string) (PredicateCollection, error) {
	s = strings.TrimSpace(s)
	loc := comparisonOpRe.FindStringIndex(s)
	if loc == nil {
		return nil, newParseError(s, "expected a comparison")
	}
	opText := strings.ToUpper(strings.Join(strings.Fields(s[loc[0]:loc[1]]), " "))
	leftText := strings.TrimSpace(s[:loc[0]])
	rightText := strings.TrimSpace(s[loc[1]:])

	negate := false
	if m := leadingNotRe.FindStringSubmatch(leftText); m != nil {
		leftText, negate = strings.TrimSpace(m[1]), true
	}

	op, err := operatorFor(opText)
	if err != nil {
		return nil, err
	}
	left, err := p.parseOperand(leftText)
	if err != nil {
		return nil, err
	}
	right, err := p.parseOperand(rightText)
	if err != nil {
		return nil, err
	}
	return FieldEvaluator{Op: op, Left: left, Right: right, Negate: negate}, nil
}

func operatorFor(opText string) (Operator, error) {
	switch opText {
	case "=":
		return OpEquals, nil
	case "!=", "<>":
		return OpDistinct, nil
	case ">":
		return OpGreaterThan, nil
	case ">=":
		return OpGreaterThanOrEqual, nil
	case "<":
		return OpSmallerThan, nil
	case "<=":
		return OpSmallerThanOrEqual, nil
	case "IN":
		return OpIn, nil
	case "NOT IN":
		return OpNotIn, nil
	case "LIKE":
		return OpLike, nil
	default:
		return 0, newParseError(opText, "unknown comparison operator")
	}
}

// parseOperand recognizes one operand in the grammar's fixed priority
// order: "?", NULL/TRUE/FALSE, a rich-text literal, a subquery or literal
// collection group, a UUID, an integer, a decimal, a scientific number, a
// math expression, a function call, else a (possibly qualified, possibly
// indexed) field reference.
func (p *parser) parseOperand(raw string) (Operand, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, newParseError(raw, "empty operand")
	}
	if s == "?" {
		idx := *p.nextParam
		*p.nextParam++
		return ReplaceableValue{Index: idx}, nil
	}
	switch strings.ToUpper(s) {
	case "NULL":
		return Literal{Value: nil}, nil
	case "TRUE":
		return Literal{Value: true}, nil
	case "FALSE":
		return Literal{Value: false}, nil
	}

	if m := richTextRe.FindStringSubmatch(s); m != nil {
		idx, _ := strconv.Atoi(m[1])
		text := p.richText[idx]
		if p.cfg.QueryDateFormat != "" {
			if t, err := time.Parse(p.cfg.QueryDateFormat, text); err == nil {
				return Literal{Value: t}, nil
			}
		}
		return Literal{Value: text}, nil
	}

	if m := groupRe.FindStringSubmatch(s); m != nil {
		idx, _ := strconv.Atoi(m[1])
		content := p.groups[idx]
		if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(content)), "SELECT") {
			sub, err := p.parseQueryFlat(content)
			if err != nil {
				return nil, err
			}
			return SubQuery{Query: sub}, nil
		}
		items, err := p.parseLiteralList(content)
		if err != nil {
			return nil, err
		}
		return Literal{Value: items}, nil
	}

	if uuidRe.MatchString(s) {
		if id, err := uuid.Parse(s); err == nil {
			return Literal{Value: id.String()}, nil
		}
	}

	if intRe.MatchString(s) {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Literal{Value: int(n)}, nil
		}
	}

	if p.decimalRe.MatchString(s) || p.scientificRe.MatchString(s) {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return Literal{Value: f}, nil
		}
	}

	if isMathExpr(s) {
		return p.parseMathExpr(s)
	}

	if m := funcCallRe.FindStringSubmatch(s); m != nil {
		idx, _ := strconv.Atoi(m[2])
		var args []Operand
		for _, part := range splitTopLevelComma(p.groups[idx]) {
			if part == "" {
				continue
			}
			a, err := p.parseOperand(part)
			if err != nil {
				return nil, err
			}
			args = append(args, a)
		}
		return QueryFunction{Name: m[1], Args: args}, nil
	}

	if m := fieldRe.FindStringSubmatch(s); m != nil {
		qf := QueryField{Resource: m[1], Name: m[2]}
		if m[3] != "" {
			idx, _ := strconv.Atoi(m[3])
			qf.Index = &idx
		}
		return qf, nil
	}

	return nil, newParseError(s, "unrecognized operand")
}

func (p *parser) parseLiteralList(content string) ([]any, error) {
	parts := splitTopLevelComma(content)
	out := make([]any, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		op, err := p.parseOperand(part)
		if err != nil {
			return nil, err
		}
		lit, ok := op.(Literal)
		if !ok {
			return nil, newParseError(part, "expected a literal inside a collection")
		}
		out = append(out, lit.Value)
	}
	return out, nil
}

// isMathExpr reports whether s carries a top-level +, -, * or / operator
// (one not at position 0, which would instead be a numeric sign already
// handled by the numeric regexes above).
func isMathExpr(s string) bool {
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '+', '-', '*', '/':
			if (s[i] == '+' || s[i] == '-') && i > 0 && (s[i-1] == 'e' || s[i-1] == 'E') {
				continue
			}
			return true
		}
	}
	return false
}

func (p *parser) parseMathExpr(s string) (Operand, error) {
	tokens := tokenizeMath(s)
	if len(tokens) == 0 || len(tokens)%2 == 0 {
		return nil, newParseError(s, "malformed math expression")
	}
	args := make([]Operand, len(tokens))
	for i, tok := range tokens {
		if i%2 == 1 {
			args[i] = Literal{Value: tok}
			continue
		}
		op, err := p.parseOperand(tok)
		if err != nil {
			return nil, err
		}
		args[i] = op
	}
	return QueryFunction{Name: "mathEval", Args: args}, nil
}

func tokenizeMath(s string) []string {
	var tokens []string
	var cur strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		isOp := c == '+' || c == '-' || c == '*' || c == '/'
		if isOp && cur.Len() > 0 && !((c == '+' || c == '-') && isExponentMarker(cur.String())) {
			tokens = append(tokens, strings.TrimSpace(cur.String()))
			tokens = append(tokens, string(c))
			cur.Reset()
			continue
		}
		cur.WriteByte(c)
	}
	if strings.TrimSpace(cur.String()) != "" {
		tokens = append(tokens, strings.TrimSpace(cur.String()))
	}
	return tokens
}

func isExponentMarker(s string) bool {
	return len(s) > 0 && (s[len(s)-1] == 'e' || s[len(s)-1] == 'E')
}
