package parser

import (
	"fmt"
	"strconv"
	"strings"
)

var timeUnits = map[string]bool{"ms": true, "s": true, "m": true}
var rateUnits = map[string]bool{"kbps": true, "mbps": true, "gbps": true}

// ParseError reports a syntax violation and the token it occurred at.
type ParseError struct {
	Msg    string
	Line   int
	Column int
	Token  Token
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at line %d, column %d: %s", e.Line, e.Column, e.Msg)
}

type Parser struct {
	l *Lexer

	curToken  Token
	peekToken Token

	errors []*ParseError
}

func New(l *Lexer) *Parser {
	p := &Parser{l: l}

	// Read two tokens, so curToken and peekToken are both set
	p.nextToken()
	p.nextToken()

	return p
}

// Parse is a convenience wrapper that parses a full program and returns
// the first syntax error, if any.
func Parse(input string) (*Program, error) {
	p := New(NewLexer(input))
	program := p.ParseProgram()
	if errs := p.Errors(); len(errs) > 0 {
		return nil, errs[0]
	}
	return program, nil
}

func (p *Parser) Errors() []*ParseError {
	return p.errors
}

func (p *Parser) nextToken() {
	p.curToken = p.peekToken
	p.peekToken = p.l.NextToken()
}

func (p *Parser) ParseProgram() *Program {
	program := &Program{}
	program.Statements = []Statement{}

	for !p.curTokenIs(EOF) && !p.failed() {
		stmt := p.parseStatement()
		if stmt != nil {
			program.Statements = append(program.Statements, stmt)
		}
		if p.failed() {
			break
		}
		p.nextToken()
	}

	return program
}

// Every parse method assumes curToken is positioned on the construct's
// first token and leaves it on the construct's last token.
func (p *Parser) parseStatement() Statement {
	switch p.curToken.Type {
	case SCENARIO:
		return p.parseScenario()
	case IF:
		return p.parseIfStatement()
	case FOR:
		return p.parseLoopStatement()
	case NODE, PARTITION, LINK:
		return p.parseChaosStatement()
	default:
		p.errorf("unexpected token %q, expected a statement", p.curToken.Literal)
		return nil
	}
}

func (p *Parser) parseChaosStatement() ChaosStatement {
	switch p.curToken.Type {
	case NODE:
		return p.parseNodeStatement()
	case PARTITION:
		return p.parsePartitionStatement()
	case LINK:
		return p.parseLinkStatement()
	default:
		p.errorf("unexpected token %q, expected node, partition or link", p.curToken.Literal)
		return nil
	}
}

func (p *Parser) parseScenario() Statement {
	stmt := &Scenario{}

	if !p.expectPeek(IDENT) {
		return nil
	}
	stmt.Name = p.curToken.Literal

	if !p.expectPeek(LBRACE) {
		return nil
	}

	p.nextToken()
	for !p.curTokenIs(RBRACE) && !p.curTokenIs(EOF) && !p.failed() {
		chaos := p.parseChaosStatement()
		if chaos != nil {
			stmt.Statements = append(stmt.Statements, chaos)
		}
		if p.failed() {
			return nil
		}
		p.nextToken()
	}
	if !p.curTokenIs(RBRACE) {
		p.errorf("unexpected end of input inside scenario %q", stmt.Name)
		return nil
	}

	return stmt
}

func (p *Parser) parseIfStatement() Statement {
	stmt := &IfStatement{}

	if !p.expectPeek(LPAREN) {
		return nil
	}

	cond, ok := p.parseCondition()
	if !ok {
		return nil
	}
	stmt.Condition = cond

	if !p.expectPeek(RPAREN) {
		return nil
	}
	if !p.expectPeek(LBRACE) {
		return nil
	}
	stmt.Then = p.parseBlock()
	if p.failed() {
		return nil
	}

	if p.peekTokenIs(ELSE) {
		p.nextToken()
		if !p.expectPeek(LBRACE) {
			return nil
		}
		stmt.Else = p.parseBlock()
		if stmt.Else == nil {
			stmt.Else = []Statement{}
		}
		if p.failed() {
			return nil
		}
	}

	return stmt
}

func (p *Parser) parseCondition() (Condition, bool) {
	var cond Condition

	if !p.expectPeek(IDENT) {
		return cond, false
	}
	cond.Metric = p.curToken.Literal

	p.nextToken()
	switch p.curToken.Type {
	case GT, LT, GTE, LTE, EQ, NOT_EQ:
		cond.Operator = p.curToken.Literal
	default:
		p.errorf("expected comparison operator, got %q", p.curToken.Literal)
		return cond, false
	}

	p.nextToken()
	switch p.curToken.Type {
	case NUMBER:
		value, err := strconv.ParseFloat(p.curToken.Literal, 64)
		if err != nil {
			p.errorf("could not parse %q as number", p.curToken.Literal)
			return cond, false
		}
		cond.Number = value
	case STRING:
		cond.Text = p.curToken.Literal
		cond.IsText = true
	default:
		p.errorf("expected number or string literal, got %q", p.curToken.Literal)
		return cond, false
	}

	return cond, true
}

func (p *Parser) parseLoopStatement() Statement {
	stmt := &LoopStatement{}

	if !p.expectPeek(LPAREN) {
		return nil
	}
	if !p.expectPeek(IDENT) {
		return nil
	}
	stmt.Variable = p.curToken.Literal

	if !p.expectPeek(IN) {
		return nil
	}

	start, ok := p.parseIntegerBound()
	if !ok {
		return nil
	}
	stmt.Start = start

	if !p.expectPeek(DOTDOT) {
		return nil
	}

	end, ok := p.parseIntegerBound()
	if !ok {
		return nil
	}
	stmt.End = end

	if !p.expectPeek(RPAREN) {
		return nil
	}
	if !p.expectPeek(LBRACE) {
		return nil
	}
	stmt.Body = p.parseBlock()
	if p.failed() {
		return nil
	}

	return stmt
}

// Loop bounds are integer literals resolved at parse time, not expressions.
func (p *Parser) parseIntegerBound() (int, bool) {
	if !p.expectPeek(NUMBER) {
		return 0, false
	}
	if strings.Contains(p.curToken.Literal, ".") {
		p.errorf("loop bound %q must be an integer", p.curToken.Literal)
		return 0, false
	}
	n, err := strconv.Atoi(p.curToken.Literal)
	if err != nil {
		p.errorf("could not parse %q as integer", p.curToken.Literal)
		return 0, false
	}
	return n, true
}

func (p *Parser) parseBlock() []Statement {
	stmts := []Statement{}

	p.nextToken()
	for !p.curTokenIs(RBRACE) && !p.curTokenIs(EOF) && !p.failed() {
		stmt := p.parseStatement()
		if stmt != nil {
			stmts = append(stmts, stmt)
		}
		if p.failed() {
			return nil
		}
		p.nextToken()
	}
	if !p.curTokenIs(RBRACE) {
		p.errorf("unexpected end of input, expected %q", "}")
		return nil
	}

	return stmts
}

func (p *Parser) parseNodeStatement() ChaosStatement {
	stmt := &NodeStatement{}

	if !p.expectPeek(IDENT) {
		return nil
	}
	stmt.Service = p.curToken.Literal

	if !p.expectPeek(LBRACE) {
		return nil
	}

	p.nextToken()
	for !p.curTokenIs(RBRACE) && !p.curTokenIs(EOF) && !p.failed() {
		action := p.parseNodeAction()
		if action != nil {
			stmt.Actions = append(stmt.Actions, action)
		}
		if p.failed() {
			return nil
		}
		p.nextToken()
	}
	if !p.curTokenIs(RBRACE) {
		p.errorf("unexpected end of input inside node block for %q", stmt.Service)
		return nil
	}
	if len(stmt.Actions) == 0 {
		p.errorf("node block for %q requires at least one action", stmt.Service)
		return nil
	}

	return stmt
}

func (p *Parser) parseNodeAction() NodeAction {
	switch p.curToken.Type {
	case DELAY:
		return p.parseDelayAction()
	case LOSS:
		loss := p.parseLossAction()
		if loss == nil {
			return nil
		}
		return loss
	case CRASH:
		return &CrashAction{}
	case RESTART:
		return &RestartAction{}
	default:
		p.errorf("unexpected token %q, expected delay, loss, crash or restart", p.curToken.Literal)
		return nil
	}
}

func (p *Parser) parseDelayAction() *DelayAction {
	action := &DelayAction{}

	d, ok := p.parseDuration()
	if !ok {
		return nil
	}
	action.Duration = *d

	if p.peekTokenIs(JITTER) {
		p.nextToken()
		j, ok := p.parseDuration()
		if !ok {
			return nil
		}
		action.Jitter = j
	}

	return action
}

func (p *Parser) parseLossAction() *LossAction {
	action := &LossAction{}

	if !p.expectPeek(NUMBER) {
		return nil
	}
	pct, err := strconv.ParseFloat(p.curToken.Literal, 64)
	if err != nil {
		p.errorf("could not parse %q as number", p.curToken.Literal)
		return nil
	}
	if pct > 100 {
		p.errorf("loss percentage %g exceeds 100", pct)
		return nil
	}
	action.Percentage = pct

	if !p.expectPeek(PERCENT) {
		return nil
	}

	return action
}

func (p *Parser) parsePartitionStatement() ChaosStatement {
	stmt := &PartitionStatement{}

	from, ok := p.parseFilter()
	if !ok {
		return nil
	}
	stmt.From = from

	if !p.expectPeek(FROM) {
		return nil
	}

	to, ok := p.parseFilter()
	if !ok {
		return nil
	}
	stmt.To = to

	if p.peekTokenIs(DURATION) {
		p.nextToken()
		d, ok := p.parseDuration()
		if !ok {
			return nil
		}
		stmt.Duration = d
	}

	return stmt
}

func (p *Parser) parseFilter() (Filter, bool) {
	var filter Filter

	for p.peekTokenIs(IDENT) {
		p.nextToken()
		pair := KeyValuePair{Key: p.curToken.Literal}
		if !p.expectPeek(ASSIGN) {
			return filter, false
		}
		if !p.expectPeek(IDENT) {
			return filter, false
		}
		pair.Value = p.curToken.Literal
		filter.Pairs = append(filter.Pairs, pair)
	}

	if len(filter.Pairs) == 0 {
		p.errorf("expected at least one key=value label pair, got %q", p.peekToken.Literal)
		return filter, false
	}

	return filter, true
}

func (p *Parser) parseLinkStatement() ChaosStatement {
	stmt := &LinkStatement{}

	if !p.expectPeek(IDENT) {
		return nil
	}
	stmt.From = p.curToken.Literal

	if !p.expectPeek(ARROW) {
		return nil
	}
	if !p.expectPeek(IDENT) {
		return nil
	}
	stmt.To = p.curToken.Literal

	if !p.expectPeek(LBRACE) {
		return nil
	}

	p.nextToken()
	for !p.curTokenIs(RBRACE) && !p.curTokenIs(EOF) && !p.failed() {
		action := p.parseLinkAction()
		if action != nil {
			stmt.Actions = append(stmt.Actions, action)
		}
		if p.failed() {
			return nil
		}
		p.nextToken()
	}
	if !p.curTokenIs(RBRACE) {
		p.errorf("unexpected end of input inside link block %s -> %s", stmt.From, stmt.To)
		return nil
	}
	if len(stmt.Actions) == 0 {
		p.errorf("link block %s -> %s requires at least one action", stmt.From, stmt.To)
		return nil
	}

	return stmt
}

func (p *Parser) parseLinkAction() LinkAction {
	var action LinkAction

	switch p.curToken.Type {
	case DELAY:
		delay := p.parseDelayAction()
		if delay == nil {
			return nil
		}
		action = delay
	case LOSS:
		loss := p.parseLossAction()
		if loss == nil {
			return nil
		}
		action = loss
	case BANDWIDTH:
		bw := p.parseBandwidthAction()
		if bw == nil {
			return nil
		}
		action = bw
	default:
		p.errorf("unexpected token %q, expected delay, loss or bandwidth", p.curToken.Literal)
		return nil
	}

	// Trailing duration modifier bounds how long the rule stays applied.
	if p.peekTokenIs(DURATION) {
		p.nextToken()
		window, ok := p.parseDuration()
		if !ok {
			return nil
		}
		switch a := action.(type) {
		case *DelayAction:
			a.Window = window
		case *LossAction:
			a.Window = window
		case *BandwidthAction:
			a.Window = window
		}
	}

	return action
}

func (p *Parser) parseBandwidthAction() *BandwidthAction {
	action := &BandwidthAction{}

	if !p.expectPeek(NUMBER) {
		return nil
	}
	value, err := strconv.ParseFloat(p.curToken.Literal, 64)
	if err != nil {
		p.errorf("could not parse %q as number", p.curToken.Literal)
		return nil
	}

	p.nextToken()
	if !p.curTokenIs(IDENT) || !rateUnits[p.curToken.Literal] {
		p.errorf("unknown rate unit %q, expected kbps, mbps or gbps", p.curToken.Literal)
		return nil
	}

	action.Rate = Rate{Value: value, Unit: p.curToken.Literal}
	return action
}

func (p *Parser) parseDuration() (*Duration, bool) {
	if !p.expectPeek(NUMBER) {
		return nil, false
	}
	value, err := strconv.ParseFloat(p.curToken.Literal, 64)
	if err != nil {
		p.errorf("could not parse %q as number", p.curToken.Literal)
		return nil, false
	}

	p.nextToken()
	if !p.curTokenIs(IDENT) || !timeUnits[p.curToken.Literal] {
		p.errorf("unknown time unit %q, expected ms, s or m", p.curToken.Literal)
		return nil, false
	}

	return &Duration{Value: value, Unit: p.curToken.Literal}, true
}

func (p *Parser) curTokenIs(t TokenType) bool {
	return p.curToken.Type == t
}

func (p *Parser) peekTokenIs(t TokenType) bool {
	return p.peekToken.Type == t
}

func (p *Parser) expectPeek(t TokenType) bool {
	if p.peekTokenIs(t) {
		p.nextToken()
		return true
	}
	p.peekError(t)
	return false
}

func (p *Parser) peekError(t TokenType) {
	p.errors = append(p.errors, &ParseError{
		Msg:    fmt.Sprintf("expected next token to be %s, got %s instead", t, p.peekToken.Type),
		Line:   p.peekToken.Line,
		Column: p.peekToken.Column,
		Token:  p.peekToken,
	})
}

func (p *Parser) errorf(format string, args ...interface{}) {
	p.errors = append(p.errors, &ParseError{
		Msg:    fmt.Sprintf(format, args...),
		Line:   p.curToken.Line,
		Column: p.curToken.Column,
		Token:  p.curToken,
	})
}

func (p *Parser) failed() bool {
	return len(p.errors) > 0
}
