package parser

type TokenType int

const (
	// Special tokens
	ILLEGAL TokenType = iota
	EOF

	// Literals
	IDENT  // service names, metric names, filter keys
	NUMBER // floating point numerics
	STRING // string literals

	// Keywords
	SCENARIO
	IF
	ELSE
	FOR
	IN
	NODE
	PARTITION
	FROM
	LINK
	DELAY
	LOSS
	CRASH
	RESTART
	BANDWIDTH
	DURATION
	JITTER

	// Operators
	ASSIGN // =
	EQ     // ==
	NOT_EQ // !=
	LT     // <
	GT     // >
	LTE    // <=
	GTE    // >=

	// Delimiters
	LPAREN  // (
	RPAREN  // )
	LBRACE  // {
	RBRACE  // }
	ARROW   // ->
	DOTDOT  // ..
	PERCENT // %
)

type Token struct {
	Type     TokenType
	Literal  string
	Position int
	Line     int
	Column   int
}

var keywords = map[string]TokenType{
	"scenario":  SCENARIO,
	"if":        IF,
	"else":      ELSE,
	"for":       FOR,
	"in":        IN,
	"node":      NODE,
	"partition": PARTITION,
	"from":      FROM,
	"link":      LINK,
	"delay":     DELAY,
	"loss":      LOSS,
	"crash":     CRASH,
	"restart":   RESTART,
	"bandwidth": BANDWIDTH,
	"duration":  DURATION,
	"jitter":    JITTER,
}

type Lexer struct {
	input        string
	position     int  // current position in input (points to current char)
	readPosition int  // current reading position in input (after current char)
	ch           byte // current char under examination
	line         int
	column       int
}

func NewLexer(input string) *Lexer {
	l := &Lexer{
		input:  input,
		line:   1,
		column: 0,
	}
	l.readChar()
	return l
}

func (l *Lexer) readChar() {
	if l.readPosition >= len(l.input) {
		l.ch = 0
	} else {
		l.ch = l.input[l.readPosition]
	}
	l.position = l.readPosition
	l.readPosition++
	if l.ch == '\n' {
		l.line++
		l.column = 0
	} else {
		l.column++
	}
}

func (l *Lexer) peekChar() byte {
	if l.readPosition >= len(l.input) {
		return 0
	}
	return l.input[l.readPosition]
}

func (l *Lexer) NextToken() Token {
	var tok Token

	l.skipWhitespaceAndComments()

	tok.Position = l.position
	tok.Line = l.line
	tok.Column = l.column

	switch l.ch {
	case '=':
		if l.peekChar() == '=' {
			ch := l.ch
			l.readChar()
			tok = Token{Type: EQ, Literal: string(ch) + string(l.ch), Position: l.position - 1, Line: l.line, Column: l.column - 1}
		} else {
			tok = newToken(ASSIGN, l.ch, l.position, l.line, l.column)
		}
	case '!':
		if l.peekChar() == '=' {
			ch := l.ch
			l.readChar()
			tok = Token{Type: NOT_EQ, Literal: string(ch) + string(l.ch), Position: l.position - 1, Line: l.line, Column: l.column - 1}
		} else {
			tok = newToken(ILLEGAL, l.ch, l.position, l.line, l.column)
		}
	case '<':
		if l.peekChar() == '=' {
			ch := l.ch
			l.readChar()
			tok = Token{Type: LTE, Literal: string(ch) + string(l.ch), Position: l.position - 1, Line: l.line, Column: l.column - 1}
		} else {
			tok = newToken(LT, l.ch, l.position, l.line, l.column)
		}
	case '>':
		if l.peekChar() == '=' {
			ch := l.ch
			l.readChar()
			tok = Token{Type: GTE, Literal: string(ch) + string(l.ch), Position: l.position - 1, Line: l.line, Column: l.column - 1}
		} else {
			tok = newToken(GT, l.ch, l.position, l.line, l.column)
		}
	case '-':
		if l.peekChar() == '>' {
			ch := l.ch
			l.readChar()
			tok = Token{Type: ARROW, Literal: string(ch) + string(l.ch), Position: l.position - 1, Line: l.line, Column: l.column - 1}
		} else {
			tok = newToken(ILLEGAL, l.ch, l.position, l.line, l.column)
		}
	case '.':
		if l.peekChar() == '.' {
			ch := l.ch
			l.readChar()
			tok = Token{Type: DOTDOT, Literal: string(ch) + string(l.ch), Position: l.position - 1, Line: l.line, Column: l.column - 1}
		} else {
			tok = newToken(ILLEGAL, l.ch, l.position, l.line, l.column)
		}
	case '%':
		tok = newToken(PERCENT, l.ch, l.position, l.line, l.column)
	case '(':
		tok = newToken(LPAREN, l.ch, l.position, l.line, l.column)
	case ')':
		tok = newToken(RPAREN, l.ch, l.position, l.line, l.column)
	case '{':
		tok = newToken(LBRACE, l.ch, l.position, l.line, l.column)
	case '}':
		tok = newToken(RBRACE, l.ch, l.position, l.line, l.column)
	case '"':
		tok.Type = STRING
		tok.Literal = l.readString()
		tok.Position = l.position
		tok.Line = l.line
		tok.Column = l.column
	case 0:
		tok.Literal = ""
		tok.Type = EOF
	default:
		if isLetter(l.ch) {
			tok.Literal = l.readIdentifier()
			tok.Type = lookupIdent(tok.Literal)
			return tok
		} else if isDigit(l.ch) {
			tok.Type = NUMBER
			tok.Literal = l.readNumber()
			return tok
		}
		tok = newToken(ILLEGAL, l.ch, l.position, l.line, l.column)
	}

	l.readChar()
	return tok
}

func newToken(tokenType TokenType, ch byte, position, line, column int) Token {
	return Token{
		Type:     tokenType,
		Literal:  string(ch),
		Position: position,
		Line:     line,
		Column:   column,
	}
}

// readIdentifier consumes [a-zA-Z_][a-zA-Z0-9_-]*. A '-' is only part of
// the identifier when followed by another identifier character, so that
// "api->db" lexes as IDENT ARROW IDENT.
func (l *Lexer) readIdentifier() string {
	position := l.position
	for {
		if isLetter(l.ch) || isDigit(l.ch) {
			l.readChar()
			continue
		}
		if l.ch == '-' && (isLetter(l.peekChar()) || isDigit(l.peekChar())) {
			l.readChar()
			continue
		}
		break
	}
	return l.input[position:l.position]
}

// readNumber consumes \d+(\.\d+)?. The fractional dot is only consumed
// when followed by a digit, so "1..3" lexes as NUMBER DOTDOT NUMBER.
func (l *Lexer) readNumber() string {
	position := l.position
	for isDigit(l.ch) {
		l.readChar()
	}
	if l.ch == '.' && isDigit(l.peekChar()) {
		l.readChar()
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	return l.input[position:l.position]
}

func (l *Lexer) readString() string {
	position := l.position + 1
	for {
		l.readChar()
		if l.ch == '"' || l.ch == 0 {
			break
		}
	}
	return l.input[position:l.position]
}

func (l *Lexer) skipWhitespaceAndComments() {
	for {
		for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' {
			l.readChar()
		}
		if l.ch == '/' && l.peekChar() == '/' {
			for l.ch != '\n' && l.ch != 0 {
				l.readChar()
			}
			continue
		}
		return
	}
}

func isLetter(ch byte) bool {
	return 'a' <= ch && ch <= 'z' || 'A' <= ch && ch <= 'Z' || ch == '_'
}

func isDigit(ch byte) bool {
	return '0' <= ch && ch <= '9'
}

func lookupIdent(ident string) TokenType {
	if tok, ok := keywords[ident]; ok {
		return tok
	}
	return IDENT
}

func (t TokenType) String() string {
	switch t {
	case ILLEGAL:
		return "ILLEGAL"
	case EOF:
		return "EOF"
	case IDENT:
		return "IDENT"
	case NUMBER:
		return "NUMBER"
	case STRING:
		return "STRING"
	case SCENARIO:
		return "scenario"
	case IF:
		return "if"
	case ELSE:
		return "else"
	case FOR:
		return "for"
	case IN:
		return "in"
	case NODE:
		return "node"
	case PARTITION:
		return "partition"
	case FROM:
		return "from"
	case LINK:
		return "link"
	case DELAY:
		return "delay"
	case LOSS:
		return "loss"
	case CRASH:
		return "crash"
	case RESTART:
		return "restart"
	case BANDWIDTH:
		return "bandwidth"
	case DURATION:
		return "duration"
	case JITTER:
		return "jitter"
	case ASSIGN:
		return "="
	case EQ:
		return "=="
	case NOT_EQ:
		return "!="
	case LT:
		return "<"
	case GT:
		return ">"
	case LTE:
		return "<="
	case GTE:
		return ">="
	case LPAREN:
		return "("
	case RPAREN:
		return ")"
	case LBRACE:
		return "{"
	case RBRACE:
		return "}"
	case ARROW:
		return "->"
	case DOTDOT:
		return ".."
	case PERCENT:
		return "%"
	default:
		return "UNKNOWN"
	}
}
