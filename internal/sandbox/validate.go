package sandbox

import (
	"fmt"
	"strings"
	"unicode"
)

// maxExpressionBytes bounds submission size before any other work happens.
const maxExpressionBytes = 4096

// deniedSubstrings are screened against the raw source before parsing:
// statement separators and the dynamic-eval primitives. Coarse on purpose;
// the structural pass below handles what substrings cannot.
var deniedSubstrings = []string{
	";", "\n", "\r",
	"import", "eval", "exec", "compile",
	"open", "input", "breakpoint",
	"getattr", "setattr", "delattr",
	"globals", "locals", "vars",
}

// deniedNames are rejected wherever they appear as an identifier or an
// attribute in the parsed expression.
var deniedNames = map[string]struct{}{
	"eval": {}, "exec": {}, "compile": {}, "__import__": {},
	"getattr": {}, "setattr": {}, "delattr": {},
	"globals": {}, "locals": {}, "vars": {},
	"open": {}, "input": {}, "breakpoint": {}, "memoryview": {},
}

// statementKeywords can never occur inside a single expression.
var statementKeywords = map[string]struct{}{
	"def": {}, "class": {}, "return": {}, "yield": {}, "await": {},
	"while": {}, "with": {}, "try": {}, "except": {}, "finally": {},
	"raise": {}, "assert": {}, "del": {}, "pass": {}, "break": {},
	"continue": {}, "global": {}, "nonlocal": {}, "from": {}, "import": {},
}

// expressionKeywords are legal only in the grammatical positions the parser
// consumes them explicitly; anywhere else they are a syntax error the
// sandbox would otherwise surface as an infrastructure failure.
var expressionKeywords = map[string]struct{}{
	"if": {}, "else": {}, "for": {}, "in": {}, "and": {}, "or": {},
	"not": {}, "is": {}, "lambda": {},
}

// ValidateExpression rejects code that must never reach the sandbox. The
// screen runs in two layers: a substring denylist over the raw source, then
// a full parse of the expression grammar that rejects denylisted identifiers
// and dunder-style names or attributes. The second layer is mandatory:
// attribute-access obfuscation gets past substrings but not the parser.
func ValidateExpression(code string, extraDenied []string) error {
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return validationFailed("expression is empty")
	}
	if len(trimmed) > maxExpressionBytes {
		return validationFailed(fmt.Sprintf("expression exceeds %d bytes", maxExpressionBytes))
	}

	for _, banned := range deniedSubstrings {
		if strings.Contains(trimmed, banned) {
			return validationFailed(fmt.Sprintf("forbidden token %q", printableToken(banned)))
		}
	}
	for _, banned := range extraDenied {
		if banned != "" && strings.Contains(trimmed, banned) {
			return validationFailed(fmt.Sprintf("forbidden token %q", banned))
		}
	}

	toks, err := lexExpression(trimmed)
	if err != nil {
		return validationFailed(err.Error())
	}

	denied := make(map[string]struct{}, len(deniedNames)+len(extraDenied))
	for name := range deniedNames {
		denied[name] = struct{}{}
	}
	for _, name := range extraDenied {
		denied[name] = struct{}{}
	}

	p := &parser{toks: toks, denied: denied}
	return p.validate()
}

func printableToken(tok string) string {
	switch tok {
	case "\n", "\r":
		return "line break"
	default:
		return tok
	}
}

// ---- lexer ----

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokName
	tokNumber
	tokString
	tokOp
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

var multiCharOps = []string{"**", "//", "<<", ">>", "<=", ">=", "==", "!=", ":=", "->"}

const singleCharOps = "+-*/%@&|^~<>=()[]{},:."

func lexExpression(src string) ([]token, error) {
	runes := []rune(src)
	var toks []token
	i := 0

	for i < len(runes) {
		r := runes[i]

		switch {
		case r == ' ' || r == '\t':
			i++

		// Identifier runes are ASCII only. The interpreter NFKC-folds
		// Unicode lookalike letters into the plain identifier, so a
		// non-ASCII spelling of a denied name must never reach it.
		case r == '_' || isASCIILetter(r):
			start := i
			for i < len(runes) && isIdentRune(runes[i]) {
				i++
			}
			name := string(runes[start:i])
			if i < len(runes) && (runes[i] == '\'' || runes[i] == '"') {
				// string prefix like r"", b"". f-strings embed expressions
				// the structural pass cannot see, so they are rejected.
				if strings.ContainsAny(strings.ToLower(name), "f") {
					return nil, fmt.Errorf("f-strings are not allowed (position %d)", start)
				}
				end, err := lexString(runes, i)
				if err != nil {
					return nil, err
				}
				toks = append(toks, token{kind: tokString, text: string(runes[start:end]), pos: start})
				i = end
				continue
			}
			toks = append(toks, token{kind: tokName, text: name, pos: start})

		case isASCIIDigit(r) || (r == '.' && i+1 < len(runes) && isASCIIDigit(runes[i+1])):
			start := i
			i++
			for i < len(runes) {
				c := runes[i]
				if c == '.' || isIdentRune(c) {
					i++
					continue
				}
				// exponent sign
				if (c == '+' || c == '-') && (runes[i-1] == 'e' || runes[i-1] == 'E') {
					i++
					continue
				}
				break
			}
			toks = append(toks, token{kind: tokNumber, text: string(runes[start:i]), pos: start})

		case r == '\'' || r == '"':
			start := i
			end, err := lexString(runes, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: string(runes[start:end]), pos: start})
			i = end

		default:
			matched := false
			for _, op := range multiCharOps {
				if strings.HasPrefix(string(runes[i:]), op) {
					toks = append(toks, token{kind: tokOp, text: op, pos: i})
					i += len(op)
					matched = true
					break
				}
			}
			if matched {
				continue
			}
			if strings.ContainsRune(singleCharOps, r) {
				toks = append(toks, token{kind: tokOp, text: string(r), pos: i})
				i++
				continue
			}
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				return nil, fmt.Errorf("non-ascii character %q is not allowed (position %d)", r, i)
			}
			return nil, fmt.Errorf("unexpected character %q at position %d", r, i)
		}
	}

	toks = append(toks, token{kind: tokEOF, pos: len(runes)})
	return toks, nil
}

func isASCIILetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isASCIIDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

func isIdentRune(r rune) bool {
	return r == '_' || isASCIILetter(r) || isASCIIDigit(r)
}

func lexString(runes []rune, start int) (int, error) {
	quote := runes[start]
	i := start + 1
	for i < len(runes) {
		switch runes[i] {
		case '\\':
			i += 2
		case quote:
			return i + 1, nil
		default:
			i++
		}
	}
	return 0, fmt.Errorf("unterminated string starting at position %d", start)
}

// ---- parser ----

// parser consumes the token stream against the Python expression grammar.
// Every identifier and attribute is checked as it is consumed; any denied or
// dunder-style name aborts the parse.
type parser struct {
	toks   []token
	pos    int
	denied map[string]struct{}
}

type parseAbort struct{ err error }

func (p *parser) validate() (err error) {
	defer func() {
		if r := recover(); r != nil {
			abort, ok := r.(parseAbort)
			if !ok {
				panic(r)
			}
			err = validationFailed(abort.err.Error())
		}
	}()

	p.expression()
	if p.cur().kind != tokEOF {
		p.fail("unexpected trailing input")
	}
	return nil
}

func (p *parser) fail(format string, args ...any) {
	panic(parseAbort{fmt.Errorf(format+" (position %d)", append(args, p.cur().pos)...)})
}

func (p *parser) cur() token {
	return p.toks[p.pos]
}

func (p *parser) peek() token {
	if p.pos+1 < len(p.toks) {
		return p.toks[p.pos+1]
	}
	return p.toks[len(p.toks)-1]
}

func (p *parser) advance() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

// acceptOp consumes the given operator token when present.
func (p *parser) acceptOp(text string) bool {
	if t := p.cur(); t.kind == tokOp && t.text == text {
		p.pos++
		return true
	}
	return false
}

// acceptKw consumes the given keyword when present.
func (p *parser) acceptKw(word string) bool {
	if t := p.cur(); t.kind == tokName && t.text == word {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expectOp(text string) {
	if !p.acceptOp(text) {
		p.fail("expected %q", text)
	}
}

func (p *parser) checkName(name string, pos int) {
	if strings.Contains(name, "__") {
		panic(parseAbort{fmt.Errorf("dunder name %q is not allowed (position %d)", name, pos)})
	}
	if _, ok := p.denied[name]; ok {
		panic(parseAbort{fmt.Errorf("identifier %q is not allowed (position %d)", name, pos)})
	}
	if _, ok := statementKeywords[name]; ok {
		panic(parseAbort{fmt.Errorf("keyword %q is not allowed in an expression (position %d)", name, pos)})
	}
	if _, ok := expressionKeywords[name]; ok {
		panic(parseAbort{fmt.Errorf("misplaced keyword %q (position %d)", name, pos)})
	}
}

func (p *parser) expression() {
	if p.acceptKw("lambda") {
		p.lambdaTail()
		return
	}
	if t := p.cur(); t.kind == tokName && p.peek().kind == tokOp && p.peek().text == ":=" {
		p.advance()
		p.checkName(t.text, t.pos)
		p.advance()
		p.expression()
		return
	}
	p.orExpr()
	if p.acceptKw("if") {
		p.orExpr()
		if !p.acceptKw("else") {
			p.fail("conditional expression missing else")
		}
		p.expression()
	}
}

func (p *parser) lambdaTail() {
	for p.cur().kind == tokName {
		t := p.advance()
		p.checkName(t.text, t.pos)
		if !p.acceptOp(",") {
			break
		}
	}
	p.expectOp(":")
	p.expression()
}

var comparisonOps = map[string]struct{}{
	"<": {}, ">": {}, "<=": {}, ">=": {}, "==": {}, "!=": {},
}

func (p *parser) orExpr() {
	p.andExpr()
	for p.acceptKw("or") {
		p.andExpr()
	}
}

func (p *parser) andExpr() {
	p.notExpr()
	for p.acceptKw("and") {
		p.notExpr()
	}
}

func (p *parser) notExpr() {
	for p.acceptKw("not") {
	}
	p.comparison()
}

func (p *parser) comparison() {
	p.bitOr()
	for {
		t := p.cur()
		if t.kind == tokOp {
			if _, ok := comparisonOps[t.text]; ok {
				p.advance()
				p.bitOr()
				continue
			}
		}
		if p.acceptKw("in") {
			p.bitOr()
			continue
		}
		if p.acceptKw("is") {
			p.acceptKw("not")
			p.bitOr()
			continue
		}
		if t.kind == tokName && t.text == "not" && p.peek().kind == tokName && p.peek().text == "in" {
			p.advance()
			p.advance()
			p.bitOr()
			continue
		}
		return
	}
}

func (p *parser) bitOr() {
	p.bitXor()
	for p.acceptOp("|") {
		p.bitXor()
	}
}

func (p *parser) bitXor() {
	p.bitAnd()
	for p.acceptOp("^") {
		p.bitAnd()
	}
}

func (p *parser) bitAnd() {
	p.shift()
	for p.acceptOp("&") {
		p.shift()
	}
}

func (p *parser) shift() {
	p.arith()
	for p.acceptOp("<<") || p.acceptOp(">>") {
		p.arith()
	}
}

func (p *parser) arith() {
	p.term()
	for p.acceptOp("+") || p.acceptOp("-") {
		p.term()
	}
}

func (p *parser) term() {
	p.factor()
	for p.acceptOp("*") || p.acceptOp("/") || p.acceptOp("//") || p.acceptOp("%") || p.acceptOp("@") {
		p.factor()
	}
}

func (p *parser) factor() {
	for p.acceptOp("+") || p.acceptOp("-") || p.acceptOp("~") {
	}
	p.power()
}

func (p *parser) power() {
	p.trailer()
	if p.acceptOp("**") {
		p.factor()
	}
}

func (p *parser) trailer() {
	p.atom()
	for {
		switch {
		case p.acceptOp("("):
			p.callArgs()
		case p.acceptOp("["):
			p.subscript()
		case p.acceptOp("."):
			t := p.cur()
			if t.kind != tokName {
				p.fail("expected attribute name after '.'")
			}
			p.advance()
			p.checkName(t.text, t.pos)
		default:
			return
		}
	}
}

func (p *parser) atom() {
	t := p.cur()
	switch t.kind {
	case tokName:
		if t.text == "lambda" {
			p.advance()
			p.lambdaTail()
			return
		}
		p.advance()
		p.checkName(t.text, t.pos)
	case tokNumber, tokString:
		p.advance()
	case tokOp:
		switch t.text {
		case "(":
			p.advance()
			if p.acceptOp(")") {
				return
			}
			p.exprListOrComp(")")
		case "[":
			p.advance()
			if p.acceptOp("]") {
				return
			}
			p.exprListOrComp("]")
		case "{":
			p.advance()
			p.dictOrSet()
		default:
			p.fail("unexpected token %q", t.text)
		}
	default:
		p.fail("unexpected end of expression")
	}
}

// exprListOrComp parses a parenthesized/bracketed expression list, with
// optional star unpacking, or a comprehension.
func (p *parser) exprListOrComp(closing string) {
	p.starredOrExpr()
	if p.cur().kind == tokName && p.cur().text == "for" {
		p.comprehensionClauses()
		p.expectOp(closing)
		return
	}
	for p.acceptOp(",") {
		if p.acceptOp(closing) {
			return
		}
		p.starredOrExpr()
	}
	p.expectOp(closing)
}

func (p *parser) starredOrExpr() {
	if p.acceptOp("*") {
		p.orExpr()
		return
	}
	p.expression()
}

func (p *parser) comprehensionClauses() {
	for {
		if p.acceptKw("for") {
			p.targetList()
			if !p.acceptKw("in") {
				p.fail("comprehension missing 'in'")
			}
			p.orExpr()
			continue
		}
		if p.acceptKw("if") {
			p.orExpr()
			continue
		}
		return
	}
}

func (p *parser) targetList() {
	p.target()
	for p.acceptOp(",") {
		if t := p.cur(); t.kind == tokName && (t.text == "in") {
			return
		}
		if t := p.cur(); t.kind == tokOp && (t.text == ")" || t.text == "]") {
			return
		}
		p.target()
	}
}

func (p *parser) target() {
	switch {
	case p.cur().kind == tokName:
		t := p.advance()
		p.checkName(t.text, t.pos)
	case p.acceptOp("("):
		p.targetList()
		p.expectOp(")")
	case p.acceptOp("["):
		p.targetList()
		p.expectOp("]")
	default:
		p.fail("invalid comprehension target")
	}
}

func (p *parser) callArgs() {
	if p.acceptOp(")") {
		return
	}
	for {
		switch {
		case p.acceptOp("**"):
			p.orExpr()
		case p.acceptOp("*"):
			p.orExpr()
		case p.cur().kind == tokName && p.peek().kind == tokOp && p.peek().text == "=":
			t := p.advance()
			p.checkName(t.text, t.pos)
			p.advance() // '='
			p.expression()
		default:
			p.expression()
			if p.cur().kind == tokName && p.cur().text == "for" {
				// generator expression argument
				p.comprehensionClauses()
			}
		}
		if p.acceptOp(",") {
			if p.acceptOp(")") {
				return
			}
			continue
		}
		p.expectOp(")")
		return
	}
}

// subscript parses indexes and slices, including multi-axis forms.
func (p *parser) subscript() {
	for {
		t := p.cur()
		if t.kind == tokOp {
			switch t.text {
			case "]":
				p.advance()
				return
			case ":", ",":
				p.advance()
				continue
			}
		}
		p.expression()
		t = p.cur()
		if t.kind == tokOp && (t.text == ":" || t.text == ",") {
			p.advance()
			continue
		}
		p.expectOp("]")
		return
	}
}

func (p *parser) dictOrSet() {
	if p.acceptOp("}") {
		return
	}
	if p.acceptOp("**") {
		p.orExpr()
		p.dictTail()
		return
	}
	p.starredOrExpr()
	if p.acceptOp(":") {
		p.expression()
		if p.cur().kind == tokName && p.cur().text == "for" {
			p.comprehensionClauses()
			p.expectOp("}")
			return
		}
		p.dictTail()
		return
	}
	if p.cur().kind == tokName && p.cur().text == "for" {
		p.comprehensionClauses()
		p.expectOp("}")
		return
	}
	for p.acceptOp(",") {
		if p.acceptOp("}") {
			return
		}
		p.starredOrExpr()
	}
	p.expectOp("}")
}

func (p *parser) dictTail() {
	for p.acceptOp(",") {
		if p.acceptOp("}") {
			return
		}
		if p.acceptOp("**") {
			p.orExpr()
			continue
		}
		p.expression()
		p.expectOp(":")
		p.expression()
	}
	p.expectOp("}")
}
