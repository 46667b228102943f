package tool

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	contractx "github.com/tanpawarit/persona-router/agent/contract"
)

const ToolMathEvaluate = "math_evaluate"

type MathEvaluateOutput struct {
	Expression string  `json:"expression"`
	Result     float64 `json:"result"`
}

func executeMathTool(tool string, args map[string]any) contractx.ToolResult {
	expression, err := stringArg(args, "expression")
	if err != nil {
		return contractx.ToolResult{Tool: tool, Error: err.Error()}
	}

	result, err := Evaluate(expression)
	if err != nil {
		return contractx.ToolResult{Tool: tool, Error: err.Error()}
	}

	return contractx.ToolResult{
		Tool: tool,
		Result: MathEvaluateOutput{
			Expression: expression,
			Result:     result,
		},
	}
}

// Evaluate computes an arithmetic expression. Supported: + - * / % ^,
// parentheses, unary signs, the constant pi and the functions
// sqrt abs ceil floor round min max.
func Evaluate(expression string) (float64, error) {
	tokens, err := lex(expression)
	if err != nil {
		return 0, err
	}
	if len(tokens) == 0 {
		return 0, errors.New("expression is empty")
	}

	p := &exprParser{tokens: tokens}
	value, err := p.expression(0)
	if err != nil {
		return 0, err
	}
	if !p.done() {
		return 0, fmt.Errorf("unexpected %q at position %d", p.peek().text, p.peek().pos)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, errors.New("result is not a finite number")
	}
	return value, nil
}

/* ---- lexer ---- */

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokIdent
	tokOperator
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind  tokenKind
	text  string
	value float64
	pos   int
}

func lex(input string) ([]token, error) {
	var out []token
	runes := []rune(input)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case unicode.IsDigit(r) || r == '.':
			start := i
			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.') {
				i++
			}
			raw := string(runes[start:i])
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q at position %d", raw, start)
			}
			out = append(out, token{kind: tokNumber, text: raw, value: v, pos: start})
		case unicode.IsLetter(r):
			start := i
			for i < len(runes) && unicode.IsLetter(runes[i]) {
				i++
			}
			out = append(out, token{kind: tokIdent, text: strings.ToLower(string(runes[start:i])), pos: start})
		case strings.ContainsRune("+-*/%^", r):
			out = append(out, token{kind: tokOperator, text: string(r), pos: i})
			i++
		case r == '(':
			out = append(out, token{kind: tokLParen, text: "(", pos: i})
			i++
		case r == ')':
			out = append(out, token{kind: tokRParen, text: ")", pos: i})
			i++
		case r == ',':
			out = append(out, token{kind: tokComma, text: ",", pos: i})
			i++
		default:
			return nil, fmt.Errorf("invalid character %q at position %d", r, i)
		}
	}
	return out, nil
}

/* ---- parser ---- */

var binaryPrecedence = map[string]int{
	"+": 1, "-": 1,
	"*": 2, "/": 2, "%": 2,
	"^": 4,
}

const unaryPrecedence = 3

type exprParser struct {
	tokens []token
	pos    int
}

func (p *exprParser) done() bool { return p.pos >= len(p.tokens) }

func (p *exprParser) peek() token {
	if p.done() {
		return token{}
	}
	return p.tokens[p.pos]
}

func (p *exprParser) next() (token, error) {
	if p.done() {
		return token{}, errors.New("unexpected end of expression")
	}
	t := p.tokens[p.pos]
	p.pos++
	return t, nil
}

// expression parses by precedence climbing; ^ is right associative.
func (p *exprParser) expression(minPrec int) (float64, error) {
	left, err := p.unary()
	if err != nil {
		return 0, err
	}

	for !p.done() {
		op := p.peek()
		if op.kind != tokOperator {
			break
		}
		prec := binaryPrecedence[op.text]
		if prec < minPrec {
			break
		}
		p.pos++

		nextMin := prec + 1
		if op.text == "^" {
			nextMin = prec
		}
		right, err := p.expression(nextMin)
		if err != nil {
			return 0, err
		}
		left, err = applyBinary(op, left, right)
		if err != nil {
			return 0, err
		}
	}
	return left, nil
}

func (p *exprParser) unary() (float64, error) {
	t := p.peek()
	if t.kind == tokOperator && (t.text == "-" || t.text == "+") {
		p.pos++
		v, err := p.expression(unaryPrecedence)
		if err != nil {
			return 0, err
		}
		if t.text == "-" {
			return -v, nil
		}
		return v, nil
	}
	return p.primary()
}

func (p *exprParser) primary() (float64, error) {
	t, err := p.next()
	if err != nil {
		return 0, err
	}

	switch t.kind {
	case tokNumber:
		return t.value, nil
	case tokLParen:
		v, err := p.expression(0)
		if err != nil {
			return 0, err
		}
		if closing, err := p.next(); err != nil || closing.kind != tokRParen {
			return 0, fmt.Errorf("missing closing parenthesis for position %d", t.pos)
		}
		return v, nil
	case tokIdent:
		if t.text == "pi" {
			return math.Pi, nil
		}
		return p.call(t)
	default:
		return 0, fmt.Errorf("unexpected %q at position %d", t.text, t.pos)
	}
}

func (p *exprParser) call(name token) (float64, error) {
	if open, err := p.next(); err != nil || open.kind != tokLParen {
		return 0, fmt.Errorf("unknown identifier %q at position %d", name.text, name.pos)
	}

	var args []float64
	if p.peek().kind == tokRParen && !p.done() {
		p.pos++
	} else {
		for {
			v, err := p.expression(0)
			if err != nil {
				return 0, err
			}
			args = append(args, v)

			sep, err := p.next()
			if err != nil {
				return 0, fmt.Errorf("missing closing parenthesis for %s", name.text)
			}
			if sep.kind == tokRParen {
				break
			}
			if sep.kind != tokComma {
				return 0, fmt.Errorf("unexpected %q at position %d", sep.text, sep.pos)
			}
		}
	}
	return applyFunc(name, args)
}

func applyBinary(op token, l, r float64) (float64, error) {
	switch op.text {
	case "+":
		return l + r, nil
	case "-":
		return l - r, nil
	case "*":
		return l * r, nil
	case "/":
		if r == 0 {
			return 0, errors.New("division by zero")
		}
		return l / r, nil
	case "%":
		if r == 0 {
			return 0, errors.New("modulo by zero")
		}
		return math.Mod(l, r), nil
	case "^":
		return math.Pow(l, r), nil
	}
	return 0, fmt.Errorf("unknown operator %q", op.text)
}

func applyFunc(name token, args []float64) (float64, error) {
	unary := map[string]func(float64) float64{
		"sqrt":  math.Sqrt,
		"abs":   math.Abs,
		"ceil":  math.Ceil,
		"floor": math.Floor,
		"round": math.Round,
	}
	if fn, ok := unary[name.text]; ok {
		if len(args) != 1 {
			return 0, fmt.Errorf("%s expects 1 argument, got %d", name.text, len(args))
		}
		if name.text == "sqrt" && args[0] < 0 {
			return 0, errors.New("sqrt of a negative number")
		}
		return fn(args[0]), nil
	}

	switch name.text {
	case "min", "max":
		if len(args) == 0 {
			return 0, fmt.Errorf("%s expects at least 1 argument", name.text)
		}
		out := args[0]
		for _, v := range args[1:] {
			if name.text == "min" {
				out = math.Min(out, v)
			} else {
				out = math.Max(out, v)
			}
		}
		return out, nil
	}
	return 0, fmt.Errorf("unknown function %q at position %d", name.text, name.pos)
}
