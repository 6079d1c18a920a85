package lexer_test

import (
	"testing"

	"github.com/hulascript/hulascript/lexer"
	"github.com/hulascript/hulascript/token"
)

type tokenCase struct {
	typ     token.Type
	literal string
}

func runTokenize(t *testing.T, name, input string, want []tokenCase) {
	t.Helper()
	t.Run(name, func(t *testing.T) {
		t.Helper()
		l := lexer.New("test.hula", input)
		toks, err := l.Tokenize()
		if err != nil {
			t.Fatalf("Tokenize() error = %v", err)
		}
		if len(toks) == 0 {
			t.Fatal("Tokenize returned empty slice")
		}
		last := toks[len(toks)-1]
		if last.Type != token.EOF {
			t.Errorf("last token is %s, want EOF", last.Type)
		}
		got := toks[:len(toks)-1]
		if len(got) != len(want) {
			t.Fatalf("got %d tokens, want %d (%v)", len(got), len(want), got)
		}
		for i, w := range want {
			if got[i].Type != w.typ {
				t.Errorf("token[%d].Type = %s, want %s", i, got[i].Type, w.typ)
			}
			if got[i].Literal != w.literal {
				t.Errorf("token[%d].Literal = %q, want %q", i, got[i].Literal, w.literal)
			}
		}
	})
}

func TestTokenizeKeywordsAndIdents(t *testing.T) {
	runTokenize(t, "keywords", "function table class self if elif else while for in do return break continue global then end true false nil",
		[]tokenCase{
			{token.FUNCTION, "function"}, {token.TABLE, "table"}, {token.CLASS, "class"},
			{token.SELF, "self"}, {token.IF, "if"}, {token.ELIF, "elif"}, {token.ELSE, "else"},
			{token.WHILE, "while"}, {token.FOR, "for"}, {token.IN, "in"}, {token.DO, "do"},
			{token.RETURN, "return"}, {token.BREAK, "break"}, {token.CONTINUE, "continue"},
			{token.GLOBAL, "global"}, {token.THEN, "then"}, {token.END, "end"},
			{token.TRUE, "true"}, {token.FALSE, "false"}, {token.NIL, "nil"},
		})

	runTokenize(t, "ident", "make_adder x1 _foo", []tokenCase{
		{token.IDENT, "make_adder"}, {token.IDENT, "x1"}, {token.IDENT, "_foo"},
	})
}

func TestTokenizeNumbers(t *testing.T) {
	runTokenize(t, "numbers", "0 42 3.14 0.5", []tokenCase{
		{token.NUMBER, "0"}, {token.NUMBER, "42"}, {token.NUMBER, "3.14"}, {token.NUMBER, "0.5"},
	})
}

func TestTokenizeOperators(t *testing.T) {
	runTokenize(t, "operators", "+ - * / % ^ < > <= >= == != && || ! = ?? ? :",
		[]tokenCase{
			{token.PLUS, "+"}, {token.MINUS, "-"}, {token.STAR, "*"}, {token.SLASH, "/"},
			{token.PERCENT, "%"}, {token.CARET, "^"}, {token.LESS, "<"}, {token.MORE, ">"},
			{token.LESS_EQUAL, "<="}, {token.MORE_EQUAL, ">="}, {token.EQUALS, "=="},
			{token.NOT_EQUALS, "!="}, {token.AND, "&&"}, {token.OR, "||"}, {token.NOT, "!"},
			{token.ASSIGN, "="}, {token.NIL_COALESCE, "??"}, {token.QUESTION, "?"}, {token.COLON, ":"},
		})
}

func TestTokenizeStringEscapes(t *testing.T) {
	l := lexer.New("test.hula", `"a\nb\tc\x41"`)
	tok, err := l.NextToken()
	if err != nil {
		t.Fatalf("NextToken() error = %v", err)
	}
	if tok.Type != token.STRING {
		t.Fatalf("got %s, want STRING", tok.Type)
	}
	want := "a\nb\tcA"
	if tok.Literal != want {
		t.Errorf("Literal = %q, want %q", tok.Literal, want)
	}
}

func TestTokenizeUnterminatedString(t *testing.T) {
	l := lexer.New("test.hula", `"abc`)
	_, err := l.NextToken()
	if err == nil {
		t.Fatal("expected error for unterminated string")
	}
	cerr, ok := err.(*token.CompileError)
	if !ok {
		t.Fatalf("error is %T, want *token.CompileError", err)
	}
	if cerr.Kind != token.UnexpectedEof {
		t.Errorf("Kind = %s, want UnexpectedEof", cerr.Kind)
	}
}

func TestTokenizeInvalidEscape(t *testing.T) {
	l := lexer.New("test.hula", `"\q"`)
	_, err := l.NextToken()
	if err == nil {
		t.Fatal("expected error for invalid escape")
	}
	cerr, ok := err.(*token.CompileError)
	if !ok {
		t.Fatalf("error is %T, want *token.CompileError", err)
	}
	if cerr.Kind != token.InvalidControlChar {
		t.Errorf("Kind = %s, want InvalidControlChar", cerr.Kind)
	}
}

func TestTokenizeBadNumber(t *testing.T) {
	// A second '.' inside a number is not consumed: the number ends at it,
	// so "1.2.3" lexes as the number 1.2, a DOT and the number 3 rather than
	// failing with CannotParseNumber.
	runTokenize(t, "dot-is-not-appended", "1.2.3", []tokenCase{
		{token.NUMBER, "1.2"}, {token.DOT, "."}, {token.NUMBER, "3"},
	})
}
