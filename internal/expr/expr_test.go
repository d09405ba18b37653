package expr

import (
	"errors"
	"testing"

	decimal "github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestEvalArithmetic(t *testing.T) {
	vars := Vars{
		"input_tokens":  d("100"),
		"output_tokens": d("50"),
		"rate":          d("0.00002"),
		"usage.pages":   d("7"),
	}
	cases := []struct {
		src  string
		want string
	}{
		{"1 + 2 * 3", "7"},
		{"(1 + 2) * 3", "9"},
		{"-2 * -3", "6"},
		{"10 / 4", "2.5"},
		{"(input_tokens + output_tokens) * rate", "0.003"},
		{"max(input_tokens, output_tokens, 10)", "100"},
		{"min(input_tokens, output_tokens)", "50"},
		{"ceil(10 / 3)", "4"},
		{"floor(10 / 3)", "3"},
		{"abs(output_tokens - input_tokens)", "50"},
		{"round(2.5)", "3"},
		{"round(-2.5)", "-3"},
		{"round(1.23456, 2)", "1.23"},
		{"usage.pages * 2", "14"},
		{"1.5e2", "150"},
		{".5 + .25", "0.75"},
	}
	for _, tc := range cases {
		got, err := Eval(tc.src, vars)
		if err != nil {
			t.Errorf("%s: unexpected error %v", tc.src, err)
			continue
		}
		if !got.Equal(d(tc.want)) {
			t.Errorf("%s = %s, want %s", tc.src, got, tc.want)
		}
	}
}

func TestCompileErrors(t *testing.T) {
	cases := map[string]error{
		"":             ErrSyntax,
		"1 +":          ErrSyntax,
		"(1 + 2":       ErrSyntax,
		"1 2":          ErrSyntax,
		"a; b":         ErrSyntax,
		"exec(1)":      ErrUnknownFunction,
		"round()":      ErrSyntax,
		"ceil(1, 2)":   ErrSyntax,
		"1.2.3":        ErrSyntax,
		"a..b":         ErrSyntax,
		"\"quoted\"":   ErrSyntax,
		"os.exit == 1": ErrSyntax,
	}
	for src, want := range cases {
		if _, err := Compile(src); !errors.Is(err, want) {
			t.Errorf("Compile(%q) error = %v, want %v", src, err, want)
		}
	}
}

func TestEvalRuntimeErrors(t *testing.T) {
	if _, err := Eval("1 / (a - a)", Vars{"a": d("3")}); !errors.Is(err, ErrDivisionByZero) {
		t.Fatalf("expected division by zero, got %v", err)
	}
	if _, err := Eval("missing * 2", Vars{}); !errors.Is(err, ErrUnknownIdentifier) {
		t.Fatalf("expected unknown identifier, got %v", err)
	}
	if _, err := Eval("round(1, 0.5)", nil); err == nil {
		t.Fatalf("expected error for fractional places")
	}
}

func TestChainFallsThroughUnknown(t *testing.T) {
	r := Chain(Vars{"a": d("1")}, nil, Vars{"b": d("2")})
	got, err := Eval("a + b", r)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !got.Equal(d("3")) {
		t.Fatalf("unexpected %s", got)
	}

	boom := errors.New("boom")
	failing := ResolverFunc(func(string) (decimal.Decimal, error) { return decimal.Zero, boom })
	if _, err := Eval("a", Chain(failing, Vars{"a": d("1")})); !errors.Is(err, boom) {
		t.Fatalf("expected resolver error to stop the chain, got %v", err)
	}
}

func TestIdentifiers(t *testing.T) {
	prog, err := Compile("max(a, b) * a + nested.c")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	got := prog.Identifiers()
	want := []string{"a", "b", "nested.c"}
	if len(got) != len(want) {
		t.Fatalf("identifiers = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("identifiers = %v, want %v", got, want)
		}
	}
}

func TestDepthLimit(t *testing.T) {
	src := ""
	for i := 0; i < maxDepth+2; i++ {
		src += "("
	}
	src += "1"
	for i := 0; i < maxDepth+2; i++ {
		src += ")"
	}
	if _, err := Compile(src); !errors.Is(err, ErrSyntax) {
		t.Fatalf("expected depth error, got %v", err)
	}
}
