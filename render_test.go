package pstrace

import (
	"strings"
	"testing"
)

func intChain(name string) []TypeChainEntry {
	return []TypeChainEntry{{Kind: "base", Name: name}}
}

func TestRenderSignatureWithFormalParameters(t *testing.T) {
	act := &Activation{Name: "f", ReturnType: "int"}
	params := []*Parameter{
		{Name: "a", TypeChain: intChain("int"), Value: 3, HasValue: true},
		{Name: "b", TypeChain: intChain("int"), Value: 4, HasValue: true},
	}
	got := renderSignature(act, params)
	want := "int f(int a = 0x3, int b = 0x4)"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRenderSignatureVariadic(t *testing.T) {
	act := &Activation{Name: "printf", ReturnType: "int"}
	params := []*Parameter{
		{Name: "fmt", TypeChain: []TypeChainEntry{{Kind: "pointer"}, {Kind: "base", Name: "char"}}, Value: 0, HasValue: true},
		{Name: "...", Flags: FlagUnspec},
	}
	got := renderSignature(act, params)
	if !strings.HasSuffix(got, ", ...)") {
		t.Errorf("got %q, want a signature ending in \", ...)\"", got)
	}
}

func TestRenderActivationBodyOrderedByLine(t *testing.T) {
	act := &Activation{Name: "g", ReturnType: "void", Params: []*Parameter{
		{Name: "c", Line: 3, TypeChain: intChain("int"), Value: 7, HasValue: true, Flags: FlagVariable},
		{Name: "b", Line: 1, TypeChain: intChain("int"), Value: 1, HasValue: true, Flags: FlagVariable},
	}}
	var b strings.Builder
	renderActivation(&b, act)
	out := b.String()
	if strings.Index(out, "b = ") > strings.Index(out, "c = ") {
		t.Errorf("locals not ordered by declaration line:\n%s", out)
	}
	if !strings.Contains(out, "0003:   int c = 0x7;") {
		t.Errorf("expected literal 0003 local rendering, got:\n%s", out)
	}
}

func TestRenderUndefinedValue(t *testing.T) {
	p := &Parameter{Name: "x", TypeChain: intChain("int"), HasValue: false}
	got := renderFormalParameter(p)
	if !strings.Contains(got, "<undefined>") {
		t.Errorf("got %q, want it to mention <undefined>", got)
	}
}

func TestSplitParamsConvention(t *testing.T) {
	sig, locals := splitParams([]*Parameter{
		{Name: "a", Flags: 0},
		{Name: "local", Flags: FlagVariable},
		{Name: "...", Flags: FlagUnspec},
	})
	if len(sig) != 2 || len(locals) != 1 {
		t.Fatalf("got %d sig, %d locals; want 2, 1", len(sig), len(locals))
	}
}

func TestRenderTypePointerAndQualifiers(t *testing.T) {
	chain := []TypeChainEntry{{Kind: "const"}, {Kind: "pointer"}, {Kind: "base", Name: "char"}}
	got := renderType(chain)
	if got != "const char *" {
		t.Errorf("got %q, want %q", got, "const char *")
	}
}
