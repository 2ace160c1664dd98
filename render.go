package pstrace

import (
	"fmt"
	"sort"
	"strings"
)

// UnwindSimple renders the "frame_index  function  file:line" summary
// (spec §6). It runs a full Unwind internally; callers never have to
// sequence the two themselves.
func (h *Handler) UnwindSimple(ctx *MachineContext) (string, error) {
	if err := h.Unwind(ctx); err != nil {
		return noTraceObtained, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.activations) == 0 {
		return noTraceObtained, newError(KindDependency, "unwind-simple", errNoFramesResolved)
	}

	var b strings.Builder
	for i, act := range h.activations {
		name := act.Name
		if name == "" {
			name = "<unknown>"
		}
		loc := "??:0"
		if act.File != "" {
			loc = fmt.Sprintf("%s:%d", act.File, act.Line)
		}
		fmt.Fprintf(&b, "%-4d %-30s %s\n", i, name, loc)
	}
	return b.String(), nil
}

const noTraceObtained = "No stack trace obtained"

// UnwindPretty renders the full reconstruction: one signature line per
// activation followed, when any locals resolved, by a braced body with
// one line per local ordered by declaration line (spec §4.6 step 5).
func (h *Handler) UnwindPretty(ctx *MachineContext) (string, error) {
	if err := h.Unwind(ctx); err != nil {
		return noTraceObtained, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.activations) == 0 {
		return noTraceObtained, newError(KindDependency, "unwind-pretty", errNoFramesResolved)
	}

	var b strings.Builder
	for _, act := range h.activations {
		renderActivation(&b, act)
	}
	return b.String(), nil
}

func renderActivation(b *strings.Builder, act *Activation) {
	sig, locals := splitParams(act.Params)
	fmt.Fprintf(b, "%s\n", renderSignature(act, sig))
	if len(locals) == 0 {
		return
	}
	sort.SliceStable(locals, func(i, j int) bool { return locals[i].Line < locals[j].Line })
	b.WriteString("{\n")
	for _, p := range locals {
		fmt.Fprintf(b, "%04d:   %s\n", p.Line, renderLocal(p))
	}
	b.WriteString("}\n")
}

// splitParams separates a function's formal-parameter/variadic-marker
// list (the signature) from its locals (the body), per the
// FlagVariable convention decodeParameter establishes: absent on
// DW_TAG_formal_parameter, set on DW_TAG_variable.
func splitParams(params []*Parameter) (sig, locals []*Parameter) {
	for _, p := range params {
		switch {
		case p.Flags&FlagUnspec != 0:
			sig = append(sig, p)
		case p.Flags&FlagVariable != 0:
			locals = append(locals, p)
		default:
			sig = append(sig, p)
		}
	}
	return sig, locals
}

func renderSignature(act *Activation, params []*Parameter) string {
	name := act.Name
	if name == "" {
		name = "<unknown>"
	}
	retType := act.ReturnType
	if retType == "" {
		retType = "void"
	}

	var parts []string
	variadic := false
	for _, p := range params {
		if p.Flags&FlagUnspec != 0 {
			variadic = true
			continue
		}
		parts = append(parts, renderFormalParameter(p))
	}
	args := strings.Join(parts, ", ")
	if variadic {
		if args != "" {
			args += ", ..."
		} else {
			args = "..."
		}
	}
	return fmt.Sprintf("%s %s(%s)", retType, name, args)
}

func renderFormalParameter(p *Parameter) string {
	typ := renderType(p.TypeChain)
	if !p.HasValue {
		return fmt.Sprintf("%s %s = <undefined>", typ, p.Name)
	}
	return fmt.Sprintf("%s %s = %s", typ, p.Name, renderValue(p))
}

func renderLocal(p *Parameter) string {
	typ := renderType(p.TypeChain)
	if !p.HasValue {
		return fmt.Sprintf("%s %s = <undefined>;", typ, p.Name)
	}
	return fmt.Sprintf("%s %s = %s;", typ, p.Name, renderValue(p))
}

func renderValue(p *Parameter) string {
	return fmt.Sprintf("0x%x", p.Value)
}

// renderType turns a reconstructed type chain back into a C-ish
// declaration fragment: qualifiers, then the base/composite name, then
// one '*' per pointer hop.
func renderType(chain []TypeChainEntry) string {
	if len(chain) == 0 {
		return "void"
	}
	var qualifiers []string
	base := ""
	stars := 0
	for _, e := range chain {
		switch e.Kind {
		case "const", "volatile", "restrict":
			qualifiers = append(qualifiers, e.Kind)
		case "pointer":
			stars++
		case "typedef", "base", "struct", "union", "class", "enum", "array", "unknown":
			if e.Name != "" {
				base = e.Name
			}
		case "subroutine":
			base = "func"
		case "void":
			base = "void"
		}
	}
	if base == "" {
		base = "void"
	}
	s := strings.Join(append(qualifiers, base), " ")
	if stars > 0 {
		s += " " + strings.Repeat("*", stars)
	}
	return s
}
