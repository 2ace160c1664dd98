package pstrace

import "debug/dwarf"

// GNU call-site extension tag/attribute numbers. GCC emitted these
// before DWARF5 standardized DW_TAG_call_site/DW_AT_call_*; debug/dwarf
// does not export them, so they are declared locally, grounded on
// original_source/framework/dwarf_call_site.h which walks both forms.
const (
	tagGNUCallSite          dwarf.Tag  = 0x4109
	tagGNUCallSiteParameter dwarf.Tag  = 0x410a
	attrGNUCallSiteValue    dwarf.Attr = 0x2111
	attrGNUCallSiteTarget   dwarf.Attr = 0x2113
	attrGNUTailCall         dwarf.Attr = 0x2115
)

func isCallSiteTag(t dwarf.Tag) bool {
	return t == dwarf.TagCallSite || t == tagGNUCallSite
}

func isCallSiteParamTag(t dwarf.Tag) bool {
	return t == dwarf.TagCallSiteParameter || t == tagGNUCallSiteParameter
}

// registerEntryValue wires DW_OP_entry_value/DW_OP_GNU_entry_value into
// the opcode table. Both opcodes carry a nested sub-expression as their
// operand; resolving them requires walking to the parent activation's
// recorded call sites and matching the sub-expression structurally
// against a call_site_parameter's location (spec §4.4, REDESIGN FLAG:
// full structural Expression.Equal, not first-mismatch).
func registerEntryValue() {
	handler := func(e *Evaluator, o Operand) error {
		subExpr, err := decodeExpression(o.Bytes)
		if err != nil {
			return newError(KindDecode, "entry_value", err)
		}
		if e.parent == nil {
			return newError(KindCrossFrame, "entry_value", errNoParent)
		}
		cs := e.parent.callSites.lookup(e.act.LowPC, e.act.Name)
		if cs == nil {
			return newError(KindCrossFrame, "entry_value", errCallSiteNoMatch)
		}
		for _, p := range cs.Params {
			if p.Location.Equal(subExpr) {
				e.stack.push(p.Value, 8, TypeGeneric)
				return nil
			}
		}
		return newError(KindCrossFrame, "entry_value", errCallSiteNoMatch)
	}
	register(OpEntryValue, "DW_OP_entry_value", handler)
	register(OpGNUEntryValue, "DW_OP_GNU_entry_value", handler)
}

// resolveCallSites walks the direct children of act's function DIE,
// indexing every call_site/GNU_call_site entry it finds into
// act.callSites (C5), grounded on the traversal in
// original_source/src/dwarf/dwarf_call_site.c. Failures on individual
// call sites are logged and skipped; they never abort the walk.
func resolveCallSites(act, parent *Activation, lookup ModuleLookup, env evalEnv, log logFn) error {
	if log == nil {
		log = func(string, map[string]interface{}) {}
	}
	entry, reader, err := lookup.DIEAt(act.PC)
	if err != nil {
		return newError(KindDependency, "call-site scan", err)
	}
	if entry == nil || !entry.Children {
		return nil
	}
	for {
		child, err := reader.Next()
		if err != nil {
			return newError(KindDependency, "call-site scan", err)
		}
		if child == nil || child.Tag == 0 {
			return nil
		}
		if !isCallSiteTag(child.Tag) {
			if child.Children {
				if err := skipSubtree(reader); err != nil {
					return newError(KindDependency, "call-site scan", err)
				}
			}
			continue
		}
		cs, err := decodeCallSite(child, reader, lookup, act, parent, env, log)
		if err != nil {
			log("call-site decode failed", map[string]interface{}{"op": child.Offset, "error": err.Error()})
			continue
		}
		if cs != nil {
			if cs.TailCall {
				log("tail-call site indexed", map[string]interface{}{"tail_call": true, "target": cs.Target, "origin": cs.Origin})
			}
			act.callSites.add(cs)
		}
	}
}

func skipSubtree(reader *dwarf.Reader) error {
	depth := 1
	for depth > 0 {
		e, err := reader.Next()
		if err != nil {
			return err
		}
		if e == nil {
			return nil
		}
		if e.Tag == 0 {
			depth--
			continue
		}
		if e.Children {
			depth++
		}
	}
	return nil
}

func decodeCallSite(csEntry *dwarf.Entry, reader *dwarf.Reader, lookup ModuleLookup, act, parent *Activation, env evalEnv, log logFn) (*CallSite, error) {
	cs := &CallSite{CallPC: act.PC}
	if pc, ok := uintVal(csEntry.Val(dwarf.AttrCallReturnPC)); ok {
		cs.CallPC = pc
	} else if pc, ok := uintVal(csEntry.Val(dwarf.AttrLowpc)); ok {
		cs.CallPC = pc // DW_TAG_GNU_call_site overloads low_pc as the return address
	}

	if tail, ok := csEntry.Val(dwarf.AttrCallTailCall).(bool); ok {
		cs.TailCall = tail
	} else if tail, ok := csEntry.Val(attrGNUTailCall).(bool); ok {
		cs.TailCall = tail
	}

	if ref, ok := csEntry.Val(dwarf.AttrCallOrigin).(dwarf.Offset); ok {
		name, lowpc, ok := resolveTargetName(lookup, act, ref)
		if ok {
			cs.Origin, cs.Target = name, lowpc
		}
	} else if ref, ok := csEntry.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset); ok {
		name, lowpc, ok := resolveTargetName(lookup, act, ref)
		if ok {
			cs.Origin, cs.Target = name, lowpc
		}
	} else if raw, ok := exprVal(csEntry, dwarf.AttrCallTarget); ok {
		cs.Target = evalTargetExpr(raw, act, parent, env, log)
	} else if raw, ok := exprVal(csEntry, attrGNUCallSiteTarget); ok {
		cs.Target = evalTargetExpr(raw, act, parent, env, log)
	}

	if !csEntry.Children {
		return cs, nil
	}
	for {
		child, err := reader.Next()
		if err != nil {
			return cs, newError(KindDependency, "call-site-parameter scan", err)
		}
		if child == nil || child.Tag == 0 {
			return cs, nil
		}
		if !isCallSiteParamTag(child.Tag) {
			if child.Children {
				if err := skipSubtree(reader); err != nil {
					return cs, err
				}
			}
			continue
		}
		param, err := decodeCallSiteParam(child, act, parent, env)
		if err != nil {
			log("call-site-parameter decode failed", map[string]interface{}{"error": err.Error()})
			continue
		}
		cs.Params = append(cs.Params, param)
	}
}

func decodeCallSiteParam(entry *dwarf.Entry, act, parent *Activation, env evalEnv) (CallSiteParam, error) {
	var p CallSiteParam
	locRaw, ok := exprVal(entry, dwarf.AttrLocation)
	if !ok {
		return p, newError(KindDependency, "call_site_parameter", errMissingLocation)
	}
	loc, err := decodeExpression(locRaw)
	if err != nil {
		return p, err
	}
	p.Location = loc

	valRaw, ok := exprVal(entry, dwarf.AttrCallValue)
	if !ok {
		valRaw, ok = exprVal(entry, attrGNUCallSiteValue)
	}
	if ok {
		if valExpr, err := decodeExpression(valRaw); err == nil {
			ev := newEvaluator(act, parent, env, nil)
			if v, err := ev.Eval(valExpr); err == nil {
				p.Value = v
			}
		}
	}
	if off, ok := entry.Val(dwarf.AttrCallParameter).(dwarf.Offset); ok {
		p.CalleeParamOffset = off
	}
	return p, nil
}

// resolveTargetName follows a call_origin/abstract_origin reference to
// the callee's subprogram DIE and reads its name and entry PC, using a
// fresh reader so the caller's own in-progress walk is undisturbed.
func resolveTargetName(lookup ModuleLookup, act *Activation, ref dwarf.Offset) (name string, lowpc uint64, ok bool) {
	r, err := lookup.Reader(act.PC)
	if err != nil {
		return "", 0, false
	}
	r.Seek(ref)
	e, err := r.Next()
	if err != nil || e == nil {
		return "", 0, false
	}
	name, _ = e.Val(dwarf.AttrName).(string)
	lowpc, _ = uintVal(e.Val(dwarf.AttrLowpc))
	return name, lowpc, name != "" || lowpc != 0
}

func evalTargetExpr(raw []byte, act, parent *Activation, env evalEnv, log logFn) uint64 {
	expr, err := decodeExpression(raw)
	if err != nil {
		return 0
	}
	ev := newEvaluator(act, parent, env, log)
	v, err := ev.Eval(expr)
	if err != nil {
		return 0
	}
	return v
}

func exprVal(entry *dwarf.Entry, attr dwarf.Attr) ([]byte, bool) {
	v, ok := entry.Val(attr).([]byte)
	return v, ok
}

func uintVal(v interface{}) (uint64, bool) {
	switch x := v.(type) {
	case uint64:
		return x, true
	case int64:
		return uint64(x), true
	case dwarf.Offset:
		return uint64(x), true
	default:
		return 0, false
	}
}
