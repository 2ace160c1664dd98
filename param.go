package pstrace

import "debug/dwarf"

// resolveParameters walks a function DIE's children, building the
// flattened parameter/local list for an activation (C6). Lexical
// blocks introduce no scope boundary of their own: their locals are
// flattened directly onto the owning function, matching the single
// flat per-frame variable list in
// original_source/framework/dwarf_function.cpp. An inlined_subroutine
// is skipped with a diagnostic (spec §4.5) rather than resolved: its
// variables belong to the inlining compiler's view of the world, not
// the caller's frame, and are not surfaced here.
func resolveParameters(act, parent *Activation, lookup ModuleLookup, env evalEnv, log logFn) error {
	if log == nil {
		log = func(string, map[string]interface{}) {}
	}
	entry, reader, err := lookup.DIEAt(act.PC)
	if err != nil {
		return newError(KindDependency, "resolve-parameters", err)
	}
	if ref, ok := entry.Val(dwarf.AttrType).(dwarf.Offset); ok {
		chain, _, _ := resolveTypeChain(lookup, act.PC, ref)
		act.ReturnType = renderType(chain)
	} else {
		act.ReturnType = "void"
	}
	if entry == nil || !entry.Children {
		return nil
	}
	params, err := walkScope(reader, lookup, act, parent, env, log)
	if err != nil {
		return err
	}
	act.Params = params
	return nil
}

// walkScope consumes entries up to and including the terminating null
// at the current depth, returning the flattened parameter list for
// that scope.
func walkScope(reader *dwarf.Reader, lookup ModuleLookup, act, parent *Activation, env evalEnv, log logFn) ([]*Parameter, error) {
	var params []*Parameter
	for {
		child, err := reader.Next()
		if err != nil {
			return params, newError(KindDependency, "walk-scope", err)
		}
		if child == nil || child.Tag == 0 {
			return params, nil
		}

		switch child.Tag {
		case dwarf.TagFormalParameter, dwarf.TagVariable:
			p := decodeParameter(child, lookup, act, parent, env, log)
			params = append(params, p)
			if child.Children {
				if err := skipSubtree(reader); err != nil {
					return params, err
				}
			}
		case dwarf.TagUnspecifiedParameters:
			params = append(params, &Parameter{Name: "...", Flags: FlagUnspec})
			if child.Children {
				if err := skipSubtree(reader); err != nil {
					return params, err
				}
			}
		case dwarf.TagLexicalBlock:
			if child.Children {
				nested, err := walkScope(reader, lookup, act, parent, env, log)
				if err != nil {
					return params, err
				}
				params = append(params, nested...)
			}
		case dwarf.TagInlinedSubroutine:
			log("skipping inlined subroutine", map[string]interface{}{"name": inlinedName(child, lookup, act)})
			if child.Children {
				if err := skipSubtree(reader); err != nil {
					return params, err
				}
			}
		case dwarf.TagCallSite, tagGNUCallSite:
			// handled separately by resolveCallSites; skip here.
			if child.Children {
				if err := skipSubtree(reader); err != nil {
					return params, err
				}
			}
		default:
			if child.Children {
				if err := skipSubtree(reader); err != nil {
					return params, err
				}
			}
		}
	}
}

func inlinedName(entry *dwarf.Entry, lookup ModuleLookup, act *Activation) string {
	if name, ok := entry.Val(dwarf.AttrName).(string); ok && name != "" {
		return name
	}
	if ref, ok := entry.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset); ok {
		if e, ok := lookupDIE(lookup, act.PC, ref); ok {
			if name, ok := e.Val(dwarf.AttrName).(string); ok && name != "" {
				return name
			}
		}
	}
	return "<inlined>"
}

func decodeParameter(entry *dwarf.Entry, lookup ModuleLookup, act, parent *Activation, env evalEnv, log logFn) *Parameter {
	p := &Parameter{Flags: FlagVariable}
	p.Name, _ = entry.Val(dwarf.AttrName).(string)
	if p.Name == "" {
		p.Name = "<unnamed>"
	}
	if entry.Tag == dwarf.TagFormalParameter {
		p.Flags &^= FlagVariable
	}
	if line, ok := uintVal(entry.Val(dwarf.AttrDeclLine)); ok {
		p.Line = int(line)
	}

	if ref, ok := entry.Val(dwarf.AttrType).(dwarf.Offset); ok {
		chain, sizeBytes, flags := resolveTypeChain(lookup, act.PC, ref)
		p.TypeChain = chain
		p.SizeBits = sizeBytes * 8
		p.Flags |= flags
	} else {
		p.Flags |= FlagVoid
	}

	resolveLocation(p, entry, act, parent, env, log)
	return p
}

func resolveLocation(p *Parameter, entry *dwarf.Entry, act, parent *Activation, env evalEnv, log logFn) {
	switch raw := entry.Val(dwarf.AttrLocation).(type) {
	case []byte:
		expr, err := decodeExpression(raw)
		if err != nil {
			log("parameter location decode failed", map[string]interface{}{"name": p.Name, "error": err.Error()})
			return
		}
		p.Location = expr
		if !act.HasCFA && exprNeedsCFA(expr) {
			return
		}
		ev := newEvaluator(act, parent, env, log)
		v, err := ev.Eval(expr)
		if err != nil {
			log("parameter location evaluation failed", map[string]interface{}{"name": p.Name, "error": err.Error()})
			return
		}
		p.Value = v
		p.HasValue = true
		p.Flags |= FlagHasValue
		return
	case int64, uint64, dwarf.Offset:
		// loclistptr/sec_offset: a PC-range-keyed location list. Picking
		// the entry valid for act.PC needs the raw .debug_loc/
		// .debug_loclists bytes, which sit outside the ModuleLookup
		// contract (spec §6); the parameter is left unresolved, matching
		// the "<undefined>" fallback (spec §8).
		p.locListPtr = true
		return
	}

	switch cv := entry.Val(dwarf.AttrConstValue).(type) {
	case int64:
		p.Value, p.HasValue = uint64(cv), true
		p.Flags |= FlagHasValue | FlagConst
	case uint64:
		p.Value, p.HasValue = cv, true
		p.Flags |= FlagHasValue | FlagConst
	case []byte:
		p.Value, p.HasValue = leToU64(cv), true
		p.Flags |= FlagHasValue | FlagConst
	}
}

// exprNeedsCFA reports whether expr references the frame's CFA either
// directly (DW_OP_call_frame_cfa) or through DW_OP_fbreg, both of
// which this engine resolves via act.CFA (spec §4.2 Open Question a).
func exprNeedsCFA(expr Expression) bool {
	for _, op := range expr.Ops {
		if op.Code == OpCallFrameCFA || op.Code == OpFbreg {
			return true
		}
	}
	return false
}

func lookupDIE(lookup ModuleLookup, pc uint64, off dwarf.Offset) (*dwarf.Entry, bool) {
	r, err := lookup.Reader(pc)
	if err != nil {
		return nil, false
	}
	r.Seek(off)
	e, err := r.Next()
	if err != nil || e == nil {
		return nil, false
	}
	return e, true
}

// resolveTypeChain follows a DW_AT_type reference through
// typedef/const/volatile/restrict/pointer/array qualifiers down to a
// terminal base/struct/union/class/enum/subroutine type, reconstructing
// the ordered chain a C declaration would show (spec §3 "TypeChain").
func resolveTypeChain(lookup ModuleLookup, pc uint64, ref dwarf.Offset) ([]TypeChainEntry, int, ParamFlags) {
	var chain []TypeChainEntry
	var flags ParamFlags
	size := 8
	seen := map[dwarf.Offset]bool{}
	cur := ref

	for {
		if seen[cur] {
			return chain, size, flags
		}
		seen[cur] = true
		entry, ok := lookupDIE(lookup, pc, cur)
		if !ok {
			return chain, size, flags
		}
		name, _ := entry.Val(dwarf.AttrName).(string)
		if bs, ok := uintVal(entry.Val(dwarf.AttrByteSize)); ok {
			size = int(bs)
		}

		switch entry.Tag {
		case dwarf.TagBaseType:
			chain = append(chain, TypeChainEntry{Kind: "base", Name: name})
			flags |= classifyBaseType(entry)
			return chain, size, flags
		case dwarf.TagTypedef:
			chain = append(chain, TypeChainEntry{Kind: "typedef", Name: name})
			flags |= FlagTypedef
		case dwarf.TagConstType:
			chain = append(chain, TypeChainEntry{Kind: "const"})
			flags |= FlagConst
		case dwarf.TagVolatileType:
			chain = append(chain, TypeChainEntry{Kind: "volatile"})
		case dwarf.TagRestrictType:
			chain = append(chain, TypeChainEntry{Kind: "restrict"})
		case dwarf.TagPointerType:
			chain = append(chain, TypeChainEntry{Kind: "pointer"})
			flags |= FlagPointer
		case dwarf.TagArrayType:
			chain = append(chain, TypeChainEntry{Kind: "array", Name: name})
			flags |= FlagArray
		case dwarf.TagStructType:
			chain = append(chain, TypeChainEntry{Kind: "struct", Name: name})
			flags |= FlagStruct
			return chain, size, flags
		case dwarf.TagUnionType:
			chain = append(chain, TypeChainEntry{Kind: "union", Name: name})
			flags |= FlagUnion
			return chain, size, flags
		case dwarf.TagClassType:
			chain = append(chain, TypeChainEntry{Kind: "class", Name: name})
			flags |= FlagClass
			return chain, size, flags
		case dwarf.TagEnumerationType:
			chain = append(chain, TypeChainEntry{Kind: "enum", Name: name})
			flags |= FlagEnum
			return chain, size, flags
		case dwarf.TagSubroutineType:
			chain = append(chain, TypeChainEntry{Kind: "subroutine", Name: name})
			return chain, size, flags
		default:
			chain = append(chain, TypeChainEntry{Kind: "unknown", Name: name})
			return chain, size, flags
		}

		next, ok := entry.Val(dwarf.AttrType).(dwarf.Offset)
		if !ok {
			chain = append(chain, TypeChainEntry{Kind: "void"})
			flags |= FlagVoid
			return chain, size, flags
		}
		cur = next
	}
}

func classifyBaseType(entry *dwarf.Entry) ParamFlags {
	enc, _ := uintVal(entry.Val(dwarf.AttrEncoding))
	switch enc {
	case 0x02: // DW_ATE_boolean
		return FlagBool
	case 0x04: // DW_ATE_float
		return FlagFloat
	case 0x06: // DW_ATE_signed_char
		return FlagChar
	case 0x08: // DW_ATE_unsigned_char
		return FlagUChar
	case 0x07: // DW_ATE_unsigned
		return FlagUint
	default: // DW_ATE_signed and anything else defaults to a signed int class
		return FlagInt
	}
}
