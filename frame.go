package pstrace

// resolveFrame computes an activation's Canonical Frame Address (C4):
// look up the owning module's call-frame information, preferring
// .eh_frame over .debug_frame per spec §4.3, find the FDE covering
// act.PC, and evaluate its CFA-defining opcode sequence through the
// same Evaluator the rest of the engine uses. Grounded on
// Data.CanonicalFrameAddress in
// _examples/ConradIrwin-go-dwarf/unwind.go, generalized from its
// inline byte-stream walk to the table-driven Evaluator (spec §9
// REDESIGN FLAG: "inline one-off mini-interpreter for CFA opcodes ->
// route through the same Evaluator/opTable as everything else").
//
// A failure here is recoverable: act.HasCFA stays false, the
// activation keeps whatever name/line information was already
// resolved, and fbreg/call_frame_cfa opcodes fail with KindDependency
// wherever this activation's parameters are later evaluated.
func resolveFrame(act *Activation, module *Module, cfi CFIAccess, env evalEnv, log logFn) error {
	if log == nil {
		log = func(string, map[string]interface{}) {}
	}
	cfiBytes, ok := cfi.EHFrame(module)
	if !ok {
		cfiBytes, ok = cfi.DebugFrame(module)
	}
	if !ok {
		return newError(KindDependency, "resolve-frame", errNoCFI)
	}

	fde, err := cfi.FrameAt(cfiBytes, act.PC)
	if err != nil {
		return newError(KindDependency, "resolve-frame", err)
	}
	if fde == nil {
		return newError(KindDependency, "resolve-frame", errNoFDE)
	}

	expr, err := decodeExpression(fde.CFAOps)
	if err != nil {
		return newError(KindDecode, "resolve-frame", err)
	}

	ev := newEvaluator(act, nil, env, log)
	cfa, err := ev.Eval(expr)
	if err != nil {
		return newError(KindEvaluation, "resolve-frame", err)
	}

	act.CFA = cfa
	act.HasCFA = true
	act.RetRegister = fde.RetRegister
	act.LowPC = fde.LowPC
	act.HighPC = fde.HighPC
	return nil
}
