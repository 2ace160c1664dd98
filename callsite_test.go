package pstrace

import "testing"

func TestEntryValueResolvesFromParentCallSite(t *testing.T) {
	callee := newActivation(0x4000, 0x2000)
	callee.LowPC = 0x4000
	callee.Name = "callee"

	paramLoc, err := decodeExpression([]byte{byte(OpReg0 + RegRDI)})
	if err != nil {
		t.Fatal(err)
	}
	parent := newActivation(0x1000, 0x3000)
	parent.callSites.add(&CallSite{
		Target: 0x4000,
		Origin: "callee",
		Params: []CallSiteParam{{Location: paramLoc, Value: 0x2a}},
	})

	raw := append([]byte{byte(OpEntryValue)}, encodeULEB128(1)...)
	raw = append(raw, byte(OpReg0+RegRDI))
	expr, err := decodeExpression(raw)
	if err != nil {
		t.Fatal(err)
	}

	ev := newEvaluator(callee, parent, testEnv(), nil)
	got, err := ev.Eval(expr)
	if err != nil {
		t.Fatalf("entry_value eval: %v", err)
	}
	if got != 0x2a {
		t.Errorf("got %#x, want 0x2a", got)
	}
}

func TestEntryValueNoParentFails(t *testing.T) {
	raw := append([]byte{byte(OpEntryValue)}, encodeULEB128(1)...)
	raw = append(raw, byte(OpReg0+RegRDI))
	expr, err := decodeExpression(raw)
	if err != nil {
		t.Fatal(err)
	}
	ev := newEvaluator(newActivation(0, 0), nil, testEnv(), nil)
	if _, err := ev.Eval(expr); err == nil {
		t.Fatal("expected error with no parent activation")
	}
}

func TestEntryValueNoMatchingCallSiteParam(t *testing.T) {
	callee := newActivation(0x4000, 0x2000)
	callee.LowPC = 0x4000
	parent := newActivation(0x1000, 0x3000)
	otherLoc, _ := decodeExpression([]byte{byte(OpReg0 + RegRSI)})
	parent.callSites.add(&CallSite{Target: 0x4000, Params: []CallSiteParam{{Location: otherLoc, Value: 1}}})

	raw := append([]byte{byte(OpEntryValue)}, encodeULEB128(1)...)
	raw = append(raw, byte(OpReg0+RegRDI))
	expr, _ := decodeExpression(raw)

	ev := newEvaluator(callee, parent, testEnv(), nil)
	if _, err := ev.Eval(expr); err == nil {
		t.Fatal("expected no-match error when sub-expression doesn't match any call-site parameter")
	}
}

func TestCallSiteIndexLookupByTargetThenOrigin(t *testing.T) {
	idx := newCallSiteIndex()
	cs := &CallSite{Target: 0x99, Origin: "foo"}
	idx.add(cs)
	if got := idx.lookup(0x99, "bar"); got != cs {
		t.Error("lookup by target should succeed regardless of origin")
	}
	if got := idx.lookup(0, "foo"); got != cs {
		t.Error("lookup by origin should succeed when target misses")
	}
	if got := idx.lookup(0, "nope"); got != nil {
		t.Error("lookup should miss on both target and origin mismatch")
	}
}
