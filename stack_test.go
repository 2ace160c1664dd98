package pstrace

import "testing"

func TestDereferenceOnceRegisterLoc(t *testing.T) {
	s := newStack(testEnv())
	s.push(RegRAX, 8, TypeRegisterLoc)
	v, _ := s.pop()
	got, err := s.dereferenceOnce(v)
	if err != nil {
		t.Fatal(err)
	}
	if got != 7 {
		t.Errorf("got %d, want 7 (fake RAX contents)", got)
	}
}

func TestDereferenceOnceMemoryLoc(t *testing.T) {
	s := newStack(testEnv())
	s.push(0x1000, 8, TypeMemoryLoc)
	v, _ := s.pop()
	got, err := s.dereferenceOnce(v)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0x42 {
		t.Errorf("got %#x, want 0x42", got)
	}
}

func TestDereferenceOnceGenericPassesThrough(t *testing.T) {
	s := newStack(testEnv())
	s.push(99, 8, TypeGeneric)
	v, _ := s.pop()
	got, _ := s.dereferenceOnce(v)
	if got != 99 {
		t.Errorf("got %d, want 99 (no dereference for a plain value)", got)
	}
}

func TestPromoteRegisterTopNoOpForMemoryLoc(t *testing.T) {
	s := newStack(testEnv())
	s.push(0x1000, 8, TypeMemoryLoc)
	if err := s.promoteRegisterTop(); err != nil {
		t.Fatal(err)
	}
	v, _ := s.peek(0)
	if v.Type&TypeMemoryLoc == 0 {
		t.Error("MEMORY_LOC top should survive promotion untouched")
	}
}

func TestPromoteRegisterTopReplacesRegisterLoc(t *testing.T) {
	s := newStack(testEnv())
	s.push(RegRAX, 8, TypeRegisterLoc)
	if err := s.promoteRegisterTop(); err != nil {
		t.Fatal(err)
	}
	v, _ := s.peek(0)
	if v.Type&TypeRegisterLoc != 0 {
		t.Error("REGISTER_LOC top should have been replaced")
	}
	if v.Payload != 7 {
		t.Errorf("got %d, want register contents 7", v.Payload)
	}
}

func TestGetResultClearsStackOnFailure(t *testing.T) {
	s := newStack(testEnv())
	if _, err := s.getResult(); err == nil {
		t.Fatal("expected underflow error on empty stack")
	}
	if s.len() != 0 {
		t.Error("stack should be empty after a failed getResult")
	}
}
