package demangle

import "testing"

func TestDemangleItaniumName(t *testing.T) {
	f := New()
	got, err := f.Demangle("_Z3fooi")
	if err != nil {
		t.Fatal(err)
	}
	if got != "foo(int)" {
		t.Errorf("got %q, want %q", got, "foo(int)")
	}
}

func TestDemangleUnrecognizedNameReturnsUnchanged(t *testing.T) {
	f := New()
	got, err := f.Demangle("plain_c_symbol")
	if err == nil {
		t.Fatal("expected an error flagging the name as not mangled")
	}
	if got != "plain_c_symbol" {
		t.Errorf("got %q, want the original name unchanged", got)
	}
}
