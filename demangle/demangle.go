// Package demangle implements pstrace.Demangler over
// github.com/ianlancetaylor/demangle, the Itanium C++ ABI demangler
// used by Go's own toolchain (cmd/pprof, cmd/trace) to make native
// symbol names readable.
package demangle

import (
	"fmt"

	"github.com/ianlancetaylor/demangle"
)

// Filter wraps demangle.Filter with the options this engine wants:
// no parameter list collapsing, so an overloaded C++ function's
// signature stays distinguishable in a rendered trace.
type Filter struct {
	opts []demangle.Option
}

// New returns a Filter that keeps parameter lists and drops clone
// suffixes (demangle.NoClones).
func New() *Filter {
	return &Filter{opts: []demangle.Option{demangle.NoClones}}
}

// Demangle implements pstrace.Demangler. Names demangle doesn't
// recognize (plain C symbols, already-demangled names) are returned
// unchanged together with an error flagging that they were not
// demangled, so a caller can fall back to printing the name verbatim.
func (f *Filter) Demangle(mangled string) (string, error) {
	out := demangle.Filter(mangled, f.opts...)
	if out == mangled {
		return mangled, fmt.Errorf("demangle: %q is not a mangled name", mangled)
	}
	return out, nil
}
