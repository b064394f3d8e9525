package utils

import (
	"fmt"
	"runtime/debug"
	"slices"
	"strings"

	"github.com/lithammer/dedent"
)

// J joins state names into a single string
func J(states []string) string {
	return strings.Join(states, " ")
}

// GetVersion returns the module version from the build info.
func GetVersion() string {
	build, ok := debug.ReadBuildInfo()
	if !ok {
		return "(devel)"
	}

	ver := build.Main.Version
	if ver == "" {
		return "(devel)"
	}

	return ver
}

func SlicesWithout[S ~[]E, E comparable](coll S, el E) S {
	idx := slices.Index(coll, el)
	ret := slices.Clone(coll)
	if idx == -1 {
		return ret
	}
	return slices.Delete(ret, idx, idx+1)
}

// Sp formats a dedented multiline string.
func Sp(txt string, args ...any) string {
	return fmt.Sprintf(dedent.Dedent(strings.Trim(txt, "\n")), args...)
}
