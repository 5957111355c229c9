package ports

import (
	"fmt"

	"github.com/electricddev/codev-sub000/internal/errors"
)

// FindFree returns the first port in [lo, hi) that is neither recorded in
// used nor currently listening. The used set matters: a builder mid-startup
// holds its assigned port in the state store before binding it, so an OS
// probe alone would hand the same port out twice. probe may be nil, in which
// case a loopback TCP dial is used.
func FindFree(lo, hi int, used map[int]bool, probe func(port int) bool) (int, error) {
	if probe == nil {
		probe = portListening
	}
	for p := lo; p < hi; p++ {
		if used[p] || probe(p) {
			continue
		}
		return p, nil
	}
	return 0, fmt.Errorf("%w: %d-%d exhausted", errors.ErrNoFreePort, lo, hi-1)
}
