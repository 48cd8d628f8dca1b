//go:build !windows

package cuda

import (
	"errors"

	"github.com/ebitengine/purego"
)

var libraryNames = []string{"libcuda.so.1", "libcuda.so", "libcuda.dylib"}

func openLibrary(names []string) (uintptr, error) {
	var lastErr error
	for _, name := range names {
		lib, err := purego.Dlopen(name, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err == nil {
			return lib, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no cuda library name configured")
	}
	return 0, lastErr
}
