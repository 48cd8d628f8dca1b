//go:build !windows

package opencl

import (
	"errors"

	"github.com/ebitengine/purego"
)

var libraryNames = []string{"libOpenCL.so.1", "libOpenCL.so", "/System/Library/Frameworks/OpenCL.framework/OpenCL"}

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
		lastErr = errors.New("no opencl library name configured")
	}
	return 0, lastErr
}
