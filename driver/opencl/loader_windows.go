//go:build windows

package opencl

import (
	"errors"

	"golang.org/x/sys/windows"
)

var libraryNames = []string{"OpenCL.dll"}

func openLibrary(names []string) (uintptr, error) {
	var lastErr error
	for _, name := range names {
		h, err := windows.LoadLibrary(name)
		if err == nil {
			return uintptr(h), nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no opencl library name configured")
	}
	return 0, lastErr
}
