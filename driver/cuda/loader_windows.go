//go:build windows

package cuda

import (
	"errors"

	"golang.org/x/sys/windows"
)

// nvcuda.dll exports the legacy entry points with the platform's default
// stdcall convention; purego registers against the raw module handle.
var libraryNames = []string{"nvcuda.dll"}

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
		lastErr = errors.New("no cuda library name configured")
	}
	return 0, lastErr
}
