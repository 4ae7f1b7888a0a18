//go:build !linux

package affinity

import "runtime"

// Supported reports whether Pin has an effect on this platform.
const Supported = false

// Pin locks the calling goroutine to its OS thread. CPU selection is not
// available on this platform, so it always reports -1.
func Pin(cpu int) (int, error) {
	runtime.LockOSThread()
	return -1, nil
}

// Unpin unlocks the calling goroutine from its OS thread.
func Unpin(restore []int) {
	runtime.UnlockOSThread()
}

// Allowed returns nil on platforms without affinity support.
func Allowed() ([]int, error) {
	return nil, nil
}
