//go:build linux

package affinity

import (
	"runtime"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// cpuSetSize matches CPU_SETSIZE from sched.h.
const cpuSetSize = 1024

// Supported reports whether Pin has an effect on this platform.
const Supported = true

// Pin locks the calling goroutine to its OS thread and restricts that thread
// to cpu modulo the number of CPUs the process may use. The caller must not
// call runtime.UnlockOSThread afterwards unless it also calls Unpin.
func Pin(cpu int) (int, error) {
	cpus, err := Allowed()
	if err != nil {
		return -1, err
	}
	if len(cpus) == 0 {
		return -1, errors.New("no cpus in affinity mask")
	}
	target := cpus[cpu%len(cpus)]

	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(target)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		runtime.UnlockOSThread()
		return -1, errors.Wrapf(err, "sched_setaffinity cpu %d", target)
	}
	return target, nil
}

// Unpin restores the thread's full affinity mask and unlocks it from the
// calling goroutine.
func Unpin(restore []int) {
	if len(restore) > 0 {
		var set unix.CPUSet
		set.Zero()
		for _, c := range restore {
			set.Set(c)
		}
		_ = unix.SchedSetaffinity(0, &set)
	}
	runtime.UnlockOSThread()
}

// Allowed returns the CPUs the process may currently run on.
func Allowed() ([]int, error) {
	var allowed unix.CPUSet
	if err := unix.SchedGetaffinity(0, &allowed); err != nil {
		return nil, errors.Wrap(err, "sched_getaffinity")
	}
	cpus := make([]int, 0, allowed.Count())
	for i := 0; i < cpuSetSize; i++ {
		if allowed.IsSet(i) {
			cpus = append(cpus, i)
		}
	}
	return cpus, nil
}
