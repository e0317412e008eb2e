package queue

import "runtime"

// yieldCPU hands the OS thread back to the Go scheduler. Used by the
// busy-yield shutdown paths documented on both queue variants.
func yieldCPU() {
	runtime.Gosched()
}
