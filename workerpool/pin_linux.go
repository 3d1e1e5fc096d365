// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package workerpool

import "golang.org/x/sys/unix"

// pinToCPU pins the calling OS thread to the given CPU, mirroring
// ThreadData::start's pthread_setaffinity_np call. The caller must have
// already called runtime.LockOSThread.
func pinToCPU(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}

const pinningSupported = true
