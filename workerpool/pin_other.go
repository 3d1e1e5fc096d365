// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package workerpool

import "errors"

// pinToCPU is unsupported outside Linux; callers fall back to running
// unpinned and log once.
func pinToCPU(cpu int) error {
	return errors.New("workerpool: CPU pinning unsupported on this platform")
}

const pinningSupported = false
