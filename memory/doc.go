// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

// Package memory implements the admission controller for in-memory buffers.
//
// Allocations are logical reservations, the controller never allocates memory
// itself. The sum of all live allocations never exceeds the configured budget
// when a call returns. Under pressure the allocation with the lowest priority
// and the oldest last access is evicted first.
package memory
