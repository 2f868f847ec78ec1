// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

// Package unarchive provides an in-process archive engine that loads an
// archive from memory, enumerates its entries and extracts single entries.
//
// The [Engine] detects the format by magic bytes (see the format package) and
// delegates the decompression to execution contexts of a worker.Dispatcher.
// Every buffer the engine produces is admitted by a memory.Controller before
// the work is dispatched, extracted entries are cached until the controller
// evicts them or the archive is replaced.
//
// Configuration is done with the option functions of the config package. A
// telemetry hook receives a telemetry.Data record after every load and
// extraction. All errors carry a failure.Kind.
package unarchive
