// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

// Package telemetry provides a way to capture telemetry data of archive operations.
//
// The package provides a struct type [Data] that holds all telemetry data of a load
// or extraction and the [Hook] function type that consumes it.
package telemetry
