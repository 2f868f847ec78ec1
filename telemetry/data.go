// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package telemetry

import (
	"context"
	"encoding/json"
	"time"
)

// Operation names reported in [Data].
const (
	OperationLoad    = "load"
	OperationExtract = "extract"
)

// Data is a struct type that holds all telemetry data of an archive operation.
type Data struct {
	// Operation is the engine operation, e.g. [OperationLoad]
	Operation string

	// ArchiveFormat is the detected format of the archive
	ArchiveFormat string

	// Duration is the time the operation took
	Duration time.Duration

	// Entries is the number of entries in the archive
	Entries int64

	// Errors is the number of errors during the operation
	Errors int64

	// ExtractedFiles is the number of extracted files
	ExtractedFiles int64

	// ExtractionSize is the size of the extracted files
	ExtractionSize int64

	// InputSize is the size of the archive
	InputSize int64

	// LastError is the last error during the operation
	LastError error
}

// String returns a string representation of [Data].
func (d Data) String() string {
	b, _ := json.Marshal(d)
	return string(b)
}

// MarshalJSON implements the [encoding/json.Marshaler] interface.
func (d Data) MarshalJSON() ([]byte, error) {
	var lastError string
	if d.LastError != nil {
		lastError = d.LastError.Error()
	}

	type Alias Data
	return json.Marshal(&struct {
		LastError string `json:"LastError"`
		*Alias
	}{
		LastError: lastError,
		Alias:     (*Alias)(&d),
	})
}

// Hook is a function type that performs operations on [Data] after an
// operation has finished, which can be used to submit the [Data] to a
// telemetry service, for example.
type Hook func(context.Context, *Data)

// NoopHook is a no operation telemetry hook.
func NoopHook(ctx context.Context, d *Data) {
	// noop
}

// CaptureDuration sets the duration of d to the time elapsed since start.
func CaptureDuration(d *Data, start time.Time) {
	d.Duration = time.Since(start)
}

// CaptureError counts err and remembers it as the last error. A nil err is ignored.
func CaptureError(d *Data, err error) {
	if err == nil {
		return
	}
	d.Errors++
	d.LastError = err
}
