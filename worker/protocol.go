// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package worker

import (
	"github.com/hashicorp/go-unarchive/failure"
	"github.com/hashicorp/go-unarchive/format"
	"github.com/hashicorp/go-unarchive/native"
)

// RequestKind is the kind of work a request asks for.
type RequestKind string

const (
	// KindInit loads the native module inside an execution context. It is sent
	// by the dispatcher and cannot be submitted.
	KindInit RequestKind = "init"

	// KindDetectFormat classifies the payload data.
	KindDetectFormat RequestKind = "detect-format"

	// KindParse opens the payload data and enumerates its entries.
	KindParse RequestKind = "parse"

	// KindExtractSingle extracts the entry at the payload path.
	KindExtractSingle RequestKind = "extract-single"

	// KindExtractMultiple extracts the entries at the payload paths, or all
	// files if no path is given.
	KindExtractMultiple RequestKind = "extract-multiple"
)

// ResponseKind is the kind of a response message.
type ResponseKind string

const (
	ResponseSuccess  ResponseKind = "success"
	ResponseError    ResponseKind = "error"
	ResponseProgress ResponseKind = "progress"
)

// Request is sent from the dispatcher to an execution context.
type Request struct {
	ID      string      `json:"id"`
	Kind    RequestKind `json:"kind"`
	Payload Payload     `json:"payload"`
}

// Payload is the input of a request.
type Payload struct {
	// ArchiveID identifies the archive, the execution context keeps the last
	// opened archive by this id
	ArchiveID string `json:"archiveId,omitempty"`

	// Name is the declared name of the archive
	Name string `json:"name,omitempty"`

	// Data is the archive content
	Data []byte `json:"data,omitempty"`

	// Password is used to open the archive and to decrypt entries
	Password string `json:"password,omitempty"`

	// Path is the entry of an extract-single request
	Path string `json:"path,omitempty"`

	// Paths are the entries of an extract-multiple request
	Paths []string `json:"paths,omitempty"`
}

// Response is sent from an execution context to the dispatcher. Zero or more
// progress responses precede exactly one success or error response.
type Response struct {
	ID       string           `json:"id"`
	Kind     ResponseKind     `json:"kind"`
	Result   *Result          `json:"payload,omitempty"`
	Progress *native.Progress `json:"progress,omitempty"`
	Code     string           `json:"code,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// Result is the output of a successful request.
type Result struct {
	Format    format.Format     `json:"format,omitempty"`
	Entries   []native.Entry    `json:"entries,omitempty"`
	Encrypted bool              `json:"encrypted,omitempty"`
	Data      []byte            `json:"data,omitempty"`
	Files     map[string][]byte `json:"files,omitempty"`
	Failures  map[string]Fault  `json:"failures,omitempty"`
}

// Fault is an error in the form it crosses the execution context boundary.
type Fault struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// faultOf converts err into a [Fault]
func faultOf(err error) Fault {
	return Fault{Code: string(failure.KindOf(err)), Message: failure.Message(err)}
}

// Err reconstructs the error.
func (f Fault) Err() error {
	return failure.New(failure.ParseKind(f.Code), "%s", f.Message)
}

// errorResponse returns the error response for request id
func errorResponse(id string, err error) Response {
	f := faultOf(err)
	return Response{ID: id, Kind: ResponseError, Code: f.Code, Error: f.Message}
}

// err reconstructs the error of an error response
func (r Response) err() error {
	return Fault{Code: r.Code, Message: r.Error}.Err()
}
