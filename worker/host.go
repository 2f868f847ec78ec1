// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package worker

import (
	"fmt"

	"github.com/hashicorp/go-unarchive/config"
	"github.com/hashicorp/go-unarchive/failure"
	"github.com/hashicorp/go-unarchive/format"
	"github.com/hashicorp/go-unarchive/native"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ModuleFactory creates the native module of an execution context. It is
// called once per generation of the context.
type ModuleFactory func(cfg *config.Config) (native.Module, error)

// openReaders is the number of opened archives a host keeps. The engine holds
// one archive, a second slot covers the load that replaces it.
const openReaders = 2

// DefaultFactory creates the native module of this repository.
func DefaultFactory(cfg *config.Config) (native.Module, error) {
	return native.New(cfg), nil
}

// host is one generation of an execution context. It runs in its own
// goroutine and only communicates through messages.
type host struct {
	d      *Dispatcher
	c      *execContext
	gen    int
	module native.Module

	// opened archives by archive id
	readers *lru.Cache[string, *opened]
}

// opened is an archive reader and the password it was opened with
type opened struct {
	reader   native.Reader
	password string
}

// run processes the init request and then all requests of the context queue
// until stop is closed. A panic ends the generation and is reported as crash.
func (h *host) run(initID string, wake <-chan struct{}, stop <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			h.d.send(message{c: h.c, gen: h.gen, crash: fmt.Errorf("execution context panicked: %v", r)})
		}
	}()
	defer h.closeReaders()

	if !h.init(initID) {
		return
	}

	for {
		select {
		case <-stop:
			return
		case <-wake:
		}

		for {
			req, ok := h.d.dequeue(h.c, h.gen)
			if !ok {
				break
			}
			h.d.send(message{c: h.c, gen: h.gen, resp: h.handle(req)})
		}
	}
}

// init loads the native module and reports the outcome
func (h *host) init(id string) bool {
	m, err := h.d.factory(h.d.cfg)
	if err == nil && m == nil {
		err = fmt.Errorf("module factory returned no module")
	}
	if err != nil {
		h.d.send(message{c: h.c, gen: h.gen, resp: errorResponse(id, failure.Wrap(failure.InitializationFailed, err, "cannot load native module"))})
		return false
	}
	h.module = m
	h.d.send(message{c: h.c, gen: h.gen, resp: Response{ID: id, Kind: ResponseSuccess}})
	return true
}

// handle processes req and returns the final response
func (h *host) handle(req Request) Response {
	h.d.cfg.Logger().Debug("processing request", "context", h.c.id, "id", req.ID, "kind", req.Kind)

	res, err := h.process(req)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return Response{ID: req.ID, Kind: ResponseSuccess, Result: res}
}

func (h *host) process(req Request) (*Result, error) {
	p := req.Payload
	switch req.Kind {
	case KindDetectFormat:
		return &Result{Format: format.DetectWithOptions(p.Data, h.d.cfg.TruncatedProbeFallback())}, nil

	case KindParse:
		r, err := h.open(p)
		if err != nil {
			return nil, err
		}
		entries, err := r.ListEntries()
		if err != nil {
			return nil, err
		}
		return &Result{Format: r.Format(), Entries: entries, Encrypted: r.HasPassword()}, nil

	case KindExtractSingle:
		r, err := h.open(p)
		if err != nil {
			return nil, err
		}
		data, err := r.ExtractEntry(p.Path, p.Password, h.progress(req.ID))
		if err != nil {
			return nil, err
		}
		return &Result{Format: r.Format(), Data: data}, nil

	case KindExtractMultiple:
		return h.extractMultiple(req.ID, p)
	}
	return nil, failure.New(failure.Unknown, "unknown request kind %q", req.Kind)
}

// extractMultiple extracts every requested entry. A failing entry does not
// abort the others.
func (h *host) extractMultiple(id string, p Payload) (*Result, error) {
	r, err := h.open(p)
	if err != nil {
		return nil, err
	}

	paths := p.Paths
	if len(paths) == 0 {
		entries, err := r.ListEntries()
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir {
				paths = append(paths, e.Path)
			}
		}
	}

	res := &Result{Format: r.Format(), Files: make(map[string][]byte, len(paths))}
	progress := h.progress(id)
	for _, path := range paths {
		data, err := r.ExtractEntry(path, p.Password, progress)
		if err != nil {
			if res.Failures == nil {
				res.Failures = make(map[string]Fault)
			}
			res.Failures[path] = faultOf(err)
			continue
		}
		res.Files[path] = data
	}
	return res, nil
}

// open returns the reader of the archive in p. Opened archives are reused if
// the id and password match.
func (h *host) open(p Payload) (native.Reader, error) {
	if h.readers == nil {
		readers, err := lru.NewWithEvict[string, *opened](openReaders, h.closeReader)
		if err != nil {
			return nil, err
		}
		h.readers = readers
	}

	if p.ArchiveID != "" {
		if o, ok := h.readers.Get(p.ArchiveID); ok {
			if p.Password == "" || p.Password == o.password {
				return o.reader, nil
			}
			h.readers.Remove(p.ArchiveID)
		}
	}
	if len(p.Data) == 0 {
		return nil, failure.New(failure.CorruptArchive, "archive %q is not loaded and no data was sent", p.ArchiveID)
	}

	r, err := h.module.Open(p.Data, p.Name, p.Password)
	if err != nil {
		return nil, err
	}
	h.readers.Remove(p.ArchiveID)
	h.readers.Add(p.ArchiveID, &opened{reader: r, password: p.Password})
	return r, nil
}

// closeReader releases an opened archive that left the cache
func (h *host) closeReader(id string, o *opened) {
	if err := o.reader.Close(); err != nil {
		h.d.cfg.Logger().Warn("cannot close archive reader", "context", h.c.id, "archive", id, "error", err)
	}
}

// closeReaders releases all opened archives
func (h *host) closeReaders() {
	if h.readers != nil {
		h.readers.Purge()
	}
}

// progress returns a function that sends progress responses for id
func (h *host) progress(id string) native.ProgressFunc {
	return func(pr native.Progress) {
		h.d.send(message{c: h.c, gen: h.gen, resp: Response{ID: id, Kind: ResponseProgress, Progress: &pr}})
	}
}
