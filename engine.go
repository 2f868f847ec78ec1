// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package unarchive

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-unarchive/config"
	"github.com/hashicorp/go-unarchive/failure"
	"github.com/hashicorp/go-unarchive/format"
	"github.com/hashicorp/go-unarchive/memory"
	"github.com/hashicorp/go-unarchive/native"
	"github.com/hashicorp/go-unarchive/telemetry"
	"github.com/hashicorp/go-unarchive/worker"
	"golang.org/x/sync/errgroup"
)

// allocation tags
const (
	tagArchiveBuffer = "archive-buffer"
	tagEntryBuffer   = "entry-buffer"
)

// Progress reports the state of an extraction.
type Progress = native.Progress

// ProgressFunc receives progress reports.
type ProgressFunc func(Progress)

// Entry is one file or directory in an archive.
type Entry = native.Entry

// Archive describes the loaded archive.
type Archive struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Format     format.Format `json:"format"`
	Size       int64         `json:"size"`
	EntryCount int           `json:"entryCount"`
	Encrypted  bool          `json:"encrypted"`
	Entries    []Entry       `json:"entries"`
}

// copy returns a deep copy of a
func (a *Archive) copy() *Archive {
	c := *a
	c.Entries = append([]Entry(nil), a.Entries...)
	return &c
}

// loaded is the engine state of the current archive
type loaded struct {
	archive    *Archive
	data       []byte
	password   string
	allocation string
	entries    map[string]Entry

	// extracted entries by path and the allocations backing them
	cache   map[string]*cached
	byAlloc map[string]string
}

// cached is an extracted entry
type cached struct {
	data       []byte
	allocation string
}

// Engine is the entry point for loading archives and extracting their
// entries. It holds at most one archive at a time. All buffers it produces are
// admitted by the memory controller before the work is dispatched.
type Engine struct {
	cfg        *config.Config
	dispatcher *worker.Dispatcher
	memory     *memory.Controller
	owned      bool

	loading atomic.Bool

	mu         sync.Mutex
	current    *loaded
	generation uint64
	closed     bool
}

// New creates an engine with its own dispatcher and memory controller. The
// dispatcher is initialized before New returns and the periodic memory check
// runs until [Engine.Close].
func New(ctx context.Context, opts ...config.Option) (*Engine, error) {
	cfg := config.NewConfig(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, failure.Wrap(failure.InitializationFailed, err, "invalid configuration")
	}

	d := worker.New(cfg, worker.DefaultFactory)
	if err := d.Initialize(ctx); err != nil {
		d.Close()
		return nil, err
	}

	m := memory.New(cfg)
	m.Start(context.Background())

	e := NewEngine(cfg, d, m)
	e.owned = true
	return e, nil
}

// NewEngine creates an engine on top of an initialized dispatcher and a memory
// controller. The caller keeps ownership of both.
func NewEngine(cfg *config.Config, d *worker.Dispatcher, m *memory.Controller) *Engine {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	e := &Engine{cfg: cfg, dispatcher: d, memory: m}
	m.OnEvict(e.evicted)
	return e
}

// DetectFormat classifies data by its magic bytes. It never fails.
func (e *Engine) DetectFormat(data []byte) format.Format {
	return format.DetectWithOptions(data, e.cfg.TruncatedProbeFallback())
}

// LoadArchive detects the format of data, opens it in an execution context
// and enumerates its entries. On success the archive replaces the current
// archive. Only one load may be in flight, a concurrent call fails with Busy.
func (e *Engine) LoadArchive(ctx context.Context, data []byte, name string, password string, onProgress ProgressFunc) (*Archive, error) {
	// prepare telemetry data collection and emit
	td := &telemetry.Data{Operation: telemetry.OperationLoad, InputSize: int64(len(data))}
	defer e.cfg.TelemetryHook()(ctx, td)
	defer telemetry.CaptureDuration(td, time.Now())

	if !e.loading.CompareAndSwap(false, true) {
		return nil, handleError(e.cfg, td, "cannot load archive", failure.New(failure.Busy, "another archive is loading"))
	}
	defer e.loading.Store(false)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, handleError(e.cfg, td, "cannot load archive", failure.New(failure.WorkerUnavailable, "engine is closed"))
	}
	gen := e.generation
	e.mu.Unlock()

	f := e.DetectFormat(data)
	td.ArchiveFormat = f.String()
	if f == format.Unknown {
		return nil, handleError(e.cfg, td, "cannot detect format", failure.New(failure.UnsupportedFormat, "cannot detect format of %q", name))
	}
	e.cfg.Logger().Info("loading archive", "name", name, "format", f, "size", len(data))

	// pinned until the archive is installed
	alloc, err := e.memory.AllocatePinned(int64(len(data)), memory.High, tagArchiveBuffer)
	if err != nil {
		return nil, handleError(e.cfg, td, "cannot reserve archive buffer", err)
	}

	id := uuid.NewString()
	res, err := e.dispatcher.Run(ctx, worker.Task{
		Kind:     worker.KindParse,
		Payload:  worker.Payload{ArchiveID: id, Name: name, Data: data, Password: password},
		Progress: worker.ProgressFunc(onProgress),
	})
	if err != nil {
		e.memory.Free(alloc)
		return nil, handleError(e.cfg, td, "cannot open archive", err)
	}
	if err := e.cfg.CheckEntries(int64(len(res.Entries))); err != nil {
		e.memory.Free(alloc)
		return nil, handleError(e.cfg, td, "cannot open archive", failure.Wrap(failure.CorruptArchive, err, "entry limit exceeded"))
	}

	l := &loaded{
		archive: &Archive{
			ID:         id,
			Name:       name,
			Format:     res.Format,
			Size:       int64(len(data)),
			EntryCount: len(res.Entries),
			Encrypted:  res.Encrypted,
			Entries:    res.Entries,
		},
		data:       data,
		password:   password,
		allocation: alloc,
		entries:    make(map[string]Entry, len(res.Entries)),
		cache:      make(map[string]*cached),
		byAlloc:    make(map[string]string),
	}
	for _, entry := range res.Entries {
		l.entries[entry.Path] = entry
	}
	td.ArchiveFormat = res.Format.String()
	td.Entries = int64(len(res.Entries))

	// apply only if nobody replaced or cleaned up the archive meanwhile
	e.mu.Lock()
	if e.generation != gen || e.closed {
		e.mu.Unlock()
		e.memory.Free(alloc)
		return nil, handleError(e.cfg, td, "discarding loaded archive", failure.New(failure.Discarded, "archive %q was cleaned up while loading", name))
	}
	before := e.current
	e.current = l
	e.generation++
	e.mu.Unlock()
	e.memory.Unpin(alloc)

	if before != nil {
		e.cfg.Logger().Info("replacing archive", "old", before.archive.Name, "new", name)
		e.release(before)
	}
	e.cfg.Logger().Info("archive loaded", "name", name, "format", res.Format, "entries", len(res.Entries), "encrypted", res.Encrypted)
	return l.archive.copy(), nil
}

// ExtractEntry extracts the entry at path of the current archive. If password
// is empty, the password of LoadArchive is used. Extracted entries are kept
// until they are evicted or the archive is replaced. The returned buffer must
// not be modified.
func (e *Engine) ExtractEntry(ctx context.Context, path string, password string, onProgress ProgressFunc) ([]byte, error) {
	td := &telemetry.Data{Operation: telemetry.OperationExtract}
	defer e.cfg.TelemetryHook()(ctx, td)
	defer telemetry.CaptureDuration(td, time.Now())

	data, err := e.extract(ctx, path, password, onProgress)
	if err != nil {
		return nil, handleError(e.cfg, td, "cannot extract entry", err)
	}
	td.ExtractedFiles = 1
	td.ExtractionSize = int64(len(data))
	return data, nil
}

// extract serves path from the cache or dispatches an extract-single task
func (e *Engine) extract(ctx context.Context, path string, password string, onProgress ProgressFunc) ([]byte, error) {
	e.mu.Lock()
	l := e.current
	if l == nil {
		e.mu.Unlock()
		return nil, failure.New(failure.EntryNotFound, "no archive loaded")
	}
	entry, ok := l.entries[path]
	if !ok {
		e.mu.Unlock()
		return nil, failure.New(failure.EntryNotFound, "no entry %q in %s", path, l.archive.Name)
	}
	if entry.IsDir {
		e.mu.Unlock()
		return nil, failure.New(failure.EntryNotFound, "%s is a directory", path)
	}
	if c, ok := l.cache[path]; ok {
		e.mu.Unlock()
		e.memory.Touch(c.allocation)
		return c.data, nil
	}
	if password == "" {
		password = l.password
	}
	e.mu.Unlock()

	// reserve the buffer before the work is dispatched, it stays pinned until
	// the entry is cached
	alloc, err := e.memory.AllocatePinned(entrySize(entry), memory.Normal, tagEntryBuffer)
	if err != nil {
		return nil, err
	}

	res, err := e.dispatcher.Run(ctx, worker.Task{
		Kind:     worker.KindExtractSingle,
		Payload:  e.payload(l, password, path),
		Progress: worker.ProgressFunc(onProgress),
	})
	if err != nil {
		e.memory.Free(alloc)
		return nil, err
	}

	data, ok := e.store(l, path, res.Data, alloc)
	if !ok {
		e.memory.Free(alloc)
		return nil, failure.New(failure.Discarded, "archive %s was replaced while extracting %s", l.archive.Name, path)
	}
	return data, nil
}

// ExtractMultiple extracts paths concurrently, limited by the number of
// execution contexts. A failing entry does not abort the others, the returned
// error aggregates all failures and the map holds every extracted entry.
func (e *Engine) ExtractMultiple(ctx context.Context, paths []string, password string) (map[string][]byte, error) {
	td := &telemetry.Data{Operation: telemetry.OperationExtract}
	defer e.cfg.TelemetryHook()(ctx, td)
	defer telemetry.CaptureDuration(td, time.Now())

	var (
		mu     sync.Mutex
		result *multierror.Error
		files  = make(map[string][]byte, len(paths))
		seen   = make(map[string]struct{}, len(paths))
	)

	var g errgroup.Group
	g.SetLimit(max(1, e.dispatcher.Capacity()))
	for _, path := range paths {
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}

		path := path
		g.Go(func() error {
			data, err := e.extract(ctx, path, password, nil)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				telemetry.CaptureError(td, err)
				result = multierror.Append(result, fmt.Errorf("%s: %w", path, err))
				return nil
			}
			files[path] = data
			td.ExtractedFiles++
			td.ExtractionSize += int64(len(data))
			return nil
		})
	}
	_ = g.Wait()

	if err := result.ErrorOrNil(); err != nil {
		e.cfg.Logger().Error("cannot extract all entries", "failed", len(result.Errors), "extracted", len(files))
		return files, err
	}
	return files, nil
}

// ExtractAll extracts every file of the current archive with a single task.
// Buffers for all files are reserved before the task is dispatched. Failing
// entries do not abort the others, the returned error aggregates them.
func (e *Engine) ExtractAll(ctx context.Context, password string, onProgress ProgressFunc) (map[string][]byte, error) {
	td := &telemetry.Data{Operation: telemetry.OperationExtract}
	defer e.cfg.TelemetryHook()(ctx, td)
	defer telemetry.CaptureDuration(td, time.Now())

	e.mu.Lock()
	l := e.current
	if l == nil {
		e.mu.Unlock()
		return nil, handleError(e.cfg, td, "cannot extract archive", failure.New(failure.EntryNotFound, "no archive loaded"))
	}
	files := make(map[string][]byte)
	var paths []string
	var total int64
	for _, entry := range l.archive.Entries {
		if entry.IsDir {
			continue
		}
		if c, ok := l.cache[entry.Path]; ok {
			files[entry.Path] = c.data
			continue
		}
		paths = append(paths, entry.Path)
		total += entrySize(entry)
	}
	if password == "" {
		password = l.password
	}
	e.mu.Unlock()

	if len(paths) == 0 {
		td.ExtractedFiles = int64(len(files))
		return files, nil
	}
	if total > e.cfg.MemoryBudget() {
		return nil, handleError(e.cfg, td, "cannot reserve entry buffers", failure.New(failure.MemoryExhausted, "%d bytes of entries exceed the budget of %d bytes", total, e.cfg.MemoryBudget()))
	}

	// reserve all buffers before the work is dispatched, pinned so that later
	// reservations cannot evict earlier ones
	allocs := make(map[string]string, len(paths))
	freeAll := func() {
		for _, alloc := range allocs {
			e.memory.Free(alloc)
		}
	}
	for _, path := range paths {
		alloc, err := e.memory.AllocatePinned(entrySize(l.entries[path]), memory.Normal, tagEntryBuffer)
		if err != nil {
			freeAll()
			return nil, handleError(e.cfg, td, "cannot reserve entry buffers", err)
		}
		allocs[path] = alloc
	}

	payload := e.payload(l, password, "")
	payload.Paths = paths
	res, err := e.dispatcher.Run(ctx, worker.Task{
		Kind:     worker.KindExtractMultiple,
		Payload:  payload,
		Progress: worker.ProgressFunc(onProgress),
	})
	if err != nil {
		freeAll()
		return nil, handleError(e.cfg, td, "cannot extract archive", err)
	}

	var result *multierror.Error
	for _, path := range paths {
		alloc := allocs[path]
		if f, ok := res.Failures[path]; ok {
			e.memory.Free(alloc)
			telemetry.CaptureError(td, f.Err())
			result = multierror.Append(result, fmt.Errorf("%s: %w", path, f.Err()))
			continue
		}
		data, ok := res.Files[path]
		if !ok {
			e.memory.Free(alloc)
			continue
		}
		data, ok = e.store(l, path, data, alloc)
		if !ok {
			e.memory.Free(alloc)
			result = multierror.Append(result, fmt.Errorf("%s: %w", path, failure.New(failure.Discarded, "archive was replaced while extracting")))
			continue
		}
		files[path] = data
	}
	td.ExtractedFiles = int64(len(files))
	for _, data := range files {
		td.ExtractionSize += int64(len(data))
	}

	if err := result.ErrorOrNil(); err != nil {
		e.cfg.Logger().Error("cannot extract all entries", "failed", len(result.Errors), "extracted", len(files))
		return files, err
	}
	return files, nil
}

// payload returns the payload for requests on l
func (e *Engine) payload(l *loaded, password string, path string) worker.Payload {
	e.mu.Lock()
	defer e.mu.Unlock()
	return worker.Payload{ArchiveID: l.archive.ID, Name: l.archive.Name, Data: l.data, Password: password, Path: path}
}

// store caches data of path under the pinned allocation alloc and makes it
// evictable. It returns the cached buffer, or false if l is not the current
// archive anymore. The caller still owns alloc then.
func (e *Engine) store(l *loaded, path string, data []byte, alloc string) ([]byte, bool) {
	e.mu.Lock()
	if e.current != l {
		e.mu.Unlock()
		return nil, false
	}

	// extracted concurrently
	if c, ok := l.cache[path]; ok {
		e.mu.Unlock()
		e.memory.Free(alloc)
		e.memory.Touch(c.allocation)
		return c.data, true
	}
	l.cache[path] = &cached{data: data, allocation: alloc}
	l.byAlloc[alloc] = path
	e.mu.Unlock()

	e.memory.Unpin(alloc)
	return data, true
}

// evicted drops the buffer that is backed by the evicted allocation
func (e *Engine) evicted(a memory.Allocation) {
	e.mu.Lock()
	defer e.mu.Unlock()

	l := e.current
	if l == nil {
		return
	}
	if a.ID == l.allocation {
		e.cfg.Logger().Warn("archive buffer evicted", "name", l.archive.Name)
		l.allocation = ""
		l.data = nil
		return
	}
	if path, ok := l.byAlloc[a.ID]; ok {
		e.cfg.Logger().Debug("entry buffer evicted", "path", path)
		delete(l.byAlloc, a.ID)
		delete(l.cache, path)
	}
}

// CurrentArchive returns the loaded archive, nil if none is loaded.
func (e *Engine) CurrentArchive() *Archive {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current == nil {
		return nil
	}
	return e.current.archive.copy()
}

// Entries returns the entries of the loaded archive.
func (e *Engine) Entries() []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current == nil {
		return nil
	}
	return append([]Entry(nil), e.current.archive.Entries...)
}

// MemoryStats returns a snapshot of the memory controller.
func (e *Engine) MemoryStats() memory.Stats {
	return e.memory.Stats()
}

// Cleanup releases the current archive and all its buffers. Operations that
// are in flight are discarded when they finish.
func (e *Engine) Cleanup() {
	e.mu.Lock()
	l := e.current
	e.current = nil
	e.generation++
	e.mu.Unlock()

	if l != nil {
		e.cfg.Logger().Info("releasing archive", "name", l.archive.Name)
		e.release(l)
	}
}

// release frees all allocations of l
func (e *Engine) release(l *loaded) {
	e.mu.Lock()
	allocs := make([]string, 0, len(l.cache)+1)
	if l.allocation != "" {
		allocs = append(allocs, l.allocation)
	}
	for _, c := range l.cache {
		allocs = append(allocs, c.allocation)
	}
	l.cache = make(map[string]*cached)
	l.byAlloc = make(map[string]string)
	l.data = nil
	e.mu.Unlock()

	for _, alloc := range allocs {
		e.memory.Free(alloc)
	}
}

// Close releases the current archive. An engine created with [New] also
// closes its dispatcher and stops the memory check.
func (e *Engine) Close() {
	e.Cleanup()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	if e.owned {
		e.memory.Stop()
		e.dispatcher.Close()
	}
}

// entrySize is the reservation for entry, at least one byte
func entrySize(entry Entry) int64 {
	return max(entry.Size, 1)
}

// handleError captures err in td, logs it and returns it unchanged
func handleError(cfg *config.Config, td *telemetry.Data, msg string, err error) error {
	telemetry.CaptureError(td, err)
	cfg.Logger().Error(msg, "error", err)
	return err
}
