package engine

import (
	"container/list"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Log file format: one record per line. The payload bytes are written
// verbatim followed by a single '\n'. The index carries the authoritative
// (position, length) for every record, so the bytes between newlines may be
// anything; the trailing newline only exists so a crash mid-write leaves an
// unreferenced partial line rather than a corrupt record.

// MaxRecordSize is the maximum allowed record payload (64MB).
const MaxRecordSize = 64 * 1024 * 1024

var (
	// ErrRecordTooLarge is returned when a payload exceeds MaxRecordSize.
	ErrRecordTooLarge = errors.New("record too large")

	// ErrLogFileClosed is returned when using a closed log file.
	ErrLogFileClosed = errors.New("log file is closed")
)

// LogFile is a single append-only JSONL file, one per stream incarnation.
// The write cursor is the file size recorded at open and advanced on every
// append. Appends are serialised by an internal mutex; the single-writer
// invariant across appenders is enforced by the engine, not here.
type LogFile struct {
	mu     sync.Mutex
	file   *os.File
	size   int64
	closed bool
}

// OpenLogFile opens (creating if necessary) a log file for append and
// positioned reads.
func OpenLogFile(path string) (*LogFile, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat log file: %w", err)
	}

	return &LogFile{file: file, size: info.Size()}, nil
}

// Append writes the payload followed by a newline. It returns the byte
// position the payload starts at and the payload length (the newline is
// framing, not data).
func (f *LogFile) Append(data []byte) (pos int64, length int, err error) {
	if len(data) > MaxRecordSize {
		return 0, 0, ErrRecordTooLarge
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, 0, ErrLogFileClosed
	}

	pos = f.size
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')

	if _, err := f.file.Write(buf); err != nil {
		return 0, 0, fmt.Errorf("append record: %w", err)
	}
	f.size += int64(len(buf))

	return pos, len(data), nil
}

// ReadAt reads exactly length bytes starting at pos.
func (f *LogFile) ReadAt(pos int64, length int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrLogFileClosed
	}

	data := make([]byte, length)
	if _, err := f.file.ReadAt(data, pos); err != nil {
		return nil, fmt.Errorf("read record at %d: %w", pos, err)
	}
	return data, nil
}

// ReadFrom returns everything from pos to the end of the file.
func (f *LogFile) ReadFrom(pos int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrLogFileClosed
	}
	if pos >= f.size {
		return nil, nil
	}

	data := make([]byte, f.size-pos)
	if _, err := f.file.ReadAt(data, pos); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read tail at %d: %w", pos, err)
	}
	return data, nil
}

// Size returns the current write cursor.
func (f *LogFile) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}

// Sync flushes the file to stable storage.
func (f *LogFile) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrLogFileClosed
	}
	return f.file.Sync()
}

// Close closes the underlying descriptor.
func (f *LogFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return f.file.Close()
}

// FilePool caches open log files keyed by path with LRU eviction, so hot
// streams keep their descriptor and idle ones release it.
type FilePool struct {
	mu      sync.Mutex
	maxSize int
	files   map[string]*poolEntry
	lru     *list.List // front = most recently used
}

type poolEntry struct {
	path    string
	file    *LogFile
	element *list.Element
}

// NewFilePool creates a pool holding at most maxSize open files.
func NewFilePool(maxSize int) *FilePool {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &FilePool{
		maxSize: maxSize,
		files:   make(map[string]*poolEntry),
		lru:     list.New(),
	}
}

// Get returns the cached log file for path, opening it if necessary.
// The returned file must not be closed by the caller.
func (p *FilePool) Get(path string) (*LogFile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.files[path]; ok {
		p.lru.MoveToFront(entry.element)
		return entry.file, nil
	}

	file, err := OpenLogFile(path)
	if err != nil {
		return nil, err
	}

	p.evictIfNeeded()

	entry := &poolEntry{path: path, file: file}
	entry.element = p.lru.PushFront(entry)
	p.files[path] = entry

	return file, nil
}

// Remove closes and drops the cached file for path, if open.
func (p *FilePool) Remove(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.files[path]
	if !ok {
		return nil
	}

	p.lru.Remove(entry.element)
	delete(p.files, path)
	return entry.file.Close()
}

// Size returns the number of open files.
func (p *FilePool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.files)
}

// Close closes every cached file.
func (p *FilePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for path, entry := range p.files {
		if err := entry.file.Close(); err != nil {
			lastErr = err
		}
		delete(p.files, path)
	}
	p.lru.Init()

	return lastErr
}

// evictIfNeeded closes the least recently used file when the pool is full.
// Caller must hold p.mu.
func (p *FilePool) evictIfNeeded() {
	if len(p.files) < p.maxSize {
		return
	}

	elem := p.lru.Back()
	if elem == nil {
		return
	}

	entry := elem.Value.(*poolEntry)
	p.lru.Remove(elem)
	delete(p.files, entry.path)
	entry.file.Close()
}
