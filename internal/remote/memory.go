package remote

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

type memNode struct {
	isDir   bool
	data    []byte
	created time.Time
	modTime time.Time
}

// Memory is an in-memory remote. It backs the -simple mount mode, which
// checks a mount without an FTP server, and the tests of the packages above.
// It records every call so callers can assert on the order of operations.
type Memory struct {
	mu       sync.Mutex
	nodes    map[string]*memNode
	calls    []string
	failures map[string]error
	now      func() time.Time
}

// NewMemory creates a remote holding only the root directory.
func NewMemory() *Memory {
	m := &Memory{
		nodes:    make(map[string]*memNode),
		failures: make(map[string]error),
		now:      time.Now,
	}
	m.nodes["/"] = &memNode{isDir: true, created: m.now(), modTime: m.now()}
	return m
}

// SetClock replaces the time source used for new nodes.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Fail makes every call of op on p return err until cleared with a nil err.
// op is the method name, e.g. "Store".
func (m *Memory) Fail(op, p string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := op + " " + clean(p)
	if err == nil {
		delete(m.failures, key)
		return
	}
	m.failures[key] = err
}

// AddDir creates a directory and its parents without recording a call.
func (m *Memory) AddDir(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mkdirAll(clean(p))
}

// AddFile creates a file and its parents without recording a call.
func (m *Memory) AddFile(p string, data []byte, modTime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	m.mkdirAll(path.Dir(p))
	m.nodes[p] = &memNode{data: append([]byte(nil), data...), created: modTime, modTime: modTime}
}

// Exists reports whether p is present.
func (m *Memory) Exists(p string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.nodes[clean(p)]
	return ok
}

// Calls returns the recorded calls as "Op path" strings.
func (m *Memory) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// ResetCalls forgets the recorded calls.
func (m *Memory) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func (m *Memory) record(op, p string) error {
	p = clean(p)
	m.calls = append(m.calls, op+" "+p)
	return m.failures[op+" "+p]
}

func (m *Memory) mkdirAll(p string) {
	for dir := p; ; dir = path.Dir(dir) {
		if _, ok := m.nodes[dir]; !ok {
			m.nodes[dir] = &memNode{isDir: true, created: m.now(), modTime: m.now()}
		}
		if dir == "/" {
			return
		}
	}
}

func (m *Memory) parentIsDir(p string) bool {
	parent, ok := m.nodes[path.Dir(p)]
	return ok && parent.isDir
}

func (m *Memory) hasChildren(dir string) bool {
	prefix := dir + "/"
	for p := range m.nodes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// List lists a directory.
func (m *Memory) List(dir string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("List", dir); err != nil {
		return nil, err
	}
	dir = clean(dir)
	node, ok := m.nodes[dir]
	if !ok || !node.isDir {
		return nil, fmt.Errorf("list %s: %w", dir, ErrNotExist)
	}

	var entries []Entry
	for p, n := range m.nodes {
		if p == "/" || path.Dir(p) != dir {
			continue
		}
		entries = append(entries, Entry{
			Name:     path.Base(p),
			IsDir:    n.isDir,
			Created:  n.created,
			Modified: n.modTime,
			Size:     uint64(len(n.data)),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Retrieve downloads file contents.
func (m *Memory) Retrieve(filePath string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("Retrieve", filePath); err != nil {
		return nil, err
	}
	node, ok := m.nodes[clean(filePath)]
	if !ok || node.isDir {
		return nil, fmt.Errorf("retrieve %s: %w", filePath, ErrNotExist)
	}
	return append([]byte(nil), node.data...), nil
}

// Store uploads file contents, replacing any existing file.
func (m *Memory) Store(filePath string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("Store", filePath); err != nil {
		return err
	}
	filePath = clean(filePath)
	if !m.parentIsDir(filePath) {
		return fmt.Errorf("store %s: %w", filePath, ErrNotExist)
	}
	now := m.now()
	node, ok := m.nodes[filePath]
	if ok && node.isDir {
		return fmt.Errorf("store %s: %w", filePath, ErrExist)
	}
	created := now
	if ok {
		created = node.created
	}
	m.nodes[filePath] = &memNode{data: append([]byte(nil), data...), created: created, modTime: now}
	return nil
}

// Delete removes a file.
func (m *Memory) Delete(filePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("Delete", filePath); err != nil {
		return err
	}
	filePath = clean(filePath)
	node, ok := m.nodes[filePath]
	if !ok || node.isDir {
		return fmt.Errorf("delete %s: %w", filePath, ErrNotExist)
	}
	delete(m.nodes, filePath)
	return nil
}

// RemoveDir removes an empty directory.
func (m *Memory) RemoveDir(dirPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("RemoveDir", dirPath); err != nil {
		return err
	}
	dirPath = clean(dirPath)
	node, ok := m.nodes[dirPath]
	if !ok || !node.isDir || dirPath == "/" {
		return fmt.Errorf("rmdir %s: %w", dirPath, ErrNotExist)
	}
	if m.hasChildren(dirPath) {
		return fmt.Errorf("rmdir %s: directory not empty", dirPath)
	}
	delete(m.nodes, dirPath)
	return nil
}

// MakeDir creates a directory.
func (m *Memory) MakeDir(dirPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("MakeDir", dirPath); err != nil {
		return err
	}
	dirPath = clean(dirPath)
	if _, ok := m.nodes[dirPath]; ok {
		return fmt.Errorf("mkdir %s: %w", dirPath, ErrExist)
	}
	if !m.parentIsDir(dirPath) {
		return fmt.Errorf("mkdir %s: %w", dirPath, ErrNotExist)
	}
	m.nodes[dirPath] = &memNode{isDir: true, created: m.now(), modTime: m.now()}
	return nil
}

// Rename moves a file or directory with its subtree.
func (m *Memory) Rename(from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.record("Rename", from)
	m.calls[len(m.calls)-1] += " -> " + clean(to)
	if err != nil {
		return err
	}
	from, to = clean(from), clean(to)
	node, ok := m.nodes[from]
	if !ok || from == "/" {
		return fmt.Errorf("rename %s: %w", from, ErrNotExist)
	}
	if !m.parentIsDir(to) {
		return fmt.Errorf("rename to %s: %w", to, ErrNotExist)
	}
	if to == from || strings.HasPrefix(to, from+"/") {
		return fmt.Errorf("rename %s into itself", from)
	}

	moved := map[string]*memNode{to: node}
	prefix := from + "/"
	for p, n := range m.nodes {
		if strings.HasPrefix(p, prefix) {
			moved[to+"/"+strings.TrimPrefix(p, prefix)] = n
		}
	}
	for p := range m.nodes {
		if p == from || strings.HasPrefix(p, prefix) {
			delete(m.nodes, p)
		}
	}
	for p, n := range moved {
		m.nodes[p] = n
	}
	return nil
}

// FileSize returns the size of a file.
func (m *Memory) FileSize(filePath string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("FileSize", filePath); err != nil {
		return 0, err
	}
	node, ok := m.nodes[clean(filePath)]
	if !ok || node.isDir {
		return 0, fmt.Errorf("size %s: %w", filePath, ErrNotExist)
	}
	return uint64(len(node.data)), nil
}

// ModTime returns the modification time of a file.
func (m *Memory) ModTime(filePath string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("ModTime", filePath); err != nil {
		return time.Time{}, err
	}
	node, ok := m.nodes[clean(filePath)]
	if !ok {
		return time.Time{}, fmt.Errorf("mdtm %s: %w", filePath, ErrNotExist)
	}
	return node.modTime, nil
}

func clean(p string) string {
	return path.Clean("/" + p)
}

var _ Client = (*Memory)(nil)
