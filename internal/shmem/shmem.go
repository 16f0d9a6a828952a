// Package shmem manages named shared-memory regions used by cooperating
// driver processes. A primary process reserves and frees regions; secondary
// processes can only look up regions the primary already created.
package shmem

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Role determines what a process may do with named regions.
type Role int

const (
	// RolePrimary creates and destroys regions.
	RolePrimary Role = iota
	// RoleSecondary attaches to existing regions only.
	RoleSecondary
)

// Flags qualifies a reservation.
type Flags uint32

// NoIovaContig marks a region that never takes part in DMA, so its backing
// pages need not be IOVA-contiguous. The CRC and cmdlog tables are host-side
// only and always pass this.
const NoIovaContig Flags = 1 << 0

// shmDir is where region files live. Files under /dev/shm are tmpfs-backed,
// so a mapping is shared page-for-page between processes.
const shmDir = "/dev/shm"

// Region is a mapped named shared-memory area.
type Region struct {
	Name  string
	Size  int
	Flags Flags
	data  []byte
}

// Bytes returns the mapped memory.
func (r *Region) Bytes() []byte {
	return r.data
}

// Pointer returns the base address of the mapping. The mapping is
// page-aligned, so overlaying fixed-layout structs on it is safe.
func (r *Region) Pointer() unsafe.Pointer {
	return unsafe.Pointer(&r.data[0])
}

// AtomicUint64 views 8 bytes at off as an atomic counter shared between
// processes.
func (r *Region) AtomicUint64(off int) *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&r.data[off]))
}

// Uint32Slice views the whole region as a []uint32.
func (r *Region) Uint32Slice() []uint32 {
	return unsafe.Slice((*uint32)(r.Pointer()), r.Size/4)
}

// Manager tracks the regions a process has mapped.
type Manager struct {
	role   Role
	prefix string

	mu      sync.Mutex
	regions map[string]*Region
}

// NewManager returns a region manager for the given role. The prefix
// namespaces region file names so independent driver instances on one host
// do not collide; cooperating processes must share the same prefix.
func NewManager(role Role, prefix string) *Manager {
	return &Manager{
		role:    role,
		prefix:  prefix,
		regions: make(map[string]*Region),
	}
}

// Primary reports whether this process may reserve and free regions.
func (m *Manager) Primary() bool {
	return m.role == RolePrimary
}

func (m *Manager) path(name string) string {
	return fmt.Sprintf("%s/%s%s", shmDir, m.prefix, name)
}

// Reserve creates, sizes and maps a new named region. Only the primary may
// reserve; the region must not already exist. The mapping starts zeroed.
func (m *Manager) Reserve(name string, size int, flags Flags) (*Region, error) {
	if m.role != RolePrimary {
		return nil, fmt.Errorf("shmem: reserve %q: not the primary process", name)
	}
	if size <= 0 {
		return nil, fmt.Errorf("shmem: reserve %q: bad size %d", name, size)
	}

	path := m.path(name)
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shmem: create %s: %w", path, err)
	}
	defer unix.Close(fd)

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Unlink(path)
		return nil, fmt.Errorf("shmem: size %s to %d: %w", path, size, err)
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Unlink(path)
		return nil, fmt.Errorf("shmem: map %s: %w", path, err)
	}

	reg := &Region{Name: name, Size: size, Flags: flags, data: data}
	m.mu.Lock()
	m.regions[name] = reg
	m.mu.Unlock()
	return reg, nil
}

// Lookup maps an existing named region, or returns os.ErrNotExist if the
// primary never reserved it.
func (m *Manager) Lookup(name string) (*Region, error) {
	m.mu.Lock()
	if reg, ok := m.regions[name]; ok {
		m.mu.Unlock()
		return reg, nil
	}
	m.mu.Unlock()

	path := m.path(name)
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		if err == unix.ENOENT {
			return nil, fmt.Errorf("shmem: lookup %q: %w", name, os.ErrNotExist)
		}
		return nil, fmt.Errorf("shmem: open %s: %w", path, err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("shmem: stat %s: %w", path, err)
	}

	data, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shmem: map %s: %w", path, err)
	}

	reg := &Region{Name: name, Size: int(st.Size), data: data}
	m.mu.Lock()
	m.regions[name] = reg
	m.mu.Unlock()
	return reg, nil
}

// Free unmaps a region and, in the primary, removes its backing file.
// Freeing a region another process still maps leaves that mapping valid;
// the memory is released when the last mapping goes away.
func (m *Manager) Free(name string) error {
	if m.role != RolePrimary {
		return fmt.Errorf("shmem: free %q: not the primary process", name)
	}
	return m.release(name, true)
}

func (m *Manager) release(name string, unlink bool) error {
	m.mu.Lock()
	reg, ok := m.regions[name]
	delete(m.regions, name)
	m.mu.Unlock()

	if ok && reg.data != nil {
		if err := unix.Munmap(reg.data); err != nil {
			return fmt.Errorf("shmem: unmap %q: %w", name, err)
		}
		reg.data = nil
	}
	if unlink {
		if err := unix.Unlink(m.path(name)); err != nil && err != unix.ENOENT {
			return fmt.Errorf("shmem: unlink %q: %w", name, err)
		}
	}
	return nil
}

// Close unmaps everything this process mapped. The primary also removes the
// backing files, destroying the regions for everyone.
func (m *Manager) Close() error {
	m.mu.Lock()
	names := make([]string, 0, len(m.regions))
	for name := range m.regions {
		names = append(names, name)
	}
	m.mu.Unlock()

	var firstErr error
	for _, name := range names {
		if err := m.release(name, m.role == RolePrimary); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
