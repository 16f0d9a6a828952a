package nvmetest

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"github.com/hostside/go-nvmetest/internal/logging"
)

// Buffer is a page-aligned, zero-filled I/O buffer. Mappings come straight
// from the kernel so the base address is always page aligned, matching what
// a DMA-capable transport needs. The owner must keep a buffer alive until
// every in-flight command referring to it has completed.
type Buffer struct {
	data []byte
	size int
}

// NewBuffer allocates a buffer of the given size.
func NewBuffer(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, NewError("buffer_init", ErrCodeInvalidParameters,
			fmt.Sprintf("bad buffer size %d", size))
	}

	data, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, WrapError("buffer_init", err)
	}

	logging.Debug("buffer: alloc", "size", size)
	return &Buffer{data: data, size: size}, nil
}

// Bytes returns the buffer memory.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Len returns the buffer size in bytes.
func (b *Buffer) Len() int {
	return b.size
}

// Free releases the mapping. The buffer must have no in-flight I/O.
func (b *Buffer) Free() {
	if b.data == nil {
		return
	}
	logging.Debug("buffer: free", "size", b.size)
	unix.Munmap(b.data)
	b.data = nil
}

// DumpHex writes a classic offset/hex/ascii dump of the first n bytes,
// for test debug.
func (b *Buffer) DumpHex(w io.Writer, n int) {
	if n > b.size {
		n = b.size
	}
	for off := 0; off < n; off += 16 {
		end := off + 16
		if end > n {
			end = n
		}
		fmt.Fprintf(w, "%08x ", off)
		for i := off; i < off+16; i++ {
			if i < end {
				fmt.Fprintf(w, " %02x", b.data[i])
			} else {
				fmt.Fprint(w, "   ")
			}
		}
		fmt.Fprint(w, "  ")
		for i := off; i < end; i++ {
			c := b.data[i]
			if c < 0x20 || c > 0x7e {
				c = '.'
			}
			fmt.Fprintf(w, "%c", c)
		}
		fmt.Fprintln(w)
	}
}
