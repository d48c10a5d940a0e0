package dumpfile

import (
	"io"
	"os"

	"github.com/go-errors/errors"
	"golang.org/x/sys/unix"
)

var errMmapClosed = errors.New("mmap: closed")

// mmapFile wraps a read-only memory-mapped file. Unlike
// golang.org/x/exp/mmap.ReaderAt, mmapFile allows creating []byte slices
// that refer directly to the underlying mapped memory, which is how
// MemoryRegions avoid copying the core. A mmapFile may also wrap an
// ordinary heap buffer, e.g. a decompressed core.
type mmapFile struct {
	filename string
	data     []byte
	mapped   bool // data must be released with Munmap
}

// mmapOpen maps the named file for reading.
func mmapOpen(filename string) (*mmapFile, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	size := st.Size()
	if size == 0 {
		return &mmapFile{filename: filename, data: []byte{}}, nil
	}
	if size < 0 {
		return nil, errors.Errorf("mmap: file %q has negative size: %d", filename, size)
	}
	if size != int64(int(size)) {
		return nil, errors.Errorf("mmap: file %q is too large", filename)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.WrapPrefix(err, "mmap "+filename, 0)
	}
	return &mmapFile{filename: filename, data: data, mapped: true}, nil
}

// newBufferFile wraps an in-memory file image.
func newBufferFile(filename string, data []byte) *mmapFile {
	return &mmapFile{filename: filename, data: data}
}

// Name returns the name of the file.
func (f *mmapFile) Name() string {
	return f.filename
}

// Size returns the size of the mapped file.
func (f *mmapFile) Size() uint64 {
	return uint64(len(f.data))
}

// ReadAt implements io.ReaderAt.
func (f *mmapFile) ReadAt(p []byte, offset int64) (int, error) {
	if f.data == nil {
		return 0, errMmapClosed
	}
	if offset < 0 {
		return 0, errors.Errorf("negative offset: %v", offset)
	}
	if uint64(offset) >= f.Size() {
		return 0, io.EOF
	}
	n := copy(p, f.data[offset:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// ReadSliceAt returns a slice of size n at the given offset that points
// directly at the underlying data. There is no copying.
func (f *mmapFile) ReadSliceAt(offset, n uint64) ([]byte, error) {
	if f.data == nil {
		return nil, errMmapClosed
	}
	if offset > f.Size() || n > f.Size()-offset {
		return nil, errors.Errorf("mmap: out-of-bounds ReadSliceAt(%d, %d), file size is %d", offset, n, f.Size())
	}
	end := offset + n
	return f.data[offset:end:end], nil
}

// Close releases the mapping. Slices obtained from f must not be used
// afterwards.
func (f *mmapFile) Close() error {
	if f.data == nil {
		return nil
	}
	var err error
	if f.mapped {
		err = unix.Munmap(f.data)
	}
	*f = mmapFile{}
	return err
}
