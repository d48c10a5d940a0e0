package dumpfile

import (
	"bytes"

	"github.com/go-errors/errors"
	"github.com/klauspost/compress/zstd"
)

var (
	// ErrNotCore is returned by Open for files that are not ELF core files.
	ErrNotCore = errors.New("not an ELF core file")
	// ErrUnsupportedMachine is returned by Open for cores of an
	// architecture that cannot be walked.
	ErrUnsupportedMachine = errors.New("unsupported machine type")
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Open loads the core file at path. Cores compressed with zstd are
// recognized by their magic number and decompressed into memory; other
// cores are mapped read-only. The caller must Close the snapshot.
func Open(path string) (*Snapshot, error) {
	f, err := mmapOpen(path)
	if err != nil {
		return nil, errors.WrapPrefix(err, "open "+path, 0)
	}
	if bytes.HasPrefix(f.data, zstdMagic) {
		raw, err := decompress(f.data)
		f.Close()
		if err != nil {
			return nil, errors.WrapPrefix(err, "decompress "+path, 0)
		}
		logf("decompressed %s: %d bytes", path, len(raw))
		f = newBufferFile(path, raw)
	}
	s, err := readELFCore(f)
	if err != nil {
		f.Close()
		return nil, errors.WrapPrefix(err, path, 0)
	}
	return s, nil
}

func decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}
