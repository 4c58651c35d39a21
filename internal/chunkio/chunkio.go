// Package chunkio provides the concrete chunk file reader referenced at
// its interface only by spec §1 ("the chunk file reader (produces a
// finite stream of byte blocks up to DATA_SIZE)"). The protocol core
// treats it as an external collaborator; this package supplies the
// default implementation the binary actually runs with.
//
// Read style (block-sized reads) is grounded on
// internal/ingester/tail/ingester.go's buffered, offset-tracked file
// reads, adapted from line-oriented tailing to fixed-size block reads.
package chunkio

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrNoSuchFile is returned when a file scheduled for send has gone
// missing by the time the reader tries to open or read it (spec §7).
var ErrNoSuchFile = errors.New("chunkio: no such file")

// Reader yields successive payload blocks of at most dataSize bytes from
// a file, reporting HasNext per chunk per spec §3's DataRecord semantics:
// the final chunk of a file (possibly zero-length) carries HasNext=false.
type Reader struct {
	f        *os.File
	dataSize int
	done     bool
}

// Open opens path for chunked reading. dataSize must be positive.
func Open(path string, dataSize int) (*Reader, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path is the watched directory's own file list, not user-supplied
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchFile, path)
		}
		return nil, fmt.Errorf("chunkio: open %s: %w", path, err)
	}
	return &Reader{f: f, dataSize: dataSize}, nil
}

// Next reads the next chunk. A full dataSize-byte read means more data
// may follow (HasNext=true); a short read (including zero bytes) is the
// terminal chunk (HasNext=false), matching the boundary rule in spec §8:
// an exact multiple of DATA_SIZE produces one extra empty terminator.
func (r *Reader) Next() (payload []byte, hasNext bool, err error) {
	if r.done {
		return nil, false, io.EOF
	}
	buf := make([]byte, r.dataSize)
	n, readErr := io.ReadFull(r.f, buf)
	if readErr != nil && !errors.Is(readErr, io.EOF) && !errors.Is(readErr, io.ErrUnexpectedEOF) {
		return nil, false, fmt.Errorf("chunkio: read: %w", readErr)
	}
	payload = buf[:n]
	hasNext = n == r.dataSize
	if !hasNext {
		r.done = true
	}
	return payload, hasNext, nil
}

// Done reports whether the final (HasNext=false) chunk has already been
// returned by Next.
func (r *Reader) Done() bool {
	return r.done
}

// Close releases the underlying file handle. Safe to call after Next has
// returned the final chunk or on early abort.
func (r *Reader) Close() error {
	return r.f.Close()
}
