package matsim2sqlite

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"github.com/pierrec/lz4/v4"
	"io"
	"os"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
)

// openInput opens path for reading, transparently decompressing gzip and lz4 frame files.
func openInput(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := decompress(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &inputFile{Reader: r, f: f}, nil
}

// decompress sniffs the first bytes of r and wraps it in the matching decompressor.
func decompress(r io.Reader) (io.Reader, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	head, err := br.Peek(len(lz4Magic))
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, err
	}

	switch {
	case bytes.HasPrefix(head, gzipMagic):
		return gzip.NewReader(br)
	case bytes.HasPrefix(head, lz4Magic):
		return lz4.NewReader(br), nil
	default:
		return br, nil
	}
}

type inputFile struct {
	io.Reader
	f *os.File
}

func (i *inputFile) Close() error {
	if c, ok := i.Reader.(io.Closer); ok {
		_ = c.Close()
	}
	return i.f.Close()
}
