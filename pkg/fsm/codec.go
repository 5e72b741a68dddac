package fsm

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/lob-engine/console/pkg/errors"
	"github.com/lob-engine/console/pkg/security"
)

var gzipMagic = []byte{0x1f, 0x8b}

// Encode returns the stored form of a machine state.
func Encode(state []byte, compress bool) ([]byte, error) {
	if !compress {
		return state, nil
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create gzip writer")
	}
	if _, err := zw.Write(state); err != nil {
		return nil, errors.Wrap(err, "failed to compress state")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to finish gzip stream")
	}
	return buf.Bytes(), nil
}

// Decode reads a stored or uploaded snapshot and returns the raw machine
// state. Gzip input is detected by its magic bytes and inflated under the
// validator's size and ratio limits.
func Decode(r io.Reader, v *security.Validator) ([]byte, bool, error) {
	raw, err := v.ReadAll(r)
	if err != nil {
		return nil, false, err
	}
	if !bytes.HasPrefix(raw, gzipMagic) {
		return raw, false, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, true, errors.Wrap(security.ErrRejected, "corrupt gzip header: "+err.Error())
	}
	defer zr.Close()

	state, err := v.ReadAll(zr)
	if err != nil {
		if errors.Is(err, security.ErrRejected) {
			return nil, true, err
		}
		return nil, true, errors.Wrap(security.ErrRejected, "corrupt gzip stream: "+err.Error())
	}
	if err := v.ValidateCompressionRatio(int64(len(raw)), int64(len(state))); err != nil {
		return nil, true, err
	}
	return state, true, nil
}

// Inflate streams the raw state out of a stored blob.
func Inflate(rc io.ReadCloser, compressed bool) (io.ReadCloser, error) {
	if !compressed {
		return rc, nil
	}
	zr, err := gzip.NewReader(rc)
	if err != nil {
		rc.Close()
		return nil, errors.Wrap(err, "failed to open gzip stream")
	}
	return &inflater{zr: zr, src: rc}, nil
}

type inflater struct {
	zr  *gzip.Reader
	src io.Closer
}

func (i *inflater) Read(p []byte) (int, error) { return i.zr.Read(p) }

func (i *inflater) Close() error {
	zerr := i.zr.Close()
	if err := i.src.Close(); err != nil {
		return err
	}
	return zerr
}
