// Package crypt implements streaming authenticated encryption for backup
// payloads. The stream is a short header followed by framed AES-256-GCM
// chunks, so memory use is bounded by the chunk size and any tampering,
// truncation, or key mismatch is detected before plaintext reaches the
// consumer.
//
// Wire format:
//
//	magic "PGV1" (4 bytes)
//	base nonce  (12 random bytes)
//	frames:     uint32 big-endian word, then ciphertext
//
// The word's low 31 bits are the ciphertext length; the high bit marks the
// final frame. Each frame's nonce is the base nonce with the trailing eight
// bytes XORed with the frame counter, and the final flag is bound as
// associated data, so frames cannot be reordered, dropped, or re-terminated
// without failing authentication.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/datahub-ops/pgvault/internal/errdefs"
)

const (
	// ChunkSize is the plaintext frame size. 64 KiB keeps per-frame
	// overhead below 0.03% while bounding buffered plaintext.
	ChunkSize = 64 * 1024

	nonceSize = 12
	finalBit  = 1 << 31
)

var magic = []byte("PGV1")

var (
	aadFrame = []byte{0}
	aadFinal = []byte{1}
)

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func frameNonce(base []byte, counter uint64) []byte {
	nonce := make([]byte, nonceSize)
	copy(nonce, base)
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], counter)
	for i := 0; i < 8; i++ {
		nonce[nonceSize-8+i] ^= ctr[i]
	}
	return nonce
}

// Writer encrypts a stream chunk-by-chunk. Close must be called to seal the
// final frame; without it the stream is detectably truncated.
type Writer struct {
	dst     io.Writer
	aead    cipher.AEAD
	base    []byte
	buf     []byte
	n       int
	counter uint64
	closed  bool
	err     error
}

// NewWriter creates an encrypting writer around dst and writes the stream
// header. The key must come from DeriveKey.
func NewWriter(dst io.Writer, key []byte) (*Writer, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	base := make([]byte, nonceSize)
	if _, err := rand.Read(base); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	if _, err := dst.Write(magic); err != nil {
		return nil, fmt.Errorf("writing stream header: %w", err)
	}
	if _, err := dst.Write(base); err != nil {
		return nil, fmt.Errorf("writing stream header: %w", err)
	}

	return &Writer{
		dst:  dst,
		aead: aead,
		base: base,
		buf:  make([]byte, ChunkSize),
	}, nil
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	if w.closed {
		return 0, errors.New("crypt: write after close")
	}

	written := 0
	for len(p) > 0 {
		n := copy(w.buf[w.n:], p)
		w.n += n
		p = p[n:]
		written += n

		if w.n == ChunkSize {
			if err := w.flush(false); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// Close seals whatever is buffered as the final frame. The final frame may
// be empty; it is always written so the reader can distinguish a complete
// stream from a truncated one.
func (w *Writer) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true
	if w.err != nil {
		return w.err
	}
	return w.flush(true)
}

func (w *Writer) flush(final bool) error {
	aad := aadFrame
	if final {
		aad = aadFinal
	}

	nonce := frameNonce(w.base, w.counter)
	w.counter++

	sealed := w.aead.Seal(nil, nonce, w.buf[:w.n], aad)
	w.n = 0

	word := uint32(len(sealed))
	if final {
		word |= finalBit
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], word)
	if _, err := w.dst.Write(hdr[:]); err != nil {
		w.err = fmt.Errorf("writing frame: %w", err)
		return w.err
	}
	if _, err := w.dst.Write(sealed); err != nil {
		w.err = fmt.Errorf("writing frame: %w", err)
		return w.err
	}
	return nil
}

// Reader decrypts a stream produced by Writer. Every frame is authenticated
// before any of its plaintext is returned; a failure surfaces as an
// integrity error and the reader is unusable afterwards.
type Reader struct {
	src     io.Reader
	aead    cipher.AEAD
	base    []byte
	plain   []byte
	off     int
	counter uint64
	final   bool
	err     error
}

// NewReader creates a decrypting reader around src. It consumes and
// validates the stream header immediately, like gzip.NewReader.
func NewReader(src io.Reader, key []byte) (*Reader, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	hdr := make([]byte, len(magic)+nonceSize)
	if _, err := io.ReadFull(src, hdr); err != nil {
		return nil, sourceErr(err, "in header")
	}
	for i := range magic {
		if hdr[i] != magic[i] {
			return nil, errdefs.New(errdefs.KindIntegrity, "not an encrypted backup stream")
		}
	}

	return &Reader{
		src:  src,
		aead: aead,
		base: hdr[len(magic):],
	}, nil
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	for r.off == len(r.plain) {
		if r.err != nil {
			return 0, r.err
		}
		if r.final {
			r.err = r.checkTrailer()
			return 0, r.err
		}
		if err := r.readFrame(); err != nil {
			r.err = err
			return 0, err
		}
	}

	n := copy(p, r.plain[r.off:])
	r.off += n
	return n, nil
}

// sourceErr classifies a failed source read. A clean end of input means the
// stream was cut short, an integrity failure; anything else is the source's
// own error and keeps its chain so the caller's classification applies.
func sourceErr(err error, where string) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return errdefs.New(errdefs.KindIntegrity, "stream truncated %s", where)
	}
	return fmt.Errorf("reading encrypted stream %s: %w", where, err)
}

func (r *Reader) readFrame() error {
	var hdr [4]byte
	if _, err := io.ReadFull(r.src, hdr[:]); err != nil {
		return sourceErr(err, "before final frame")
	}

	word := binary.BigEndian.Uint32(hdr[:])
	final := word&finalBit != 0
	length := int(word &^ finalBit)

	if length < r.aead.Overhead() || length > ChunkSize+r.aead.Overhead() {
		return errdefs.New(errdefs.KindIntegrity, "invalid frame length %d", length)
	}

	sealed := make([]byte, length)
	if _, err := io.ReadFull(r.src, sealed); err != nil {
		return sourceErr(err, "inside frame")
	}

	aad := aadFrame
	if final {
		aad = aadFinal
	}

	nonce := frameNonce(r.base, r.counter)
	r.counter++

	plain, err := r.aead.Open(sealed[:0], nonce, sealed, aad)
	if err != nil {
		return errdefs.New(errdefs.KindIntegrity,
			"frame authentication failed: corrupted data or wrong encryption key")
	}

	r.plain = plain
	r.off = 0
	r.final = final
	return nil
}

// checkTrailer ensures nothing follows the final frame. Appended bytes would
// otherwise go undetected since they are never authenticated.
func (r *Reader) checkTrailer() error {
	var b [1]byte
	n, err := r.src.Read(b[:])
	if n > 0 {
		return errdefs.New(errdefs.KindIntegrity, "unexpected data after final frame")
	}
	if err != nil && err != io.EOF {
		return fmt.Errorf("reading stream trailer: %w", err)
	}
	return io.EOF
}
