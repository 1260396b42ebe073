package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"io"
	"os"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/barqly/vault-core/internal/secret"
	"github.com/barqly/vault-core/internal/vaulterr"
)

// spoolChunkSize is the plaintext chunk granularity of an encrypted spool
// file. Each chunk is sealed independently so both sides stream without
// buffering the whole archive.
const spoolChunkSize = 1 << 20

// encryptedSpool is a staging file whose content never touches disk in
// the clear. Decrypt writes the recovered archive through it before
// extraction; the key is ephemeral, held in a zeroising buffer, and dies
// with the spool, so an interrupted decrypt leaves only ciphertext in the
// staging directory. Each chunk is sealed under a counter nonce; reordered
// or truncated chunks fail authentication on the way back out.
type encryptedSpool struct {
	path string
	key  *secret.Bytes
	aead cipher.AEAD
}

func newEncryptedSpool(path string) (*encryptedSpool, error) {
	raw := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(raw); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindInternalError, "generate spool key", "", false, err)
	}
	key := secret.NewBytes(raw)
	for i := range raw {
		raw[i] = 0
	}

	aead, err := chacha20poly1305.New(key.Reveal())
	if err != nil {
		key.Close()
		return nil, vaulterr.Wrap(vaulterr.KindInternalError, "initialise spool cipher", "", false, err)
	}
	return &encryptedSpool{path: path, key: key, aead: aead}, nil
}

// Close zeroes the spool key and removes the spool file.
func (s *encryptedSpool) Close() {
	s.key.Close()
	os.Remove(s.path)
}

func spoolNonce(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	return nonce
}

// Writer returns an io.WriteCloser that seals incoming bytes chunk by
// chunk into the spool file. Close flushes the final partial chunk.
func (s *encryptedSpool) Writer() (io.WriteCloser, error) {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindStorageFailed, "create spool file", "", false, err)
	}
	return &spoolWriter{spool: s, f: f, buf: make([]byte, 0, spoolChunkSize)}, nil
}

type spoolWriter struct {
	spool   *encryptedSpool
	f       *os.File
	buf     []byte
	counter uint64
}

func (w *spoolWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		room := spoolChunkSize - len(w.buf)
		if room > len(p) {
			room = len(p)
		}
		w.buf = append(w.buf, p[:room]...)
		p = p[room:]
		if len(w.buf) == spoolChunkSize {
			if err := w.flushChunk(); err != nil {
				return 0, err
			}
		}
	}
	return total, nil
}

func (w *spoolWriter) flushChunk() error {
	sealed := w.spool.aead.Seal(nil, spoolNonce(w.counter), w.buf, nil)
	w.counter++
	w.buf = w.buf[:0]
	if _, err := w.f.Write(sealed); err != nil {
		return vaulterr.Wrap(vaulterr.KindStorageFailed, "write spool chunk", "", false, err)
	}
	return nil
}

func (w *spoolWriter) Close() error {
	if len(w.buf) > 0 {
		if err := w.flushChunk(); err != nil {
			w.f.Close()
			return err
		}
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return vaulterr.Wrap(vaulterr.KindStorageFailed, "fsync spool file", "", false, err)
	}
	return w.f.Close()
}

// Reader returns an io.ReadCloser that opens, authenticates, and streams
// the sealed chunks back out in order.
func (s *encryptedSpool) Reader() (io.ReadCloser, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindStorageFailed, "open spool file", "", false, err)
	}
	return &spoolReader{spool: s, f: f}, nil
}

type spoolReader struct {
	spool   *encryptedSpool
	f       *os.File
	plain   []byte
	counter uint64
	eof     bool
}

func (r *spoolReader) Read(p []byte) (int, error) {
	for len(r.plain) == 0 {
		if r.eof {
			return 0, io.EOF
		}
		if err := r.nextChunk(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.plain)
	r.plain = r.plain[n:]
	return n, nil
}

func (r *spoolReader) nextChunk() error {
	sealed := make([]byte, spoolChunkSize+r.spool.aead.Overhead())
	n, err := io.ReadFull(r.f, sealed)
	switch err {
	case nil:
	case io.ErrUnexpectedEOF:
		r.eof = true
	case io.EOF:
		r.eof = true
		return nil
	default:
		return vaulterr.Wrap(vaulterr.KindStorageFailed, "read spool chunk", "", false, err)
	}
	if n == 0 {
		return nil
	}

	plain, err := r.spool.aead.Open(nil, spoolNonce(r.counter), sealed[:n], nil)
	if err != nil {
		return vaulterr.New(vaulterr.KindTamperedData, "spool chunk failed authentication", "", false)
	}
	r.counter++
	r.plain = plain
	return nil
}

func (r *spoolReader) Close() error { return r.f.Close() }
