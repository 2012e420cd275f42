package vault

import (
	"crypto/cipher"
	"encoding/binary"
	"io"
)

// Streaming mode's chunk tag byte, prepended to a chunk's plaintext
// before sealing so it is authenticated along with the data. This is
// our own reimplementation of the shape libsodium's SecretStream
// exposes (a tagged, chunked AEAD stream) built on the same AEAD
// family the rest of the format already uses — see DESIGN.md.
const (
	chunkTagMessage byte = 0x00
	chunkTagFinal   byte = 0x01
)

// chunkNonce derives chunk i's nonce by XOR-ing its big-endian counter
// into the last 8 bytes of the random per-blob base nonce, giving
// distinct nonces for up to 2^64 chunks from one random base.
func chunkNonce(base [streamHeaderSize]byte, counter uint64) [streamHeaderSize]byte {
	n := base
	var cnt [8]byte
	binary.BigEndian.PutUint64(cnt[:], counter)
	for i := 0; i < 8; i++ {
		n[streamHeaderSize-8+i] ^= cnt[i]
	}
	return n
}

// streamWriter chunks plaintext into streamChunkSize pieces, sealing
// each with the stream AEAD and a tag byte marking whether it is the
// final chunk. It implements io.WriteCloser; Close must be called
// exactly once to flush the mandatory trailing FINAL chunk.
type streamWriter struct {
	w       io.Writer
	aead    cipher.AEAD
	base    [streamHeaderSize]byte
	counter uint64
	buf     []byte
	err     error
	closed  bool
}

func newStreamWriter(w io.Writer, aead cipher.AEAD, base [streamHeaderSize]byte) *streamWriter {
	return &streamWriter{w: w, aead: aead, base: base, buf: make([]byte, 0, streamChunkSize)}
}

func (s *streamWriter) Write(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	total := len(p)
	for len(p) > 0 {
		space := streamChunkSize - len(s.buf)
		n := len(p)
		if n > space {
			n = space
		}
		s.buf = append(s.buf, p[:n]...)
		p = p[n:]
		if len(s.buf) == streamChunkSize {
			if err := s.flush(false); err != nil {
				s.err = err
				return 0, err
			}
		}
	}
	return total, nil
}

func (s *streamWriter) flush(final bool) error {
	tag := chunkTagMessage
	if final {
		tag = chunkTagFinal
	}
	plain := make([]byte, 0, len(s.buf)+1)
	plain = append(plain, tag)
	plain = append(plain, s.buf...)

	nonce := chunkNonce(s.base, s.counter)
	s.counter++

	ciphertext := s.aead.Seal(nil, nonce[:], plain, nil)
	if _, err := s.w.Write(ciphertext); err != nil {
		return newErr("stream.write", KindIoError, err)
	}
	s.buf = s.buf[:0]
	return nil
}

// Close flushes the final chunk (zero-length if nothing is pending).
func (s *streamWriter) Close() error {
	if s.closed {
		return s.err
	}
	s.closed = true
	if s.err != nil {
		return s.err
	}
	return s.flush(true)
}

// streamReader lazily decrypts one chunk at a time. Reads beyond the
// FINAL chunk return io.EOF; a chunk boundary reached without ever
// seeing FINAL is reported as CorruptFormat (truncation).
type streamReader struct {
	r        io.Reader
	aead     cipher.AEAD
	base     [streamHeaderSize]byte
	counter  uint64
	pending  []byte
	finished bool
	err      error
}

func newStreamReader(r io.Reader, aead cipher.AEAD, base [streamHeaderSize]byte) *streamReader {
	return &streamReader{r: r, aead: aead, base: base}
}

func (s *streamReader) Read(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	if len(s.pending) == 0 {
		if s.finished {
			return 0, io.EOF
		}
		if err := s.readChunk(); err != nil {
			s.err = err
			return 0, err
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *streamReader) readChunk() error {
	maxLen := streamChunkSize + streamChunkOverhead
	buf := make([]byte, maxLen)
	n, err := io.ReadFull(s.r, buf)
	switch {
	case err == nil:
		// full-size chunk read
	case err == io.ErrUnexpectedEOF:
		buf = buf[:n]
	case err == io.EOF:
		if n == 0 {
			// Stream ended with no FINAL chunk ever observed: truncated.
			return newErr("stream.read", KindCorruptFormat, nil)
		}
		buf = buf[:n]
	default:
		return newErr("stream.read", KindIoError, err)
	}

	if len(buf) < streamChunkOverhead+1 {
		return newErr("stream.read", KindCorruptFormat, nil)
	}

	nonce := chunkNonce(s.base, s.counter)
	s.counter++

	plain, err := s.aead.Open(nil, nonce[:], buf, nil)
	if err != nil {
		return newErr("stream.read", KindInvalidPassword, err)
	}
	if len(plain) == 0 {
		return newErr("stream.read", KindCorruptFormat, nil)
	}

	tag, data := plain[0], plain[1:]
	switch tag {
	case chunkTagMessage:
		if len(buf) != maxLen {
			// A non-final chunk must be exactly full size; anything
			// shorter means the stream was cut mid-chunk.
			return newErr("stream.read", KindCorruptFormat, nil)
		}
	case chunkTagFinal:
		s.finished = true
	default:
		return newErr("stream.read", KindCorruptFormat, nil)
	}
	s.pending = data
	return nil
}
