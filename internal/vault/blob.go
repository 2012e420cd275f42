// Package vault implements the composite encrypted blob format, key
// derivation, the folder-name codec and the whole-vault index that
// every external surface of the application reduces to.
package vault

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	headerVersion = 5
	headerSize    = 36
	saltSize      = 16
	ivSize        = 12

	flagAEAD      uint32 = 1 << 31
	flagArgon2    uint32 = 1 << 30
	flagStream    uint32 = 1 << 29
	iterationMask uint32 = (1 << 29) - 1

	streamHeaderSize    = 24
	streamChunkSize     = 64 * 1024
	streamChunkOverhead = 17 // 1 tag byte + 16-byte Poly1305 tag

	aeadSizeThreshold = 50 * 1024 * 1024 // mode-selection threshold

	framingDelim = 0x0A
)

// Mode selects which AEAD construction wraps the plaintext section
// stream: a single ChaCha20-Poly1305 seal for small blobs, or a
// chunked XChaCha20-Poly1305 stream for large ones.
type Mode int

const (
	ModeAEAD Mode = iota
	ModeStream
)

type blobHeader struct {
	Salt       [saltSize]byte
	IV         [ivSize]byte
	Mode       Mode
	Algorithm  Algorithm
	Iterations uint32
}

func (h blobHeader) encode() [headerSize]byte {
	var buf [headerSize]byte
	binary.BigEndian.PutUint32(buf[0:4], headerVersion)
	copy(buf[4:20], h.Salt[:])
	copy(buf[20:32], h.IV[:])

	var flags uint32
	switch h.Mode {
	case ModeAEAD:
		flags |= flagAEAD
	case ModeStream:
		flags |= flagStream
	}
	if h.Algorithm == AlgorithmArgon2id {
		flags |= flagArgon2
	} else {
		flags |= h.Iterations & iterationMask
	}
	binary.BigEndian.PutUint32(buf[32:36], flags)
	return buf
}

func decodeHeader(buf []byte) (blobHeader, error) {
	if len(buf) != headerSize {
		return blobHeader{}, newErr("blob.decode_header", KindCorruptFormat, nil)
	}
	if binary.BigEndian.Uint32(buf[0:4]) != headerVersion {
		return blobHeader{}, newErr("blob.decode_header", KindUnsupportedVersion, nil)
	}

	var h blobHeader
	copy(h.Salt[:], buf[4:20])
	copy(h.IV[:], buf[20:32])

	flags := binary.BigEndian.Uint32(buf[32:36])
	isAEAD := flags&flagAEAD != 0
	isStream := flags&flagStream != 0
	if isAEAD == isStream { // both or neither set: invalid
		return blobHeader{}, newErr("blob.decode_header", KindCorruptFormat, nil)
	}
	if isAEAD {
		h.Mode = ModeAEAD
	} else {
		h.Mode = ModeStream
	}
	if flags&flagArgon2 != 0 {
		h.Algorithm = AlgorithmArgon2id
	} else {
		h.Algorithm = AlgorithmPBKDF2
		h.Iterations = flags & iterationMask
	}
	return h, nil
}

// SizedSection is a section payload whose length is known up front,
// allowing the large (FILE/THUMBNAIL) path to stream instead of
// materializing in memory.
type SizedSection struct {
	R io.Reader
	N int64
}

// Input describes everything needed to build one blob's plaintext
// section stream. Note is always fully materialized; File and
// Thumbnail may be streamed.
type Input struct {
	Metadata  Metadata
	File      *SizedSection
	Thumbnail *SizedSection
	Note      []byte
}

func (in Input) totalSize() int64 {
	var n int64
	if in.File != nil {
		n += in.File.N
	}
	if in.Thumbnail != nil {
		n += in.Thumbnail.N
	}
	n += int64(len(in.Note))
	return n
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, newErr("blob.random", KindIoError, err)
	}
	return b, nil
}

// SelectMode applies the mode-selection rule: anything at or under
// 50 MiB of combined section payload uses AEAD; everything else (and
// nothing else) uses streaming. forceAEAD is set for blobs the format
// always keeps small regardless of size, namely the vault index.
func SelectMode(totalSize int64, forceAEAD bool) Mode {
	if forceAEAD || totalSize <= aeadSizeThreshold {
		return ModeAEAD
	}
	return ModeStream
}

// Encrypt builds the plaintext section stream from in and writes the
// full blob (header plus ciphertext) to w. On any failure the caller
// is responsible for deleting whatever partial bytes already reached
// w — partial writes must be deleted on any failure; see
// storage.go's WriteBlob, which wraps this with that cleanup.
func Encrypt(w io.Writer, password []byte, params Params, in Input) error {
	salt, err := randomBytes(saltSize)
	if err != nil {
		return err
	}
	iv, err := randomBytes(ivSize)
	if err != nil {
		return err
	}

	key, err := DeriveKey(password, salt, params)
	if err != nil {
		return newErr("blob.encrypt", KindKdfError, err)
	}

	mode := SelectMode(in.totalSize(), in.Metadata.IsIndex())

	var header blobHeader
	copy(header.Salt[:], salt)
	copy(header.IV[:], iv)
	header.Mode = mode
	header.Algorithm = params.Algorithm
	header.Iterations = params.Iterations
	hdrBytes := header.encode()

	if _, err := w.Write(hdrBytes[:]); err != nil {
		return newErr("blob.encrypt", KindIoError, err)
	}

	in.Metadata.Sections = SectionPresence{
		File:      in.File != nil,
		Thumbnail: in.Thumbnail != nil,
		Note:      len(in.Note) > 0,
	}
	metaBytes, err := in.Metadata.marshal()
	if err != nil {
		return err
	}

	switch mode {
	case ModeAEAD:
		var plain bytes.Buffer
		if err := writeFramedSections(&plain, metaBytes, in); err != nil {
			return err
		}
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return newErr("blob.encrypt", KindKdfError, err)
		}
		ciphertext := aead.Seal(nil, iv, plain.Bytes(), hdrBytes[:])
		if _, err := w.Write(ciphertext); err != nil {
			return newErr("blob.encrypt", KindIoError, err)
		}
		return nil

	case ModeStream:
		streamBase, err := randomBytes(streamHeaderSize)
		if err != nil {
			return err
		}
		if _, err := w.Write(streamBase); err != nil {
			return newErr("blob.encrypt", KindIoError, err)
		}
		sAEAD, err := chacha20poly1305.NewX(key)
		if err != nil {
			return newErr("blob.encrypt", KindKdfError, err)
		}
		var base [streamHeaderSize]byte
		copy(base[:], streamBase)
		sw := newStreamWriter(w, sAEAD, base)
		if err := writeFramedSections(sw, metaBytes, in); err != nil {
			return err
		}
		return sw.Close()

	default:
		return newErr("blob.encrypt", KindCorruptFormat, nil)
	}
}

// writeFramedSections writes the leading 0x0A ∥ metadata ∥ 0x0A framing
// followed by the section stream to dst, which may be a plain
// buffer (AEAD mode) or a chunked stream writer (streaming mode).
func writeFramedSections(dst io.Writer, metaBytes []byte, in Input) error {
	if _, err := dst.Write([]byte{framingDelim}); err != nil {
		return newErr("blob.frame", KindIoError, err)
	}
	if _, err := dst.Write(metaBytes); err != nil {
		return newErr("blob.frame", KindIoError, err)
	}
	if _, err := dst.Write([]byte{framingDelim}); err != nil {
		return newErr("blob.frame", KindIoError, err)
	}

	sw := NewSectionWriter(dst)
	if in.File != nil {
		if err := sw.WriteFile(in.File.R, uint32(in.File.N)); err != nil {
			return err
		}
	}
	if in.Thumbnail != nil {
		if err := sw.WriteThumbnail(in.Thumbnail.R, uint32(in.Thumbnail.N)); err != nil {
			return err
		}
	}
	if len(in.Note) > 0 {
		if err := sw.WriteNote(in.Note); err != nil {
			return err
		}
	}
	return sw.WriteEnd()
}

// OpenedBlob is a parsed blob ready for lazy, in-order section access.
type OpenedBlob struct {
	Metadata Metadata
	Mode     Mode
	sections *SectionReader
}

// Open reads the header, derives the key, decrypts (fully for AEAD
// mode, lazily for streaming mode) and parses the metadata framing.
// Authentication failure — wrong password or tampering, indistinguishable
// by design — is reported as ErrInvalidPassword.
func Open(r io.Reader, password []byte) (*OpenedBlob, error) {
	var hdrBuf [headerSize]byte
	if _, err := io.ReadFull(r, hdrBuf[:]); err != nil {
		return nil, newErr("blob.open", KindCorruptFormat, err)
	}
	header, err := decodeHeader(hdrBuf[:])
	if err != nil {
		return nil, err
	}

	key, err := DeriveKey(password, header.Salt[:], Params{Algorithm: header.Algorithm, Iterations: header.Iterations})
	if err != nil {
		return nil, newErr("blob.open", KindKdfError, err)
	}

	var framed io.Reader
	switch header.Mode {
	case ModeAEAD:
		ciphertext, err := io.ReadAll(r)
		if err != nil {
			return nil, newErr("blob.open", KindIoError, err)
		}
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, newErr("blob.open", KindKdfError, err)
		}
		plaintext, err := aead.Open(nil, header.IV[:], ciphertext, hdrBuf[:])
		if err != nil {
			return nil, newErr("blob.open", KindInvalidPassword, err)
		}
		framed = bytes.NewReader(plaintext)

	case ModeStream:
		var streamBase [streamHeaderSize]byte
		if _, err := io.ReadFull(r, streamBase[:]); err != nil {
			return nil, newErr("blob.open", KindCorruptFormat, err)
		}
		sAEAD, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, newErr("blob.open", KindKdfError, err)
		}
		framed = newStreamReader(r, sAEAD, streamBase)

	default:
		return nil, newErr("blob.open", KindCorruptFormat, nil)
	}

	metadata, sectionReader, err := parseFramed(framed)
	if err != nil {
		return nil, err
	}
	return &OpenedBlob{Metadata: metadata, Mode: header.Mode, sections: sectionReader}, nil
}

// PeekedBlob is the result of PeekMetadata: a blob's metadata, recovered
// without touching any section payload.
type PeekedBlob struct {
	Metadata Metadata
}

// PeekMetadata reads only a blob's header and metadata framing — never
// its FILE, THUMBNAIL, or NOTE payload — and is the dedicated, cheap
// probe the vault index uses to discover a new blob's display name,
// file type, and thumbnail presence (already recorded in the metadata's
// section-presence map, so no section bytes need to be read at all).
//
// For streaming-mode blobs this is strictly lazy: parseFramed stops as
// soon as it has the metadata JSON line, and the chunked section
// reader underneath it is never advanced, so not one FILE or THUMBNAIL
// chunk is ever decrypted.
//
// For AEAD-mode blobs the saving is smaller but still real.
// ChaCha20-Poly1305 has no incremental verify: Open must decrypt the
// entire ciphertext as one sealed unit before any of the plaintext,
// including the header framing, can be trusted, so that single
// full-blob decrypt is an unavoidable property of the construction, not
// a missed optimization. What PeekMetadata still avoids is the
// additional copy FileBytes/ThumbnailBytes/NoteBytes would make out of
// that already-decrypted buffer. The format only ever selects AEAD mode
// for blobs at or under the 50 MiB mode-selection threshold (see
// SelectMode), so the unavoidable part of this cost is bounded; larger
// blobs use streaming mode, where PeekMetadata's saving is complete.
func PeekMetadata(r io.Reader, password []byte) (PeekedBlob, error) {
	opened, err := Open(r, password)
	if err != nil {
		return PeekedBlob{}, err
	}
	return PeekedBlob{Metadata: opened.Metadata}, nil
}

func parseFramed(r io.Reader) (Metadata, *SectionReader, error) {
	br := bufio.NewReaderSize(r, 4096)

	b, err := br.ReadByte()
	if err != nil || b != framingDelim {
		return Metadata{}, nil, newErr("blob.parse_framed", KindCorruptFormat, err)
	}

	line, err := br.ReadBytes(framingDelim)
	if err != nil {
		return Metadata{}, nil, newErr("blob.parse_framed", KindCorruptFormat, err)
	}
	metaBytes := line[:len(line)-1]

	metadata, err := parseMetadata(metaBytes)
	if err != nil {
		return Metadata{}, nil, err
	}
	return metadata, NewSectionReader(br), nil
}

// sectionBytes scans forward (in the mandatory ascending-marker order)
// for target, discarding any lower-numbered sections it passes over.
// It reports ok=false, with the reader left positioned at whatever
// came next, if target never appears before a higher marker or END.
func (b *OpenedBlob) sectionBytes(target Marker) (data []byte, ok bool, err error) {
	for {
		info, err := b.sections.ReadNext()
		if err != nil {
			return nil, false, err
		}
		if info == nil {
			return nil, false, nil
		}
		switch {
		case info.Marker == target:
			data, err := b.sections.ReadContent(info.Size)
			return data, true, err
		case info.Marker > target:
			return nil, false, nil
		default:
			if err := b.sections.Discard(); err != nil {
				return nil, false, err
			}
		}
	}
}

// section enforces that the metadata's presence flag agrees with what
// is actually on the wire: a mismatch is CorruptFormat.
func (b *OpenedBlob) section(target Marker, expectedPresent bool) ([]byte, error) {
	data, ok, err := b.sectionBytes(target)
	if err != nil {
		return nil, err
	}
	if ok != expectedPresent {
		return nil, newErr("blob.section", KindCorruptFormat, nil)
	}
	if !ok {
		return nil, nil
	}
	return data, nil
}

// FileBytes materializes the FILE section, or (nil, nil) if absent.
func (b *OpenedBlob) FileBytes() ([]byte, error) {
	return b.section(MarkerFile, b.Metadata.Sections.File)
}

// ThumbnailBytes materializes the THUMBNAIL section, or (nil, nil) if absent.
func (b *OpenedBlob) ThumbnailBytes() ([]byte, error) {
	return b.section(MarkerThumbnail, b.Metadata.Sections.Thumbnail)
}

// NoteBytes materializes the NOTE section, or (nil, nil) if absent.
func (b *OpenedBlob) NoteBytes() ([]byte, error) {
	return b.section(MarkerNote, b.Metadata.Sections.Note)
}

// Finish verifies the stream ends exactly where expected: no trailing
// section the metadata did not declare, and a consumed END marker.
// Callers that only want a subset of sections should still call
// Finish if they need the CorruptFormat/mismatch guarantee; callers
// that read every section metadata declares get it for free once
// NoteBytes (the last possible section) returns.
func (b *OpenedBlob) Finish() error {
	info, err := b.sections.ReadNext()
	if err != nil {
		return err
	}
	if info != nil {
		return newErr("blob.finish", KindCorruptFormat, nil)
	}
	if !b.sections.SawEnd() {
		return newErr("blob.finish", KindCorruptFormat, nil)
	}
	return nil
}

// CalculateCiphertextSize returns the total on-disk length of a
// streaming-mode blob (header + stream header + chunked ciphertext)
// for n bytes of combined section payload, per the chunk-overhead
// formula. chunkSize <= 0 selects the format's fixed 64 KiB chunk.
func CalculateCiphertextSize(n int64, chunkSize int64) int64 {
	if chunkSize <= 0 {
		chunkSize = streamChunkSize
	}
	fullChunks := n / chunkSize
	remainder := n % chunkSize

	chunkTotal := fullChunks * (chunkSize + streamChunkOverhead)
	if remainder == 0 {
		chunkTotal += streamChunkOverhead // trailing zero-length FINAL chunk
	} else {
		chunkTotal += remainder + streamChunkOverhead
	}
	return headerSize + streamHeaderSize + chunkTotal
}
