package resource

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"io"

	"github.com/tanker-go/e2ee-core/internal/corerr"
	"github.com/tanker-go/e2ee-core/internal/primitives"
)

// StreamHeaderSize is the fixed wire size of a StreamHeader: a one-byte
// version tag (format v4 always fits in a single varint byte), a
// little-endian u32 encryptedChunkSize, and a 16-byte resource ID.
const StreamHeaderSize = 21

// DefaultEncryptedChunkSize is the encryptedChunkSize new encryption streams
// use unless the caller asks for a different one.
const DefaultEncryptedChunkSize = 1 << 20 // 1 MiB

const ivSeedSize = 24

// StreamHeader is prepended to every chunk of a v4 artifact.
type StreamHeader struct {
	Version            Format
	EncryptedChunkSize uint32
	ResourceID         ResourceID
}

// MarshalBinary serializes h to its fixed 21-byte wire form.
func (h StreamHeader) MarshalBinary() ([]byte, error) {
	out := putVersion(nil, h.Version)
	if len(out) != 1 {
		return nil, corerr.New(corerr.InternalError, "stream header version does not fit in one byte")
	}
	var sizeBuf [4]byte
	binary.LittleEndian.PutUint32(sizeBuf[:], h.EncryptedChunkSize)
	out = append(out, sizeBuf[:]...)
	out = append(out, h.ResourceID[:]...)
	return out, nil
}

// parseStreamHeader decodes a StreamHeader from the front of b.
func parseStreamHeader(b []byte) (StreamHeader, error) {
	if len(b) < StreamHeaderSize {
		return StreamHeader{}, corerr.New(corerr.DecryptionFailed, "truncated stream header")
	}
	version, n, err := readVersion(b)
	if err != nil {
		return StreamHeader{}, err
	}
	if n != 1 {
		return StreamHeader{}, corerr.New(corerr.InvalidEncryptionFormat, "stream header version is not a single byte")
	}
	if version != FormatV4 {
		return StreamHeader{}, corerr.Newf(corerr.InvalidEncryptionFormat, "expected streaming format v4, got %s", version)
	}
	chunkSize := binary.LittleEndian.Uint32(b[n : n+4])
	var id ResourceID
	copy(id[:], b[n+4:n+4+ResourceIDSize])
	return StreamHeader{Version: version, EncryptedChunkSize: chunkSize, ResourceID: id}, nil
}

func (h StreamHeader) maxPlaintextPerChunk() int {
	return int(h.EncryptedChunkSize) - StreamHeaderSize - ivSeedSize - primitives.MACSize
}

// EncryptionStream turns a plaintext reader into a pull-based reader of
// framed, encrypted v4 chunks: every Read call produces whole chunks only,
// never a partial one, so a caller that reads in chunk-sized increments sees
// one encrypted chunk per call. The stream always terminates with an
// explicit zero-length-plaintext chunk, even when the input itself was
// empty, so a decrypting reader never has to guess end-of-stream from a
// short final chunk.
type EncryptionStream struct {
	src        io.Reader
	header     StreamHeader
	headerBlob []byte
	contentKey [primitives.KeySize]byte

	chunkIndex uint64
	srcAtEOF   bool
	terminated bool

	outBuf []byte
	err    error
}

// NewEncryptionStream prepares an encryption pipeline for resourceID under
// contentKey, chunking plaintext read from src into chunks whose encrypted
// size is encryptedChunkSize (pass DefaultEncryptedChunkSize when the caller
// has no preference).
func NewEncryptionStream(src io.Reader, contentKey [primitives.KeySize]byte, resourceID ResourceID, encryptedChunkSize uint32) (*EncryptionStream, error) {
	header := StreamHeader{Version: FormatV4, EncryptedChunkSize: encryptedChunkSize, ResourceID: resourceID}
	if header.maxPlaintextPerChunk() <= 0 {
		return nil, corerr.New(corerr.InvalidArgument, "encryptedChunkSize too small to hold any plaintext")
	}
	blob, err := header.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &EncryptionStream{src: src, header: header, headerBlob: blob, contentKey: contentKey}, nil
}

// Header returns the header every chunk of this stream carries.
func (s *EncryptionStream) Header() StreamHeader { return s.header }

func (s *EncryptionStream) Read(p []byte) (int, error) {
	if len(s.outBuf) == 0 {
		if err := s.fillNextChunk(); err != nil {
			return 0, err
		}
	}
	n := copy(p, s.outBuf)
	s.outBuf = s.outBuf[n:]
	return n, nil
}

func (s *EncryptionStream) fillNextChunk() error {
	if s.err != nil {
		return s.err
	}
	if s.terminated {
		s.err = io.EOF
		return s.err
	}

	plaintext, isTerminator, err := s.nextPlaintext()
	if err != nil {
		s.err = err
		return err
	}

	var ivSeed [ivSeedSize]byte
	if _, err := io.ReadFull(rand.Reader, ivSeed[:]); err != nil {
		s.err = corerr.Wrap(corerr.InternalError, err, "generate chunk iv seed")
		return s.err
	}
	iv, err := primitives.DeriveIV(ivSeed, s.chunkIndex)
	if err != nil {
		s.err = corerr.Wrap(corerr.InternalError, err, "derive chunk iv")
		return s.err
	}
	ciphertext, err := primitives.AEADEncrypt(s.contentKey, iv, plaintext, nil)
	if err != nil {
		s.err = corerr.Wrap(corerr.InternalError, err, "seal chunk")
		return s.err
	}

	chunk := make([]byte, 0, len(s.headerBlob)+ivSeedSize+len(ciphertext))
	chunk = append(chunk, s.headerBlob...)
	chunk = append(chunk, ivSeed[:]...)
	chunk = append(chunk, ciphertext...)

	s.outBuf = chunk
	s.chunkIndex++
	if isTerminator {
		s.terminated = true
	}
	return nil
}

// nextPlaintext returns the next plaintext chunk to encrypt. It always
// eventually returns exactly one terminator chunk (empty plaintext, possibly
// the very first chunk) after the source is exhausted.
func (s *EncryptionStream) nextPlaintext() ([]byte, bool, error) {
	if s.srcAtEOF {
		return nil, true, nil
	}

	max := s.header.maxPlaintextPerChunk()
	buf := make([]byte, max)
	n, err := readFull(s.src, buf)
	if err != nil && err != io.EOF {
		return nil, false, corerr.Wrap(corerr.InternalError, err, "read plaintext")
	}
	if err == io.EOF {
		s.srcAtEOF = true
		if n == 0 {
			return nil, true, nil
		}
	}
	return buf[:n], false, nil
}

// DecryptionStream turns a reader of framed v4 chunks back into plaintext,
// pulling exactly one source chunk per internal refill.
type DecryptionStream struct {
	src        io.Reader
	contentKey [primitives.KeySize]byte

	header     StreamHeader
	haveHeader bool

	chunkIndex uint64
	outBuf     []byte
	done       bool
	err        error
}

// NewDecryptionStream prepares a decryption pipeline reading framed v4
// chunks from src. The resource ID and chunk size are learned from the
// stream's own header on the first Read; pass the expected resource ID to
// verify it, or a zero ResourceID to skip that check.
func NewDecryptionStream(src io.Reader, contentKey [primitives.KeySize]byte, expected ResourceID) (*DecryptionStream, error) {
	return &DecryptionStream{src: src, contentKey: contentKey, header: StreamHeader{ResourceID: expected}}, nil
}

// Header returns the header parsed from the stream. It is only valid after
// the first successful Read.
func (d *DecryptionStream) Header() StreamHeader { return d.header }

func (d *DecryptionStream) Read(p []byte) (int, error) {
	if len(d.outBuf) == 0 {
		if err := d.fillNextChunk(); err != nil {
			return 0, err
		}
	}
	n := copy(p, d.outBuf)
	d.outBuf = d.outBuf[n:]
	return n, nil
}

func (d *DecryptionStream) fillNextChunk() error {
	if d.err != nil {
		return d.err
	}
	if d.done {
		d.err = io.EOF
		return d.err
	}

	headerBuf := make([]byte, StreamHeaderSize)
	hn, readErr := readFull(d.src, headerBuf)
	if readErr != nil && readErr != io.EOF {
		d.err = corerr.Wrap(corerr.NetworkError, readErr, "read chunk header")
		return d.err
	}
	if hn == 0 {
		d.err = corerr.New(corerr.DecryptionFailed, "stream ended without a terminator chunk")
		return d.err
	}
	if hn < StreamHeaderSize {
		d.err = corerr.New(corerr.DecryptionFailed, "truncated chunk header")
		return d.err
	}

	header, err := parseStreamHeader(headerBuf)
	if err != nil {
		d.err = err
		return err
	}
	if !d.haveHeader {
		var zero ResourceID
		if d.header.ResourceID != zero && d.header.ResourceID != header.ResourceID {
			d.err = corerr.New(corerr.InvalidArgument, "stream resource id does not match expectation")
			return d.err
		}
		d.header = header
		d.haveHeader = true
	} else if header != d.header {
		d.err = corerr.New(corerr.DecryptionFailed, "stream header changed mid-stream")
		return d.err
	}

	rest := int(header.EncryptedChunkSize) - StreamHeaderSize
	if rest < ivSeedSize+primitives.MACSize {
		d.err = corerr.New(corerr.InvalidEncryptionFormat, "chunk size too small to hold an iv seed and mac")
		return d.err
	}
	restBuf := make([]byte, rest)
	rn, readErr := readFull(d.src, restBuf)
	if readErr != nil && readErr != io.EOF {
		d.err = corerr.Wrap(corerr.NetworkError, readErr, "read chunk body")
		return d.err
	}
	if rn < ivSeedSize+primitives.MACSize {
		d.err = corerr.New(corerr.DecryptionFailed, "truncated chunk body")
		return d.err
	}
	restBuf = restBuf[:rn]

	var ivSeed [ivSeedSize]byte
	copy(ivSeed[:], restBuf[:ivSeedSize])
	ciphertext := restBuf[ivSeedSize:]

	iv, err := primitives.DeriveIV(ivSeed, d.chunkIndex)
	if err != nil {
		d.err = corerr.Wrap(corerr.InternalError, err, "derive chunk iv")
		return d.err
	}
	plaintext, err := primitives.AEADDecrypt(d.contentKey, iv, ciphertext, nil)
	if err != nil {
		d.err = corerr.Wrap(corerr.DecryptionFailed, err, "open stream chunk")
		return d.err
	}

	d.chunkIndex++
	if len(plaintext) == 0 {
		d.done = true
	}
	d.outBuf = plaintext
	return nil
}

// PeekStreamResourceID reads just enough of src to learn a v4 stream's
// resource ID (its first chunk's header) without consuming src for the
// caller: it returns a reader that replays those bytes before resuming src,
// so the returned reader can be handed to NewDecryptionStream afterward as
// if nothing had been read yet. Used by callers that must resolve a content
// key (via the resource manager) before they can construct a
// DecryptionStream at all.
func PeekStreamResourceID(src io.Reader) (ResourceID, io.Reader, error) {
	headerBuf := make([]byte, StreamHeaderSize)
	n, err := readFull(src, headerBuf)
	if err != nil && err != io.EOF {
		return ResourceID{}, nil, corerr.Wrap(corerr.NetworkError, err, "read stream header")
	}
	if n < StreamHeaderSize {
		return ResourceID{}, nil, corerr.New(corerr.DecryptionFailed, "truncated stream header")
	}
	header, err := parseStreamHeader(headerBuf)
	if err != nil {
		return ResourceID{}, nil, err
	}
	replayed := io.MultiReader(bytes.NewReader(headerBuf), src)
	return header.ResourceID, replayed, nil
}

// readFull reads until buf is full or the source is exhausted, returning
// io.EOF only once no further bytes are available (never io.ErrUnexpectedEOF
// for a short final read, unlike io.ReadFull).
func readFull(r io.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			if err == io.EOF {
				return total, io.EOF
			}
			return total, err
		}
		if n == 0 {
			return total, io.EOF
		}
	}
	return total, nil
}
