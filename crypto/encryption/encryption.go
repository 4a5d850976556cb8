// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package encryption

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"io"
	"sync"

	"github.com/grailbio/base/log"
	"github.com/grailbio/docencrypt/crypto/encryption/segment"
	"github.com/grailbio/docencrypt/errors"
)

// Magic is the fixed prefix of every encrypted file.
const Magic = "OmniFileEncryption\x00\x00"

// headerAlign is the alignment of the first segment.
const headerAlign = 16

// corruptMarker identifies files that were meant to be encrypted. A file
// with a bad magic containing it is never passed through as plaintext.
var corruptMarker = []byte("crypt")

// Options supplies the cryptographic context of file operations.
type Options struct {
	// Rand is the source of segment IVs. It defaults to crypto/rand.Reader.
	Rand io.Reader
	// Parallelism is the number of segments verified concurrently. Zero
	// means sequential.
	Parallelism int
}

func (o Options) random() io.Reader {
	if o.Rand == nil {
		return rand.Reader
	}
	return o.Rand
}

// Header is the parsed header of an encrypted file.
type Header struct {
	// KeyID is the id of the document key slot that encrypted the file.
	KeyID uint16
	// Info is the full key information: the key id followed by any
	// per-file key.
	Info []byte
	// Size is the size of the header including padding: the offset of
	// the first segment.
	Size int64
}

func padding(n int64) int64 {
	return (headerAlign - n%headerAlign) % headerAlign
}

// ReadHeader reads and validates the header of an encrypted file.
func ReadHeader(in io.Reader) (Header, error) {
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(in, magic); err != nil || string(magic) != Magic {
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return Header{}, err
		}
		return Header{}, errors.E(errors.BadMagic)
	}
	return readHeader(in)
}

// readHeader reads the header following the magic.
func readHeader(in io.Reader) (Header, error) {
	var n [2]byte
	if _, err := io.ReadFull(in, n[:]); err != nil {
		return Header{}, truncated(err, "header")
	}
	h := Header{Info: make([]byte, binary.BigEndian.Uint16(n[:]))}
	if len(h.Info) < 2 {
		return Header{}, errors.Errorf(errors.Invalid, "key information of %d bytes", len(h.Info))
	}
	if _, err := io.ReadFull(in, h.Info); err != nil {
		return Header{}, truncated(err, "key information")
	}
	h.KeyID = binary.BigEndian.Uint16(h.Info)
	h.Size = int64(len(Magic) + 2 + len(h.Info))
	pad := make([]byte, padding(h.Size))
	if _, err := io.ReadFull(in, pad); err != nil {
		return Header{}, truncated(err, "header padding")
	}
	for _, b := range pad {
		if b != 0 {
			return Header{}, errors.E(errors.BadPadding)
		}
	}
	h.Size += int64(len(pad))
	return h, nil
}

func truncated(err error, what string) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return errors.E(errors.Integrity, what, "is truncated")
	}
	return err
}

// EncryptFile encrypts the contents of in to out under the document's
// active key. Files whose name matches a PlaintextMask policy are copied
// unchanged.
func EncryptFile(key *DocumentKey, filename string, in io.Reader, out io.Writer, opts Options) error {
	if key.WritesPlaintext(filename) {
		log.Debug.Printf("%s: writing plaintext", filename)
		_, err := io.Copy(out, in)
		return err
	}
	slot, err := key.ActiveKey()
	if err != nil {
		return err
	}
	fileKey, err := segment.NewKey(slot.Contents)
	if err != nil {
		return err
	}
	hdr := make([]byte, 0, 32)
	hdr = append(hdr, Magic...)
	hdr = binary.BigEndian.AppendUint16(hdr, 2)
	hdr = binary.BigEndian.AppendUint16(hdr, slot.ID)
	hdr = append(hdr, make([]byte, padding(int64(len(hdr))))...)
	if _, err := out.Write(hdr); err != nil {
		return err
	}
	log.Debug.Printf("%s: encrypting with key %d", filename, slot.ID)
	return fileKey.Encrypt(out, in, opts.random())
}

// DecryptFile authenticates the encrypted file in and then writes its
// plaintext to out. Nothing is written to out unless the whole file
// authenticates. If out is nil, the file is only verified.
//
// A file without the encrypted-file magic is copied unchanged if the
// document's policy allows filename to be read as plaintext, unless its
// first bytes suggest a damaged encrypted file; otherwise DecryptFile
// fails with errors.BadMagic.
func DecryptFile(key *DocumentKey, filename string, in io.ReadSeeker, out io.Writer, opts Options) error {
	magic := make([]byte, len(Magic))
	n, err := io.ReadFull(in, magic)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return err
	}
	magic = magic[:n]
	if string(magic) != Magic {
		policy := key.ReadPolicy(filename)
		if policy == Encrypted || bytes.Contains(magic, corruptMarker) {
			return errors.E(errors.BadMagic, filename)
		}
		log.Debug.Printf("%s: file is not encrypted; plaintext is %v", filename, policy)
		if out == nil {
			return nil
		}
		if _, err := in.Seek(0, io.SeekStart); err != nil {
			return err
		}
		_, err := io.Copy(out, in)
		return err
	}
	hdr, err := readHeader(in)
	if err != nil {
		return err
	}
	fileKey, err := key.FileKey(hdr.Info)
	if err != nil {
		return err
	}
	size, err := in.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	r := readerAt(in)
	vopts := segment.VerifyOptions{Parallelism: opts.Parallelism}
	if out == nil {
		log.Debug.Printf("%s: verifying with key %d", filename, hdr.KeyID)
		return fileKey.Verify(r, hdr.Size, size, vopts)
	}
	log.Debug.Printf("%s: decrypting with key %d", filename, hdr.KeyID)
	return fileKey.Decrypt(out, r, hdr.Size, size, vopts)
}

// VerifyFile authenticates the encrypted file in without producing any
// plaintext.
func VerifyFile(key *DocumentKey, filename string, in io.ReadSeeker, opts Options) error {
	return DecryptFile(key, filename, in, nil, opts)
}

func readerAt(r io.ReadSeeker) io.ReaderAt {
	if ra, ok := r.(io.ReaderAt); ok {
		return ra
	}
	return &seekReaderAt{r: r}
}

// seekReaderAt implements io.ReaderAt by seeking an io.ReadSeeker.
type seekReaderAt struct {
	mu sync.Mutex
	r  io.ReadSeeker
}

func (s *seekReaderAt) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.r.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(s.r, p)
}
