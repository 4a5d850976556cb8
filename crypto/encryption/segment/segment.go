// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package segment implements the segmented AES-CTR + HMAC-SHA256 cipher
// used for the body of an encrypted file.
//
// The body is a sequence of segments followed by a file MAC:
//
//	segment     IV (12 bytes) MAC (20 bytes) ciphertext (<= 65536 bytes)
//	...
//	file MAC    32 bytes
//
// Every segment but the last holds exactly PageSize bytes of
// ciphertext. Each segment is encrypted with AES-CTR using its own
// random IV followed by a 4 byte zero block counter, and authenticated
// with
//
//	HMAC-SHA256(IV || uint32be(index) || ciphertext)[:20]
//
// where index is the segment's ordinal. The index is never stored, so
// segments cannot be reordered. The file MAC is
//
//	HMAC-SHA256(0x01 || MAC(segment 0) || MAC(segment 1) || ...)
//
// which additionally binds the number of segments.
package segment

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"hash"

	"github.com/grailbio/docencrypt/errors"
)

const (
	// AESKeySize is the size of the AES-128 key.
	AESKeySize = 16
	// HMACKeySize is the size of the HMAC-SHA256 key.
	HMACKeySize = 16
	// KeySize is the size of the key material: the AES key followed by the
	// HMAC key.
	KeySize = AESKeySize + HMACKeySize
	// IVSize is the size of a segment IV; the remaining 4 bytes of the
	// AES block are the CTR block counter.
	IVSize = 12
	// MACSize is the size of a truncated segment MAC.
	MACSize = 20
	// HeaderSize is the size of a segment header.
	HeaderSize = IVSize + MACSize
	// PageSize is the amount of plaintext in a full segment.
	PageSize = 65536
	// FileMACSize is the size of the file MAC.
	FileMACSize = sha256.Size
)

const fileMACVersion = 0x01

// Key holds the AES and HMAC keys of a file.
type Key struct {
	block   cipher.Block
	hmacKey []byte
}

// NewKey creates a key from KeySize bytes of key material.
func NewKey(material []byte) (*Key, error) {
	if len(material) != KeySize {
		return nil, errors.Errorf(errors.Invalid, "segment key: %d bytes of key material, want %d", len(material), KeySize)
	}
	block, err := aes.NewCipher(material[:AESKeySize])
	if err != nil {
		return nil, errors.E(errors.Invalid, "segment key", err)
	}
	return &Key{
		block:   block,
		hmacKey: append([]byte(nil), material[AESKeySize:]...),
	}, nil
}

func (k *Key) newHMAC() hash.Hash {
	return hmac.New(sha256.New, k.hmacKey)
}

func (k *Key) newFileMAC() hash.Hash {
	h := k.newHMAC()
	h.Write([]byte{fileMACVersion})
	return h
}

// stream returns the CTR key stream for a segment IV.
func (k *Key) stream(iv []byte) cipher.Stream {
	var ctr [aes.BlockSize]byte
	copy(ctr[:], iv)
	return cipher.NewCTR(k.block, ctr[:])
}

// segmentMAC computes the truncated MAC of a segment into mac.
func (k *Key) segmentMAC(h hash.Hash, mac []byte, index uint32, iv, ciphertext []byte) {
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], index)
	h.Reset()
	h.Write(iv)
	h.Write(idx[:])
	h.Write(ciphertext)
	var sum [sha256.Size]byte
	copy(mac, h.Sum(sum[:0])[:MACSize])
}

// Range describes the location of one segment in a file.
type Range struct {
	// Index is the segment's ordinal.
	Index uint32
	// Offset is the file offset of the segment header.
	Offset int64
	// Len is the length of the segment's ciphertext.
	Len int
}

// Data returns the file offset of the segment's ciphertext.
func (r Range) Data() int64 { return r.Offset + HeaderSize }

// End returns the file offset just past the segment.
func (r Range) End() int64 { return r.Data() + int64(r.Len) }

// Ranges returns the layout of the segments stored in the file region
// [start, end). Every segment but the last holds PageSize bytes of
// ciphertext, so a full final segment is followed directly by the end
// of the region. A final segment too short to hold its header is
// reported as an integrity error.
func Ranges(start, end int64) ([]Range, error) {
	if end-start < HeaderSize {
		return nil, errors.Errorf(errors.Integrity, "segment stream of %d bytes is truncated", end-start)
	}
	var (
		ranges []Range
		pos    = start
	)
	for index := int64(0); ; index++ {
		if index > int64(^uint32(0)) {
			return nil, errors.E(errors.Invalid, "too many segments")
		}
		if end-pos < HeaderSize {
			return nil, errors.Errorf(errors.Integrity, "segment %d is truncated", index)
		}
		if pos+HeaderSize+PageSize >= end {
			ranges = append(ranges, Range{uint32(index), pos, int(end - pos - HeaderSize)})
			return ranges, nil
		}
		ranges = append(ranges, Range{uint32(index), pos, PageSize})
		pos += HeaderSize + PageSize
	}
}
