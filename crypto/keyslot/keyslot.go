// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package keyslot implements the key slot list stored (wrapped) in a
// document's encryption metadata. The list is a flat sequence of
// type-length-value records:
//
//	type        1 byte
//	length      1 byte, the length of contents in units of 4 bytes
//	id          2 bytes, big endian
//	contents    4*length bytes
//
// A record with type 0 (None) terminates the list; the serialized list
// is zero padded to a multiple of 8 bytes so that it can be AES key
// wrapped.
package keyslot

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/grailbio/docencrypt/errors"
)

// Type is the type of a key slot. The numeric values are part of the
// stored format and must not change.
type Type uint8

const (
	// None terminates a slot list.
	None Type = 0
	// ActiveAESWrap is a legacy key used to AES key wrap per-file keys.
	// Such keys are no longer generated but may be used for decryption.
	ActiveAESWrap Type = 1
	// RetiredAESWrap is a retired ActiveAESWrap key.
	RetiredAESWrap Type = 2
	// ActiveCTRHMAC is the current key type: 16 bytes of AES key followed by
	// 16 bytes of HMAC-SHA256 key, used directly for file encryption.
	ActiveCTRHMAC Type = 3
	// RetiredCTRHMAC is a retired ActiveCTRHMAC key. It is used for
	// decryption only.
	RetiredCTRHMAC Type = 4
	// PlaintextMask holds a zero-padded filename suffix; matching files are
	// not encrypted.
	PlaintextMask Type = 5
	// RetiredPlaintextMask holds a zero-padded filename suffix; matching
	// files may be read unencrypted but are written encrypted.
	RetiredPlaintextMask Type = 6
)

var typeNames = map[Type]string{
	None:                 "None",
	ActiveAESWrap:        "ActiveAESWRAP",
	RetiredAESWrap:       "RetiredAESWRAP",
	ActiveCTRHMAC:        "ActiveAES_CTR_HMAC",
	RetiredCTRHMAC:       "RetiredAES_CTR_HMAC",
	PlaintextMask:        "PlaintextMask",
	RetiredPlaintextMask: "RetiredPlaintextMask",
}

// String returns the name of the slot type.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Known tells whether t is one of the defined slot types.
func (t Type) Known() bool {
	_, ok := typeNames[t]
	return ok
}

// Retired returns the retired counterpart of an active key type. The
// boolean is false for types that cannot be retired.
func (t Type) Retired() (Type, bool) {
	switch t {
	case ActiveCTRHMAC:
		return RetiredCTRHMAC, true
	case ActiveAESWrap:
		return RetiredAESWrap, true
	default:
		return t, false
	}
}

// IsKey tells whether slots of type t hold key material.
func (t Type) IsKey() bool {
	switch t {
	case ActiveAESWrap, RetiredAESWrap, ActiveCTRHMAC, RetiredCTRHMAC:
		return true
	default:
		return false
	}
}

// IsActive tells whether t is a key type used for new encryption.
func (t Type) IsActive() bool {
	return t == ActiveAESWrap || t == ActiveCTRHMAC
}

// IsPolicy tells whether slots of type t hold a filename policy.
func (t Type) IsPolicy() bool {
	return t == PlaintextMask || t == RetiredPlaintextMask
}

// Slot is a single entry in a key slot list.
type Slot struct {
	Type Type
	// ID identifies the slot; file headers refer to keys by ID.
	ID uint16
	// Contents is the key material or policy pattern. Its length is
	// always a multiple of 4.
	Contents []byte
}

// Suffix returns the policy pattern held by a policy slot: its contents
// with trailing zero bytes removed.
func (s Slot) Suffix() string {
	return string(bytes.TrimRight(s.Contents, "\x00"))
}

func (s Slot) String() string {
	return fmt.Sprintf("slot %d (%v, %d bytes)", s.ID, s.Type, len(s.Contents))
}

// PadSuffix returns the contents of a policy slot matching the given
// filename suffix: its UTF-8 bytes zero padded to a multiple of 4.
func PadSuffix(suffix string) []byte {
	n := (len(suffix) + 3) &^ 3
	b := make([]byte, n)
	copy(b, suffix)
	return b
}

const (
	headerSize = 4
	// MaxContentsSize is the largest encodable slot contents.
	MaxContentsSize = 4 * 255
	// Alignment is the alignment of a marshaled slot list.
	Alignment = 8
)

// Parse decodes a slot list. Parsing stops at a None record or at the
// end of b. Contents are copied out of b.
func Parse(b []byte) ([]Slot, error) {
	var slots []Slot
	for off := 0; off < len(b); {
		tp := Type(b[off])
		if tp == None {
			break
		}
		if off+headerSize > len(b) {
			return nil, errors.Errorf(errors.MalformedSlots, "slot header at offset %d is truncated", off)
		}
		n := 4 * int(b[off+1])
		id := binary.BigEndian.Uint16(b[off+2 : off+4])
		off += headerSize
		if off+n > len(b) {
			return nil, errors.Errorf(errors.MalformedSlots, "slot %d: %d bytes of contents exceed the list", id, n)
		}
		slots = append(slots, Slot{
			Type:     tp,
			ID:       id,
			Contents: append([]byte(nil), b[off:off+n]...),
		})
		off += n
	}
	return slots, nil
}

// Marshal encodes a slot list, zero padding it to a multiple of
// Alignment bytes.
func Marshal(slots []Slot) ([]byte, error) {
	size := 0
	for _, s := range slots {
		if s.Type == None {
			return nil, errors.Errorf(errors.Invalid, "slot %d: type None cannot be stored", s.ID)
		}
		if len(s.Contents)%4 != 0 || len(s.Contents) > MaxContentsSize {
			return nil, errors.Errorf(errors.InvalidSlotLength, "slot %d: %d bytes of contents", s.ID, len(s.Contents))
		}
		size += headerSize + len(s.Contents)
	}
	buf := make([]byte, 0, (size+Alignment-1)&^(Alignment-1))
	for _, s := range slots {
		buf = append(buf, byte(s.Type), byte(len(s.Contents)/4))
		buf = binary.BigEndian.AppendUint16(buf, s.ID)
		buf = append(buf, s.Contents...)
	}
	for len(buf)%Alignment != 0 {
		buf = append(buf, 0)
	}
	return buf, nil
}
