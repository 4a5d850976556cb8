// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package encryption

import (
	"bytes"
	"crypto/rand"
	"io"
	"math/big"

	"github.com/grailbio/docencrypt/crypto/encryption/passwd"
	"github.com/grailbio/docencrypt/crypto/encryption/segment"
	"github.com/grailbio/docencrypt/crypto/keyslot"
	"github.com/grailbio/docencrypt/errors"
)

// maxIDAttempts bounds the number of random draws made when allocating
// a slot id.
const maxIDAttempts = 64

// DocumentKey is the set of keys and filename policies of an encrypted
// document. DocumentKeys are immutable: every modification returns a new
// DocumentKey and leaves the receiver unchanged, so a DocumentKey may be
// shared freely among goroutines.
type DocumentKey struct {
	slots []keyslot.Slot
}

// NewDocumentKey returns a DocumentKey holding a copy of the provided
// slots.
func NewDocumentKey(slots []keyslot.Slot) *DocumentKey {
	return &DocumentKey{slots: copySlots(slots)}
}

// OpenDocumentKey derives the wrapping key from the passphrase and the
// metadata's parameters, and unwraps the document's slot list with it.
// The wrapping key is returned so that the caller can seal an updated
// DocumentKey under the same passphrase.
func OpenDocumentKey(meta *passwd.Metadata, passphrase []byte) (*DocumentKey, passwd.WrappingKey, error) {
	kek, err := meta.DeriveKey(passphrase)
	if err != nil {
		return nil, kek, err
	}
	key, err := UnwrapDocumentKey(meta.Key, kek)
	return key, kek, err
}

// UnwrapDocumentKey unwraps and parses a wrapped slot list.
func UnwrapDocumentKey(wrapped []byte, kek passwd.WrappingKey) (*DocumentKey, error) {
	b, err := passwd.Unwrap(kek, wrapped)
	if err != nil {
		return nil, err
	}
	defer passwd.Zero(b)
	slots, err := keyslot.Parse(b)
	if err != nil {
		return nil, err
	}
	return &DocumentKey{slots: slots}, nil
}

func copySlots(slots []keyslot.Slot) []keyslot.Slot {
	c := make([]keyslot.Slot, len(slots))
	for i, s := range slots {
		c[i] = keyslot.Slot{Type: s.Type, ID: s.ID, Contents: append([]byte(nil), s.Contents...)}
	}
	return c
}

// Slots returns a copy of the document's slots in stored order.
func (k *DocumentKey) Slots() []keyslot.Slot {
	return copySlots(k.slots)
}

// Len returns the number of slots.
func (k *DocumentKey) Len() int {
	return len(k.slots)
}

// Lookup returns the slot with the given id. It is an error if no slot
// or more than one slot has this id.
func (k *DocumentKey) Lookup(id uint16) (keyslot.Slot, error) {
	var (
		found keyslot.Slot
		n     int
	)
	for _, s := range k.slots {
		if s.ID == id {
			found = s
			n++
		}
	}
	switch n {
	case 0:
		return keyslot.Slot{}, errors.Errorf(errors.KeyNotFound, "key %d", id)
	case 1:
		return found, nil
	default:
		return keyslot.Slot{}, errors.Errorf(errors.KeyAmbiguous, "%d slots with id %d", n, id)
	}
}

// LookupType returns the first slot of the given type.
func (k *DocumentKey) LookupType(t keyslot.Type) (keyslot.Slot, bool) {
	for _, s := range k.slots {
		if s.Type == t {
			return s, true
		}
	}
	return keyslot.Slot{}, false
}

// ActiveKey returns the key used to encrypt new files: the first
// ActiveCTRHMAC slot.
func (k *DocumentKey) ActiveKey() (keyslot.Slot, error) {
	s, ok := k.LookupType(keyslot.ActiveCTRHMAC)
	if !ok {
		return keyslot.Slot{}, errors.E(errors.NoActiveKey)
	}
	return s, nil
}

// allocateID draws a random slot id that is not in use. Ids are drawn
// from [0, 2+2*len(slots)] so that they stay small.
func (k *DocumentKey) allocateID(random io.Reader) (uint16, error) {
	used := make(map[uint16]bool, len(k.slots))
	for _, s := range k.slots {
		used[s.ID] = true
	}
	limit := int64(2 + 2*len(k.slots))
	if limit > 1<<16-1 {
		limit = 1<<16 - 1
	}
	bound := big.NewInt(limit + 1)
	for i := 0; i < maxIDAttempts; i++ {
		n, err := rand.Int(random, bound)
		if err != nil {
			return 0, err
		}
		if id := uint16(n.Int64()); !used[id] {
			return id, nil
		}
	}
	return 0, errors.Errorf(errors.IDAllocation, "no unused id found in [0, %d] after %d attempts", limit, maxIDAttempts)
}

// WithActiveKey returns a DocumentKey with an additional ActiveCTRHMAC
// key drawn from random, together with the new slot. Existing active keys
// are left alone; see Rotate.
func (k *DocumentKey) WithActiveKey(random io.Reader) (*DocumentKey, keyslot.Slot, error) {
	id, err := k.allocateID(random)
	if err != nil {
		return nil, keyslot.Slot{}, err
	}
	material := make([]byte, segment.KeySize)
	if _, err := io.ReadFull(random, material); err != nil {
		return nil, keyslot.Slot{}, err
	}
	slot := keyslot.Slot{Type: keyslot.ActiveCTRHMAC, ID: id, Contents: material}
	slots := append(copySlots(k.slots), slot)
	return &DocumentKey{slots: slots}, slot, nil
}

// Retire returns a DocumentKey in which every active key for which pred
// returns true is replaced by its retired counterpart with the same id
// and contents. A nil pred retires every active key. Other slots are
// unchanged.
func (k *DocumentKey) Retire(pred func(keyslot.Slot) bool) *DocumentKey {
	slots := copySlots(k.slots)
	for i, s := range slots {
		retired, ok := s.Type.Retired()
		if !ok || (pred != nil && !pred(s)) {
			continue
		}
		slots[i].Type = retired
	}
	return &DocumentKey{slots: slots}
}

// Rotate retires every active key and adds a new active key.
func (k *DocumentKey) Rotate(random io.Reader) (*DocumentKey, keyslot.Slot, error) {
	return k.Retire(nil).WithActiveKey(random)
}

// Discard returns a DocumentKey without the slots for which keep
// returns false. Their ids become available for reuse.
func (k *DocumentKey) Discard(keep func(keyslot.Slot) bool) *DocumentKey {
	var slots []keyslot.Slot
	for _, s := range copySlots(k.slots) {
		if keep(s) {
			slots = append(slots, s)
		}
	}
	return &DocumentKey{slots: slots}
}

// Wrap marshals and wraps the slot list with the wrapping key, giving
// the value stored as the metadata's key.
func (k *DocumentKey) Wrap(kek passwd.WrappingKey) ([]byte, error) {
	b, err := keyslot.Marshal(k.slots)
	if err != nil {
		return nil, err
	}
	defer passwd.Zero(b)
	return passwd.Wrap(kek, b)
}

// Seal returns a copy of meta whose key is this DocumentKey wrapped with
// kek. The caller is responsible for kek having been derived from meta.
func (k *DocumentKey) Seal(meta *passwd.Metadata, kek passwd.WrappingKey) (*passwd.Metadata, error) {
	wrapped, err := k.Wrap(kek)
	if err != nil {
		return nil, err
	}
	sealed := *meta
	sealed.Salt = append([]byte(nil), meta.Salt...)
	sealed.Key = wrapped
	return &sealed, nil
}

// FileKey resolves the key information stored in a file header to the
// file's segment key. Current keys are used directly and allow no
// further information; legacy AES key wrap keys unwrap a per-file key
// stored after the key id.
func (k *DocumentKey) FileKey(info []byte) (*segment.Key, error) {
	if len(info) < 2 {
		return nil, errors.Errorf(errors.Invalid, "key information of %d bytes", len(info))
	}
	id := uint16(info[0])<<8 | uint16(info[1])
	slot, err := k.Lookup(id)
	if err != nil {
		return nil, err
	}
	switch slot.Type {
	case keyslot.ActiveCTRHMAC, keyslot.RetiredCTRHMAC:
		if len(info) != 2 {
			return nil, errors.Errorf(errors.Invalid, "key %d: %d bytes of unexpected per-file key information", id, len(info)-2)
		}
		return segment.NewKey(slot.Contents)
	case keyslot.ActiveAESWrap, keyslot.RetiredAESWrap:
		material, err := passwd.UnwrapWith(slot.Contents, info[2:])
		if err != nil {
			return nil, err
		}
		defer passwd.Zero(material)
		return segment.NewKey(material)
	case keyslot.None, keyslot.PlaintextMask, keyslot.RetiredPlaintextMask:
		return nil, errors.Errorf(errors.UnknownSlotType, "key %d is a %v slot", id, slot.Type)
	default:
		return nil, errors.Errorf(errors.UnknownSlotType, "key %d has type %v", id, slot.Type)
	}
}

// PlaintextPolicy tells whether a file may be stored unencrypted.
type PlaintextPolicy int

const (
	// Encrypted files must be encrypted.
	Encrypted PlaintextPolicy = iota
	// PlaintextExpected files are normally stored unencrypted.
	PlaintextExpected
	// PlaintextTemporarilyAllowed files may be unencrypted legacy files.
	// They are written encrypted.
	PlaintextTemporarilyAllowed
)

func (p PlaintextPolicy) String() string {
	switch p {
	case Encrypted:
		return "encrypted"
	case PlaintextExpected:
		return "expected"
	case PlaintextTemporarilyAllowed:
		return "temporarily allowed"
	default:
		return "invalid"
	}
}

// PolicySlots returns the policy slots whose suffix matches filename, in
// slot order.
func (k *DocumentKey) PolicySlots(filename string) []keyslot.Slot {
	var slots []keyslot.Slot
	for _, s := range k.slots {
		if s.Type.IsPolicy() && bytes.HasSuffix([]byte(filename), bytes.TrimRight(s.Contents, "\x00")) {
			slots = append(slots, s)
		}
	}
	return slots
}

// ReadPolicy returns the plaintext policy for reading filename. When
// several policy slots match, the last one wins.
func (k *DocumentKey) ReadPolicy(filename string) PlaintextPolicy {
	policy := Encrypted
	for _, s := range k.PolicySlots(filename) {
		switch s.Type {
		case keyslot.PlaintextMask:
			policy = PlaintextExpected
		case keyslot.RetiredPlaintextMask:
			policy = PlaintextTemporarilyAllowed
		}
	}
	return policy
}

// WritesPlaintext tells whether filename is written unencrypted: whether
// any PlaintextMask slot matches it.
func (k *DocumentKey) WritesPlaintext(filename string) bool {
	for _, s := range k.PolicySlots(filename) {
		if s.Type == keyslot.PlaintextMask {
			return true
		}
	}
	return false
}

// Disposition is the treatment of files matching a policy suffix.
type Disposition int

const (
	// Passthrough files are read and written unencrypted.
	Passthrough Disposition = iota
	// TemporarilyReadPlaintext files may be read unencrypted but are
	// written encrypted.
	TemporarilyReadPlaintext
)

func (d Disposition) slotType() keyslot.Type {
	if d == Passthrough {
		return keyslot.PlaintextMask
	}
	return keyslot.RetiredPlaintextMask
}

// WithPolicy returns a DocumentKey in which files ending in suffix have
// the given disposition. An existing policy slot for the same suffix is
// updated in place; otherwise a new slot is allocated using random.
func (k *DocumentKey) WithPolicy(suffix string, d Disposition, random io.Reader) (*DocumentKey, error) {
	if suffix == "" {
		return nil, errors.E(errors.Invalid, "empty policy suffix")
	}
	contents := keyslot.PadSuffix(suffix)
	if len(contents) > keyslot.MaxContentsSize {
		return nil, errors.Errorf(errors.InvalidSlotLength, "policy suffix of %d bytes", len(suffix))
	}
	var (
		slots   []keyslot.Slot
		updated bool
	)
	for _, s := range copySlots(k.slots) {
		if s.Type.IsPolicy() && s.Suffix() == suffix {
			if updated {
				continue
			}
			s.Type = d.slotType()
			updated = true
		}
		slots = append(slots, s)
	}
	if !updated {
		id, err := k.allocateID(random)
		if err != nil {
			return nil, err
		}
		slots = append(slots, keyslot.Slot{Type: d.slotType(), ID: id, Contents: contents})
	}
	return &DocumentKey{slots: slots}, nil
}

// WithoutPolicy returns a DocumentKey without policy slots for suffix.
func (k *DocumentKey) WithoutPolicy(suffix string) *DocumentKey {
	return k.Discard(func(s keyslot.Slot) bool {
		return !s.Type.IsPolicy() || s.Suffix() != suffix
	})
}

// Description summarizes a DocumentKey without revealing key material.
type Description struct {
	// PlaintextSuffixes lists the suffixes of files that are stored
	// unencrypted.
	PlaintextSuffixes []string
	// TemporaryPlaintextSuffixes lists the suffixes of files that may be
	// read unencrypted.
	TemporaryPlaintextSuffixes []string
	Keys                       []KeyDescription
}

// KeyDescription describes a key slot.
type KeyDescription struct {
	ID     uint16
	Type   keyslot.Type
	Active bool
	// Size is the size of the key material in bytes.
	Size int
}

// Describe returns a description of the DocumentKey. Slots of unknown
// type are reported as keys.
func (k *DocumentKey) Describe() Description {
	var d Description
	for _, s := range k.slots {
		switch s.Type {
		case keyslot.PlaintextMask:
			d.PlaintextSuffixes = append(d.PlaintextSuffixes, s.Suffix())
		case keyslot.RetiredPlaintextMask:
			d.TemporaryPlaintextSuffixes = append(d.TemporaryPlaintextSuffixes, s.Suffix())
		default:
			d.Keys = append(d.Keys, KeyDescription{
				ID:     s.ID,
				Type:   s.Type,
				Active: s.Type.IsActive(),
				Size:   len(s.Contents),
			})
		}
	}
	return d
}
