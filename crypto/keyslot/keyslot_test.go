// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package keyslot_test

import (
	"bytes"
	"testing"

	"github.com/grailbio/docencrypt/crypto/keyslot"
	"github.com/grailbio/docencrypt/errors"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestMarshal(t *testing.T) {
	key := bytes.Repeat([]byte{0xab}, 32)
	slots := []keyslot.Slot{
		{Type: keyslot.ActiveCTRHMAC, ID: 7, Contents: key},
		{Type: keyslot.PlaintextMask, ID: 0x102, Contents: keyslot.PadSuffix(".plist")},
	}
	b, err := keyslot.Marshal(slots)
	assert.NoError(t, err)
	// 4+32 + 4+8 = 48, already aligned.
	assert.EQ(t, len(b), 48)
	assert.EQ(t, b[:4], []byte{3, 8, 0, 7})
	assert.EQ(t, b[36:40], []byte{5, 2, 1, 2})
	assert.EQ(t, string(b[40:48]), ".plist\x00\x00")

	got, err := keyslot.Parse(b)
	assert.NoError(t, err)
	assert.EQ(t, got, slots)
	assert.EQ(t, got[1].Suffix(), ".plist")
}

func TestMarshalPadding(t *testing.T) {
	slots := []keyslot.Slot{{Type: keyslot.RetiredPlaintextMask, ID: 1, Contents: keyslot.PadSuffix("x")}}
	b, err := keyslot.Marshal(slots)
	assert.NoError(t, err)
	assert.EQ(t, len(b), 8)
	assert.EQ(t, b, []byte{6, 1, 0, 1, 'x', 0, 0, 0})

	slots = append(slots, keyslot.Slot{Type: keyslot.ActiveAESWrap, ID: 2, Contents: make([]byte, 16)})
	b, err = keyslot.Marshal(slots)
	assert.NoError(t, err)
	// 8 + 20 = 28, padded to 32.
	assert.EQ(t, len(b), 32)
	assert.EQ(t, b[28:], []byte{0, 0, 0, 0})

	got, err := keyslot.Parse(b)
	assert.NoError(t, err)
	assert.EQ(t, len(got), 2)

	b, err = keyslot.Marshal(nil)
	assert.NoError(t, err)
	assert.EQ(t, len(b), 0)
}

func TestParseTerminator(t *testing.T) {
	b := []byte{
		3, 1, 0, 9, 1, 2, 3, 4,
		0, 0, 0, 0, 0, 0, 0, 0,
		// Anything after the terminator is ignored.
		5, 1, 0, 3, 'a', 0, 0, 0,
	}
	slots, err := keyslot.Parse(b)
	assert.NoError(t, err)
	assert.EQ(t, len(slots), 1)
	assert.EQ(t, slots[0].ID, uint16(9))
	assert.EQ(t, slots[0].Contents, []byte{1, 2, 3, 4})

	// Contents are copied.
	b[4] = 0xff
	assert.EQ(t, slots[0].Contents[0], byte(1))
}

func TestParseUnknownType(t *testing.T) {
	slots, err := keyslot.Parse([]byte{42, 0, 0, 1})
	assert.NoError(t, err)
	assert.EQ(t, len(slots), 1)
	assert.False(t, slots[0].Type.Known())
	assert.EQ(t, slots[0].Type.String(), "Type(42)")
	b, err := keyslot.Marshal(slots)
	assert.NoError(t, err)
	assert.EQ(t, b, []byte{42, 0, 0, 1, 0, 0, 0, 0})
}

func TestParseErrors(t *testing.T) {
	for _, b := range [][]byte{
		{3},
		{3, 0, 0},
		{3, 2, 0, 1, 1, 2, 3, 4},
		{3, 1, 0, 1, 1, 2, 3, 4, 4, 8, 0, 2},
	} {
		_, err := keyslot.Parse(b)
		expect.True(t, errors.Is(errors.MalformedSlots, err), "%x: %v", b, err)
	}
}

func TestMarshalErrors(t *testing.T) {
	_, err := keyslot.Marshal([]keyslot.Slot{{Type: keyslot.ActiveCTRHMAC, ID: 1, Contents: make([]byte, 31)}})
	expect.True(t, errors.Is(errors.InvalidSlotLength, err), "%v", err)
	_, err = keyslot.Marshal([]keyslot.Slot{{Type: keyslot.PlaintextMask, ID: 1, Contents: make([]byte, 1024)}})
	expect.True(t, errors.Is(errors.InvalidSlotLength, err), "%v", err)
	_, err = keyslot.Marshal([]keyslot.Slot{{Type: keyslot.None, ID: 1}})
	expect.True(t, errors.Is(errors.Invalid, err), "%v", err)
}

func TestTypes(t *testing.T) {
	for _, c := range []struct {
		tp, retired keyslot.Type
		ok          bool
	}{
		{keyslot.ActiveCTRHMAC, keyslot.RetiredCTRHMAC, true},
		{keyslot.ActiveAESWrap, keyslot.RetiredAESWrap, true},
		{keyslot.RetiredCTRHMAC, keyslot.RetiredCTRHMAC, false},
		{keyslot.PlaintextMask, keyslot.PlaintextMask, false},
	} {
		retired, ok := c.tp.Retired()
		expect.EQ(t, retired, c.retired)
		expect.EQ(t, ok, c.ok)
	}
	expect.True(t, keyslot.RetiredAESWrap.IsKey())
	expect.False(t, keyslot.PlaintextMask.IsKey())
	expect.True(t, keyslot.RetiredPlaintextMask.IsPolicy())
	expect.True(t, keyslot.ActiveCTRHMAC.IsActive())
	expect.False(t, keyslot.RetiredCTRHMAC.IsActive())
	expect.EQ(t, keyslot.ActiveCTRHMAC.String(), "ActiveAES_CTR_HMAC")
}

func TestPadSuffix(t *testing.T) {
	expect.EQ(t, keyslot.PadSuffix(""), []byte{})
	expect.EQ(t, len(keyslot.PadSuffix("abcd")), 4)
	expect.EQ(t, len(keyslot.PadSuffix("abcde")), 8)
	s := keyslot.Slot{Type: keyslot.PlaintextMask, Contents: keyslot.PadSuffix("é.xml")}
	expect.EQ(t, s.Suffix(), "é.xml")
}
