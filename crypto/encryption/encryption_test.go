// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package encryption_test

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"

	"github.com/grailbio/docencrypt/crypto/encryption"
	"github.com/grailbio/docencrypt/crypto/encryption/passwd"
	"github.com/grailbio/docencrypt/crypto/encryption/segment"
	"github.com/grailbio/docencrypt/crypto/keyslot"
	"github.com/grailbio/docencrypt/errors"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func material(seed byte) []byte {
	b := make([]byte, segment.KeySize)
	for i := range b {
		b[i] = seed ^ byte(i)
	}
	return b
}

func plaintext(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func testKey() *encryption.DocumentKey {
	return encryption.NewDocumentKey([]keyslot.Slot{
		{Type: keyslot.ActiveCTRHMAC, ID: 7, Contents: material(0x5a)},
	})
}

func encrypt(t *testing.T, key *encryption.DocumentKey, filename string, pt []byte) []byte {
	t.Helper()
	var out bytes.Buffer
	assert.NoError(t, encryption.EncryptFile(key, filename, bytes.NewReader(pt), &out, encryption.Options{}))
	return out.Bytes()
}

func decrypt(key *encryption.DocumentKey, filename string, ct []byte) ([]byte, error) {
	var out bytes.Buffer
	err := encryption.DecryptFile(key, filename, bytes.NewReader(ct), &out, encryption.Options{Parallelism: 3})
	return out.Bytes(), err
}

func TestDocumentScenario(t *testing.T) {
	salt := make([]byte, 16)
	_, err := rand.Read(salt)
	assert.NoError(t, err)
	meta := &passwd.Metadata{
		Method:    passwd.MethodPassword,
		Algorithm: passwd.AlgorithmPBKDF2AESWrap,
		Rounds:    10000,
		PRF:       passwd.SHA256,
		Salt:      salt,
	}
	passphrase := []byte("correct-horse")
	kek, err := meta.DeriveKey(passphrase)
	assert.NoError(t, err)
	meta, err = testKey().Seal(meta, kek)
	assert.NoError(t, err)

	key, kek2, err := encryption.OpenDocumentKey(meta, passphrase)
	assert.NoError(t, err)
	assert.EQ(t, kek2, kek)
	assert.EQ(t, key.Slots(), testKey().Slots())

	pt := plaintext(150000)
	ct := encrypt(t, key, "data/a.bin", pt)
	// 24 header bytes padded to 32, three segment headers, the
	// ciphertext and the file MAC.
	assert.EQ(t, len(ct), 32+3*32+150000+32)
	assert.EQ(t, string(ct[:20]), encryption.Magic)
	assert.EQ(t, ct[20:32], []byte{0, 2, 0, 7, 0, 0, 0, 0, 0, 0, 0, 0})

	got, err := decrypt(key, "data/a.bin", ct)
	assert.NoError(t, err)
	assert.True(t, bytes.Equal(got, pt))

	_, _, err = encryption.OpenDocumentKey(meta, []byte("wrong-horse"))
	assert.True(t, errors.Is(errors.UnwrapFailed, err), "got %v", err)
}

func TestRoundTrip(t *testing.T) {
	key := testKey()
	for _, n := range []int{0, 1, segment.PageSize, 2 * segment.PageSize, 2*segment.PageSize + 17} {
		pt := plaintext(n)
		ct := encrypt(t, key, "f", pt)
		got, err := decrypt(key, "f", ct)
		assert.NoError(t, err, "size %d", n)
		assert.True(t, bytes.Equal(got, pt), "size %d", n)
		assert.NoError(t, encryption.VerifyFile(key, "f", bytes.NewReader(ct), encryption.Options{}))
	}
}

func TestReadHeader(t *testing.T) {
	ct := encrypt(t, testKey(), "f", plaintext(10))
	h, err := encryption.ReadHeader(bytes.NewReader(ct))
	assert.NoError(t, err)
	assert.EQ(t, h.KeyID, uint16(7))
	assert.EQ(t, h.Size, int64(32))
	assert.EQ(t, h.Info, []byte{0, 7})

	_, err = encryption.ReadHeader(bytes.NewReader([]byte("hello, world")))
	assert.True(t, errors.Is(errors.BadMagic, err), "got %v", err)
	_, err = encryption.ReadHeader(bytes.NewReader(ct[:21]))
	assert.True(t, errors.Is(errors.Integrity, err), "got %v", err)
}

func TestBadPadding(t *testing.T) {
	ct := encrypt(t, testKey(), "f", plaintext(10))
	ct[30] = 1
	got, err := decrypt(testKey(), "f", ct)
	assert.True(t, errors.Is(errors.BadPadding, err), "got %v", err)
	assert.EQ(t, len(got), 0)
}

func TestTamper(t *testing.T) {
	key := testKey()
	ct := encrypt(t, key, "f", plaintext(100000))
	for _, off := range []int{32, 44, 64, 70000, len(ct) - 40, len(ct) - 1} {
		bad := append([]byte(nil), ct...)
		bad[off] ^= 0x80
		got, err := decrypt(key, "f", bad)
		assert.True(t, errors.Is(errors.Integrity, err), "offset %d: got %v", off, err)
		assert.EQ(t, len(got), 0, "offset %d", off)
	}
}

// readSeeker hides the io.ReaderAt implementation of bytes.Reader.
type readSeeker struct{ io.ReadSeeker }

func TestVerifyReadSeeker(t *testing.T) {
	key := testKey()
	ct := encrypt(t, key, "f", plaintext(3*segment.PageSize+5))
	opts := encryption.Options{Parallelism: 4}
	assert.NoError(t, encryption.VerifyFile(key, "f", readSeeker{bytes.NewReader(ct)}, opts))
	ct[segment.PageSize] ^= 1
	err := encryption.VerifyFile(key, "f", readSeeker{bytes.NewReader(ct)}, opts)
	assert.True(t, errors.Is(errors.Integrity, err), "got %v", err)
}

func TestPlaintextPolicy(t *testing.T) {
	key, err := testKey().WithPolicy(".txt", encryption.Passthrough, rand.Reader)
	assert.NoError(t, err)
	key, err = key.WithPolicy(".log", encryption.TemporarilyReadPlaintext, rand.Reader)
	assert.NoError(t, err)

	expect.EQ(t, key.ReadPolicy("notes.txt"), encryption.PlaintextExpected)
	expect.EQ(t, key.ReadPolicy("run.log"), encryption.PlaintextTemporarilyAllowed)
	expect.EQ(t, key.ReadPolicy("data.bin"), encryption.Encrypted)
	expect.True(t, key.WritesPlaintext("notes.txt"))
	expect.False(t, key.WritesPlaintext("run.log"))

	pt := []byte("plain text")
	assert.EQ(t, encrypt(t, key, "notes.txt", pt), pt)
	ct := encrypt(t, key, "run.log", pt)
	assert.EQ(t, string(ct[:20]), encryption.Magic)

	for _, name := range []string{"notes.txt", "run.log"} {
		got, err := decrypt(key, name, pt)
		assert.NoError(t, err, name)
		assert.EQ(t, got, pt, name)
		assert.NoError(t, encryption.VerifyFile(key, name, bytes.NewReader(pt), encryption.Options{}))
	}
	_, err = decrypt(key, "data.bin", pt)
	assert.True(t, errors.Is(errors.BadMagic, err), "got %v", err)

	// Damaged encrypted files are never passed through.
	damaged := append([]byte("OmniFileEncryptioN\x00\x00"), ct[20:]...)
	_, err = decrypt(key, "notes.txt", damaged)
	assert.True(t, errors.Is(errors.BadMagic, err), "got %v", err)

	// Empty plaintext files are passed through.
	got, err := decrypt(key, "empty.txt", nil)
	assert.NoError(t, err)
	assert.EQ(t, len(got), 0)
}

func TestPolicyLastMatchWins(t *testing.T) {
	key := encryption.NewDocumentKey([]keyslot.Slot{
		{Type: keyslot.PlaintextMask, ID: 1, Contents: keyslot.PadSuffix(".txt")},
		{Type: keyslot.RetiredPlaintextMask, ID: 2, Contents: keyslot.PadSuffix("s.txt")},
		{Type: keyslot.ActiveCTRHMAC, ID: 3, Contents: material(1)},
	})
	expect.EQ(t, len(key.PolicySlots("notes.txt")), 2)
	expect.EQ(t, key.ReadPolicy("notes.txt"), encryption.PlaintextTemporarilyAllowed)
	expect.EQ(t, key.ReadPolicy("note.txt"), encryption.PlaintextExpected)
	expect.True(t, key.WritesPlaintext("notes.txt"))
}

func TestWithPolicy(t *testing.T) {
	key, err := testKey().WithPolicy(".txt", encryption.Passthrough, rand.Reader)
	assert.NoError(t, err)
	slot := key.PolicySlots("a.txt")[0]
	key, err = key.WithPolicy(".txt", encryption.TemporarilyReadPlaintext, nil)
	assert.NoError(t, err)
	assert.EQ(t, key.Len(), 2)
	updated := key.PolicySlots("a.txt")[0]
	assert.EQ(t, updated.ID, slot.ID)
	assert.EQ(t, updated.Type, keyslot.RetiredPlaintextMask)

	assert.EQ(t, key.WithoutPolicy(".txt").Len(), 1)
	assert.EQ(t, key.WithoutPolicy(".csv").Len(), 2)

	_, err = key.WithPolicy("", encryption.Passthrough, rand.Reader)
	assert.True(t, errors.Is(errors.Invalid, err), "got %v", err)
	_, err = key.WithPolicy(string(make([]byte, 1021)), encryption.Passthrough, rand.Reader)
	assert.True(t, errors.Is(errors.InvalidSlotLength, err), "got %v", err)
}

func TestRotation(t *testing.T) {
	key := testKey()
	pt := plaintext(1000)
	old := encrypt(t, key, "f", pt)

	rotated, active, err := key.Rotate(rand.Reader)
	assert.NoError(t, err)
	assert.EQ(t, rotated.Len(), 2)
	retired, err := rotated.Lookup(7)
	assert.NoError(t, err)
	assert.EQ(t, retired.Type, keyslot.RetiredCTRHMAC)
	assert.EQ(t, retired.Contents, material(0x5a))
	assert.True(t, active.ID != 7)
	// The receiver is unchanged.
	orig, err := key.Lookup(7)
	assert.NoError(t, err)
	assert.EQ(t, orig.Type, keyslot.ActiveCTRHMAC)

	got, err := decrypt(rotated, "f", old)
	assert.NoError(t, err)
	assert.True(t, bytes.Equal(got, pt))

	ct := encrypt(t, rotated, "f", pt)
	h, err := encryption.ReadHeader(bytes.NewReader(ct))
	assert.NoError(t, err)
	assert.EQ(t, h.KeyID, active.ID)

	// Old files do not decrypt once their key is discarded.
	pruned := rotated.Discard(func(s keyslot.Slot) bool { return s.ID != 7 })
	_, err = decrypt(pruned, "f", old)
	assert.True(t, errors.Is(errors.KeyNotFound, err), "got %v", err)
}

func TestRetirePredicate(t *testing.T) {
	key := encryption.NewDocumentKey([]keyslot.Slot{
		{Type: keyslot.ActiveCTRHMAC, ID: 1, Contents: material(1)},
		{Type: keyslot.ActiveAESWrap, ID: 2, Contents: make([]byte, 16)},
		{Type: keyslot.PlaintextMask, ID: 3, Contents: keyslot.PadSuffix(".txt")},
	})
	retired := key.Retire(func(s keyslot.Slot) bool { return s.ID == 2 })
	var types []keyslot.Type
	for _, s := range retired.Slots() {
		types = append(types, s.Type)
	}
	assert.EQ(t, types, []keyslot.Type{keyslot.ActiveCTRHMAC, keyslot.RetiredAESWrap, keyslot.PlaintextMask})
	types = nil
	for _, s := range key.Retire(nil).Slots() {
		types = append(types, s.Type)
	}
	assert.EQ(t, types, []keyslot.Type{keyslot.RetiredCTRHMAC, keyslot.RetiredAESWrap, keyslot.PlaintextMask})
}

func TestNoActiveKey(t *testing.T) {
	key := testKey().Retire(nil)
	var out bytes.Buffer
	err := encryption.EncryptFile(key, "f", bytes.NewReader(plaintext(10)), &out, encryption.Options{})
	assert.True(t, errors.Is(errors.NoActiveKey, err), "got %v", err)
	assert.EQ(t, out.Len(), 0)
}

func TestLookup(t *testing.T) {
	key := encryption.NewDocumentKey([]keyslot.Slot{
		{Type: keyslot.ActiveCTRHMAC, ID: 1, Contents: material(1)},
		{Type: keyslot.RetiredCTRHMAC, ID: 2, Contents: material(2)},
		{Type: keyslot.RetiredCTRHMAC, ID: 2, Contents: material(3)},
	})
	s, err := key.Lookup(1)
	assert.NoError(t, err)
	assert.EQ(t, s.Contents, material(1))
	_, err = key.Lookup(2)
	assert.True(t, errors.Is(errors.KeyAmbiguous, err), "got %v", err)
	_, err = key.Lookup(3)
	assert.True(t, errors.Is(errors.KeyNotFound, err), "got %v", err)

	s, ok := key.LookupType(keyslot.RetiredCTRHMAC)
	assert.True(t, ok)
	assert.EQ(t, s.Contents, material(2))
	_, ok = key.LookupType(keyslot.PlaintextMask)
	assert.False(t, ok)
}

func TestFileKey(t *testing.T) {
	kek := material(9)[:16]
	fileMaterial := material(0x33)
	wrapped, err := passwd.WrapWith(kek, fileMaterial)
	assert.NoError(t, err)
	key := encryption.NewDocumentKey([]keyslot.Slot{
		{Type: keyslot.RetiredAESWrap, ID: 4, Contents: kek},
		{Type: keyslot.ActiveCTRHMAC, ID: 5, Contents: material(5)},
		{Type: keyslot.PlaintextMask, ID: 6, Contents: keyslot.PadSuffix(".txt")},
		{Type: keyslot.Type(9), ID: 8, Contents: make([]byte, 4)},
	})

	// A legacy file: the per-file key is wrapped in the header.
	info := append([]byte{0, 4}, wrapped...)
	hdr := append([]byte(encryption.Magic), 0, byte(len(info)))
	hdr = append(hdr, info...)
	for len(hdr)%16 != 0 {
		hdr = append(hdr, 0)
	}
	fk, err := segment.NewKey(fileMaterial)
	assert.NoError(t, err)
	var body bytes.Buffer
	pt := plaintext(5000)
	assert.NoError(t, fk.Encrypt(&body, bytes.NewReader(pt), rand.Reader))
	got, err := decrypt(key, "legacy", append(hdr, body.Bytes()...))
	assert.NoError(t, err)
	assert.True(t, bytes.Equal(got, pt))

	for _, c := range []struct {
		info []byte
		kind errors.Kind
	}{
		{[]byte{0, 4, 1, 2, 3}, errors.UnwrapFailed},
		{append([]byte{0, 4}, make([]byte, len(wrapped))...), errors.UnwrapFailed},
		{[]byte{0, 5, 0, 0}, errors.Invalid},
		{[]byte{0, 6}, errors.UnknownSlotType},
		{[]byte{0, 8}, errors.UnknownSlotType},
		{[]byte{0, 1}, errors.KeyNotFound},
		{[]byte{0}, errors.Invalid},
	} {
		_, err := key.FileKey(c.info)
		expect.True(t, errors.Is(c.kind, err), "info %v: got %v, want %v", c.info, err, c.kind)
	}
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

type errReader struct{}

func (errReader) Read(p []byte) (int, error) {
	return 0, errors.New("entropy exhausted")
}

func TestIDAllocation(t *testing.T) {
	empty := encryption.NewDocumentKey(nil)
	for i := 0; i < 20; i++ {
		_, slot, err := empty.WithActiveKey(rand.Reader)
		assert.NoError(t, err)
		assert.True(t, slot.ID <= 2, "id %d", slot.ID)
		assert.EQ(t, len(slot.Contents), segment.KeySize)
	}

	// An id source that always draws a used id.
	key := encryption.NewDocumentKey([]keyslot.Slot{{Type: keyslot.RetiredCTRHMAC, ID: 0, Contents: material(0)}})
	_, _, err := key.WithActiveKey(zeroReader{})
	assert.True(t, errors.Is(errors.IDAllocation, err), "got %v", err)

	_, _, err = empty.WithActiveKey(errReader{})
	expect.HasSubstr(t, err, "entropy exhausted")

	// Ids stay unique as keys are added.
	seen := map[uint16]bool{}
	for i := 0; i < 50; i++ {
		var slot keyslot.Slot
		empty, slot, err = empty.WithActiveKey(rand.Reader)
		assert.NoError(t, err)
		assert.False(t, seen[slot.ID], "duplicate id %d", slot.ID)
		seen[slot.ID] = true
	}
	wrapped, err := empty.Wrap(passwd.WrappingKey{})
	assert.NoError(t, err)
	reopened, err := encryption.UnwrapDocumentKey(wrapped, passwd.WrappingKey{})
	assert.NoError(t, err)
	assert.EQ(t, reopened.Slots(), empty.Slots())
}

func TestDescribe(t *testing.T) {
	key := encryption.NewDocumentKey([]keyslot.Slot{
		{Type: keyslot.RetiredCTRHMAC, ID: 1, Contents: material(1)},
		{Type: keyslot.ActiveCTRHMAC, ID: 2, Contents: material(2)},
		{Type: keyslot.PlaintextMask, ID: 3, Contents: keyslot.PadSuffix(".txt")},
		{Type: keyslot.RetiredPlaintextMask, ID: 4, Contents: keyslot.PadSuffix(".log")},
	})
	d := key.Describe()
	assert.EQ(t, d.PlaintextSuffixes, []string{".txt"})
	assert.EQ(t, d.TemporaryPlaintextSuffixes, []string{".log"})
	assert.EQ(t, d.Keys, []encryption.KeyDescription{
		{ID: 1, Type: keyslot.RetiredCTRHMAC, Active: false, Size: 32},
		{ID: 2, Type: keyslot.ActiveCTRHMAC, Active: true, Size: 32},
	})
}
