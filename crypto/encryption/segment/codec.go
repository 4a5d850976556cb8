// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package segment

import (
	"crypto/hmac"
	"hash"
	"io"

	"github.com/grailbio/base/must"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/docencrypt/errors"
)

// Encrypt reads plaintext from r until EOF and writes the encrypted
// segment stream, including the trailing file MAC, to w. Segment IVs
// are drawn from rand. An empty plaintext produces a single empty
// segment.
func (k *Key) Encrypt(w io.Writer, r io.Reader, rand io.Reader) error {
	var (
		page    = make([]byte, HeaderSize+PageSize)
		fileMAC = k.newFileMAC()
		h       = k.newHMAC()
	)
	for index := uint32(0); ; index++ {
		data := page[HeaderSize:]
		n, err := io.ReadFull(r, data)
		switch {
		case err == io.EOF && index > 0:
			_, err = w.Write(fileMAC.Sum(nil))
			return err
		case err == io.EOF, err == io.ErrUnexpectedEOF:
			err = io.EOF
		case err != nil:
			return err
		}
		must.True(n <= PageSize, "short read overflow")
		data = data[:n]
		iv, mac := page[:IVSize], page[IVSize:HeaderSize]
		if _, rerr := io.ReadFull(rand, iv); rerr != nil {
			return errors.E("generating segment IV", rerr)
		}
		k.stream(iv).XORKeyStream(data, data)
		k.segmentMAC(h, mac, index, iv, data)
		fileMAC.Write(mac)
		if _, werr := w.Write(page[:HeaderSize+n]); werr != nil {
			return werr
		}
		if err == io.EOF {
			_, err = w.Write(fileMAC.Sum(nil))
			return err
		}
		if index == ^uint32(0) {
			return errors.E(errors.Invalid, "plaintext too large")
		}
	}
}

// VerifyOptions configures segment stream verification.
type VerifyOptions struct {
	// Parallelism bounds the number of segments that are
	// authenticated concurrently. Zero means sequential.
	Parallelism int
}

// Verify authenticates the segment stream stored in r between offset
// start and end, where end is the size of the file and the last
// FileMACSize bytes hold the file MAC. Verify returns an error of
// kind Integrity that names at most the ordinal of the offending
// segment.
func (k *Key) Verify(r io.ReaderAt, start, end int64, opts VerifyOptions) error {
	ranges, stored, err := k.layout(r, start, end)
	if err != nil {
		return err
	}
	parallelism := opts.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}
	macs := make([][MACSize]byte, len(ranges))
	err = traverse.Limit(parallelism).Each(len(ranges), func(i int) error {
		buf := make([]byte, HeaderSize+ranges[i].Len)
		return k.readSegment(r, ranges[i], buf, k.newHMAC(), macs[i][:])
	})
	if err != nil {
		return err
	}
	fileMAC := k.newFileMAC()
	for i := range macs {
		fileMAC.Write(macs[i][:])
	}
	if !hmac.Equal(fileMAC.Sum(nil), stored) {
		return errors.E(errors.Integrity, "file MAC mismatch")
	}
	return nil
}

// Decrypt verifies the segment stream stored in r between start and
// end (see Verify) and then writes the plaintext to w. Nothing is
// written unless the whole stream authenticates.
func (k *Key) Decrypt(w io.Writer, r io.ReaderAt, start, end int64, opts VerifyOptions) error {
	if err := k.Verify(r, start, end, opts); err != nil {
		return err
	}
	ranges, _, err := k.layout(r, start, end)
	if err != nil {
		return err
	}
	var (
		buf = make([]byte, HeaderSize+PageSize)
		h   = k.newHMAC()
		mac [MACSize]byte
	)
	for _, rng := range ranges {
		seg := buf[:HeaderSize+rng.Len]
		// The segment is authenticated again as it is decrypted, so that
		// content changed after Verify is never emitted.
		if err := k.readSegment(r, rng, seg, h, mac[:]); err != nil {
			return err
		}
		data := seg[HeaderSize:]
		k.stream(seg[:IVSize]).XORKeyStream(data, data)
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	return nil
}

// layout returns the segment ranges and the stored file MAC of the
// stream in r between start and end.
func (k *Key) layout(r io.ReaderAt, start, end int64) ([]Range, []byte, error) {
	if end-start < HeaderSize+FileMACSize {
		return nil, nil, errors.Errorf(errors.Integrity, "segment stream of %d bytes is truncated", end-start)
	}
	ranges, err := Ranges(start, end-FileMACSize)
	if err != nil {
		return nil, nil, err
	}
	stored := make([]byte, FileMACSize)
	if err := readFull(r, stored, end-FileMACSize); err != nil {
		return nil, nil, err
	}
	return ranges, stored, nil
}

// readSegment reads the segment rng into buf, recomputes its MAC into
// mac, and checks it against the stored MAC.
func (k *Key) readSegment(r io.ReaderAt, rng Range, buf []byte, h hash.Hash, mac []byte) error {
	if err := readFull(r, buf, rng.Offset); err != nil {
		return err
	}
	k.segmentMAC(h, mac, rng.Index, buf[:IVSize], buf[HeaderSize:])
	if !hmac.Equal(mac, buf[IVSize:HeaderSize]) {
		return errors.Errorf(errors.Integrity, "segment %d", rng.Index)
	}
	return nil
}

func readFull(r io.ReaderAt, buf []byte, off int64) error {
	n, err := r.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || err == io.EOF || err == io.ErrUnexpectedEOF {
		return errors.E(errors.Integrity, "segment stream is truncated")
	}
	return err
}
