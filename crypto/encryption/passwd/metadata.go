// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package passwd

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"io"

	"github.com/grailbio/docencrypt/errors"
	"golang.org/x/crypto/pbkdf2"
	"howett.net/plist"
)

const (
	// MethodPassword is the only supported key derivation method.
	MethodPassword = "password"
	// AlgorithmPBKDF2AESWrap is the only supported key derivation algorithm.
	AlgorithmPBKDF2AESWrap = "PBKDF2; aes128-wrap"
	// KeySize is the size of the derived wrapping key (AES-128).
	KeySize = 16
)

// PRF names the pseudorandom function used by PBKDF2.
type PRF string

const (
	SHA1   PRF = "sha1"
	SHA256 PRF = "sha256"
	SHA512 PRF = "sha512"
)

// Hash returns the hash function underlying the PRF. An empty PRF means
// SHA1, the historical default.
func (p PRF) Hash() (func() hash.Hash, error) {
	switch p {
	case "", SHA1:
		return sha1.New, nil
	case SHA256:
		return sha256.New, nil
	case SHA512:
		return sha512.New, nil
	default:
		return nil, errors.Errorf(errors.UnsupportedMethod, "PBKDF2 prf %q", string(p))
	}
}

// WrappingKey is the key derived from a password, used to wrap and
// unwrap the slot list.
type WrappingKey [KeySize]byte

// Metadata is the stored encryption metadata of a document.
type Metadata struct {
	Method    string `plist:"method"`
	Algorithm string `plist:"algorithm"`
	Rounds    int    `plist:"rounds"`
	Salt      []byte `plist:"salt"`
	PRF       PRF    `plist:"prf,omitempty"`
	// Key is the wrapped slot list.
	Key []byte `plist:"key"`
}

// ParseMetadata decodes a metadata property list. The dictionary may be
// stored at the top level or as the only element of a top-level array.
func ParseMetadata(b []byte) (*Metadata, error) {
	var list []Metadata
	if _, err := plist.Unmarshal(b, &list); err == nil {
		if len(list) != 1 {
			return nil, errors.Errorf(errors.Invalid, "metadata: expected 1 dictionary, found %d", len(list))
		}
		return &list[0], nil
	}
	m := new(Metadata)
	if _, err := plist.Unmarshal(b, m); err != nil {
		return nil, errors.E(errors.Invalid, "metadata", err)
	}
	return m, nil
}

// Marshal encodes the metadata as an XML property list holding a
// one-element array, the form expected by current readers.
func (m *Metadata) Marshal() ([]byte, error) {
	b, err := plist.MarshalIndent([]Metadata{*m}, plist.XMLFormat, "\t")
	if err != nil {
		return nil, errors.E(errors.Invalid, "metadata", err)
	}
	return b, nil
}

// DeriveKey derives the wrapping key from a passphrase using the
// parameters stored in m.
func (m *Metadata) DeriveKey(passphrase []byte) (WrappingKey, error) {
	var key WrappingKey
	if m.Method != MethodPassword {
		return key, errors.Errorf(errors.UnsupportedMethod, "key derivation method %q", m.Method)
	}
	if m.Algorithm != AlgorithmPBKDF2AESWrap {
		return key, errors.Errorf(errors.UnsupportedMethod, "key derivation algorithm %q", m.Algorithm)
	}
	h, err := m.PRF.Hash()
	if err != nil {
		return key, err
	}
	if m.Rounds < 1 {
		return key, errors.Errorf(errors.Invalid, "PBKDF2 rounds %d", m.Rounds)
	}
	if len(m.Salt) == 0 {
		return key, errors.E(errors.Invalid, "PBKDF2 salt is empty")
	}
	copy(key[:], pbkdf2.Key(passphrase, m.Salt, m.Rounds, KeySize, h))
	return key, nil
}

const (
	// DefaultRounds is the PBKDF2 iteration count used for new metadata.
	DefaultRounds = 200000
	// DefaultPRF is the PRF used for new metadata.
	DefaultPRF = SHA256
	// DefaultSaltSize is the salt size used for new metadata.
	DefaultSaltSize = 16
)

// Options configures new metadata. The zero value selects the defaults.
type Options struct {
	Rounds   int
	PRF      PRF
	SaltSize int
	// Rand is the source of the salt. It defaults to crypto/rand.Reader.
	Rand io.Reader
}

// NewMetadata creates metadata with a fresh salt for the given
// passphrase and returns it together with the derived wrapping key. The
// returned metadata carries no wrapped key yet.
func NewMetadata(passphrase []byte, opts Options) (*Metadata, WrappingKey, error) {
	if opts.Rounds == 0 {
		opts.Rounds = DefaultRounds
	}
	if opts.PRF == "" {
		opts.PRF = DefaultPRF
	}
	if opts.SaltSize == 0 {
		opts.SaltSize = DefaultSaltSize
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	m := &Metadata{
		Method:    MethodPassword,
		Algorithm: AlgorithmPBKDF2AESWrap,
		Rounds:    opts.Rounds,
		PRF:       opts.PRF,
		Salt:      make([]byte, opts.SaltSize),
	}
	if _, err := io.ReadFull(opts.Rand, m.Salt); err != nil {
		return nil, WrappingKey{}, errors.E("generating salt", err)
	}
	key, err := m.DeriveKey(passphrase)
	if err != nil {
		return nil, WrappingKey{}, err
	}
	return m, key, nil
}
