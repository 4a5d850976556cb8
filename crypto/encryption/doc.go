// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package encryption encrypts and decrypts the files of a document with
// keys drawn from the document's key store.
//
// A document is protected by a DocumentKey: a list of key slots
// (package keyslot) wrapped under a key derived from a passphrase
// (package passwd). The DocumentKey holds any number of retired keys,
// which are used only to decrypt existing files, at most one active key
// used to encrypt new files, and filename suffix policies that exempt
// matching files from encryption.
//
// Each file is encrypted independently. An encrypted file consists of
//
//	magic          "OmniFileEncryption\x00\x00"
//	info length    uint16, big endian
//	info           key id (uint16, big endian) followed by any per-file key
//	padding        zero bytes up to a multiple of 16 bytes from the start
//	segments       see package segment
//	file MAC       32 bytes
//
// Files are authenticated in their entirety before any plaintext is
// produced, so a failed decryption never yields partial output.
package encryption
