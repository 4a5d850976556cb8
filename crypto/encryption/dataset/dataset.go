// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package dataset applies document encryption to a directory tree. A
// dataset directory holds a metadata file named MetadataFilename and any
// number of files, at any depth, each encrypted independently under the
// document key stored in the metadata.
//
// Paths are interpreted by github.com/grailbio/base/file, so datasets may
// live on any registered file implementation, such as S3.
package dataset

import (
	"context"
	"io"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/multierror"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/docencrypt/crypto/encryption"
	"github.com/grailbio/docencrypt/crypto/encryption/passwd"
	"github.com/grailbio/docencrypt/crypto/keyslot"
	"github.com/grailbio/docencrypt/errors"
)

// MetadataFilename is the name of the metadata file at the root of a
// dataset.
const MetadataFilename = "encrypted"

// maxReportedErrors is the number of file errors retained when
// Options.KeepGoing is set.
const maxReportedErrors = 20

// Options controls the processing of a dataset.
type Options struct {
	// Parallelism is the number of files processed concurrently. It
	// defaults to 1.
	Parallelism int
	// SegmentParallelism is the number of segments of a file verified
	// concurrently.
	SegmentParallelism int
	// KeepGoing reports and skips files that fail instead of stopping at
	// the first failure. The returned error then aggregates the failures.
	KeepGoing bool
	// Rand is the source of randomness for encryption. It defaults to
	// crypto/rand.Reader.
	Rand io.Reader
	// Include, if set, restricts processing to the files whose path
	// relative to the dataset matches this glob pattern. Wildcards do not
	// match the path separator; "**" matches any sequence of characters.
	Include string
}

// filter returns the paths selected by o.Include.
func (o Options) filter(paths []string) ([]string, error) {
	if o.Include == "" {
		return paths, nil
	}
	g, err := glob.Compile(o.Include, '/')
	if err != nil {
		return nil, errors.E(errors.Invalid, "include pattern", o.Include, err)
	}
	var selected []string
	for _, path := range paths {
		if g.Match(path) {
			selected = append(selected, path)
		}
	}
	return selected, nil
}

func (o Options) file() encryption.Options {
	return encryption.Options{Rand: o.Rand, Parallelism: o.SegmentParallelism}
}

// ReadMetadata reads the metadata file of the dataset in dir.
func ReadMetadata(ctx context.Context, dir string) (*passwd.Metadata, error) {
	path := file.Join(dir, MetadataFilename)
	b, err := file.ReadFile(ctx, path)
	if err != nil {
		return nil, errors.E("read metadata", path, err)
	}
	meta, err := passwd.ParseMetadata(b)
	if err != nil {
		return nil, errors.E(path, err)
	}
	return meta, nil
}

// WriteMetadata writes the metadata file of the dataset in dir.
func WriteMetadata(ctx context.Context, dir string, meta *passwd.Metadata) error {
	b, err := meta.Marshal()
	if err != nil {
		return err
	}
	path := file.Join(dir, MetadataFilename)
	if err := file.WriteFile(ctx, path, b); err != nil {
		return errors.E("write metadata", path, err)
	}
	return nil
}

// Open reads the dataset's metadata and unwraps its document key with
// the passphrase.
func Open(ctx context.Context, dir string, passphrase []byte) (*encryption.DocumentKey, *passwd.Metadata, passwd.WrappingKey, error) {
	meta, err := ReadMetadata(ctx, dir)
	if err != nil {
		return nil, nil, passwd.WrappingKey{}, err
	}
	key, kek, err := encryption.OpenDocumentKey(meta, passphrase)
	if err != nil {
		return nil, nil, kek, errors.E(dir, err)
	}
	return key, meta, kek, nil
}

// Files returns the paths, relative to dir, of the files in the tree
// rooted at dir, excluding the metadata file. The paths are sorted.
func Files(ctx context.Context, dir string) ([]string, error) {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	var paths []string
	lister := file.List(ctx, dir, true)
	for lister.Scan() {
		if lister.IsDir() {
			continue
		}
		rel := strings.TrimPrefix(lister.Path(), prefix)
		if rel == MetadataFilename {
			continue
		}
		paths = append(paths, rel)
	}
	if err := lister.Err(); err != nil {
		return nil, errors.E("list", dir, err)
	}
	sort.Strings(paths)
	return paths, nil
}

func files(ctx context.Context, dir string, opts Options) ([]string, error) {
	paths, err := Files(ctx, dir)
	if err != nil {
		return nil, err
	}
	return opts.filter(paths)
}

// each applies fn to every path and its index, honoring
// opts.Parallelism and opts.KeepGoing.
func each(ctx context.Context, paths []string, opts Options, fn func(i int, path string) error) error {
	parallelism := opts.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}
	errs := multierror.NewMultiError(maxReportedErrors)
	err := traverse.Limit(parallelism).Each(len(paths), func(i int) error {
		if err := ctx.Err(); err != nil {
			return errors.E(err)
		}
		err := fn(i, paths[i])
		if err == nil {
			return nil
		}
		err = errors.E(paths[i], err)
		if !opts.KeepGoing {
			return err
		}
		log.Error.Printf("skipping %s: %v", paths[i], err)
		errs.Add(err)
		return nil
	})
	if err != nil {
		return err
	}
	return errs.Err()
}

// Decrypt verifies and decrypts every file of the dataset in indir into
// the same relative path under outdir. If outdir is empty, the files are
// verified only. A file that fails to decrypt leaves no output behind.
func Decrypt(ctx context.Context, key *encryption.DocumentKey, indir, outdir string, opts Options) error {
	paths, err := files(ctx, indir, opts)
	if err != nil {
		return err
	}
	err = each(ctx, paths, opts, func(_ int, path string) error {
		return decryptFile(ctx, key, path, file.Join(indir, path), outdir, opts)
	})
	if err == nil {
		verb := "decrypted"
		if outdir == "" {
			verb = "verified"
		}
		log.Printf("%s: %d files %s", indir, len(paths), verb)
	}
	return err
}

func decryptFile(ctx context.Context, key *encryption.DocumentKey, name, inpath, outdir string, opts Options) (err error) {
	in, err := file.Open(ctx, inpath)
	if err != nil {
		return err
	}
	defer errors.CleanUpCtx(ctx, in.Close, &err)
	if outdir == "" {
		return encryption.VerifyFile(key, name, in.Reader(ctx), opts.file())
	}
	outpath := file.Join(outdir, name)
	out, err := file.Create(ctx, outpath)
	if err != nil {
		return err
	}
	if err = encryption.DecryptFile(key, name, in.Reader(ctx), out.Writer(ctx), opts.file()); err != nil {
		out.Discard(ctx) // nolint: errcheck
		return err
	}
	log.Debug.Printf("decrypted %s", outpath)
	return out.Close(ctx)
}

// Encrypt encrypts every file of the plaintext tree in indir under key
// into the same relative path under outdir, and writes meta as the
// metadata of the new dataset. Meta must hold key wrapped under the
// passphrase's wrapping key; see encryption.DocumentKey.Seal.
func Encrypt(ctx context.Context, meta *passwd.Metadata, key *encryption.DocumentKey, indir, outdir string, opts Options) error {
	if _, err := file.Stat(ctx, file.Join(indir, MetadataFilename)); err == nil {
		return errors.E(errors.Invalid, indir, "is already an encrypted dataset")
	}
	paths, err := files(ctx, indir, opts)
	if err != nil {
		return err
	}
	if err := WriteMetadata(ctx, outdir, meta); err != nil {
		return err
	}
	err = each(ctx, paths, opts, func(_ int, path string) error {
		return encryptFile(ctx, key, path, file.Join(indir, path), file.Join(outdir, path), opts)
	})
	if err == nil {
		log.Printf("%s: %d files encrypted", outdir, len(paths))
	}
	return err
}

func encryptFile(ctx context.Context, key *encryption.DocumentKey, name, inpath, outpath string, opts Options) (err error) {
	in, err := file.Open(ctx, inpath)
	if err != nil {
		return err
	}
	defer errors.CleanUpCtx(ctx, in.Close, &err)
	out, err := file.Create(ctx, outpath)
	if err != nil {
		return err
	}
	if err = encryption.EncryptFile(key, name, in.Reader(ctx), out.Writer(ctx), opts.file()); err != nil {
		out.Discard(ctx) // nolint: errcheck
		return err
	}
	log.Debug.Printf("encrypted %s", outpath)
	return out.Close(ctx)
}

// UsedKeyIDs returns the number of files of the dataset in dir encrypted
// under each key id. Files without the encrypted-file magic are not
// counted.
func UsedKeyIDs(ctx context.Context, dir string, opts Options) (map[uint16]int, error) {
	paths, err := files(ctx, dir, opts)
	if err != nil {
		return nil, err
	}
	ids := make([]int, len(paths))
	err = each(ctx, paths, opts, func(i int, path string) (err error) {
		ids[i] = -1
		in, err := file.Open(ctx, file.Join(dir, path))
		if err != nil {
			return err
		}
		defer errors.CleanUpCtx(ctx, in.Close, &err)
		h, err := encryption.ReadHeader(in.Reader(ctx))
		if errors.Is(errors.BadMagic, err) {
			return nil
		}
		if err != nil {
			return err
		}
		ids[i] = int(h.KeyID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	used := make(map[uint16]int)
	for _, id := range ids {
		if id >= 0 {
			used[uint16(id)]++
		}
	}
	return used, nil
}

// Prune returns key without the retired keys that no file of the
// dataset in dir uses, together with the discarded slots. Active keys
// and policies are always kept.
func Prune(ctx context.Context, key *encryption.DocumentKey, dir string, opts Options) (*encryption.DocumentKey, []keyslot.Slot, error) {
	// Every file must be accounted for.
	opts.Include = ""
	used, err := UsedKeyIDs(ctx, dir, opts)
	if err != nil {
		return nil, nil, err
	}
	var discarded []keyslot.Slot
	pruned := key.Discard(func(s keyslot.Slot) bool {
		if !s.Type.IsKey() || s.Type.IsActive() || used[s.ID] > 0 {
			return true
		}
		discarded = append(discarded, s)
		return false
	})
	return pruned, discarded, nil
}
