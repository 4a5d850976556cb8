// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/rand"
	"os"
	"strings"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/log"
	"github.com/grailbio/docencrypt/crypto/encryption"
	"github.com/grailbio/docencrypt/crypto/encryption/dataset"
	"github.com/grailbio/docencrypt/crypto/encryption/passwd"
	"github.com/grailbio/docencrypt/errors"
	"v.io/x/lib/cmdline"
)

var (
	roundsFlag          int
	prfFlag             string
	plaintextSuffixFlag string
)

func newCmdEncrypt() *cmdline.Command {
	cmd := &cmdline.Command{
		Runner:   cmdutil.RunnerFunc(runEncrypt),
		Name:     "encrypt",
		Short:    "Encrypt a plaintext directory into a new dataset",
		ArgsName: "<directory> <dataset>",
		Long: `
Encrypt creates a new document key protected by a new passphrase, and
encrypts every file of the directory into the dataset. Files whose name
ends in one of the -plaintext-suffix suffixes are stored unencrypted.`,
	}
	cmd.Flags.IntVar(&roundsFlag, "rounds", passwd.DefaultRounds, "PBKDF2 iteration count.")
	cmd.Flags.StringVar(&prfFlag, "prf", string(passwd.DefaultPRF), "PBKDF2 pseudorandom function: sha1, sha256 or sha512.")
	cmd.Flags.StringVar(&plaintextSuffixFlag, "plaintext-suffix", "", "Comma separated filename suffixes that are not encrypted.")
	return cmd
}

func newCmdRekey() *cmdline.Command {
	return &cmdline.Command{
		Runner:   cmdutil.RunnerFunc(runRekey),
		Name:     "rekey",
		Short:    "Re-encrypt a dataset under a new active key",
		ArgsName: "<dataset> <new dataset>",
		Long: `
Rekey retires the dataset's active key, creates a new one, and writes a
copy of the dataset with every file encrypted under the new key. The
passphrase is unchanged. The plaintext is staged in a local temporary
directory, which is removed afterwards.`,
	}
}

func suffixes(list string) []string {
	var s []string
	for _, suffix := range strings.Split(list, ",") {
		if suffix = strings.TrimSpace(suffix); suffix != "" {
			s = append(s, suffix)
		}
	}
	return s
}

func runEncrypt(env *cmdline.Env, args []string) error {
	if len(args) != 2 {
		return env.UsageErrorf("expected a directory and a dataset")
	}
	ctx := context.Background()
	pass, err := passphrase(ctx, "", true)
	if err != nil {
		return err
	}
	defer passwd.Zero(pass)
	popts := passwd.Options{Rounds: roundsFlag, PRF: passwd.PRF(prfFlag)}
	return encrypt(ctx, args[0], args[1], pass, popts, suffixes(plaintextSuffixFlag), options())
}

// encrypt creates a dataset in outdir holding the files of indir,
// encrypted under a new document key.
func encrypt(ctx context.Context, indir, outdir string, pass []byte, popts passwd.Options, plaintext []string, opts dataset.Options) error {
	if _, err := popts.PRF.Hash(); err != nil {
		return err
	}
	meta, kek, err := passwd.NewMetadata(pass, popts)
	if err != nil {
		return err
	}
	key, active, err := encryption.NewDocumentKey(nil).WithActiveKey(rand.Reader)
	if err != nil {
		return err
	}
	for _, suffix := range plaintext {
		if key, err = key.WithPolicy(suffix, encryption.Passthrough, rand.Reader); err != nil {
			return err
		}
	}
	if meta, err = key.Seal(meta, kek); err != nil {
		return err
	}
	log.Printf("%s: encrypting under key %d", outdir, active.ID)
	return dataset.Encrypt(ctx, meta, key, indir, outdir, opts)
}

func runRekey(env *cmdline.Env, args []string) error {
	if len(args) != 2 {
		return env.UsageErrorf("expected a dataset and a new dataset")
	}
	ctx := context.Background()
	pass, err := passphrase(ctx, "Passphrase: ", false)
	if err != nil {
		return err
	}
	defer passwd.Zero(pass)
	return rekey(ctx, args[0], args[1], pass, options())
}

// rekey re-encrypts the dataset in dir into outdir under a new active
// key.
func rekey(ctx context.Context, dir, outdir string, pass []byte, opts dataset.Options) (err error) {
	key, meta, kek, err := dataset.Open(ctx, dir, pass)
	if err != nil {
		return err
	}
	tmp, err := os.MkdirTemp("", "docencrypt")
	if err != nil {
		return errors.E("rekey", err)
	}
	defer errors.CleanUp(func() error { return os.RemoveAll(tmp) }, &err)
	// The new dataset must hold every file.
	opts.Include = ""
	if err = dataset.Decrypt(ctx, key, dir, tmp, opts); err != nil {
		return err
	}
	key, active, err := key.Rotate(rand.Reader)
	if err != nil {
		return err
	}
	if meta, err = key.Seal(meta, kek); err != nil {
		return err
	}
	log.Printf("%s: re-encrypting under key %d", outdir, active.ID)
	return dataset.Encrypt(ctx, meta, key, tmp, outdir, opts)
}
