// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/docencrypt/crypto/encryption/dataset"
	"github.com/grailbio/docencrypt/crypto/encryption/passwd"
	"v.io/x/lib/cmdline"
)

func newCmdVerify() *cmdline.Command {
	return &cmdline.Command{
		Runner:   cmdutil.RunnerFunc(runVerify),
		Name:     "verify",
		Short:    "Verify the integrity of every file of a dataset",
		ArgsName: "<dataset>",
	}
}

func newCmdDecrypt() *cmdline.Command {
	return &cmdline.Command{
		Runner:   cmdutil.RunnerFunc(runDecrypt),
		Name:     "decrypt",
		Short:    "Decrypt a dataset into a plaintext directory",
		ArgsName: "<dataset> <output directory>",
		Long: `
Decrypt authenticates each file of the dataset and writes its plaintext
to the same relative path under the output directory. A file that fails
authentication produces no output. Files that the dataset's policies
allow to be stored unencrypted are copied unchanged.`,
	}
}

func runVerify(env *cmdline.Env, args []string) error {
	if len(args) != 1 {
		return env.UsageErrorf("expected one dataset")
	}
	return runDecryptTo(args[0], "")
}

func runDecrypt(env *cmdline.Env, args []string) error {
	if len(args) != 2 {
		return env.UsageErrorf("expected a dataset and an output directory")
	}
	return runDecryptTo(args[0], args[1])
}

func runDecryptTo(dir, outdir string) error {
	ctx := context.Background()
	pass, err := passphrase(ctx, "Passphrase: ", false)
	if err != nil {
		return err
	}
	defer passwd.Zero(pass)
	return decrypt(ctx, dir, outdir, pass, options())
}

// decrypt decrypts the dataset in dir into outdir, or verifies it if
// outdir is empty.
func decrypt(ctx context.Context, dir, outdir string, pass []byte, opts dataset.Options) error {
	key, _, _, err := dataset.Open(ctx, dir, pass)
	if err != nil {
		return err
	}
	return dataset.Decrypt(ctx, key, dir, outdir, opts)
}
