// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/docencrypt/crypto/encryption/dataset"
	"github.com/grailbio/docencrypt/crypto/encryption/passwd"
	"github.com/grailbio/docencrypt/errors"
	"v.io/x/lib/cmdline"
)

var newPassphraseFileFlag string

func newCmdPasswd() *cmdline.Command {
	cmd := &cmdline.Command{
		Runner:   cmdutil.RunnerFunc(runPasswd),
		Name:     "passwd",
		Short:    "Change the passphrase of a dataset",
		ArgsName: "<dataset>",
		Long: `
Passwd wraps the dataset's document key under a new passphrase with a
fresh salt. The files of the dataset are unchanged.`,
	}
	cmd.Flags.StringVar(&newPassphraseFileFlag, "new-passphrase-file", "", "Read the new passphrase from this file instead of the terminal.")
	return cmd
}

func runPasswd(env *cmdline.Env, args []string) error {
	if len(args) != 1 {
		return env.UsageErrorf("expected one dataset")
	}
	ctx := context.Background()
	old, err := passphrase(ctx, "Current Passphrase: ", false)
	if err != nil {
		return err
	}
	defer passwd.Zero(old)
	var pass []byte
	if newPassphraseFileFlag != "" {
		b, err := file.ReadFile(ctx, newPassphraseFileFlag)
		if err != nil {
			return errors.E("read passphrase", err)
		}
		pass = trimNewline(b)
	} else if pass, err = passwd.ReadNewPassword(); err != nil {
		return err
	}
	defer passwd.Zero(pass)
	return changePassphrase(ctx, args[0], old, pass)
}

// changePassphrase rewraps the document key of the dataset in dir
// under pass, keeping the key derivation parameters.
func changePassphrase(ctx context.Context, dir string, old, pass []byte) error {
	key, meta, _, err := dataset.Open(ctx, dir, old)
	if err != nil {
		return err
	}
	next, kek, err := passwd.NewMetadata(pass, passwd.Options{Rounds: meta.Rounds, PRF: meta.PRF})
	if err != nil {
		return err
	}
	if next, err = key.Seal(next, kek); err != nil {
		return err
	}
	log.Printf("%s: passphrase changed", dir)
	return dataset.WriteMetadata(ctx, dir, next)
}
