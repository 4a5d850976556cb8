// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/docencrypt/crypto/encryption"
	"github.com/grailbio/docencrypt/crypto/encryption/dataset"
	"github.com/grailbio/docencrypt/crypto/encryption/passwd"
	"v.io/x/lib/cmdline"
)

var (
	dryRunFlag       bool
	passthroughFlag  string
	temporaryFlag    string
	removeSuffixFlag string
)

func newCmdGC() *cmdline.Command {
	cmd := &cmdline.Command{
		Runner:   cmdutil.RunnerFunc(runGC),
		Name:     "gc",
		Short:    "Discard retired keys that no file uses",
		ArgsName: "<dataset>",
	}
	cmd.Flags.BoolVar(&dryRunFlag, "dry-run", false, "Report the keys that would be discarded without changing the dataset.")
	return cmd
}

func newCmdPolicy() *cmdline.Command {
	cmd := &cmdline.Command{
		Runner:   cmdutil.RunnerFunc(runPolicy),
		Name:     "policy",
		Short:    "Change the plaintext policies of a dataset",
		ArgsName: "<dataset>",
		Long: `
Policy adds or removes filename suffix policies. Files matching a
-plaintext suffix are stored unencrypted; files matching a -temporary
suffix may be read unencrypted but are written encrypted. Existing files
are not rewritten.`,
	}
	cmd.Flags.StringVar(&passthroughFlag, "plaintext", "", "Comma separated suffixes of files stored unencrypted.")
	cmd.Flags.StringVar(&temporaryFlag, "temporary", "", "Comma separated suffixes of files that may be read unencrypted.")
	cmd.Flags.StringVar(&removeSuffixFlag, "remove", "", "Comma separated suffixes whose policies are removed.")
	return cmd
}

func runGC(env *cmdline.Env, args []string) error {
	if len(args) != 1 {
		return env.UsageErrorf("expected one dataset")
	}
	ctx := context.Background()
	pass, err := passphrase(ctx, "Passphrase: ", false)
	if err != nil {
		return err
	}
	defer passwd.Zero(pass)
	return gc(ctx, env.Stdout, args[0], pass, dryRunFlag, options())
}

// gc removes the retired keys that no file of the dataset in dir uses
// from its metadata.
func gc(ctx context.Context, w io.Writer, dir string, pass []byte, dryRun bool, opts dataset.Options) error {
	key, meta, kek, err := dataset.Open(ctx, dir, pass)
	if err != nil {
		return err
	}
	pruned, discarded, err := dataset.Prune(ctx, key, dir, opts)
	if err != nil {
		return err
	}
	for _, s := range discarded {
		fmt.Fprintf(w, "discarding key %d: %v\n", s.ID, s.Type)
	}
	if dryRun || len(discarded) == 0 {
		return nil
	}
	if meta, err = pruned.Seal(meta, kek); err != nil {
		return err
	}
	return dataset.WriteMetadata(ctx, dir, meta)
}

func runPolicy(env *cmdline.Env, args []string) error {
	if len(args) != 1 {
		return env.UsageErrorf("expected one dataset")
	}
	ctx := context.Background()
	pass, err := passphrase(ctx, "Passphrase: ", false)
	if err != nil {
		return err
	}
	defer passwd.Zero(pass)
	return policy(ctx, args[0], pass, suffixes(passthroughFlag), suffixes(temporaryFlag), suffixes(removeSuffixFlag))
}

// policy updates the plaintext policies of the dataset in dir.
func policy(ctx context.Context, dir string, pass []byte, plaintext, temporary, remove []string) error {
	key, meta, kek, err := dataset.Open(ctx, dir, pass)
	if err != nil {
		return err
	}
	for _, suffix := range remove {
		key = key.WithoutPolicy(suffix)
	}
	for _, suffix := range plaintext {
		if key, err = key.WithPolicy(suffix, encryption.Passthrough, rand.Reader); err != nil {
			return err
		}
	}
	for _, suffix := range temporary {
		if key, err = key.WithPolicy(suffix, encryption.TemporarilyReadPlaintext, rand.Reader); err != nil {
			return err
		}
	}
	if meta, err = key.Seal(meta, kek); err != nil {
		return err
	}
	return dataset.WriteMetadata(ctx, dir, meta)
}
