// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/docencrypt/crypto/encryption/dataset"
	"github.com/grailbio/docencrypt/crypto/encryption/passwd"
	"v.io/x/lib/cmdline"
)

var usageFlag bool

func newCmdInfo() *cmdline.Command {
	cmd := &cmdline.Command{
		Runner:   cmdutil.RunnerFunc(runInfo),
		Name:     "info",
		Short:    "Describe the keys and plaintext policies of a dataset",
		ArgsName: "<dataset>",
	}
	cmd.Flags.BoolVar(&usageFlag, "usage", false, "Count the files encrypted under each key.")
	return cmd
}

func runInfo(env *cmdline.Env, args []string) error {
	if len(args) != 1 {
		return env.UsageErrorf("expected one dataset")
	}
	ctx := context.Background()
	pass, err := passphrase(ctx, "Passphrase: ", false)
	if err != nil {
		return err
	}
	defer passwd.Zero(pass)
	return info(ctx, env.Stdout, args[0], pass, usageFlag)
}

func info(ctx context.Context, w io.Writer, dir string, pass []byte, usage bool) error {
	key, meta, _, err := dataset.Open(ctx, dir, pass)
	if err != nil {
		return err
	}
	prf := meta.PRF
	if prf == "" {
		prf = passwd.SHA1
	}
	fmt.Fprintf(w, "method: %s (%s, %d rounds, %s)\n", meta.Method, meta.Algorithm, meta.Rounds, prf)
	var used map[uint16]int
	if usage {
		if used, err = dataset.UsedKeyIDs(ctx, dir, options()); err != nil {
			return err
		}
	}
	d := key.Describe()
	for _, k := range d.Keys {
		var active string
		if k.Active {
			active = ", active"
		}
		fmt.Fprintf(w, "key %d: %v%s, %d bytes", k.ID, k.Type, active, k.Size)
		if usage {
			fmt.Fprintf(w, ", %d files", used[k.ID])
		}
		fmt.Fprintln(w)
	}
	if len(d.PlaintextSuffixes) > 0 {
		fmt.Fprintf(w, "plaintext: %s\n", strings.Join(d.PlaintextSuffixes, " "))
	}
	if len(d.TemporaryPlaintextSuffixes) > 0 {
		fmt.Fprintf(w, "temporarily plaintext: %s\n", strings.Join(d.TemporaryPlaintextSuffixes, " "))
	}
	return nil
}
