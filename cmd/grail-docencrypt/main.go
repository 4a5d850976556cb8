// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Command grail-docencrypt encrypts, decrypts, verifies and maintains
// encrypted document datasets: directory trees whose files are each
// encrypted under a document key stored, wrapped under a passphrase, in
// the dataset's metadata file.
//
// Paths may be local or s3://bucket/prefix.
package main

import (
	"bytes"
	"context"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/docencrypt/crypto/encryption/dataset"
	"github.com/grailbio/docencrypt/crypto/encryption/passwd"
	"github.com/grailbio/docencrypt/errors"
	"v.io/x/lib/cmdline"
)

var (
	passphraseFileFlag string
	parallelismFlag    int
	keepGoingFlag      bool
	includeFlag        string
)

func newCmdRoot() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "docencrypt",
		Short:    "Manage encrypted document datasets",
		LookPath: false,
		Children: []*cmdline.Command{
			newCmdInfo(),
			newCmdVerify(),
			newCmdDecrypt(),
			newCmdEncrypt(),
			newCmdRekey(),
			newCmdPasswd(),
			newCmdGC(),
			newCmdPolicy(),
		},
	}
	cmd.Flags.StringVar(&passphraseFileFlag, "passphrase-file", "", "Read the passphrase from this file instead of the terminal.")
	cmd.Flags.IntVar(&parallelismFlag, "parallelism", 8, "Number of files processed concurrently.")
	cmd.Flags.BoolVar(&keepGoingFlag, "keep-going", false, "Report and skip files that fail instead of stopping.")
	cmd.Flags.StringVar(&includeFlag, "include", "", "Only process files whose relative path matches this glob.")
	return cmd
}

func options() dataset.Options {
	return dataset.Options{
		Parallelism:        parallelismFlag,
		SegmentParallelism: 4,
		KeepGoing:          keepGoingFlag,
		Include:            includeFlag,
	}
}

// passphrase returns the passphrase given by -passphrase-file, or else
// prompts for it. If confirm is set, a prompted passphrase is read
// twice.
func passphrase(ctx context.Context, prompt string, confirm bool) ([]byte, error) {
	if passphraseFileFlag != "" {
		b, err := file.ReadFile(ctx, passphraseFileFlag)
		if err != nil {
			return nil, errors.E("read passphrase", err)
		}
		return trimNewline(b), nil
	}
	if confirm {
		return passwd.ReadNewPassword()
	}
	return passwd.ReadPassword(prompt)
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
	cmdline.Main(newCmdRoot())
}

func trimNewline(b []byte) []byte {
	return bytes.TrimRight(b, "\r\n")
}
