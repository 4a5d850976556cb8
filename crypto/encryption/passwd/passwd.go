// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package passwd

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// ReadPassword prints prompt to stderr and reads a password from stdin,
// taking care to not echo it.
func ReadPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr, "")
	if err != nil {
		return nil, fmt.Errorf("reading password: %v", err)
	}
	return password, nil
}

// ReadNewPassword reads a new password twice and fails if the two
// entries differ.
func ReadNewPassword() ([]byte, error) {
	password, err := ReadPassword("Enter New Password: ")
	if err != nil {
		return nil, err
	}
	again, err := ReadPassword("Confirm Password: ")
	defer Zero(again)
	if err != nil {
		Zero(password)
		return nil, err
	}
	if string(password) != string(again) {
		Zero(password)
		return nil, fmt.Errorf("mismatched passwords")
	}
	return password, nil
}

// Zero overwrites b with zeros. Use it to drop passwords from memory as soon
// as they have been hashed.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
