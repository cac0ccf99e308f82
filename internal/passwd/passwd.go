// Package passwd implements pkgkeeper-passwd, which prints a users file
// entry with a bcrypt hash of a password read from the terminal.
package passwd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/dmitrijs2005/pkgkeeper/internal/server/auth"
	"github.com/dmitrijs2005/pkgkeeper/internal/shared"
)

var (
	ErrEmptyUsername    = errors.New("username is required")
	ErrEmptyPassword    = errors.New("password is required")
	ErrPasswordMismatch = errors.New("passwords do not match")
)

// Run parses args, prompts for what is missing and writes one JSON object
// {"<user>": "<hash>"} to out. Prompts go to prompts.
func Run(args []string, in io.Reader, out, prompts io.Writer) error {
	fs := flag.NewFlagSet("pkgkeeper-passwd", flag.ContinueOnError)
	fs.SetOutput(prompts)
	username := fs.String("u", "", "user name")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *username == "" {
		name, err := GetSimpleText(bufio.NewReader(in), "Enter user name", prompts)
		if err != nil {
			return err
		}
		*username = name
	}
	if *username == "" {
		return ErrEmptyUsername
	}

	pw, err := GetPassword("Enter password", prompts)
	if err != nil {
		return err
	}
	defer shared.WipeByteArray(pw)
	if len(pw) == 0 {
		return ErrEmptyPassword
	}

	again, err := GetPassword("Repeat password", prompts)
	if err != nil {
		return err
	}
	defer shared.WipeByteArray(again)
	if !bytes.Equal(pw, again) {
		return ErrPasswordMismatch
	}

	hash, err := auth.HashPassword(string(pw))
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	entry, err := json.Marshal(map[string]string{*username: string(hash)})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(entry))
	return err
}
