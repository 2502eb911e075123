// Package input provides reading of lines and secrets from a terminal.
package input

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"
)

// Terminal is a terminal used for input. If `nil`, stdin is used.
var Terminal *term.Terminal

// ReadWriter combines io.Reader and io.Writer for term.NewTerminal.
type ReadWriter struct {
	io.Reader
	io.Writer
}

// ReadLine reads a line from the input without the trailing '\n'.
func ReadLine(prompt string) (string, error) {
	trm := Terminal
	if trm == nil {
		if !term.IsTerminal(syscall.Stdin) {
			return readLine(bufio.NewReader(os.Stdin), prompt)
		}
		s, err := term.MakeRaw(syscall.Stdin)
		if err != nil {
			return "", err
		}
		defer func() { _ = term.Restore(syscall.Stdin, s) }()
		trm = term.NewTerminal(ReadWriter{os.Stdin, os.Stdout}, "")
	}
	_, err := trm.Write([]byte(prompt))
	if err != nil {
		return "", err
	}
	return trm.ReadLine()
}

func readLine(buf *bufio.Reader, prompt string) (string, error) {
	fmt.Print(prompt)
	s, err := buf.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(s, "\n"), nil
}

// ReadPassword reads the user's password or seed phrase with prompt,
// without echoing it back.
func ReadPassword(prompt string) (string, error) {
	trm := Terminal
	if trm == nil {
		if !term.IsTerminal(syscall.Stdin) {
			return readLine(bufio.NewReader(os.Stdin), prompt)
		}
		s, err := term.MakeRaw(syscall.Stdin)
		if err != nil {
			return "", err
		}
		defer func() { _ = term.Restore(syscall.Stdin, s) }()
		trm = term.NewTerminal(ReadWriter{os.Stdin, os.Stdout}, "")
	}
	return trm.ReadPassword(prompt)
}
