package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source lazily resolves a signer keystore passphrase from an environment
// variable or by prompting the operator. The value is cached after the first
// successful retrieval.
type Source struct {
	envVar string
	prompt string

	// overridable for tests
	stdinFd    int
	stderr     io.Writer
	isTerminal func(int) bool
	readSecret func(int) ([]byte, error)

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a passphrase source that checks envVar before
// interactively prompting on the terminal.
func NewSource(envVar string) *Source {
	return &Source{
		envVar:     strings.TrimSpace(envVar),
		prompt:     "Enter signer keystore passphrase: ",
		stdinFd:    int(os.Stdin.Fd()),
		stderr:     os.Stderr,
		isTerminal: term.IsTerminal,
		readSecret: term.ReadPassword,
	}
}

// Get returns the cached passphrase or resolves it if this is the first call.
// Whitespace-only passphrases are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}

		if !s.isTerminal(s.stdinFd) {
			if s.envVar != "" {
				s.err = fmt.Errorf("signer keystore passphrase required; set %s or run interactively", s.envVar)
			} else {
				s.err = errors.New("signer keystore passphrase required and no terminal available")
			}
			return
		}

		fmt.Fprint(s.stderr, s.prompt)
		secret, err := s.readSecret(s.stdinFd)
		fmt.Fprintln(s.stderr)
		if err != nil {
			s.err = fmt.Errorf("failed to read passphrase: %w", err)
			return
		}
		if strings.TrimSpace(string(secret)) == "" {
			s.err = errors.New("signer keystore passphrase cannot be empty")
			return
		}
		s.value = string(secret)
	})

	return s.value, s.err
}
