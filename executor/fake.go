package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Fake records every command and replies from scripted responses. A command
// with no scripted response succeeds with empty output.
type Fake struct {
	mu        sync.Mutex
	Commands  [][]string
	Responses map[string]Result
	Errors    map[string]error
	// MissingTools fail LookPath.
	MissingTools map[string]bool
}

func NewFake() *Fake {
	return &Fake{
		Responses:    map[string]Result{},
		Errors:       map[string]error{},
		MissingTools: map[string]bool{},
	}
}

// Script sets the response for any command whose argv starts with prefix.
func (f *Fake) Script(prefix string, res Result) {
	f.Responses[prefix] = res
}

func (f *Fake) Run(_ context.Context, name string, args ...string) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	argv := append([]string{name}, args...)
	f.Commands = append(f.Commands, argv)

	joined := strings.Join(argv, " ")
	for prefix, err := range f.Errors {
		if strings.HasPrefix(joined, prefix) {
			return Result{ExitCode: -1}, err
		}
	}
	for prefix, res := range f.Responses {
		if strings.HasPrefix(joined, prefix) {
			return res, nil
		}
	}
	return Result{}, nil
}

func (f *Fake) LookPath(name string) (string, error) {
	if f.MissingTools[name] {
		return "", fmt.Errorf("%s: executable file not found in $PATH", name)
	}
	return "/usr/sbin/" + name, nil
}

// Ran reports whether some recorded command starts with the given tokens.
func (f *Fake) Ran(tokens ...string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
outer:
	for _, argv := range f.Commands {
		if len(argv) < len(tokens) {
			continue
		}
		for i, tok := range tokens {
			if argv[i] != tok {
				continue outer
			}
		}
		return true
	}
	return false
}
