package config

import "strings"

// Failure classes reported on config.validation.events.
const (
	ClassPairingSecret   = "pairing_secret"
	ClassVerificationURL = "verification_url"
	ClassTiming          = "timing"
	ClassStoreDriver     = "store_driver"
	ClassIdentityDriver  = "identity_driver"
	ClassTerminalCache   = "terminal_cache"
	ClassLimits          = "limits"
	ClassEnvFile         = "env_file"
	ClassConfigFile      = "config_file"
	ClassParse           = "parse"
)

type Problem struct {
	Class   string
	Message string
}

// ValidationError lists every setting that kept the service from starting.
type ValidationError struct {
	Problems []Problem
}

func (e *ValidationError) add(class, message string) {
	e.Problems = append(e.Problems, Problem{Class: class, Message: message})
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		msgs = append(msgs, p.Message)
	}
	return "validate config: " + strings.Join(msgs, "; ")
}

// Classes returns the distinct problem classes in the order they were found.
func (e *ValidationError) Classes() []string {
	var out []string
	seen := map[string]bool{}
	for _, p := range e.Problems {
		if !seen[p.Class] {
			seen[p.Class] = true
			out = append(out, p.Class)
		}
	}
	return out
}

type loadError struct {
	class string
	err   error
}

func (e *loadError) Error() string { return e.err.Error() }
func (e *loadError) Unwrap() error { return e.err }
