package internal

import (
	"strings"

	"github.com/pkg/errors"
)

// ChoiceFlag is a flag.Value restricted to a fixed set of values.
type ChoiceFlag struct {
	choices []string
	value   string
	set     bool
}

// NewChoiceFlag creates a flag accepting only the given choices,
// def is its value until it's set and may be empty.
func NewChoiceFlag(def string, choices ...string) *ChoiceFlag {
	return &ChoiceFlag{choices: choices, value: def}
}

func (f *ChoiceFlag) Set(s string) error {
	for _, c := range f.choices {
		if s == c {
			f.value, f.set = s, true
			return nil
		}
	}
	return errors.Errorf("%q is not one of %s", s, strings.Join(f.choices, ", "))
}

func (f *ChoiceFlag) String() string {
	if f == nil {
		return ""
	}
	return f.value
}

// Get implements flag.Getter.
func (f *ChoiceFlag) Get() interface{} {
	return f.value
}

// IsSet reports whether the flag was given on the command line.
func (f *ChoiceFlag) IsSet() bool {
	return f.set
}
