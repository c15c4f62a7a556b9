package internal

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/amenzhinsky/iotsession/transport"
	"github.com/pkg/errors"
)

// OptionsFlag collects repeated NAME=VALUE transport options.
// Values are typed: true and false are booleans,
// integers are ints and anything else stays a string.
type OptionsFlag map[string]interface{}

func (f *OptionsFlag) Set(s string) error {
	k, v, err := splitKV(s)
	if err != nil {
		return err
	}
	if !transport.IsKnownOption(k) {
		return errors.Errorf("unknown option %q", k)
	}
	if *f == nil {
		*f = OptionsFlag{}
	}
	(*f)[k] = optionValue(v)
	return nil
}

func (f *OptionsFlag) String() string {
	if f == nil || len(*f) == 0 {
		return ""
	}
	ss := make([]string, 0, len(*f))
	for k, v := range *f {
		ss = append(ss, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(ss)
	return strings.Join(ss, ",")
}

func optionValue(s string) interface{} {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return s
}

// StringsMapFlag collects repeated KEY=VALUE string pairs.
type StringsMapFlag map[string]string

func (f *StringsMapFlag) Set(s string) error {
	k, v, err := splitKV(s)
	if err != nil {
		return err
	}
	if *f == nil {
		*f = StringsMapFlag{}
	}
	(*f)[k] = v
	return nil
}

func (f *StringsMapFlag) String() string {
	if f == nil {
		return ""
	}
	return fmt.Sprintf("%v", map[string]string(*f))
}

func splitKV(s string) (string, string, error) {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return "", "", errors.Errorf("malformed %q, want KEY=VALUE", s)
	}
	return k, v, nil
}
