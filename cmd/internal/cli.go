package internal

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/amenzhinsky/iotsession/common"
	"github.com/pkg/errors"
)

// ErrInvalidUsage when returned by a Handler the usage message is displayed.
var ErrInvalidUsage = errors.New("invalid usage")

// Command is a cli subcommand.
type Command struct {
	Name      string
	Alias     string
	Help      string
	Desc      string
	Handler   HandlerFunc
	ParseFunc func(*flag.FlagSet)
}

// HandlerFunc is a subcommand handler.
type HandlerFunc func(context.Context, *flag.FlagSet) error

// Run runs one or the given commands based on argv.
// If ErrInvalidUsage is returned there's no need to print it, usage message is already sent to STDERR.
func Run(ctx context.Context, desc string, cmds []*Command, argv []string, fn func(*flag.FlagSet)) error {
	if len(argv) == 0 {
		panic("empty argv")
	}

	// sort subcommands alphabetically
	sort.Slice(cmds, func(i, j int) bool {
		return cmds[i].Name < cmds[j].Name
	})

	sm := flag.NewFlagSet(argv[0], flag.ContinueOnError)
	sm.SetOutput(os.Stderr)
	if fn != nil {
		fn(sm)
	}
	sm.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [FLAGS...] {COMMAND} [FLAGS...] [ARGS]...\n\n%s\n\ncommands:\n", argv[0], desc)
		for _, cmd := range cmds {
			fmt.Fprintf(os.Stderr, "  %-22s %s\n", cmd.Name+","+cmd.Alias, cmd.Desc)
		}
		fmt.Fprint(os.Stderr, "\ncommon flags:\n")
		sm.PrintDefaults()
	}
	if err := sm.Parse(argv[1:]); err != nil {
		if err == flag.ErrHelp {
			return ErrInvalidUsage
		}
		return err
	}

	if sm.NArg() == 0 {
		sm.Usage()
		return ErrInvalidUsage
	}

	cmd := findCommand(cmds, sm.Arg(0))
	if cmd == nil {
		sm.Usage()
		return ErrInvalidUsage
	}

	var args []string
	if sm.NArg() > 1 {
		args = sm.Args()[1:]
	}
	sc := flag.NewFlagSet(sm.Arg(0), flag.ContinueOnError)
	sc.SetOutput(os.Stderr)
	sc.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [FLAGS...] %s [FLAGS....] %s\n\nflags:\n",
			argv[0], sm.Arg(0), cmd.Help)
		sc.PrintDefaults()
		fmt.Fprint(os.Stderr, "\ncommon flags:\n")
		sm.PrintDefaults()
	}
	if cmd.ParseFunc != nil {
		cmd.ParseFunc(sc)
	}
	if err := sc.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return ErrInvalidUsage
		}
		return err
	}
	if err := cmd.Handler(ctx, sc); err != nil {
		if err == ErrInvalidUsage {
			sc.Usage()
		}
		return err
	}
	return nil
}

func findCommand(cmds []*Command, k string) *Command {
	for _, cmd := range cmds {
		if cmd.Name == k || cmd.Alias == k {
			return cmd
		}
	}
	return nil
}

// ArgsToMap converts sequence of arguments into a key-value map.
// [a, b, c, d] => {a: b, c: d} or errors when number of args is not even.
func ArgsToMap(s []string) (map[string]string, error) {
	m := map[string]string{}
	if len(s)%2 != 0 {
		return nil, errors.New("number of key-value arguments must be even")
	}
	for i := 0; i < len(s); i += 2 {
		m[s[i]] = s[i+1]
	}
	return m, nil
}

// Output prints command results either as plain text or as indented JSON.
type Output struct {
	w    io.Writer
	json bool
}

// OutputFormats lists formats accepted by NewOutput.
var OutputFormats = []string{"text", "json"}

// NewOutput creates an output writing to w in the named format.
func NewOutput(w io.Writer, format string) (*Output, error) {
	switch format {
	case "", "text":
		return &Output{w: w}, nil
	case "json":
		return &Output{w: w, json: true}, nil
	default:
		return nil, errors.Errorf("unknown output format %q", format)
	}
}

// Line prints s in text mode and v in JSON mode.
func (o *Output) Line(s string, v interface{}) error {
	if o.json {
		return o.JSON(v)
	}
	_, err := fmt.Fprintln(o.w, s)
	return err
}

// Message prints a cloud-to-device message.
func (o *Output) Message(msg *common.Message) error {
	if !o.json {
		_, err := fmt.Fprint(o.w, msg.Inspect())
		return err
	}
	v := &jsonMessage{
		MessageID:       msg.MessageID,
		CorrelationID:   msg.CorrelationID,
		To:              msg.To,
		UserID:          msg.UserID,
		ContentType:     msg.ContentType,
		ContentEncoding: msg.ContentEncoding,
		Payload:         string(msg.Payload),
		Properties:      msg.Properties,
	}
	if !msg.ExpiryTime.IsZero() {
		v.ExpiryTime = &msg.ExpiryTime
	}
	if !msg.EnqueuedTime.IsZero() {
		v.EnqueuedTime = &msg.EnqueuedTime
	}
	return o.JSON(v)
}

type jsonMessage struct {
	MessageID       string            `json:"message_id,omitempty"`
	CorrelationID   string            `json:"correlation_id,omitempty"`
	To              string            `json:"to,omitempty"`
	UserID          string            `json:"user_id,omitempty"`
	ExpiryTime      *time.Time        `json:"expiry_time,omitempty"`
	EnqueuedTime    *time.Time        `json:"enqueued_time,omitempty"`
	ContentType     string            `json:"content_type,omitempty"`
	ContentEncoding string            `json:"content_encoding,omitempty"`
	Payload         string            `json:"payload"`
	Properties      map[string]string `json:"properties,omitempty"`
}

// JSON prints v as indented JSON.
func (o *Output) JSON(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "\t")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(o.w, string(b))
	return err
}
