package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/amenzhinsky/iotsession/cmd/internal"
	"github.com/amenzhinsky/iotsession/common"
	"github.com/amenzhinsky/iotsession/iotdevice"
	"github.com/amenzhinsky/iotsession/transport"
	"github.com/oklog/run"
	"github.com/pkg/errors"
)

var (
	configFlag    = ""
	transportFlag = internal.NewChoiceFlag("", internal.TransportNames...)
	uploaderFlag  = internal.NewChoiceFlag("", internal.UploaderNames...)
	formatFlag    = internal.NewChoiceFlag("text", internal.OutputFormats...)
	optionsFlag   internal.OptionsFlag
	traceFlag     = false
	timeoutFlag   = 30 * time.Second

	// send
	midFlag   = ""
	cidFlag   = ""
	propsFlag internal.StringsMapFlag
)

func main() {
	if err := runCLI(); err != nil {
		if err != internal.ErrInvalidUsage {
			fmt.Fprintf(os.Stderr, "error: %s\n", err)
		}
		os.Exit(1)
	}
}

const help = `iothub-device helps with device operations on top of the session runtime.

DEVICE_CONNECTION_STRING environment variable overrides the configured connection string.`

func runCLI() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	return internal.Run(ctx, help, []*internal.Command{
		{
			Name:    "send",
			Alias:   "s",
			Help:    "PAYLOAD [KEY VALUE]...",
			Desc:    "send a message to the cloud (D2C)",
			Handler: conn(send),
			ParseFunc: func(fs *flag.FlagSet) {
				fs.StringVar(&midFlag, "mid", midFlag, "identifier for the message")
				fs.StringVar(&cidFlag, "cid", cidFlag, "message identifier in a request-reply")
				fs.Var(&propsFlag, "p", "custom property, key=value")
			},
		},
		{
			Name:    "report",
			Alias:   "r",
			Help:    "JSON",
			Desc:    "update reported twin properties",
			Handler: conn(report),
		},
		{
			Name:    "upload",
			Alias:   "u",
			Help:    "FILE [BLOB]",
			Desc:    "upload a file to the linked storage account",
			Handler: conn(upload),
		},
		{
			Name:    "watch",
			Alias:   "w",
			Help:    "",
			Desc:    "print cloud-to-device messages, twin updates and method calls",
			Handler: conn(watch),
		},
	}, os.Args, func(fs *flag.FlagSet) {
		fs.StringVar(&configFlag, "c", configFlag, "path to YAML configuration `file`")
		fs.Var(transportFlag, "t", "transport to use (mqtt, amqp, http)")
		fs.Var(uploaderFlag, "u", "blob uploader to use (storage, http)")
		fs.Var(formatFlag, "format", "output `format` (text, json)")
		fs.Var(&optionsFlag, "o", "transport option, name=value, repeatable")
		fs.BoolVar(&traceFlag, "trace", traceFlag, "enable transport tracing")
		fs.DurationVar(&timeoutFlag, "timeout", timeoutFlag, "operations `timeout`")
	})
}

type handler func(context.Context, *flag.FlagSet, *iotdevice.Client, *internal.Output) error

// conn creates a client from the configuration file and flags, flags win.
func conn(fn handler) internal.HandlerFunc {
	return func(ctx context.Context, fs *flag.FlagSet) error {
		cfg, err := internal.LoadConfig(configFlag)
		if err != nil {
			return err
		}
		if transportFlag.IsSet() {
			cfg.Transport = transportFlag.String()
		}
		if uploaderFlag.IsSet() {
			cfg.Uploader = uploaderFlag.String()
		}
		if cfg.Options == nil {
			cfg.Options = map[string]interface{}{}
		}
		for k, v := range optionsFlag {
			cfg.Options[k] = v
		}
		if traceFlag {
			cfg.Options[transport.OptionTrace] = true
		}
		out, err := internal.NewOutput(os.Stdout, formatFlag.String())
		if err != nil {
			return err
		}
		c, err := internal.NewClient(cfg)
		if err != nil {
			return err
		}
		defer func() {
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = c.Close(cctx)
		}()
		return fn(ctx, fs, c, out)
	}
}

type outcome struct {
	Result     string `json:"result"`
	StatusCode int    `json:"status_code,omitempty"`
}

type inbound struct {
	Twin    string          `json:"twin,omitempty"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// rawJSON keeps valid JSON payloads as is and quotes the rest.
func rawJSON(b []byte) json.RawMessage {
	if json.Valid(b) {
		return b
	}
	q, _ := json.Marshal(string(b))
	return q
}

func connect(ctx context.Context, c *iotdevice.Client) error {
	ctx, cancel := context.WithTimeout(ctx, timeoutFlag)
	defer cancel()
	return c.Connect(ctx)
}

func wait(ctx context.Context, done <-chan error) error {
	ctx, cancel := context.WithTimeout(ctx, timeoutFlag)
	defer cancel()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func send(ctx context.Context, fs *flag.FlagSet, c *iotdevice.Client, out *internal.Output) error {
	if fs.NArg() < 1 {
		return internal.ErrInvalidUsage
	}
	props, err := internal.ArgsToMap(fs.Args()[1:])
	if err != nil {
		return err
	}
	for k, v := range propsFlag {
		props[k] = v
	}
	if err = connect(ctx, c); err != nil {
		return err
	}

	msg := common.NewMessage([]byte(fs.Arg(0)))
	msg.MessageID = midFlag
	msg.CorrelationID = cidFlag
	for k, v := range props {
		msg.SetProperty(k, v)
	}
	done := make(chan error, 1)
	if _, err = c.SendEventAsync(ctx, msg, func(_ *common.Message, result iotdevice.Result, _ interface{}) {
		if result != iotdevice.ResultOK {
			done <- errors.Errorf("send confirmation: %s", result)
			return
		}
		done <- out.Line(result.String(), &outcome{Result: result.String()})
	}, nil); err != nil {
		return err
	}
	return wait(ctx, done)
}

func report(ctx context.Context, fs *flag.FlagSet, c *iotdevice.Client, out *internal.Output) error {
	if fs.NArg() != 1 {
		return internal.ErrInvalidUsage
	}
	if err := connect(ctx, c); err != nil {
		return err
	}
	done := make(chan error, 1)
	if _, err := c.SendReportedState(ctx, []byte(fs.Arg(0)),
		func(result iotdevice.Result, statusCode int, _ interface{}) {
			if result != iotdevice.ResultOK {
				done <- errors.Errorf("reported state: %s", result)
				return
			}
			done <- out.Line(fmt.Sprintf("%s %d", result, statusCode),
				&outcome{Result: result.String(), StatusCode: statusCode})
		}, nil); err != nil {
		return err
	}
	return wait(ctx, done)
}

func upload(ctx context.Context, fs *flag.FlagSet, c *iotdevice.Client, out *internal.Output) error {
	if fs.NArg() < 1 || fs.NArg() > 2 {
		return internal.ErrInvalidUsage
	}
	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	name := filepath.Base(fs.Arg(0))
	if fs.NArg() == 2 {
		name = fs.Arg(1)
	}
	if err = connect(ctx, c); err != nil {
		return err
	}

	done := make(chan error, 1)
	if _, err = c.UploadBlobAsync(ctx, name, f, fi.Size(),
		func(result iotdevice.Result, err error, _ interface{}) {
			if err != nil {
				done <- err
				return
			}
			done <- out.Line(result.String(), &outcome{Result: result.String()})
		}, nil); err != nil {
		return err
	}
	return wait(ctx, done)
}

func watch(ctx context.Context, fs *flag.FlagSet, c *iotdevice.Client, out *internal.Output) error {
	if fs.NArg() != 0 {
		return internal.ErrInvalidUsage
	}
	c.SetMessageCallback(func(msg *common.Message) transport.Disposition {
		if err := out.Message(msg); err != nil {
			return transport.Abandoned
		}
		return transport.Accepted
	})
	c.SetTwinCallback(func(state transport.TwinUpdateState, payload []byte) {
		_ = out.Line(fmt.Sprintf("twin %s: %s", state, payload),
			&inbound{Twin: state.String(), Payload: rawJSON(payload)})
	})
	c.SetMethodCallback(func(method string, payload []byte) (int, []byte) {
		_ = out.Line(fmt.Sprintf("method %s: %s", method, payload),
			&inbound{Method: method, Payload: rawJSON(payload)})
		return 200, []byte(`{}`)
	})

	lost := make(chan error, 1)
	c.SetConnectionStatusCallback(func(s iotdevice.ConnectionStatus, r iotdevice.ConnectionStatusReason) {
		if s == iotdevice.ConnectionUnauthenticated && r != iotdevice.ReasonClientClose {
			select {
			case lost <- errors.Errorf("connection %s: %s", s, r):
			default:
			}
		}
	})
	if err := connect(ctx, c); err != nil {
		return err
	}

	var g run.Group
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	stop := make(chan struct{})
	g.Add(func() error {
		select {
		case err := <-lost:
			return err
		case <-stop:
			return nil
		}
	}, func(error) {
		close(stop)
	})
	if err := g.Run(); err != nil && !errors.As(err, &run.SignalError{}) {
		return err
	}
	return nil
}
