// iothub-upload sends a start event, uploads a small text blob and
// reports its completion with another event, then it prints inbound
// messages, twin updates and method calls until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/amenzhinsky/iotsession/cmd/internal"
	"github.com/amenzhinsky/iotsession/common"
	"github.com/amenzhinsky/iotsession/iotdevice"
	"github.com/amenzhinsky/iotsession/transport"
	"github.com/oklog/run"
	"github.com/pkg/errors"
)

// defaults mirror the HTTP guidance: polls happen roughly every 10 seconds
// and messages expire 10 seconds after submission.
var defaultOptions = map[string]map[string]interface{}{
	"http": {
		transport.OptionTimeout:            241000,
		transport.OptionMinPollingInterval: 9,
		transport.OptionMessageTimeout:     10000,
	},
	"mqtt": {
		transport.OptionMessageTimeout: 10000,
		transport.OptionTrace:          false,
	},
	"amqp": {
		transport.OptionMessageTimeout: 10000,
	},
}

var (
	configFlag    = ""
	transportFlag = internal.NewChoiceFlag("mqtt", internal.TransportNames...)
	contentFlag   = "Hello World"
)

func main() {
	flag.StringVar(&configFlag, "c", configFlag, "path to YAML configuration `file`")
	flag.Var(transportFlag, "t", "transport to use (mqtt, amqp, http)")
	flag.StringVar(&contentFlag, "content", contentFlag, "uploaded file content")
	flag.Parse()

	if err := start(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

type counters struct {
	received atomic.Int64
	sent     atomic.Int64
	blobs    atomic.Int64
	twins    atomic.Int64
	methods  atomic.Int64
}

func start() error {
	cfg, err := internal.LoadConfig(configFlag)
	if err != nil {
		return err
	}
	if transportFlag.IsSet() {
		cfg.Transport = transportFlag.String()
	}
	opts := map[string]interface{}{}
	for k, v := range defaultOptions[cfg.Transport] {
		opts[k] = v
	}
	for k, v := range cfg.Options {
		opts[k] = v
	}
	cfg.Options = opts

	c, err := internal.NewClient(cfg)
	if err != nil {
		return err
	}

	var cnt counters
	register(c, &cnt)

	lost := make(chan error, 1)
	c.SetConnectionStatusCallback(func(s iotdevice.ConnectionStatus, r iotdevice.ConnectionStatusReason) {
		fmt.Printf("connection status: %s (%s)\n", s, r)
		if s == iotdevice.ConnectionUnauthenticated && r != iotdevice.ReasonClientClose {
			select {
			case lost <- errors.Errorf("connection %s: %s", s, r):
			default:
			}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	err = c.Connect(ctx)
	cancel()
	if err != nil {
		return err
	}

	if err = uploadFile(c, &cnt); err != nil {
		_ = c.Close(context.Background())
		return err
	}

	var g run.Group
	g.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))
	stop := make(chan struct{})
	g.Add(func() error {
		fmt.Println("IoTHubClient waiting for commands, press Ctrl-C to exit")
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				fmt.Printf("IoTHubClient still running, sent %d, received %d\n",
					cnt.sent.Load(), cnt.received.Load())
			case err := <-lost:
				return err
			case <-stop:
				return nil
			}
		}
	}, func(error) {
		close(stop)
	})
	g.Add(func() error {
		<-stop
		return nil
	}, func(error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Close(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "close error: %s\n", err)
		}
	})
	if err = g.Run(); err != nil && !errors.As(err, &run.SignalError{}) {
		return err
	}
	fmt.Printf("messages sent %d, blobs uploaded %d\n", cnt.sent.Load(), cnt.blobs.Load())
	return nil
}

func register(c *iotdevice.Client, cnt *counters) {
	c.SetMessageCallback(func(msg *common.Message) transport.Disposition {
		n := cnt.received.Add(1)
		fmt.Printf("Received Message [%d]:\n%s", n, msg.Inspect())
		return transport.Accepted
	})
	c.SetTwinCallback(func(state transport.TwinUpdateState, payload []byte) {
		n := cnt.twins.Add(1)
		fmt.Printf("Twin callback [%d] with updateStatus = %s\npayload = %s\n", n, state, payload)
	})
	c.SetMethodCallback(func(method string, payload []byte) (int, []byte) {
		n := cnt.methods.Add(1)
		fmt.Printf("Method callback [%d] %s with payload = %s\n", n, method, payload)
		return 200, []byte(`{"Response":"This is the response from the device"}`)
	})
}

func confirm(cnt *counters) iotdevice.SendConfirmationHandler {
	return func(msg *common.Message, result iotdevice.Result, userContext interface{}) {
		n := cnt.sent.Add(1)
		fmt.Printf("Confirmation[%v] received for message with result = %s\n", userContext, result)
		fmt.Printf("    message_id: %s\n    correlation_id: %s\n    Properties: %s\n",
			msg.MessageID, msg.CorrelationID, common.FormatProperties(msg.Properties))
		fmt.Printf("    Total calls confirmed: %d\n", n)
	}
}

func statusMessage(filename, status string) *common.Message {
	return common.NewMessage([]byte(fmt.Sprintf(`{"filename":%q,"status":%q}`, filename, status)))
}

// uploadFile announces the upload and uploads <unix-ms>.txt,
// the completion event is sent from the upload callback.
func uploadFile(c *iotdevice.Client, cnt *counters) error {
	filename := fmt.Sprintf("%d.txt", time.Now().UnixNano()/int64(time.Millisecond))
	if _, err := c.SendEventAsync(context.Background(),
		statusMessage(filename, "start"), confirm(cnt), "start"); err != nil {
		return err
	}
	_, err := c.UploadBlobAsync(context.Background(), filename,
		strings.NewReader(contentFlag), int64(len(contentFlag)),
		func(result iotdevice.Result, err error, userContext interface{}) {
			n := cnt.blobs.Add(1)
			fmt.Printf("Blob upload confirmation[%v] received with result = %s\n", userContext, result)
			if err != nil {
				fmt.Printf("    error: %s\n", err)
			}
			fmt.Printf("    Total calls confirmed: %d\n", n)
			if _, err := c.SendEventAsync(context.Background(),
				statusMessage(filename, "complete"), confirm(cnt), "complete"); err != nil {
				fmt.Fprintf(os.Stderr, "send error: %s\n", err)
			}
		}, filename)
	return err
}
