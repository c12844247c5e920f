package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/intentcanvas/agui/agui"
)

const AguiCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Agent gateway control.

Usage:
    aguictl state --gateway_url=<gateway_url> [--jwt=<jwt>]
    aguictl tail --gateway_url=<gateway_url> [--jwt=<jwt>]
        [--message_count=<message_count>]
    aguictl send --gateway_url=<gateway_url> [--jwt=<jwt>]
        <command> [<params_json>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --gateway_url=<gateway_url>      Gateway url (http(s) or ws(s)).
    --jwt=<jwt>                      Your gateway JWT.
    --message_count=<message_count>  Print this many messages then exit.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], AguiCtlVersion)
	if err != nil {
		panic(err)
	}

	if state_, _ := opts.Bool("state"); state_ {
		state(opts)
	} else if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(opts)
	}
}

func newClient(ctx context.Context, opts docopt.Opts) *agui.Client {
	gatewayUrl, _ := opts.String("--gateway_url")

	settings := agui.DefaultClientSettings()
	settings.GatewayUrl = gatewayUrl
	if jwt, err := opts.String("--jwt"); err == nil && jwt != "" {
		settings.Auth = &agui.ClientAuth{
			ByJwt:      jwt,
			AppVersion: AguiCtlVersion,
		}
	}

	client, err := agui.NewClient(ctx, settings)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	return client
}

func state(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newClient(ctx, opts)
	defer client.Close()

	synced := make(chan struct{})
	client.AddSyncStatusCallback(func(syncStatus agui.SyncStatus) {
		if syncStatus.IsSynced {
			select {
			case synced <- struct{}{}:
			default:
			}
		}
	})
	client.Connect()

	select {
	case <-synced:
	case <-time.After(30 * time.Second):
		Err.Fatalf("timeout waiting for state sync")
	}

	stateJson, err := json.MarshalIndent(client.LocalState(), "", "  ")
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s\n", stateJson)
}

func tail(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messageCount := -1
	if messageCountStr, err := opts.String("--message_count"); err == nil {
		if parsed, err := strconv.Atoi(messageCountStr); err == nil {
			messageCount = parsed
		}
	}

	client := newClient(ctx, opts)
	defer client.Close()

	done := make(chan struct{})
	printed := 0
	client.AddMessageCallback(func(envelope *agui.Envelope) {
		messageJson, err := json.Marshal(envelope)
		if err != nil {
			return
		}
		Out.Printf("%s\n", messageJson)
		printed += 1
		if printed == messageCount {
			close(done)
		}
	})
	client.Connect()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-done:
	case <-sigs:
	}
}

func send(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	command, _ := opts.String("<command>")
	var params any
	if paramsJson, err := opts.String("<params_json>"); err == nil && paramsJson != "" {
		if err := json.Unmarshal([]byte(paramsJson), &params); err != nil {
			Err.Fatalf("invalid params json: %s", err)
		}
	}

	client := newClient(ctx, opts)
	defer client.Close()

	connected := make(chan struct{})
	client.AddConnectionStateCallback(func(status agui.ConnectionStatus) {
		if status.State == agui.ConnectionStateOpen {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})
	client.Connect()

	select {
	case <-connected:
	case <-time.After(30 * time.Second):
		Err.Fatalf("timeout connecting to gateway")
	}

	envelope, err := client.SendCommand(command, params)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("sent %s\n", envelope.MessageId)
}
