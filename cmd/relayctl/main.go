package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"snippet-relay/internal/adapter/broker"
	"snippet-relay/internal/infra/logger"
	"snippet-relay/pkg/relayclient"
)

const defaultURL = "ws://localhost:5234/ws"

var errUsage = errors.New("usage")

func main() {
	opts, err := parseArgs(os.Args[1:], os.Getenv)
	if err != nil {
		if errors.Is(err, errUsage) {
			showUsage()
			if len(os.Args) < 2 {
				os.Exit(2)
			}
			return
		}
		fmt.Fprintf(os.Stderr, "%v\n\nRun 'relayctl --help' for usage information.\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch opts.command {
	case "version":
		fmt.Println("relayctl", broker.Version)
	case "call":
		err = runCall(ctx, opts, os.Stdout)
	case "watch":
		err = runWatch(ctx, opts)
	case "discover":
		err = runDiscover(ctx, opts, os.Stdout)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`relayctl - snippet relay client

USAGE:
    relayctl [FLAGS] <command> [args]

COMMANDS:
    call <fn> [json-args]   Invoke a worker function and print its result
    watch                   Live view of broker presence and push events
    discover                Browse the local network for brokers (mdns builds)
    version                 Print the version

FLAGS:
    --url URL          Broker WebSocket URL (default: $RELAY_URL or ` + defaultURL + `)
    --token TOKEN      Bearer token (default: $RELAY_TOKEN)
    --timeout DUR      Call timeout (default: 30s, 0 disables)
    -h, --help         Show this help message

EXAMPLES:
    relayctl call "list snippets"
    relayctl call "add snippet" '{"name":"foo"}'
    relayctl watch`)
}

type cliOptions struct {
	url     string
	token   string
	timeout time.Duration
	command string
	args    []string
}

// parseArgs reads flags anywhere on the command line; the first non-flag word
// is the command and the rest are its arguments.
func parseArgs(args []string, getenv func(string) string) (cliOptions, error) {
	opts := cliOptions{
		url:     getenv("RELAY_URL"),
		token:   getenv("RELAY_TOKEN"),
		timeout: 30 * time.Second,
	}
	if opts.url == "" {
		opts.url = defaultURL
	}

	var positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		switch name {
		case "-h", "--help", "help":
			return opts, errUsage
		case "--version":
			opts.command = "version"
			return opts, nil
		case "--url", "--token", "--timeout":
			if !hasValue {
				if i+1 >= len(args) {
					return opts, fmt.Errorf("flag %s needs a value", name)
				}
				i++
				value = args[i]
			}
			switch name {
			case "--url":
				opts.url = value
			case "--token":
				opts.token = value
			case "--timeout":
				d, err := time.ParseDuration(value)
				if err != nil {
					return opts, fmt.Errorf("flag --timeout: %w", err)
				}
				opts.timeout = d
			}
		default:
			if strings.HasPrefix(arg, "--") && len(positional) == 0 {
				return opts, fmt.Errorf("unknown flag: %s", arg)
			}
			positional = append(positional, arg)
		}
	}

	if len(positional) == 0 {
		return opts, errUsage
	}
	opts.command, opts.args = positional[0], positional[1:]

	switch opts.command {
	case "version":
	case "call":
		if len(opts.args) < 1 || len(opts.args) > 2 {
			return opts, errors.New("call takes <fn> [json-args]")
		}
		if len(opts.args) == 2 && !json.Valid([]byte(opts.args[1])) {
			return opts, fmt.Errorf("call args are not valid JSON: %s", opts.args[1])
		}
	case "watch", "discover":
		if len(opts.args) != 0 {
			return opts, fmt.Errorf("%s takes no arguments", opts.command)
		}
	default:
		return opts, fmt.Errorf("unknown command: %s", opts.command)
	}
	return opts, nil
}

func newClient(opts cliOptions, extra ...relayclient.Option) *relayclient.Client {
	clientOpts := []relayclient.Option{
		relayclient.WithLogger(logger.Discard()),
	}
	if opts.token != "" {
		clientOpts = append(clientOpts, relayclient.WithToken(opts.token))
	}
	return relayclient.New(opts.url, append(clientOpts, extra...)...)
}

func runCall(ctx context.Context, opts cliOptions, out io.Writer) error {
	fn := opts.args[0]
	var args json.RawMessage
	if len(opts.args) == 2 {
		args = json.RawMessage(opts.args[1])
	}

	c := newClient(opts)
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", opts.url, err)
	}
	defer c.Close()

	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	result, err := c.Call(ctx, fn, args)
	if err != nil {
		return fmt.Errorf("%s: %w", fn, err)
	}
	return printResult(out, result)
}

func printResult(out io.Writer, result json.RawMessage) error {
	if len(result) == 0 {
		_, err := fmt.Fprintln(out, "null")
		return err
	}
	var v any
	if err := json.Unmarshal(result, &v); err != nil {
		_, err = fmt.Fprintln(out, string(result))
		return err
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(pretty))
	return err
}
