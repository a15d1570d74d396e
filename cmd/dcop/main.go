package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tenzoki/agen/dcop/internal/client"
)

var errUsage = errors.New("usage")

const usageText = `usage: dcop [flags] <command> [args]

commands:
  list                                  registered applications
  registered <app>                      exit status 0 if app is registered
  call <app> <object> <method> [data]   call and print the reply
  send <app> <object> <method> [data]   one-way message, app may be a pattern
  emit <object> <signal> [data]         emit a signal as this client
  watch [<publisher> <signal>]          print signals, or registrations when no signal is given
  history [app] [limit]                 recent broker events
`

func main() {
	var (
		addressFile = flag.String("address-file", "", "broker address file (default: per-user runtime file)")
		name        = flag.String("name", "", "register under this name (default: anonymous)")
		timeout     = flag.Duration("timeout", client.DefaultTimeout, "call timeout")
	)
	flag.Usage = func() { fmt.Fprint(os.Stderr, usageText); flag.PrintDefaults() }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	c, err := client.DialAddressFile(dialCtx, *addressFile, client.Options{Timeout: *timeout})
	dialCancel()
	if err != nil {
		fatal("Failed to reach the DCOP server: %v", err)
	}
	defer c.Close()

	if _, err := c.Register(ctx, *name, *name != ""); err != nil {
		fatal("Failed to register: %v", err)
	}

	err = runCommand(ctx, c, flag.Args(), os.Stdout)
	switch {
	case errors.Is(err, errUsage):
		flag.Usage()
		c.Close()
		os.Exit(2)
	case errors.Is(err, errNotRegistered):
		c.Close()
		os.Exit(1)
	case err != nil:
		c.Close()
		fatal("%v", err)
	}
}

var errNotRegistered = errors.New("not registered")

// runCommand executes one subcommand over an already registered client.
func runCommand(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	cmd, args := args[0], args[1:]
	switch cmd {
	case "list":
		names, err := c.RegisteredApplications(ctx)
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Fprintln(out, n)
		}
		return nil

	case "registered":
		if len(args) != 1 {
			return errUsage
		}
		ok, err := c.IsRegistered(ctx, args[0])
		if err != nil {
			return err
		}
		if !ok {
			return errNotRegistered
		}
		return nil

	case "call":
		if len(args) < 3 || len(args) > 4 {
			return errUsage
		}
		reply, err := c.Call(ctx, args[0], args[1], args[2], data(args, 3))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\n", reply)
		return nil

	case "send":
		if len(args) < 3 || len(args) > 4 {
			return errUsage
		}
		if err := c.Send(args[0], args[1], args[2], data(args, 3)); err != nil {
			return err
		}
		// A round trip makes sure the broker has routed the message before we
		// disconnect.
		_, err := c.IsRegistered(ctx, args[0])
		return err

	case "emit":
		if len(args) < 2 || len(args) > 3 {
			return errUsage
		}
		if err := c.Emit(args[0], args[1], data(args, 2)); err != nil {
			return err
		}
		_, err := c.RegisteredApplications(ctx)
		return err

	case "watch":
		return watch(ctx, c, args, out)

	case "history":
		return history(ctx, c, args, out)
	}
	return errUsage
}

func watch(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	switch len(args) {
	case 0:
		err := c.SetNotify(ctx, func(app string, registered bool) {
			if registered {
				fmt.Fprintf(out, "+ %s\n", app)
			} else {
				fmt.Fprintf(out, "- %s\n", app)
			}
		})
		if err != nil {
			return err
		}
	case 2:
		err := c.Subscribe(ctx, args[0], args[1], false, func(s client.Signal) {
			fmt.Fprintf(out, "%s %s.%s %s\n", s.Sender, s.Object, s.Name, s.Payload)
		})
		if err != nil {
			return err
		}
	default:
		return errUsage
	}

	select {
	case <-ctx.Done():
		return nil
	case <-c.Done():
		return c.Err()
	}
}

func history(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	var app string
	limit := 20
	if len(args) > 2 {
		return errUsage
	}
	if len(args) > 0 {
		app = args[0]
	}
	if len(args) == 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return errUsage
		}
		limit = n
	}
	events, err := c.RecentEvents(ctx, app, limit)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(out)
	defer enc.Close()
	return enc.Encode(events)
}

func data(args []string, i int) []byte {
	if len(args) > i {
		return []byte(args[i])
	}
	return nil
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "dcop: "+format+"\n", args...)
	os.Exit(1)
}
