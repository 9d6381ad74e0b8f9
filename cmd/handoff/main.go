package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"handoff/internal/client"
)

const usage = `usage:
  handoff send <file|dir>...
  handoff receive <code> [dir]

The server is read from HANDOFF_SERVER (default ` + client.DefaultServer + `).
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := os.Getenv("HANDOFF_SERVER")
	if server == "" {
		server = client.DefaultServer
	}
	c := client.New(server, nil, os.Stdout)

	var err error
	switch os.Args[1] {
	case "send":
		err = send(ctx, c, os.Args[2:])
	case "receive":
		err = receive(ctx, c, os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func send(ctx context.Context, c *client.Client, args []string) error {
	parsed, err := client.ParseArgs(args)
	if err != nil {
		return err
	}

	files, err := client.CollectFiles(parsed)
	if err != nil {
		return err
	}

	var total int64
	for _, f := range files {
		total += f.Size
	}
	fmt.Printf("Sending %d file(s), %s\n", len(files), humanize.Bytes(uint64(total)))

	session, err := c.Send(ctx, files)
	if err != nil {
		return err
	}

	fmt.Printf("\nShare code: %s\n", session.ShareCode)
	fmt.Printf("Expires %s (%s)\n", session.ExpiresAt.Local().Format(time.RFC1123), humanize.Time(session.ExpiresAt))
	return nil
}

func receive(ctx context.Context, c *client.Client, args []string) error {
	if len(args) == 0 || len(args) > 2 {
		return &client.ValidationError{Arg: "<code>", Cause: "expected a share code and optional directory"}
	}

	dir := "."
	if len(args) == 2 {
		dir = args[1]
	}

	written, err := c.Receive(ctx, args[0], dir)
	if err != nil {
		return err
	}

	fmt.Printf("\nReceived %d file(s) into %s\n", len(written), dir)
	return nil
}
