package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"go.uber.org/zap"

	"docsync/internal/auth"
	"docsync/internal/logger"
	"docsync/pkg/crdt"
	"docsync/pkg/provider"
)

const version = "0.1.0"

const usage = `docsync control.

Usage:
    docsyncctl token --secret=<secret> --user=<user_id> [--name=<name>] [--editor=<room>...] [--reader=<room>...] [--ttl=<ttl>]
    docsyncctl join <room> [--url=<url>] [--token=<token>] [--name=<name>] [--fallback-only] [--read-only] [--debug]
    docsyncctl sync <room> [--url=<url>] [--token=<token>]
    docsyncctl -h | --help
    docsyncctl --version

Options:
    -h --help            Show this screen.
    --version            Show version.
    --secret=<secret>    Server JWT secret.
    --user=<user_id>     Subject of the token.
    --name=<name>        Display name.
    --editor=<room>      Grant editor on room; "*" means every room.
    --reader=<room>      Grant reader on room.
    --ttl=<ttl>          Token lifetime [default: 24h].
    --url=<url>          Server base url [default: http://localhost:8080].
    --token=<token>      Bearer token.
    --fallback-only      Never open a WebSocket; use the poll endpoints only.
    --read-only          Do not forward local edits.
    --debug              Log at debug level.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(2)
	}

	switch {
	case flag(opts, "token"):
		err = issueToken(opts)
	case flag(opts, "join"):
		err = join(opts)
	case flag(opts, "sync"):
		err = syncOnce(opts)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func flag(opts docopt.Opts, name string) bool {
	v, _ := opts.Bool(name)
	return v
}

func values(opts docopt.Opts, name string) []string {
	v, _ := opts[name].([]string)
	return v
}

func issueToken(opts docopt.Opts) error {
	secret, _ := opts.String("--secret")
	userID, _ := opts.String("--user")
	name, _ := opts.String("--name")
	ttlStr, _ := opts.String("--ttl")

	ttl, err := time.ParseDuration(ttlStr)
	if err != nil {
		return fmt.Errorf("invalid --ttl: %w", err)
	}

	rooms := make(map[string]auth.Role)
	for _, room := range values(opts, "--reader") {
		rooms[room] = auth.RoleReader
	}
	for _, room := range values(opts, "--editor") {
		rooms[room] = auth.RoleEditor
	}

	token, err := auth.NewAuthenticator(secret, false, zap.NewNop().Sugar()).IssueToken(userID, name, rooms, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// join opens a session, prints the text on every change, and inserts every
// line read from stdin at the end of the document
func join(opts docopt.Opts) error {
	room, _ := opts.String("<room>")
	url, _ := opts.String("--url")
	token, _ := opts.String("--token")
	name, _ := opts.String("--name")

	level := "warn"
	if flag(opts, "--debug") {
		level = "debug"
	}
	base, err := logger.New(level, "console")
	if err != nil {
		return err
	}
	defer func() { _ = base.Sync() }()

	sessionOpts := []provider.Option{
		provider.WithBaseURL(url),
		provider.WithToken(token),
		provider.WithCanEdit(!flag(opts, "--read-only")),
		provider.WithLogger(base.Sugar()),
	}
	if flag(opts, "--fallback-only") {
		sessionOpts = append(sessionOpts, provider.WithFallbackOnly())
	}

	session, err := provider.Dial(room, sessionOpts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session.OnStateChange(func(s provider.State) {
		fmt.Fprintf(os.Stderr, "● %s\n", s)
	})
	unsubscribe := session.Doc().OnUpdate(func(_ []byte, _ any) {
		printText(session.Doc())
	})
	defer unsubscribe()

	session.Start(ctx)
	defer session.Close()

	if name != "" {
		if err := session.Awareness().SetLocalState(map[string]string{"name": name}); err != nil {
			return err
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := appendLine(session.Doc(), line); err != nil {
				fmt.Fprintf(os.Stderr, "⚠️  %v\n", err)
			}
		}
	}
}

func appendLine(doc *crdt.Doc, line string) error {
	if !doc.HasContent() {
		return fmt.Errorf("document not synced yet")
	}
	text, err := doc.Text()
	if err != nil {
		return err
	}
	if text != "" {
		line = "\n" + line
	}
	return doc.InsertText(nil, len([]rune(text)), line)
}

func printText(doc *crdt.Doc) {
	text, err := doc.Text()
	if err != nil {
		return
	}
	fmt.Printf("── %s ──\n%s\n", doc.Fingerprint(), text)
}

// syncOnce fetches the canonical state through the poll endpoint and prints it
func syncOnce(opts docopt.Opts) error {
	room, _ := opts.String("<room>")
	url, _ := opts.String("--url")
	token, _ := opts.String("--token")

	ctx, cancel := context.WithTimeout(context.Background(), provider.DefaultRequestTimeout)
	defer cancel()

	state, err := provider.NewPollClient(url, token, nil).Sync(ctx, room, crdt.New().EncodeStateAsUpdate())
	if err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("room %s returned no state", room)
	}
	doc, err := crdt.Load(state)
	if err != nil {
		return err
	}
	printText(doc)
	return nil
}
