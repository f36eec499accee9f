package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/convsync/internal/api"
	"github.com/matheus3301/convsync/internal/lock"
	"github.com/matheus3301/convsync/internal/session"
)

// command maps CLI arguments to a Mirror request.
type command struct {
	method  string
	usage   string
	minArgs int
	request func(args []string) (map[string]any, error)
}

func conv(args []string) (map[string]any, error) {
	return map[string]any{"conversation": args[0]}, nil
}

func toggle(key string, value bool) func([]string) (map[string]any, error) {
	return func(args []string) (map[string]any, error) {
		return map[string]any{"conversation": args[0], key: value}, nil
	}
}

func participant(args []string) (map[string]any, error) {
	return map[string]any{"conversation": args[0], "user": args[1]}, nil
}

func none([]string) (map[string]any, error) { return nil, nil }

func anyList(in []string) []any {
	out := make([]any, 0, len(in))
	for _, s := range in {
		out = append(out, s)
	}
	return out
}

var commands = map[string]command{
	"status":  {method: "Status", usage: "status", request: none},
	"pending": {method: "PendingChanges", usage: "pending", request: none},
	"refetch": {method: "Refetch", usage: "refetch", request: none},
	"logout":  {method: "Logout", usage: "logout", request: none},
	"lists": {method: "ListConversations", usage: "lists [unarchived|all|archived|pending|cleared]",
		request: func(args []string) (map[string]any, error) {
			if len(args) == 0 {
				return nil, nil
			}
			return map[string]any{"list": args[0]}, nil
		}},
	"show":      {method: "ShowConversation", usage: "show <conversation>", minArgs: 1, request: conv},
	"knock":     {method: "AppendKnock", usage: "knock <conversation>", minArgs: 1, request: conv},
	"clear":     {method: "ClearHistory", usage: "clear <conversation>", minArgs: 1, request: conv},
	"archive":   {method: "Archive", usage: "archive <conversation>", minArgs: 1, request: toggle("archived", true)},
	"unarchive": {method: "Archive", usage: "unarchive <conversation>", minArgs: 1, request: toggle("archived", false)},
	"mute":      {method: "Mute", usage: "mute <conversation>", minArgs: 1, request: toggle("muted", true)},
	"unmute":    {method: "Mute", usage: "unmute <conversation>", minArgs: 1, request: toggle("muted", false)},
	"add":       {method: "AddParticipant", usage: "add <conversation> <user>", minArgs: 2, request: participant},
	"remove":    {method: "RemoveParticipant", usage: "remove <conversation> <user>", minArgs: 2, request: participant},
	"send": {method: "AppendText", usage: "send <conversation> <text...>", minArgs: 2,
		request: func(args []string) (map[string]any, error) {
			return map[string]any{"conversation": args[0], "text": strings.Join(args[1:], " ")}, nil
		}},
	"read": {method: "SetVisibleWindow", usage: "read <conversation> <from-nonce> <to-nonce>", minArgs: 3,
		request: func(args []string) (map[string]any, error) {
			return map[string]any{"conversation": args[0], "from": args[1], "to": args[2]}, nil
		}},
	"rename": {method: "Rename", usage: "rename <conversation> <name...>", minArgs: 2,
		request: func(args []string) (map[string]any, error) {
			return map[string]any{"conversation": args[0], "name": strings.Join(args[1:], " ")}, nil
		}},
	"create": {method: "CreateGroup", usage: "create <name> [member...]", minArgs: 1,
		request: func(args []string) (map[string]any, error) {
			return map[string]any{"name": args[0], "members": anyList(args[1:])}, nil
		}},
	"apply": {method: "ApplyEvents", usage: "apply <events.json|->", minArgs: 1,
		request: func(args []string) (map[string]any, error) {
			var raw []byte
			var err error
			if args[0] == "-" {
				raw, err = io.ReadAll(os.Stdin)
			} else {
				raw, err = os.ReadFile(args[0])
			}
			if err != nil {
				return nil, err
			}
			return map[string]any{"events": string(raw)}, nil
		}},
}

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Usage = printUsage
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fail("%v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	if args[0] == "sessions" {
		listSessions()
		return
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if len(args)-1 < cmd.minArgs {
		fail("usage: convsyncctl %s", cmd.usage)
	}
	req, err := cmd.request(args[1:])
	if err != nil {
		fail("%v", err)
	}

	c, err := api.Dial(session.SocketPath(sessionName))
	if err != nil {
		fail("cannot connect to daemon for session %q: %v", sessionName, err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	resp, err := c.Call(ctx, cmd.method, req)
	if err != nil {
		cancel()
		fail("%v", err)
	}
	if *jsonFlag || cmd.method != "Status" {
		outputJSON(resp)
		return
	}
	printStatus(resp)
}

// listSessions reads the session tree directly, so it works without a daemon.
func listSessions() {
	names, err := session.List()
	if err != nil {
		fail("%v", err)
	}
	if len(names) == 0 {
		fmt.Println("No sessions found.")
		return
	}
	for _, name := range names {
		state := "stopped"
		if h, err := lock.ReadHolder(session.Dir(name)); err == nil && h != nil {
			state = fmt.Sprintf("running, PID %d", h.PID)
		}
		fmt.Printf("%-20s %s (%s)\n", name, session.Dir(name), state)
	}
}

func printStatus(resp *structpb.Struct) {
	f := resp.GetFields()
	fmt.Printf("Session: %s\n", f["session"].GetStringValue())
	fmt.Printf("Status:  %s\n", f["status"].GetStringValue())
	fmt.Printf("Uptime:  %dms\n", int64(f["uptime_ms"].GetNumberValue()))
	if acc, ok := f["account"]; ok {
		fmt.Printf("Account: %s (logged in: %v)\n", acc.GetStringValue(), f["logged_in"].GetBoolValue())
	}
	fmt.Printf("Pending: %d\n", int64(f["pending_changes"].GetNumberValue()))
	for name, n := range f["lists"].GetStructValue().GetFields() {
		fmt.Printf("  %-12s %d\n", name, int64(n.GetNumberValue()))
	}
}

func outputJSON(resp *structpb.Struct) {
	out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(resp)
	if err != nil {
		fail("json encode error: %v", err)
	}
	fmt.Println(string(out))
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: convsyncctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  sessions")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %s\n", commands[name].usage)
	}
}
