package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/sushant-115/gojotx/api/httpapi"
)

const clientTimeout = 5 * time.Minute

var serverAddr = flag.String("addr", "http://localhost:8085", "Base URL of the gojotx server")

type client struct {
	base string
	http *http.Client
	out  io.Writer
}

// parseParams turns key=value arguments into service parameters. Values
// that parse as JSON keep their type, anything else is a string.
func parseParams(args []string) (map[string]any, error) {
	params := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("parameter %q is not key=value", arg)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			params[key] = decoded
		} else {
			params[key] = value
		}
	}
	return params, nil
}

func (c *client) call(req httpapi.CallRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("error marshalling request: %w", err)
	}
	resp, err := c.http.Post(c.base+"/api/call", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	var out httpapi.CallResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("error decoding response (status %s): %w", resp.Status, err)
	}
	if out.Error != "" {
		fmt.Fprintf(c.out, "Error (%s) on %s: %s\n", resp.Status, out.Worker, out.Error)
		for i, cause := range out.Chain {
			fmt.Fprintf(c.out, "  %d: %s\n", i, cause)
		}
		return nil
	}
	pretty, _ := json.MarshalIndent(out.Result, "", "  ")
	fmt.Fprintf(c.out, "OK on %s (task %s)\n%s\n", out.Worker, out.TaskID, pretty)
	return nil
}

func (c *client) status() error {
	resp, err := c.http.Get(c.base + "/status")
	if err != nil {
		return fmt.Errorf("error fetching status: %w", err)
	}
	defer resp.Body.Close()
	var st httpapi.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("error decoding status: %w", err)
	}
	fmt.Fprintf(c.out, "Live transactions: %d\nExecution contexts: %d\nServices:\n", st.LiveTransactions, st.ExecutionContexts)
	for _, name := range st.Services {
		fmt.Fprintf(c.out, "  %s\n", name)
	}
	return nil
}

var errExit = errors.New("exit")

// processCommand handles one command line.
func (c *client) processCommand(args []string) error {
	if len(args) == 0 {
		return nil
	}
	command := strings.ToLower(args[0])

	switch command {
	case "call", "new", "multi", "notx":
		if len(args) < 2 {
			return fmt.Errorf("%s requires a service name", command)
		}
		params, err := parseParams(args[2:])
		if err != nil {
			return err
		}
		return c.call(httpapi.CallRequest{
			Service:               args[1],
			Parameters:            params,
			RequireNewTransaction: command == "new",
			IgnoreTransaction:     command == "notx",
			Multi:                 command == "multi",
		})
	case "locks":
		if len(args) < 3 {
			return errors.New("locks requires <entityName> <pkString>")
		}
		return c.call(httpapi.CallRequest{Service: "get#RecordLockHolders",
			Parameters: map[string]any{"entityName": args[1], "pkString": args[2]}})
	case "status":
		return c.status()
	case "help":
		fmt.Fprintln(c.out, "Commands:")
		fmt.Fprintln(c.out, "  call <service> [key=value ...]    run in the caller's transaction policy")
		fmt.Fprintln(c.out, "  new <service> [key=value ...]     require a new transaction")
		fmt.Fprintln(c.out, "  notx <service> [key=value ...]    run without a transaction")
		fmt.Fprintln(c.out, "  multi <service> [key_0=value ...] run once per row in one transaction")
		fmt.Fprintln(c.out, "  locks <entityName> <pkString>")
		fmt.Fprintln(c.out, "  status")
		fmt.Fprintln(c.out, "  help")
		fmt.Fprintln(c.out, "  exit / quit")
		return nil
	case "exit", "quit":
		return errExit
	default:
		return errors.New("unknown command, type 'help' for a list of commands")
	}
}

func (c *client) shellLoop() {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            "gojotx> ",
		HistoryFile:       os.TempDir() + "/gojotx_cli.history",
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		log.Fatalf("Error starting shell: %v", err)
	}
	defer l.Close()

	for {
		line, err := l.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return
			}
			continue
		}
		err = c.processCommand(strings.Fields(line))
		if errors.Is(err, errExit) {
			return
		}
		if err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
		}
	}
}

func main() {
	log.SetFlags(0)
	flag.Parse()

	c := &client{base: strings.TrimRight(*serverAddr, "/"), http: &http.Client{Timeout: clientTimeout}, out: os.Stdout}
	if args := flag.Args(); len(args) > 0 {
		if err := c.processCommand(args); err != nil && !errors.Is(err, errExit) {
			log.Fatalf("Error: %v", err)
		}
		return
	}
	fmt.Println("gojotx CLI (interactive mode). Type 'help' for commands, 'exit' or 'quit' to leave.")
	c.shellLoop()
}
