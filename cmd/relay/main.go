// Relay routes inbound chat requests to MCP tool servers and prints the
// context bundle a response generator would receive.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]) and adjusted by
// RELAY_* environment variables.
//
// Usage:
//
//	relay init [dir]         Write an example config.yaml into dir
//	relay process [file]     Process ingestion events (JSON stream) from file or stdin
//	relay check              Handshake with every configured MCP server
//	relay tools              List registered tools and their intents
//	relay version            Print version and build information
//	relay -o json version    Output version information as JSON
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

	"github.com/nugget/relay/internal/buildinfo"
)

// main builds the OS-level environment and delegates to [run], so the
// whole command can be driven from tests.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:], os.LookupEnv); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the parsed global flags and command.
type options struct {
	configPath string
	output     string
	command    string
	args       []string
}

// parseArgs parses argv by hand; the flag package's globals would keep
// run from being called concurrently in tests.
func parseArgs(args []string) (options, error) {
	var o options
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "-config" && i+1 < len(args):
			o.configPath = args[i+1]
			i++
		case strings.HasPrefix(a, "-config="):
			o.configPath = strings.TrimPrefix(a, "-config=")
		case (a == "-o" || a == "--output") && i+1 < len(args):
			o.output = args[i+1]
			i++
		case strings.HasPrefix(a, "-o="):
			o.output = strings.TrimPrefix(a, "-o=")
		case strings.HasPrefix(a, "--output="):
			o.output = strings.TrimPrefix(a, "--output=")
		case a == "-h" || a == "-help" || a == "--help":
			o.command = "help"
		case o.command == "" && !strings.HasPrefix(a, "-"):
			o.command = a
		case o.command != "":
			o.args = append(o.args, a)
		default:
			return o, fmt.Errorf("unknown flag: %s", a)
		}
	}

	if o.output == "" {
		o.output = "text"
	}
	if o.output != "text" && o.output != "json" {
		return o, fmt.Errorf("unknown output format: %q (expected text or json)", o.output)
	}
	return o, nil
}

// run is the real entry point. stdout carries command output (bundles,
// tables); logs go to stderr. lookup resolves RELAY_* overrides.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string, lookup func(string) (string, bool)) error {
	o, err := parseArgs(args)
	if err != nil {
		return err
	}

	switch o.command {
	case "init":
		dir := "."
		if len(o.args) > 0 {
			dir = o.args[0]
		}
		return runInit(stdout, dir)
	case "process":
		in := stdin
		if len(o.args) > 0 && o.args[0] != "-" {
			f, err := os.Open(o.args[0])
			if err != nil {
				return fmt.Errorf("open events: %w", err)
			}
			defer f.Close()
			in = f
		}
		return runProcess(ctx, in, stdout, stderr, o.configPath, lookup)
	case "check":
		return runCheck(ctx, stdout, stderr, o.configPath, o.output, lookup)
	case "tools":
		return runTools(ctx, stdout, stderr, o.configPath, o.output, lookup)
	case "version":
		return runVersion(stdout, o.output)
	case "", "help":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", o.command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, output string) error {
	info := buildinfo.Info()
	if output == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Relay - MCP tool orchestration engine")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: relay [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  init [dir]      Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  process [file]  Process ingestion events from file (default: stdin)")
	fmt.Fprintln(w, "  check           Handshake with every configured MCP server")
	fmt.Fprintln(w, "  tools           List registered tools")
	fmt.Fprintln(w, "  version         Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// errCheckFailed reports that at least one server failed its handshake.
var errCheckFailed = errors.New("one or more MCP servers failed the handshake")
