package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/nugget/relay/internal/agent"
	"github.com/nugget/relay/internal/mcp"
)

// runProcess reads a stream of ingestion events and writes one bundle
// per admitted event to stdout, one JSON document per line. Duplicates
// are skipped; an event that fails admission is logged and the stream
// continues. Cancelling ctx stops after the current event.
func runProcess(ctx context.Context, in io.Reader, stdout, stderr io.Writer, configPath string, lookup func(string) (string, bool)) error {
	cfg, logger, err := setup(configPath, stderr, lookup)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	dec := json.NewDecoder(in)
	enc := json.NewEncoder(stdout)
	var processed, duplicates, failed int
	for {
		var ev agent.Ingestion
		if err := dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("decode event %d: %w", processed+duplicates+failed+1, err)
		}

		b, err := a.orch.Process(ctx, ev)
		switch {
		case err == nil:
			if err := enc.Encode(b); err != nil {
				return fmt.Errorf("write bundle: %w", err)
			}
			processed++
		case errors.Is(err, agent.ErrDuplicateEvent):
			duplicates++
		case errors.Is(err, agent.ErrNoTools), ctx.Err() != nil:
			return err
		default:
			logger.Error("event not processed", "event_id", ev.EventID, "error", err)
			failed++
		}
	}

	logger.Info("stream complete", "bundles", processed, "duplicates", duplicates, "failed", failed)
	if failed > 0 {
		return fmt.Errorf("%d events not processed", failed)
	}
	return nil
}

// checkResult is the outcome of one server handshake.
type checkResult struct {
	Server          string   `json:"server"`
	OK              bool     `json:"ok"`
	ProtocolVersion string   `json:"protocol_version,omitempty"`
	ServerName      string   `json:"server_name,omitempty"`
	ServerVersion   string   `json:"server_version,omitempty"`
	Capabilities    []string `json:"capabilities,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// runCheck handshakes with every configured server and reports the
// negotiated protocol and capabilities.
func runCheck(ctx context.Context, stdout, stderr io.Writer, configPath, output string, lookup func(string) (string, bool)) error {
	cfg, logger, err := setup(configPath, stderr, lookup)
	if err != nil {
		return err
	}
	pool, err := mcp.NewPool(cfg.MCPServers, mcp.PoolOptions{
		HandshakeTimeout: cfg.Execution.HandshakeTimeout,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	defer pool.Close(context.WithoutCancel(ctx))

	results := checkServers(ctx, pool)

	if output == "json" {
		if err := writeJSON(stdout, results); err != nil {
			return err
		}
	} else {
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SERVER\tSTATUS\tPROTOCOL\tIMPLEMENTATION\tCAPABILITIES")
		for _, r := range results {
			if !r.OK {
				fmt.Fprintf(tw, "%s\tFAIL\t-\t-\t%s\n", r.Server, r.Error)
				continue
			}
			fmt.Fprintf(tw, "%s\tok\t%s\t%s %s\t%s\n", r.Server, r.ProtocolVersion, r.ServerName, r.ServerVersion, strings.Join(r.Capabilities, ","))
		}
		tw.Flush()
	}

	for _, r := range results {
		if !r.OK {
			return errCheckFailed
		}
	}
	return nil
}

func checkServers(ctx context.Context, pool *mcp.Pool) []checkResult {
	var results []checkResult
	for _, name := range pool.Names() {
		c, _ := pool.Client(name)
		r := checkResult{Server: name}
		sess, err := c.Handshake(ctx)
		if err != nil {
			r.Error = err.Error()
			results = append(results, r)
			continue
		}
		r.OK = true
		r.ProtocolVersion = sess.ProtocolVersion()
		r.ServerName = sess.ServerInfo().Name
		r.ServerVersion = sess.ServerInfo().Version
		r.Capabilities = slices.Sorted(maps.Keys(sess.Capabilities()))
		c.Discard(ctx, sess, "health check")
		results = append(results, r)
	}
	return results
}

// toolInfo is one registered action as listed by the tools command.
type toolInfo struct {
	Tool     string   `json:"tool"`
	Action   string   `json:"action"`
	Server   string   `json:"server,omitempty"`
	Category string   `json:"category,omitempty"`
	Intents  []string `json:"intents,omitempty"`
}

// runTools lists every registered action after discovery.
func runTools(ctx context.Context, stdout, stderr io.Writer, configPath, output string, lookup func(string) (string, bool)) error {
	cfg, logger, err := setup(configPath, stderr, lookup)
	if err != nil {
		return err
	}
	pool, registry, err := buildRegistry(ctx, cfg, logger, nil, nil)
	if err != nil {
		return err
	}
	defer pool.Close(context.WithoutCancel(ctx))

	var list []toolInfo
	for _, t := range registry.List() {
		for _, act := range t.Actions {
			list = append(list, toolInfo{
				Tool:     t.Name,
				Action:   act.Name,
				Server:   t.Server,
				Category: t.Category,
				Intents:  act.Intents,
			})
		}
	}

	if output == "json" {
		return writeJSON(stdout, list)
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tACTION\tSERVER\tCATEGORY\tINTENTS")
	for _, ti := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", ti.Tool, ti.Action, orDash(ti.Server), orDash(ti.Category), orDash(strings.Join(ti.Intents, ",")))
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
