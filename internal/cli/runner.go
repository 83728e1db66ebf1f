package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/windowcourt/court/internal/api"
	"github.com/windowcourt/court/internal/config"
	"github.com/windowcourt/court/internal/db"
	"github.com/windowcourt/court/internal/model"
)

// Runner implements the court inspection CLI against whichever process
// currently holds the coordinator socket.
type Runner struct {
	baseURL string
	client  *http.Client
	out     io.Writer
	errOut  io.Writer
}

func NewRunner(socketPath string, out, errOut io.Writer) *Runner {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return NewRunnerWithClient("http://unix", &http.Client{Transport: transport}, out, errOut)
}

func NewRunnerWithClient(baseURL string, client *http.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Runner{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		out:     out,
		errOut:  errOut,
	}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	socketPath, rest, err := parseGlobalArgs(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if socketPath != "" && r.baseURL == "http://unix" {
		*r = *NewRunner(socketPath, r.out, r.errOut)
	}
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "health":
		return r.runHealth(ctx, rest[1:])
	case "monarch":
		return r.runMonarch(ctx, rest[1:])
	case "peasants":
		return r.runPeasants(ctx, rest[1:])
	case "propose":
		return r.runPropose(ctx, rest[1:])
	case "remove":
		return r.runRemove(ctx, rest[1:])
	case "events":
		return r.runEvents(ctx, rest[1:])
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

func parseGlobalArgs(args []string) (string, []string, error) {
	socket := config.DefaultConfig().SocketPath()
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "--socket" {
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("--socket requires value")
			}
			socket = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	return socket, rest, nil
}

func (r *Runner) runHealth(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	body, err := r.request(ctx, http.MethodGet, "/v1/health", nil)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		_, _ = r.out.Write(body)
		_, _ = fmt.Fprintln(r.out)
		return 0
	}
	var resp api.HealthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintf(r.out, "%s pid=%d reign=%s\n", resp.Status, resp.PID, resp.ReignID)
	return 0
}

func (r *Runner) runMonarch(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("monarch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	body, err := r.request(ctx, http.MethodGet, "/v1/monarch", nil)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		_, _ = r.out.Write(body)
		_, _ = fmt.Fprintln(r.out)
		return 0
	}
	var env api.MonarchEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintf(r.out, "pid=%d reign=%s peasants=%d since=%s\n",
		env.PID, env.ReignID, env.PeasantCount, env.StartedAt.Format(time.RFC3339))
	return 0
}

func (r *Runner) runPeasants(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("peasants", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	body, err := r.request(ctx, http.MethodGet, "/v1/peasants", nil)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		_, _ = r.out.Write(body)
		_, _ = fmt.Fprintln(r.out)
		return 0
	}
	var env api.PeasantsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return r.handleErr(err)
	}
	for _, p := range env.Peasants {
		name := p.WindowName
		if name == "" {
			name = "-"
		}
		lastActivated := p.LastActivatedAt
		if lastActivated == "" {
			lastActivated = "-"
		}
		_, _ = fmt.Fprintf(r.out, "%d\t%d\t%s\t%s\n", p.PeasantID, p.PID, name, lastActivated)
	}
	return 0
}

func (r *Runner) runPropose(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("propose", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cwd := fs.String("cwd", "", "working directory")
	window := fs.String("window", "", "target window id or name")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	req := api.ProposeRequest{
		Args: model.CommandlineArgs{
			Args:         fs.Args(),
			Cwd:          strings.TrimSpace(*cwd),
			TargetWindow: strings.TrimSpace(*window),
			ActivatedAt:  time.Now().UTC(),
		},
	}
	body, err := r.request(ctx, http.MethodPost, "/v1/propose", req)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		_, _ = r.out.Write(body)
		_, _ = fmt.Fprintln(r.out)
		return 0
	}
	var resp api.ProposeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return r.handleErr(err)
	}
	if resp.ShouldCreateWindow {
		_, _ = fmt.Fprintln(r.out, "create new window")
		return 0
	}
	_, _ = fmt.Fprintf(r.out, "routed to window %d\n", resp.WindowID)
	return 0
}

func (r *Runner) runRemove(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("remove", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	id := fs.Int64("id", 0, "peasant id")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if *id <= 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: court remove --id <peasant-id>")
		return 2
	}
	if _, err := r.request(ctx, http.MethodDelete, fmt.Sprintf("/v1/peasants/%d", *id), nil); err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintf(r.out, "removed peasant %d\n", *id)
	return 0
}

// runEvents reads the journal database directly: history must stay readable
// even when no monarch is alive.
func (r *Runner) runEvents(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	limit := fs.Int("limit", 50, "max events")
	journalPath := fs.String("journal", "", "journal database path")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	cfg := config.DefaultConfig()
	path := strings.TrimSpace(*journalPath)
	if path == "" {
		path = cfg.JournalFile()
	}
	store, err := db.Open(ctx, path)
	if err != nil {
		return r.handleErr(err)
	}
	defer store.Close() //nolint:errcheck
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		return r.handleErr(err)
	}
	events, err := store.ListEvents(ctx, *limit)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		env := api.JournalEventsEnvelope{
			SchemaVersion: "v1",
			GeneratedAt:   time.Now().UTC(),
			Events:        make([]api.JournalEventItem, 0, len(events)),
		}
		for _, ev := range events {
			item := api.JournalEventItem{
				EventID:    ev.EventID,
				EventType:  ev.EventType,
				ReignID:    ev.ReignID,
				PID:        ev.PID,
				WindowName: ev.WindowName,
				Detail:     ev.Detail,
				CreatedAt:  ev.CreatedAt.UTC().Format(time.RFC3339Nano),
			}
			if ev.PeasantID != nil {
				id := int64(*ev.PeasantID)
				item.PeasantID = &id
			}
			env.Events = append(env.Events, item)
		}
		raw, err := json.Marshal(env)
		if err != nil {
			return r.handleErr(err)
		}
		_, _ = r.out.Write(raw)
		_, _ = fmt.Fprintln(r.out)
		return 0
	}
	for _, ev := range events {
		peasant := "-"
		if ev.PeasantID != nil {
			peasant = ev.PeasantID.String()
		}
		_, _ = fmt.Fprintf(r.out, "%s\t%s\tpid=%d\tpeasant=%s\t%s\n",
			ev.CreatedAt.Format(time.RFC3339), ev.EventType, ev.PID, peasant, ev.Detail)
	}
	return 0
}

func (r *Runner) request(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if unmarshalErr := json.Unmarshal(payload, &er); unmarshalErr == nil && er.Error.Code != "" {
			return nil, fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
		}
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return payload, nil
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, "usage: court [--socket <path>] <health|monarch|peasants|propose|remove|events> ...")
}
