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
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/g960059/gsrfinder/internal/api"
	"github.com/g960059/gsrfinder/internal/config"
)

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
	case "buildings":
		return r.runBuildings(ctx, rest[1:])
	case "locate":
		return r.runLocate(ctx, rest[1:])
	case "room":
		return r.runRoom(ctx, rest[1:])
	case "host":
		return r.runHost(ctx, rest[1:])
	case "place":
		return r.runPlace(ctx, rest[1:])
	case "resolve":
		return r.runResolve(ctx, rest[1:])
	case "reset":
		return r.runStatusCommand(ctx, "reset", http.MethodPost, "/v1/reset", rest[1:])
	case "status":
		return r.runStatusCommand(ctx, "status", http.MethodGet, "/v1/status", rest[1:])
	case "anchors":
		return r.runAnchors(ctx, rest[1:])
	case "messages":
		return r.runMessages(ctx, rest[1:])
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

func parseGlobalArgs(args []string) (string, []string, error) {
	cfg := config.DefaultConfig()
	if err := cfg.ApplyEnv(nil); err != nil {
		return "", nil, err
	}
	socket := cfg.SocketPath
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

func newFlagSet(name string) (*flag.FlagSet, *bool) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs, fs.Bool("json", false, "output JSON")
}

func (r *Runner) parse(fs *flag.FlagSet, args []string) bool {
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return false
	}
	return true
}

// emit writes body verbatim with --json, otherwise decodes it into T and
// renders it.
func emit[T any](r *Runner, body []byte, jsonOut bool, render func(T)) int {
	if jsonOut {
		_, _ = r.out.Write(bytes.TrimRight(body, "\n"))
		_, _ = fmt.Fprintln(r.out)
		return 0
	}
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return r.handleErr(err)
	}
	render(v)
	return 0
}

func (r *Runner) runHealth(ctx context.Context, args []string) int {
	fs, jsonOut := newFlagSet("health")
	if !r.parse(fs, args) {
		return 2
	}
	body, err := r.request(ctx, http.MethodGet, "/v1/health", nil, nil)
	if err != nil {
		return r.handleErr(err)
	}
	return emit(r, body, *jsonOut, func(h api.HealthResponse) {
		_, _ = fmt.Fprintf(r.out, "%s\t%s\n", h.Status, h.StreamID)
	})
}

func (r *Runner) runBuildings(ctx context.Context, args []string) int {
	fs, jsonOut := newFlagSet("buildings")
	if !r.parse(fs, args) {
		return 2
	}
	body, err := r.request(ctx, http.MethodGet, "/v1/buildings", nil, nil)
	if err != nil {
		return r.handleErr(err)
	}
	return emit(r, body, *jsonOut, func(env api.BuildingsEnvelope) {
		for _, b := range env.Buildings {
			_, _ = fmt.Fprintf(r.out, "%s\t%.7f,%.7f\t%s\n", b.Name, b.Latitude, b.Longitude, strings.Join(b.Rooms, ","))
		}
	})
}

func (r *Runner) runLocate(ctx context.Context, args []string) int {
	fs, jsonOut := newFlagSet("locate")
	lat := fs.String("lat", "", "latitude")
	lng := fs.String("lng", "", "longitude")
	if !r.parse(fs, args) {
		return 2
	}
	if strings.TrimSpace(*lat) == "" || strings.TrimSpace(*lng) == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: gsrfinder locate --lat <deg> --lng <deg>")
		return 2
	}
	q := url.Values{}
	q.Set("lat", strings.TrimSpace(*lat))
	q.Set("lng", strings.TrimSpace(*lng))
	body, err := r.request(ctx, http.MethodGet, "/v1/locate", q, nil)
	if err != nil {
		return r.handleErr(err)
	}
	return emit(r, body, *jsonOut, func(loc api.LocateResponse) {
		_, _ = fmt.Fprintf(r.out, "%s\t%.1fm\t%s\n", loc.Building, loc.DistanceMeters, loc.Navigation)
	})
}

func (r *Runner) runRoom(ctx context.Context, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: gsrfinder room <new|get|list|store|delete>")
		return 2
	}
	switch args[0] {
	case "new":
		fs, jsonOut := newFlagSet("room new")
		if !r.parse(fs, args[1:]) {
			return 2
		}
		body, err := r.request(ctx, http.MethodPost, "/v1/rooms", nil, nil)
		if err != nil {
			return r.handleErr(err)
		}
		return emit(r, body, *jsonOut, func(resp api.RoomCodeResponse) {
			_, _ = fmt.Fprintf(r.out, "%d\n", resp.RoomCode)
		})
	case "get":
		fs, jsonOut := newFlagSet("room get")
		code, rest, ok := leadingRoomCode(args[1:])
		if !r.parse(fs, rest) {
			return 2
		}
		if !ok {
			_, _ = fmt.Fprintln(r.errOut, "usage: gsrfinder room get <code>")
			return 2
		}
		body, err := r.request(ctx, http.MethodGet, "/v1/rooms/"+strconv.FormatInt(code, 10), nil, nil)
		if err != nil {
			return r.handleErr(err)
		}
		return emit(r, body, *jsonOut, func(resp api.RoomResponse) {
			r.printRoom(resp.Room)
		})
	case "list":
		fs, jsonOut := newFlagSet("room list")
		location := fs.String("location", "", "only rooms at this location")
		if !r.parse(fs, args[1:]) {
			return 2
		}
		var q url.Values
		if strings.TrimSpace(*location) != "" {
			q = url.Values{"location": []string{strings.TrimSpace(*location)}}
		}
		body, err := r.request(ctx, http.MethodGet, "/v1/rooms", q, nil)
		if err != nil {
			return r.handleErr(err)
		}
		return emit(r, body, *jsonOut, func(env api.RoomsEnvelope) {
			for _, room := range env.Rooms {
				r.printRoom(room)
			}
		})
	case "store":
		fs, jsonOut := newFlagSet("room store")
		location := fs.String("location", "", "room location")
		anchorID := fs.String("anchor-id", "", "hosted cloud anchor id")
		code, rest, ok := leadingRoomCode(args[1:])
		if !r.parse(fs, rest) {
			return 2
		}
		if !ok || strings.TrimSpace(*anchorID) == "" {
			_, _ = fmt.Fprintln(r.errOut, "usage: gsrfinder room store <code> --location <name> --anchor-id <id>")
			return 2
		}
		body, err := r.request(ctx, http.MethodPut, "/v1/rooms/"+strconv.FormatInt(code, 10), nil, api.StoreRoomRequest{
			Location:       strings.TrimSpace(*location),
			HostedAnchorID: strings.TrimSpace(*anchorID),
		})
		if err != nil {
			return r.handleErr(err)
		}
		return emit(r, body, *jsonOut, func(resp api.RoomResponse) {
			r.printRoom(resp.Room)
		})
	case "delete":
		fs, _ := newFlagSet("room delete")
		code, rest, ok := leadingRoomCode(args[1:])
		if !r.parse(fs, rest) {
			return 2
		}
		if !ok {
			_, _ = fmt.Fprintln(r.errOut, "usage: gsrfinder room delete <code>")
			return 2
		}
		if _, err := r.request(ctx, http.MethodDelete, "/v1/rooms/"+strconv.FormatInt(code, 10), nil, nil); err != nil {
			return r.handleErr(err)
		}
		_, _ = fmt.Fprintf(r.out, "deleted %d\n", code)
		return 0
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown room command: %s\n", args[0])
		return 2
	}
}

func leadingRoomCode(args []string) (int64, []string, bool) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return 0, args, false
	}
	code, err := strconv.ParseInt(strings.TrimSpace(args[0]), 10, 64)
	if err != nil || code <= 0 {
		return 0, args[1:], false
	}
	return code, args[1:], true
}

func (r *Runner) printRoom(room api.RoomItem) {
	anchorID := room.HostedAnchorID
	if anchorID == "" {
		anchorID = "-"
	}
	building := room.Building
	if building == "" {
		building = "-"
	}
	_, _ = fmt.Fprintf(r.out, "%d\t%s\t%s\t%s\t%s\n", room.RoomCode, room.Location, anchorID, room.UpdatedAt, building)
}

func (r *Runner) runHost(ctx context.Context, args []string) int {
	fs, jsonOut := newFlagSet("host")
	location := fs.String("location", "", "room location to host for")
	if !r.parse(fs, args) {
		return 2
	}
	body, err := r.request(ctx, http.MethodPost, "/v1/host", nil, api.HostRequest{Location: strings.TrimSpace(*location)})
	if err != nil {
		return r.handleErr(err)
	}
	return emit(r, body, *jsonOut, r.printStatus)
}

func (r *Runner) runPlace(ctx context.Context, args []string) int {
	fs, jsonOut := newFlagSet("place")
	var req api.PlaceRequest
	fs.Float64Var(&req.X, "x", 0, "x in metres")
	fs.Float64Var(&req.Y, "y", 0, "y in metres")
	fs.Float64Var(&req.Z, "z", 0, "z in metres")
	fs.Float64Var(&req.QW, "qw", 0, "rotation quaternion w")
	fs.Float64Var(&req.QX, "qx", 0, "rotation quaternion x")
	fs.Float64Var(&req.QY, "qy", 0, "rotation quaternion y")
	fs.Float64Var(&req.QZ, "qz", 0, "rotation quaternion z")
	if !r.parse(fs, args) {
		return 2
	}
	body, err := r.request(ctx, http.MethodPost, "/v1/host/place", nil, req)
	if err != nil {
		return r.handleErr(err)
	}
	return emit(r, body, *jsonOut, func(resp api.PlaceResponse) {
		_, _ = fmt.Fprintf(r.out, "placed %s\n", resp.Handle)
	})
}

func (r *Runner) runResolve(ctx context.Context, args []string) int {
	fs, jsonOut := newFlagSet("resolve")
	roomCode := fs.Int64("room", 0, "resolve the anchor of a single room code")
	location := ""
	rest := args
	if len(rest) > 0 && !strings.HasPrefix(rest[0], "-") {
		location = rest[0]
		rest = rest[1:]
	}
	if !r.parse(fs, rest) {
		return 2
	}
	if location == "" && fs.NArg() > 0 {
		location = strings.Join(fs.Args(), " ")
	}
	location = strings.TrimSpace(location)
	if (location == "") == (*roomCode == 0) || *roomCode < 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: gsrfinder resolve <location> | gsrfinder resolve --room <code>")
		return 2
	}
	body, err := r.request(ctx, http.MethodPost, "/v1/resolve", nil, api.ResolveRequest{Location: location, RoomCode: *roomCode})
	if err != nil {
		return r.handleErr(err)
	}
	return emit(r, body, *jsonOut, r.printStatus)
}

func (r *Runner) runStatusCommand(ctx context.Context, name, method, path string, args []string) int {
	fs, jsonOut := newFlagSet(name)
	if !r.parse(fs, args) {
		return 2
	}
	body, err := r.request(ctx, method, path, nil, nil)
	if err != nil {
		return r.handleErr(err)
	}
	return emit(r, body, *jsonOut, r.printStatus)
}

func (r *Runner) printStatus(st api.StatusResponse) {
	line := "mode=" + st.Mode
	if st.RoomCode != 0 {
		line += fmt.Sprintf(" room=%d", st.RoomCode)
	}
	if st.Location != "" {
		line += " location=" + strconv.Quote(st.Location)
	}
	line += fmt.Sprintf(" anchors=%d pending_host=%d pending_resolve=%d", st.Anchors, st.PendingHost, st.PendingResolve)
	_, _ = fmt.Fprintln(r.out, line)
}

func (r *Runner) runAnchors(ctx context.Context, args []string) int {
	fs, jsonOut := newFlagSet("anchors")
	state := fs.String("state", "", "only anchors in this cloud state (e.g. SUCCESS)")
	if !r.parse(fs, args) {
		return 2
	}
	var q url.Values
	if strings.TrimSpace(*state) != "" {
		q = url.Values{"state": []string{strings.TrimSpace(*state)}}
	}
	body, err := r.request(ctx, http.MethodGet, "/v1/anchors", q, nil)
	if err != nil {
		return r.handleErr(err)
	}
	return emit(r, body, *jsonOut, func(env api.AnchorsEnvelope) {
		for _, a := range env.Anchors {
			visible := "hidden"
			if a.Visible {
				visible = "visible"
			}
			cloudID := a.CloudAnchorID
			if cloudID == "" {
				cloudID = "-"
			}
			_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\t%.3f,%.3f,%.3f\n",
				a.Handle, cloudID, a.CloudState, visible, a.Position[0], a.Position[1], a.Position[2])
		}
	})
}

func (r *Runner) runMessages(ctx context.Context, args []string) int {
	fs, jsonOut := newFlagSet("messages")
	limit := fs.Int("limit", 0, "number of recent messages")
	if !r.parse(fs, args) {
		return 2
	}
	if *limit < 0 {
		_, _ = fmt.Fprintln(r.errOut, "error: --limit must be positive")
		return 2
	}
	var q url.Values
	if *limit > 0 {
		q = url.Values{"limit": []string{strconv.Itoa(*limit)}}
	}
	body, err := r.request(ctx, http.MethodGet, "/v1/messages", q, nil)
	if err != nil {
		return r.handleErr(err)
	}
	return emit(r, body, *jsonOut, func(env api.MessagesEnvelope) {
		for _, m := range env.Messages {
			_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\n", m.CreatedAt, m.Level, m.Text)
		}
	})
}

func (r *Runner) request(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	u := r.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
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
	_, _ = fmt.Fprintln(r.errOut, "usage: gsrfinder [--socket <path>] <health|buildings|locate|room|host|place|resolve|reset|status|anchors|messages> ...")
}
