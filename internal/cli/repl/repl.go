package repl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"codejudge/internal/cli/command"
	httpclient "codejudge/internal/cli/http"
	pkgerrors "codejudge/pkg/errors"

	"github.com/google/shlex"
)

const lastAlias = "last"

// Options configures a session.
type Options struct {
	PrettyJSON   bool
	WaitInterval time.Duration
	WaitTimeout  time.Duration
}

// Session holds REPL state.
type Session struct {
	client       *httpclient.Client
	commands     map[string]command.Command
	opts         Options
	in           *bufio.Reader
	outputWriter *bufio.Writer
	lastID       string
}

func New(client *httpclient.Client, commands map[string]command.Command, opts Options, in io.Reader, out io.Writer) *Session {
	if opts.WaitInterval <= 0 {
		opts.WaitInterval = 500 * time.Millisecond
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 2 * time.Minute
	}
	return &Session{
		client:       client,
		commands:     commands,
		opts:         opts,
		in:           bufio.NewReader(in),
		outputWriter: bufio.NewWriter(out),
	}
}

// Run reads commands until exit or end of input.
func (s *Session) Run(ctx context.Context) {
	for {
		_, _ = s.outputWriter.WriteString("judge> ")
		_ = s.outputWriter.Flush()
		line, err := s.in.ReadString('\n')
		if err != nil && line == "" {
			if err != io.EOF {
				s.printLine("read input failed: %v", err)
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			s.printLine("bye")
			return
		}
		if s.handleSystemCommand(line) {
			continue
		}
		if err := s.Exec(ctx, line); err != nil {
			s.printLine("error: %v", err)
		}
	}
}

func (s *Session) handleSystemCommand(line string) bool {
	if line == "help" {
		s.printHelp()
		return true
	}
	if strings.HasPrefix(line, "set ") {
		s.handleSet(strings.TrimSpace(strings.TrimPrefix(line, "set ")))
		return true
	}
	if line == "show config" {
		s.printLine("base: %s", s.client.BaseURL())
		s.printLine("last submission: %s", s.lastID)
		return true
	}
	return false
}

func (s *Session) handleSet(args string) {
	parts := strings.Fields(args)
	if len(parts) < 2 {
		s.printLine("usage: set base <url> | set timeout <duration>")
		return
	}
	switch parts[0] {
	case "base":
		s.client.SetBaseURL(parts[1])
		s.printLine("base set to %s", parts[1])
	case "timeout":
		dur, err := time.ParseDuration(parts[1])
		if err != nil {
			s.printLine("invalid duration: %v", err)
			return
		}
		s.client.SetTimeout(dur)
		s.printLine("timeout set to %s", dur)
	default:
		s.printLine("unknown set command")
	}
}

// Exec runs one "<service> <action> key=value ..." line.
func (s *Session) Exec(ctx context.Context, line string) error {
	tokens, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse command failed: %w", err)
	}
	if len(tokens) < 2 {
		return fmt.Errorf("invalid command, use: <service> <action> key=value ...")
	}
	params := command.Params{}
	for _, token := range tokens[2:] {
		parts := strings.SplitN(token, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid param: %s", token)
		}
		params.Set(parts[0], parts[1])
	}

	key := tokens[0] + " " + tokens[1]
	if key == "judge wait" {
		return s.wait(ctx, params)
	}
	cmd, ok := s.commands[key]
	if !ok {
		return fmt.Errorf("unknown command: %s", key)
	}
	resp, err := s.send(ctx, cmd, params)
	if err != nil {
		return err
	}
	s.renderResponse(resp)
	s.rememberSubmission(cmd, resp.Body)
	return nil
}

func (s *Session) send(ctx context.Context, cmd command.Command, params command.Params) (httpclient.ResponseInfo, error) {
	params.Canonicalize(cmd.Fields)
	if params.Get("id") == lastAlias {
		if s.lastID == "" {
			return httpclient.ResponseInfo{}, fmt.Errorf("no submission yet")
		}
		params.Set("id", s.lastID)
	}
	if params.Get("source_file") != "" && params.Get("source") == "" {
		params.Set("source", command.FileMarker)
	}
	if err := s.promptMissing(cmd, params); err != nil {
		return httpclient.ResponseInfo{}, err
	}
	req, err := command.BuildRequest(cmd, params)
	if err != nil {
		return httpclient.ResponseInfo{}, err
	}
	return s.client.Do(ctx, req.Method, req.Path, req.Headers, req.Body)
}

// wait polls the status endpoint until the submission is finished.
func (s *Session) wait(ctx context.Context, params command.Params) error {
	cmd := s.commands["judge status"]
	if params.Get("id") == "" && params.Get("submission_id") == "" {
		params.Set("id", lastAlias)
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.WaitTimeout)
	defer cancel()

	ticker := time.NewTicker(s.opts.WaitInterval)
	defer ticker.Stop()
	lastStatus := ""
	for {
		resp, err := s.send(ctx, cmd, params)
		if err != nil {
			return err
		}
		status, finished, err := decodeStatus(resp.Body)
		if err != nil {
			s.renderResponse(resp)
			return err
		}
		if status != lastStatus {
			s.printLine("status: %s", status)
			lastStatus = status
		}
		if finished {
			s.renderResponse(resp)
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("gave up waiting: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decodeStatus(body []byte) (string, bool, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", false, fmt.Errorf("decode response failed: %w", err)
	}
	if env.Code != int(pkgerrors.Success) {
		return "", false, fmt.Errorf("server error %d: %s", env.Code, env.Message)
	}
	var data struct {
		Status   string `json:"status"`
		Finished bool   `json:"finished"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", false, fmt.Errorf("decode status failed: %w", err)
	}
	return data.Status, data.Finished, nil
}

func (s *Session) rememberSubmission(cmd command.Command, body []byte) {
	if cmd.Key() != "judge submit" {
		return
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil || env.Code != int(pkgerrors.Success) {
		return
	}
	var data struct {
		SubmissionID string `json:"submission_id"`
	}
	if err := json.Unmarshal(env.Data, &data); err == nil && data.SubmissionID != "" {
		s.lastID = data.SubmissionID
	}
}

// LastSubmission returns the id of the most recent accepted submit.
func (s *Session) LastSubmission() string {
	return s.lastID
}

func (s *Session) promptMissing(cmd command.Command, params command.Params) error {
	for _, field := range cmd.Fields {
		if !field.Required || params.Get(field.Name) != "" {
			continue
		}
		value, err := s.promptValue(field.Prompt)
		if err != nil {
			return err
		}
		params.Set(field.Name, value)
	}
	return nil
}

func (s *Session) promptValue(prompt string) (string, error) {
	s.printLine("%s:", prompt)
	line, err := s.in.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read input failed: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func (s *Session) renderResponse(resp httpclient.ResponseInfo) {
	s.printLine("HTTP %d (%s)", resp.StatusCode, resp.Duration)
	if len(resp.Body) == 0 {
		return
	}
	if s.opts.PrettyJSON {
		var raw interface{}
		if err := json.Unmarshal(resp.Body, &raw); err == nil {
			formatted, _ := json.MarshalIndent(raw, "", "  ")
			s.printLine("%s", string(formatted))
			return
		}
	}
	s.printLine("%s", string(resp.Body))
}

func (s *Session) printHelp() {
	s.printLine("usage: <service> <action> key=value ...")
	s.printLine("system: help | exit | set base|timeout <value> | show config")
	s.printLine("examples:")
	s.printLine("  judge submit problem_id=p1 source_file=./main.cpp")
	s.printLine("  judge submit problem_id=p1 lang=python source=\"print(3)\" contest=c1 participant=u1")
	s.printLine("  judge status id=last")
	s.printLine("  judge wait")
	s.printLine("  judge list problem=p1 status=ACCEPTED page=1")
	s.printLine("  judge health")
}

func (s *Session) printLine(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(s.outputWriter, format+"\n", args...)
	_ = s.outputWriter.Flush()
}
