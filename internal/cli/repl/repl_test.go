package repl_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"codejudge/internal/cli/command"
	httpclient "codejudge/internal/cli/http"
	"codejudge/internal/cli/repl"
)

func newJudgeServer(t *testing.T, polls *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/judge/submissions", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["problem_id"] != "p1" || r.Header.Get("X-Trace-Id") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"code":0,"message":"Queued","data":{"submission_id":"s-1","status":"PENDING"}}`))
	})
	mux.HandleFunc("/api/v1/judge/submissions/s-1", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(polls, 1)
		status, finished := "PENDING", false
		if n >= 3 {
			status, finished = "ACCEPTED", true
		}
		data, _ := json.Marshal(map[string]interface{}{"status": status, "finished": finished})
		_, _ = w.Write([]byte(`{"code":0,"message":"Success","data":` + string(data) + `}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newSession(srv *httptest.Server, in string, out *bytes.Buffer) *repl.Session {
	client := httpclient.New(srv.URL, time.Second)
	return repl.New(client, command.Registry(), repl.Options{
		WaitInterval: 5 * time.Millisecond,
		WaitTimeout:  2 * time.Second,
	}, strings.NewReader(in), out)
}

func TestSubmitThenWait(t *testing.T) {
	var polls int32
	srv := newJudgeServer(t, &polls)
	var out bytes.Buffer
	s := newSession(srv, "", &out)
	ctx := context.Background()

	if err := s.Exec(ctx, `judge submit problem_id=p1 source="int main() {}"`); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if s.LastSubmission() != "s-1" {
		t.Fatalf("expected last submission s-1, got %q", s.LastSubmission())
	}
	if err := s.Exec(ctx, "judge wait"); err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if atomic.LoadInt32(&polls) != 3 {
		t.Fatalf("expected three polls, got %d", polls)
	}
	text := out.String()
	if !strings.Contains(text, "status: PENDING") || !strings.Contains(text, "status: ACCEPTED") {
		t.Fatalf("unexpected output:\n%s", text)
	}
	if strings.Count(text, "status: PENDING") != 1 {
		t.Fatalf("repeated statuses must print once:\n%s", text)
	}
}

func TestStatusLastWithoutSubmission(t *testing.T) {
	var polls int32
	srv := newJudgeServer(t, &polls)
	var out bytes.Buffer
	s := newSession(srv, "", &out)
	if err := s.Exec(context.Background(), "judge status id=last"); err == nil {
		t.Fatalf("expected error without prior submission")
	}
}

func TestPromptsForMissingFields(t *testing.T) {
	var polls int32
	srv := newJudgeServer(t, &polls)
	var out bytes.Buffer
	s := newSession(srv, "s-1\n", &out)
	if err := s.Exec(context.Background(), "judge status"); err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out.String(), "submission_id:") || atomic.LoadInt32(&polls) != 1 {
		t.Fatalf("expected prompt and one request, got:\n%s", out.String())
	}
}

func TestRunStopsAtExit(t *testing.T) {
	var polls int32
	srv := newJudgeServer(t, &polls)
	var out bytes.Buffer
	s := newSession(srv, "help\nbogus cmd\nexit\njudge health\n", &out)
	s.Run(context.Background())
	text := out.String()
	if !strings.Contains(text, "usage:") || !strings.Contains(text, "unknown command: bogus cmd") || !strings.HasSuffix(text, "bye\n") {
		t.Fatalf("unexpected output:\n%s", text)
	}
}
