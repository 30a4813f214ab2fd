package stdlib

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lemonberrylabs/yrunner/pkg/ast"
	"github.com/lemonberrylabs/yrunner/pkg/command"
	"github.com/lemonberrylabs/yrunner/pkg/parser"
	"github.com/lemonberrylabs/yrunner/pkg/types"
)

// testRuntime is a flat variable map satisfying command.Runtime.
type testRuntime struct {
	vars   map[string]types.Value
	logger zerolog.Logger
}

func newTestRuntime(logOut io.Writer) *testRuntime {
	if logOut == nil {
		logOut = io.Discard
	}
	return &testRuntime{
		vars:   make(map[string]types.Value),
		logger: zerolog.New(logOut).Level(zerolog.TraceLevel),
	}
}

func (r *testRuntime) Get(name string) (types.Value, bool) {
	v, ok := r.vars[name]
	return v, ok
}

func (r *testRuntime) Set(path string, v types.Value) error {
	r.vars[path] = v
	return nil
}

func (r *testRuntime) Exec(context.Context, []*ast.Command) (command.Signal, error) {
	return command.None, nil
}

func (r *testRuntime) Logger() *zerolog.Logger {
	return &r.logger
}

// invoke parses a single-command script and runs it through the matching
// descriptor in descs.
func invoke(t *testing.T, descs []*command.Descriptor, src string, rt *testRuntime) error {
	t.Helper()
	cmds, err := parser.Parse([]byte(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("expected one command, got %d", len(cmds))
	}
	desc, ok := command.NewRegistry(descs...).Lookup(cmds[0].Name)
	if !ok {
		t.Fatalf("unknown command %q", cmds[0].Name)
	}
	args, err := desc.Resolve(cmds[0], rt)
	if err != nil {
		return err
	}
	sig, err := desc.Handler(context.Background(), command.NewCall(desc, cmds[0], args, rt))
	if err == nil && !sig.IsNone() {
		t.Fatalf("unexpected signal %v", sig)
	}
	return err
}

type fakeSleeper struct {
	slept []time.Duration
	err   error
}

func (f *fakeSleeper) Sleep(_ context.Context, d time.Duration) error {
	f.slept = append(f.slept, d)
	return f.err
}

func TestCommandsRegistered(t *testing.T) {
	reg := command.NewRegistry(Commands(Options{})...)
	got := strings.Join(reg.Names(), ",")
	if got != "gettime,log,request,sleep" {
		t.Errorf("Names() = %q", got)
	}
}

func TestLog(t *testing.T) {
	tests := []struct {
		name      string
		src       string
		wantLevel string
		wantMsg   string
		wantField map[string]interface{}
	}{
		{"default level", "- log: hello", "info", "hello", nil},
		{"interpolated", "- log:\n    message: \"x is {{ x }}\"\n    level: warning", "warn", "x is 3", nil},
		{"lowercase debug", "- log:\n    message: hi\n    level: debug", "debug", "hi", nil},
		{"critical does not exit", "- log:\n    message: boom\n    level: CRITICAL", "fatal", "boom", nil},
		{"kwargs", "- log:\n    message: m\n    kwargs:\n      user: \"{{ name }}\"", "info", "m", map[string]interface{}{"user": "ann"}},
		{"args", "- log:\n    message: m\n    args: [1, two]", "info", "m", map[string]interface{}{"args": []interface{}{float64(1), "two"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			rt := newTestRuntime(&buf)
			rt.vars["x"] = types.NewInt(3)
			rt.vars["name"] = types.NewString("ann")

			if err := invoke(t, Commands(Options{}), tt.src, rt); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var rec map[string]interface{}
			if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
				t.Fatalf("log output is not JSON: %q", buf.String())
			}
			if rec["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %s", rec["level"], tt.wantLevel)
			}
			if rec["message"] != tt.wantMsg {
				t.Errorf("message = %v, want %s", rec["message"], tt.wantMsg)
			}
			for k, want := range tt.wantField {
				gotJSON, _ := json.Marshal(rec[k])
				wantJSON, _ := json.Marshal(want)
				if string(gotJSON) != string(wantJSON) {
					t.Errorf("field %s = %s, want %s", k, gotJSON, wantJSON)
				}
			}
		})
	}
}

func TestLogErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		kind types.ErrorKind
	}{
		{"unknown level", "- log:\n    message: m\n    level: loud", types.KindInvalidParameter},
		{"missing message", "- log:\n    level: INFO", types.KindInvalidParameter},
		{"bad placeholder", "- log: \"{{ missing }}\"", types.KindExpressionEvaluation},
		{"kwargs not a map", "- log:\n    message: m\n    kwargs: [1]", types.KindInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := invoke(t, Commands(Options{}), tt.src, newTestRuntime(nil))
			if !types.IsKind(err, tt.kind) {
				t.Errorf("expected %s, got %v", tt.kind, err)
			}
		})
	}
}

func TestSleep(t *testing.T) {
	sl := &fakeSleeper{}
	rt := newTestRuntime(nil)
	rt.vars["delay"] = types.NewDouble(0.25)
	descs := Commands(Options{Sleeper: sl})

	for _, src := range []string{"- sleep: 2", "- sleep:\n    value: delay", "- sleep: 0"} {
		if err := invoke(t, descs, src, rt); err != nil {
			t.Fatalf("%q: unexpected error: %v", src, err)
		}
	}
	want := []time.Duration{2 * time.Second, 250 * time.Millisecond, 0}
	if len(sl.slept) != len(want) {
		t.Fatalf("slept %v, want %v", sl.slept, want)
	}
	for i := range want {
		if sl.slept[i] != want[i] {
			t.Errorf("sleep %d = %v, want %v", i, sl.slept[i], want[i])
		}
	}
}

func TestSleepErrors(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		sleeper *fakeSleeper
		kind    types.ErrorKind
	}{
		{"negative", "- sleep: -1", &fakeSleeper{}, types.KindInvalidParameter},
		{"string", "- sleep: \"'soon'\"", &fakeSleeper{}, types.KindInvalidParameter},
		{"too long", "- sleep: 100000000", &fakeSleeper{}, types.KindInvalidParameter},
		{"interrupted", "- sleep: 1", &fakeSleeper{err: context.Canceled}, types.KindGenericExecution},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := invoke(t, Commands(Options{Sleeper: tt.sleeper}), tt.src, newTestRuntime(nil))
			if !types.IsKind(err, tt.kind) {
				t.Errorf("expected %s, got %v", tt.kind, err)
			}
		})
	}
}

func TestRealSleeperHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := RealSleeper.Sleep(ctx, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("sleep ignored cancellation")
	}
}

func TestGetTime(t *testing.T) {
	fixed := time.Unix(1700000000, 500000000)
	rt := newTestRuntime(nil)
	descs := Commands(Options{Clock: func() time.Time { return fixed }})

	if err := invoke(t, descs, "- gettime:\n    var: now", rt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := rt.vars["now"]
	if got.Type() != types.TypeDouble || got.AsDouble() != 1700000000.5 {
		t.Errorf("now = %v", got)
	}

	if err := invoke(t, descs, "- gettime: then", rt); err != nil {
		t.Fatalf("shorthand: unexpected error: %v", err)
	}
	if _, ok := rt.vars["then"]; !ok {
		t.Error("shorthand gettime did not bind")
	}

	if err := invoke(t, descs, "- gettime", rt); !types.IsKind(err, types.KindInvalidParameter) {
		t.Errorf("expected InvalidParameter without var, got %v", err)
	}
}

func TestRequest(t *testing.T) {
	var got *http.Request
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc"})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": 7, "tags": ["a"]}`))
	}))
	defer srv.Close()

	rt := newTestRuntime(nil)
	rt.vars["base"] = types.NewString(srv.URL)
	rt.vars["term"] = types.NewString("go lang")

	src := `
- request:
    method: post
    url: "{{ base }}/items"
    params:
      q: "{{ term }}"
      page: 2
    json:
      name: "{{ term }}"
    headers:
      X-Trace: t-1
    cookies:
      pref: dark
    auth: [user, secret]
    timeout: 5
    response_var: resp
`
	if err := invoke(t, Commands(Options{}), src, rt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got.Method != http.MethodPost || got.URL.Path != "/items" {
		t.Errorf("request = %s %s", got.Method, got.URL.Path)
	}
	if q := got.URL.Query(); q.Get("q") != "go lang" || q.Get("page") != "2" {
		t.Errorf("query = %v", q)
	}
	if got.Header.Get("Content-Type") != "application/json" || gotBody != `{"name":"go lang"}` {
		t.Errorf("body = %q (%s)", gotBody, got.Header.Get("Content-Type"))
	}
	if got.Header.Get("X-Trace") != "t-1" || got.Header.Get("User-Agent") != DefaultUserAgent {
		t.Errorf("headers = %v", got.Header)
	}
	if c, err := got.Cookie("pref"); err != nil || c.Value != "dark" {
		t.Errorf("cookie pref = %v, %v", c, err)
	}
	if u, p, ok := got.BasicAuth(); !ok || u != "user" || p != "secret" {
		t.Errorf("basic auth = %q %q %v", u, p, ok)
	}

	resp, ok := rt.vars["resp"]
	if !ok || resp.Type() != types.TypeHandle {
		t.Fatalf("resp = %v", resp)
	}
	h := resp.AsHandle()
	if h.Kind() != ResponseKind {
		t.Errorf("kind = %q", h.Kind())
	}
	checks := map[string]string{
		"status_code": "201",
		"ok":          "true",
		"reason":      "Created",
	}
	for field, want := range checks {
		v, ok := h.Field(field)
		if !ok || v.String() != want {
			t.Errorf("%s = %v, want %s", field, v, want)
		}
	}
	id, _ := resp.Field("json")
	if v, _ := id.Field("id"); v.Type() != types.TypeInt || v.AsInt() != 7 {
		t.Errorf("json.id = %v", v)
	}
	cookies, _ := h.Field("cookies")
	if v, _ := cookies.Field("session"); v.AsString() != "abc" {
		t.Errorf("cookies.session = %v", v)
	}
	if h.String() != "<response [201]>" {
		t.Errorf("String() = %q", h.String())
	}
}

func TestRequestFormAndText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("a=" + r.PostForm.Get("a")))
	}))
	defer srv.Close()

	rt := newTestRuntime(nil)
	src := "- request:\n    method: PUT\n    url: " + srv.URL + "\n    data:\n      a: one\n    response_var: r"
	if err := invoke(t, Commands(Options{}), src, rt); err != nil {
		t.Fatalf("an HTTP error status must not fail the command: %v", err)
	}
	r := rt.vars["r"]
	if v, _ := r.Field("text"); v.AsString() != "a=one" {
		t.Errorf("text = %v", v)
	}
	if v, _ := r.Field("ok"); v.Truthy() {
		t.Error("ok should be false for 404")
	}
	if v, _ := r.Field("json"); !v.IsNull() {
		t.Errorf("json = %v, want null for text/plain", v)
	}
}

func TestRequestRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusFound)
			return
		}
		w.Write([]byte("new"))
	}))
	defer srv.Close()

	tests := []struct {
		allow    string
		wantCode int64
	}{
		{"true", 200},
		{"false", 302},
	}
	for _, tt := range tests {
		t.Run("allow_redirects="+tt.allow, func(t *testing.T) {
			rt := newTestRuntime(nil)
			src := "- request:\n    method: GET\n    url: " + srv.URL + "/old\n    allow_redirects: " + tt.allow + "\n    response_var: r"
			if err := invoke(t, Commands(Options{}), src, rt); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if v, _ := rt.vars["r"].Field("status_code"); v.AsInt() != tt.wantCode {
				t.Errorf("status_code = %v, want %d", v, tt.wantCode)
			}
		})
	}
}

func TestRequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(300 * time.Millisecond):
		case <-r.Context().Done():
		}
		w.Write([]byte("late"))
	}))
	defer srv.Close()

	tests := []struct {
		name          string
		clientTimeout time.Duration
		timeout       string
		wantErr       bool
	}{
		{"script timeout longer than client", 50 * time.Millisecond, "5", false},
		{"script timeout shorter than client", 5 * time.Second, "0.05", true},
		{"client timeout without script timeout", 50 * time.Millisecond, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := "- request:\n    method: GET\n    url: " + srv.URL + "\n    response_var: r"
			if tt.timeout != "" {
				src += "\n    timeout: " + tt.timeout
			}
			opts := Options{HTTPClient: &http.Client{Timeout: tt.clientTimeout}}
			rt := newTestRuntime(nil)
			err := invoke(t, Commands(opts), src, rt)
			if tt.wantErr {
				if !types.IsKind(err, types.KindGenericExecution) {
					t.Fatalf("expected a transport error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if v, _ := rt.vars["r"].Field("text"); v.AsString() != "late" {
				t.Errorf("text = %v", v)
			}
		})
	}
}

func TestRequestHeadersSorted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, k := range []string{"X-Zulu", "X-Alpha", "X-Mike", "Content-Type"} {
			w.Header().Set(k, "v")
		}
	}))
	defer srv.Close()

	for i := 0; i < 5; i++ {
		rt := newTestRuntime(nil)
		src := "- request:\n    method: GET\n    url: " + srv.URL + "\n    response_var: r"
		if err := invoke(t, Commands(Options{}), src, rt); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		headers, _ := rt.vars["r"].Field("headers")
		keys := headers.AsMap().Keys()
		for j := 1; j < len(keys); j++ {
			if keys[j-1] > keys[j] {
				t.Fatalf("header keys not sorted: %v", keys)
			}
		}
	}
}

func TestRequestResponseTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("x"), 64))
	}))
	defer srv.Close()

	src := "- request:\n    method: GET\n    url: " + srv.URL
	err := invoke(t, Commands(Options{MaxResponseSize: 16}), src, newTestRuntime(nil))
	if !types.IsKind(err, types.KindGenericExecution) || !strings.Contains(err.Error(), "exceeds") {
		t.Errorf("expected size error, got %v", err)
	}
}

func TestRequestErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		kind types.ErrorKind
	}{
		{"missing url", "- request:\n    method: GET", types.KindInvalidParameter},
		{"relative url", "- request:\n    method: GET\n    url: /x", types.KindInvalidParameter},
		{"bad auth", "- request:\n    method: GET\n    url: http://127.0.0.1:1\n    auth: [only]", types.KindInvalidParameter},
		{"data and json", "- request:\n    method: POST\n    url: http://127.0.0.1:1\n    data: a\n    json: {a: 1}", types.KindInvalidParameter},
		{"bad timeout", "- request:\n    method: GET\n    url: http://127.0.0.1:1\n    timeout: 0", types.KindInvalidParameter},
		{"connection refused", "- request:\n    method: GET\n    url: http://127.0.0.1:1", types.KindGenericExecution},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := invoke(t, Commands(Options{}), tt.src, newTestRuntime(nil))
			if !types.IsKind(err, tt.kind) {
				t.Errorf("expected %s, got %v", tt.kind, err)
			}
		})
	}
}
