package stdlib

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/lemonberrylabs/yrunner/pkg/command"
	"github.com/lemonberrylabs/yrunner/pkg/types"
)

// MaxHTTPResponseSize is the maximum HTTP response body size (2 MB).
const MaxHTTPResponseSize = 2 * 1024 * 1024

// DefaultHTTPTimeout is the default timeout for HTTP requests.
const DefaultHTTPTimeout = 60 * time.Second

// DefaultUserAgent is sent when neither the script nor the options set one.
const DefaultUserAgent = "yrunner/1"

// ResponseKind is the handle kind of request responses.
const ResponseKind = "response"

func requestCommand(opts Options) *command.Descriptor {
	return &command.Descriptor{
		Name: "request",
		Params: []command.Param{
			{Name: "method", Required: true, Mode: command.Template},
			{Name: "url", Required: true, Mode: command.Template},
			{Name: "params", Mode: command.Template},
			{Name: "data", Mode: command.Template},
			{Name: "json", Mode: command.Template},
			{Name: "headers", Mode: command.Template},
			{Name: "cookies", Mode: command.Template},
			{Name: "auth", Mode: command.Template},
			{Name: "timeout", Mode: command.Expr},
			{Name: "allow_redirects", Default: true, Mode: command.Expr},
			{Name: "proxies", Mode: command.Template},
			{Name: "hooks", Mode: command.Literal},
			{Name: "stream", Mode: command.Literal},
			{Name: "verify", Default: true, Mode: command.Expr},
			{Name: "cert", Mode: command.Template},
			{Name: "response_var", Mode: command.Literal},
		},
		Handler: func(ctx context.Context, call *command.Call) (command.Signal, error) {
			return command.None, doRequest(ctx, opts, call)
		},
	}
}

func doRequest(ctx context.Context, opts Options, call *command.Call) error {
	method, err := call.String("method")
	if err != nil {
		return err
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		return types.NewInvalidParameter("request method must not be empty")
	}
	rawURL, err := call.String("url")
	if err != nil {
		return err
	}
	target, err := url.Parse(rawURL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return types.NewInvalidParameter("invalid request url %q", rawURL)
	}
	responseVar, err := variable(call, "response_var")
	if err != nil {
		return err
	}

	if err := addQuery(target, call); err != nil {
		return err
	}

	body, contentType, err := requestBody(call)
	if err != nil {
		return err
	}

	timeout := opts.HTTPClient.Timeout
	if call.Has("timeout") {
		if v, _ := call.Arg("timeout"); !v.IsNull() {
			secs, err := number(call, "timeout")
			if err != nil {
				return err
			}
			if secs <= 0 {
				return types.NewInvalidParameter("request timeout must be positive, got %v", secs)
			}
			timeout = time.Duration(secs * float64(time.Second))
		}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return types.NewInvalidParameter("cannot build request: %v", err)
	}
	req.Header.Set("User-Agent", opts.UserAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if err := applyHeaders(req, call); err != nil {
		return err
	}
	if err := applyCookies(req, call); err != nil {
		return err
	}
	if err := applyAuth(req, call); err != nil {
		return err
	}

	client, err := requestClient(opts.HTTPClient, call)
	if err != nil {
		return err
	}

	for _, ignored := range []string{"hooks", "stream"} {
		if call.Has(ignored) {
			call.Logger().Debug().Str("param", ignored).Msg("request parameter ignored")
		}
	}

	call.Logger().Debug().Str("method", method).Str("url", req.URL.String()).Msg("sending request")
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return types.NewExecutionError(err, "request to %s timed out", target.Host)
		}
		return types.NewExecutionError(err, "request to %s failed", target.Host)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, opts.MaxResponseSize+1))
	if err != nil {
		return types.NewExecutionError(err, "failed to read response")
	}
	if int64(len(respBody)) > opts.MaxResponseSize {
		return types.NewExecutionError(nil, "response size exceeds %d bytes", opts.MaxResponseSize)
	}

	handle := responseHandle(resp, respBody, time.Since(start))
	if responseVar == "" {
		return nil
	}
	if err := call.Set(responseVar, handle); err != nil {
		return types.NewInvalidParameter("cannot assign %q: %v", responseVar, err)
	}
	return nil
}

func addQuery(u *url.URL, call *command.Call) error {
	params, ok := call.Arg("params")
	if !ok || params.IsNull() {
		return nil
	}
	q := u.Query()
	switch params.Type() {
	case types.TypeString:
		extra, err := url.ParseQuery(strings.TrimPrefix(params.AsString(), "?"))
		if err != nil {
			return types.NewInvalidParameter("invalid request params: %v", err)
		}
		for k, vs := range extra {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
	case types.TypeMap:
		m := params.AsMap()
		for _, k := range m.Keys() {
			v, _ := m.Get(k)
			for _, s := range formValues(v) {
				q.Add(k, s)
			}
		}
	default:
		return types.NewInvalidParameter("request params must be a string or a map, got %s", params.Type())
	}
	u.RawQuery = q.Encode()
	return nil
}

// formValues flattens a value into query or form values. A list gives one
// value per item and null gives none.
func formValues(v types.Value) []string {
	switch v.Type() {
	case types.TypeNull:
		return nil
	case types.TypeString:
		return []string{v.AsString()}
	case types.TypeList:
		var out []string
		for _, item := range v.AsList() {
			out = append(out, formValues(item)...)
		}
		return out
	}
	return []string{v.String()}
}

func requestBody(call *command.Call) (io.Reader, string, error) {
	data, hasData := call.Arg("data")
	payload, hasJSON := call.Arg("json")
	hasData = hasData && !data.IsNull()
	hasJSON = hasJSON && !payload.IsNull()

	switch {
	case hasData && hasJSON:
		return nil, "", types.NewInvalidParameter("request accepts either data or json, not both")
	case hasJSON:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, "", types.NewInvalidParameter("cannot encode json body: %v", err)
		}
		return bytes.NewReader(b), "application/json", nil
	case hasData:
		switch data.Type() {
		case types.TypeString:
			return strings.NewReader(data.AsString()), "", nil
		case types.TypeBytes:
			return bytes.NewReader(data.AsBytes()), "", nil
		case types.TypeMap:
			form := url.Values{}
			m := data.AsMap()
			for _, k := range m.Keys() {
				v, _ := m.Get(k)
				for _, s := range formValues(v) {
					form.Add(k, s)
				}
			}
			return strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", nil
		}
		return nil, "", types.NewInvalidParameter("request data must be a string or a map, got %s", data.Type())
	}
	return nil, "", nil
}

func applyHeaders(req *http.Request, call *command.Call) error {
	headers, ok := call.Arg("headers")
	if !ok || headers.IsNull() {
		return nil
	}
	if headers.Type() != types.TypeMap {
		return types.NewInvalidParameter("request headers must be a map, got %s", headers.Type())
	}
	m := headers.AsMap()
	for _, k := range m.Keys() {
		v, _ := m.Get(k)
		if v.Type() == types.TypeString {
			req.Header.Set(k, v.AsString())
		} else {
			req.Header.Set(k, v.String())
		}
	}
	return nil
}

func applyCookies(req *http.Request, call *command.Call) error {
	cookies, ok := call.Arg("cookies")
	if !ok || cookies.IsNull() {
		return nil
	}
	if cookies.Type() != types.TypeMap {
		return types.NewInvalidParameter("request cookies must be a map, got %s", cookies.Type())
	}
	m := cookies.AsMap()
	for _, k := range m.Keys() {
		v, _ := m.Get(k)
		val := v.String()
		if v.Type() == types.TypeString {
			val = v.AsString()
		}
		req.AddCookie(&http.Cookie{Name: k, Value: val})
	}
	return nil
}

func applyAuth(req *http.Request, call *command.Call) error {
	auth, ok := call.Arg("auth")
	if !ok || auth.IsNull() {
		return nil
	}
	if auth.Type() != types.TypeList || len(auth.AsList()) != 2 {
		return types.NewInvalidParameter("request auth must be a [user, password] list")
	}
	pair := auth.AsList()
	if pair[0].Type() != types.TypeString || pair[1].Type() != types.TypeString {
		return types.NewInvalidParameter("request auth must be a [user, password] list of strings")
	}
	req.SetBasicAuth(pair[0].AsString(), pair[1].AsString())
	return nil
}

// requestClient derives a client from base for the per-request transport
// settings: redirects, proxies, TLS verification and client certificates.
func requestClient(base *http.Client, call *command.Call) (*http.Client, error) {
	client := *base
	if v, ok := call.Arg("timeout"); ok && !v.IsNull() {
		// The request context carries the script's timeout.
		client.Timeout = 0
	}

	if v, _ := call.Arg("allow_redirects"); !v.Truthy() {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	proxies, hasProxies := call.Arg("proxies")
	hasProxies = hasProxies && !proxies.IsNull()
	verify, _ := call.Arg("verify")
	skipVerify := !verify.IsNull() && !verify.Truthy()
	cert, hasCert := call.Arg("cert")
	hasCert = hasCert && !cert.IsNull()

	if !hasProxies && !skipVerify && !hasCert {
		return &client, nil
	}

	var transport *http.Transport
	switch t := base.Transport.(type) {
	case nil:
		transport = http.DefaultTransport.(*http.Transport).Clone()
	case *http.Transport:
		transport = t.Clone()
	default:
		return nil, types.NewInvalidParameter("proxies, verify and cert need the default transport, got %T", t)
	}
	if transport.TLSClientConfig == nil {
		transport.TLSClientConfig = &tls.Config{}
	}

	if hasProxies {
		proxy, err := proxyFunc(proxies)
		if err != nil {
			return nil, err
		}
		transport.Proxy = proxy
	}
	if skipVerify {
		transport.TLSClientConfig.InsecureSkipVerify = true
	}
	if hasCert {
		pair, err := loadCert(cert)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig.Certificates = []tls.Certificate{pair}
	}

	client.Transport = transport
	return &client, nil
}

func proxyFunc(proxies types.Value) (func(*http.Request) (*url.URL, error), error) {
	if proxies.Type() != types.TypeMap {
		return nil, types.NewInvalidParameter("request proxies must be a map, got %s", proxies.Type())
	}
	byScheme := make(map[string]*url.URL)
	m := proxies.AsMap()
	for _, scheme := range m.Keys() {
		v, _ := m.Get(scheme)
		if v.Type() != types.TypeString {
			return nil, types.NewInvalidParameter("proxy for %q must be a string", scheme)
		}
		u, err := url.Parse(v.AsString())
		if err != nil {
			return nil, types.NewInvalidParameter("invalid proxy for %q: %v", scheme, err)
		}
		byScheme[strings.ToLower(scheme)] = u
	}
	return func(r *http.Request) (*url.URL, error) {
		if u, ok := byScheme[r.URL.Scheme]; ok {
			return u, nil
		}
		return byScheme["all"], nil
	}, nil
}

func loadCert(cert types.Value) (tls.Certificate, error) {
	var certFile, keyFile string
	switch cert.Type() {
	case types.TypeString:
		certFile, keyFile = cert.AsString(), cert.AsString()
	case types.TypeList:
		pair := cert.AsList()
		if len(pair) != 2 || pair[0].Type() != types.TypeString || pair[1].Type() != types.TypeString {
			return tls.Certificate{}, types.NewInvalidParameter("request cert must be a path or a [cert, key] list")
		}
		certFile, keyFile = pair[0].AsString(), pair[1].AsString()
	default:
		return tls.Certificate{}, types.NewInvalidParameter("request cert must be a path or a [cert, key] list")
	}
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, types.NewExecutionError(err, "cannot load client certificate")
	}
	return pair, nil
}

// responseHandle wraps a response in an opaque handle whose fields scripts
// can read through dotted paths.
func responseHandle(resp *http.Response, body []byte, elapsed time.Duration) types.Value {
	fields := types.NewOrderedMap()
	fields.Set("status_code", types.NewInt(int64(resp.StatusCode)))
	fields.Set("url", types.NewString(resp.Request.URL.String()))
	fields.Set("text", types.NewString(string(body)))

	names := make([]string, 0, len(resp.Header))
	for k := range resp.Header {
		names = append(names, k)
	}
	sort.Strings(names)
	headers := types.NewOrderedMap()
	for _, k := range names {
		headers.Set(strings.ToLower(k), types.NewString(resp.Header.Get(k)))
	}
	fields.Set("headers", types.NewMap(headers))
	fields.Set("ok", types.NewBool(resp.StatusCode < 400))
	fields.Set("reason", types.NewString(http.StatusText(resp.StatusCode)))
	fields.Set("json", parseJSONBody(body, resp.Header.Get("Content-Type")))

	cookies := types.NewOrderedMap()
	for _, c := range resp.Cookies() {
		cookies.Set(c.Name, types.NewString(c.Value))
	}
	fields.Set("cookies", types.NewMap(cookies))
	fields.Set("elapsed", types.NewDouble(elapsed.Seconds()))

	return types.NewHandleValue(types.NewHandle(ResponseKind, fields))
}

// parseJSONBody decodes a JSON body. Bodies of other content types, and
// malformed JSON, give null.
func parseJSONBody(body []byte, contentType string) types.Value {
	if len(body) == 0 || !strings.Contains(strings.ToLower(contentType), "json") {
		return types.Null
	}
	var raw interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return types.Null
	}
	return types.ValueFromJSON(raw)
}
