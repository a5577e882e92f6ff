package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/zyn1030z/SLA-service-sub000/pkg/models"
)

const (
	// DefaultTimeout bounds every outbound escalation call.
	DefaultTimeout = 10 * time.Second

	maxBodyExcerpt = 512
)

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Logger defines the logging interface for Dispatcher
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Outcome is the result of one dispatch. A failed call is an Outcome, never
// an error.
type Outcome struct {
	Success    bool
	StatusCode int
	Message    string
	Duration   time.Duration
}

type DispatcherOption func(*Dispatcher)

func WithClient(c Doer) DispatcherOption {
	return func(d *Dispatcher) { d.client = c }
}

func WithTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithBreaker trips a per-host circuit after failures consecutive network
// errors or 5xx responses and keeps it open for openFor. failures of zero
// disables the breaker.
func WithBreaker(failures uint32, openFor time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.breakerFailures = failures
		d.breakerOpenFor = openFor
	}
}

func WithLogger(l Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// Dispatcher sends rendered action templates over HTTP. It holds no
// escalation state beyond per-host circuit breakers.
type Dispatcher struct {
	client          Doer
	timeout         time.Duration
	logger          Logger
	breakerFailures uint32
	breakerOpenFor  time.Duration
	breakers        map[string]*gobreaker.CircuitBreaker
	mu              sync.Mutex
}

func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		client:          http.DefaultClient,
		timeout:         DefaultTimeout,
		logger:          nopLogger{},
		breakerFailures: 5,
		breakerOpenFor:  time.Minute,
		breakers:        make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch renders action with vars and performs the call.
func (d *Dispatcher) Dispatch(ctx context.Context, action Action, vars Variables) Outcome {
	return d.Send(ctx, Render(action.Template(), vars))
}

// errServer marks 5xx responses so the breaker counts them.
type errServer struct{ status int }

func (e errServer) Error() string { return fmt.Sprintf("server error %d", e.status) }

type response struct {
	status  int
	excerpt string
}

// Send performs one already-rendered call.
func (d *Dispatcher) Send(ctx context.Context, tmpl models.ActionTemplate) Outcome {
	started := time.Now()
	target, err := url.Parse(tmpl.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return Outcome{Message: fmt.Sprintf("invalid action url %q", tmpl.URL)}
	}

	method := strings.ToUpper(strings.TrimSpace(tmpl.Method))
	if method == "" {
		method = http.MethodPost
	}
	var body io.Reader
	if tmpl.Body != nil && method != http.MethodGet && method != http.MethodHead {
		payload, err := json.Marshal(tmpl.Body)
		if err != nil {
			return Outcome{Message: fmt.Sprintf("encode action body: %v", err)}
		}
		body = bytes.NewReader(payload)
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, target.String(), body)
	if err != nil {
		return Outcome{Message: fmt.Sprintf("build request: %v", err)}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range tmpl.Headers {
		req.Header.Set(k, v)
	}

	call := func() (interface{}, error) {
		resp, err := d.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyExcerpt))
		_, _ = io.Copy(io.Discard, resp.Body)
		r := response{status: resp.StatusCode, excerpt: strings.TrimSpace(string(excerpt))}
		if resp.StatusCode >= 500 {
			return r, errServer{status: resp.StatusCode}
		}
		return r, nil
	}

	var res interface{}
	if cb := d.breaker(target.Host); cb != nil {
		res, err = cb.Execute(call)
	} else {
		res, err = call()
	}
	out := Outcome{Duration: time.Since(started)}
	r, _ := res.(response)
	out.StatusCode = r.status

	switch {
	case err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests:
		out.Message = fmt.Sprintf("circuit open for %s: %v", target.Host, err)
	case err != nil && r.status == 0:
		if reqCtx.Err() == context.DeadlineExceeded {
			out.Message = fmt.Sprintf("%s %s timed out after %s", method, target.Host, d.timeout)
		} else {
			out.Message = fmt.Sprintf("%s %s failed: %v", method, target.Host, err)
		}
	case r.status >= 200 && r.status < 300:
		out.Success = true
		out.Message = fmt.Sprintf("%s %s returned %d", method, target.Host, r.status)
	default:
		out.Message = fmt.Sprintf("%s %s returned %d", method, target.Host, r.status)
		if r.excerpt != "" {
			out.Message += ": " + r.excerpt
		}
	}
	return out
}

func (d *Dispatcher) breaker(host string) *gobreaker.CircuitBreaker {
	if d.breakerFailures == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[host]; ok {
		return cb
	}
	failures := d.breakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     d.breakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Infof("Circuit breaker for %s changed from %s to %s", name, from, to)
		},
	})
	d.breakers[host] = cb
	return cb
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
