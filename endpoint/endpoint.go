// Package endpoint is the typed handler pipeline used by every route of the
// album server.
//
// A request goes through three phases:
//
//  1. Decode: the request's path, query, form, header and cookie values are
//     copied into a params struct according to its struct tags (see Unmarshal).
//  2. Endpoint: an EndpointFunc receives the params and returns a Renderer.
//     It never writes the response itself.
//  3. Render: the Renderer writes status, headers and body.
//
// Processors run before the endpoint and may short-circuit it. Code that must
// touch the response headers late (the session cookie, for example) registers a
// hook with Defer; the hooks run just before the Renderer writes the status.
package endpoint

import (
	"context"
	"errors"
	"io"
	"net/http"
)

// EndpointError is an error that carries the HTTP status to answer with.
type EndpointError struct {
	Status int
	// Message is shown to the client; Cause is not.
	Message string
	Cause   error
}

func (e *EndpointError) Error() string {
	if e == nil {
		return "endpoint: <nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if msg == "" {
		msg = "unknown error"
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *EndpointError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Error returns an *EndpointError. If err already is one, it is returned as is.
func Error(status int, message string, err error) error {
	var ee *EndpointError
	if errors.As(err, &ee) {
		return err
	}
	return &EndpointError{Status: status, Message: message, Cause: err}
}

// Renderer writes a complete response. Implementations must call
// w.WriteHeader exactly once.
type Renderer interface {
	Render(w http.ResponseWriter, r *http.Request) error
}

// RendererFunc adapts a function to a Renderer.
type RendererFunc func(w http.ResponseWriter, r *http.Request) error

func (f RendererFunc) Render(w http.ResponseWriter, r *http.Request) error {
	return f(w, r)
}

// Processor is middleware for the endpoint pipeline. It must call next unless
// it wants to stop the request, and it must not write the response. To stop a
// request with a specific answer, return an *EndpointError or a *Stop.
type Processor interface {
	Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error
}

// ProcessorFunc adapts a function to a Processor.
type ProcessorFunc func(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error

func (f ProcessorFunc) Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
	return f(w, r, next)
}

// Stop is returned by a Processor that answers the request itself, for
// example with a redirect. It is not an error condition.
type Stop struct {
	Renderer Renderer
}

func (s *Stop) Error() string { return "endpoint: stopped by processor" }

// EndpointFunc is the business logic of a route.
type EndpointFunc[P any] func(w http.ResponseWriter, r *http.Request, params P) (Renderer, error)

// EndpointHandler is an http.Handler running Processors and then Endpoint.
type EndpointHandler[P any] struct {
	Endpoint   EndpointFunc[P]
	Processors []Processor
}

// Handler builds an EndpointHandler, inferring P from fn.
func Handler[P any](fn EndpointFunc[P], processors ...Processor) *EndpointHandler[P] {
	return &EndpointHandler[P]{Endpoint: fn, Processors: processors}
}

// HandleFunc is Handler(fn, processors...).ServeHTTP.
func HandleFunc[P any](fn EndpointFunc[P], processors ...Processor) http.HandlerFunc {
	return Handler(fn, processors...).ServeHTTP
}

type hooksKey struct{}

// Defer registers fn to run before the response status is written and
// reports whether it did. Outside an EndpointHandler there is nowhere to
// register and it returns false; callers then write immediately.
func Defer(ctx context.Context, fn func(http.ResponseWriter)) bool {
	hooks, ok := ctx.Value(hooksKey{}).(*[]func(http.ResponseWriter))
	if !ok || hooks == nil {
		return false
	}
	*hooks = append(*hooks, fn)
	return true
}

// Commit runs the hooks registered with Defer, last first, and forgets them.
func Commit(ctx context.Context, w http.ResponseWriter) {
	hooks, ok := ctx.Value(hooksKey{}).(*[]func(http.ResponseWriter))
	if !ok || hooks == nil {
		return
	}
	for i := len(*hooks) - 1; i >= 0; i-- {
		(*hooks)[i](w)
	}
	*hooks = nil
}

// ServeHTTP implements http.Handler.
func (h *EndpointHandler[P]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Endpoint == nil {
		http.Error(w, "endpoint: nil EndpointFunc", http.StatusInternalServerError)
		return
	}
	if r.Context().Value(hooksKey{}) == nil {
		var hooks []func(http.ResponseWriter)
		r = r.WithContext(context.WithValue(r.Context(), hooksKey{}, &hooks))
	}

	var run func(i int, w2 http.ResponseWriter, r2 *http.Request) error
	run = func(i int, w2 http.ResponseWriter, r2 *http.Request) error {
		if i < len(h.Processors) {
			if h.Processors[i] == nil {
				return errors.New("endpoint: nil processor")
			}
			return h.Processors[i].Process(w2, r2, func(w3 http.ResponseWriter, r3 *http.Request) error {
				return run(i+1, w3, r3)
			})
		}

		var params P
		if err := Unmarshal(r2, &params); err != nil {
			return err
		}
		renderer, err := h.Endpoint(w2, r2, params)
		if err != nil {
			return err
		}
		return render(w2, r2, renderer)
	}

	err := run(0, w, r)
	if err == nil {
		return
	}
	var stop *Stop
	if errors.As(err, &stop) && stop.Renderer != nil {
		err = render(w, r, stop.Renderer)
		if err == nil {
			return
		}
	}
	writeError(w, r, err)
}

func render(w http.ResponseWriter, r *http.Request, renderer Renderer) error {
	if renderer == nil {
		return errors.New("endpoint: nil renderer")
	}
	if c, ok := renderer.(io.Closer); ok {
		defer c.Close()
	}
	Commit(r.Context(), w)
	return renderer.Render(w, r)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	// Only EndpointError messages reach the client.
	status := http.StatusInternalServerError
	message := http.StatusText(status)

	var ee *EndpointError
	if errors.As(err, &ee) && ee != nil {
		if ee.Status >= 100 {
			status = ee.Status
		}
		message = ee.Message
		if message == "" {
			message = http.StatusText(status)
		}
	}
	Commit(r.Context(), w)
	http.Error(w, message, status)
}
