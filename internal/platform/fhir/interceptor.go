package fhir

import (
	"bytes"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/labstack/echo/v4"
)

// Interceptor inspects a request before it reaches the resource handler. It
// may answer the request itself (returning handled=true) or let it through.
type Interceptor struct {
	Name    string
	Matches func(c echo.Context) bool
	Handle  func(c echo.Context, body []byte) (handled bool, err error)
}

// InterceptorChain runs interceptors in registration order. The first one
// that handles a request ends the chain.
type InterceptorChain struct {
	interceptors []Interceptor
}

func NewInterceptorChain() *InterceptorChain {
	return &InterceptorChain{}
}

// Register appends an interceptor to the chain.
func (ic *InterceptorChain) Register(i Interceptor) *InterceptorChain {
	ic.interceptors = append(ic.interceptors, i)
	return ic
}

// Len returns the number of registered interceptors.
func (ic *InterceptorChain) Len() int {
	return len(ic.interceptors)
}

// Middleware exposes the chain as echo middleware. The request body is
// buffered once and restored for every interceptor and the final handler.
func (ic *InterceptorChain) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			var body []byte
			buffered := false
			for _, i := range ic.interceptors {
				if i.Matches != nil && !i.Matches(c) {
					continue
				}
				if !buffered {
					b, err := readBody(c)
					if err != nil {
						return RespondBodyError(c, errors.Wrap(err, "could not read request body"))
					}
					body, buffered = b, true
				}
				handled, err := i.Handle(c, body)
				if err != nil || handled {
					return err
				}
				c.Request().Body = io.NopCloser(bytes.NewReader(body))
			}
			return next(c)
		}
	}
}

func readBody(c echo.Context) ([]byte, error) {
	req := c.Request()
	if req.Body == nil {
		return nil, nil
	}
	b, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	req.Body = io.NopCloser(bytes.NewReader(b))
	return b, nil
}

// MethodAndType matches requests with the given HTTP method whose :type path
// parameter is resourceType.
func MethodAndType(method, resourceType string) func(c echo.Context) bool {
	return func(c echo.Context) bool {
		return c.Request().Method == method && c.Param("type") == resourceType
	}
}
