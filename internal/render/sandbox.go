package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"gwi.com/report-studio/internal/report"
)

const (
	defaultRenderTimeout = 2 * time.Second
	defaultMaxNodes      = 5000
)

// Sandbox runs chart routines. Every run gets a fresh interpreter whose only
// bindings are the surface handle and a private copy of the data slice.
type Sandbox struct {
	Timeout  time.Duration
	MaxNodes int
}

func NewSandbox(timeout time.Duration, maxNodes int) *Sandbox {
	if timeout <= 0 {
		timeout = defaultRenderTimeout
	}
	if maxNodes <= 0 {
		maxNodes = defaultMaxNodes
	}
	return &Sandbox{Timeout: timeout, MaxNodes: maxNodes}
}

// ChartError carries the message of an exception raised by chart code.
type ChartError struct {
	Message string
}

func (e *ChartError) Error() string { return e.Message }

// Run executes code as the body of function(svg, data) and returns the
// serialized surface. On any failure the surface is discarded.
func (s *Sandbox) Run(ctx context.Context, code string, data []report.Record) (svg string, err error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to encode chart data: %w", err)
	}

	vm := goja.New()
	surf := newSurface(s.MaxNodes)
	bind := newBinding(vm, surf)

	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(fmt.Sprintf("chart execution stopped: %v", ctx.Err()))
	})
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			surf.reset()
			svg = ""
			err = &ChartError{Message: fmt.Sprint(recoveredMessage(r))}
		}
	}()

	fn, err := compileChart(vm, code)
	if err != nil {
		return "", err
	}
	rows, err := parseJSON(vm, string(payload))
	if err != nil {
		return "", err
	}
	if _, err := fn(goja.Undefined(), bind.root(), rows); err != nil {
		surf.reset()
		return "", chartError(err)
	}
	return surf.markup(), nil
}

// compileChart builds the routine with the Function constructor so the code
// sees the global scope of a fresh interpreter and nothing else.
func compileChart(vm *goja.Runtime, code string) (goja.Callable, error) {
	ctor := vm.Get("Function")
	obj, err := vm.New(ctor, vm.ToValue("svg"), vm.ToValue("data"), vm.ToValue(code))
	if err != nil {
		return nil, chartError(err)
	}
	fn, ok := goja.AssertFunction(obj)
	if !ok {
		return nil, &ChartError{Message: "chart code did not compile to a function"}
	}
	return fn, nil
}

func parseJSON(vm *goja.Runtime, payload string) (goja.Value, error) {
	parse, ok := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("parse"))
	if !ok {
		return nil, errors.New("JSON.parse is unavailable")
	}
	v, err := parse(goja.Undefined(), vm.ToValue(payload))
	if err != nil {
		return nil, chartError(err)
	}
	return v, nil
}

func chartError(err error) error {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return &ChartError{Message: exceptionMessage(ex.Value())}
	}
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		return &ChartError{Message: fmt.Sprint(ie.Value())}
	}
	return &ChartError{Message: err.Error()}
}

func exceptionMessage(v goja.Value) string {
	if obj, ok := v.(*goja.Object); ok {
		if msg := obj.Get("message"); present(msg) {
			return msg.String()
		}
	}
	if present(v) {
		return v.String()
	}
	return "unknown error"
}

func recoveredMessage(r any) string {
	switch v := r.(type) {
	case goja.Value:
		return exceptionMessage(v)
	case *goja.InterruptedError:
		return fmt.Sprint(v.Value())
	case error:
		return v.Error()
	default:
		return fmt.Sprint(v)
	}
}
