// Package crash reports panics of the router's long-running routines before letting them crash the process
package crash

import (
	"fmt"
	"runtime/debug"

	"github.com/rudderlabs/rudder-go-kit/logger"
)

var Default panicHandler = &NOOP{}

type panicHandler interface {
	Notify(component string) func()
}

type PanicWrapperOpts struct {
	AppVersion   string
	ReleaseStage string
}

func Configure(log logger.Logger, opts PanicWrapperOpts) {
	Default = &loggingHandler{logger: log, opts: opts}
}

// Wrapper notifies about panics happening in fn
func Wrapper(component string, fn func() error) func() error {
	return func() error {
		defer Default.Notify(component)()
		return fn()
	}
}

type NOOP struct{}

func (*NOOP) Notify(string) func() {
	return func() {}
}

// loggingHandler logs panics along with their stack trace, then panics again
type loggingHandler struct {
	logger logger.Logger
	opts   PanicWrapperOpts
}

func (h *loggingHandler) Notify(component string) func() {
	return func() {
		r := recover()
		if r == nil {
			return
		}
		h.logger.Errorn("Panic detected. Application will crash.",
			logger.NewStringField("component", component),
			logger.NewStringField("appVersion", h.opts.AppVersion),
			logger.NewStringField("releaseStage", h.opts.ReleaseStage),
			logger.NewStringField("panic", fmt.Sprint(r)),
			logger.NewStringField("stack", string(debug.Stack())),
		)
		logger.Sync()
		panic(r)
	}
}
