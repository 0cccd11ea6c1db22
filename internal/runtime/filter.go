package runtime

import (
	"fmt"

	loggingpkg "github.com/streamkit/streamkit/internal/runtime/logging"
)

// Filter decides whether a handler claims a message. Filters must be
// side-effect free; the first handler whose filter accepts, in registration
// order, processes the message.
type Filter func(msg *StreamMessage) bool

// AcceptAll is the default filter. A subscription with a single handler
// behaves like unconditional routing.
func AcceptAll(*StreamMessage) bool { return true }

// HeaderFilter matches messages carrying the given header value.
func HeaderFilter(key, value string) Filter {
	return func(msg *StreamMessage) bool {
		return msg.Headers.Get(key) == value
	}
}

// evaluateFilter runs a filter defensively. A panicking filter is logged and
// treated as a non-match so routing continues with the next handler.
func evaluateFilter(filter Filter, msg *StreamMessage, handlerName string, logger loggingpkg.ServiceLogger) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			matched = false
			logger.Error("Filter panicked, treating as non-match",
				fmt.Errorf("filter panic: %v", r),
				loggingpkg.LogFields{
					"handler":    handlerName,
					"routing":    msg.Routing,
					"message_id": msg.UUID(),
				})
		}
	}()

	if filter == nil {
		return true
	}
	return filter(msg)
}
