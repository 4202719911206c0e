package cli

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/petal-labs/bestfirst/search"
)

// progressPrinter renders a human readable log of a search on w.
type progressPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w}
}

func (p *progressPrinter) emit(e search.Event) {
	var line string
	switch e.Kind {
	case search.EventSolutionFound:
		line = fmt.Sprintf("solution #%v  score=%v  depth=%v  %s", e.Payload["index"], e.Payload["score"], e.Payload["depth"], e.Head)
	case search.EventSearchProgress:
		line = fmt.Sprintf("open=%v  jobs=%v  created=%v  expanded=%v  solutions=%v",
			e.Payload["open"], e.Payload["active_jobs"], e.Payload["created"], e.Payload["expanded"], e.Payload["solutions"])
	case search.EventSearchTerminated:
		line = fmt.Sprintf("terminated: %v after %s", e.Payload["reason"], e.Elapsed.Round(time.Millisecond))
		if msg, ok := e.Payload["error"].(string); ok && msg != "" {
			line += " (" + msg + ")"
		}
	default:
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "[%s] %s\n", e.RunID, line)
}
