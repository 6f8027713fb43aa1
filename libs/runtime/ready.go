package runtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/inkslot/inkslot/libs/httpx"
)

// ReadyCheck is a named dependency check for /readyz.
type ReadyCheck struct {
	Name  string
	Check func(context.Context) error
}

const checkTimeout = 2 * time.Second

// ReadyReport is the /readyz body: "ok" or the error text per dependency.
type ReadyReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// NewServeMux returns a mux serving /healthz and /readyz. Checks run in
// parallel, each under its own timeout, so one hung broker cannot hide the
// state of the database.
func NewServeMux(checks ...ReadyCheck) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, ReadyReport{Status: "ok"})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		report := Ready(r.Context(), checks)
		code := http.StatusOK
		if report.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		httpx.WriteJSON(w, code, report)
	})
	return mux
}

// Ready runs checks and summarises them.
func Ready(ctx context.Context, checks []ReadyCheck) ReadyReport {
	report := ReadyReport{Status: "ok", Checks: make(map[string]string, len(checks))}
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, c := range checks {
		if c.Check == nil {
			continue
		}
		name := c.Name
		if name == "" {
			name = "dependency"
		}
		wg.Add(1)
		go func(check func(context.Context) error) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			result := "ok"
			if err := check(cctx); err != nil {
				result = err.Error()
			}
			mu.Lock()
			report.Checks[name] = result
			if result != "ok" {
				report.Status = "unavailable"
			}
			mu.Unlock()
		}(c.Check)
	}
	wg.Wait()
	return report
}
