// Package invocation adapts a run request from any entry point (CLI, Lambda
// event, webhook) into a Response carrying a 200 or 500 status.
package invocation

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/torosent/crankfleet/internal/fleet"
)

// Body is the payload of a Response.
type Body struct {
	RunID           string              `json:"run_id" yaml:"run_id"`
	CoordinatorTask string              `json:"coordinator_task" yaml:"coordinator_task"`
	LaunchedWorkers map[string][]string `json:"launched_workers" yaml:"launched_workers"`
	ReadyAddresses  []string            `json:"ready_addresses" yaml:"ready_addresses"`
	Notes           []string            `json:"notes,omitempty" yaml:"notes,omitempty"`
	Error           string              `json:"error,omitempty" yaml:"error,omitempty"`
	StackTrace      string              `json:"stack_trace,omitempty" yaml:"stack_trace,omitempty"`
}

// Response is what every entry point returns.
type Response struct {
	StatusCode int  `json:"status_code" yaml:"status_code"`
	Body       Body `json:"body" yaml:"body"`
}

// OK reports whether the run succeeded.
func (r Response) OK() bool { return r.StatusCode == http.StatusOK }

// Runner executes a validated request.
type Runner interface {
	Run(ctx context.Context, req fleet.RunRequest) (*fleet.RunResult, error)
}

// NewResponse renders a run outcome. Any error yields status 500 with the
// message and stack trace; the workers launched before it are still listed.
func NewResponse(res *fleet.RunResult, err error) Response {
	if res == nil {
		res = fleet.NewRunResult("")
	}
	body := Body{
		RunID:           res.RunID,
		CoordinatorTask: res.CoordinatorTask,
		LaunchedWorkers: res.Launched,
		ReadyAddresses:  res.ReadyAddresses,
		Notes:           res.Notes,
	}
	if body.LaunchedWorkers == nil {
		body.LaunchedWorkers = map[string][]string{}
	}
	if body.ReadyAddresses == nil {
		body.ReadyAddresses = []string{}
	}
	if err != nil {
		body.Error = err.Error()
		body.StackTrace = fleet.StackTrace(err)
		return Response{StatusCode: http.StatusInternalServerError, Body: body}
	}
	return Response{StatusCode: http.StatusOK, Body: body}
}

// Handle validates in, runs it and converts the outcome, panics included,
// into a Response.
func Handle(ctx context.Context, runner Runner, in fleet.RunRequest, logger *slog.Logger) (resp Response) {
	if logger == nil {
		logger = slog.Default()
	}
	partial := fleet.NewRunResult(in.RunID)
	defer func() {
		if r := recover(); r != nil {
			resp = NewResponse(partial, nil)
			resp.StatusCode = http.StatusInternalServerError
			resp.Body.Error = fmt.Sprintf("panic: %v", r)
			resp.Body.StackTrace = string(debug.Stack())
			logger.Error("run panicked", "run_id", resp.Body.RunID, "panic", r)
		}
	}()

	req, err := fleet.NewRunRequest(in)
	if err != nil {
		logger.Error("invalid run request", "error", err)
		return NewResponse(partial, err)
	}
	partial.RunID = req.RunID

	res, err := runner.Run(ctx, req)
	if res != nil {
		partial = res
	}
	if err != nil {
		logger.Error("run failed", "run_id", req.RunID, "launched", partial.LaunchedCount(), "error", err)
	} else {
		logger.Info("run complete", "run_id", req.RunID, "coordinator", partial.CoordinatorTask,
			"ready", len(partial.ReadyAddresses), "launched", partial.LaunchedCount())
	}
	return NewResponse(partial, err)
}
