package quality

import (
	"context"
)

type request struct {
	taskID     string
	output     string
	responseCh chan response
}

type response struct {
	assessment Assessment
	err        error
}

// Channel serializes assessment requests through a single worker
// goroutine so in-flight executions can request a score without blocking
// the scheduling loop.
type Channel struct {
	requestCh chan request
	assessor  Assessor
	done      chan struct{}
}

// NewChannel creates an assessment channel. bufferSize should typically
// be 2x the dispatch concurrency limit to prevent blocking.
func NewChannel(bufferSize int, assessor Assessor) *Channel {
	if bufferSize <= 0 {
		bufferSize = 8
	}
	return &Channel{
		requestCh: make(chan request, bufferSize),
		assessor:  assessor,
		done:      make(chan struct{}),
	}
}

// Start launches the worker goroutine. It processes requests until the
// context is cancelled.
func (c *Channel) Start(ctx context.Context) {
	go c.handleRequests(ctx)
}

func (c *Channel) handleRequests(ctx context.Context) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.requestCh:
			assessment, err := c.assessor.Assess(ctx, req.taskID, req.output)

			select {
			case <-ctx.Done():
				req.responseCh <- response{err: ctx.Err()}
				return
			default:
				req.responseCh <- response{assessment: assessment, err: err}
			}
		}
	}
}

// Assess submits a task's output for scoring and waits for the verdict.
// Respects context cancellation at both the send and receive stages.
func (c *Channel) Assess(ctx context.Context, taskID string, output string) (Assessment, error) {
	responseCh := make(chan response, 1)

	select {
	case c.requestCh <- request{taskID: taskID, output: output, responseCh: responseCh}:
	case <-ctx.Done():
		return Assessment{}, ctx.Err()
	}

	select {
	case resp := <-responseCh:
		return resp.assessment, resp.err
	case <-ctx.Done():
		return Assessment{}, ctx.Err()
	}
}

// Stop blocks until the worker goroutine has exited.
func (c *Channel) Stop() {
	<-c.done
}
