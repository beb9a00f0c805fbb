// Package gateway exposes the supervised inference worker over HTTP.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dj-oyu/licenseai-gateway/internal/broker"
	"github.com/dj-oyu/licenseai-gateway/internal/protocol"
	"github.com/dj-oyu/licenseai-gateway/internal/supervisor"
	"github.com/dj-oyu/licenseai-gateway/pkg/types"
)

// ErrNotReady is returned by Infer while the worker has not passed its probe
var ErrNotReady = errors.New("inference service not ready")

// WorkerError is a request the worker answered with an error field
type WorkerError struct {
	Details string
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("inference failed: %s", e.Details)
}

// Service is the supervisor as seen by the HTTP layer
type Service interface {
	Ready() bool
	Submit(ctx context.Context, req protocol.Request, timeout time.Duration) (protocol.Reply, error)
	Status() supervisor.Status
}

// Infer runs one image through the worker. Errors are ErrNotReady, a
// *WorkerError, or a transport error from the broker.
func Infer(ctx context.Context, svc Service, imagePath string, timeout time.Duration) (types.Result, error) {
	if !svc.Ready() {
		return types.Result{}, ErrNotReady
	}

	reply, err := svc.Submit(ctx, protocol.Process(imagePath), timeout)
	if err != nil {
		return types.Result{}, err
	}
	if reply.Failed() {
		return types.Result{}, &WorkerError{Details: reply.Error}
	}

	boxes := reply.Boxes
	if boxes == nil {
		boxes = []types.Box{}
	}
	return types.Result{Image: reply.Image, Boxes: boxes, FPS: reply.FPS}, nil
}

// errorDetails renders a transport error as the details string web clients
// match on
func errorDetails(err error) string {
	switch {
	case errors.Is(err, broker.ErrRequestTimeout):
		return "Request timeout"
	case errors.Is(err, broker.ErrServiceDisconnected):
		return "Service disconnected"
	case errors.Is(err, broker.ErrServiceUnavailable):
		return "Service not available"
	case errors.Is(err, protocol.ErrMalformedReply):
		return "Malformed response from inference service"
	default:
		return err.Error()
	}
}
