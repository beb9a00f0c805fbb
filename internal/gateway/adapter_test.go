package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/licenseai-gateway/internal/broker"
	"github.com/dj-oyu/licenseai-gateway/internal/protocol"
	"github.com/dj-oyu/licenseai-gateway/pkg/types"
)

func TestInferNotReady(t *testing.T) {
	svc := &fakeService{}
	_, err := Infer(context.Background(), svc, "/tmp/a.png", time.Second)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Empty(t, svc.submitted)
}

func TestInferResult(t *testing.T) {
	box := types.Box{Label: "License_Plate", Confidence: 0.91, BBox: [4]float64{10, 20, 30, 40}}
	svc := &fakeService{ready: true, reply: protocol.Reply{Image: "aW1n", Boxes: []types.Box{box}, FPS: 24}}

	got, err := Infer(context.Background(), svc, "/tmp/a.png", time.Second)
	require.NoError(t, err)
	want := types.Result{Image: "aW1n", Boxes: []types.Box{box}, FPS: 24}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Infer() mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"/tmp/a.png"}, svc.submitted)
}

func TestInferNilBoxesBecomeEmpty(t *testing.T) {
	svc := &fakeService{ready: true, reply: protocol.Reply{Image: "aW1n"}}
	got, err := Infer(context.Background(), svc, "/tmp/a.png", time.Second)
	require.NoError(t, err)
	assert.NotNil(t, got.Boxes)
	assert.Empty(t, got.Boxes)
}

func TestInferWorkerError(t *testing.T) {
	svc := &fakeService{ready: true, reply: protocol.Reply{Error: "Image file not found"}}
	_, err := Infer(context.Background(), svc, "/tmp/a.png", time.Second)

	var werr *WorkerError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, "Image file not found", werr.Details)
}

func TestInferTransportError(t *testing.T) {
	svc := &fakeService{ready: true, err: broker.ErrRequestTimeout}
	_, err := Infer(context.Background(), svc, "/tmp/a.png", time.Second)
	assert.ErrorIs(t, err, broker.ErrRequestTimeout)
}

func TestErrorDetails(t *testing.T) {
	assert.Equal(t, "Request timeout", errorDetails(broker.ErrRequestTimeout))
	assert.Equal(t, "Service disconnected", errorDetails(broker.ErrServiceDisconnected))
	assert.Equal(t, "Service not available", errorDetails(broker.ErrServiceUnavailable))
	assert.Equal(t, "boom", errorDetails(errors.New("boom")))
}
