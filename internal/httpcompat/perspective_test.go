package httpcompat

import (
	"net/http"
	"testing"
)

func TestCompatPerspectiveNoFile(t *testing.T) {
	client := newCompatClient(t)
	resp, body := client.postImage(t, "", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("POST /api/ai/perspective without file status = %d", resp.StatusCode)
	}
	payload := decodeJSONMap(t, body)
	if requireString(t, payload["error"], "error") != "No image file provided" {
		t.Fatalf("unexpected error: %v", payload["error"])
	}
}

func TestCompatPerspectiveWrongField(t *testing.T) {
	client := newCompatClient(t)
	resp, _ := client.postImage(t, "photo", "car.png", testPNG(t))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("POST with field photo status = %d", resp.StatusCode)
	}
}

func TestCompatPerspective(t *testing.T) {
	client := newCompatClient(t)
	ready := client.serviceReady(t)

	resp, body := client.postImage(t, "image", "car.png", testPNG(t))
	payload := decodeJSONMap(t, body)

	if !ready {
		// Readiness may flip between the two requests; either answer is valid then
		if resp.StatusCode == http.StatusServiceUnavailable {
			if requireString(t, payload["error"], "error") != "Inference service not ready" {
				t.Fatalf("unexpected error: %v", payload["error"])
			}
			requireString(t, payload["message"], "message")
			return
		}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		assertResultPayload(t, payload)
	case http.StatusInternalServerError:
		errText := requireString(t, payload["error"], "error")
		if errText != "Inference failed" && errText != "Inference request failed" {
			t.Fatalf("unexpected error: %v", errText)
		}
		requireString(t, payload["details"], "details")
	default:
		t.Fatalf("POST /api/ai/perspective status = %d body=%s", resp.StatusCode, body)
	}
}
