package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/cuemby/bay/pkg/idempotency"
)

// readAndRestoreBody reads a request body fully and replaces it with a new
// reader over the same bytes, so a later decodeJSON call still works.
func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func saveIdempotentResponse(svc *idempotency.Service, owner, key, method, path string, requestBody []byte, status int, body any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return svc.Save(owner, key, method, path, requestBody, status, encoded)
}

func parsePositiveInt(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return n, nil
}
