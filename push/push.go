// Package push delivers mobile notifications. The gateway only ever uses
// it best-effort: delivery failures are counted, logged and forgotten.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/juju/errors"

	"github.com/fleetgate/fleetgate/log2"
)

// Sender pushes one identical notification to a set of device tokens and
// reports per-token success/failure counts.
type Sender interface {
	Send(ctx context.Context, tokens []string, title, body string, data map[string]string) (ok, failed int, err error)
}

const DefaultFCMURL = "https://fcm.googleapis.com/fcm/send"

// FCM sends through the Firebase Cloud Messaging legacy HTTP endpoint.
type FCM struct {
	Key    string
	URL    string
	Client *http.Client
	Log    *log2.Log
}

var _ Sender = (*FCM)(nil)

type fcmRequest struct {
	RegistrationIDs []string          `json:"registration_ids"`
	Notification    map[string]string `json:"notification"`
	Data            map[string]string `json:"data,omitempty"`
}

type fcmResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
}

func (f *FCM) Send(ctx context.Context, tokens []string, title, body string, data map[string]string) (int, int, error) {
	if len(tokens) == 0 {
		return 0, 0, nil
	}
	reqBody, err := json.Marshal(fcmRequest{
		RegistrationIDs: tokens,
		Notification:    map[string]string{"title": title, "body": body},
		Data:            data,
	})
	if err != nil {
		return 0, len(tokens), errors.Annotate(err, "fcm marshal")
	}

	url := f.URL
	if url == "" {
		url = DefaultFCMURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return 0, len(tokens), errors.Annotate(err, "fcm request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+f.Key)

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, len(tokens), errors.Annotate(err, "fcm send")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, len(tokens), errors.Errorf("fcm status=%s", resp.Status)
	}

	var fr fcmResponse
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		return 0, len(tokens), errors.Annotate(err, "fcm response")
	}
	return fr.Success, fr.Failure, nil
}

// Mock records sends for tests.
type Mock struct {
	mu    sync.Mutex
	Sends []MockSend
	Fail  bool
}

type MockSend struct {
	Tokens []string
	Title  string
	Body   string
	Data   map[string]string
}

var _ Sender = (*Mock)(nil)

func (m *Mock) Send(ctx context.Context, tokens []string, title, body string, data map[string]string) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return 0, len(tokens), errors.Errorf("mock push failure")
	}
	m.Sends = append(m.Sends, MockSend{Tokens: tokens, Title: title, Body: body, Data: data})
	return len(tokens), 0, nil
}

func (m *Mock) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sends)
}

func (m *Mock) Last() *MockSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Sends) == 0 {
		return nil
	}
	s := m.Sends[len(m.Sends)-1]
	return &s
}
