package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jpatrickfarrell/jat-sub014/internal/orchestrator"
	"github.com/jpatrickfarrell/jat-sub014/internal/question"
)

// apiClient is the thin HTTP client the one-shot commands use against a
// running `jat serve`.
type apiClient struct {
	base string
	http *http.Client
}

func newClient() *apiClient {
	return &apiClient{
		base: "http://" + apiAddr,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// sessionEntry mirrors the serve API's session snapshot payload.
type sessionEntry struct {
	orchestrator.SessionView
	Tail            []string           `json:"tail,omitempty"`
	PendingQuestion *question.Question `json:"pendingQuestion,omitempty"`
}

// serverEntry mirrors the serve API's server session payload.
type serverEntry struct {
	orchestrator.ServerSession
	Port int      `json:"port,omitempty"`
	Tail []string `json:"tail,omitempty"`
}

// apiError is a non-2xx response, with the server's message when it sent one.
type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string {
	if e.message != "" {
		return e.message
	}
	return http.StatusText(e.status)
}

func (c *apiClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("jat serve unreachable at %s: %w", apiAddr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(data, &payload)
		return &apiError{status: resp.StatusCode, message: payload.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) sessions() ([]sessionEntry, error) {
	var out struct {
		Sessions []sessionEntry `json:"sessions"`
	}
	err := c.do(http.MethodGet, "/api/sessions", nil, &out)
	return out.Sessions, err
}

func (c *apiClient) servers() ([]serverEntry, error) {
	var out struct {
		Servers []serverEntry `json:"servers"`
	}
	err := c.do(http.MethodGet, "/api/servers", nil, &out)
	return out.Servers, err
}

func (c *apiClient) spawn(taskID, projectKey string, epic bool) (sessionEntry, error) {
	body := map[string]any{"taskId": taskID, "projectKey": projectKey, "epic": epic}
	var out sessionEntry
	err := c.do(http.MethodPost, "/api/sessions/spawn", body, &out)
	return out, err
}

func (c *apiClient) kill(name string) error {
	return c.do(http.MethodPost, "/api/sessions/"+name+"/kill", nil, nil)
}

func (c *apiClient) sendText(name, text string) error {
	body := map[string]any{"text": text}
	return c.do(http.MethodPost, "/api/sessions/"+name+"/send-keys", body, nil)
}

func (c *apiClient) sendKeys(name string, keys []string) error {
	body := map[string]any{"keys": keys}
	return c.do(http.MethodPost, "/api/sessions/"+name+"/send-keys", body, nil)
}

func (c *apiClient) answer(name, value string, cancel bool) error {
	body := map[string]any{"value": value, "cancel": cancel}
	return c.do(http.MethodPost, "/api/sessions/"+name+"/answer", body, nil)
}
