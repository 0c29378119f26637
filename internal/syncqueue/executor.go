package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

// TokenSource returns the bearer token attached to every backend call.
type TokenSource func() (string, error)

// HTTPExecutor replays actions as HTTP requests against the backend base URL.
type HTTPExecutor struct {
	baseURL string
	token   TokenSource
	timeout time.Duration
}

func NewHTTPExecutor(baseURL string, token TokenSource, timeout time.Duration) *HTTPExecutor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPExecutor{baseURL: strings.TrimRight(baseURL, "/"), token: token, timeout: timeout}
}

func (e *HTTPExecutor) Execute(_ context.Context, a Action) error {
	method := a.Method
	if method == "" {
		method = fiber.MethodPost
	}

	agent := fiber.AcquireAgent()
	req := agent.Request()
	req.Header.SetMethod(method)
	req.SetRequestURI(e.baseURL + a.Endpoint)
	if err := agent.Parse(); err != nil {
		fiber.ReleaseAgent(agent)
		return err
	}
	agent.Timeout(e.timeout)
	agent.Set("Idempotency-Key", a.ID)
	if e.token != nil {
		tok, err := e.token()
		if err != nil {
			fiber.ReleaseAgent(agent)
			return fmt.Errorf("sign request: %w", err)
		}
		agent.Set(fiber.HeaderAuthorization, "Bearer "+tok)
	}
	if len(a.Payload) > 0 {
		agent.ContentType(fiber.MIMEApplicationJSON)
		agent.Body(a.Payload)
	}

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if code < 200 || code >= 300 {
		return fmt.Errorf("%s %s: status %d: %s", method, a.Endpoint, code, truncate(body, 200))
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
