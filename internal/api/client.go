package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"modchat/internal/logging"
)

const (
	defaultTimeout  = 10 * time.Second
	headerRequestID = "X-Request-ID"
)

// ErrUnauthorized is returned when the backend rejects the bearer token.
var ErrUnauthorized = errors.New("unauthorized")

// Client issues the chat and room metrics calls against the REST backend.
// Every call is authenticated with the bearer token it is given.
type Client struct {
	baseURL   string
	http      *http.Client
	userAgent string
}

// NewClient returns a client for baseURL (for example https://api.hellomais.com.br).
// A nil httpClient gets a default one with a request timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// SetUserAgent sets the User-Agent header sent with every call.
func (c *Client) SetUserAgent(ua string) {
	c.userAgent = ua
}

// BaseURL returns the backend root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CommandError is a non-success response to a REST call. Error returns
// text suitable for showing to the moderator.
type CommandError struct {
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Message == "" {
		return "failed to " + e.Op
	}
	return fmt.Sprintf("failed to %s: %s", e.Op, e.Message)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

type request struct {
	op      string
	method  string
	path    string
	token   string
	payload interface{}
	form    url.Values
	accept  string
}

func (c *Client) do(ctx context.Context, req request, out interface{}) error {
	var body io.Reader
	if req.payload != nil {
		buf, err := json.Marshal(req.payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(buf)
	} else if req.form != nil {
		body = strings.NewReader(req.form.Encode())
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.baseURL+req.path, body)
	if err != nil {
		return err
	}
	if req.payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	} else if req.form != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	accept := req.accept
	if accept == "" {
		accept = "application/json"
	}
	httpReq.Header.Set("Accept", accept)
	if req.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.token)
	}
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	reqID := uuid.New().String()
	httpReq.Header.Set(headerRequestID, reqID)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	logger := logging.Ctx(ctx).With().
		Str(logging.FieldRequestID, reqID).
		Str(logging.FieldMethod, req.method).
		Str(logging.FieldPath, req.path).
		Logger()
	if err != nil {
		logger.Warn().Err(err).Msg("request failed")
		return &CommandError{Op: req.op, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()
	logger.Debug().
		Int(logging.FieldStatus, resp.StatusCode).
		Int64(logging.FieldLatency, time.Since(start).Milliseconds()).
		Msg("request completed")

	if resp.StatusCode == http.StatusUnauthorized {
		return &CommandError{Op: req.op, Status: resp.StatusCode, Message: "session expired, log in again", Err: ErrUnauthorized}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &CommandError{Op: req.op, Status: resp.StatusCode, Message: readResponseError(resp.Body)}
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &CommandError{Op: req.op, Status: resp.StatusCode, Message: err.Error(), Err: err}
	}
	if text, ok := out.(*string); ok {
		*text = strings.TrimSpace(string(data))
		return nil
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &CommandError{Op: req.op, Status: resp.StatusCode, Message: "unexpected response", Err: err}
	}
	return nil
}

func readResponseError(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	var parsed struct {
		Error   string          `json:"error"`
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(data, &parsed); err == nil {
		if msg := rawMessageText(parsed.Message); msg != "" {
			return msg
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	return strings.TrimSpace(string(data))
}

// rawMessageText accepts the backend's "message" field as a string or a list
// of validation strings.
func rawMessageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, "; ")
	}
	return ""
}

func idPath(format string, id int64) string {
	return fmt.Sprintf(format, strconv.FormatInt(id, 10))
}
