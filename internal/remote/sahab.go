package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// maxResponseBytes bounds how much of a vendor response is read.
const maxResponseBytes = 10 << 20

// SahabOptions configures a SahabClient.
type SahabOptions struct {
	BaseURL     string
	LargePath   string
	ShortPath   string
	PollPath    string
	Language    string
	Model       string
	Timeout     time.Duration // per HTTP request
	PollRetries int           // extra poll attempts after the first
	PollBackoff time.Duration // linear backoff step between poll attempts
	HTTPClient  *http.Client  // optional; built from Timeout when nil
}

// SahabClient is the PartAI speech recognition gateway.
type SahabClient struct {
	opts   SahabOptions
	client *http.Client
}

func NewSahabClient(opts SahabOptions) *SahabClient {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &SahabClient{opts: opts, client: client}
}

// submitEnvelope is the vendor's submit response:
//
//	{"data": {"status": "success", "data": {"token": "..."}}, "meta": {...}}
//
// or, for the synchronous endpoint, data.data carries result and time_stamp.
type submitEnvelope struct {
	Data *struct {
		Status string                     `json:"status"`
		Data   map[string]json.RawMessage `json:"data"`
	} `json:"data"`
}

// pollEnvelope is the tracking response. data.result appears once the job
// has finished.
type pollEnvelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

// Transcript is the stored result of a finished job.
type Transcript struct {
	Text       json.RawMessage            `json:"text"`
	Timestamps json.RawMessage            `json:"timestamps"`
	Data       map[string]json.RawMessage `json:"data,omitempty"`
}

// Submit uploads req.Media as a multipart form. It is never retried.
func (c *SahabClient) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	body, contentType, err := c.multipartBody(req)
	if err != nil {
		return nil, &RemoteError{Op: OpSubmit, Reason: "building request", Err: err}
	}

	path := c.opts.LargePath
	if req.Short {
		path = c.opts.ShortPath
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), body)
	if err != nil {
		return nil, &RemoteError{Op: OpSubmit, Reason: "building request", Err: err}
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("gateway-token", req.Credential)

	status, raw, err := c.do(httpReq)
	if err != nil {
		return nil, &RemoteError{Op: OpSubmit, Reason: classifyTransportError(err), Err: err, Temporary: true}
	}
	if status < 200 || status >= 300 {
		slog.Error("vendor rejected submit", "record_id", req.RecordID, "status", status, "body", truncate(raw))
		return nil, &RemoteError{Op: OpSubmit, StatusCode: status, Reason: "error in sending the request", Temporary: status >= 500}
	}

	var env submitEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Data == nil || env.Data.Status != "success" || len(env.Data.Data) == 0 {
		slog.Error("vendor submit response is not valid", "record_id", req.RecordID, "status", status, "body", truncate(raw))
		return nil, &RemoteError{Op: OpSubmit, StatusCode: status, Reason: "not a valid response"}
	}

	if req.Short {
		result, ok := env.Data.Data["result"]
		if !ok || isNull(result) {
			return nil, &RemoteError{Op: OpSubmit, StatusCode: status, Reason: "response has no result"}
		}
		immediate, err := json.Marshal(Transcript{Text: result, Timestamps: env.Data.Data["time_stamp"]})
		if err != nil {
			return nil, &RemoteError{Op: OpSubmit, StatusCode: status, Reason: "encoding result", Err: err}
		}
		return &Submission{Immediate: immediate, StatusCode: status}, nil
	}

	var token string
	if rawToken, ok := env.Data.Data["token"]; ok {
		_ = json.Unmarshal(rawToken, &token)
	}
	if token == "" {
		return nil, &RemoteError{Op: OpSubmit, StatusCode: status, Reason: "response has no token"}
	}
	return &Submission{Token: token, StatusCode: status}, nil
}

// Poll asks for the state of a tracked job. Transport failures and 5xx are
// retried with a linear backoff; if they persist the returned RemoteError
// is Temporary and the caller should try again on its next pass.
func (c *SahabClient) Poll(ctx context.Context, req PollRequest) (*PollResult, error) {
	if req.Token == "" {
		return &PollResult{State: Failed, Reason: "record has no tracking token"}, nil
	}

	tries := c.opts.PollRetries + 1
	return backoff.Retry(ctx, func() (*PollResult, error) {
		return c.pollOnce(ctx, req)
	}, backoff.WithBackOff(newLinearBackOff(c.opts.PollBackoff)), backoff.WithMaxTries(uint(tries)))
}

func (c *SahabClient) pollOnce(ctx context.Context, req PollRequest) (*PollResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(c.opts.PollPath)+url.PathEscape(req.Token), nil)
	if err != nil {
		return nil, backoff.Permanent(&RemoteError{Op: OpPoll, Reason: "building request", Err: err})
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Credential != "" {
		httpReq.Header.Set("gateway-token", req.Credential)
	}

	status, raw, err := c.do(httpReq)
	if err != nil {
		return nil, &RemoteError{Op: OpPoll, Reason: classifyTransportError(err), Err: err, Temporary: true}
	}
	if status >= 500 || status == http.StatusTooManyRequests {
		return nil, &RemoteError{Op: OpPoll, StatusCode: status, Reason: "vendor unavailable", Temporary: true}
	}

	var env pollEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Status != "success" || isNull(env.Data) {
		slog.Error("speech check token failed", "record_id", req.RecordID, "status", status, "body", truncate(raw))
		return &PollResult{State: Failed, Reason: "not a valid tracking response", StatusCode: status}, nil
	}

	var data map[string]json.RawMessage
	if err := json.Unmarshal(env.Data, &data); err != nil {
		// data is present but not an object: the file has not been processed yet.
		return &PollResult{State: Pending, StatusCode: status}, nil
	}
	text, ok := data["result"]
	if !ok || isNull(text) {
		return &PollResult{State: Pending, StatusCode: status}, nil
	}

	t := Transcript{Text: text, Timestamps: data["time_stamp"]}
	if nested, ok := data["data"]; ok && !isNull(nested) {
		var extra map[string]json.RawMessage
		if err := json.Unmarshal(nested, &extra); err == nil {
			delete(extra, "filePath")
			t.Data = extra
		}
	}
	result, err := json.Marshal(t)
	if err != nil {
		return nil, backoff.Permanent(&RemoteError{Op: OpPoll, StatusCode: status, Reason: "encoding result", Err: err})
	}
	return &PollResult{State: Completed, Result: result, StatusCode: status}, nil
}

func (c *SahabClient) do(req *http.Request) (int, []byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, raw, nil
}

func (c *SahabClient) multipartBody(req SubmitRequest) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", req.Filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, req.Media); err != nil {
		return nil, "", fmt.Errorf("copying media: %w", err)
	}
	if err := w.WriteField("language", c.opts.Language); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("model", c.opts.Model); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func (c *SahabClient) endpoint(path string) string {
	return strings.TrimRight(c.opts.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(bytes.TrimSpace(raw)) == "null"
}

func truncate(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
