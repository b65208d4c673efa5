package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// EndpointForProject returns the HTTP v1 send endpoint for a project.
func EndpointForProject(projectID string) string {
	return fmt.Sprintf("https://fcm.googleapis.com/v1/projects/%s/messages:send", projectID)
}

// Reason classifies a failed dispatch.
type Reason int

const (
	ReasonTransient Reason = iota
	ReasonTargetTokenInvalid
	ReasonUnauthorized
)

func (r Reason) String() string {
	switch r {
	case ReasonTargetTokenInvalid:
		return "target_token_invalid"
	case ReasonUnauthorized:
		return "unauthorized"
	default:
		return "transient"
	}
}

func (r Reason) sentinel() error {
	switch r {
	case ReasonTargetTokenInvalid:
		return ErrTargetTokenInvalid
	case ReasonUnauthorized:
		return ErrUnauthorized
	default:
		return ErrTransient
	}
}

// DispatchError is a failed dispatch. errors.Is matches the sentinel for its Reason.
type DispatchError struct {
	Reason     Reason
	StatusCode int
	Status     string
	ErrorCode  string
	Message    string
	Err        error
}

func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("push dispatch %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("push dispatch %s: status %d %s %s: %s", e.Reason, e.StatusCode, e.Status, e.ErrorCode, e.Message)
}

func (e *DispatchError) Is(target error) bool {
	return target == e.Reason.sentinel()
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Result is a successful dispatch.
type Result struct {
	Name string
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Endpoint   string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *logrus.Entry
	Metrics    *Metrics
}

// Dispatcher sends one notification per call, without retries.
type Dispatcher struct {
	endpoint string
	client   *http.Client
	timeout  time.Duration
	log      *logrus.Entry
	metrics  *Metrics
}

func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, errors.New("push endpoint is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.WithField("component", "push")
	}

	return &Dispatcher{
		endpoint: opts.Endpoint,
		client:   opts.HTTPClient,
		timeout:  opts.Timeout,
		log:      opts.Logger,
		metrics:  opts.Metrics,
	}, nil
}

type gatewayError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type      string `json:"@type"`
			ErrorCode string `json:"errorCode"`
		} `json:"details"`
	} `json:"error"`
}

// Dispatch posts payload with the bearer token. Failures are *DispatchError.
func (d *Dispatcher) Dispatch(ctx context.Context, payload Payload, token AccessToken) (Result, error) {
	if err := payload.Validate(); err != nil {
		return Result{}, err
	}

	body, err := json.Marshal(payload.wire())
	if err != nil {
		return Result{}, fmt.Errorf("encode push payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.Value)
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return Result{}, d.fail(&DispatchError{Reason: ReasonTransient, Err: err}, start)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, d.fail(&DispatchError{Reason: ReasonTransient, StatusCode: resp.StatusCode, Err: err}, start)
	}

	if resp.StatusCode/100 != 2 {
		return Result{}, d.fail(classifyResponse(resp.StatusCode, raw), start)
	}

	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		d.log.WithError(err).Debug("undecodable push success body")
	}

	d.metrics.dispatched("sent", time.Since(start))
	d.log.WithFields(logrus.Fields{
		"sender": payload.SenderID,
		"name":   res.Name,
	}).Debug("push dispatched")
	return res, nil
}

func (d *Dispatcher) fail(err *DispatchError, start time.Time) error {
	d.metrics.dispatched(err.Reason.String(), time.Since(start))
	d.log.WithFields(logrus.Fields{
		"reason": err.Reason.String(),
		"status": err.StatusCode,
	}).Warn("push dispatch failed")
	return err
}

func classifyResponse(statusCode int, raw []byte) *DispatchError {
	var ge gatewayError
	_ = json.Unmarshal(raw, &ge)

	out := &DispatchError{
		Reason:     ReasonTransient,
		StatusCode: statusCode,
		Status:     ge.Error.Status,
		Message:    ge.Error.Message,
	}
	for _, detail := range ge.Error.Details {
		if detail.ErrorCode != "" {
			out.ErrorCode = detail.ErrorCode
			break
		}
	}

	switch {
	case out.ErrorCode == "UNREGISTERED", out.ErrorCode == "INVALID_ARGUMENT", out.ErrorCode == "SENDER_ID_MISMATCH":
		out.Reason = ReasonTargetTokenInvalid
	case statusCode == http.StatusNotFound, out.Status == "INVALID_ARGUMENT":
		out.Reason = ReasonTargetTokenInvalid
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		out.Reason = ReasonUnauthorized
	}
	return out
}
