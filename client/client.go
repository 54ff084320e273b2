// Package client provides a Go client for a remote conveyor service
// speaking its REST/XML protocol.
//
// Usage:
//
//	c := client.New("https://svc.example.org/rest")
//
//	// Submit a job and poll until the results are ready.
//	h, err := c.Submit(ctx, map[string]string{"model": "fast"}, nil)
//	res, err := c.WaitResults(ctx, h.Name, h.Passwd)
//	for _, f := range res.Files {
//	    fmt.Println(f.Name, f.URL)
//	}
package client

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	conveyor "github.com/conveyorq/conveyor"
)

// Client talks to one conveyor REST endpoint. Safe for concurrent use.
type Client struct {
	baseURL string
	hc      *http.Client

	// Optional HTTP basic credentials of a registered user. Submissions
	// made with credentials are owned by that user.
	username string
	password string

	// pollInterval paces WaitResults. Overridden by the server's
	// Retry-After when present.
	pollInterval time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithBasicAuth attaches user credentials to every request.
func WithBasicAuth(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithPollInterval sets the default WaitResults polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// New creates a Client for the service rooted at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:      baseURL,
		hc:           http.DefaultClient,
		pollInterval: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle identifies a submitted job: its name, its access secret, and
// the canonical results URL.
type Handle struct {
	Name   string
	Passwd string
	URL    string
}

// Status is a job's current lifecycle position.
type Status struct {
	Name       string
	State      string
	SubmitTime time.Time
}

// File is one downloadable result file.
type File struct {
	Name string
	URL  string
}

// Metadatum is one ordered key/value results entry.
type Metadatum struct {
	Name  string
	Value string
}

// Link is one ordered name/URL results entry.
type Link struct {
	Name string
	URL  string
}

// Results is the payload of a finished job.
type Results struct {
	Name     string
	State    string
	Files    []File
	Metadata []Metadatum
	Links    []Link
}

// QueueEntry is one row of the public queue view. User is the owning
// account, empty for anonymous submissions.
type QueueEntry struct {
	Name       string
	State      string
	SubmitTime time.Time
	User       string
}

// Parameter describes one submission parameter as published by the
// service.
type Parameter struct {
	Name     string
	Help     string
	Optional bool
	File     bool
}

// Submit creates a job from string parameters and file uploads and
// returns its handle.
func (c *Client) Submit(ctx context.Context, params map[string]string, files map[string]io.Reader) (*Handle, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeForm(mw, params, files)
		if cerr := mw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/job", pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var handle struct {
		Href string `xml:"href,attr"`
	}
	if err := c.do(req, &handle); err != nil {
		return nil, err
	}

	u, err := url.Parse(handle.Href)
	if err != nil {
		return nil, fmt.Errorf("conveyor/client: parse job handle %q: %w", handle.Href, err)
	}
	return &Handle{
		Name:   u.Query().Get("job"),
		Passwd: u.Query().Get("passwd"),
		URL:    handle.Href,
	}, nil
}

// Status fetches a job's lifecycle state by name. No secret required.
func (c *Client) Status(ctx context.Context, name string) (*Status, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/job/"+url.PathEscape(name)+"/status", nil)
	if err != nil {
		return nil, err
	}

	var body struct {
		Name       string `xml:"name"`
		State      string `xml:"state"`
		SubmitTime string `xml:"submit_time"`
	}
	if err := c.do(req, &body); err != nil {
		return nil, err
	}
	return &Status{
		Name:       body.Name,
		State:      body.State,
		SubmitTime: parseTime(body.SubmitTime),
	}, nil
}

// Results fetches a finished job's results. The passwd is the secret
// from the job's handle; conveyor.ErrNotReady means the job is still
// being computed.
func (c *Client) Results(ctx context.Context, name, passwd string) (*Results, error) {
	q := url.Values{}
	q.Set("job", name)
	q.Set("passwd", passwd)
	req, err := c.newRequest(ctx, http.MethodGet, "/job?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var body struct {
		Name  string `xml:"name"`
		State string `xml:"state"`
		Files []struct {
			Name string `xml:",chardata"`
			URL  string `xml:"url,attr"`
		} `xml:"file"`
		Metadata []struct {
			Name  string `xml:"name,attr"`
			Value string `xml:",chardata"`
		} `xml:"metadata"`
		Links []struct {
			Name string `xml:"name,attr"`
			URL  string `xml:"url,attr"`
		} `xml:"link"`
	}
	if err := c.do(req, &body); err != nil {
		return nil, err
	}

	out := &Results{Name: body.Name, State: body.State}
	for _, f := range body.Files {
		out.Files = append(out.Files, File{Name: f.Name, URL: f.URL})
	}
	for _, m := range body.Metadata {
		out.Metadata = append(out.Metadata, Metadatum{Name: m.Name, Value: m.Value})
	}
	for _, l := range body.Links {
		out.Links = append(out.Links, Link{Name: l.Name, URL: l.URL})
	}
	return out, nil
}

// WaitResults polls until the job's results are ready, honoring the
// server's Retry-After pacing. It returns any outcome other than
// not-ready immediately.
func (c *Client) WaitResults(ctx context.Context, name, passwd string) (*Results, error) {
	for {
		res, err := c.Results(ctx, name, passwd)
		var nr *notReadyError
		if !errors.As(err, &nr) {
			return res, err
		}

		delay := c.pollInterval
		if nr.retryAfter > 0 {
			delay = nr.retryAfter
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Queue fetches the public queue view.
func (c *Client) Queue(ctx context.Context) ([]QueueEntry, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/queue", nil)
	if err != nil {
		return nil, err
	}

	var body struct {
		Jobs []struct {
			Name       string `xml:"name"`
			State      string `xml:"state"`
			SubmitTime string `xml:"submit_time"`
			User       string `xml:"user"`
		} `xml:"job"`
	}
	if err := c.do(req, &body); err != nil {
		return nil, err
	}

	var out []QueueEntry
	for _, j := range body.Jobs {
		out = append(out, QueueEntry{
			Name:       j.Name,
			State:      j.State,
			SubmitTime: parseTime(j.SubmitTime),
			User:       j.User,
		})
	}
	return out, nil
}

// Cancel aborts a job that has not finished. The secret authorizes the
// cancellation; conveyor.ErrAlreadyTerminal means the job had already
// finished.
func (c *Client) Cancel(ctx context.Context, name, passwd string) error {
	q := url.Values{}
	q.Set("job", name)
	q.Set("passwd", passwd)
	req, err := c.newRequest(ctx, http.MethodDelete, "/job?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// Parameters fetches the service's published submission parameters.
func (c *Client) Parameters(ctx context.Context) ([]Parameter, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/parameters", nil)
	if err != nil {
		return nil, err
	}

	type paramXML struct {
		Name     string `xml:"name,attr"`
		Optional string `xml:"optional,attr"`
		Help     string `xml:",chardata"`
	}
	var body struct {
		Strings []paramXML `xml:"string"`
		Files   []paramXML `xml:"file"`
	}
	if err := c.do(req, &body); err != nil {
		return nil, err
	}

	var out []Parameter
	for _, p := range body.Strings {
		out = append(out, Parameter{Name: p.Name, Help: p.Help, Optional: p.Optional == "1"})
	}
	for _, p := range body.Files {
		out = append(out, Parameter{Name: p.Name, Help: p.Help, Optional: p.Optional == "1", File: true})
	}
	return out, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("conveyor/client: build request: %w", err)
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return req, nil
}

// do executes the request and decodes the XML response into out when it
// is non-nil. Non-2xx responses are mapped back to the package-level
// sentinel errors.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("conveyor/client: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := xml.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("conveyor/client: decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

// decodeError translates an XML error body into the sentinel the
// server-side façade would have returned.
func decodeError(resp *http.Response) error {
	var body struct {
		Type    string `xml:"type,attr"`
		Message string `xml:",chardata"`
	}
	_ = xml.NewDecoder(resp.Body).Decode(&body)

	switch body.Type {
	case "access_denied":
		return fmt.Errorf("conveyor/client: %s: %w", body.Message, conveyor.ErrAccessDenied)
	case "not_found":
		return fmt.Errorf("conveyor/client: %s: %w", body.Message, conveyor.ErrJobNotFound)
	case "not_ready":
		return &notReadyError{retryAfter: retryAfter(resp)}
	case "expired":
		return fmt.Errorf("conveyor/client: %s: %w", body.Message, conveyor.ErrExpired)
	case "conflict":
		return fmt.Errorf("conveyor/client: %s: %w", body.Message, conveyor.ErrAlreadyTerminal)
	case "rate_limited":
		return fmt.Errorf("conveyor/client: %s: %w", body.Message, conveyor.ErrRateLimited)
	case "validation":
		return &ValidationError{Message: body.Message}
	default:
		return fmt.Errorf("conveyor/client: server returned %d: %w", resp.StatusCode, conveyor.ErrInternal)
	}
}

// ValidationError reports a submission rejected by the service's
// parameter schema.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("conveyor/client: submission rejected: %s", e.Message)
}

// notReadyError carries the server's polling hint alongside the
// conveyor.ErrNotReady sentinel.
type notReadyError struct {
	retryAfter time.Duration
}

func (e *notReadyError) Error() string { return conveyor.ErrNotReady.Error() }
func (e *notReadyError) Unwrap() error { return conveyor.ErrNotReady }

func retryAfter(resp *http.Response) time.Duration {
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func writeForm(mw *multipart.Writer, params map[string]string, files map[string]io.Reader) error {
	for key, val := range params {
		if err := mw.WriteField(key, val); err != nil {
			return err
		}
	}
	for key, content := range files {
		fw, err := mw.CreateFormFile(key, key)
		if err != nil {
			return err
		}
		if _, err := io.Copy(fw, content); err != nil {
			return err
		}
	}
	return nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
