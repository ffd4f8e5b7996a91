package xnat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config holds the archive connection settings. The caller owns where these
// come from; the client only consumes them.
type Config struct {
	// BaseURL is the archive server root, e.g. "https://xnat.example.org".
	BaseURL string

	// Username and Password authenticate the per-upload session.
	Username string
	Password string

	// Project is the archive project every upload lands in.
	Project string

	// UsePrearchive routes uploads through the prearchive staging prefix
	// instead of the permanent archive.
	UsePrearchive bool

	// RequestTimeout bounds each individual archive request.
	RequestTimeout time.Duration

	// MaxAttempts is the per-level attempt budget for retryable failures.
	MaxAttempts int

	// RetryBackoff is the base delay between attempts; it grows linearly.
	RetryBackoff time.Duration
}

// Observer receives timing for every archive request the client issues.
// A nil observer is allowed.
type Observer interface {
	ObserveRequest(op string, level Level, d time.Duration, err error)
}

// Client talks to one XNAT archive. It is safe for concurrent use; each
// UploadScan call opens its own authenticated session and no session is ever
// shared between two concurrent walks.
type Client struct {
	cfg      Config
	http     *http.Client
	prefix   string
	observer Observer
}

// Result holds the archive paths produced by one upload. ScanURI is nil when
// the import service created the scan server-side; callers must check, there
// is no placeholder value.
type Result struct {
	SubjectURI    string
	ExperimentURI string
	ScanURI       *string
}

const (
	defaultRequestTimeout = 2 * time.Minute
	defaultMaxAttempts    = 3
	defaultRetryBackoff   = 500 * time.Millisecond
)

// NewClient builds a client for one archive. Zero timeout, attempt and
// backoff settings get defaults.
func NewClient(cfg Config, observer Observer) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}

	dest := "archive"
	if cfg.UsePrearchive {
		dest = "prearchive"
	}

	return &Client{
		cfg:      cfg,
		http:     &http.Client{},
		prefix:   fmt.Sprintf("/data/%s/projects/%s", dest, cfg.Project),
		observer: observer,
	}
}

// UploadScan creates the resource hierarchy for one scan and uploads the file.
//
// The walk visits levels in containment order, accumulating the archive path
// left to right. At the subject and experiment levels a pre-existing
// identifier wins over the generated one. Every level except the file is
// created with an empty-body PUT; the file level carries the file as the
// request body. When useImport is set only the subject and experiment levels
// are walked and one import-service call creates the rest server-side.
//
// Retryable failures are retried in place at the failing level, so earlier
// levels are never re-created. Cancellation is honored between level requests.
// On failure the returned error is a *WalkError naming the failed level and
// every level already created.
func (c *Client) UploadScan(ctx context.Context, ids IdentifierSet, existing ExistingIDs, file io.ReadSeeker, useImport bool) (Result, error) {
	session, err := c.openSession(ctx)
	if err != nil {
		return Result{}, err
	}
	defer c.closeSession(session)

	levels := Levels[:]
	if useImport {
		levels = Levels[:importPrefixLen]
	}

	uri := c.prefix
	uris := make(map[Level]string, len(levels))
	var completed []LevelURI

	for _, level := range levels {
		if err := ctx.Err(); err != nil {
			return Result{}, &WalkError{Failed: level, Completed: completed,
				Err: &TransportError{Op: "put", Level: level, Retryable: false, Err: err}}
		}

		entry := ids.Entry(level)
		id := entry.ID
		if existingID, ok := existing.lookup(level); ok {
			id = existingID
		}

		uri = uri + "/" + level.Segment() + "/" + id
		uris[level] = uri

		var body io.ReadSeeker
		op := "put"
		if level == LevelFile {
			body = file
			op = "upload"
		}

		if err := c.putWithRetry(ctx, session, uri+entry.Query, body, level, op); err != nil {
			return Result{}, &WalkError{Failed: level, Completed: completed, Err: err}
		}
		completed = append(completed, LevelURI{Level: level, URI: uri})
	}

	if useImport {
		if err := c.importScan(ctx, session, ids, file); err != nil {
			return Result{}, &WalkError{Failed: LevelScan, Completed: completed, Err: err}
		}
	}

	result := Result{
		SubjectURI:    uris[LevelSubject],
		ExperimentURI: uris[LevelExperiment],
	}
	if scanURI, ok := uris[LevelScan]; ok {
		result.ScanURI = &scanURI
	}
	return result, nil
}

// putWithRetry issues one creation request, retrying retryable failures up to
// the configured attempt budget. A seekable body is rewound before each
// attempt.
func (c *Client) putWithRetry(ctx context.Context, session, pathAndQuery string, body io.ReadSeeker, level Level, op string) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return &TransportError{Op: op, Level: level, Retryable: false, Err: err}
		}
		if body != nil {
			if _, err := body.Seek(0, io.SeekStart); err != nil {
				return &TransportError{Op: op, Level: level, Retryable: false,
					Err: fmt.Errorf("rewind file: %w", err)}
			}
		}

		lastErr = c.do(ctx, http.MethodPut, c.cfg.BaseURL+pathAndQuery, session, body, level, op)
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) || attempt == c.cfg.MaxAttempts {
			return lastErr
		}

		slog.Warn("archive request failed, retrying",
			"level", level.String(),
			"attempt", attempt,
			"error", lastErr,
		)
		if !sleepCtx(ctx, time.Duration(attempt)*c.cfg.RetryBackoff) {
			return &TransportError{Op: op, Level: level, Retryable: false, Err: ctx.Err()}
		}
	}
	return lastErr
}

// importScan hands an archive bundle to the import service, which creates the
// scan, resource and file levels in one server-side call.
func (c *Client) importScan(ctx context.Context, session string, ids IdentifierSet, file io.ReadSeeker) error {
	params := url.Values{
		"project":    {c.cfg.Project},
		"subject":    {ids.Entry(LevelSubject).ID},
		"experiment": {ids.Entry(LevelExperiment).ID},
	}
	target := c.cfg.BaseURL + "/data/services/import?" + params.Encode()

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return &TransportError{Op: "import", Level: LevelScan, Retryable: false, Err: err}
		}
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return &TransportError{Op: "import", Level: LevelScan, Retryable: false,
				Err: fmt.Errorf("rewind file: %w", err)}
		}

		lastErr = c.do(ctx, http.MethodPost, target, session, file, LevelScan, "import")
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) || attempt == c.cfg.MaxAttempts {
			return lastErr
		}

		slog.Warn("import service request failed, retrying", "attempt", attempt, "error", lastErr)
		if !sleepCtx(ctx, time.Duration(attempt)*c.cfg.RetryBackoff) {
			return &TransportError{Op: "import", Level: LevelScan, Retryable: false, Err: ctx.Err()}
		}
	}
	return lastErr
}

// do issues a single request within the per-request timeout and classifies
// any failure.
func (c *Client) do(ctx context.Context, method, target, session string, body io.Reader, level Level, op string) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	err := c.doOnce(reqCtx, method, target, session, body, level, op)
	if c.observer != nil {
		c.observer.ObserveRequest(op, level, time.Since(start), err)
	}

	// Distinguish the upload being cancelled from the per-request deadline.
	if err != nil && ctx.Err() != nil {
		return &TransportError{Op: op, Level: level, Retryable: false, Err: ctx.Err()}
	}
	return err
}

func (c *Client) doOnce(ctx context.Context, method, target, session string, body io.Reader, level Level, op string) error {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return &TransportError{Op: op, Level: level, Retryable: false, Err: err}
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.AddCookie(&http.Cookie{Name: "JSESSIONID", Value: session})

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyRequestErr(op, level, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		id := strings.TrimPrefix(target, c.cfg.BaseURL)
		return classifyStatus(op, level, id, resp.StatusCode)
	}
	return nil
}

// openSession authenticates once and returns the session token. The token is
// the response body of the JSESSION endpoint.
func (c *Client) openSession(ctx context.Context) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.BaseURL+"/data/JSESSION", nil)
	if err != nil {
		return "", &TransportError{Op: "session", Retryable: false, Err: err}
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", classifyRequestErr("session", LevelSubject, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", classifyStatus("session", LevelSubject, "", resp.StatusCode)
	}

	token, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", &TransportError{Op: "session", Retryable: true, Err: err}
	}
	return strings.TrimSpace(string(token)), nil
}

// closeSession releases the archive session. Best effort: the upload outcome
// is already decided by the time this runs, so failures are only logged.
func (c *Client) closeSession(session string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.cfg.BaseURL+"/data/JSESSION", nil)
	if err != nil {
		return
	}
	req.AddCookie(&http.Cookie{Name: "JSESSIONID", Value: session})

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Warn("failed to close archive session", "error", err)
		return
	}
	drainAndClose(resp.Body)
}

// sleepCtx sleeps for d or until ctx is done. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// drainAndClose consumes the rest of a response body so the connection can be
// reused, then closes it.
func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<20))
	_ = body.Close()
}
