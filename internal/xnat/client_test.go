package xnat

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// archiveRequest is one request the fake archive received.
type archiveRequest struct {
	Method string
	Path   string
	Query  string
	Body   string
}

// fakeArchive is an httptest-backed XNAT stand-in. The JSESSION endpoints are
// always handled; everything else goes through respond, which can be scripted
// per path.
type fakeArchive struct {
	server  *httptest.Server
	respond func(req archiveRequest, attempt int) int

	mu       sync.Mutex
	requests []archiveRequest
	attempts map[string]int
	closed   int
}

func newFakeArchive(t *testing.T, respond func(req archiveRequest, attempt int) int) *fakeArchive {
	t.Helper()
	f := &fakeArchive{respond: respond, attempts: make(map[string]int)}

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/data/JSESSION" {
			switch r.Method {
			case http.MethodPost:
				if _, _, ok := r.BasicAuth(); !ok {
					w.WriteHeader(http.StatusUnauthorized)
					return
				}
				io.WriteString(w, "SESSION123")
			case http.MethodDelete:
				f.mu.Lock()
				f.closed++
				f.mu.Unlock()
			}
			return
		}

		body, _ := io.ReadAll(r.Body)
		req := archiveRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Body:   string(body),
		}

		if c, err := r.Cookie("JSESSIONID"); err != nil || c.Value != "SESSION123" {
			t.Errorf("%s %s: missing or wrong session cookie", r.Method, r.URL.Path)
		}

		f.mu.Lock()
		f.attempts[req.Path]++
		attempt := f.attempts[req.Path]
		f.requests = append(f.requests, req)
		f.mu.Unlock()

		status := http.StatusOK
		if f.respond != nil {
			status = f.respond(req, attempt)
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeArchive) recorded() []archiveRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]archiveRequest(nil), f.requests...)
}

func (f *fakeArchive) sessionsClosed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func testClient(f *fakeArchive, prearchive bool) *Client {
	return NewClient(Config{
		BaseURL:       f.server.URL,
		Username:      "svc",
		Password:      "secret",
		Project:       "MBAM",
		UsePrearchive: prearchive,
		MaxAttempts:   3,
		RetryBackoff:  time.Millisecond,
	}, nil)
}

func testIdentifiers() IdentifierSet {
	return NewIdentifierSet(
		IdentifierEntry{Level: LevelSubject, ID: "000007"},
		IdentifierEntry{Level: LevelExperiment, ID: "000007_MR2", Query: "?xnat:mrSessionData/date=03/15/2024"},
		IdentifierEntry{Level: LevelScan, ID: "T1_1", Query: "?xsiType=xnat:mrScanData"},
		IdentifierEntry{Level: LevelResource, ID: "NIFTI"},
		IdentifierEntry{Level: LevelFile, ID: "T1.nii.gz", Query: "?xsi:type=xnat:mrScanData"},
	)
}

func TestUploadScan_WalksHierarchyInOrder(t *testing.T) {
	f := newFakeArchive(t, nil)
	c := testClient(f, false)

	file := strings.NewReader("nifti-bytes")
	result, err := c.UploadScan(context.Background(), testIdentifiers(), ExistingIDs{}, file, false)
	if err != nil {
		t.Fatalf("UploadScan() error = %v", err)
	}

	base := "/data/archive/projects/MBAM"
	wantPaths := []string{
		base + "/subjects/000007",
		base + "/subjects/000007/experiments/000007_MR2",
		base + "/subjects/000007/experiments/000007_MR2/scans/T1_1",
		base + "/subjects/000007/experiments/000007_MR2/scans/T1_1/resources/NIFTI",
		base + "/subjects/000007/experiments/000007_MR2/scans/T1_1/resources/NIFTI/files/T1.nii.gz",
	}

	reqs := f.recorded()
	if len(reqs) != len(wantPaths) {
		t.Fatalf("got %d requests, want %d", len(reqs), len(wantPaths))
	}
	for i, req := range reqs {
		if req.Method != http.MethodPut {
			t.Errorf("request %d method = %s, want PUT", i, req.Method)
		}
		if req.Path != wantPaths[i] {
			t.Errorf("request %d path = %q, want %q", i, req.Path, wantPaths[i])
		}
	}

	// Level creation queries ride along on the right requests.
	if reqs[1].Query != "xnat:mrSessionData/date=03/15/2024" {
		t.Errorf("experiment query = %q", reqs[1].Query)
	}
	if reqs[2].Query != "xsiType=xnat:mrScanData" {
		t.Errorf("scan query = %q", reqs[2].Query)
	}

	// Only the file request carries the payload.
	for i, req := range reqs[:4] {
		if req.Body != "" {
			t.Errorf("request %d carried a body", i)
		}
	}
	if reqs[4].Body != "nifti-bytes" {
		t.Errorf("file body = %q, want %q", reqs[4].Body, "nifti-bytes")
	}

	if result.SubjectURI != wantPaths[0] {
		t.Errorf("SubjectURI = %q, want %q", result.SubjectURI, wantPaths[0])
	}
	if result.ExperimentURI != wantPaths[1] {
		t.Errorf("ExperimentURI = %q, want %q", result.ExperimentURI, wantPaths[1])
	}
	if result.ScanURI == nil || *result.ScanURI != wantPaths[2] {
		t.Errorf("ScanURI = %v, want %q", result.ScanURI, wantPaths[2])
	}

	if f.sessionsClosed() != 1 {
		t.Errorf("sessions closed = %d, want 1", f.sessionsClosed())
	}
}

func TestUploadScan_PrearchivePrefix(t *testing.T) {
	f := newFakeArchive(t, nil)
	c := testClient(f, true)

	_, err := c.UploadScan(context.Background(), testIdentifiers(), ExistingIDs{}, strings.NewReader("x"), false)
	if err != nil {
		t.Fatalf("UploadScan() error = %v", err)
	}

	reqs := f.recorded()
	want := "/data/prearchive/projects/MBAM/subjects/000007"
	if reqs[0].Path != want {
		t.Errorf("first path = %q, want %q", reqs[0].Path, want)
	}
}

func TestUploadScan_ExistingIdentifiersWin(t *testing.T) {
	f := newFakeArchive(t, nil)
	c := testClient(f, false)

	existing := ExistingIDs{Subject: "XNAT_S42", Experiment: "XNAT_E99"}
	result, err := c.UploadScan(context.Background(), testIdentifiers(), existing, strings.NewReader("x"), false)
	if err != nil {
		t.Fatalf("UploadScan() error = %v", err)
	}

	reqs := f.recorded()
	wantSubject := "/data/archive/projects/MBAM/subjects/XNAT_S42"
	wantExperiment := wantSubject + "/experiments/XNAT_E99"
	if reqs[0].Path != wantSubject {
		t.Errorf("subject path = %q, want %q", reqs[0].Path, wantSubject)
	}
	if reqs[1].Path != wantExperiment {
		t.Errorf("experiment path = %q, want %q", reqs[1].Path, wantExperiment)
	}
	// Deeper levels keep the generated identifiers.
	if !strings.HasSuffix(reqs[2].Path, "/scans/T1_1") {
		t.Errorf("scan path = %q, want generated scan id", reqs[2].Path)
	}
	if result.ExperimentURI != wantExperiment {
		t.Errorf("ExperimentURI = %q, want %q", result.ExperimentURI, wantExperiment)
	}
}

func TestUploadScan_ImportServiceSkipsDeepLevels(t *testing.T) {
	f := newFakeArchive(t, nil)
	c := testClient(f, false)

	result, err := c.UploadScan(context.Background(), testIdentifiers(), ExistingIDs{}, strings.NewReader("zip-bytes"), true)
	if err != nil {
		t.Fatalf("UploadScan() error = %v", err)
	}

	reqs := f.recorded()
	if len(reqs) != 3 {
		t.Fatalf("got %d requests, want 3 (subject, experiment, import)", len(reqs))
	}

	imp := reqs[2]
	if imp.Method != http.MethodPost || imp.Path != "/data/services/import" {
		t.Fatalf("import request = %s %s", imp.Method, imp.Path)
	}
	for _, param := range []string{"project=MBAM", "subject=000007", "experiment=000007_MR2"} {
		if !strings.Contains(imp.Query, param) {
			t.Errorf("import query %q missing %q", imp.Query, param)
		}
	}
	if imp.Body != "zip-bytes" {
		t.Errorf("import body = %q, want %q", imp.Body, "zip-bytes")
	}

	if result.ScanURI != nil {
		t.Errorf("ScanURI = %q, want nil on the import path", *result.ScanURI)
	}
	if result.SubjectURI == "" || result.ExperimentURI == "" {
		t.Error("subject and experiment URIs should still be reported")
	}
}

func TestUploadScan_RetriesInPlace(t *testing.T) {
	scanPath := "/data/archive/projects/MBAM/subjects/000007/experiments/000007_MR2/scans/T1_1"
	f := newFakeArchive(t, func(req archiveRequest, attempt int) int {
		if req.Path == scanPath && attempt < 3 {
			return http.StatusServiceUnavailable
		}
		return http.StatusOK
	})
	c := testClient(f, false)

	_, err := c.UploadScan(context.Background(), testIdentifiers(), ExistingIDs{}, strings.NewReader("x"), false)
	if err != nil {
		t.Fatalf("UploadScan() error = %v", err)
	}

	// The failing level was retried; completed levels were not re-created.
	counts := make(map[string]int)
	for _, req := range f.recorded() {
		counts[req.Path]++
	}
	if counts[scanPath] != 3 {
		t.Errorf("scan level attempts = %d, want 3", counts[scanPath])
	}
	for path, n := range counts {
		if path != scanPath && n != 1 {
			t.Errorf("%s created %d times, want 1", path, n)
		}
	}
}

func TestUploadScan_FileRewoundBetweenAttempts(t *testing.T) {
	f := newFakeArchive(t, func(req archiveRequest, attempt int) int {
		if strings.Contains(req.Path, "/files/") && attempt == 1 {
			return http.StatusBadGateway
		}
		return http.StatusOK
	})
	c := testClient(f, false)

	_, err := c.UploadScan(context.Background(), testIdentifiers(), ExistingIDs{}, strings.NewReader("payload"), false)
	if err != nil {
		t.Fatalf("UploadScan() error = %v", err)
	}

	var fileBodies []string
	for _, req := range f.recorded() {
		if strings.Contains(req.Path, "/files/") {
			fileBodies = append(fileBodies, req.Body)
		}
	}
	if len(fileBodies) != 2 {
		t.Fatalf("file attempts = %d, want 2", len(fileBodies))
	}
	for i, body := range fileBodies {
		if body != "payload" {
			t.Errorf("file attempt %d body = %q, want %q", i+1, body, "payload")
		}
	}
}

func TestUploadScan_TerminalFailureReportsWalkState(t *testing.T) {
	f := newFakeArchive(t, func(req archiveRequest, attempt int) int {
		if strings.Contains(req.Path, "/experiments/") {
			return http.StatusForbidden
		}
		return http.StatusOK
	})
	c := testClient(f, false)

	_, err := c.UploadScan(context.Background(), testIdentifiers(), ExistingIDs{}, strings.NewReader("x"), false)
	if err == nil {
		t.Fatal("UploadScan() succeeded, want walk failure")
	}

	var walkErr *WalkError
	if !errors.As(err, &walkErr) {
		t.Fatalf("error = %T, want *WalkError", err)
	}
	if walkErr.Failed != LevelExperiment {
		t.Errorf("Failed = %v, want %v", walkErr.Failed, LevelExperiment)
	}
	if len(walkErr.Completed) != 1 || walkErr.Completed[0].Level != LevelSubject {
		t.Errorf("Completed = %v, want just the subject level", walkErr.Completed)
	}
	if Retryable(err) {
		t.Error("terminal failure reported as retryable")
	}

	// No retries on a terminal status, and the session is still released.
	counts := make(map[string]int)
	for _, req := range f.recorded() {
		counts[req.Path]++
	}
	if n := counts["/data/archive/projects/MBAM/subjects/000007/experiments/000007_MR2"]; n != 1 {
		t.Errorf("experiment attempts = %d, want 1", n)
	}
	if f.sessionsClosed() != 1 {
		t.Errorf("sessions closed = %d, want 1", f.sessionsClosed())
	}
}

func TestUploadScan_ConflictIsNotRetried(t *testing.T) {
	f := newFakeArchive(t, func(req archiveRequest, attempt int) int {
		if strings.HasSuffix(req.Path, "/scans/T1_1") {
			return http.StatusConflict
		}
		return http.StatusOK
	})
	c := testClient(f, false)

	_, err := c.UploadScan(context.Background(), testIdentifiers(), ExistingIDs{}, strings.NewReader("x"), false)

	var conflictErr *ConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("error = %v, want ConflictError in chain", err)
	}
	if conflictErr.Level != LevelScan {
		t.Errorf("conflict level = %v, want %v", conflictErr.Level, LevelScan)
	}

	counts := make(map[string]int)
	for _, req := range f.recorded() {
		counts[req.Path]++
	}
	for path, n := range counts {
		if n != 1 {
			t.Errorf("%s attempted %d times, want 1", path, n)
		}
	}
}

func TestUploadScan_SessionRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	c := NewClient(Config{
		BaseURL:  server.URL,
		Username: "svc",
		Password: "wrong",
		Project:  "MBAM",
	}, nil)

	_, err := c.UploadScan(context.Background(), testIdentifiers(), ExistingIDs{}, strings.NewReader("x"), false)

	var transErr *TransportError
	if !errors.As(err, &transErr) {
		t.Fatalf("error = %T, want *TransportError", err)
	}
	if transErr.Op != "session" {
		t.Errorf("Op = %q, want %q", transErr.Op, "session")
	}
	if transErr.Retryable {
		t.Error("credential rejection reported as retryable")
	}
}
