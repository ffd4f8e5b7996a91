// Package scans implements the scan upload pipeline: preprocessing the
// uploaded file, allocating archive identifiers, probing for identifiers the
// archive already assigned, driving the hierarchy upload, and synchronizing
// the archive's answers back onto local records.
package scans

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/mindbrainbody/mbam/internal/logging"
	"github.com/mindbrainbody/mbam/internal/store"
	"github.com/mindbrainbody/mbam/internal/xnat"
)

// Store is the persistence surface the pipeline needs.
type Store interface {
	GetUser(ctx context.Context, id int64) (store.User, error)
	GetExperiment(ctx context.Context, id int64) (store.Experiment, error)
	ReserveScan(ctx context.Context, experimentID int64) (store.Scan, store.Experiment, error)
	SetUserXNAT(ctx context.Context, userID int64, subjectID, uri string) error
	SetExperimentXNAT(ctx context.Context, experimentID int64, xnatID, uri string) error
	CompleteScan(ctx context.Context, scanID int64, xnatID, uri string) error
	MarkScanFailed(ctx context.Context, scanID int64, reason string) error
}

// Archive uploads one scan's resource hierarchy.
type Archive interface {
	UploadScan(ctx context.Context, ids xnat.IdentifierSet, existing xnat.ExistingIDs, file io.ReadSeeker, useImport bool) (xnat.Result, error)
}

// Recorder counts upload outcomes. A nil recorder is allowed.
type Recorder interface {
	RecordUpload(outcome string, bytes int64)
}

// Options tune the upload pipeline.
type Options struct {
	// MaxConcurrent bounds parallel uploads; zero means the default.
	MaxConcurrent int

	// MaxWaitTime is how long an upload waits for a slot.
	MaxWaitTime time.Duration

	// Timeout bounds one whole upload including retries.
	Timeout time.Duration
}

// DefaultUploadTimeout bounds one upload when Options.Timeout is zero.
const DefaultUploadTimeout = 10 * time.Minute

// Service orchestrates scan uploads.
type Service struct {
	store   Store
	archive Archive
	metrics Recorder
	limiter *uploadLimiter
	timeout time.Duration
}

// NewService wires the pipeline. metrics may be nil.
func NewService(st Store, archive Archive, metrics Recorder, opts Options) *Service {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultUploadTimeout
	}
	return &Service{
		store:   st,
		archive: archive,
		metrics: metrics,
		limiter: newUploadLimiter(opts.MaxConcurrent, opts.MaxWaitTime),
		timeout: timeout,
	}
}

// UploadOutcome reports one completed upload. ScanURI is nil when the import
// service created the scan server-side.
type UploadOutcome struct {
	UploadID      string
	ScanID        int64
	ScanNumber    int
	SubjectURI    string
	ExperimentURI string
	ScanURI       *string
}

// UploadScan publishes one scan file into the archive and records the
// archive's identifiers on the local user, experiment and scan rows.
//
// The scan row is created provisionally before the archive walk and marked
// complete only after the upload is confirmed; a failed upload leaves the row
// marked failed with the reason, and an abandoned one is found later via
// the store's incomplete-scan listing.
func (s *Service) UploadScan(ctx context.Context, userID, experimentID int64, file io.Reader, fileName string) (*UploadOutcome, error) {
	if err := s.limiter.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.limiter.release()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	uploadID := uuid.New().String()
	logger := logging.WithFields(ctx,
		"upload_id", uploadID,
		"user_id", userID,
		"experiment_id", experimentID,
		"file_name", fileName,
	)

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if exp, err := s.store.GetExperiment(ctx, experimentID); err != nil {
		return nil, err
	} else if exp.UserID != userID {
		return nil, fmt.Errorf("experiment %d does not belong to user %d", experimentID, userID)
	}

	processed, useImport, err := preprocessFile(file, fileName)
	if err != nil {
		s.record("preprocess_failed", 0)
		return nil, err
	}
	defer processed.Close()

	size, err := processed.Seek(0, io.SeekEnd)
	if err == nil {
		_, err = processed.Seek(0, io.SeekStart)
	}
	if err != nil {
		s.record("preprocess_failed", 0)
		return nil, &PreprocessError{FileName: fileName, Err: err}
	}

	// Reserving the scan number and creating the provisional row happen in
	// one store transaction; the returned experiment snapshot carries the
	// counter value the allocation below is based on.
	scan, expSnapshot, err := s.store.ReserveScan(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	ids := allocateIdentifiers(userID, user, expSnapshot)
	existing := existingIdentifiers(user, expSnapshot)

	logger.Info("starting archive upload",
		"scan_id", scan.ID,
		"scan_number", scan.ScanNumber,
		"import_service", useImport,
		"bytes", size,
	)

	result, err := s.archive.UploadScan(ctx, ids, existing, processed, useImport)
	if err != nil {
		logger.Error("archive upload failed", "scan_id", scan.ID, "error", err)
		s.record("archive_failed", 0)
		// The upload context may already be dead; the failure still needs
		// to land on the scan row.
		if markErr := s.store.MarkScanFailed(context.WithoutCancel(ctx), scan.ID, err.Error()); markErr != nil {
			logger.Error("failed to mark scan failed", "scan_id", scan.ID, "error", markErr)
		}
		return nil, err
	}

	if err := s.syncResult(ctx, user, expSnapshot, scan, ids, existing, result); err != nil {
		logger.Error("result synchronization failed", "scan_id", scan.ID, "error", err)
		s.record("sync_failed", 0)
		return nil, err
	}

	logger.Info("scan upload complete",
		"scan_id", scan.ID,
		"subject_uri", result.SubjectURI,
		"experiment_uri", result.ExperimentURI,
	)
	s.record("success", size)

	return &UploadOutcome{
		UploadID:      uploadID,
		ScanID:        scan.ID,
		ScanNumber:    scan.ScanNumber,
		SubjectURI:    result.SubjectURI,
		ExperimentURI: result.ExperimentURI,
		ScanURI:       result.ScanURI,
	}, nil
}

func (s *Service) record(outcome string, bytes int64) {
	if s.metrics != nil {
		s.metrics.RecordUpload(outcome, bytes)
	}
}

// ActiveUploads reports how many uploads are currently in flight.
func (s *Service) ActiveUploads() int {
	return s.limiter.activeCount()
}

// Drain blocks until in-flight uploads finish or ctx is cancelled.
func (s *Service) Drain(ctx context.Context) error {
	return s.limiter.waitForDrain(ctx)
}
