package scans

// sync.go writes the archive's identifiers and URIs back onto the local
// records, exactly once per field. The store's updates only fill fields that
// are still empty, so a subject or experiment that already carries archive
// identifiers from an earlier upload is never overwritten. The value persisted
// is the identifier actually used on the walk: the pre-existing one where the
// probe found it, the freshly allocated one otherwise.

import (
	"context"

	"github.com/mindbrainbody/mbam/internal/store"
	"github.com/mindbrainbody/mbam/internal/xnat"
)

func (s *Service) syncResult(ctx context.Context, user store.User, exp store.Experiment, scan store.Scan, ids xnat.IdentifierSet, existing xnat.ExistingIDs, result xnat.Result) error {
	subjectID := ids.Entry(xnat.LevelSubject).ID
	if existing.Subject != "" {
		subjectID = existing.Subject
	}
	if err := s.store.SetUserXNAT(ctx, user.ID, subjectID, result.SubjectURI); err != nil {
		return &PersistenceError{Op: "sync subject", Err: err}
	}

	experimentID := ids.Entry(xnat.LevelExperiment).ID
	if existing.Experiment != "" {
		experimentID = existing.Experiment
	}
	if err := s.store.SetExperimentXNAT(ctx, exp.ID, experimentID, result.ExperimentURI); err != nil {
		return &PersistenceError{Op: "sync experiment", Err: err}
	}

	// On the import path the archive creates the scan server-side and no
	// scan URI exists yet; the row still becomes complete with its id.
	scanURI := ""
	if result.ScanURI != nil {
		scanURI = *result.ScanURI
	}
	if err := s.store.CompleteScan(ctx, scan.ID, ids.Entry(xnat.LevelScan).ID, scanURI); err != nil {
		return &PersistenceError{Op: "complete scan", Err: err}
	}
	return nil
}
