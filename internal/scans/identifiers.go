package scans

// identifiers.go computes the archive identifiers for one upload from the
// counters on the user and experiment records. Allocation is a pure function
// of its inputs; the caller is responsible for handing it a snapshot taken
// inside the same transaction that advanced the scan counter, which is what
// makes the allocated scan number unique under concurrent uploads.

import (
	"fmt"

	"github.com/mindbrainbody/mbam/internal/store"
	"github.com/mindbrainbody/mbam/internal/xnat"
)

const (
	// resourceLabel is the only resource type currently uploaded. A known
	// limitation carried over from the archive project configuration.
	resourceLabel = "NIFTI"

	// fileLabel names the uploaded file inside the resource.
	fileLabel = "T1.nii.gz"

	scanTypeQuery = "?xsiType=xnat:mrScanData"
	fileTypeQuery = "?xsi:type=xnat:mrScanData"

	// experimentDateLayout is the MM/DD/YYYY format the archive's session
	// date filter expects.
	experimentDateLayout = "01/02/2006"
)

// allocateIdentifiers generates the full identifier set for one upload:
//
//   - subject: the user id as a decimal string, zero-padded to six digits
//   - experiment: "{subject}_MR{n}" where n is the user's experiment count,
//     with a session-date query filter
//   - scan: "T1_{m}" where m is the experiment's scan count plus one
//   - resource and file: fixed labels
//
// The experiment number reuses the user's current total rather than a number
// fixed at the experiment's creation; re-uploading an old experiment after new
// ones were added can therefore produce a colliding identifier. Deliberately
// left as-is, see DESIGN.md.
func allocateIdentifiers(userID int64, user store.User, exp store.Experiment) xnat.IdentifierSet {
	subjectID := fmt.Sprintf("%06d", userID)
	experimentID := fmt.Sprintf("%s_MR%d", subjectID, user.NumExperiments)

	return xnat.NewIdentifierSet(
		xnat.IdentifierEntry{Level: xnat.LevelSubject, ID: subjectID},
		xnat.IdentifierEntry{
			Level: xnat.LevelExperiment,
			ID:    experimentID,
			Query: "?xnat:mrSessionData/date=" + exp.Date.Format(experimentDateLayout),
		},
		xnat.IdentifierEntry{
			Level: xnat.LevelScan,
			ID:    fmt.Sprintf("T1_%d", exp.NumScans+1),
			Query: scanTypeQuery,
		},
		xnat.IdentifierEntry{Level: xnat.LevelResource, ID: resourceLabel},
		xnat.IdentifierEntry{Level: xnat.LevelFile, ID: fileLabel, Query: fileTypeQuery},
	)
}

// existingIdentifiers reports the archive identifiers already recorded on the
// user and experiment. Empty fields mean the archive has not assigned one yet.
func existingIdentifiers(user store.User, exp store.Experiment) xnat.ExistingIDs {
	return xnat.ExistingIDs{
		Subject:    user.XNATSubjectID,
		Experiment: exp.XNATExperimentID,
	}
}
