package scans

import (
	"fmt"
	"testing"
	"time"

	"github.com/mindbrainbody/mbam/internal/store"
	"github.com/mindbrainbody/mbam/internal/xnat"
)

func TestAllocateIdentifiers(t *testing.T) {
	user := store.User{ID: 1, NumExperiments: 2}
	exp := store.Experiment{
		ID:       10,
		UserID:   1,
		Date:     time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		NumScans: 1,
	}

	ids := allocateIdentifiers(1, user, exp)

	tests := []struct {
		level     xnat.Level
		wantID    string
		wantQuery string
	}{
		{xnat.LevelSubject, "000001", ""},
		{xnat.LevelExperiment, "000001_MR2", "?xnat:mrSessionData/date=03/15/2024"},
		{xnat.LevelScan, "T1_2", "?xsiType=xnat:mrScanData"},
		{xnat.LevelResource, "NIFTI", ""},
		{xnat.LevelFile, "T1.nii.gz", "?xsi:type=xnat:mrScanData"},
	}

	for _, tt := range tests {
		entry := ids.Entry(tt.level)
		if entry.ID != tt.wantID {
			t.Errorf("%v ID = %q, want %q", tt.level, entry.ID, tt.wantID)
		}
		if entry.Query != tt.wantQuery {
			t.Errorf("%v Query = %q, want %q", tt.level, entry.Query, tt.wantQuery)
		}
	}
}

func TestAllocateIdentifiers_SubjectZeroPadding(t *testing.T) {
	tests := []struct {
		userID int64
		want   string
	}{
		{1, "000001"},
		{42, "000042"},
		{999999, "999999"},
		{1000000, "1000000"},
	}

	for _, tt := range tests {
		ids := allocateIdentifiers(tt.userID, store.User{ID: tt.userID}, store.Experiment{})
		if got := ids.Entry(xnat.LevelSubject).ID; got != tt.want {
			t.Errorf("subject for user %d = %q, want %q", tt.userID, got, tt.want)
		}
	}
}

func TestAllocateIdentifiers_ScanNumberFollowsCount(t *testing.T) {
	for _, numScans := range []int{0, 1, 7} {
		ids := allocateIdentifiers(1, store.User{ID: 1}, store.Experiment{NumScans: numScans})
		want := fmt.Sprintf("T1_%d", numScans+1)
		if got := ids.Entry(xnat.LevelScan).ID; got != want {
			t.Errorf("scan id with %d prior scans = %q, want %q", numScans, got, want)
		}
	}
}

func TestExistingIdentifiers(t *testing.T) {
	user := store.User{ID: 1, XNATSubjectID: "XNAT_S07"}
	exp := store.Experiment{ID: 10, XNATExperimentID: ""}

	existing := existingIdentifiers(user, exp)

	if existing.Subject != "XNAT_S07" {
		t.Errorf("Subject = %q, want %q", existing.Subject, "XNAT_S07")
	}
	if existing.Experiment != "" {
		t.Errorf("Experiment = %q, want empty", existing.Experiment)
	}
}
