// Package reconcile decides how dataset identity and file versions on the
// local side line up with the server, and what work closes the gap.
package reconcile

import (
	"time"
)

// Status classifies one side of a file version against the content that is
// about to be synchronized.
type Status int

const (
	// StatusEmpty means the version does not exist on this side.
	StatusEmpty Status = iota
	// StatusMatch means the version is compatible with the content.
	StatusMatch
	// StatusMismatch means the version holds different content and cannot
	// be used.
	StatusMismatch
)

func (s Status) String() string {
	switch s {
	case StatusEmpty:
		return "empty"
	case StatusMatch:
		return "match"
	case StatusMismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

// LocalVersion is the locally cached state of a file version.
type LocalVersion struct {
	LocalPath     string
	MD5           string
	ContentDigest string
}

// RemoteVersion is the server state of a file version.
type RemoteVersion struct {
	MD5           string
	ContentDigest string
	Secured       bool
	Immutable     bool
}

// checksumsMatch compares stored checksums against the content being
// synchronized. The content digest wins when both sides have one; otherwise
// the plain checksum is used. comparable is false when the stored side
// carries no checksum at all.
func checksumsMatch(storedMD5, storedDigest, md5, digest string) (matched, comparable bool) {
	if storedDigest != "" && digest != "" {
		return storedDigest == digest, true
	}
	if storedMD5 != "" && md5 != "" {
		return storedMD5 == md5, true
	}
	return false, false
}

// ClassifyLocal classifies the locally cached copy of a version against the
// content. A version without a local path poses no conflict. Local copies
// are never replaced, so a divergent copy is a mismatch with no repair
// path.
func ClassifyLocal(v *LocalVersion, md5, digest string) Status {
	if v == nil {
		return StatusEmpty
	}
	if v.LocalPath == "" {
		return StatusMatch
	}
	matched, comparable := checksumsMatch(v.MD5, v.ContentDigest, md5, digest)
	if comparable && matched {
		return StatusMatch
	}
	return StatusMismatch
}

// ClassifyRemote classifies the server copy of a version against the
// content. An unsecured version is a free slot. A secured version that
// diverges can still be used when the server marks it mutable; the caller
// must then replace the content. A secured version without any stored
// checksum predates checksum tracking and cannot be compared, so it is
// treated as a mismatch.
func ClassifyRemote(v *RemoteVersion, md5, digest string) (status Status, needsReplace bool) {
	if v == nil {
		return StatusEmpty, false
	}
	if !v.Secured {
		return StatusMatch, false
	}
	matched, comparable := checksumsMatch(v.MD5, v.ContentDigest, md5, digest)
	if !comparable {
		return StatusMismatch, false
	}
	if matched {
		return StatusMatch, false
	}
	if !v.Immutable {
		return StatusMatch, true
	}
	return StatusMismatch, false
}

// VersionStatus is the combined classification of one version id.
type VersionStatus struct {
	VersionID     int64
	Local         Status
	Remote        Status
	RemoteSecured bool
	NeedsReplace  bool
}

// Decision is the outcome of the version reconciliation for one file.
type Decision struct {
	VersionID     int64
	CreateRemote  bool
	Upload        bool
	ReplaceRemote bool
}

// VersionID derives the deterministic version id for content from its
// creation timestamp. Identical content re-examined later lands on the same
// version.
func VersionID(created time.Time) int64 {
	return created.UTC().UnixMicro()
}

// Decide picks the version id to synchronize a file under.
//
// The candidate version, derived from the content timestamp, is used when
// neither side rejects it and at least one side knows it. Failing that, the
// content may be a continuation of the newest known version: that version,
// and only that one, is reused when it matches on at least one side and
// mismatches on none. When the newest version conflicts too, a fresh
// version id is minted from the current time so the divergent content lands
// beside the existing versions rather than on top of them.
func Decide(versions []VersionStatus, candidate int64, now time.Time) Decision {
	var candidateStatus *VersionStatus
	for i := range versions {
		if versions[i].VersionID == candidate {
			candidateStatus = &versions[i]
			break
		}
	}
	if candidateStatus == nil {
		candidateStatus = &VersionStatus{VersionID: candidate, Local: StatusEmpty, Remote: StatusEmpty}
	}

	if compatible(candidateStatus) {
		return uploadPlan(candidateStatus)
	}

	var latest *VersionStatus
	for i := range versions {
		if latest == nil || versions[i].VersionID > latest.VersionID {
			latest = &versions[i]
		}
	}
	if latest != nil && compatible(latest) {
		return uploadPlan(latest)
	}

	return Decision{VersionID: VersionID(now), CreateRemote: true, Upload: true}
}

// compatible reports whether a version can carry the content: no side
// rejects it and at least one side knows it.
func compatible(v *VersionStatus) bool {
	if v.Local == StatusMismatch || v.Remote == StatusMismatch {
		return false
	}
	return v.Local != StatusEmpty || v.Remote != StatusEmpty
}

// uploadPlan builds the work plan for landing content on a chosen version.
// Nothing is uploaded over a secured version unless the server allows the
// content to be replaced.
func uploadPlan(v *VersionStatus) Decision {
	d := Decision{VersionID: v.VersionID}
	d.CreateRemote = v.Remote == StatusEmpty
	switch {
	case v.Remote == StatusEmpty:
		d.Upload = true
	case !v.RemoteSecured:
		d.Upload = true
	case v.NeedsReplace:
		d.Upload = true
		d.ReplaceRemote = true
	}
	return d
}
