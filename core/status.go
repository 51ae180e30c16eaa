// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core

// FileFormat tags the detected kind of an uploaded artifact, per spec §3.
type FileFormat string

const (
	FormatCSCACompleteLDIF  FileFormat = "CSCA_COMPLETE_LDIF"
	FormatCSCADeltaLDIF     FileFormat = "CSCA_DELTA_LDIF"
	FormatEMRTDCompleteLDIF FileFormat = "EMRTD_COMPLETE_LDIF"
	FormatEMRTDDeltaLDIF    FileFormat = "EMRTD_DELTA_LDIF"
	FormatMLSignedCMS       FileFormat = "ML_SIGNED_CMS"
)

// IsLDIF reports whether f is parsed by the streaming LDIF parser (C4.4.1)
// rather than the Master List CMS parser (C4.4.2).
func (f FileFormat) IsLDIF() bool {
	switch f {
	case FormatCSCACompleteLDIF, FormatCSCADeltaLDIF, FormatEMRTDCompleteLDIF, FormatEMRTDDeltaLDIF:
		return true
	default:
		return false
	}
}

// ProcessingMode selects whether an UploadedFile's pipeline stages fire
// automatically (AUTO) or only on an explicit command (MANUAL), per spec
// §4.7.
type ProcessingMode string

const (
	ModeAuto   ProcessingMode = "AUTO"
	ModeManual ProcessingMode = "MANUAL"
)

// UploadStatus is the state of an UploadedFile's pipeline, per spec §3/§4.7.
type UploadStatus string

const (
	StatusUploaded          UploadStatus = "UPLOADED"
	StatusParsing           UploadStatus = "PARSING"
	StatusParsed            UploadStatus = "PARSED"
	StatusParseFailed       UploadStatus = "PARSE_FAILED"
	StatusValidating        UploadStatus = "VALIDATING"
	StatusValidated         UploadStatus = "VALIDATED"
	StatusValidationFailed  UploadStatus = "VALIDATION_FAILED"
	StatusReplicating       UploadStatus = "REPLICATING"
	StatusReplicated        UploadStatus = "REPLICATED"
	StatusReplicationFailed UploadStatus = "REPLICATION_FAILED"
	StatusDuplicate         UploadStatus = "DUPLICATE"
	// StatusCancelled is folded under the *_FAILED family for external
	// reporting (spec §5 Cancellation) but is tracked distinctly
	// internally so an operator can tell a cancellation from a genuine
	// failure.
	StatusCancelled UploadStatus = "CANCELLED"
)

// legalTransitions encodes the state-machine graph of spec §4.7: the set of
// statuses that may legally follow a given status when a stage begins (the
// "in-progress" status) or completes (the terminal status).
var legalTransitions = map[UploadStatus][]UploadStatus{
	StatusUploaded:   {StatusParsing},
	StatusParsing:    {StatusParsed, StatusParseFailed, StatusCancelled},
	StatusParsed:     {StatusValidating},
	StatusValidating: {StatusValidated, StatusValidationFailed, StatusCancelled},
	StatusValidated:  {StatusReplicating},
	StatusReplicating: {StatusReplicated, StatusReplicationFailed, StatusCancelled},
}

// CanTransition reports whether moving from `from` to `to` is a legal edge
// in the state machine. An illegal transition must fail with
// ILLEGAL_STATE_TRANSITION and have no side effects (spec §4.7, §8).
func CanTransition(from, to UploadStatus) bool {
	if from == StatusDuplicate || from == StatusCancelled {
		return false
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether status is a terminal status for its stage
// (success, failure, or cancellation) with no further automatic stages.
func (s UploadStatus) IsTerminal() bool {
	switch s {
	case StatusParsed, StatusParseFailed,
		StatusValidated, StatusValidationFailed,
		StatusReplicated, StatusReplicationFailed,
		StatusDuplicate, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsFailure reports whether status represents any kind of stage failure,
// folding StatusCancelled into the failure family per spec §5.
func (s UploadStatus) IsFailure() bool {
	switch s {
	case StatusParseFailed, StatusValidationFailed, StatusReplicationFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CertificateType distinguishes a root CSCA from a document signer DSC.
type CertificateType string

const (
	CertTypeCSCA CertificateType = "CSCA"
	CertTypeDSC  CertificateType = "DSC"
)
