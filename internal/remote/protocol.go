// Package remote defines the protocol types and client for opsync-server communication.
package remote

import (
	"github.com/kilupskalvis/opsync/internal/models"
	"github.com/kilupskalvis/opsync/internal/vclock"
)

// Endpoint paths served by opsync-server.
const (
	PathOps           = "/sync/ops"
	PathSnapshot      = "/sync/snapshot"
	PathRestorePoints = "/sync/restore-points"
	PathRestore       = "/sync/restore/"
	PathData          = "/sync/data"
	PathStatus        = "/sync/status"
)

// Machine-readable error codes returned by the server.
const (
	CodeBadRequest       = "bad_request"
	CodeUnauthorized     = "unauthorized"
	CodeForbidden        = "forbidden"
	CodeNotFound         = "not_found"
	CodeRateLimited      = "rate_limited"
	CodeInternal         = "internal_error"
	CodeInvalidOperation = "invalid_operation"
	CodeFullStateOp      = "full_state_requires_snapshot"
	CodeSyncImportExists = "sync_import_exists"
	CodeQuotaExceeded    = "quota_exceeded"
)

// UploadOpsRequest carries a batch of local operations to the server.
type UploadOpsRequest struct {
	Ops                []*models.Operation `json:"ops"`
	ClientID           string              `json:"client_id"`
	LastKnownServerSeq int64               `json:"last_known_server_seq"`
	IsCleanSlate       bool                `json:"is_clean_slate,omitempty"`
}

// OpResult is the server's verdict on one uploaded operation.
type OpResult struct {
	OpID      string `json:"op_id"`
	Accepted  bool   `json:"accepted"`
	ServerSeq int64  `json:"server_seq,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// UploadOpsResponse reports per-op results plus any operations from other
// clients the uploader had not seen yet.
type UploadOpsResponse struct {
	Results          []OpResult              `json:"results"`
	LatestSeq        int64                   `json:"latest_seq"`
	NewOps           []*models.SyncOperation `json:"new_ops,omitempty"`
	HasMorePiggyback bool                    `json:"has_more_piggyback,omitempty"`
	GapDetected      bool                    `json:"gap_detected,omitempty"`
}

// DownloadOpsResponse is one page of operations after a sequence number.
type DownloadOpsResponse struct {
	Ops                 []*models.SyncOperation `json:"ops"`
	HasMore             bool                    `json:"has_more"`
	LatestSeq           int64                   `json:"latest_seq"`
	GapDetected         bool                    `json:"gap_detected,omitempty"`
	SnapshotVectorClock vclock.VectorClock      `json:"snapshot_vector_clock,omitempty"`
	ServerTime          int64                   `json:"server_time"`
}

// UploadSnapshotRequest carries a full-state operation. The state travels
// in the operation payload.
type UploadSnapshotRequest struct {
	Op           *models.Operation `json:"op"`
	IsCleanSlate bool              `json:"is_clean_slate,omitempty"`
}

// UploadSnapshotResponse reports whether the snapshot was stored.
type UploadSnapshotResponse struct {
	Accepted  bool   `json:"accepted"`
	ServerSeq int64  `json:"server_seq,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RestorePointsResponse lists the full-state operations available for restore.
type RestorePointsResponse struct {
	Points []*models.RestorePoint `json:"points"`
}

// RestoreResponse returns the full-state operation at a restore point.
type RestoreResponse struct {
	Op *models.SyncOperation `json:"op"`
}

// StatusResponse summarizes an account's operation log on the server.
type StatusResponse struct {
	LatestSeq         int64 `json:"latest_seq"`
	OpCount           int64 `json:"op_count"`
	LatestSnapshotSeq int64 `json:"latest_snapshot_seq"`
	ServerTime        int64 `json:"server_time"`
}

// ErrorResponse is the structured error format returned by the server.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Detail  map[string]string `json:"detail,omitempty"`
}
