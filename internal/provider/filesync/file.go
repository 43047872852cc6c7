package filesync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kilupskalvis/opsync/internal/models"
	"github.com/kilupskalvis/opsync/internal/syncerr"
	"github.com/kilupskalvis/opsync/internal/vclock"
)

// DefaultFileName is the name of the shared file.
const DefaultFileName = "sync-data.json"

// FormatVersion is the version of the file layout written by this package.
const FormatVersion = 2

// Metadata is the file header.
type Metadata struct {
	Version int `json:"version"`
	// SyncVersion increments on every write.
	SyncVersion  int64  `json:"syncVersion"`
	LastModified int64  `json:"lastModified"`
	Checksum     string `json:"checksum,omitempty"`
	// LastSeq is the highest sequence ever assigned in this file.
	LastSeq  int64  `json:"lastSeq"`
	ClientID string `json:"clientId,omitempty"`
}

// SnapshotInfo describes the embedded state snapshot.
type SnapshotInfo struct {
	// Seq is the file sequence the snapshot includes.
	Seq           int64              `json:"seq"`
	VectorClock   vclock.VectorClock `json:"vectorClock,omitempty"`
	SchemaVersion int                `json:"schemaVersion"`
	Encrypted     bool               `json:"encrypted,omitempty"`
	ClientID      string             `json:"clientId,omitempty"`
	OpID          string             `json:"opId,omitempty"`
}

// ImportInfo records the latest explicit sync import, which later imports
// must causally dominate.
type ImportInfo struct {
	OpID        string             `json:"opId"`
	ClientID    string             `json:"clientId"`
	VectorClock vclock.VectorClock `json:"vectorClock"`
}

// File is the shared sync file.
type File struct {
	Metadata      Metadata                  `json:"metadata"`
	StateSnapshot json.RawMessage           `json:"stateSnapshot,omitempty"`
	Snapshot      *SnapshotInfo             `json:"snapshot,omitempty"`
	ArchiveData   json.RawMessage           `json:"archiveData,omitempty"`
	LastImport    *ImportInfo               `json:"lastImport,omitempty"`
	RecentOps     []models.CompactOperation `json:"recentOps"`
}

func newFile() *File {
	return &File{Metadata: Metadata{Version: FormatVersion}, RecentOps: []models.CompactOperation{}}
}

// checksum covers the snapshot, the archive, and the op buffer in their
// encoded form, so it survives a decode and re-encode.
func (f *File) checksum() (string, error) {
	body, err := json.Marshal(struct {
		State   json.RawMessage           `json:"s,omitempty"`
		Archive json.RawMessage           `json:"a,omitempty"`
		Ops     []models.CompactOperation `json:"o"`
	}{f.StateSnapshot, f.ArchiveData, f.RecentOps})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

func decodeFile(data []byte) (*File, error) {
	f := newFile()
	if err := json.Unmarshal(data, f); err != nil {
		return nil, syncerr.Wrap(syncerr.Corruption, err, "decode sync file")
	}
	if f.Metadata.Version > FormatVersion {
		return nil, syncerr.New(syncerr.Validation, "sync file format %d is newer than supported %d", f.Metadata.Version, FormatVersion)
	}
	if f.Metadata.Checksum != "" {
		sum, err := f.checksum()
		if err != nil {
			return nil, err
		}
		if sum != f.Metadata.Checksum {
			return nil, syncerr.New(syncerr.Corruption, "sync file checksum mismatch")
		}
	}
	return f, nil
}

func (f *File) encode(clientID string, now time.Time) ([]byte, error) {
	sum, err := f.checksum()
	if err != nil {
		return nil, fmt.Errorf("checksum sync file: %w", err)
	}
	f.Metadata.Version = FormatVersion
	f.Metadata.SyncVersion++
	f.Metadata.LastModified = now.UnixMilli()
	f.Metadata.ClientID = clientID
	f.Metadata.Checksum = sum
	return json.Marshal(f)
}

// lowestAvailable is the smallest sequence still present in the op buffer.
func (f *File) lowestAvailable() int64 {
	if len(f.RecentOps) == 0 {
		return f.Metadata.LastSeq + 1
	}
	return f.RecentOps[0].Seq
}

// trimmedPast reports whether ops after seq were dropped from the buffer.
func (f *File) trimmedPast(seq int64) bool {
	return f.lowestAvailable() > seq+1
}

func (f *File) indexOf(opID string) int {
	for i := range f.RecentOps {
		if f.RecentOps[i].ID == opID {
			return i
		}
	}
	return -1
}

// trim keeps the newest limit ops.
func (f *File) trim(limit int) int {
	if limit <= 0 || len(f.RecentOps) <= limit {
		return 0
	}
	dropped := len(f.RecentOps) - limit
	f.RecentOps = append([]models.CompactOperation(nil), f.RecentOps[dropped:]...)
	return dropped
}
