package remote

import (
	"context"

	"github.com/kilupskalvis/opsync/internal/models"
)

// fakeClient is a scripted Client for wrapper tests.
type fakeClient struct {
	downloadErrs  []error
	downloadCalls int
	uploadErr     error
	uploadCalls   int
}

func (f *fakeClient) UploadOps(ctx context.Context, req *UploadOpsRequest) (*UploadOpsResponse, error) {
	f.uploadCalls++
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	return &UploadOpsResponse{LatestSeq: int64(len(req.Ops))}, nil
}

func (f *fakeClient) DownloadOps(ctx context.Context, sinceSeq int64, excludeClient string, limit int) (*DownloadOpsResponse, error) {
	f.downloadCalls++
	if len(f.downloadErrs) > 0 {
		err := f.downloadErrs[0]
		f.downloadErrs = f.downloadErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &DownloadOpsResponse{LatestSeq: sinceSeq}, nil
}

func (f *fakeClient) UploadSnapshot(ctx context.Context, req *UploadSnapshotRequest) (*UploadSnapshotResponse, error) {
	return &UploadSnapshotResponse{Accepted: true, ServerSeq: 1}, nil
}

func (f *fakeClient) RestorePoints(ctx context.Context) ([]*models.RestorePoint, error) {
	return nil, nil
}

func (f *fakeClient) Restore(ctx context.Context, serverSeq int64) (*models.SyncOperation, error) {
	return &models.SyncOperation{ServerSeq: serverSeq}, nil
}

func (f *fakeClient) DeleteAllData(ctx context.Context) error { return nil }

func (f *fakeClient) Status(ctx context.Context) (*StatusResponse, error) {
	return &StatusResponse{}, nil
}
