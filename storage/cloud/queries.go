package cloud

const (
	workspaceQuotaQuery = `query workspaceQuota($id: String!) {
  workspace(id: $id) {
    quota {
      blobLimit
    }
  }
}`

	setBlobMutation = `mutation setBlob($workspaceId: String!, $blob: Upload!) {
  setBlob(workspaceId: $workspaceId, blob: $blob)
}`

	deleteBlobMutation = `mutation deleteBlob($workspaceId: String!, $key: String!, $permanently: Boolean) {
  deleteBlob(workspaceId: $workspaceId, key: $key, permanently: $permanently)
}`

	releaseDeletedBlobsMutation = `mutation releaseDeletedBlobs($workspaceId: String!) {
  releaseDeletedBlobs(workspaceId: $workspaceId)
}`

	listBlobsQuery = `query listBlobs($workspaceId: String!) {
  workspace(id: $workspaceId) {
    blobs {
      key
      size
      mime
      createdAt
    }
  }
}`
)

// Server error names mapped to quota errors.
const (
	errBlobQuotaExceeded = "BLOB_QUOTA_EXCEEDED"
	errContentTooLarge   = "CONTENT_TOO_LARGE"
)
