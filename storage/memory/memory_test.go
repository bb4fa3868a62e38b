package memory

import (
	"testing"

	"github.com/agentworkforce/nbstore/storage"
	"github.com/agentworkforce/nbstore/storage/storagetest"
)

func TestDocStorageConformance(t *testing.T) {
	storagetest.RunDocStorage(t, func(t *testing.T) storage.DocStorage { return NewDocStorage() })
}

func TestBlobStorageConformance(t *testing.T) {
	storagetest.RunBlobStorage(t, func(t *testing.T) storage.BlobStorage { return NewBlobStorage() })
}

func TestIndexerSyncStorageConformance(t *testing.T) {
	storagetest.RunIndexerSyncStorage(t, func(t *testing.T) storage.IndexerSyncStorage { return NewIndexerSyncStorage() })
}

func TestBlobSyncStorageConformance(t *testing.T) {
	storagetest.RunBlobSyncStorage(t, func(t *testing.T) storage.BlobSyncStorage { return NewBlobSyncStorage() })
}

func TestDocSyncStorageConformance(t *testing.T) {
	storagetest.RunDocSyncStorage(t, func(t *testing.T) storage.DocSyncStorage { return NewDocSyncStorage() })
}
