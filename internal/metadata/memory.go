package metadata

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// digestKey identifies a digest row.
type digestKey struct {
	ownerID        string
	normalizedName string
}

// MemoryStore is the in-memory metadata backend for development and tests.
//
// MemoryStore is safe for concurrent use by multiple goroutines.
type MemoryStore struct {
	mu      sync.Mutex
	digests map[digestKey]Digest
	uploads map[uuid.UUID]StagedUpload
}

// NewMemoryStore creates an empty in-memory metadata store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		digests: make(map[digestKey]Digest),
		uploads: make(map[uuid.UUID]StagedUpload),
	}
}

// UpsertDigest implements Store.
func (s *MemoryStore) UpsertDigest(_ context.Context, d Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.digests[digestKey{d.OwnerID, d.NormalizedName}] = d
	return nil
}

// GetDigest implements Store.
func (s *MemoryStore) GetDigest(_ context.Context, ownerID, normalizedName string) (*Digest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.digests[digestKey{ownerID, normalizedName}]
	if !ok {
		return nil, fmt.Errorf("%w: digest %q", ErrNotFound, normalizedName)
	}
	copied := d
	return &copied, nil
}

// ListActiveDigests implements Store.
func (s *MemoryStore) ListActiveDigests(_ context.Context, ownerID string) ([]Digest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var digests []Digest
	for key, d := range s.digests {
		if key.ownerID == ownerID && d.Status == DigestActive {
			digests = append(digests, d)
		}
	}
	sort.Slice(digests, func(i, j int) bool {
		return digests[i].UpdatedAt.After(digests[j].UpdatedAt)
	})
	return digests, nil
}

// MarkDigestDeleted implements Store.
func (s *MemoryStore) MarkDigestDeleted(_ context.Context, ownerID string, documentRef uuid.UUID) (*Digest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, d := range s.digests {
		if key.ownerID == ownerID && d.DocumentRef == documentRef && d.Status == DigestActive {
			d.Status = DigestDeleted
			d.UpdatedAt = time.Now()
			s.digests[key] = d
			copied := d
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("%w: no active digest for document %s", ErrNotFound, documentRef)
}

// CreateUpload implements Store.
func (s *MemoryStore) CreateUpload(_ context.Context, u StagedUpload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.uploads[u.ID]; exists {
		return fmt.Errorf("staged upload %s already exists", u.ID)
	}
	s.uploads[u.ID] = u
	return nil
}

// PatchUpload implements Store.
func (s *MemoryStore) PatchUpload(_ context.Context, id uuid.UUID, patch UploadPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.uploads[id]
	if !ok {
		return fmt.Errorf("%w: staged upload %s", ErrNotFound, id)
	}

	if patch.Status != nil {
		u.Status = *patch.Status
	}
	if patch.DocumentRef != nil {
		u.DocumentRef = patch.DocumentRef
	}
	if patch.IngestError != nil {
		u.IngestError = *patch.IngestError
	}
	if patch.IngestedAt != nil {
		u.IngestedAt = patch.IngestedAt
	}

	s.uploads[id] = u
	return nil
}

// ListUploads implements Store.
func (s *MemoryStore) ListUploads(_ context.Context, ownerID string) ([]StagedUpload, error) {
	return s.filterUploads(func(u StagedUpload) bool {
		return u.OwnerID == ownerID
	}, true), nil
}

// ListExpired implements Store.
func (s *MemoryStore) ListExpired(_ context.Context, now time.Time, ownerID string) ([]StagedUpload, error) {
	return s.filterUploads(func(u StagedUpload) bool {
		if u.Status == UploadPurged || u.ExpiresAt.After(now) {
			return false
		}
		return ownerID == "" || u.OwnerID == ownerID
	}, false), nil
}

// ListRehydratable implements Store.
func (s *MemoryStore) ListRehydratable(_ context.Context, ownerID string) ([]StagedUpload, error) {
	return s.filterUploads(func(u StagedUpload) bool {
		return u.OwnerID == ownerID && u.Status != UploadPurged
	}, true), nil
}

// MarkPurged implements Store.
func (s *MemoryStore) MarkPurged(_ context.Context, ids []uuid.UUID, deletedAt time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, id := range ids {
		u, ok := s.uploads[id]
		if !ok || u.Status == UploadPurged {
			continue
		}
		u.Status = UploadPurged
		deleted := deletedAt
		u.DeletedAt = &deleted
		s.uploads[id] = u
		count++
	}
	return count, nil
}

// BlobRefInUse implements Store.
func (s *MemoryStore) BlobRefInUse(_ context.Context, blobRef string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.uploads {
		if u.BlobRef == blobRef && u.Status != UploadPurged && u.ExpiresAt.After(now) {
			return true, nil
		}
	}
	return false, nil
}

// filterUploads returns matching uploads sorted by CreatedAt, newest first
// when newestFirst is set.
func (s *MemoryStore) filterUploads(match func(StagedUpload) bool, newestFirst bool) []StagedUpload {
	s.mu.Lock()
	defer s.mu.Unlock()

	var uploads []StagedUpload
	for _, u := range s.uploads {
		if match(u) {
			uploads = append(uploads, u)
		}
	}
	sort.Slice(uploads, func(i, j int) bool {
		if newestFirst {
			return uploads[i].CreatedAt.After(uploads[j].CreatedAt)
		}
		return uploads[i].CreatedAt.Before(uploads[j].CreatedAt)
	})
	return uploads
}
