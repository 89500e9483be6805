package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/AzielCF/az-publisher/publishing/domain/post"
	"github.com/google/uuid"
)

// MemoryStore keeps posts and work items in process memory. A single mutex
// makes every claim and commit atomic, which is enough for one node and for
// tests.
type MemoryStore struct {
	mu    sync.Mutex
	posts map[string]post.Post
	items map[string]post.WorkItem // key: post id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		posts: make(map[string]post.Post),
		items: make(map[string]post.WorkItem),
	}
}

func (s *MemoryStore) CreatePost(ctx context.Context, p post.Post) (post.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = post.StatusDraft
	}
	now := time.Now().UTC()
	p.Version = 1
	p.CreatedAt = now
	p.UpdatedAt = now
	p.DeletedAt = nil
	s.posts[p.ID] = p.Clone()
	return p.Clone(), nil
}

func (s *MemoryStore) GetPost(ctx context.Context, id string) (post.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.livePost(id)
	if !ok {
		return post.Post{}, post.ErrPostNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) ListPosts(ctx context.Context, filter post.ListFilter) ([]post.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []post.Post
	for _, p := range s.posts {
		if p.DeletedAt != nil {
			continue
		}
		if filter.OrganizationID != "" && p.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		res = append(res, p.Clone())
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	if filter.Limit > 0 && len(res) > filter.Limit {
		res = res[:filter.Limit]
	}
	return res, nil
}

func (s *MemoryStore) ListPostsByStatus(ctx context.Context, status post.PostStatus, afterID string, limit int) ([]post.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []post.Post
	for _, p := range s.posts {
		if p.DeletedAt == nil && p.Status == status && p.ID > afterID {
			res = append(res, p.Clone())
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (s *MemoryStore) CompareAndSwapPost(ctx context.Context, id string, expectedVersion int64, mutate post.Mutator) (post.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swap(id, expectedVersion, mutate)
}

func (s *MemoryStore) DeletePost(ctx context.Context, id string, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.livePost(id)
	if !ok {
		return post.ErrPostNotFound
	}
	if p.Version != expectedVersion {
		return post.ErrVersionConflict
	}
	now := time.Now().UTC()
	p.DeletedAt = &now
	p.Version++
	p.UpdatedAt = now
	s.posts[id] = p
	delete(s.items, id)
	return nil
}

func (s *MemoryStore) EnqueueWorkItem(ctx context.Context, postID string, dueAt time.Time) (post.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.livePost(postID); !ok {
		return post.WorkItem{}, post.ErrPostNotFound
	}

	now := time.Now().UTC()
	if item, ok := s.items[postID]; ok {
		if !item.IsClaimed() {
			item.DueAt = dueAt
			item.UpdatedAt = now
			s.items[postID] = item
		}
		return item, nil
	}

	item := post.WorkItem{
		ID:        uuid.NewString(),
		PostID:    postID,
		DueAt:     dueAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.items[postID] = item
	return item, nil
}

func (s *MemoryStore) GetWorkItem(ctx context.Context, postID string) (post.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[postID]
	if !ok {
		return post.WorkItem{}, post.ErrWorkItemNotFound
	}
	return item, nil
}

func (s *MemoryStore) RescheduleWorkItem(ctx context.Context, postID string, dueAt time.Time) (post.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[postID]
	if !ok || item.IsClaimed() {
		return post.WorkItem{}, post.ErrWorkItemNotFound
	}
	item.DueAt = dueAt
	item.UpdatedAt = time.Now().UTC()
	s.items[postID] = item
	return item, nil
}

func (s *MemoryStore) CancelWorkItem(ctx context.Context, postID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.items[postID]
	delete(s.items, postID)
	return ok, nil
}

func (s *MemoryStore) ClaimWorkItem(ctx context.Context, workerID string, now time.Time, lease time.Duration) (post.WorkItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		picked post.WorkItem
		found  bool
	)
	for _, item := range s.items {
		if !item.Claimable(now) {
			continue
		}
		if !found || item.DueAt.Before(picked.DueAt) {
			picked = item
			found = true
		}
	}
	if !found {
		return post.WorkItem{}, false, nil
	}

	deadline := now.Add(lease)
	claimedAt := now
	picked.ClaimToken = uuid.NewString()
	picked.ClaimedBy = workerID
	picked.ClaimedAt = &claimedAt
	picked.VisibilityDeadline = &deadline
	picked.UpdatedAt = now
	s.items[picked.PostID] = picked
	return picked, true, nil
}

func (s *MemoryStore) ListStaleWorkItems(ctx context.Context, now time.Time) ([]post.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []post.WorkItem
	for _, item := range s.items {
		if item.ClaimExpired(now) {
			res = append(res, item)
		}
	}
	return res, nil
}

func (s *MemoryStore) ReleaseStaleClaims(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var released int64
	for id, item := range s.items {
		if !item.ClaimExpired(now) {
			continue
		}
		s.items[id] = releaseClaim(item, now)
		released++
	}
	return released, nil
}

func (s *MemoryStore) NextDueAt(ctx context.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		next  time.Time
		found bool
	)
	for _, item := range s.items {
		at := item.DueAt
		if item.IsClaimed() {
			if item.VisibilityDeadline == nil {
				continue
			}
			at = *item.VisibilityDeadline
		}
		if !found || at.Before(next) {
			next = at
			found = true
		}
	}
	return next, found, nil
}

func (s *MemoryStore) CommitRound(ctx context.Context, claim post.WorkItem, expectedVersion int64, now time.Time, mutate post.Mutator) (post.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	committed, err := s.swap(claim.PostID, expectedVersion, mutate)
	if err != nil {
		return post.Post{}, err
	}

	item, ok := s.items[claim.PostID]
	if !ok || item.ClaimToken != claim.ClaimToken {
		return committed, nil
	}
	if next, pending := requeueAt(committed, now); pending {
		item = releaseClaim(item, now)
		item.DueAt = next
		item.AttemptCount++
		s.items[claim.PostID] = item
	} else {
		delete(s.items, claim.PostID)
	}
	return committed, nil
}

func (s *MemoryStore) swap(id string, expectedVersion int64, mutate post.Mutator) (post.Post, error) {
	p, ok := s.livePost(id)
	if !ok {
		return post.Post{}, post.ErrPostNotFound
	}
	if p.Version != expectedVersion {
		return post.Post{}, post.ErrVersionConflict
	}

	updated := p.Clone()
	if err := mutate(&updated); err != nil {
		return post.Post{}, err
	}
	updated.ID = p.ID
	updated.Version = p.Version + 1
	updated.CreatedAt = p.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	s.posts[id] = updated.Clone()
	return updated, nil
}

func (s *MemoryStore) livePost(id string) (post.Post, bool) {
	p, ok := s.posts[id]
	if !ok || p.DeletedAt != nil {
		return post.Post{}, false
	}
	return p, true
}
