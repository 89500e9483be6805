package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AzielCF/az-publisher/publishing/domain/post"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const claimAttempts = 3

// --- Persistence Models ---

type postModel struct {
	ID             string         `gorm:"primaryKey;column:id"`
	OrganizationID string         `gorm:"column:organization_id;not null;index"`
	Body           sql.NullString `gorm:"column:body;type:text"`
	MediaRefs      sql.NullString `gorm:"column:media_refs;type:text"` // JSON
	Targets        sql.NullString `gorm:"column:targets;type:text"`    // JSON
	Results        sql.NullString `gorm:"column:results;type:text"`    // JSON
	ScheduledFor   *time.Time     `gorm:"column:scheduled_for"`
	Status         string         `gorm:"column:status;not null;default:'draft';index"`
	Version        int64          `gorm:"column:version;not null;default:1"`
	CreatedAt      time.Time      `gorm:"column:created_at;not null"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;not null"`
	DeletedAt      gorm.DeletedAt `gorm:"column:deleted_at;index"`
}

func (postModel) TableName() string { return "posts" }

type workItemModel struct {
	ID                 string         `gorm:"primaryKey;column:id"`
	PostID             string         `gorm:"column:post_id;not null;uniqueIndex"`
	DueAt              time.Time      `gorm:"column:due_at;not null;index"`
	AttemptCount       int            `gorm:"column:attempt_count;not null;default:0"`
	ClaimToken         string         `gorm:"column:claim_token;not null;default:'';index"`
	ClaimedBy          sql.NullString `gorm:"column:claimed_by"`
	ClaimedAt          *time.Time     `gorm:"column:claimed_at"`
	VisibilityDeadline *time.Time     `gorm:"column:visibility_deadline;index"`
	CreatedAt          time.Time      `gorm:"column:created_at;not null"`
	UpdatedAt          time.Time      `gorm:"column:updated_at;not null"`
}

func (workItemModel) TableName() string { return "work_items" }

// --- Repository Implementation ---

// GormStore persists posts and work items through GORM. The claim is a single
// conditional UPDATE, and CommitRound writes the post and settles the work
// item in one transaction.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (r *GormStore) Init(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&postModel{}, &workItemModel{})
}

func (r *GormStore) CreatePost(ctx context.Context, p post.Post) (post.Post, error) {
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

	model, err := toPostModel(p)
	if err != nil {
		return post.Post{}, err
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return post.Post{}, err
	}
	return p, nil
}

func (r *GormStore) GetPost(ctx context.Context, id string) (post.Post, error) {
	return r.getPost(r.db.WithContext(ctx), id)
}

func (r *GormStore) ListPosts(ctx context.Context, filter post.ListFilter) ([]post.Post, error) {
	q := r.db.WithContext(ctx).Model(&postModel{})
	if filter.OrganizationID != "" {
		q = q.Where("organization_id = ?", filter.OrganizationID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var models []postModel
	if err := q.Order("created_at DESC").Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]post.Post, 0, len(models))
	for _, m := range models {
		p, err := fromPostModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

func (r *GormStore) ListPostsByStatus(ctx context.Context, status post.PostStatus, afterID string, limit int) ([]post.Post, error) {
	q := r.db.WithContext(ctx).Model(&postModel{}).Where("status = ? AND id > ?", string(status), afterID)
	if limit > 0 {
		q = q.Limit(limit)
	}

	var models []postModel
	if err := q.Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]post.Post, 0, len(models))
	for _, m := range models {
		p, err := fromPostModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

func (r *GormStore) CompareAndSwapPost(ctx context.Context, id string, expectedVersion int64, mutate post.Mutator) (post.Post, error) {
	var committed post.Post
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		committed, err = r.swap(tx, id, expectedVersion, mutate)
		return err
	})
	if err != nil {
		return post.Post{}, err
	}
	return committed, nil
}

func (r *GormStore) DeletePost(ctx context.Context, id string, expectedVersion int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := r.getPost(tx, id); err != nil {
			return err
		}
		now := time.Now().UTC()
		res := tx.Model(&postModel{}).
			Where("id = ? AND version = ?", id, expectedVersion).
			Updates(map[string]interface{}{
				"deleted_at": now,
				"version":    expectedVersion + 1,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return post.ErrVersionConflict
		}
		return tx.Where("post_id = ?", id).Delete(&workItemModel{}).Error
	})
}

func (r *GormStore) EnqueueWorkItem(ctx context.Context, postID string, dueAt time.Time) (post.WorkItem, error) {
	var item post.WorkItem
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := r.getPost(tx, postID); err != nil {
			return err
		}

		now := time.Now().UTC()
		var m workItemModel
		err := tx.First(&m, "post_id = ?", postID).Error
		if err == nil {
			if m.ClaimToken == "" {
				m.DueAt = dueAt.UTC()
				m.UpdatedAt = now
				if err := tx.Model(&workItemModel{}).Where("id = ? AND claim_token = ''", m.ID).
					Updates(map[string]interface{}{"due_at": m.DueAt, "updated_at": now}).Error; err != nil {
					return err
				}
			}
			item = fromWorkItemModel(m)
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		m = workItemModel{
			ID:        uuid.NewString(),
			PostID:    postID,
			DueAt:     dueAt.UTC(),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Create(&m).Error; err != nil {
			return err
		}
		item = fromWorkItemModel(m)
		return nil
	})
	return item, err
}

func (r *GormStore) GetWorkItem(ctx context.Context, postID string) (post.WorkItem, error) {
	var m workItemModel
	if err := r.db.WithContext(ctx).First(&m, "post_id = ?", postID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return post.WorkItem{}, post.ErrWorkItemNotFound
		}
		return post.WorkItem{}, err
	}
	return fromWorkItemModel(m), nil
}

func (r *GormStore) RescheduleWorkItem(ctx context.Context, postID string, dueAt time.Time) (post.WorkItem, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&workItemModel{}).
		Where("post_id = ? AND claim_token = ''", postID).
		Updates(map[string]interface{}{"due_at": dueAt.UTC(), "updated_at": now})
	if res.Error != nil {
		return post.WorkItem{}, res.Error
	}
	if res.RowsAffected == 0 {
		return post.WorkItem{}, post.ErrWorkItemNotFound
	}
	return r.GetWorkItem(ctx, postID)
}

func (r *GormStore) CancelWorkItem(ctx context.Context, postID string) (bool, error) {
	res := r.db.WithContext(ctx).Where("post_id = ?", postID).Delete(&workItemModel{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ClaimWorkItem stamps the earliest due item that is unclaimed or whose lease
// expired. The guard is repeated on the outer UPDATE so two workers racing for
// the same row cannot both succeed.
func (r *GormStore) ClaimWorkItem(ctx context.Context, workerID string, now time.Time, lease time.Duration) (post.WorkItem, bool, error) {
	now = now.UTC()
	deadline := now.Add(lease)
	db := r.db.WithContext(ctx)

	for i := 0; i < claimAttempts; i++ {
		token := uuid.NewString()
		res := db.Exec(`UPDATE work_items
			SET claim_token = ?, claimed_by = ?, claimed_at = ?, visibility_deadline = ?, updated_at = ?
			WHERE id = (
				SELECT id FROM work_items
				WHERE due_at <= ? AND (claim_token = '' OR visibility_deadline < ?)
				ORDER BY due_at ASC
				LIMIT 1
			) AND (claim_token = '' OR visibility_deadline < ?)`,
			token, workerID, now, deadline, now,
			now, now,
			now,
		)
		if res.Error != nil {
			return post.WorkItem{}, false, fmt.Errorf("claim work item: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var candidates int64
			if err := db.Model(&workItemModel{}).
				Where("due_at <= ? AND (claim_token = '' OR visibility_deadline < ?)", now, now).
				Count(&candidates).Error; err != nil {
				return post.WorkItem{}, false, err
			}
			if candidates == 0 {
				return post.WorkItem{}, false, nil
			}
			continue
		}

		var m workItemModel
		if err := db.First(&m, "claim_token = ?", token).Error; err != nil {
			return post.WorkItem{}, false, err
		}
		return fromWorkItemModel(m), true, nil
	}
	return post.WorkItem{}, false, nil
}

func (r *GormStore) ListStaleWorkItems(ctx context.Context, now time.Time) ([]post.WorkItem, error) {
	var models []workItemModel
	if err := r.db.WithContext(ctx).
		Where("claim_token <> '' AND visibility_deadline < ?", now.UTC()).
		Order("due_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]post.WorkItem, len(models))
	for i, m := range models {
		res[i] = fromWorkItemModel(m)
	}
	return res, nil
}

func (r *GormStore) ReleaseStaleClaims(ctx context.Context, now time.Time) (int64, error) {
	now = now.UTC()
	res := r.db.WithContext(ctx).Model(&workItemModel{}).
		Where("claim_token <> '' AND visibility_deadline < ?", now).
		Updates(releaseColumns(now))
	return res.RowsAffected, res.Error
}

func (r *GormStore) NextDueAt(ctx context.Context) (time.Time, bool, error) {
	var models []workItemModel
	db := r.db.WithContext(ctx)

	if err := db.Where("claim_token = ''").Order("due_at ASC").Limit(1).Find(&models).Error; err != nil {
		return time.Time{}, false, err
	}
	var next time.Time
	found := false
	if len(models) > 0 {
		next, found = models[0].DueAt, true
	}

	models = nil
	if err := db.Where("claim_token <> '' AND visibility_deadline IS NOT NULL").
		Order("visibility_deadline ASC").Limit(1).Find(&models).Error; err != nil {
		return time.Time{}, false, err
	}
	if len(models) > 0 && (!found || models[0].VisibilityDeadline.Before(next)) {
		next, found = *models[0].VisibilityDeadline, true
	}
	return next, found, nil
}

func (r *GormStore) CommitRound(ctx context.Context, claim post.WorkItem, expectedVersion int64, now time.Time, mutate post.Mutator) (post.Post, error) {
	now = now.UTC()
	var committed post.Post
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		committed, err = r.swap(tx, claim.PostID, expectedVersion, mutate)
		if err != nil {
			return err
		}

		owned := tx.Model(&workItemModel{}).Where("post_id = ? AND claim_token = ?", claim.PostID, claim.ClaimToken)
		if next, pending := requeueAt(committed, now); pending {
			cols := releaseColumns(now)
			cols["due_at"] = next.UTC()
			cols["attempt_count"] = gorm.Expr("attempt_count + 1")
			return owned.Updates(cols).Error
		}
		return tx.Where("post_id = ? AND claim_token = ?", claim.PostID, claim.ClaimToken).Delete(&workItemModel{}).Error
	})
	if err != nil {
		return post.Post{}, err
	}
	return committed, nil
}

func (r *GormStore) swap(tx *gorm.DB, id string, expectedVersion int64, mutate post.Mutator) (post.Post, error) {
	current, err := r.getPost(tx, id)
	if err != nil {
		return post.Post{}, err
	}
	if current.Version != expectedVersion {
		return post.Post{}, post.ErrVersionConflict
	}

	updated := current.Clone()
	if err := mutate(&updated); err != nil {
		return post.Post{}, err
	}
	updated.ID = current.ID
	updated.CreatedAt = current.CreatedAt
	updated.Version = current.Version + 1
	updated.UpdatedAt = time.Now().UTC()

	model, err := toPostModel(updated)
	if err != nil {
		return post.Post{}, err
	}
	res := tx.Model(&postModel{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(map[string]interface{}{
			"organization_id": model.OrganizationID,
			"body":            model.Body,
			"media_refs":      model.MediaRefs,
			"targets":         model.Targets,
			"results":         model.Results,
			"scheduled_for":   model.ScheduledFor,
			"status":          model.Status,
			"version":         model.Version,
			"updated_at":      model.UpdatedAt,
		})
	if res.Error != nil {
		return post.Post{}, res.Error
	}
	if res.RowsAffected == 0 {
		return post.Post{}, post.ErrVersionConflict
	}
	return updated, nil
}

func (r *GormStore) getPost(db *gorm.DB, id string) (post.Post, error) {
	var m postModel
	if err := db.First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return post.Post{}, post.ErrPostNotFound
		}
		return post.Post{}, err
	}
	return fromPostModel(m)
}

func releaseColumns(now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"claim_token":         "",
		"claimed_by":          nil,
		"claimed_at":          nil,
		"visibility_deadline": nil,
		"updated_at":          now,
	}
}

// --- Mappers ---

func toPostModel(p post.Post) (postModel, error) {
	media, err := marshalJSON(p.MediaRefs)
	if err != nil {
		return postModel{}, fmt.Errorf("encode media refs: %w", err)
	}
	targets, err := marshalJSON(p.Targets)
	if err != nil {
		return postModel{}, fmt.Errorf("encode targets: %w", err)
	}
	results, err := marshalJSON(p.Results)
	if err != nil {
		return postModel{}, fmt.Errorf("encode target results: %w", err)
	}

	m := postModel{
		ID:             p.ID,
		OrganizationID: p.OrganizationID,
		Body:           sql.NullString{String: p.Body, Valid: p.Body != ""},
		MediaRefs:      media,
		Targets:        targets,
		Results:        results,
		ScheduledFor:   utcPtr(p.ScheduledFor),
		Status:         string(p.Status),
		Version:        p.Version,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
	if p.DeletedAt != nil {
		m.DeletedAt = gorm.DeletedAt{Time: *p.DeletedAt, Valid: true}
	}
	return m, nil
}

func fromPostModel(m postModel) (post.Post, error) {
	p := post.Post{
		ID:             m.ID,
		OrganizationID: m.OrganizationID,
		Body:           m.Body.String,
		ScheduledFor:   utcPtr(m.ScheduledFor),
		Status:         post.PostStatus(m.Status),
		Version:        m.Version,
		CreatedAt:      m.CreatedAt.UTC(),
		UpdatedAt:      m.UpdatedAt.UTC(),
	}
	if m.DeletedAt.Valid {
		t := m.DeletedAt.Time.UTC()
		p.DeletedAt = &t
	}
	if err := unmarshalJSON(m.MediaRefs, &p.MediaRefs); err != nil {
		return post.Post{}, fmt.Errorf("decode media refs of post %s: %w", m.ID, err)
	}
	if err := unmarshalJSON(m.Targets, &p.Targets); err != nil {
		return post.Post{}, fmt.Errorf("decode targets of post %s: %w", m.ID, err)
	}
	if err := unmarshalJSON(m.Results, &p.Results); err != nil {
		return post.Post{}, fmt.Errorf("decode target results of post %s: %w", m.ID, err)
	}
	return p, nil
}

func fromWorkItemModel(m workItemModel) post.WorkItem {
	return post.WorkItem{
		ID:                 m.ID,
		PostID:             m.PostID,
		DueAt:              m.DueAt.UTC(),
		AttemptCount:       m.AttemptCount,
		ClaimToken:         m.ClaimToken,
		ClaimedBy:          nullStringValue(m.ClaimedBy),
		ClaimedAt:          utcPtr(m.ClaimedAt),
		VisibilityDeadline: utcPtr(m.VisibilityDeadline),
		CreatedAt:          m.CreatedAt.UTC(),
		UpdatedAt:          m.UpdatedAt.UTC(),
	}
}

func marshalJSON(v interface{}) (sql.NullString, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(data) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalJSON(ns sql.NullString, v interface{}) error {
	raw := nullStringValue(ns)
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), v)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// nullStringValue returns a trimmed string or empty if null.
func nullStringValue(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return strings.TrimSpace(ns.String)
}
