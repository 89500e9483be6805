package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	pkgCrypto "github.com/AzielCF/az-publisher/pkg/crypto"
	pkgError "github.com/AzielCF/az-publisher/pkg/error"
	domainCredential "github.com/AzielCF/az-publisher/publishing/domain/credential"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// --- Persistence Model ---

type accountTokenModel struct {
	ID             string     `gorm:"primaryKey;column:id"`
	OrganizationID string     `gorm:"column:organization_id;not null;uniqueIndex:idx_account_token"`
	Platform       string     `gorm:"column:platform;not null;uniqueIndex:idx_account_token"`
	AccountID      string     `gorm:"column:account_id;not null;uniqueIndex:idx_account_token"`
	AccessToken    string     `gorm:"column:access_token;type:text;not null"` // encrypted
	ExpiresAt      *time.Time `gorm:"column:expires_at"`
	RevokedAt      *time.Time `gorm:"column:revoked_at"`
	CreatedAt      time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (accountTokenModel) TableName() string {
	return "account_tokens"
}

// GormStore keeps account tokens encrypted at rest. A token that is missing,
// revoked or past its expiry resolves to ErrExpiredCredential.
type GormStore struct {
	db     *gorm.DB
	sealer *pkgCrypto.Sealer
	now    func() time.Time
}

func NewGormStore(db *gorm.DB, sealer *pkgCrypto.Sealer) *GormStore {
	return &GormStore{db: db, sealer: sealer, now: time.Now}
}

func (s *GormStore) Init(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&accountTokenModel{})
}

func (s *GormStore) GetToken(ctx context.Context, organizationID, platform, accountID string) (domainCredential.Token, error) {
	var m accountTokenModel
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND platform = ? AND account_id = ?", organizationID, normalizePlatform(platform), accountID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domainCredential.Token{}, domainCredential.ErrExpiredCredential
	}
	if err != nil {
		return domainCredential.Token{}, err
	}

	if m.RevokedAt != nil || (m.ExpiresAt != nil && !m.ExpiresAt.After(s.now())) {
		return domainCredential.Token{}, domainCredential.ErrExpiredCredential
	}

	plain, err := s.sealer.Decrypt(m.AccessToken)
	if err != nil {
		logrus.WithError(err).Errorf("[CREDENTIAL] Stored token for %s:%s cannot be decrypted", m.Platform, m.AccountID)
		return domainCredential.Token{}, domainCredential.ErrExpiredCredential
	}

	return domainCredential.Token{
		OrganizationID: m.OrganizationID,
		Platform:       m.Platform,
		AccountID:      m.AccountID,
		AccessToken:    plain,
		ExpiresAt:      m.ExpiresAt,
	}, nil
}

// PutToken inserts or replaces the token of an account and clears any revocation.
func (s *GormStore) PutToken(ctx context.Context, token domainCredential.Token) error {
	sealed, err := s.sealer.Encrypt(token.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt token: %w", err)
	}

	m := accountTokenModel{
		ID:             uuid.NewString(),
		OrganizationID: token.OrganizationID,
		Platform:       normalizePlatform(token.Platform),
		AccountID:      token.AccountID,
		AccessToken:    sealed,
		ExpiresAt:      token.ExpiresAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "organization_id"}, {Name: "platform"}, {Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"access_token", "expires_at", "revoked_at", "updated_at"}),
	}).Create(&m).Error
}

func (s *GormStore) RevokeToken(ctx context.Context, organizationID, platform, accountID string) error {
	now := s.now().UTC()
	res := s.db.WithContext(ctx).Model(&accountTokenModel{}).
		Where("organization_id = ? AND platform = ? AND account_id = ?", organizationID, normalizePlatform(platform), accountID).
		Updates(map[string]interface{}{"revoked_at": now, "updated_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgError.NotFoundError(fmt.Sprintf("no credential for %s:%s", platform, accountID))
	}
	return nil
}

func normalizePlatform(platform string) string {
	return strings.ToLower(strings.TrimSpace(platform))
}
