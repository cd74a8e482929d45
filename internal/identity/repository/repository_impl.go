package repository

import (
	"context"
	"errors"
	"time"

	identitydomain "github.com/smallbiznis/creditguard/internal/identity/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() identitydomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, key *identitydomain.APIKey) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriber_api_keys (id, subscriber_id, email, name, key_hash, key_prefix, scopes, is_active, expires_at, last_used_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID,
		key.SubscriberID,
		key.Email,
		key.Name,
		key.KeyHash,
		key.KeyPrefix,
		key.Scopes,
		key.IsActive,
		key.ExpiresAt,
		key.LastUsedAt,
		key.CreatedAt,
		key.UpdatedAt,
	).Error
}

func (r *repo) FindByHash(ctx context.Context, db *gorm.DB, hash string) (*identitydomain.APIKey, error) {
	var key identitydomain.APIKey
	err := db.WithContext(ctx).Where("key_hash = ?", hash).Take(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (r *repo) FindByPrefix(ctx context.Context, db *gorm.DB, subscriberID, prefix string) (*identitydomain.APIKey, error) {
	var key identitydomain.APIKey
	err := db.WithContext(ctx).
		Where("subscriber_id = ? AND key_prefix = ?", subscriberID, prefix).
		Take(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (r *repo) Deactivate(ctx context.Context, db *gorm.DB, id int64, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriber_api_keys SET is_active = ?, updated_at = ? WHERE id = ?`,
		false, at, id,
	).Error
}

func (r *repo) TouchLastUsed(ctx context.Context, db *gorm.DB, id int64, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriber_api_keys SET last_used_at = ? WHERE id = ?`,
		at, id,
	).Error
}
