package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditguard/internal/cache"
	"github.com/smallbiznis/creditguard/internal/clock"
	identitydomain "github.com/smallbiznis/creditguard/internal/identity/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	apiKeyPrefix      = "cg_live_"
	apiKeySecretBytes = 32
	displayPrefixLen  = len(apiKeyPrefix) + 8
	defaultCacheTTL   = 30 * time.Second
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  identitydomain.Repository
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     identitydomain.Repository
	cache    cache.Cache[string, identitydomain.Identity]
	cacheTTL time.Duration
}

func New(p Params) identitydomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("identity.service"),
		genID:    p.GenID,
		clock:    clk,
		repo:     p.Repo,
		cache:    cache.NewTTLCache[string, identitydomain.Identity](clk),
		cacheTTL: defaultCacheTTL,
	}
}

// Verify resolves a bearer key to its subscriber. Successful lookups are
// cached by key hash for a short TTL that never outlives the key's expiry.
func (s *Service) Verify(ctx context.Context, bearer string) (identitydomain.Identity, error) {
	raw := strings.TrimSpace(bearer)
	if raw == "" {
		return identitydomain.Identity{}, identitydomain.ErrMissingCredentials
	}
	hash := identitydomain.HashAPIKey(raw)
	if id, ok := s.cache.Get(hash); ok {
		return id, nil
	}

	key, err := s.repo.FindByHash(ctx, s.db, hash)
	if err != nil {
		return identitydomain.Identity{}, err
	}
	now := s.clock.Now().UTC()
	if key == nil || !key.Usable(now) {
		return identitydomain.Identity{}, identitydomain.ErrInvalidCredentials
	}

	if err := s.repo.TouchLastUsed(ctx, s.db, int64(key.ID), now); err != nil {
		s.log.Warn("failed to update api key last_used_at", zap.String("key_prefix", key.KeyPrefix), zap.Error(err))
	}

	id := identitydomain.Identity{
		SubscriberID: key.SubscriberID,
		Email:        key.Email,
		KeyPrefix:    key.KeyPrefix,
		Scopes:       []string(key.Scopes),
	}
	ttl := s.cacheTTL
	if key.ExpiresAt != nil {
		if remaining := key.ExpiresAt.Sub(now); remaining < ttl {
			ttl = remaining
		}
	}
	s.cache.Set(hash, id, ttl)
	return id, nil
}

func (s *Service) Issue(ctx context.Context, req identitydomain.IssueRequest) (*identitydomain.IssuedKey, error) {
	subscriberID := strings.TrimSpace(req.SubscriberID)
	if subscriberID == "" {
		return nil, identitydomain.ErrInvalidSubscriber
	}
	email := strings.TrimSpace(req.Email)
	if !strings.Contains(email, "@") {
		return nil, identitydomain.ErrInvalidEmail
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "default"
	}

	plain, err := generateAPIKey()
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	key := &identitydomain.APIKey{
		ID:           s.genID.Generate(),
		SubscriberID: subscriberID,
		Email:        email,
		Name:         name,
		KeyHash:      identitydomain.HashAPIKey(plain),
		KeyPrefix:    plain[:displayPrefixLen],
		Scopes:       req.Scopes,
		IsActive:     true,
		ExpiresAt:    req.ExpiresAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if key.Scopes == nil {
		key.Scopes = []string{}
	}
	if err := s.repo.Insert(ctx, s.db, key); err != nil {
		return nil, err
	}

	s.log.Info("api key issued",
		zap.String("subscriber_id", subscriberID),
		zap.String("key_prefix", key.KeyPrefix),
	)
	return &identitydomain.IssuedKey{
		SubscriberID: subscriberID,
		KeyPrefix:    key.KeyPrefix,
		APIKey:       plain,
		ExpiresAt:    req.ExpiresAt,
	}, nil
}

func (s *Service) Revoke(ctx context.Context, subscriberID, keyPrefix string) error {
	subscriberID = strings.TrimSpace(subscriberID)
	keyPrefix = strings.TrimSpace(keyPrefix)
	if subscriberID == "" {
		return identitydomain.ErrInvalidSubscriber
	}

	key, err := s.repo.FindByPrefix(ctx, s.db, subscriberID, keyPrefix)
	if err != nil {
		return err
	}
	if key == nil {
		return identitydomain.ErrNotFound
	}
	if err := s.repo.Deactivate(ctx, s.db, int64(key.ID), s.clock.Now().UTC()); err != nil {
		return err
	}
	s.cache.Delete(key.KeyHash)
	return nil
}

func generateAPIKey() (string, error) {
	secret := make([]byte, apiKeySecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", err
	}
	return apiKeyPrefix + hex.EncodeToString(secret), nil
}
