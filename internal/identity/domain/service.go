package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

const (
	ScopeCredits  = "credits"
	ScopeCheckout = "checkout"
)

// Identity is the authenticated caller attached to a request.
type Identity struct {
	SubscriberID string
	Email        string
	KeyPrefix    string
	Scopes       []string
}

// HasScope reports whether the identity carries scope. Keys without scopes
// are unrestricted.
func (i Identity) HasScope(scope string) bool {
	if len(i.Scopes) == 0 {
		return true
	}
	for _, s := range i.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

//go:generate mockgen -source=service.go -destination=../mocks/mock_service.go -package=mocks
type Verifier interface {
	Verify(ctx context.Context, bearer string) (Identity, error)
}

type Service interface {
	Verifier
	Issue(ctx context.Context, req IssueRequest) (*IssuedKey, error)
	Revoke(ctx context.Context, subscriberID, keyPrefix string) error
}

type IssueRequest struct {
	SubscriberID string
	Email        string
	Name         string
	Scopes       []string
	ExpiresAt    *time.Time
}

type IssuedKey struct {
	SubscriberID string
	KeyPrefix    string
	APIKey       string
	ExpiresAt    *time.Time
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, key *APIKey) error
	FindByHash(ctx context.Context, db *gorm.DB, hash string) (*APIKey, error)
	FindByPrefix(ctx context.Context, db *gorm.DB, subscriberID, prefix string) (*APIKey, error)
	Deactivate(ctx context.Context, db *gorm.DB, id int64, at time.Time) error
	TouchLastUsed(ctx context.Context, db *gorm.DB, id int64, at time.Time) error
}

var (
	ErrMissingCredentials = errors.New("missing_credentials")
	ErrInvalidCredentials = errors.New("invalid_credentials")
	ErrInvalidSubscriber  = errors.New("invalid_subscriber")
	ErrInvalidEmail       = errors.New("invalid_email")
	ErrNotFound           = errors.New("not_found")
)
