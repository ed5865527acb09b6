package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vidserve/models"
	"vidserve/utils"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("credential not found")

// Store persists credentials. Keys are looked up by hash; the plaintext key is
// only ever returned by Create.
type Store interface {
	Create(ctx context.Context, p CreateParams) (*models.Credential, string, error)
	Validate(ctx context.Context, key string) (*models.Credential, error)
	Get(ctx context.Context, id string) (*models.Credential, error)
	List(ctx context.Context) ([]*models.Credential, error)
	Revoke(ctx context.Context, id string) error
	RecordUsage(ctx context.Context, id string, now time.Time) error
	Ping(ctx context.Context) error
	Close() error
}

// CreateParams describe a new credential. A nil Limits uses the defaults of
// the store. A nil allow list permits everything while an empty one permits
// nothing; both backends keep the two apart.
type CreateParams struct {
	Name           string
	ExpiresAt      *time.Time
	Limits         *models.RateLimits
	AllowedFormats []models.Format
	AllowedIPs     []string
}

// keyPrefixLen is how much of the plaintext key is kept for identification
const keyPrefixLen = 8

// newCredential generates the key and builds the record both backends persist
func newCredential(p CreateParams, defaults models.RateLimits, now time.Time) (*models.Credential, string, error) {
	limits := defaults
	if p.Limits != nil {
		limits = *p.Limits
	}
	if limits.PerMinute < 0 || limits.PerHour < 0 || limits.PerDay < 0 {
		return nil, "", fmt.Errorf("rate limits must not be negative: %+v", limits)
	}
	for _, f := range p.AllowedFormats {
		if _, err := models.ParseFormat(string(f)); err != nil {
			return nil, "", err
		}
	}

	key, err := utils.GenerateAPIKey()
	if err != nil {
		return nil, "", err
	}

	return &models.Credential{
		ID:             uuid.New().String(),
		Name:           p.Name,
		KeyPrefix:      key[:keyPrefixLen],
		KeyHash:        utils.HashAPIKey(key),
		Active:         true,
		ExpiresAt:      p.ExpiresAt,
		Limits:         limits,
		AllowedFormats: p.AllowedFormats,
		AllowedIPs:     p.AllowedIPs,
		CreatedAt:      now,
	}, key, nil
}
