package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/ClareAI/astra-call-control/internal/domain"
	"gorm.io/gorm"
)

// ErrAccountNotFound is returned for unknown or disabled accounts
var ErrAccountNotFound = errors.New("account not found")

// AccountRepository defines the interface for account operations
type AccountRepository interface {
	// GetByAccountSid returns an enabled account with its speech credentials
	GetByAccountSid(ctx context.Context, accountSid string) (*domain.Account, error)
	GetAll(ctx context.Context, includeDisabled bool) ([]*domain.Account, error)
	Save(ctx context.Context, account *domain.Account) error
	SaveSpeechCredential(ctx context.Context, cred *domain.SpeechCredential) error
}

// GormAccountRepository implements AccountRepository using GORM
type GormAccountRepository struct {
	db *gorm.DB
}

// NewGormAccountRepository creates a new GORM account repository
func NewGormAccountRepository(db *gorm.DB) *GormAccountRepository {
	return &GormAccountRepository{db: db}
}

func (r *GormAccountRepository) GetByAccountSid(ctx context.Context, accountSid string) (*domain.Account, error) {
	var account domain.Account
	err := r.db.WithContext(ctx).
		Preload("SpeechCredentials").
		Where("disabled = ?", false).
		First(&account, "account_sid = ?", accountSid).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountSid)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return &account, nil
}

func (r *GormAccountRepository) GetAll(ctx context.Context, includeDisabled bool) ([]*domain.Account, error) {
	var accounts []*domain.Account
	query := r.db.WithContext(ctx).Preload("SpeechCredentials")

	if !includeDisabled {
		query = query.Where("disabled = ?", false)
	}

	if err := query.Order("created_at DESC").Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("failed to get accounts: %w", err)
	}

	return accounts, nil
}

// Save creates or updates an account by primary key
func (r *GormAccountRepository) Save(ctx context.Context, account *domain.Account) error {
	if account == nil {
		return fmt.Errorf("account cannot be nil")
	}
	if err := r.db.WithContext(ctx).Omit("SpeechCredentials").Save(account).Error; err != nil {
		return fmt.Errorf("failed to save account %s: %w", account.AccountSid, err)
	}
	return nil
}

func (r *GormAccountRepository) SaveSpeechCredential(ctx context.Context, cred *domain.SpeechCredential) error {
	if cred == nil {
		return fmt.Errorf("speech credential cannot be nil")
	}
	if err := r.db.WithContext(ctx).Save(cred).Error; err != nil {
		return fmt.Errorf("failed to save speech credential for %s: %w", cred.AccountSid, err)
	}
	return nil
}
