package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ClareAI/astra-call-control/internal/core/speech"
	"github.com/ClareAI/astra-call-control/internal/domain"
	"github.com/ClareAI/astra-call-control/pkg/clock"
	"github.com/ClareAI/astra-call-control/pkg/logger"
	"github.com/jinzhu/copier"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const DefaultTTL = time.Minute

// AccountLoader is the backing store of the cache
type AccountLoader interface {
	GetByAccountSid(ctx context.Context, accountSid string) (*domain.Account, error)
}

type cachedAccount struct {
	account  *domain.Account
	loadedAt time.Time
}

// AccountCache keeps recently used accounts in memory. Callers always receive copies.
type AccountCache struct {
	loader AccountLoader
	ttl    time.Duration
	clk    clock.Clock

	accounts map[string]*cachedAccount
	mutex    sync.RWMutex
	loads    singleflight.Group
}

func NewAccountCache(loader AccountLoader, ttl time.Duration, clk clock.Clock) *AccountCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.NewReal()
	}
	return &AccountCache{
		loader:   loader,
		ttl:      ttl,
		clk:      clk,
		accounts: make(map[string]*cachedAccount),
	}
}

// GetAccount returns the account, loading it when absent or stale. Concurrent misses
// for the same account share one load.
func (c *AccountCache) GetAccount(ctx context.Context, accountSid string) (*domain.Account, error) {
	c.mutex.RLock()
	entry, ok := c.accounts[accountSid]
	c.mutex.RUnlock()
	if ok && c.clk.Now().Sub(entry.loadedAt) < c.ttl {
		return c.copyAccount(entry.account)
	}

	v, err, _ := c.loads.Do(accountSid, func() (interface{}, error) {
		account, err := c.loader.GetByAccountSid(ctx, accountSid)
		if err != nil {
			return nil, err
		}
		c.mutex.Lock()
		c.accounts[accountSid] = &cachedAccount{account: account, loadedAt: c.clk.Now()}
		c.mutex.Unlock()
		logger.Base().Debug("Account loaded", zap.String("account_sid", accountSid))
		return account, nil
	})
	if err != nil {
		if ok {
			logger.Base().Warn("Account reload failed, serving stale copy",
				zap.String("account_sid", accountSid), zap.Error(err))
			return c.copyAccount(entry.account)
		}
		return nil, err
	}
	return c.copyAccount(v.(*domain.Account))
}

// Invalidate drops an account so the next read reloads it
func (c *AccountCache) Invalidate(accountSid string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.accounts, accountSid)
}

func (c *AccountCache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.accounts)
}

// Resolve finds the account credential for a speech vendor. A label, when set, must match.
func (c *AccountCache) Resolve(ctx context.Context, accountSid string, v speech.Vendor, usage speech.Usage) (map[string]any, error) {
	account, err := c.GetAccount(ctx, accountSid)
	if err != nil {
		return nil, err
	}
	for _, cred := range account.SpeechCredentials {
		if !strings.EqualFold(cred.Vendor, v.Name) || cred.Label != v.Label {
			continue
		}
		if usage == speech.UsageTTS && !cred.UseForTTS || usage == speech.UsageSTT && !cred.UseForSTT {
			continue
		}
		return map[string]any(cred.Credential), nil
	}
	return nil, fmt.Errorf("%w: %s for %s", speech.ErrNoCredential, v, usage)
}

// copyAccount deep-copies so callers cannot mutate the cached entry
func (c *AccountCache) copyAccount(original *domain.Account) (*domain.Account, error) {
	if original == nil {
		return nil, errors.New("account is nil")
	}
	var copy domain.Account
	if err := copier.CopyWithOption(&copy, original, copier.Option{DeepCopy: true}); err != nil {
		return nil, fmt.Errorf("copy account %s: %w", original.AccountSid, err)
	}
	return &copy, nil
}
