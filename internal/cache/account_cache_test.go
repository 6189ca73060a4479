package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ClareAI/astra-call-control/internal/core/speech"
	"github.com/ClareAI/astra-call-control/internal/domain"
	"github.com/ClareAI/astra-call-control/pkg/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLoader struct {
	mu      sync.Mutex
	loads   int
	account *domain.Account
	err     error
}

func (l *fakeLoader) GetByAccountSid(ctx context.Context, accountSid string) (*domain.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads++
	if l.err != nil {
		return nil, l.err
	}
	return l.account, nil
}

func (l *fakeLoader) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads
}

func testAccount() *domain.Account {
	return &domain.Account{
		AccountSid:  "AC1",
		CallHookURL: "https://app.example.com/call",
		SpeechCredentials: []domain.SpeechCredential{
			{Vendor: "google", UseForTTS: true, UseForSTT: true, Credential: domain.JSONB{"key": "g"}},
			{Vendor: "deepgram", Label: "eu", UseForSTT: true, Credential: domain.JSONB{"key": "d"}},
		},
	}
}

func TestGetAccountCachesUntilTTL(t *testing.T) {
	clk := clock.NewManual(time.Time{})
	loader := &fakeLoader{account: testAccount()}
	c := NewAccountCache(loader, time.Minute, clk)

	a, err := c.GetAccount(context.Background(), "AC1")
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/call", a.CallHookURL)
	_, err = c.GetAccount(context.Background(), "AC1")
	require.NoError(t, err)
	assert.Equal(t, 1, loader.count())

	clk.Advance(time.Minute)
	_, err = c.GetAccount(context.Background(), "AC1")
	require.NoError(t, err)
	assert.Equal(t, 2, loader.count())
}

func TestGetAccountReturnsCopies(t *testing.T) {
	c := NewAccountCache(&fakeLoader{account: testAccount()}, 0, clock.NewManual(time.Time{}))
	a, err := c.GetAccount(context.Background(), "AC1")
	require.NoError(t, err)
	a.CallHookURL = "mutated"
	a.SpeechCredentials[0].Credential["key"] = "mutated"

	b, err := c.GetAccount(context.Background(), "AC1")
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/call", b.CallHookURL)
	assert.Equal(t, "g", b.SpeechCredentials[0].Credential["key"])
}

func TestStaleCopyServedWhenReloadFails(t *testing.T) {
	clk := clock.NewManual(time.Time{})
	loader := &fakeLoader{account: testAccount()}
	c := NewAccountCache(loader, time.Second, clk)
	_, err := c.GetAccount(context.Background(), "AC1")
	require.NoError(t, err)

	loader.mu.Lock()
	loader.err = errors.New("db down")
	loader.mu.Unlock()
	clk.Advance(2 * time.Second)

	a, err := c.GetAccount(context.Background(), "AC1")
	require.NoError(t, err)
	assert.Equal(t, "AC1", a.AccountSid)

	c.Invalidate("AC1")
	_, err = c.GetAccount(context.Background(), "AC1")
	assert.Error(t, err)
}

func TestResolveCredentials(t *testing.T) {
	c := NewAccountCache(&fakeLoader{account: testAccount()}, 0, nil)
	ctx := context.Background()

	creds, err := c.Resolve(ctx, "AC1", speech.Vendor{Name: "google"}, speech.UsageTTS)
	require.NoError(t, err)
	assert.Equal(t, "g", creds["key"])

	creds, err = c.Resolve(ctx, "AC1", speech.Vendor{Name: "deepgram", Label: "eu"}, speech.UsageSTT)
	require.NoError(t, err)
	assert.Equal(t, "d", creds["key"])

	_, err = c.Resolve(ctx, "AC1", speech.Vendor{Name: "deepgram", Label: "eu"}, speech.UsageTTS)
	assert.ErrorIs(t, err, speech.ErrNoCredential)
	_, err = c.Resolve(ctx, "AC1", speech.Vendor{Name: "deepgram"}, speech.UsageSTT)
	assert.ErrorIs(t, err, speech.ErrNoCredential)
}
