package conference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ClareAI/astra-call-control/pkg/redis"
	"golang.org/x/sync/errgroup"
)

// RecordTTL bounds how long a conference record survives a host that never cleaned up
const RecordTTL = 24 * time.Hour

// Status events a conference can report to its statusHook
const (
	EventStart = "start"
	EventEnd   = "end"
	EventJoin  = "join"
	EventLeave = "leave"
)

// Record identifies the process hosting a conference
type Record struct {
	SipAddress   string
	StartTime    time.Time
	StatusHook   any
	StatusEvents []string
}

// Wants reports whether the record asks for a status event
func (r *Record) Wants(evt string) bool {
	for _, e := range r.StatusEvents {
		if e == evt {
			return true
		}
	}
	return false
}

func (r *Record) fields() (map[string]string, error) {
	f := map[string]string{
		"sipAddress":   r.SipAddress,
		"startTime":    r.StartTime.UTC().Format(time.RFC3339Nano),
		"statusEvents": strings.Join(r.StatusEvents, ","),
	}
	if r.StatusHook != nil {
		hook, err := json.Marshal(r.StatusHook)
		if err != nil {
			return nil, fmt.Errorf("encode status hook: %w", err)
		}
		f["statusHook"] = string(hook)
	}
	return f, nil
}

func parseRecord(f map[string]string) (*Record, error) {
	rec := &Record{SipAddress: f["sipAddress"]}
	if s := f["startTime"]; s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("decode start time: %w", err)
		}
		rec.StartTime = t
	}
	if s := f["statusEvents"]; s != "" {
		rec.StatusEvents = strings.Split(s, ",")
	}
	if s := f["statusHook"]; s != "" {
		if err := json.Unmarshal([]byte(s), &rec.StatusHook); err != nil {
			return nil, fmt.Errorf("decode status hook: %w", err)
		}
	}
	return rec, nil
}

// Registry stores conference records and wait-lists in the shared store
type Registry struct {
	store redis.RedisServiceInterface
}

func NewRegistry(store redis.RedisServiceInterface) *Registry {
	return &Registry{store: store}
}

func (r *Registry) key(accountSid, name string) string {
	return r.store.GenerateKey(redis.CONFERENCE, fmt.Sprintf("%s:%s", accountSid, name))
}

func (r *Registry) waitKey(accountSid, name string) string {
	return r.store.GenerateKey(redis.CONFERENCE_WAIT, fmt.Sprintf("%s:%s", accountSid, name))
}

// CreateIfAbsent tries once to become the host of a conference. When another process
// already holds the record, created is false and the winner's record is returned.
func (r *Registry) CreateIfAbsent(ctx context.Context, accountSid, name string, rec Record) (created bool, current *Record, err error) {
	fields, err := rec.fields()
	if err != nil {
		return false, nil, err
	}
	created, err = r.store.CreateHashIfAbsent(ctx, r.key(accountSid, name), fields, RecordTTL)
	if err != nil {
		return false, nil, fmt.Errorf("create conference %s: %w", name, err)
	}
	if created {
		return true, &rec, nil
	}
	current, err = r.Get(ctx, accountSid, name)
	if err != nil {
		return false, nil, err
	}
	if current == nil {
		return false, nil, fmt.Errorf("conference %s vanished after losing creation", name)
	}
	return false, current, nil
}

// Get returns the record, or nil when no conference is running
func (r *Registry) Get(ctx context.Context, accountSid, name string) (*Record, error) {
	f, err := r.store.GetHash(ctx, r.key(accountSid, name))
	if err != nil {
		return nil, fmt.Errorf("read conference %s: %w", name, err)
	}
	if len(f) == 0 {
		return nil, nil
	}
	return parseRecord(f)
}

// Delete removes the record; deleted is false when someone else already removed it
func (r *Registry) Delete(ctx context.Context, accountSid, name string) (bool, error) {
	return r.store.DeleteKey(ctx, r.key(accountSid, name))
}

func (r *Registry) AddWaiter(ctx context.Context, accountSid, name, url string) error {
	return r.store.AddToSet(ctx, r.waitKey(accountSid, name), url)
}

func (r *Registry) RemoveWaiter(ctx context.Context, accountSid, name, url string) error {
	return r.store.RemoveFromSet(ctx, r.waitKey(accountSid, name), url)
}

// DrainWaiters clears the wait-list and notifies each waiter concurrently.
// It returns the number of waiters and every notification error joined.
func (r *Registry) DrainWaiters(ctx context.Context, accountSid, name string, notify func(ctx context.Context, url string) error) (int, error) {
	key := r.waitKey(accountSid, name)
	urls, err := r.store.SetMembers(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("read wait-list for %s: %w", name, err)
	}
	if len(urls) == 0 {
		return 0, nil
	}
	if _, err := r.store.DeleteKey(ctx, key); err != nil {
		return 0, fmt.Errorf("clear wait-list for %s: %w", name, err)
	}

	// a failed waiter must not cancel the others; the wait-list is already gone
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, u := range urls {
		u := u
		g.Go(func() error {
			if err := notify(ctx, u); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("notify %s: %w", u, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(urls), errors.Join(errs...)
}
