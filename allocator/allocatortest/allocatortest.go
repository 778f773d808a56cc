// Package allocatortest wires a Manager against in-memory repositories, miniredis and
// recording collaborators for use in tests.
package allocatortest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"device-allocator/allocator"
	"device-allocator/coord"
	"device-allocator/models"
	"device-allocator/queues"
	"device-allocator/store/memory"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(t time.Time) *Clock { return &Clock{now: t} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type Inventory struct {
	mu        sync.Mutex
	Resources []models.Resource
	Err       error
}

func (i *Inventory) ListReady(ctx context.Context) ([]models.Resource, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.Err != nil {
		return nil, i.Err
	}
	return append([]models.Resource(nil), i.Resources...), nil
}

func (i *Inventory) Set(resources ...models.Resource) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Resources = resources
}

type Quota struct {
	mu       sync.Mutex
	Deny     map[string]string // key: user id, value: denial reason
	CheckErr error
	Usage    map[string]int
}

func (q *Quota) Check(ctx context.Context, userID string, specs models.Specs) (models.QuotaDecision, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.CheckErr != nil {
		return models.QuotaDecision{}, q.CheckErr
	}
	if reason, ok := q.Deny[userID]; ok {
		return models.QuotaDecision{Allowed: false, Reason: reason}, nil
	}
	return models.QuotaDecision{Allowed: true}, nil
}

func (q *Quota) Report(ctx context.Context, userID string, delta int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Usage == nil {
		q.Usage = make(map[string]int)
	}
	q.Usage[userID] += delta
	return nil
}

func (q *Quota) UsageOf(userID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.Usage[userID]
}

type Billing struct {
	mu      sync.Mutex
	Err     error
	Records []models.UsageRecord
}

func (b *Billing) ReportUsage(ctx context.Context, rec models.UsageRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return b.Err
	}
	b.Records = append(b.Records, rec)
	return nil
}

func (b *Billing) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Records)
}

type Notice struct {
	UserID  string
	Kind    string
	Payload map[string]any
}

type Notifier struct {
	mu      sync.Mutex
	Err     error
	Notices []Notice
}

func (n *Notifier) Notify(ctx context.Context, userID, kind string, payload map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return n.Err
	}
	n.Notices = append(n.Notices, Notice{UserID: userID, Kind: kind, Payload: payload})
	return nil
}

// Kinds returns the notification kinds sent to userID in order.
func (n *Notifier) Kinds(userID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, x := range n.Notices {
		if x.UserID == userID {
			out = append(out, x.Kind)
		}
	}
	return out
}

func (n *Notifier) Count(kind string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, x := range n.Notices {
		if x.Kind == kind {
			c++
		}
	}
	return c
}

type Publisher struct {
	mu     sync.Mutex
	Err    error
	Events []*queues.Event
}

func (p *Publisher) Publish(ctx context.Context, topic string, ev *queues.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.Events = append(p.Events, ev)
	return nil
}

func (p *Publisher) Count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := 0
	for _, ev := range p.Events {
		if ev.Type == topic {
			c++
		}
	}
	return c
}

// Env is a fully wired Manager plus handles on every collaborator.
type Env struct {
	Manager   *allocator.Manager
	Repo      *memory.Allocations
	Inventory *Inventory
	Quota     *Quota
	Billing   *Billing
	Notifier  *Notifier
	Publisher *Publisher
	Clock     *Clock
	Redis     *miniredis.Miniredis
	Client    *redis.Client
	Locker    *coord.RedisLocker
	Cache     *coord.RedisCache
	Counter   *coord.RedisCounter
}

var ErrBoom = errors.New("boom")

// Start is the default clock origin.
var Start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// New returns an Env using strategy over the given devices.
func New(t testing.TB, strategy string, resources ...models.Resource) *Env {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	env := &Env{
		Repo:      memory.NewAllocations(),
		Inventory: &Inventory{Resources: resources},
		Quota:     &Quota{},
		Billing:   &Billing{},
		Notifier:  &Notifier{},
		Publisher: &Publisher{},
		Clock:     NewClock(Start),
		Redis:     mr,
		Client:    client,
		Locker:    coord.NewRedisLocker(client, 2*time.Second),
		Cache:     coord.NewRedisCache(client),
		Counter:   coord.NewRedisCounter(client),
	}
	m, err := allocator.NewManager(allocator.Deps{
		Repo:      env.Repo,
		Inventory: env.Inventory,
		Quota:     env.Quota,
		Billing:   env.Billing,
		Notifier:  env.Notifier,
		Publisher: env.Publisher,
		Locker:    env.Locker,
		Cache:     env.Cache,
	}, allocator.Options{Strategy: strategy, Now: env.Clock.Now})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	env.Manager = m
	return env
}

// Device returns a resource with the given id and CPU/memory utilization.
func Device(id string, cpu, mem float64) models.Resource {
	return models.Resource{ID: id, Name: id, State: "Ready", CPUUtilization: cpu, MemoryUtilization: mem, CPUCores: 8, MemoryMB: 16384, StorageGB: 100}
}
