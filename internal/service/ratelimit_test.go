package service

import (
	"errors"
	"testing"
	"time"

	"usagecollector/internal/model"

	"github.com/google/uuid"
)

type memRLRepo struct {
	configs  map[string]*model.RateLimitConfig
	statuses map[string]*model.RateLimitStatus
	anchors  map[string]time.Time
}

func newMemRLRepo() *memRLRepo {
	return &memRLRepo{
		configs:  make(map[string]*model.RateLimitConfig),
		statuses: make(map[string]*model.RateLimitStatus),
		anchors:  make(map[string]time.Time),
	}
}

func (m *memRLRepo) CreateConfig(c *model.RateLimitConfig) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	m.configs[c.ID] = c
	return nil
}
func (m *memRLRepo) UpdateConfig(c *model.RateLimitConfig) error { m.configs[c.ID] = c; return nil }
func (m *memRLRepo) DeleteConfig(id string) error                { delete(m.configs, id); return nil }
func (m *memRLRepo) GetConfig(id string) (*model.RateLimitConfig, error) {
	return m.configs[id], nil
}
func (m *memRLRepo) ListConfigs() ([]*model.RateLimitConfig, error) {
	var out []*model.RateLimitConfig
	for _, c := range m.configs {
		out = append(out, c)
	}
	return out, nil
}
func (m *memRLRepo) SetAnchor(id string, anchor time.Time) error {
	m.anchors[id] = anchor
	if c, ok := m.configs[id]; ok {
		t := anchor
		c.ResetAnchor = &t
	}
	return nil
}
func (m *memRLRepo) UpsertStatus(s *model.RateLimitStatus) error {
	m.statuses[s.ConfigID] = s
	return nil
}
func (m *memRLRepo) GetStatus(id string) (*model.RateLimitStatus, error) { return m.statuses[id], nil }
func (m *memRLRepo) ListStatuses() (map[string]*model.RateLimitStatus, error) {
	return m.statuses, nil
}

func TestCreateValidation(t *testing.T) {
	svc := NewRateLimitServiceWithRepo(newMemRLRepo(), time.UTC)

	cases := []model.RateLimitConfigRequest{
		{ModelPattern: "gpt", ResetStrategy: "monthly"},
		{ModelPattern: "", ResetStrategy: model.StrategyDaily},
		{ModelPattern: "gpt", ResetStrategy: model.StrategyDaily, TokenLimit: -1},
		{ModelPattern: "gpt", ResetStrategy: model.StrategyRolling},
	}
	for i, req := range cases {
		if _, err := svc.Create(&req); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}

	// 两个限额都为 0：合法的观察配置
	cfg, err := svc.Create(&model.RateLimitConfigRequest{ModelPattern: "gpt", ResetStrategy: model.StrategyDaily})
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Informational() {
		t.Fatal("zero-limit config must be informational")
	}
	if cfg.WindowMinutes != 1440 {
		t.Fatalf("daily default window = %d, want 1440", cfg.WindowMinutes)
	}
}

func TestWeeklyDefaultWindow(t *testing.T) {
	svc := NewRateLimitServiceWithRepo(newMemRLRepo(), time.UTC)
	cfg, err := svc.Create(&model.RateLimitConfigRequest{ModelPattern: "gpt", ResetStrategy: model.StrategyWeekly, TokenLimit: 100})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WindowMinutes != 10080 {
		t.Fatalf("weekly default window = %d, want 10080", cfg.WindowMinutes)
	}
}

func TestResetWritesStatusAndAnchor(t *testing.T) {
	repo := newMemRLRepo()
	svc := NewRateLimitServiceWithRepo(repo, time.UTC)

	cfg, err := svc.Create(&model.RateLimitConfigRequest{ModelPattern: "gpt", ResetStrategy: model.StrategyDaily, TokenLimit: 10000})
	if err != nil {
		t.Fatal(err)
	}

	now := time.Date(2026, 8, 5, 10, 0, 0, 0, time.UTC)
	status, err := svc.Reset(cfg.ID, now)
	if err != nil {
		t.Fatal(err)
	}
	if status.UsedTokens != 0 || status.Percentage != 100 {
		t.Fatalf("reset status = %+v", status)
	}
	if !status.WindowStart.Equal(now) {
		t.Fatalf("window start = %v, want now", status.WindowStart)
	}
	if anchor, ok := repo.anchors[cfg.ID]; !ok || !anchor.Equal(now) {
		t.Fatalf("anchor = %v ok=%v", anchor, ok)
	}
	if repo.statuses[cfg.ID] == nil {
		t.Fatal("status row not written")
	}
}

func TestResetUnknownConfig(t *testing.T) {
	svc := NewRateLimitServiceWithRepo(newMemRLRepo(), time.UTC)
	if _, err := svc.Reset("missing", time.Now()); !errors.Is(err, ErrConfigNotFound) {
		t.Fatalf("err = %v, want ErrConfigNotFound", err)
	}
}

func TestTreeMergesStatuses(t *testing.T) {
	repo := newMemRLRepo()
	svc := NewRateLimitServiceWithRepo(repo, time.UTC)

	a, _ := svc.Create(&model.RateLimitConfigRequest{ModelPattern: "gpt", ResetStrategy: model.StrategyDaily, TokenLimit: 100})
	b, _ := svc.Create(&model.RateLimitConfigRequest{ModelPattern: "claude", ResetStrategy: model.StrategyDaily, TokenLimit: 100})
	_ = repo.UpsertStatus(&model.RateLimitStatus{ConfigID: a.ID, Percentage: 42})

	entries, err := svc.Tree()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d", len(entries))
	}
	for _, e := range entries {
		switch e.Config.ID {
		case a.ID:
			if e.Status == nil || e.Status.Percentage != 42 {
				t.Fatalf("status for a = %+v", e.Status)
			}
		case b.ID:
			if e.Status != nil {
				t.Fatalf("b must have no status yet")
			}
		}
	}
}
