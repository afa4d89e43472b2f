package service

import (
	"database/sql"
	"errors"
	"time"

	"usagecollector/internal/model"
	"usagecollector/internal/reconciler"
	"usagecollector/internal/repository"
)

var ErrConfigNotFound = errors.New("限流配置不存在")

type RateLimitService struct {
	repo repository.RateLimitRepositoryInterface
	loc  *time.Location
}

func NewRateLimitService(loc *time.Location) *RateLimitService {
	return &RateLimitService{repo: repository.NewRateLimitRepository(), loc: loc}
}

func NewRateLimitServiceWithRepo(repo repository.RateLimitRepositoryInterface, loc *time.Location) *RateLimitService {
	return &RateLimitService{repo: repo, loc: loc}
}

func (s *RateLimitService) Create(req *model.RateLimitConfigRequest) (*model.RateLimitConfig, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	cfg := &model.RateLimitConfig{
		ModelPattern:  req.ModelPattern,
		WindowMinutes: windowMinutesOrDefault(req),
		ResetStrategy: req.ResetStrategy,
		TokenLimit:    req.TokenLimit,
		RequestLimit:  req.RequestLimit,
	}
	if err := s.repo.CreateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *RateLimitService) Update(id string, req *model.RateLimitConfigRequest) (*model.RateLimitConfig, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	cfg, err := s.repo.GetConfig(id)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, ErrConfigNotFound
	}
	cfg.ModelPattern = req.ModelPattern
	cfg.WindowMinutes = windowMinutesOrDefault(req)
	cfg.ResetStrategy = req.ResetStrategy
	cfg.TokenLimit = req.TokenLimit
	cfg.RequestLimit = req.RequestLimit
	if err := s.repo.UpdateConfig(cfg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConfigNotFound
		}
		return nil, err
	}
	return cfg, nil
}

func (s *RateLimitService) Delete(id string) error {
	if err := s.repo.DeleteConfig(id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrConfigNotFound
		}
		return err
	}
	return nil
}

func (s *RateLimitService) Get(id string) (*model.RateLimitConfig, error) {
	cfg, err := s.repo.GetConfig(id)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, ErrConfigNotFound
	}
	return cfg, nil
}

func (s *RateLimitService) List() ([]*model.RateLimitConfig, error) {
	return s.repo.ListConfigs()
}

// Tree 配置与状态合并成 UI 需要的树
func (s *RateLimitService) Tree() ([]model.RateLimitEntry, error) {
	configs, err := s.repo.ListConfigs()
	if err != nil {
		return nil, err
	}
	statuses, err := s.repo.ListStatuses()
	if err != nil {
		return nil, err
	}

	out := make([]model.RateLimitEntry, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, model.RateLimitEntry{Config: cfg, Status: statuses[cfg.ID]})
	}
	return out, nil
}

// Reset 手动重置：写一条归零状态，并把锚点落在配置上。
// 下一轮对账看到锚点晚于自然窗口起点，会保持重置效果。
func (s *RateLimitService) Reset(id string, now time.Time) (*model.RateLimitStatus, error) {
	cfg, err := s.repo.GetConfig(id)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, ErrConfigNotFound
	}

	_, next, err := reconciler.WindowBounds(cfg.ResetStrategy, cfg.WindowMinutes, now, s.loc)
	if err != nil {
		return nil, err
	}

	status := reconciler.BuildStatus(cfg, 0, 0, now.UTC(), next, now)
	if err := s.repo.UpsertStatus(status); err != nil {
		return nil, err
	}
	if err := s.repo.SetAnchor(id, now.UTC()); err != nil {
		return nil, err
	}
	return status, nil
}

func windowMinutesOrDefault(req *model.RateLimitConfigRequest) int {
	if req.WindowMinutes > 0 {
		return req.WindowMinutes
	}
	switch req.ResetStrategy {
	case model.StrategyWeekly:
		return 7 * 24 * 60
	default:
		return 24 * 60
	}
}
