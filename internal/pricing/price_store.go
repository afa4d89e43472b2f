package pricing

import (
	"context"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"usagecollector/internal/database"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	// 价格表刷新间隔（TTL 1 小时）
	PriceRefreshInterval = time.Hour
	// HTTP 超时
	PriceFetchTimeout = 30 * time.Second
)

// PriceStore 管理模型价格表
type PriceStore struct {
	mu        sync.RWMutex
	prices    map[string]PriceEntry // 小写模型名 -> 价格
	etag      string                // HTTP ETag 用于缓存协商
	fetchedAt time.Time             // 上次成功获取时间
	tableURL  string
	stopChan  chan struct{}
}

var (
	globalPriceStore *PriceStore
	priceStoreOnce   sync.Once
	stopOnce         sync.Once
)

// InitPriceStore 初始化全局价格存储
func InitPriceStore(tableURL string) {
	priceStoreOnce.Do(func() {
		globalPriceStore = NewPriceStore(tableURL)

		// 先从数据库加载（冷启动时不依赖网络）
		if err := globalPriceStore.LoadFromDB(); err != nil {
			log.Warnf("pricing: failed to load prices from DB: %v", err)
		}

		// 数据库为空时以内置价格作为 seed
		if len(globalPriceStore.prices) == 0 {
			globalPriceStore.seedBuiltinPrices()
		}

		log.Infof("pricing: price store initialized with %d models", len(globalPriceStore.prices))

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), PriceFetchTimeout)
			defer cancel()
			if err := globalPriceStore.FetchRemote(ctx); err != nil {
				log.Warnf("pricing: initial price table fetch failed: %v", err)
			}
		}()

		go globalPriceStore.backgroundRefresh()
	})
}

// NewPriceStore 独立实例（测试用，不启动后台刷新）
func NewPriceStore(tableURL string) *PriceStore {
	return &PriceStore{
		prices:   make(map[string]PriceEntry),
		tableURL: tableURL,
		stopChan: make(chan struct{}),
	}
}

// StopPriceStore 停止后台刷新
func StopPriceStore() {
	stopOnce.Do(func() {
		if globalPriceStore != nil && globalPriceStore.stopChan != nil {
			close(globalPriceStore.stopChan)
		}
	})
}

// GetPriceStore 获取全局价格存储
func GetPriceStore() *PriceStore {
	return globalPriceStore
}

func (s *PriceStore) backgroundRefresh() {
	ticker := time.NewTicker(PriceRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), PriceFetchTimeout)
			if err := s.FetchRemote(ctx); err != nil {
				log.Warnf("pricing: background price table fetch failed: %v", err)
			}
			cancel()
		}
	}
}

// FetchRemote 拉取远端价格表 {prices:[{id, input, output, vendor}, ...]}
// 失败时保留缓存/内置价格
func (s *PriceStore) FetchRemote(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", s.tableURL, nil)
	if err != nil {
		return err
	}

	s.mu.RLock()
	if s.etag != "" {
		req.Header.Set("If-None-Match", s.etag)
	}
	s.mu.RUnlock()

	client := &http.Client{Timeout: PriceFetchTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		s.mu.Lock()
		s.fetchedAt = time.Now()
		s.mu.Unlock()
		log.Debug("pricing: price table not modified (304)")
		return nil
	}

	if resp.StatusCode != http.StatusOK {
		return &httpError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	entries, ok := ParsePriceTable(body)
	if !ok {
		return errBadTable
	}

	// 合并更新内存缓存（保留 source=manual 的条目）
	now := time.Now()
	s.mu.Lock()
	for _, e := range entries {
		key := strings.ToLower(e.Model)
		if existing, exists := s.prices[key]; exists && existing.Source == "manual" {
			continue
		}
		e.Source = "remote"
		e.UpdatedAt = now
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		s.prices[key] = e
	}
	s.etag = resp.Header.Get("ETag")
	s.fetchedAt = now
	s.mu.Unlock()

	go s.saveBatchToDB(entries)

	log.Infof("pricing: fetched %d model prices", len(entries))
	return nil
}

// ParsePriceTable 解析远端表。容忍多余字段，缺 id 的条目跳过
func ParsePriceTable(body []byte) ([]PriceEntry, bool) {
	root := gjson.ParseBytes(body)
	list := root.Get("prices")
	if !list.IsArray() {
		return nil, false
	}
	var out []PriceEntry
	list.ForEach(func(_, item gjson.Result) bool {
		modelID := item.Get("id").String()
		if modelID == "" {
			return true
		}
		out = append(out, PriceEntry{
			Model:  modelID,
			Vendor: item.Get("vendor").String(),
			Input:  item.Get("input").Float(),
			Output: item.Get("output").Float(),
		})
		return true
	})
	return out, true
}

type httpError struct {
	StatusCode int
}

func (e *httpError) Error() string {
	return "HTTP error: " + http.StatusText(e.StatusCode)
}

var errBadTable = &tableError{}

type tableError struct{}

func (e *tableError) Error() string { return "price table: unexpected shape" }

// Lookup 查价：精确匹配 -> 双向子串匹配 -> _default
func (s *PriceStore) Lookup(model string) (PriceEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := strings.ToLower(model)
	if e, ok := s.prices[key]; ok {
		return e, true
	}

	// 子串匹配取字典序第一个命中，保证结果确定
	names := make([]string, 0, len(s.prices))
	for name := range s.prices {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if name == DefaultModel {
			continue
		}
		if strings.Contains(key, name) || strings.Contains(name, key) {
			return s.prices[name], true
		}
	}

	if e, ok := s.prices[DefaultModel]; ok {
		return e, true
	}
	return PriceEntry{}, false
}

// SetPrice 手动设置模型价格
func (s *PriceStore) SetPrice(model, vendor string, input, output float64, source string) error {
	now := time.Now()
	e := PriceEntry{
		ID:        uuid.New().String(),
		Model:     model,
		Vendor:    vendor,
		Input:     input,
		Output:    output,
		Source:    source,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.prices[strings.ToLower(model)] = e
	s.mu.Unlock()

	return s.saveToDB(e)
}

// LoadFromDB 从数据库加载价格表
func (s *PriceStore) LoadFromDB() error {
	db := database.GetDB()
	if db == nil {
		return nil
	}

	rows, err := db.Query(`SELECT id, model, vendor, input_per_million, output_per_million, source FROM model_prices`)
	if err != nil {
		return err
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	for rows.Next() {
		var e PriceEntry
		if err := rows.Scan(&e.ID, &e.Model, &e.Vendor, &e.Input, &e.Output, &e.Source); err != nil {
			log.Warnf("pricing: failed to scan price row: %v", err)
			continue
		}
		s.prices[strings.ToLower(e.Model)] = e
	}

	return rows.Err()
}

func (s *PriceStore) saveToDB(e PriceEntry) error {
	db := database.GetDB()
	if db == nil {
		return nil
	}

	_, err := db.Exec(`
		INSERT INTO model_prices (id, model, vendor, input_per_million, output_per_million, source, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(model) DO UPDATE SET
			vendor = excluded.vendor,
			input_per_million = excluded.input_per_million,
			output_per_million = excluded.output_per_million,
			source = excluded.source,
			updated_at = excluded.updated_at
	`, e.ID, e.Model, e.Vendor, e.Input, e.Output, e.Source)
	return err
}

func (s *PriceStore) saveBatchToDB(entries []PriceEntry) {
	db := database.GetDB()
	if db == nil {
		return
	}

	tx, err := db.Begin()
	if err != nil {
		log.Warnf("pricing: failed to begin transaction: %v", err)
		return
	}

	stmt, err := tx.Prepare(`
		INSERT INTO model_prices (id, model, vendor, input_per_million, output_per_million, source, updated_at)
		VALUES (?, ?, ?, ?, ?, 'remote', CURRENT_TIMESTAMP)
		ON CONFLICT(model) DO UPDATE SET
			vendor = excluded.vendor,
			input_per_million = excluded.input_per_million,
			output_per_million = excluded.output_per_million,
			source = excluded.source,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		tx.Rollback()
		log.Warnf("pricing: failed to prepare statement: %v", err)
		return
	}
	defer stmt.Close()

	for _, e := range entries {
		id := e.ID
		if id == "" {
			id = uuid.New().String()
		}
		if _, err := stmt.Exec(id, e.Model, e.Vendor, e.Input, e.Output); err != nil {
			log.Warnf("pricing: failed to save price for %s: %v", e.Model, err)
		}
	}

	if err := tx.Commit(); err != nil {
		tx.Rollback()
		log.Warnf("pricing: failed to commit transaction: %v", err)
		return
	}

	log.Debugf("pricing: saved %d prices to database", len(entries))
}

// seedBuiltinPrices 内置价格表（远端不可达时的兜底）
func (s *PriceStore) seedBuiltinPrices() {
	builtins := []PriceEntry{
		{Model: "gpt-4", Vendor: "openai", Input: 30, Output: 60},
		{Model: "gpt-4o", Vendor: "openai", Input: 2.5, Output: 10},
		{Model: "gpt-4o-mini", Vendor: "openai", Input: 0.15, Output: 0.6},
		{Model: "o3", Vendor: "openai", Input: 2, Output: 8},
		{Model: "claude-opus", Vendor: "anthropic", Input: 15, Output: 75},
		{Model: "claude-sonnet", Vendor: "anthropic", Input: 3, Output: 15},
		{Model: "claude-haiku", Vendor: "anthropic", Input: 0.8, Output: 4},
		{Model: "gemini-2.5-pro", Vendor: "google", Input: 1.25, Output: 10},
		{Model: "gemini-2.5-flash", Vendor: "google", Input: 0.3, Output: 2.5},
		{Model: DefaultModel, Vendor: "", Input: 1, Output: 2},
	}

	now := time.Now()
	for _, e := range builtins {
		e.ID = uuid.New().String()
		e.Source = "builtin"
		e.CreatedAt = now
		e.UpdatedAt = now
		s.prices[strings.ToLower(e.Model)] = e
		_ = s.saveToDB(e)
	}

	log.Infof("pricing: seeded %d builtin model prices", len(builtins))
}

// ListPrices 列出全部价格
func (s *PriceStore) ListPrices() []PriceEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]PriceEntry, 0, len(s.prices))
	for _, e := range s.prices {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Model < result[j].Model })
	return result
}

// GetStats 价格存储状态
func (s *PriceStore) GetStats() (count int, fetchedAt time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.prices), s.fetchedAt
}
