// Package settings is the process-wide configuration store backed by the
// settings table. Encrypted values stay encrypted in memory and are
// decrypted on every read.
package settings

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/HanTheDev/perf-optimizer-gateway/internal/models"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// Well-known keys.
const (
	KeyMaintenanceMode = "maintenance_mode"
	KeyGeminiAPIKey    = "gemini_api_key"
	KeyPageSpeedAPIKey = "pagespeed_api_key"
	KeyAIModel         = "ai_model"
	KeyMaxIterations   = "max_iterations"
)

const masked = "********"

type Repository interface {
	LoadSettings(ctx context.Context) ([]models.Setting, error)
	UpsertSetting(ctx context.Context, s *models.Setting) error
	UpsertSettings(ctx context.Context, settings []*models.Setting) error
}

type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Entry is one write in a batch.
type Entry struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	Encrypt  bool   `json:"encrypted"`
	Category string `json:"category"`
}

type Store struct {
	// mu serializes writers so the table and the cache change together.
	mu     sync.Mutex
	repo   Repository
	cipher Cipher
	cache  atomic.Pointer[gocache.Cache]
	log    logrus.FieldLogger
}

func New(repo Repository, cipher Cipher, log logrus.FieldLogger) *Store {
	s := &Store{repo: repo, cipher: cipher, log: log}
	s.cache.Store(gocache.New(gocache.NoExpiration, 0))
	return s
}

// Load replaces the cache with the table contents.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.repo.LoadSettings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	fresh := gocache.New(gocache.NoExpiration, 0)
	for _, row := range rows {
		fresh.Set(row.Key, row, gocache.NoExpiration)
	}
	s.cache.Store(fresh)

	s.log.WithField("count", len(rows)).Info("settings loaded")
	return nil
}

// Reload is Load under the name used by the admin API.
func (s *Store) Reload(ctx context.Context) error {
	return s.Load(ctx)
}

func (s *Store) lookup(key string) (models.Setting, bool) {
	v, ok := s.cache.Load().Get(key)
	if !ok {
		return models.Setting{}, false
	}
	return v.(models.Setting), true
}

// Get returns the plaintext value of key, or def when the key is absent or
// cannot be decrypted.
func (s *Store) Get(key, def string) string {
	setting, ok := s.lookup(key)
	if !ok {
		return def
	}
	if !setting.Encrypted {
		return setting.Value
	}

	plain, err := s.cipher.Decrypt(setting.Value)
	if err != nil {
		s.log.WithError(err).WithField("key", key).Warn("encrypted setting unreadable, using default")
		return def
	}
	return plain
}

func (s *Store) GetBool(key string, def bool) bool {
	raw := strings.ToLower(strings.TrimSpace(s.Get(key, "")))
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

func (s *Store) GetInt(key string, def int) int {
	if v, err := strconv.Atoi(strings.TrimSpace(s.Get(key, ""))); err == nil {
		return v
	}
	return def
}

func (s *Store) GetFloat(key string, def float64) float64 {
	if v, err := strconv.ParseFloat(strings.TrimSpace(s.Get(key, "")), 64); err == nil {
		return v
	}
	return def
}

func (s *Store) prepare(e Entry) (*models.Setting, error) {
	if e.Key == "" {
		return nil, fmt.Errorf("setting key is required")
	}
	category := e.Category
	if category == "" {
		category = "general"
	}
	value := e.Value
	if e.Encrypt {
		ct, err := s.cipher.Encrypt(value)
		if err != nil {
			return nil, fmt.Errorf("encrypt setting %q: %w", e.Key, err)
		}
		value = ct
	}
	return &models.Setting{Key: e.Key, Value: value, Encrypted: e.Encrypt, Category: category}, nil
}

// Save writes one setting to the table, then to the cache.
func (s *Store) Save(ctx context.Context, key, value string, encrypt bool, category string) error {
	row, err := s.prepare(Entry{Key: key, Value: value, Encrypt: encrypt, Category: category})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.UpsertSetting(ctx, row); err != nil {
		return fmt.Errorf("save setting %q: %w", key, err)
	}
	s.cache.Load().Set(row.Key, *row, gocache.NoExpiration)
	return nil
}

// SaveMany writes all entries in one transaction. On failure nothing is
// persisted and the cache is left as it was.
func (s *Store) SaveMany(ctx context.Context, entries []Entry) error {
	rows := make([]*models.Setting, 0, len(entries))
	for _, e := range entries {
		row, err := s.prepare(e)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.UpsertSettings(ctx, rows); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	c := s.cache.Load()
	for _, row := range rows {
		c.Set(row.Key, *row, gocache.NoExpiration)
	}
	return nil
}

// List returns every setting sorted by category and key with encrypted
// values masked.
func (s *Store) List() []models.Setting {
	items := s.cache.Load().Items()
	out := make([]models.Setting, 0, len(items))
	for _, item := range items {
		setting := item.Object.(models.Setting)
		if setting.Encrypted {
			setting.Value = masked
		}
		out = append(out, setting)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Key < out[j].Key
	})
	return out
}
