package ordersync

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// StageKind positions in the CRM pipeline, derived from financial status.
type StageKind string

const (
	StageNew        StageKind = "new"
	StageInProgress StageKind = "in_progress"
	StageWon        StageKind = "won"
	StageLost       StageKind = "lost"
)

// PaymentStatus is the three-valued payment field, distinct from stage.
type PaymentStatus string

const (
	PaymentPaid    PaymentStatus = "paid"
	PaymentUnpaid  PaymentStatus = "unpaid"
	PaymentPartial PaymentStatus = "partial_prepayment"
)

// StageSet maps pipeline positions to the account-specific CRM stage ids.
// The ids differ per CRM account, so they load from a config file and can
// hot-reload while the process runs.
type StageSet struct {
	mu     sync.RWMutex
	stages map[StageKind]string
	logger *log.Logger
}

type stageConfigFile struct {
	New        string `json:"new"`
	InProgress string `json:"in_progress"`
	Won        string `json:"won"`
	Lost       string `json:"lost"`
}

func DefaultStageSet() *StageSet {
	return &StageSet{
		stages: map[StageKind]string{
			StageNew:        "stage_new",
			StageInProgress: "stage_in_progress",
			StageWon:        "stage_won",
			StageLost:       "stage_lost",
		},
		logger: log.Default(),
	}
}

// LoadStageSet reads the stage config file; missing entries keep defaults.
func LoadStageSet(path string) (*StageSet, error) {
	set := DefaultStageSet()
	if strings.TrimSpace(path) == "" {
		return set, nil
	}
	if err := set.reload(path); err != nil {
		return nil, err
	}
	return set, nil
}

func (s *StageSet) reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var cfg stageConfigFile
	if err := json.Unmarshal(data, &cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(cfg.New) != "" {
		s.stages[StageNew] = cfg.New
	}
	if strings.TrimSpace(cfg.InProgress) != "" {
		s.stages[StageInProgress] = cfg.InProgress
	}
	if strings.TrimSpace(cfg.Won) != "" {
		s.stages[StageWon] = cfg.Won
	}
	if strings.TrimSpace(cfg.Lost) != "" {
		s.stages[StageLost] = cfg.Lost
	}
	return nil
}

// StageID resolves a pipeline position to the configured CRM stage id.
func (s *StageSet) StageID(kind StageKind) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stages[kind]
}

// Watch re-reads the config file whenever it is written or recreated.
// Returns a stop function. Reload failures keep the last good mapping.
func (s *StageSet) Watch(path string) (func(), error) {
	path = filepath.Clean(strings.TrimSpace(path))
	if path == "" || path == "." {
		return func() {}, ErrInvalidInput
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files rather than write in place.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := s.reload(path); err != nil {
					s.logger.Printf("stage config reload failed for %s: %v", path, err)
					continue
				}
				s.logger.Printf("stage config reloaded from %s", path)
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Printf("stage config watcher error: %v", watchErr)
			}
		}
	}()
	return func() { _ = watcher.Close() }, nil
}

// stageForFinancialStatus is the fixed financial-status → pipeline mapping.
// Unmapped statuses land in the "new" stage.
func stageForFinancialStatus(status string) StageKind {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "paid":
		return StageWon
	case "pending", "partially_paid":
		return StageNew
	case "partially_refunded":
		return StageInProgress
	case "refunded", "cancelled", "voided":
		return StageLost
	default:
		return StageNew
	}
}

func paymentForFinancialStatus(status string) PaymentStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "paid":
		return PaymentPaid
	case "partially_paid", "partially_refunded":
		return PaymentPartial
	default:
		return PaymentUnpaid
	}
}
