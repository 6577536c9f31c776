// Package store owns persistence for accounts, scripts, runs and
// metric ticks. It is the single writer of run state: every status
// change goes through Transition, which enforces the run state
// machine, and admission goes through AdmitRun, which serializes the
// concurrency check with run creation in one transaction.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/loadpulse/loadpulse/pkg/config"
)

// ErrNotFound is returned when a record does not exist or is not
// owned by the requesting account.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a status change violates the
// run state machine. It indicates a programming or race bug and
// leaves the record unchanged.
var ErrInvalidTransition = errors.New("invalid run state transition")

// CapacityError is returned by AdmitRun when the account is already
// at its concurrent test limit.
type CapacityError struct {
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf(
		"Concurrent test limit reached. Your plan allows %d concurrent test(s).",
		e.Limit,
	)
}

// TransitionFields are the optional fields applied together with a
// status change.
type TransitionFields struct {
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage *string
	Summary      *MetricsSummary
}

// RunWithScript is a run joined with its script's name, as returned
// by ListRuns.
type RunWithScript struct {
	Run
	ScriptName string `json:"script_name"`
}

// Stats are aggregate counts for the admin overview.
type Stats struct {
	Accounts     int64            `json:"accounts"`
	Scripts      int64            `json:"scripts"`
	Runs         int64            `json:"runs"`
	RunsByStatus map[string]int64 `json:"runs_by_status"`
}

// Store provides persistence for all resources.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Accounts.
	CreateAccount(ctx context.Context, account *Account) error
	GetAccountByID(ctx context.Context, id string) (*Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)
	GetAccountByStripeCustomer(ctx context.Context, customerID string) (*Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	UpdateAccount(ctx context.Context, account *Account) error
	DeleteAccount(ctx context.Context, id string) error

	// Sessions.
	CreateSession(ctx context.Context, session *Session) error
	GetSessionByToken(ctx context.Context, token string) (*Session, error)
	UpdateSessionLastActive(ctx context.Context, id uint, t time.Time) error
	DeleteSession(ctx context.Context, token string) error
	DeleteExpiredSessions(ctx context.Context) error

	// Scripts.
	CreateScript(ctx context.Context, script *Script) error
	GetScript(ctx context.Context, id, accountID string) (*Script, error)
	ListScripts(ctx context.Context, accountID string) ([]Script, error)
	UpdateScript(ctx context.Context, script *Script) error
	DeleteScript(ctx context.Context, id, accountID string) error

	// Runs.
	AdmitRun(ctx context.Context, accountID, scriptID string, cfg RunConfig, maxConcurrent int) (*Run, error)
	GetRun(ctx context.Context, id, accountID string) (*Run, error)
	GetRunByID(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, accountID string, limit, offset int) ([]RunWithScript, error)
	CountRunning(ctx context.Context, accountID string) (int64, error)
	Transition(ctx context.Context, runID, newStatus string, fields TransitionFields) error

	// Metric ticks.
	AppendTick(ctx context.Context, tick *MetricTick) error
	ListTicks(ctx context.Context, runID string) ([]MetricTick, error)

	// Admin.
	GetStats(ctx context.Context) (*Stats, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.DatabaseConfig) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Account{},
		&Session{},
		&Script{},
		&Run{},
		&MetricTick{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// notFound maps gorm's record-not-found to the package sentinel.
func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}

	return err
}

// --- Accounts ---

func (s *store) CreateAccount(ctx context.Context, account *Account) error {
	if account.ID == "" {
		account.ID = uuid.NewString()
	}

	if err := s.db.WithContext(ctx).Create(account).Error; err != nil {
		return fmt.Errorf("creating account: %w", err)
	}

	return nil
}

func (s *store) GetAccountByID(
	ctx context.Context, id string,
) (*Account, error) {
	var account Account
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&account).Error; err != nil {
		return nil, notFound(err)
	}

	return &account, nil
}

func (s *store) GetAccountByEmail(
	ctx context.Context, email string,
) (*Account, error) {
	var account Account
	if err := s.db.WithContext(ctx).
		Where("email = ?", email).
		First(&account).Error; err != nil {
		return nil, notFound(err)
	}

	return &account, nil
}

func (s *store) GetAccountByStripeCustomer(
	ctx context.Context, customerID string,
) (*Account, error) {
	var account Account
	if err := s.db.WithContext(ctx).
		Where("stripe_customer_id = ?", customerID).
		First(&account).Error; err != nil {
		return nil, notFound(err)
	}

	return &account, nil
}

func (s *store) ListAccounts(ctx context.Context) ([]Account, error) {
	var accounts []Account
	if err := s.db.WithContext(ctx).
		Order("created_at ASC").
		Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}

	return accounts, nil
}

func (s *store) UpdateAccount(ctx context.Context, account *Account) error {
	if err := s.db.WithContext(ctx).Save(account).Error; err != nil {
		return fmt.Errorf("updating account: %w", err)
	}

	return nil
}

// DeleteAccount removes an account with all of its sessions, scripts,
// runs and ticks.
func (s *store) DeleteAccount(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("run_id IN (?)", tx.Model(&Run{}).
				Select("id").Where("account_id = ?", id)).
			Delete(&MetricTick{}).Error; err != nil {
			return fmt.Errorf("deleting account ticks: %w", err)
		}

		if err := tx.Where("account_id = ?", id).
			Delete(&Run{}).Error; err != nil {
			return fmt.Errorf("deleting account runs: %w", err)
		}

		if err := tx.Where("account_id = ?", id).
			Delete(&Script{}).Error; err != nil {
			return fmt.Errorf("deleting account scripts: %w", err)
		}

		if err := tx.Where("account_id = ?", id).
			Delete(&Session{}).Error; err != nil {
			return fmt.Errorf("deleting account sessions: %w", err)
		}

		result := tx.Where("id = ?", id).Delete(&Account{})
		if result.Error != nil {
			return fmt.Errorf("deleting account: %w", result.Error)
		}

		if result.RowsAffected == 0 {
			return ErrNotFound
		}

		return nil
	})
}

// --- Sessions ---

func (s *store) CreateSession(ctx context.Context, session *Session) error {
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	return nil
}

func (s *store) GetSessionByToken(
	ctx context.Context, token string,
) (*Session, error) {
	var session Session
	if err := s.db.WithContext(ctx).
		Where("token = ?", token).
		First(&session).Error; err != nil {
		return nil, notFound(err)
	}

	return &session, nil
}

func (s *store) UpdateSessionLastActive(
	ctx context.Context, id uint, t time.Time,
) error {
	if err := s.db.WithContext(ctx).
		Model(&Session{}).
		Where("id = ?", id).
		Update("last_active_at", t).Error; err != nil {
		return fmt.Errorf("updating session last active: %w", err)
	}

	return nil
}

func (s *store) DeleteSession(ctx context.Context, token string) error {
	if err := s.db.WithContext(ctx).
		Where("token = ?", token).
		Delete(&Session{}).Error; err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	return nil
}

func (s *store) DeleteExpiredSessions(ctx context.Context) error {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", time.Now().UTC()).
		Delete(&Session{})
	if result.Error != nil {
		return fmt.Errorf("deleting expired sessions: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		s.log.WithField("count", result.RowsAffected).
			Debug("Cleaned up expired sessions")
	}

	return nil
}

// --- Scripts ---

func (s *store) CreateScript(ctx context.Context, script *Script) error {
	if script.ID == "" {
		script.ID = uuid.NewString()
	}

	if err := s.db.WithContext(ctx).Create(script).Error; err != nil {
		return fmt.Errorf("creating script: %w", err)
	}

	return nil
}

func (s *store) GetScript(
	ctx context.Context, id, accountID string,
) (*Script, error) {
	var script Script
	if err := s.db.WithContext(ctx).
		Where("id = ? AND account_id = ?", id, accountID).
		First(&script).Error; err != nil {
		return nil, notFound(err)
	}

	return &script, nil
}

func (s *store) ListScripts(
	ctx context.Context, accountID string,
) ([]Script, error) {
	var scripts []Script
	if err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Find(&scripts).Error; err != nil {
		return nil, fmt.Errorf("listing scripts: %w", err)
	}

	return scripts, nil
}

func (s *store) UpdateScript(ctx context.Context, script *Script) error {
	result := s.db.WithContext(ctx).
		Model(&Script{}).
		Where("id = ? AND account_id = ?", script.ID, script.AccountID).
		Updates(map[string]any{
			"name":        script.Name,
			"description": script.Description,
			"body":        script.Body,
			"config":      script.Config,
		})
	if result.Error != nil {
		return fmt.Errorf("updating script: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteScript removes a script with all of its runs and ticks.
func (s *store) DeleteScript(ctx context.Context, id, accountID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var script Script
		if err := tx.
			Where("id = ? AND account_id = ?", id, accountID).
			First(&script).Error; err != nil {
			return notFound(err)
		}

		if err := tx.
			Where("run_id IN (?)", tx.Model(&Run{}).
				Select("id").Where("script_id = ?", id)).
			Delete(&MetricTick{}).Error; err != nil {
			return fmt.Errorf("deleting script ticks: %w", err)
		}

		if err := tx.Where("script_id = ?", id).
			Delete(&Run{}).Error; err != nil {
			return fmt.Errorf("deleting script runs: %w", err)
		}

		if err := tx.Delete(&script).Error; err != nil {
			return fmt.Errorf("deleting script: %w", err)
		}

		return nil
	})
}

// --- Runs ---

// AdmitRun verifies script ownership, checks the account's running
// count against maxConcurrent, and inserts the run as queued. The
// whole admission happens in one transaction so that concurrent
// submissions cannot both pass the count check and overshoot the
// limit.
func (s *store) AdmitRun(
	ctx context.Context,
	accountID, scriptID string,
	cfg RunConfig,
	maxConcurrent int,
) (*Run, error) {
	run := &Run{
		ID:        uuid.NewString(),
		AccountID: accountID,
		ScriptID:  scriptID,
		Status:    StatusQueued,
		Config:    cfg,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var script Script
		if err := tx.
			Where("id = ? AND account_id = ?", scriptID, accountID).
			First(&script).Error; err != nil {
			return notFound(err)
		}

		var running int64
		if err := tx.Model(&Run{}).
			Where("account_id = ? AND status = ?", accountID, StatusRunning).
			Count(&running).Error; err != nil {
			return fmt.Errorf("counting running tests: %w", err)
		}

		if running >= int64(maxConcurrent) {
			return &CapacityError{Limit: maxConcurrent}
		}

		if err := tx.Create(run).Error; err != nil {
			return fmt.Errorf("creating run: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return run, nil
}

func (s *store) GetRun(
	ctx context.Context, id, accountID string,
) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).
		Where("id = ? AND account_id = ?", id, accountID).
		First(&run).Error; err != nil {
		return nil, notFound(err)
	}

	return &run, nil
}

// GetRunByID loads a run without account scoping. Used by the
// orchestrator's background execution path, which already holds an
// admitted run id.
func (s *store) GetRunByID(ctx context.Context, id string) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&run).Error; err != nil {
		return nil, notFound(err)
	}

	return &run, nil
}

const maxListLimit = 100

func (s *store) ListRuns(
	ctx context.Context, accountID string, limit, offset int,
) ([]RunWithScript, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	if offset < 0 {
		offset = 0
	}

	var runs []Run
	if err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	// Join script names in a second query; deleted scripts cascade
	// their runs, so every run's script exists.
	scriptIDs := make([]string, 0, len(runs))
	for i := range runs {
		scriptIDs = append(scriptIDs, runs[i].ScriptID)
	}

	names := make(map[string]string, len(scriptIDs))

	if len(scriptIDs) > 0 {
		var scripts []Script
		if err := s.db.WithContext(ctx).
			Select("id", "name").
			Where("id IN ?", scriptIDs).
			Find(&scripts).Error; err != nil {
			return nil, fmt.Errorf("loading script names: %w", err)
		}

		for i := range scripts {
			names[scripts[i].ID] = scripts[i].Name
		}
	}

	result := make([]RunWithScript, 0, len(runs))
	for i := range runs {
		result = append(result, RunWithScript{
			Run:        runs[i],
			ScriptName: names[runs[i].ScriptID],
		})
	}

	return result, nil
}

// CountRunning counts the account's runs currently in running status.
// Queued runs do not count against the concurrency limit.
func (s *store) CountRunning(
	ctx context.Context, accountID string,
) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("account_id = ? AND status = ?", accountID, StatusRunning).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting running tests: %w", err)
	}

	return count, nil
}

// validTransitions is the run state machine. Terminal states have no
// outgoing edges.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusQueued: true,
	},
	StatusQueued: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// Transition atomically moves a run to newStatus and applies the
// given fields. An edge not present in the state machine fails with
// ErrInvalidTransition and leaves the record unchanged. Concurrent
// transitions for the same run serialize on the transaction.
func (s *store) Transition(
	ctx context.Context, runID, newStatus string, fields TransitionFields,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run Run
		if err := tx.
			Where("id = ?", runID).
			First(&run).Error; err != nil {
			return notFound(err)
		}

		if !validTransitions[run.Status][newStatus] {
			return fmt.Errorf(
				"%w: %s -> %s (run %s)",
				ErrInvalidTransition, run.Status, newStatus, runID,
			)
		}

		updates := map[string]any{"status": newStatus}

		if fields.StartedAt != nil {
			updates["started_at"] = *fields.StartedAt
		}

		if fields.CompletedAt != nil {
			updates["completed_at"] = *fields.CompletedAt
		}

		// A run never carries both a summary and an error.
		switch newStatus {
		case StatusCompleted:
			updates["summary"] = fields.Summary
		case StatusFailed:
			if fields.ErrorMessage != nil {
				updates["error_message"] = *fields.ErrorMessage
			}
		}

		if err := tx.Model(&Run{}).
			Where("id = ?", runID).
			Updates(updates).Error; err != nil {
			return fmt.Errorf("applying transition: %w", err)
		}

		return nil
	})
}

// --- Metric ticks ---

// AppendTick inserts one observation. Ticks are append-only; existing
// rows are never mutated.
func (s *store) AppendTick(ctx context.Context, tick *MetricTick) error {
	if tick.ID == "" {
		tick.ID = uuid.NewString()
	}

	if err := s.db.WithContext(ctx).Create(tick).Error; err != nil {
		return fmt.Errorf("appending tick: %w", err)
	}

	return nil
}

func (s *store) ListTicks(
	ctx context.Context, runID string,
) ([]MetricTick, error) {
	var ticks []MetricTick
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("timestamp ASC").
		Find(&ticks).Error; err != nil {
		return nil, fmt.Errorf("listing ticks: %w", err)
	}

	return ticks, nil
}

// --- Admin ---

func (s *store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		RunsByStatus: make(map[string]int64, 6),
	}

	if err := s.db.WithContext(ctx).
		Model(&Account{}).Count(&stats.Accounts).Error; err != nil {
		return nil, fmt.Errorf("counting accounts: %w", err)
	}

	if err := s.db.WithContext(ctx).
		Model(&Script{}).Count(&stats.Scripts).Error; err != nil {
		return nil, fmt.Errorf("counting scripts: %w", err)
	}

	if err := s.db.WithContext(ctx).
		Model(&Run{}).Count(&stats.Runs).Error; err != nil {
		return nil, fmt.Errorf("counting runs: %w", err)
	}

	type statusCount struct {
		Status string
		Count  int64
	}

	var counts []statusCount
	if err := s.db.WithContext(ctx).
		Model(&Run{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&counts).Error; err != nil {
		return nil, fmt.Errorf("counting runs by status: %w", err)
	}

	for _, c := range counts {
		stats.RunsByStatus[c.Status] = c.Count
	}

	return stats, nil
}
