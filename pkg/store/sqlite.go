package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lemonberrylabs/yrunner/pkg/types"
)

type scriptRow struct {
	ID          string `gorm:"primaryKey"`
	Description string
	Source      string
	Schedule    string
	Variables   string
	Revision    int
	RevisionID  string
	CreateTime  time.Time
	UpdateTime  time.Time
}

func (scriptRow) TableName() string { return "scripts" }

type runRow struct {
	ID         string `gorm:"primaryKey"`
	Script     string `gorm:"index:idx_run_script"`
	RevisionID string
	State      string `gorm:"index:idx_run_state"`
	Variables  string
	Result     string
	ExitCode   int
	Error      string
	Steps      int
	StartTime  time.Time `gorm:"index:idx_run_start"`
	EndTime    time.Time
}

func (runRow) TableName() string { return "runs" }

// SQLite is a Store backed by an SQLite database through gorm.
type SQLite struct {
	db      *gorm.DB
	maxRuns int
	now     func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and migrates
// its schema. Use ":memory:" for a private in-memory database.
func OpenSQLite(path string, maxRuns int) (*SQLite, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&scriptRow{}, &runRow{}); err != nil {
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return &SQLite{db: db, maxRuns: maxRuns, now: time.Now}, nil
}

func (r *scriptRow) toScript() *Script {
	return &Script{
		ID:          r.ID,
		Description: r.Description,
		Source:      r.Source,
		Schedule:    r.Schedule,
		Variables:   r.Variables,
		Revision:    r.Revision,
		RevisionID:  r.RevisionID,
		CreateTime:  r.CreateTime,
		UpdateTime:  r.UpdateTime,
	}
}

func (r *runRow) toRun() *Run {
	return &Run{
		ID:         r.ID,
		Script:     r.Script,
		RevisionID: r.RevisionID,
		State:      RunState(r.State),
		Variables:  r.Variables,
		Result:     r.Result,
		ExitCode:   r.ExitCode,
		Error:      r.Error,
		Steps:      r.Steps,
		StartTime:  r.StartTime,
		EndTime:    r.EndTime,
	}
}

func fromRun(r *Run) *runRow {
	return &runRow{
		ID:         r.ID,
		Script:     r.Script,
		RevisionID: r.RevisionID,
		State:      string(r.State),
		Variables:  r.Variables,
		Result:     r.Result,
		ExitCode:   r.ExitCode,
		Error:      r.Error,
		Steps:      r.Steps,
		StartTime:  r.StartTime,
		EndTime:    r.EndTime,
	}
}

// CreateScript stores a new script as revision 1.
func (s *SQLite) CreateScript(in *Script) (*Script, error) {
	if err := ValidateID(in.ID); err != nil {
		return nil, err
	}
	now := s.now()
	row := &scriptRow{
		ID:          in.ID,
		Description: in.Description,
		Source:      in.Source,
		Schedule:    in.Schedule,
		Variables:   in.Variables,
		Revision:    1,
		RevisionID:  RevisionID(1, in.Source),
		CreateTime:  now,
		UpdateTime:  now,
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var cnt int64
		if err := tx.Model(&scriptRow{}).Where("id = ?", in.ID).Count(&cnt).Error; err != nil {
			return err
		}
		if cnt > 0 {
			return fmt.Errorf("script '%s' %w", in.ID, ErrAlreadyExists)
		}
		return tx.Create(row).Error
	})
	if err != nil {
		return nil, err
	}
	return row.toScript(), nil
}

func (s *SQLite) getScript(tx *gorm.DB, id string) (*scriptRow, error) {
	var row scriptRow
	if err := tx.Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("script", id)
		}
		return nil, err
	}
	return &row, nil
}

// GetScript retrieves a script by id.
func (s *SQLite) GetScript(id string) (*Script, error) {
	row, err := s.getScript(s.db, id)
	if err != nil {
		return nil, err
	}
	return row.toScript(), nil
}

// ListScripts returns all scripts ordered by id.
func (s *SQLite) ListScripts() ([]*Script, error) {
	var rows []*scriptRow
	if err := s.db.Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]*Script, len(rows))
	for i, r := range rows {
		result[i] = r.toScript()
	}
	return result, nil
}

// UpdateScript applies u and starts a new revision.
func (s *SQLite) UpdateScript(id string, u ScriptUpdate) (*Script, error) {
	var out *Script
	err := s.db.Transaction(func(tx *gorm.DB) error {
		row, err := s.getScript(tx, id)
		if err != nil {
			return err
		}
		sc := row.toScript()
		applyUpdate(sc, u)
		sc.Revision++
		sc.RevisionID = RevisionID(sc.Revision, sc.Source)
		sc.UpdateTime = s.now()

		if err := tx.Model(&scriptRow{}).Where("id = ?", id).Updates(map[string]interface{}{
			"description": sc.Description,
			"source":      sc.Source,
			"schedule":    sc.Schedule,
			"variables":   sc.Variables,
			"revision":    sc.Revision,
			"revision_id": sc.RevisionID,
			"update_time": sc.UpdateTime,
		}).Error; err != nil {
			return err
		}
		out = sc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteScript removes a script. Its runs are kept.
func (s *SQLite) DeleteScript(id string) error {
	res := s.db.Where("id = ?", id).Delete(&scriptRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound("script", id)
	}
	return nil
}

// CreateRun records a new active run of a script.
func (s *SQLite) CreateRun(scriptID string, variables types.Value) (*Run, error) {
	var out *Run
	err := s.db.Transaction(func(tx *gorm.DB) error {
		sc, err := s.getScript(tx, scriptID)
		if err != nil {
			return err
		}
		r := &Run{
			ID:         uuid.NewString(),
			Script:     scriptID,
			RevisionID: sc.RevisionID,
			State:      RunActive,
			Variables:  EncodeValue(variables),
			StartTime:  s.now(),
		}
		if err := tx.Create(fromRun(r)).Error; err != nil {
			return err
		}
		out = r
		return s.evict(tx)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// evict deletes the oldest finished runs beyond maxRuns.
func (s *SQLite) evict(tx *gorm.DB) error {
	if s.maxRuns <= 0 {
		return nil
	}
	var total int64
	if err := tx.Model(&runRow{}).Count(&total).Error; err != nil {
		return err
	}
	excess := int(total) - s.maxRuns
	if excess <= 0 {
		return nil
	}
	var ids []string
	if err := tx.Model(&runRow{}).Where("state <> ?", string(RunActive)).
		Order("start_time").Limit(excess).Pluck("id", &ids).Error; err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	return tx.Where("id IN ?", ids).Delete(&runRow{}).Error
}

func (s *SQLite) getRun(tx *gorm.DB, id string) (*runRow, error) {
	var row runRow
	if err := tx.Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("run", id)
		}
		return nil, err
	}
	return &row, nil
}

// GetRun retrieves a run by id.
func (s *SQLite) GetRun(id string) (*Run, error) {
	row, err := s.getRun(s.db, id)
	if err != nil {
		return nil, err
	}
	return row.toRun(), nil
}

// ListRuns returns the runs of a script, newest first.
func (s *SQLite) ListRuns(scriptID string) ([]*Run, error) {
	q := s.db.Order("start_time desc").Order("id desc")
	if scriptID != "" {
		q = q.Where("script = ?", scriptID)
	}
	var rows []*runRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]*Run, len(rows))
	for i, r := range rows {
		result[i] = r.toRun()
	}
	return result, nil
}

// FinishRun records the outcome of an active run. A run cancelled in the
// meantime keeps its cancelled state.
func (s *SQLite) FinishRun(id string, out Outcome) (*Run, error) {
	var result *Run
	err := s.db.Transaction(func(tx *gorm.DB) error {
		row, err := s.getRun(tx, id)
		if err != nil {
			return err
		}
		r := row.toRun()
		if r.State == RunActive {
			finish(r, out, s.now())
			if err := tx.Save(fromRun(r)).Error; err != nil {
				return err
			}
		}
		result = r
		return s.evict(tx)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CancelRun marks an active run as cancelled.
func (s *SQLite) CancelRun(id string) (*Run, error) {
	var result *Run
	err := s.db.Transaction(func(tx *gorm.DB) error {
		row, err := s.getRun(tx, id)
		if err != nil {
			return err
		}
		r := row.toRun()
		if r.State != RunActive {
			return fmt.Errorf("run '%s' (state %s): %w", id, r.State, ErrNotActive)
		}
		r.State = RunCancelled
		r.EndTime = s.now()
		if err := tx.Save(fromRun(r)).Error; err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
