// Package manifest records every dataset run, and every file written into it, in a database.
// It is the file-registration hook of the dataset writer.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/groundtruth/pkg/dataset"
	"github.com/cyclopcam/logs"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Manifest struct {
	Log logs.Log
	DB  *gorm.DB

	lock sync.Mutex
	runs map[string]int64 // Run directory -> run ID
}

// Open or create the manifest database
func Open(logger logs.Log, config dbh.DBConfig) (*Manifest, error) {
	if config.Driver == dbh.DriverSqlite {
		os.MkdirAll(filepath.Dir(config.Database), 0755)
	}
	db, err := dbh.OpenDB(logger, config, Migrations(logger), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open manifest database %v: %w", config.LogSafeDescription(), err)
	}
	return &Manifest{
		Log:  logs.NewPrefixLogger(logger, "Manifest:"),
		DB:   db,
		runs: map[string]int64{},
	}, nil
}

// Close the database
func (m *Manifest) Close() {
	if sqlDB, err := m.DB.DB(); err == nil {
		sqlDB.Close()
	}
}

// BeginRun records the start (or resumption) of a run, and returns its ID.
// If the run directory is already known, the existing record is reused.
func (m *Manifest) BeginRun(dir, baseName string, resumed bool) (int64, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.beginRunLocked(dir, baseName, resumed)
}

func (m *Manifest) beginRunLocked(dir, baseName string, resumed bool) (int64, error) {
	if id, ok := m.runs[dir]; ok {
		if resumed {
			if err := m.DB.Model(&Run{}).Where("id = ?", id).Update("resumed", true).Error; err != nil {
				return 0, err
			}
		}
		return id, nil
	}
	run := Run{}
	err := m.DB.Where("directory = ?", dir).First(&run).Error
	if err == gorm.ErrRecordNotFound {
		run = Run{
			Directory: dir,
			BaseName:  baseName,
			StartedAt: dbh.MakeIntTime(time.Now()),
			Resumed:   resumed,
		}
		if err := m.DB.Create(&run).Error; err != nil {
			return 0, err
		}
	} else if err != nil {
		return 0, err
	} else if resumed && !run.Resumed {
		if err := m.DB.Model(&run).Update("resumed", true).Error; err != nil {
			return 0, err
		}
	}
	m.runs[dir] = run.ID
	return run.ID, nil
}

// FileWritten implements dataset.FileHook.
// A file that is rewritten (eg after a resume) replaces its previous record.
func (m *Manifest) FileWritten(f dataset.WrittenFile) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	runID, err := m.beginRunLocked(f.RunDir, filepath.Base(f.RunDir), false)
	if err != nil {
		return err
	}
	rec := File{
		RunID:     runID,
		Path:      f.Path,
		Kind:      string(f.Kind),
		Size:      f.Size,
		Sequence:  f.Sequence,
		Step:      f.Step,
		WrittenAt: dbh.MakeIntTime(time.Now()),
	}
	return m.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}, {Name: "path"}},
		DoUpdates: clause.AssignmentColumns([]string{"kind", "size", "sequence", "step", "written_at"}),
	}).Create(&rec).Error
}

// ForgetSequencesAfter removes the records of files in sequences after 'sequence'.
// This is called when a resumed run discards its incomplete tail.
func (m *Manifest) ForgetSequencesAfter(dir string, sequence int) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	runID, err := m.beginRunLocked(dir, filepath.Base(dir), true)
	if err != nil {
		return err
	}
	return m.DB.Where("run_id = ? AND sequence > ?", runID, sequence).Delete(&File{}).Error
}

// CompleteRun stamps the run as finished
func (m *Manifest) CompleteRun(dir string, frames int64) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	runID, err := m.beginRunLocked(dir, filepath.Base(dir), false)
	if err != nil {
		return err
	}
	return m.DB.Model(&Run{}).Where("id = ?", runID).Updates(map[string]any{
		"completed_at": dbh.MakeIntTime(time.Now()),
		"frames":       frames,
	}).Error
}

// Runs returns all runs, most recent first
func (m *Manifest) Runs() ([]Run, error) {
	runs := []Run{}
	err := m.DB.Order("id DESC").Find(&runs).Error
	return runs, err
}

// Files returns the files of a run, in the order in which they were first written
func (m *Manifest) Files(dir string) ([]File, error) {
	files := []File{}
	err := m.DB.Raw("SELECT file.* FROM file INNER JOIN run ON file.run_id = run.id WHERE run.directory = ? ORDER BY file.id", dir).Scan(&files).Error
	return files, err
}
