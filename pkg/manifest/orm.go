package manifest

import "github.com/cyclopcam/dbh"

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

// Run is one dataset run directory
type Run struct {
	BaseModel
	Directory   string      `json:"directory"` // Absolute path
	BaseName    string      `json:"baseName"`
	StartedAt   dbh.IntTime `json:"startedAt"`
	CompletedAt dbh.IntTime `json:"completedAt" gorm:"default:null"`
	Frames      int64       `json:"frames"`
	Resumed     bool        `json:"resumed"`
}

// File is a file written into a run
type File struct {
	BaseModel
	RunID     int64       `json:"runId"`
	Path      string      `json:"path"` // Relative to the run directory
	Kind      string      `json:"kind"`
	Size      int64       `json:"size"`
	Sequence  int         `json:"sequence"` // -1 for run-level documents
	Step      int         `json:"step"`     // -1 for run-level documents
	WrittenAt dbh.IntTime `json:"writtenAt"`
}
