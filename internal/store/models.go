// Package store is the persistence layer: jobs, images, the owning-job
// set, and one extension table per extraction stage.
package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// JobState is the explicit job lifecycle, replacing the legacy
// scanned/inProgress boolean pair.
type JobState string

const (
	JobCreated    JobState = "created"
	JobScanning   JobState = "scanning"
	JobExtracting JobState = "extracting"
	JobComplete   JobState = "complete"
	JobFailed     JobState = "failed"
)

// Job is a cataloging request over one source directory.
type Job struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	SourceName  string    `json:"sourceName"`
	SourcePath  string    `json:"-"`
	Owner       string    `json:"owner"`
	Images      int64     `json:"images"`
	JPEGCount   int64     `json:"jpegCount"`
	PNGCount    int64     `json:"pngCount"`
	State       JobState  `json:"state"`
	CreatedAt   time.Time `json:"createdAt"`
}

// InProgress reports the legacy inProgress boolean derived from the state.
func (j Job) InProgress() bool {
	return j.State == JobScanning || j.State == JobExtracting
}

// Scanned reports the legacy scanned boolean derived from the state.
func (j Job) Scanned() bool {
	return j.State == JobExtracting || j.State == JobComplete
}

// Image is a cataloged file, keyed by its content fingerprint. The MD5 is
// the primary dedup key across jobs; the SHA1 is retained for integrity.
type Image struct {
	MD5        string    `json:"md5"`
	SHA1       string    `json:"sha1"`
	Path       string    `json:"path"`
	Filename   string    `json:"filename"`
	Format     string    `json:"format"`
	MimeType   string    `json:"mimetype"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Colorspace string    `json:"colorspace"`
	BitDepth   int       `json:"bitDepth"`
	Resolution string    `json:"resolution"`
	SizeMB     float64   `json:"sizeMB"`
	CreatedAt  time.Time `json:"createdAt"`
	JobIDs     []string  `json:"jobIds"`
}

// ImageDetail is an Image joined with whatever stage data exists for it.
type ImageDetail struct {
	Image
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Faces    json.RawMessage `json:"faces,omitempty"`
	Tags     json.RawMessage `json:"tags,omitempty"`
}

// Stage names one independent extraction step applied to every image.
type Stage string

const (
	StageMetadata Stage = "metadata"
	StageFaces    Stage = "faces"
	StageTags     Stage = "tags"
)

// Stages lists all registered stages in dispatch order.
var Stages = []Stage{StageMetadata, StageFaces, StageTags}

// stageTables maps each stage to its extension table and payload column.
// Acts as a whitelist; stage names never reach SQL directly.
var stageTables = map[Stage]struct{ table, column string }{
	StageMetadata: {"image_metadata", "exif"},
	StageFaces:    {"image_faces", "faces"},
	StageTags:     {"image_tags", "tags"},
}

// StageRecord is one stage's extracted data for one image.
type StageRecord struct {
	MD5     string
	Payload json.RawMessage
}

// Store wraps the shared database handle.
type Store struct {
	db *sql.DB
}

// New creates a Store over an open database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}
