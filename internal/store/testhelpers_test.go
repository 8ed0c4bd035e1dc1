package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	internaldb "github.com/imgforge/imgforge/internal/db"
)

// mustOpenStore opens a temp-file SQLite database with the full schema
// applied and wraps it in a Store.
func mustOpenStore(tb testing.TB) *Store {
	tb.Helper()
	dbPath := filepath.Join(tb.TempDir(), "test.db")
	db, err := internaldb.Open(dbPath)
	if err != nil {
		tb.Fatalf("open test DB: %v", err)
	}
	tb.Cleanup(func() { db.Close() })
	return New(db)
}

// mustCreateJob inserts a job with the given id and returns it.
func mustCreateJob(tb testing.TB, s *Store, id string) *Job {
	tb.Helper()
	job := &Job{
		ID:         id,
		Name:       "job " + id,
		SourceName: "photos",
		SourcePath: "/mnt/photos",
		Owner:      "tester",
		CreatedAt:  time.Now(),
	}
	if err := s.CreateJob(context.Background(), job); err != nil {
		tb.Fatalf("create job %s: %v", id, err)
	}
	return job
}

// mustUpsertImage writes one image owned by the given jobs.
func mustUpsertImage(tb testing.TB, s *Store, md5 string, jobIDs ...string) {
	tb.Helper()
	_, err := s.UpsertImages(context.Background(), []Image{{
		MD5:      md5,
		SHA1:     "sha-" + md5,
		Path:     fmt.Sprintf("/mnt/photos/%s.jpg", md5),
		Filename: md5 + ".jpg",
		Format:   "jpeg",
		MimeType: "image/jpeg",
		SizeMB:   1.5,
		JobIDs:   jobIDs,
	}})
	if err != nil {
		tb.Fatalf("upsert image %s: %v", md5, err)
	}
}

// countRows counts rows in a table via a raw query.
func countRows(tb testing.TB, db *sql.DB, table string) int {
	tb.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		tb.Fatalf("count %s: %v", table, err)
	}
	return n
}
