package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/imgforge/imgforge/internal/errkind"
)

// maxPageSize bounds list page sizes; requests above it are clamped.
const maxPageSize = 2000

// CreateJob inserts a new job in the Created state.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	if job.State == "" {
		job.State = JobCreated
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs
			(id, name, description, source_name, source_path, owner, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, job.Description, job.SourceName, job.SourcePath,
		job.Owner, job.State, job.CreatedAt.Unix())
	if err != nil {
		return errkind.Wrap(errkind.Unavailable, fmt.Errorf("insert job: %w", err))
	}
	return nil
}

// GetJob fetches one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, source_name, source_path, owner,
		       images, jpeg_count, png_count, state, created_at
		FROM jobs WHERE id = ?`, id)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errkind.Newf(errkind.NotFound, "job %s not found", id)
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.Unavailable, fmt.Errorf("get job: %w", err))
	}
	return job, nil
}

// ListJobsOptions controls paging and filtering for ListJobs.
type ListJobsOptions struct {
	Cursor         string // opaque, from a previous page's NextCursor
	Limit          int    // clamped to 1..maxPageSize
	Descending     bool
	InProgressOnly bool
}

// ListJobs returns one page of jobs ordered by creation time then id.
// Paging is cursor-based (last seen created_at+id), stable under
// concurrent inserts. The returned cursor is empty on the last page.
func (s *Store) ListJobs(ctx context.Context, opts ListJobsOptions) ([]Job, string, error) {
	limit := opts.Limit
	if limit < 1 {
		limit = 50
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	var where []string
	var args []any

	if opts.InProgressOnly {
		where = append(where, "state IN (?, ?)")
		args = append(args, JobScanning, JobExtracting)
	}
	if opts.Cursor != "" {
		at, id, err := decodeJobCursor(opts.Cursor)
		if err != nil {
			return nil, "", err
		}
		if opts.Descending {
			where = append(where, "(created_at, id) < (?, ?)")
		} else {
			where = append(where, "(created_at, id) > (?, ?)")
		}
		args = append(args, at, id)
	}

	q := `SELECT id, name, description, source_name, source_path, owner,
	             images, jpeg_count, png_count, state, created_at
	      FROM jobs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if opts.Descending {
		q += " ORDER BY created_at DESC, id DESC"
	} else {
		q += " ORDER BY created_at ASC, id ASC"
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", errkind.Wrap(errkind.Unavailable, fmt.Errorf("list jobs: %w", err))
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, "", errkind.Wrap(errkind.Unavailable, fmt.Errorf("scan job row: %w", err))
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, "", errkind.Wrap(errkind.Unavailable, err)
	}

	next := ""
	if len(jobs) == limit {
		last := jobs[len(jobs)-1]
		next = encodeJobCursor(last.CreatedAt.Unix(), last.ID)
	}
	return jobs, next, nil
}

// SetJobState transitions a job to the given state.
func (s *Store) SetJobState(ctx context.Context, id string, state JobState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ? WHERE id = ?`, state, id)
	if err != nil {
		return errkind.Wrap(errkind.Unavailable, fmt.Errorf("set job state: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.Newf(errkind.NotFound, "job %s not found", id)
	}
	return nil
}

// UpdateScanCounters writes the completed-pass counters and state in one
// statement. Counters are only mutated here and at job creation.
func (s *Store) UpdateScanCounters(ctx context.Context, id string, images, jpegs, pngs int64, state JobState) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET images = ?, jpeg_count = ?, png_count = ?, state = ?
		WHERE id = ?`, images, jpegs, pngs, state, id)
	if err != nil {
		return errkind.Wrap(errkind.Unavailable, fmt.Errorf("update scan counters: %w", err))
	}
	return nil
}

// DeleteJob removes a job, strips its id from every image's owning-job set,
// and purges images left with an empty set (their stage extension rows go
// with them via ON DELETE CASCADE). All in one transaction.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errkind.Wrap(errkind.Unavailable, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return errkind.Wrap(errkind.Unavailable, fmt.Errorf("delete job: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.Newf(errkind.NotFound, "job %s not found", id)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM image_jobs WHERE job_id = ?`, id); err != nil {
		return errkind.Wrap(errkind.Unavailable, fmt.Errorf("strip job ownership: %w", err))
	}

	res, err = tx.ExecContext(ctx, `
		DELETE FROM images
		WHERE md5 NOT IN (SELECT md5 FROM image_jobs)`)
	if err != nil {
		return errkind.Wrap(errkind.Unavailable, fmt.Errorf("purge orphaned images: %w", err))
	}
	if purged, _ := res.RowsAffected(); purged > 0 {
		slog.Info("purged orphaned images on job delete", "job", id, "count", purged)
	}

	if err := tx.Commit(); err != nil {
		return errkind.Wrap(errkind.Unavailable, fmt.Errorf("commit delete: %w", err))
	}
	return nil
}

// PurgeOrphanImages deletes any image whose owning-job set is empty.
// Run periodically as a safety net; DeleteJob already purges inline.
func (s *Store) PurgeOrphanImages(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM images
		WHERE md5 NOT IN (SELECT md5 FROM image_jobs)`)
	if err != nil {
		return 0, errkind.Wrap(errkind.Unavailable, fmt.Errorf("purge orphans: %w", err))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// MarkStaleJobsFailed marks jobs still in scanning/extracting state as
// failed. Called once at startup in case a previous process crashed
// mid-pipeline; progress is reconstructible, job state is not.
func (s *Store) MarkStaleJobsFailed(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ? WHERE state IN (?, ?)`,
		JobFailed, JobScanning, JobExtracting)
	if err != nil {
		return fmt.Errorf("mark stale jobs failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Warn("marked stale jobs as failed", "count", n)
	}
	return nil
}

// scanJob reads one job row from either *sql.Row or *sql.Rows.
func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var createdAt int64
	err := row.Scan(&j.ID, &j.Name, &j.Description, &j.SourceName, &j.SourcePath,
		&j.Owner, &j.Images, &j.JPEGCount, &j.PNGCount, &j.State, &createdAt)
	if err != nil {
		return nil, err
	}
	j.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &j, nil
}

func encodeJobCursor(createdAt int64, id string) string {
	return strconv.FormatInt(createdAt, 10) + "." + id
}

func decodeJobCursor(cursor string) (int64, string, error) {
	at, id, ok := strings.Cut(cursor, ".")
	if !ok {
		return 0, "", errkind.Newf(errkind.Invalid, "malformed cursor %q", cursor)
	}
	sec, err := strconv.ParseInt(at, 10, 64)
	if err != nil {
		return 0, "", errkind.Newf(errkind.Invalid, "malformed cursor %q", cursor)
	}
	return sec, id, nil
}
