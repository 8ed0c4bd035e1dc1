package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/imgforge/imgforge/internal/errkind"
)

// UpsertImages bulk-writes a batch of discovered images and their job
// ownership in one transaction. Duplicates within the batch itself are
// merged by fingerprint first (two jobs can discover the same content in
// the same flush window); duplicates against the store are ignored, so the
// write is idempotent per md5. Returns the number of distinct fingerprints
// written.
func (s *Store) UpsertImages(ctx context.Context, batch []Image) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}

	// Merge in-batch duplicates, unioning their owner sets.
	merged := make(map[string]*Image, len(batch))
	order := make([]string, 0, len(batch))
	for i := range batch {
		img := batch[i]
		if prev, ok := merged[img.MD5]; ok {
			prev.JobIDs = unionIDs(prev.JobIDs, img.JobIDs)
			continue
		}
		merged[img.MD5] = &img
		order = append(order, img.MD5)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errkind.Wrap(errkind.Unavailable, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	stmtImage, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO images
			(md5, sha1, path, filename, format, mimetype,
			 width, height, colorspace, bit_depth, resolution, size_mb, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, errkind.Wrap(errkind.Unavailable, fmt.Errorf("prepare insert_image: %w", err))
	}
	defer stmtImage.Close()

	stmtOwner, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO image_jobs (md5, job_id) VALUES (?, ?)`)
	if err != nil {
		return 0, errkind.Wrap(errkind.Unavailable, fmt.Errorf("prepare insert_owner: %w", err))
	}
	defer stmtOwner.Close()

	now := time.Now().Unix()
	for _, md5 := range order {
		img := merged[md5]
		createdAt := img.CreatedAt.Unix()
		if img.CreatedAt.IsZero() {
			createdAt = now
		}
		if _, err := stmtImage.ExecContext(ctx,
			img.MD5, img.SHA1, img.Path, img.Filename, img.Format, img.MimeType,
			img.Width, img.Height, img.Colorspace, img.BitDepth, img.Resolution,
			img.SizeMB, createdAt,
		); err != nil {
			return 0, errkind.Wrap(errkind.Unavailable, fmt.Errorf("insert image %s: %w", img.MD5, err))
		}
		for _, jobID := range img.JobIDs {
			if _, err := stmtOwner.ExecContext(ctx, img.MD5, jobID); err != nil {
				return 0, errkind.Wrap(errkind.Unavailable, fmt.Errorf("insert owner %s/%s: %w", img.MD5, jobID, err))
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errkind.Wrap(errkind.Unavailable, fmt.Errorf("commit images: %w", err))
	}
	return len(order), nil
}

// UpsertStageData bulk-writes a batch of extracted stage records.
// Records whose fingerprint already has a row are skipped, so redelivered
// stage results are harmless. Returns the number written.
func (s *Store) UpsertStageData(ctx context.Context, stage Stage, records []StageRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	tbl, ok := stageTables[stage]
	if !ok {
		return 0, errkind.Newf(errkind.Invalid, "unknown stage %q", stage)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errkind.Wrap(errkind.Unavailable, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT OR IGNORE INTO %s (md5, %s, created_at) VALUES (?, ?, ?)`,
		tbl.table, tbl.column))
	if err != nil {
		return 0, errkind.Wrap(errkind.Unavailable, fmt.Errorf("prepare stage insert: %w", err))
	}
	defer stmt.Close()

	now := time.Now().Unix()
	written := 0
	for _, rec := range records {
		res, err := stmt.ExecContext(ctx, rec.MD5, string(rec.Payload), now)
		if err != nil {
			return written, errkind.Wrap(errkind.Unavailable, fmt.Errorf("insert %s for %s: %w", stage, rec.MD5, err))
		}
		if n, _ := res.RowsAffected(); n > 0 {
			written++
		}
	}

	if err := tx.Commit(); err != nil {
		return written, errkind.Wrap(errkind.Unavailable, fmt.Errorf("commit stage data: %w", err))
	}
	return written, nil
}

// CountMissing returns the number of images owned by the job that lack the
// stage's extension row — the stage's remaining work for that job.
func (s *Store) CountMissing(ctx context.Context, jobID string, stage Stage) (int64, error) {
	tbl, ok := stageTables[stage]
	if !ok {
		return 0, errkind.Newf(errkind.Invalid, "unknown stage %q", stage)
	}
	var n int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*)
		FROM image_jobs ij
		JOIN images i ON i.md5 = ij.md5
		WHERE ij.job_id = ?
		  AND NOT EXISTS (SELECT 1 FROM %s x WHERE x.md5 = i.md5)`, tbl.table),
		jobID).Scan(&n)
	if err != nil {
		return 0, errkind.Wrap(errkind.Unavailable, fmt.Errorf("count missing %s: %w", stage, err))
	}
	return n, nil
}

// StreamMissing pages through the job's images lacking the stage's data,
// invoking fn once per image. The cursor is the last-seen md5, never an
// offset — offset paging is unsafe under concurrent inserts. Callbacks for
// one page may run concurrently; all are awaited before the next page is
// fetched. Terminates on a short page or the first callback error.
func (s *Store) StreamMissing(ctx context.Context, jobID string, stage Stage, batchSize int, fn func(Image) error) error {
	tbl, ok := stageTables[stage]
	if !ok {
		return errkind.Newf(errkind.Invalid, "unknown stage %q", stage)
	}
	if batchSize < 1 {
		batchSize = 100
	}

	q := fmt.Sprintf(`
		SELECT i.md5, i.sha1, i.path, i.filename, i.format, i.mimetype,
		       i.width, i.height, i.colorspace, i.bit_depth, i.resolution,
		       i.size_mb, i.created_at
		FROM image_jobs ij
		JOIN images i ON i.md5 = ij.md5
		WHERE ij.job_id = ? AND i.md5 > ?
		  AND NOT EXISTS (SELECT 1 FROM %s x WHERE x.md5 = i.md5)
		ORDER BY i.md5 ASC
		LIMIT ?`, tbl.table)

	cursor := ""
	for {
		page, err := s.fetchImagePage(ctx, q, jobID, cursor, batchSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, img := range page {
			img := img
			g.Go(func() error {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return fn(img)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		cursor = page[len(page)-1].MD5
		if len(page) < batchSize {
			return nil
		}
	}
}

// ListImages returns one page of a job's images with joined stage data,
// cursored on the last-seen md5.
func (s *Store) ListImages(ctx context.Context, jobID, cursor string, limit int) ([]ImageDetail, string, error) {
	if limit < 1 {
		limit = 50
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT i.md5, i.sha1, i.path, i.filename, i.format, i.mimetype,
		       i.width, i.height, i.colorspace, i.bit_depth, i.resolution,
		       i.size_mb, i.created_at,
		       m.exif, f.faces, t.tags
		FROM image_jobs ij
		JOIN images i ON i.md5 = ij.md5
		LEFT JOIN image_metadata m ON m.md5 = i.md5
		LEFT JOIN image_faces f ON f.md5 = i.md5
		LEFT JOIN image_tags t ON t.md5 = i.md5
		WHERE ij.job_id = ? AND i.md5 > ?
		ORDER BY i.md5 ASC
		LIMIT ?`, jobID, cursor, limit)
	if err != nil {
		return nil, "", errkind.Wrap(errkind.Unavailable, fmt.Errorf("list images: %w", err))
	}
	defer rows.Close()

	var items []ImageDetail
	for rows.Next() {
		var d ImageDetail
		var createdAt int64
		var exif, faces, tags sql.NullString
		if err := rows.Scan(
			&d.MD5, &d.SHA1, &d.Path, &d.Filename, &d.Format, &d.MimeType,
			&d.Width, &d.Height, &d.Colorspace, &d.BitDepth, &d.Resolution,
			&d.SizeMB, &createdAt, &exif, &faces, &tags,
		); err != nil {
			return nil, "", errkind.Wrap(errkind.Unavailable, fmt.Errorf("scan image row: %w", err))
		}
		d.CreatedAt = time.Unix(createdAt, 0).UTC()
		if exif.Valid {
			d.Metadata = []byte(exif.String)
		}
		if faces.Valid {
			d.Faces = []byte(faces.String)
		}
		if tags.Valid {
			d.Tags = []byte(tags.String)
		}
		items = append(items, d)
	}
	if err := rows.Err(); err != nil {
		return nil, "", errkind.Wrap(errkind.Unavailable, err)
	}

	next := ""
	if len(items) == limit {
		next = items[len(items)-1].MD5
	}
	return items, next, nil
}

// ImageOwners returns the owning-job set for one image.
func (s *Store) ImageOwners(ctx context.Context, md5 string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id FROM image_jobs WHERE md5 = ? ORDER BY job_id`, md5)
	if err != nil {
		return nil, errkind.Wrap(errkind.Unavailable, fmt.Errorf("image owners: %w", err))
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errkind.Wrap(errkind.Unavailable, err)
		}
		owners = append(owners, id)
	}
	return owners, rows.Err()
}

// CountImages returns the number of images owned by a job.
func (s *Store) CountImages(ctx context.Context, jobID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM image_jobs WHERE job_id = ?`, jobID).Scan(&n)
	if err != nil {
		return 0, errkind.Wrap(errkind.Unavailable, fmt.Errorf("count images: %w", err))
	}
	return n, nil
}

func (s *Store) fetchImagePage(ctx context.Context, q, jobID, cursor string, limit int) ([]Image, error) {
	rows, err := s.db.QueryContext(ctx, q, jobID, cursor, limit)
	if err != nil {
		return nil, errkind.Wrap(errkind.Unavailable, fmt.Errorf("fetch image page: %w", err))
	}
	defer rows.Close()

	var page []Image
	for rows.Next() {
		var img Image
		var createdAt int64
		if err := rows.Scan(
			&img.MD5, &img.SHA1, &img.Path, &img.Filename, &img.Format, &img.MimeType,
			&img.Width, &img.Height, &img.Colorspace, &img.BitDepth, &img.Resolution,
			&img.SizeMB, &createdAt,
		); err != nil {
			return nil, errkind.Wrap(errkind.Unavailable, fmt.Errorf("scan image row: %w", err))
		}
		img.CreatedAt = time.Unix(createdAt, 0).UTC()
		page = append(page, img)
	}
	return page, rows.Err()
}

func unionIDs(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
