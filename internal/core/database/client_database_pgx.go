package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/markdave123-py/Somnia/internal/config"
	"github.com/markdave123-py/Somnia/internal/core"
	"github.com/markdave123-py/Somnia/internal/models"
)

var _ core.DbClient = (*DatabaseClient)(nil)

type DatabaseClient struct {
	db          *sql.DB
	maxAttempts int
}

// NewDatabaseClient connects with the configured DSN, optionally pinning the
// server CA, and bootstraps the schema.
func NewDatabaseClient(ctx context.Context, cfg *config.Config) (*DatabaseClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	dsn := cfg.DatabaseURL
	if cfg.SslCertPath != "" {
		if _, err := os.Stat(cfg.SslCertPath); err != nil {
			return nil, fmt.Errorf("ssl cert not accessible at %q: %w", cfg.SslCertPath, err)
		}
		u, err := url.Parse(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
		}
		q := u.Query()
		q.Set("sslmode", "verify-ca")
		q.Set("sslrootcert", cfg.SslCertPath)
		u.RawQuery = q.Encode()
		dsn = u.String()
	}
	return Open(ctx, dsn, cfg.EmbedDim, cfg.JobMaxAttempts)
}

// Open connects to dsn and makes sure the schema exists.
func Open(ctx context.Context, dsn string, embedDim, maxAttempts int) (*DatabaseClient, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db, embedDim); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &DatabaseClient{db: db, maxAttempts: maxAttempts}, nil
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func (c *DatabaseClient) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// Documents

const documentCols = `id, user_id, raw_text, embedding_status, embedding_error, embedding_attempts,
	embedding_started_at, embedding_processed_at, created_at, updated_at`

func scanDocument(r rowScanner) (*models.Document, error) {
	var d models.Document
	if err := r.Scan(
		&d.ID, &d.UserID, &d.RawText, &d.EmbeddingStatus, &d.EmbeddingError, &d.EmbeddingAttempts,
		&d.EmbeddingStartedAt, &d.EmbeddingProcessedAt, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *DatabaseClient) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return errors.New("nil document")
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.EmbeddingStatus == "" {
		doc.EmbeddingStatus = models.EmbeddingPending
	}
	const q = `
		INSERT INTO documents (id, user_id, raw_text, embedding_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		RETURNING created_at, updated_at
	`
	return c.db.QueryRowContext(ctx, q, doc.ID, doc.UserID, doc.RawText, doc.EmbeddingStatus).
		Scan(&doc.CreatedAt, &doc.UpdatedAt)
}

func (c *DatabaseClient) GetDocumentByID(ctx context.Context, id string) (*models.Document, error) {
	q := `SELECT ` + documentCols + ` FROM documents WHERE id = $1`
	d, err := scanDocument(c.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Jobs

const jobCols = `id, document_id, status, priority, attempts, max_attempts, error_message,
	scheduled_at, started_at, completed_at, created_at, updated_at`

func scanJob(r rowScanner) (*models.Job, error) {
	var j models.Job
	if err := r.Scan(
		&j.ID, &j.DocumentID, &j.Status, &j.Priority, &j.Attempts, &j.MaxAttempts, &j.ErrorMessage,
		&j.ScheduledAt, &j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &j, nil
}

func (c *DatabaseClient) EnqueueJob(ctx context.Context, documentID string, priority int, force bool) (*models.Job, error) {
	var job *models.Job
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE id = $1 FOR UPDATE`, documentID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("document %s: %w", documentID, core.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock document: %w", err)
		}

		onConflict := `DO NOTHING`
		if force {
			onConflict = `DO UPDATE SET
				status = 'pending', priority = EXCLUDED.priority, attempts = 0,
				error_message = NULL, scheduled_at = EXCLUDED.scheduled_at,
				started_at = NULL, completed_at = NULL, updated_at = EXCLUDED.updated_at`
		}
		q := `
			INSERT INTO embedding_jobs (id, document_id, status, priority, attempts, max_attempts, scheduled_at, created_at, updated_at)
			VALUES ($1, $2, 'pending', $3, 0, $4, now(), now(), now())
			ON CONFLICT (document_id) ` + onConflict + `
			RETURNING ` + jobCols
		job, err = scanJob(tx.QueryRowContext(ctx, q, uuid.NewString(), documentID, priority, c.maxAttempts))
		if errors.Is(err, sql.ErrNoRows) {
			// Existing job and no force: leave everything as is.
			job, err = scanJob(tx.QueryRowContext(ctx, `SELECT `+jobCols+` FROM embedding_jobs WHERE document_id = $1`, documentID))
			if err != nil {
				return fmt.Errorf("load existing job: %w", err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("upsert job: %w", err)
		}

		const resetDoc = `
			UPDATE documents
			SET embedding_status = 'pending', embedding_attempts = 0, embedding_error = NULL,
			    embedding_started_at = NULL, embedding_processed_at = NULL, updated_at = now()
			WHERE id = $1
		`
		if _, err := tx.ExecContext(ctx, resetDoc, documentID); err != nil {
			return fmt.Errorf("reset document: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (c *DatabaseClient) ListClaimableJobs(ctx context.Context, limit int, now time.Time) ([]models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	q := `
		SELECT ` + jobCols + `
		FROM embedding_jobs
		WHERE status = 'pending' AND scheduled_at <= $1
		ORDER BY priority DESC, scheduled_at ASC, id
		LIMIT $2
	`
	rows, err := c.db.QueryContext(ctx, q, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// ClaimJob is a single conditional UPDATE; the document follows in the same
// statement. The job must still be due, since a caller may hold a stale list
// while another worker retried the job into the future.
func (c *DatabaseClient) ClaimJob(ctx context.Context, jobID string, now time.Time) (*models.Job, bool, error) {
	q := `
		WITH claimed AS (
			UPDATE embedding_jobs
			SET status = 'processing', started_at = $2, updated_at = $2
			WHERE id = $1 AND status = 'pending' AND scheduled_at <= $2
			RETURNING ` + jobCols + `
		), doc AS (
			UPDATE documents d
			SET embedding_status = 'processing', embedding_started_at = $2, updated_at = $2
			FROM claimed
			WHERE d.id = claimed.document_id
		)
		SELECT ` + jobCols + ` FROM claimed
	`
	j, err := scanJob(c.db.QueryRowContext(ctx, q, jobID, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim job %s: %w", jobID, err)
	}
	return j, true, nil
}

// releaseClaim runs a conditional job update and reports ErrClaimLost when
// the caller no longer owns the job.
func releaseClaim(ctx context.Context, tx *sql.Tx, claim *models.Job, q string, args ...any) error {
	if claim == nil || claim.StartedAt == nil {
		return core.ErrClaimLost
	}
	res, err := tx.ExecContext(ctx, q, append([]any{claim.ID, *claim.StartedAt}, args...)...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", claim.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrClaimLost
	}
	return nil
}

func (c *DatabaseClient) CompleteJob(ctx context.Context, claim *models.Job, res *models.EmbeddingResult, now time.Time) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		const finish = `
			UPDATE embedding_jobs
			SET status = 'completed', error_message = NULL, completed_at = $3, updated_at = $3
			WHERE id = $1 AND status = 'processing' AND started_at = $2
		`
		if err := releaseClaim(ctx, tx, claim, finish, now); err != nil {
			return err
		}
		if err := upsertChunks(ctx, tx, claim.DocumentID, res, now); err != nil {
			return err
		}
		if err := replaceThemes(ctx, tx, claim.DocumentID, res.Themes); err != nil {
			return err
		}

		const doc = `
			UPDATE documents
			SET embedding_status = 'completed', embedding_error = NULL,
			    embedding_processed_at = $2, updated_at = $2
			WHERE id = $1
		`
		if _, err := tx.ExecContext(ctx, doc, claim.DocumentID, now); err != nil {
			return fmt.Errorf("complete document: %w", err)
		}
		return nil
	})
}

// upsertChunks overwrites rows of the same model version and drops indices
// the new run no longer produced.
func upsertChunks(ctx context.Context, tx *sql.Tx, documentID string, res *models.EmbeddingResult, now time.Time) error {
	const q = `
		INSERT INTO chunk_embeddings
			(id, document_id, chunk_index, chunk_text, token_count, embedding, embedding_version, processing_time_ms, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (document_id, chunk_index, embedding_version) DO UPDATE SET
			chunk_text = EXCLUDED.chunk_text,
			token_count = EXCLUDED.token_count,
			embedding = EXCLUDED.embedding,
			processing_time_ms = EXCLUDED.processing_time_ms,
			metadata = EXCLUDED.metadata,
			created_at = EXCLUDED.created_at
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range res.Chunks {
		ch := &res.Chunks[i]
		if ch.ID == "" {
			ch.ID = uuid.NewString()
		}
		meta, err := json.Marshal(ch.Metadata)
		if err != nil {
			return fmt.Errorf("marshal chunk metadata: %w", err)
		}
		if ch.Metadata == nil {
			meta = []byte("{}")
		}
		if _, err := stmt.ExecContext(ctx,
			ch.ID, documentID, ch.ChunkIndex, ch.ChunkText, ch.TokenCount, pgvector.NewVector(ch.Embedding),
			res.Version, ch.ProcessingTimeMs, string(meta), now,
		); err != nil {
			return fmt.Errorf("insert chunk %d: %w", ch.ChunkIndex, err)
		}
	}

	const prune = `
		DELETE FROM chunk_embeddings
		WHERE document_id = $1 AND embedding_version = $2 AND chunk_index >= $3
	`
	if _, err := tx.ExecContext(ctx, prune, documentID, res.Version, len(res.Chunks)); err != nil {
		return fmt.Errorf("prune stale chunks: %w", err)
	}
	return nil
}

// replaceThemes swaps the whole association set inside the caller's transaction.
func replaceThemes(ctx context.Context, tx *sql.Tx, documentID string, themes []models.DocumentTheme) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM document_themes WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("clear themes: %w", err)
	}
	const q = `
		INSERT INTO document_themes (document_id, theme_code, rank, similarity, explanation, chunk_index, extracted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for _, t := range themes {
		if _, err := tx.ExecContext(ctx, q, documentID, t.ThemeCode, t.Rank, t.Similarity, t.Explanation, t.ChunkIndex, t.ExtractedAt); err != nil {
			return fmt.Errorf("insert theme %s: %w", t.ThemeCode, err)
		}
	}
	return nil
}

func (c *DatabaseClient) SkipJob(ctx context.Context, claim *models.Job, now time.Time) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		const finish = `
			UPDATE embedding_jobs
			SET status = 'completed', error_message = NULL, completed_at = $3, updated_at = $3
			WHERE id = $1 AND status = 'processing' AND started_at = $2
		`
		if err := releaseClaim(ctx, tx, claim, finish, now); err != nil {
			return err
		}
		const doc = `
			UPDATE documents
			SET embedding_status = 'skipped', embedding_error = NULL,
			    embedding_processed_at = $2, updated_at = $2
			WHERE id = $1
		`
		if _, err := tx.ExecContext(ctx, doc, claim.DocumentID, now); err != nil {
			return fmt.Errorf("skip document: %w", err)
		}
		return nil
	})
}

func (c *DatabaseClient) RetryJob(ctx context.Context, claim *models.Job, attempts int, errMsg string, nextRun, now time.Time) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		const retry = `
			UPDATE embedding_jobs
			SET status = 'pending', attempts = $3, error_message = $4, scheduled_at = $5,
			    started_at = NULL, updated_at = $6
			WHERE id = $1 AND status = 'processing' AND started_at = $2
		`
		if err := releaseClaim(ctx, tx, claim, retry, attempts, errMsg, nextRun, now); err != nil {
			return err
		}
		const doc = `
			UPDATE documents
			SET embedding_status = 'pending', embedding_attempts = $2, embedding_error = $3, updated_at = $4
			WHERE id = $1
		`
		if _, err := tx.ExecContext(ctx, doc, claim.DocumentID, attempts, errMsg, now); err != nil {
			return fmt.Errorf("retry document: %w", err)
		}
		return nil
	})
}

func (c *DatabaseClient) FailJob(ctx context.Context, claim *models.Job, attempts int, errMsg string, now time.Time) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		const fail = `
			UPDATE embedding_jobs
			SET status = 'failed', attempts = $3, error_message = $4, completed_at = $5, updated_at = $5
			WHERE id = $1 AND status = 'processing' AND started_at = $2
		`
		if err := releaseClaim(ctx, tx, claim, fail, attempts, errMsg, now); err != nil {
			return err
		}
		const doc = `
			UPDATE documents
			SET embedding_status = 'failed', embedding_attempts = $2, embedding_error = $3,
			    embedding_processed_at = $4, updated_at = $4
			WHERE id = $1
		`
		if _, err := tx.ExecContext(ctx, doc, claim.DocumentID, attempts, errMsg, now); err != nil {
			return fmt.Errorf("fail document: %w", err)
		}
		return nil
	})
}

// ReapStaleJobs recovers every stale claim in one statement. A worker that
// finishes afterwards sees ErrClaimLost because started_at no longer matches.
func (c *DatabaseClient) ReapStaleJobs(ctx context.Context, cutoff, now time.Time, reason string) ([]models.Job, error) {
	q := `
		WITH reaped AS (
			UPDATE embedding_jobs
			SET attempts = attempts + 1,
			    status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
			    error_message = $3,
			    scheduled_at = CASE WHEN attempts + 1 >= max_attempts THEN scheduled_at ELSE $2 END,
			    started_at = CASE WHEN attempts + 1 >= max_attempts THEN started_at ELSE NULL END,
			    completed_at = CASE WHEN attempts + 1 >= max_attempts THEN $2 ELSE NULL END,
			    updated_at = $2
			WHERE status = 'processing' AND started_at < $1
			RETURNING ` + jobCols + `
		), docs AS (
			UPDATE documents d
			SET embedding_status = reaped.status,
			    embedding_attempts = reaped.attempts,
			    embedding_error = $3,
			    embedding_processed_at = CASE WHEN reaped.status = 'failed' THEN $2 ELSE d.embedding_processed_at END,
			    updated_at = $2
			FROM reaped
			WHERE d.id = reaped.document_id
		)
		SELECT ` + jobCols + ` FROM reaped ORDER BY id
	`
	rows, err := c.db.QueryContext(ctx, q, cutoff, now, reason)
	if err != nil {
		return nil, fmt.Errorf("reap stale jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) ResetDocument(ctx context.Context, documentID string, attempts int, now time.Time) (*models.Job, error) {
	var job *models.Job
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		var status models.EmbeddingStatus
		err := tx.QueryRowContext(ctx, `SELECT embedding_status FROM documents WHERE id = $1 FOR UPDATE`, documentID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("document %s: %w", documentID, core.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if status != models.EmbeddingFailed {
			return fmt.Errorf("document %s is %s, not failed: %w", documentID, status, core.ErrInvalidState)
		}

		var maxAttempts int
		err = tx.QueryRowContext(ctx, `SELECT max_attempts FROM embedding_jobs WHERE document_id = $1 FOR UPDATE`, documentID).Scan(&maxAttempts)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("job for document %s: %w", documentID, core.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if attempts < 0 || attempts >= maxAttempts {
			return fmt.Errorf("attempts %d outside [0,%d): %w", attempts, maxAttempts, core.ErrInvalidState)
		}

		q := `
			UPDATE embedding_jobs
			SET status = 'pending', attempts = $2, error_message = NULL, scheduled_at = $3,
			    started_at = NULL, completed_at = NULL, updated_at = $3
			WHERE document_id = $1
			RETURNING ` + jobCols
		job, err = scanJob(tx.QueryRowContext(ctx, q, documentID, attempts, now))
		if err != nil {
			return fmt.Errorf("reset job: %w", err)
		}

		const doc = `
			UPDATE documents
			SET embedding_status = 'pending', embedding_attempts = $2, embedding_error = NULL,
			    embedding_processed_at = NULL, updated_at = $3
			WHERE id = $1
		`
		if _, err := tx.ExecContext(ctx, doc, documentID, attempts, now); err != nil {
			return fmt.Errorf("reset document: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (c *DatabaseClient) GetJobByDocument(ctx context.Context, documentID string) (*models.Job, error) {
	j, err := scanJob(c.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM embedding_jobs WHERE document_id = $1`, documentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (c *DatabaseClient) StatusCounts(ctx context.Context) (*models.StatusCounts, error) {
	out := models.NewStatusCounts()

	rows, err := c.db.QueryContext(ctx, `SELECT embedding_status, count(*) FROM documents GROUP BY embedding_status`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var s models.EmbeddingStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			rows.Close()
			return nil, err
		}
		out.Documents[s] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = c.db.QueryContext(ctx, `SELECT status, count(*) FROM embedding_jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var s models.JobStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out.Jobs[s] = n
	}
	return out, rows.Err()
}

// Results

func (c *DatabaseClient) GetChunkEmbeddings(ctx context.Context, documentID, version string) ([]models.ChunkEmbedding, error) {
	const q = `
		SELECT id, document_id, chunk_index, chunk_text, token_count, embedding, embedding_version,
		       processing_time_ms, metadata, created_at
		FROM chunk_embeddings
		WHERE document_id = $1 AND embedding_version = $2
		ORDER BY chunk_index ASC
	`
	rows, err := c.db.QueryContext(ctx, q, documentID, version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ChunkEmbedding
	for rows.Next() {
		var (
			ch   models.ChunkEmbedding
			emb  pgvector.Vector
			meta []byte
		)
		if err := rows.Scan(
			&ch.ID, &ch.DocumentID, &ch.ChunkIndex, &ch.ChunkText, &ch.TokenCount, &emb, &ch.EmbeddingVersion,
			&ch.ProcessingTimeMs, &meta, &ch.CreatedAt,
		); err != nil {
			return nil, err
		}
		ch.Embedding = emb.Slice()
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &ch.Metadata); err != nil {
				return nil, fmt.Errorf("decode chunk metadata: %w", err)
			}
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) GetDocumentThemes(ctx context.Context, documentID string) ([]models.DocumentTheme, error) {
	const q = `
		SELECT dt.document_id, dt.theme_code, t.label, dt.rank, dt.similarity, dt.explanation, dt.chunk_index, dt.extracted_at
		FROM document_themes dt
		JOIN themes t ON t.code = dt.theme_code
		WHERE dt.document_id = $1
		ORDER BY dt.rank ASC
	`
	rows, err := c.db.QueryContext(ctx, q, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DocumentTheme
	for rows.Next() {
		var t models.DocumentTheme
		if err := rows.Scan(&t.DocumentID, &t.ThemeCode, &t.Label, &t.Rank, &t.Similarity, &t.Explanation, &t.ChunkIndex, &t.ExtractedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Theme catalog

// UpsertThemes keeps an existing embedding only while label and description are unchanged.
func (c *DatabaseClient) UpsertThemes(ctx context.Context, themes []models.Theme) error {
	if len(themes) == 0 {
		return nil
	}
	return c.withTx(ctx, func(tx *sql.Tx) error {
		const q = `
			INSERT INTO themes (code, label, description, embedding, updated_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (code) DO UPDATE SET
				label = EXCLUDED.label,
				description = EXCLUDED.description,
				embedding = COALESCE(EXCLUDED.embedding, CASE
					WHEN themes.label = EXCLUDED.label AND themes.description = EXCLUDED.description THEN themes.embedding
					ELSE NULL
				END),
				updated_at = now()
		`
		stmt, err := tx.PrepareContext(ctx, q)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, t := range themes {
			var emb any
			if t.Embedding != nil {
				emb = pgvector.NewVector(t.Embedding)
			}
			if _, err := stmt.ExecContext(ctx, t.Code, t.Label, t.Description, emb); err != nil {
				return fmt.Errorf("upsert theme %s: %w", t.Code, err)
			}
		}
		return nil
	})
}

func (c *DatabaseClient) ListThemesMissingEmbedding(ctx context.Context) ([]models.Theme, error) {
	const q = `SELECT code, label, description FROM themes WHERE embedding IS NULL ORDER BY code`
	rows, err := c.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Theme
	for rows.Next() {
		var t models.Theme
		if err := rows.Scan(&t.Code, &t.Label, &t.Description); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) SetThemeEmbedding(ctx context.Context, code string, vec []float32) error {
	const q = `UPDATE themes SET embedding = $2, updated_at = now() WHERE code = $1`
	res, err := c.db.ExecContext(ctx, q, code, pgvector.NewVector(vec))
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("theme %s: %w", code, core.ErrNotFound)
	}
	return nil
}

// SearchSimilar uses pgvector's cosine distance; similarity = 1 - distance.
func (c *DatabaseClient) SearchSimilar(ctx context.Context, vec []float32, minSimilarity float64, maxResults int) ([]models.ThemeMatch, error) {
	if maxResults <= 0 {
		return nil, nil
	}
	const q = `
		SELECT code, label, 1 - (embedding <=> $1) AS similarity
		FROM themes
		WHERE embedding IS NOT NULL AND 1 - (embedding <=> $1) >= $2
		ORDER BY embedding <=> $1, code
		LIMIT $3
	`
	rows, err := c.db.QueryContext(ctx, q, pgvector.NewVector(vec), minSimilarity, maxResults)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ThemeMatch
	for rows.Next() {
		var m models.ThemeMatch
		if err := rows.Scan(&m.Code, &m.Label, &m.Similarity); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
