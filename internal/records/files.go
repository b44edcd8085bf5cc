package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/watzon/quarry/internal/database"
	"github.com/watzon/quarry/internal/schema"
	"github.com/watzon/quarry/internal/storage"
)

// FileUpload is the JSON metadata stored in a file column. The blob itself
// lives in the object store under ID.
type FileUpload struct {
	ID          string `json:"id"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
}

// stageFiles consumes multipart parts keyed by file-column names: each part
// streams to the object store under a fresh id and the column value becomes
// the JSON metadata. Returns the column values and the staged ids so a
// failed transaction can schedule them for cleanup.
func (s *Service) stageFiles(ctx context.Context, table *schema.Table, form *multipart.Form) (map[string]any, []FileUpload, error) {
	if form == nil {
		return nil, nil, nil
	}

	values := make(map[string]any)
	var staged []FileUpload

	for name := range form.File {
		col, ok := table.Column(name)
		if !ok || col.File == schema.FileNone {
			return values, staged, errBadRequest("column %q does not accept file uploads", name)
		}

		headers := form.File[name]
		if col.File == schema.FileSingle && len(headers) != 1 {
			return values, staged, errBadRequest("column %q accepts exactly one file", name)
		}

		uploads := make([]FileUpload, 0, len(headers))
		for _, header := range headers {
			upload, err := s.stageOne(ctx, header)
			if err != nil {
				return values, staged, err
			}
			staged = append(staged, *upload)
			uploads = append(uploads, *upload)
		}

		var encoded []byte
		var err error
		if col.File == schema.FileSingle {
			encoded, err = json.Marshal(uploads[0])
		} else {
			encoded, err = json.Marshal(uploads)
		}
		if err != nil {
			return values, staged, errInternal(err)
		}
		values[name] = string(encoded)
	}

	return values, staged, nil
}

func (s *Service) stageOne(ctx context.Context, header *multipart.FileHeader) (*FileUpload, error) {
	part, err := header.Open()
	if err != nil {
		return nil, errBadRequest("reading multipart file: %v", err)
	}
	defer part.Close()

	upload := &FileUpload{
		ID:          uuid.NewString(),
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		MimeType:    inferMime(header.Filename, header.Header.Get("Content-Type")),
	}

	if err := s.backend.Put(ctx, upload.ID, part); err != nil {
		return nil, errInternal(fmt.Errorf("storing blob: %w", err))
	}
	return upload, nil
}

func inferMime(filename, contentType string) string {
	if byExt := mime.TypeByExtension(filepath.Ext(filename)); byExt != "" {
		if parsed, _, err := mime.ParseMediaType(byExt); err == nil {
			return parsed
		}
	}
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		return parsed
	}
	return ""
}

// enqueueFileDeletions records the prior value of each changed file column
// inside tx, so the blobs are swept after the row change commits.
func enqueueFileDeletions(ctx context.Context, tx *sql.Tx, table *schema.Table, row database.Row, changed map[string]bool) error {
	for _, col := range table.FileColumns() {
		if changed != nil && !changed[col.Name] {
			continue
		}
		value := asJSONText(row[col.Name])
		if value == "" {
			continue
		}
		rowid := int64(0)
		if n, ok := row["rowid"].(int64); ok {
			rowid = n
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO _file_deletions (table_name, record_rowid, column_name, json)
			VALUES (?, ?, ?, ?)
		`, table.Name, rowid, col.Name, value); err != nil {
			return fmt.Errorf("enqueueing file deletion: %w", err)
		}
	}
	return nil
}

// sweepStaged schedules blobs staged for a transaction that never
// committed. Failures only log: the ids are orphans either way and the
// sweep is best effort.
func (s *Service) sweepStaged(ctx context.Context, table string, staged []FileUpload) {
	if len(staged) == 0 {
		return
	}
	encoded, err := json.Marshal(staged)
	if err != nil {
		return
	}
	if _, err := s.db.Execute(ctx, `
		INSERT INTO _file_deletions (table_name, record_rowid, column_name, json)
		VALUES (?, 0, '', ?)
	`, table, string(encoded)); err != nil {
		log.Error().Err(err).Str("table", table).Msg("Failed to schedule staged blob cleanup")
	}
}

// fileFromColumn extracts the metadata for a read of a file column,
// optionally selecting one entry of a list column by file id.
func fileFromColumn(col *schema.Column, value any, fileID string) (*FileUpload, *Error) {
	text := asJSONText(value)
	if text == "" {
		return nil, errRecordNotFound()
	}

	switch col.File {
	case schema.FileSingle:
		var upload FileUpload
		if err := json.Unmarshal([]byte(text), &upload); err != nil || upload.ID == "" {
			return nil, errRecordNotFound()
		}
		return &upload, nil
	case schema.FileList:
		var uploads []FileUpload
		if err := json.Unmarshal([]byte(text), &uploads); err != nil {
			return nil, errRecordNotFound()
		}
		for i := range uploads {
			if uploads[i].ID == fileID {
				return &uploads[i], nil
			}
		}
		return nil, errRecordNotFound()
	default:
		return nil, errBadRequest("column %q is not a file column", col.Name)
	}
}

// OpenFile streams a stored blob with its metadata.
func (s *Service) OpenFile(ctx context.Context, upload *FileUpload) (io.ReadCloser, *Error) {
	rc, err := s.backend.Get(ctx, upload.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errRecordNotFound()
		}
		return nil, errInternal(err)
	}
	return rc, nil
}

func asJSONText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return ""
	}
}
