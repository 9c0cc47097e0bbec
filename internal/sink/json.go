package sink

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"emperror.dev/errors"
	json "github.com/goccy/go-json"
	"github.com/klauspost/pgzip"

	"github.com/Dicklesworthstone/ecoscan/internal/model"
)

// Document is the on-disk layout of the JSON sink.
type Document struct {
	TakenAt   time.Time                     `json:"taken_at"`
	Processes map[string]model.Row          `json:"processes"`
	Hourly    map[string]model.HourlyRollup `json:"hourly"` // keyed by RFC 3339 hour start
	Stale     []model.StaleLicense          `json:"stale_licenses"`
}

// NewDocument rekeys a snapshot by process name and by hour.
func NewDocument(snap model.Snapshot) Document {
	doc := Document{
		TakenAt:   snap.TakenAt,
		Processes: make(map[string]model.Row, len(snap.Rows)),
		Hourly:    make(map[string]model.HourlyRollup, len(snap.Hourly)),
		Stale:     snap.Stale,
	}
	if doc.Stale == nil {
		doc.Stale = []model.StaleLicense{}
	}
	for _, r := range snap.Rows {
		doc.Processes[r.Name] = r
	}
	for _, h := range snap.Hourly {
		doc.Hourly[h.HourStart.Format(time.RFC3339)] = h
	}
	return doc
}

// JSON writes the snapshot document to a file, gzip-compressed when the path ends in .gz.
type JSON struct {
	path string
}

func NewJSON(path string) *JSON {
	return &JSON{path: path}
}

func (j *JSON) Name() string { return "json:" + j.path }

// Write replaces the file atomically through a temporary file in the same directory.
func (j *JSON) Write(_ context.Context, snap model.Snapshot) error {
	tmp, err := os.CreateTemp(filepath.Dir(j.path), "."+filepath.Base(j.path)+".*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	defer os.Remove(tmp.Name())

	if err := EncodeDocument(tmp, snap, strings.HasSuffix(j.path, ".gz")); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "write %s", j.path)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}
	return errors.Wrap(os.Rename(tmp.Name(), j.path), "replace document")
}

// EncodeDocument writes the document for snap to w.
func EncodeDocument(w io.Writer, snap model.Snapshot, compress bool) error {
	if !compress {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(NewDocument(snap))
	}

	gz, err := pgzip.NewWriterLevel(w, pgzip.BestSpeed)
	if err != nil {
		return errors.Wrap(err, "pgzip writer failed")
	}
	if err := json.NewEncoder(gz).Encode(NewDocument(snap)); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}
