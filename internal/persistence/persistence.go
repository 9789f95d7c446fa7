// Package persistence writes archival records as JSON files under
// <datadir>/YYYY/MM/DD/.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/m-lab/go/warnonerror"
	"github.com/pkg/errors"
	"github.com/robertodauria/netrace/pkg/netrace/results"
)

// File is an archival file opened for writing.
type File struct {
	fp *os.File
	// Path is the full path of the file.
	Path string
}

// New creates a new archival file in a date-based subdirectory of datadir.
// The file name contains kind, the creation time and id.
func New(datadir, kind, id string) (*File, error) {
	now := time.Now().UTC()
	dir := path.Join(datadir, now.Format("2006/01/02"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "cannot create %s", dir)
	}
	name := path.Join(dir, fmt.Sprintf("%s-%s.%s.json", kind,
		now.Format("20060102T150405.000000000Z"), id))
	fp, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	return &File{fp: fp, Path: name}, nil
}

// Write serializes v as JSON and writes it to the file.
func (f *File) Write(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = f.fp.Write(data)
	return err
}

// Close closes the file.
func (f *File) Close() error {
	return f.fp.Close()
}

// WriteRecord creates a file for the record, writes it and closes the file.
// It returns the path of the new file.
func WriteRecord(datadir, kind, id string, v interface{}) (string, error) {
	fp, err := New(datadir, kind, id)
	if err != nil {
		return "", err
	}
	defer warnonerror.Close(fp, kind+": ignoring fp.Close error")
	if err := fp.Write(v); err != nil {
		return "", errors.Wrap(err, "failed to write record")
	}
	return fp.Path, nil
}

// Writer archives finalized results as JSON files.
type Writer struct {
	DataDir string
}

// NewWriter returns a Writer storing files under datadir.
func NewWriter(datadir string) *Writer {
	return &Writer{DataDir: datadir}
}

// Archive writes r to a new file.
func (w *Writer) Archive(_ context.Context, r *results.SpeedTestResult) error {
	_, err := WriteRecord(w.DataDir, "result", r.ID, r)
	return err
}
