package catalog

import (
	"context"
	"errors"
	"io"
	"path"
	"strconv"
	"strings"
	"time"
)

const DefaultListLimit = 500

var (
	ErrObjectNotFound = errors.New("video not found")
	ErrInvalidName    = errors.New("invalid video name")
	ErrEmptyFile      = errors.New("empty file")
	ErrUnknownDisplay = errors.New("display user not found")
)

type Object struct {
	Name      string
	Size      int64
	UpdatedAt time.Time
}

// Bucket stores video files by flat object name.
type Bucket interface {
	Put(ctx context.Context, name string, r io.Reader, size int64) error
	List(ctx context.Context, limit int) ([]Object, error)
	Remove(ctx context.Context, name string) error
	// Stat returns ErrObjectNotFound for a missing object.
	Stat(ctx context.Context, name string) (Object, error)
}

// ObjectName prefixes the base of an uploaded file name with the upload time
// in unix milliseconds.
func ObjectName(filename string, at time.Time) (string, error) {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), `\`, "/"))
	if base == "." || base == "/" || base == ".." || base == "" {
		return "", ErrInvalidName
	}
	return strconv.FormatInt(at.UnixMilli(), 10) + "-" + base, nil
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return ErrInvalidName
	}
	return nil
}
