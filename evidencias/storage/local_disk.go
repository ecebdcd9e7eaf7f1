package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// LocalDiskStore keeps evidence files on a shared directory and serves them
// through the /files/ route of the api server.
type LocalDiskStore struct {
	basepath  string
	publicUrl string
}

func NewLocalDisk(basepath, publicUrl string) *LocalDiskStore {
	slog.Info("creating new local disk blob store", "basepath", basepath)
	return &LocalDiskStore{basepath: basepath, publicUrl: strings.TrimSuffix(publicUrl, "/")}
}

func (s *LocalDiskStore) fullpath(path string) string {
	return filepath.Join(s.basepath, filepath.FromSlash(path))
}

func (s *LocalDiskStore) urlFor(path string) string {
	u := url.URL{Path: "/files/" + path}
	return s.publicUrl + u.EscapedPath()
}

func (s *LocalDiskStore) Upload(ctx context.Context, path string, data io.Reader, contentType string) (string, error) {
	fullpath := s.fullpath(path)

	err := os.MkdirAll(filepath.Dir(fullpath), 0777)
	if err != nil {
		slog.Error("error creating parent directory", "path", fullpath, "error", err)
		return "", fmt.Errorf("error creating parent directory %v: %v", path, err)
	}

	file, err := os.OpenFile(fullpath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		slog.Error("error opening file for writing", "path", fullpath, "error", err)
		return "", fmt.Errorf("error opening file %v: %v", path, err)
	}
	defer file.Close()

	_, err = io.Copy(file, data)
	if err != nil {
		slog.Error("error writing to file", "path", fullpath, "error", err)
		return "", fmt.Errorf("error writing to file %v: %v", path, err)
	}

	return s.urlFor(path), nil
}

func (s *LocalDiskStore) Exists(ctx context.Context, path string) (bool, error) {
	fullpath := s.fullpath(path)
	_, err := os.Stat(fullpath)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	slog.Error("error checking if file exists", "path", fullpath, "error", err)
	return false, fmt.Errorf("error checking if file %v exists: %w", path, err)
}

// Delete removes the blob. Removing a path that does not exist is not an
// error so that record deletion stays idempotent.
func (s *LocalDiskStore) Delete(ctx context.Context, path string) error {
	fullpath := s.fullpath(path)
	err := os.RemoveAll(fullpath)
	if err != nil {
		slog.Error("error deleting file", "path", fullpath, "error", err)
		return fmt.Errorf("error deleting file %v: %v", path, err)
	}
	return nil
}

func (s *LocalDiskStore) ResolvePath(blobUrl string) (string, error) {
	parsed, err := url.Parse(blobUrl)
	if err != nil {
		return "", fmt.Errorf("error parsing blob url '%v': %w", blobUrl, err)
	}

	if strings.HasPrefix(parsed.Path, "/files/") {
		return decodePath(strings.TrimPrefix(parsed.EscapedPath(), "/files/"), nil)
	}

	// Old records can point at whichever provider held the file before the
	// store was moved to local disk.
	return ResolveRemoteURL(blobUrl)
}

func (s *LocalDiskStore) Usage() (UsageStats, error) {
	var stat unix.Statfs_t

	err := unix.Statfs(s.basepath, &stat)
	if err != nil {
		slog.Error("error getting disk usage for blob store", "path", s.basepath, "error", err)
		return UsageStats{}, fmt.Errorf("error getting disk usage stats: %w", err)
	}

	return UsageStats{
		TotalBytes: stat.Blocks * uint64(stat.Bsize),
		FreeBytes:  stat.Bfree * uint64(stat.Bsize),
	}, nil
}

func (s *LocalDiskStore) Location() string {
	return s.basepath
}
