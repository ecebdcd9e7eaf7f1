package storage

import (
	"fmt"
	"net/url"
	"strings"
)

// SanitizeSegment makes a value safe to use as one level of an object path.
// Slashes would otherwise split a program or criterion name into extra
// directories and break the path convention.
func SanitizeSegment(segment string) string {
	segment = strings.TrimSpace(segment)
	segment = strings.ReplaceAll(segment, "/", "-")
	segment = strings.ReplaceAll(segment, "\\", "-")
	if segment == "." || segment == ".." {
		return ""
	}
	return segment
}

// ObjectPath builds the canonical object path for an evidence file:
// program/dimension/criterion/filename, each segment sanitized. Empty
// segments are dropped so an unclassified file lands at program/filename.
func ObjectPath(program, dimension, criterion, filename string) string {
	segments := make([]string, 0, 4)
	for _, segment := range []string{program, dimension, criterion, filename} {
		if s := SanitizeSegment(segment); s != "" {
			segments = append(segments, s)
		}
	}
	return strings.Join(segments, "/")
}

// ResolveRemoteURL extracts the object path from URL shapes produced by
// storage providers the system has uploaded to over time. Records imported
// from old exports may carry any of these forms.
func ResolveRemoteURL(rawUrl string) (string, error) {
	parsed, err := url.Parse(rawUrl)
	if err != nil {
		return "", fmt.Errorf("error parsing blob url '%v': %w", rawUrl, err)
	}

	host := parsed.Hostname()
	path := strings.TrimPrefix(parsed.Path, "/")

	stripBucket := func(p string) (string, error) {
		bucket, object, found := strings.Cut(p, "/")
		if !found || object == "" {
			return "", fmt.Errorf("no object path in blob url '%v' (bucket '%v')", rawUrl, bucket)
		}
		return object, nil
	}

	// https://<host>/storage/v1/b/<bucket>/o/<urlencoded object>
	if rest, found := strings.CutPrefix(path, "storage/v1/b/"); found {
		_, object, ok := strings.Cut(rest, "/o/")
		if !ok || object == "" {
			return "", fmt.Errorf("no object path in blob url '%v'", rawUrl)
		}
		return decodePath(object, nil)
	}

	switch {
	// https://storage.googleapis.com/<bucket>/<object>
	case host == "storage.googleapis.com" || host == "storage.cloud.google.com":
		return decodePath(stripBucket(path))

	// https://<bucket>.storage.googleapis.com/<object>
	case strings.HasSuffix(host, ".storage.googleapis.com"):
		return decodePath(path, nil)

	// https://s3.<region>.amazonaws.com/<bucket>/<object>
	case strings.HasPrefix(host, "s3.") && strings.HasSuffix(host, ".amazonaws.com"):
		return decodePath(stripBucket(path))

	// https://<bucket>.s3.<region>.amazonaws.com/<object>
	case strings.Contains(host, ".s3.") && strings.HasSuffix(host, ".amazonaws.com"):
		return decodePath(path, nil)

	// https://res.cloudinary.com/<cloud>/<type>/upload/v<n>/<object>
	case host == "res.cloudinary.com":
		_, object, found := strings.Cut(path, "/upload/")
		if !found {
			return "", fmt.Errorf("unrecognized cloudinary url '%v'", rawUrl)
		}
		// Discard the version prefix cloudinary inserts before the object.
		if first, rest, ok := strings.Cut(object, "/"); ok && strings.HasPrefix(first, "v") {
			if _, err := fmt.Sscanf(first, "v%d", new(int)); err == nil {
				object = rest
			}
		}
		return decodePath(object, nil)
	}

	return "", fmt.Errorf("unable to derive object path from url '%v'", rawUrl)
}

func decodePath(path string, err error) (string, error) {
	if err != nil {
		return "", err
	}
	decoded, err := url.PathUnescape(path)
	if err != nil {
		return "", fmt.Errorf("error decoding object path '%v': %w", path, err)
	}
	// Stored urls are data, not trusted input. A '..' segment would let an
	// imported record resolve to a file outside the store root.
	if !safeObjectPath(decoded) {
		return "", fmt.Errorf("object path '%v' escapes the store root", decoded)
	}
	return decoded, nil
}

func safeObjectPath(path string) bool {
	if strings.HasPrefix(path, "/") {
		return false
	}
	for _, segment := range strings.Split(path, "/") {
		if segment == ".." {
			return false
		}
	}
	return true
}
