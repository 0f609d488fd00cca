package source

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// bundle maps relative file names to contents.
type bundle map[string][]byte

// extractZip reads every regular, non-hidden file of a zip archive.
func extractZip(data []byte) (bundle, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip archive: %w", err)
	}

	files := make(bundle)
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || skipName(f.Name) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", f.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name, err)
		}
		files[relative(f.Name)] = content
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no files found in zip archive")
	}
	return files, nil
}

// extractTarGzip reads every regular, non-hidden file of a tar.gz archive.
func extractTarGzip(data []byte) (bundle, error) {
	gzr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	defer gzr.Close()

	files := make(bundle)
	tr := tar.NewReader(gzr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar: %w", err)
		}
		if !hdr.FileInfo().Mode().IsRegular() || skipName(hdr.Name) {
			continue
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", hdr.Name, err)
		}
		files[relative(hdr.Name)] = content
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no files found in tar.gz archive")
	}
	return files, nil
}

// extractAny tries zip first and falls back to tar.gz.
func extractAny(data []byte) (bundle, error) {
	if files, err := extractZip(data); err == nil {
		return files, nil
	}
	return extractTarGzip(data)
}

func skipName(name string) bool {
	for _, part := range strings.Split(path.Clean(name), "/") {
		if strings.HasPrefix(part, ".") && part != "." && part != ".." {
			return true
		}
	}
	return false
}
