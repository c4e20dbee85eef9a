package source

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ExtractArchive extracts a zip archive into destinationDir, creating
// it if needed. Entry paths are validated against the destination
// before anything touches disk: archives can carry ".." components
// (zip slip) that would otherwise write outside the target directory.
//
// Archives produced by "download as zip" wrap everything in a single
// top-level folder; after extraction that wrapper is flattened away so
// the project's own files sit at the root of destinationDir.
func ExtractArchive(zipPath, destinationDir string) error {
	if err := os.MkdirAll(destinationDir, 0o755); err != nil {
		return fmt.Errorf("create extraction directory %q: %w", destinationDir, err)
	}

	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("open archive %q: %w", zipPath, err)
	}
	defer reader.Close()

	for _, entry := range reader.File {
		if err := extractEntry(entry, destinationDir); err != nil {
			return fmt.Errorf("extract entry %q: %w", entry.Name, err)
		}
	}

	return flattenSingleDir(destinationDir)
}

func extractEntry(entry *zip.File, destinationDir string) error {
	entryPath := filepath.Join(destinationDir, entry.Name)

	// filepath.Join cleans the path, so a "../" escape resolves to a
	// path outside the destination and fails the prefix check here.
	safePrefix := filepath.Clean(destinationDir) + string(os.PathSeparator)
	if !strings.HasPrefix(filepath.Clean(entryPath)+string(os.PathSeparator), safePrefix) {
		return fmt.Errorf("entry escapes destination directory")
	}

	if entry.FileInfo().IsDir() {
		return os.MkdirAll(entryPath, 0o755)
	}

	// Archives may carry files without explicit directory entries.
	if err := os.MkdirAll(filepath.Dir(entryPath), 0o755); err != nil {
		return err
	}
	return writeEntry(entry, entryPath)
}

func writeEntry(entry *zip.File, destinationPath string) error {
	src, err := entry.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	// Entries zipped on Windows often store mode 0; keep those readable.
	mode := entry.Mode()
	if mode == 0 {
		mode = 0o644
	}

	dst, err := os.OpenFile(destinationPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

// flattenSingleDir promotes the contents of a lone top-level directory
// up into root, so detection finds package.json and friends where it
// expects them. Hidden metadata entries like __MACOSX do not count as
// project content.
func flattenSingleDir(root string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}

	var wrapper string
	for _, entry := range entries {
		if entry.Name() == "__MACOSX" || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if !entry.IsDir() || wrapper != "" {
			return nil // more than one real entry, nothing to flatten
		}
		wrapper = entry.Name()
	}
	if wrapper == "" {
		return nil
	}

	wrapperPath := filepath.Join(root, wrapper)
	inner, err := os.ReadDir(wrapperPath)
	if err != nil {
		return err
	}
	for _, entry := range inner {
		if err := os.Rename(filepath.Join(wrapperPath, entry.Name()), filepath.Join(root, entry.Name())); err != nil {
			return fmt.Errorf("flatten %q: %w", entry.Name(), err)
		}
	}
	return os.Remove(wrapperPath)
}
