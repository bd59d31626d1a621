package sandbox

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// extractArchive unpacks a downloaded archive into targetDir and flattens a
// single top-level directory, so that the runtime lands directly under the
// target regardless of how the archive was packed.
func extractArchive(archivePath, targetDir string) error {
	switch {
	case strings.HasSuffix(archivePath, ".zip"):
		if err := extractZip(archivePath, targetDir); err != nil {
			return err
		}
	case strings.HasSuffix(archivePath, ".tar.gz"), strings.HasSuffix(archivePath, ".tgz"):
		if err := extractTarGz(archivePath, targetDir); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported archive format: %s", filepath.Base(archivePath))
	}

	return flattenSingleDir(targetDir)
}

func extractZip(archivePath, targetDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open zip: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		dest, err := safeJoin(targetDir, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}

		src, err := f.Open()
		if err != nil {
			return err
		}
		err = writeFile(dest, src, f.Mode())
		src.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func extractTarGz(archivePath, targetDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar entry: %w", err)
		}

		dest, err := safeJoin(targetDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}
			if err := writeFile(dest, tr, os.FileMode(hdr.Mode)); err != nil { //nolint:gosec // mode from trusted pinned archive
				return err
			}
		case tar.TypeSymlink:
			_ = os.Remove(dest)
			if err := os.Symlink(hdr.Linkname, dest); err != nil {
				return err
			}
		default:
			// Skip block devices and other special entries.
		}
	}
}

// flattenSingleDir lifts the contents of a lone top-level directory into
// dir. Runtime archives typically wrap everything in a versioned directory
// like node-v20.18.1-linux-x64/.
func flattenSingleDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var dirs []os.DirEntry
	for _, e := range entries {
		if isArchiveName(e.Name()) {
			continue
		}
		dirs = append(dirs, e)
	}
	if len(dirs) != 1 || !dirs[0].IsDir() {
		return nil
	}

	inner := filepath.Join(dir, dirs[0].Name())
	children, err := os.ReadDir(inner)
	if err != nil {
		return err
	}

	for _, child := range children {
		src := filepath.Join(inner, child.Name())
		dst := filepath.Join(dir, child.Name())
		if err := moveEntry(src, dst); err != nil {
			return err
		}
	}

	return os.Remove(inner)
}

// moveEntry renames src to dst, falling back to copy+delete when the rename
// fails with a permission or existence error.
func moveEntry(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, os.ErrPermission) && !errors.Is(err, os.ErrExist) {
		return err
	}

	if err := copyTree(src, dst); err != nil {
		return err
	}
	return os.RemoveAll(src)
}

func copyTree(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}

	if info.IsDir() {
		if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := copyTree(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
				return err
			}
		}
		return nil
	}

	if info.Mode()&os.ModeSymlink != 0 {
		link, err := os.Readlink(src)
		if err != nil {
			return err
		}
		_ = os.Remove(dst)
		return os.Symlink(link, dst)
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	return writeFile(dst, in, info.Mode().Perm())
}

func writeFile(dest string, src io.Reader, mode os.FileMode) error {
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil { //nolint:gosec // pinned archive contents
		return err
	}
	return nil
}

// safeJoin prevents path traversal out of the target directory.
func safeJoin(dir, name string) (string, error) {
	dest := filepath.Join(dir, filepath.Clean("/"+name))
	if !strings.HasPrefix(dest, filepath.Clean(dir)+string(os.PathSeparator)) && dest != filepath.Clean(dir) {
		return "", fmt.Errorf("archive entry escapes target directory: %s", name)
	}
	return dest, nil
}

func isArchiveName(name string) bool {
	return strings.HasSuffix(name, ".zip") ||
		strings.HasSuffix(name, ".tar.gz") ||
		strings.HasSuffix(name, ".tgz")
}
