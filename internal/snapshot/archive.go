package snapshot

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// packDir archives the contents of dir into a gzipped tarball. Paths inside
// the archive are relative to dir. The walk reads whatever is on disk at the
// time; consistency with concurrent backend writes is best-effort.
func packDir(dir string) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return fmt.Errorf("relativise %s: %w", path, err)
		}
		if rel == "." {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}

		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			link, err = os.Readlink(path)
			if err != nil {
				return fmt.Errorf("readlink %s: %w", path, err)
			}
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("tar header %s: %w", path, err)
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write header %s: %w", rel, err)
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		file, err := os.Open(path) // #nosec G304 -- path comes from walking the state dir.
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer func() {
			_ = file.Close()
		}()
		if _, err := io.Copy(tw, file); err != nil {
			return fmt.Errorf("copy %s: %w", rel, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	return buf.Bytes(), nil
}

// unpackDir extracts a gzipped tarball produced by packDir into dest,
// creating dest if needed. Entries escaping dest are rejected.
func unpackDir(data []byte, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer func() {
		_ = gz.Close()
	}()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		name := filepath.FromSlash(header.Name)
		if !filepath.IsLocal(name) {
			return fmt.Errorf("archive entry %q escapes destination", header.Name)
		}
		target := filepath.Join(dest, name)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fs.FileMode(header.Mode)&fs.ModePerm); err != nil {
				return fmt.Errorf("create dir %s: %w", target, err)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent of %s: %w", target, err)
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("symlink %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent of %s: %w", target, err)
			}
			if err := writeFileFrom(tr, target, fs.FileMode(header.Mode)&fs.ModePerm); err != nil {
				return err
			}
		default:
			// Other entry types (devices, fifos) have no business in a
			// state directory; skip them.
			continue
		}
	}
}

func writeFileFrom(tr io.Reader, target string, mode fs.FileMode) error {
	file, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode) // #nosec G304
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(file, tr); err != nil { // #nosec G110 -- archives are self-produced.
		_ = file.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", target, err)
	}
	return nil
}

// swapInto atomically materialises staging as dir. The previous directory, if
// any, is moved aside first so a failed extraction never leaves dir torn.
func swapInto(staging, dir string) error {
	prev := dir + ".prev"
	_ = os.RemoveAll(prev)

	if _, err := os.Lstat(dir); err == nil {
		if err := os.Rename(dir, prev); err != nil {
			return fmt.Errorf("move previous state aside: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("inspect %s: %w", dir, err)
	}

	if err := os.Rename(staging, dir); err != nil {
		// Try to put the previous state back before reporting.
		if _, statErr := os.Lstat(prev); statErr == nil {
			_ = os.Rename(prev, dir)
		}
		return fmt.Errorf("materialise restored state: %w", err)
	}
	_ = os.RemoveAll(prev)
	return nil
}

// stagingPath names the sibling staging directory used during restore.
func stagingPath(dir string) string {
	return strings.TrimSuffix(dir, string(os.PathSeparator)) + ".restore"
}
