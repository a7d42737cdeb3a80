package backup

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/fgeck/repo-templater/internal/models"
)

// fileEntry is one repository file selected for archiving.
type fileEntry struct {
	rel  string // slash-separated, relative to the repository root
	abs  string
	info fs.FileInfo
}

// extraMember is an in-memory file added to the archive.
type extraMember struct {
	name string
	data []byte
}

// memberFunc receives each regular file found in an archive.
type memberFunc func(name string, mode fs.FileMode, mtime time.Time, body io.Reader) error

func archiveFileName(c models.Compression, encrypted bool) string {
	name := "backup.tar.gz"
	if c == models.CompressionZip {
		name = "backup.zip"
	}
	if encrypted {
		name += ".age"
	}
	return name
}

// writeArchive writes entries plus extras to dst and returns the number of members written.
func writeArchive(dst io.Writer, c models.Compression, entries []fileEntry, extras []extraMember) (int, error) {
	if c == models.CompressionZip {
		return writeZip(dst, entries, extras)
	}
	return writeTarGz(dst, entries, extras)
}

func writeTarGz(dst io.Writer, entries []fileEntry, extras []extraMember) (int, error) {
	gzw := gzip.NewWriter(dst)
	tw := tar.NewWriter(gzw)
	count := 0

	for _, e := range entries {
		header, err := tar.FileInfoHeader(e.info, "")
		if err != nil {
			return count, fmt.Errorf("failed to create header for %s: %w", e.rel, err)
		}
		header.Name = e.rel
		if err := tw.WriteHeader(header); err != nil {
			return count, fmt.Errorf("failed to write header for %s: %w", e.rel, err)
		}
		if err := copyFileTo(tw, e.abs); err != nil {
			return count, err
		}
		count++
	}

	for _, x := range extras {
		header := &tar.Header{
			Name:     x.name,
			Mode:     0o644,
			Size:     int64(len(x.data)),
			ModTime:  time.Now(),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(header); err != nil {
			return count, fmt.Errorf("failed to write header for %s: %w", x.name, err)
		}
		if _, err := tw.Write(x.data); err != nil {
			return count, fmt.Errorf("failed to write %s: %w", x.name, err)
		}
		count++
	}

	if err := tw.Close(); err != nil {
		return count, fmt.Errorf("failed to close tar writer: %w", err)
	}
	if err := gzw.Close(); err != nil {
		return count, fmt.Errorf("failed to close gzip writer: %w", err)
	}
	return count, nil
}

func writeZip(dst io.Writer, entries []fileEntry, extras []extraMember) (int, error) {
	zw := zip.NewWriter(dst)
	count := 0

	for _, e := range entries {
		header, err := zip.FileInfoHeader(e.info)
		if err != nil {
			return count, fmt.Errorf("failed to create header for %s: %w", e.rel, err)
		}
		header.Name = e.rel
		header.Method = zip.Deflate
		w, err := zw.CreateHeader(header)
		if err != nil {
			return count, fmt.Errorf("failed to write header for %s: %w", e.rel, err)
		}
		if err := copyFileTo(w, e.abs); err != nil {
			return count, err
		}
		count++
	}

	for _, x := range extras {
		header := &zip.FileHeader{Name: x.name, Method: zip.Deflate, Modified: time.Now()}
		header.SetMode(0o644)
		w, err := zw.CreateHeader(header)
		if err != nil {
			return count, fmt.Errorf("failed to write header for %s: %w", x.name, err)
		}
		if _, err := w.Write(x.data); err != nil {
			return count, fmt.Errorf("failed to write %s: %w", x.name, err)
		}
		count++
	}

	if err := zw.Close(); err != nil {
		return count, fmt.Errorf("failed to close zip writer: %w", err)
	}
	return count, nil
}

func copyFileTo(w io.Writer, src string) error {
	f, err := os.Open(src) //nolint:gosec // src comes from the repository walk
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer func() { _ = f.Close() }()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to archive %s: %w", src, err)
	}
	return nil
}

// walkArchive calls fn for every regular file in the archive at archivePath.
// Encrypted archives are decrypted with identities on the fly; zip archives
// need random access, so an encrypted zip is decrypted into memory first.
func walkArchive(archivePath string, c models.Compression, encrypted bool, identities []age.Identity, fn memberFunc) error {
	f, err := os.Open(archivePath) //nolint:gosec // archive path comes from backup metadata
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	var src io.Reader = f
	if encrypted {
		if len(identities) == 0 {
			return ErrNoIdentity
		}
		src, err = age.Decrypt(f, identities...)
		if err != nil {
			return fmt.Errorf("failed to decrypt archive: %w", err)
		}
	}

	if c == models.CompressionZip {
		var ra io.ReaderAt
		var size int64
		if encrypted {
			data, err := io.ReadAll(src)
			if err != nil {
				return fmt.Errorf("failed to decrypt archive: %w", err)
			}
			ra, size = bytes.NewReader(data), int64(len(data))
		} else {
			info, err := f.Stat()
			if err != nil {
				return err
			}
			ra, size = f, info.Size()
		}
		return walkZip(ra, size, fn)
	}
	return walkTarGz(src, fn)
}

func walkTarGz(src io.Reader, fn memberFunc) error {
	gzr, err := gzip.NewReader(src)
	if err != nil {
		return fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer func() { _ = gzr.Close() }()

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		if err := fn(header.Name, header.FileInfo().Mode(), header.ModTime, tr); err != nil {
			return err
		}
	}
}

func walkZip(ra io.ReaderAt, size int64, fn memberFunc) error {
	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return fmt.Errorf("failed to open zip archive: %w", err)
	}
	for _, zf := range zr.File {
		if !zf.Mode().IsRegular() {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return fmt.Errorf("failed to open zip entry %s: %w", zf.Name, err)
		}
		err = fn(zf.Name, zf.Mode(), zf.Modified, rc)
		_ = rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// safeJoin resolves an archive member name below root and rejects names
// that would escape it.
func safeJoin(root, name string) (string, error) {
	clean := path.Clean("/" + strings.ReplaceAll(name, "\\", "/"))
	if name == "" || path.IsAbs(name) || strings.HasPrefix(name, "../") || strings.Contains(name, "/../") || clean == "/" {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	dest := filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(clean, "/")))
	rel, err := filepath.Rel(root, dest)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return dest, nil
}

func sha256File(p string) (string, error) {
	f, err := os.Open(p) //nolint:gosec // p is an archive or repository file
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
