package imagehandler

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// openArchive returns a tar reader over the archive, transparently
// decompressing gzip. The returned closer must be closed by the caller.
func openArchive(path string) (*tar.Reader, io.Closer, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open archive: %w", err)
	}

	gzipReader, err := gzip.NewReader(file)
	if err == nil {
		return tar.NewReader(gzipReader), multiCloser{gzipReader, file}, nil
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		file.Close()

		return nil, nil, fmt.Errorf("rewind archive: %w", err)
	}

	return tar.NewReader(file), file, nil
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var firstErr error

	for _, c := range m {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// UnpackedSize returns the total file size the archive expands to.
func UnpackedSize(archivePath string) (uint64, error) {
	reader, closer, err := openArchive(archivePath)
	if err != nil {
		return 0, err
	}
	defer closer.Close()

	var size uint64

	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return 0, fmt.Errorf("read tar header: %w", err)
		}

		if header.Typeflag == tar.TypeReg {
			size += uint64(header.Size)
		}
	}

	return size, nil
}

// unpackArchive extracts the archive into targetDir with directory traversal
// protection.
func unpackArchive(ctx context.Context, archivePath, targetDir string) error {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("create target directory: %w", err)
	}

	reader, closer, err := openArchive(archivePath)
	if err != nil {
		return err
	}
	defer closer.Close()

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("unpack interrupted: %w", err)
		}

		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		if err := extractTarEntry(targetDir, header, reader); err != nil {
			return fmt.Errorf("extract tar entry %q: %w", header.Name, err)
		}
	}

	return nil
}

// extractTarEntry extracts a single tar entry to the target directory.
func extractTarEntry(targetDir string, header *tar.Header, reader io.Reader) error {
	targetPath := filepath.Join(targetDir, filepath.Clean(header.Name))

	if !strings.HasPrefix(targetPath, filepath.Clean(targetDir)+string(os.PathSeparator)) &&
		targetPath != filepath.Clean(targetDir) {
		return fmt.Errorf("path traversal detected: %s", header.Name)
	}

	switch header.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(targetPath, os.FileMode(header.Mode)); err != nil {
			return fmt.Errorf("mkdir: %w", err)
		}

		_ = os.Lchown(targetPath, header.Uid, header.Gid)

	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return fmt.Errorf("mkdir parent: %w", err)
		}

		file, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
		if err != nil {
			return fmt.Errorf("open file: %w", err)
		}

		if _, err := io.CopyN(file, reader, header.Size); err != nil && !errors.Is(err, io.EOF) {
			file.Close()

			return fmt.Errorf("copy file content: %w", err)
		}

		if err := file.Close(); err != nil {
			return fmt.Errorf("close file: %w", err)
		}

		_ = os.Lchown(targetPath, header.Uid, header.Gid)

	case tar.TypeSymlink:
		_ = os.Remove(targetPath)

		if err := os.Symlink(header.Linkname, targetPath); err != nil {
			return fmt.Errorf("create symlink: %w", err)
		}

	case tar.TypeLink:
		linkTarget := filepath.Join(targetDir, filepath.Clean(header.Linkname))
		if !strings.HasPrefix(linkTarget, filepath.Clean(targetDir)) {
			return fmt.Errorf("hard link outside archive: %s", header.Linkname)
		}

		if err := os.Link(linkTarget, targetPath); err != nil {
			return fmt.Errorf("create hardlink: %w", err)
		}

	default:
		// Device nodes and pipes inside image archives are skipped; the
		// runtime declares devices through the OCI spec instead.
		return nil
	}

	return nil
}
