// Package imagehandler validates and unpacks OCI archives into the layer and
// service directories and computes the content digests the catalogs are
// keyed by.
package imagehandler

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sys/unix"

	"github.com/openfleet/servicemanager/pkg/types"
)

const (
	whiteoutPrefix    = ".wh."
	whiteoutOpaqueDir = ".wh..wh..opq"
	blobsDir          = "blobs"
	manifestFile      = "manifest.json"
	tmpRootFSDir      = "tmprootfs"
)

// Handler installs layer and service archives.
type Handler struct {
	uid    uint32
	logger *slog.Logger
}

// New creates an image handler; uid is the owner applied to unpacked service
// root filesystems.
func New(uid uint32) *Handler {
	return &Handler{
		uid:    uid,
		logger: slog.Default().With("component", "imagehandler"),
	}
}

// InstallLayer validates the downloaded layer archive against the expected
// size and SHA-256, unpacks its embedded rootfs archive into
// installBasePath/<algorithm>/<hex> and converts OCI whiteouts to overlayfs
// form. Returns the install path and the on-disk size.
func (h *Handler) InstallLayer(
	ctx context.Context, archivePath, installBasePath string, layer types.LayerInfo,
) (string, uint64, error) {
	if err := CheckFileInfo(archivePath, layer.Size, layer.SHA256); err != nil {
		return "", 0, err
	}

	extractDir, err := mkTmpDir(installBasePath)
	if err != nil {
		return "", 0, fmt.Errorf("create extract dir: %w", err)
	}
	defer os.RemoveAll(extractDir)

	if err := unpackArchive(ctx, archivePath, extractDir); err != nil {
		return "", 0, err
	}

	manifest, err := loadManifest(filepath.Join(extractDir, manifestFile))
	if err != nil {
		return "", 0, err
	}

	embeddedArchive := filepath.Join(extractDir, manifest.Config.Digest.Encoded())

	installDir := filepath.Join(installBasePath,
		string(manifest.Config.Digest.Algorithm()), manifest.Config.Digest.Encoded())

	if err := unpackArchive(ctx, embeddedArchive, installDir); err != nil {
		return "", 0, fmt.Errorf("unpack embedded layer archive: %w", err)
	}

	if err := whiteoutsToOverlay(installDir, 0, 0); err != nil {
		os.RemoveAll(installDir)

		return "", 0, fmt.Errorf("convert whiteouts: %w", err)
	}

	size, err := dirSize(installDir)
	if err != nil {
		os.RemoveAll(installDir)

		return "", 0, err
	}

	h.logger.DebugContext(ctx, "layer installed", "src", archivePath, "dst", installDir, "size", size)

	return installDir, size, nil
}

// InstallService validates the downloaded service archive, unpacks it into a
// scratch directory next to installDir, verifies the manifest blob digests,
// unpacks the service rootfs, rewrites the manifest to point at the
// unpacked, content-addressed rootfs directory and finally publishes the
// tree at installDir with a rename. Returns the manifest digest and the
// on-disk size.
func (h *Handler) InstallService(
	ctx context.Context, archivePath, installDir string, service types.ServiceInfo,
) (digest.Digest, uint64, error) {
	if err := CheckFileInfo(archivePath, service.Size, service.SHA256); err != nil {
		return "", 0, err
	}

	if err := os.MkdirAll(filepath.Dir(installDir), 0o755); err != nil {
		return "", 0, fmt.Errorf("create install base dir: %w", err)
	}

	scratchDir, err := mkTmpDir(filepath.Dir(installDir))
	if err != nil {
		return "", 0, fmt.Errorf("create install dir: %w", err)
	}

	cleanup := func() { os.RemoveAll(scratchDir) }

	if err := unpackArchive(ctx, archivePath, scratchDir); err != nil {
		cleanup()

		return "", 0, err
	}

	manifest, err := loadManifest(filepath.Join(scratchDir, manifestFile))
	if err != nil {
		cleanup()

		return "", 0, err
	}

	if err := h.validateService(scratchDir, manifest); err != nil {
		cleanup()

		return "", 0, err
	}

	if err := h.prepareServiceFS(ctx, scratchDir, service, manifest); err != nil {
		cleanup()

		return "", 0, err
	}

	manifestDigest, err := CalculateDigest(filepath.Join(scratchDir, manifestFile))
	if err != nil {
		cleanup()

		return "", 0, err
	}

	size, err := dirSize(scratchDir)
	if err != nil {
		cleanup()

		return "", 0, err
	}

	if err := os.RemoveAll(installDir); err != nil {
		cleanup()

		return "", 0, fmt.Errorf("clear install dir: %w", err)
	}

	if err := os.Rename(scratchDir, installDir); err != nil {
		cleanup()

		return "", 0, fmt.Errorf("publish service: %w", err)
	}

	h.logger.DebugContext(ctx, "service installed",
		"serviceID", service.ServiceID, "dst", installDir, "size", size)

	return manifestDigest, size, nil
}

// ValidateService re-verifies an installed service directory against its
// manifest. Used by the damaged-folder sweep at startup.
func (h *Handler) ValidateService(path string) error {
	manifest, err := loadManifest(filepath.Join(path, manifestFile))
	if err != nil {
		return err
	}

	return h.validateService(path, manifest)
}

// ServiceManifest loads the image manifest of an installed service.
func (h *Handler) ServiceManifest(path string) (*ocispec.Manifest, error) {
	return loadManifest(filepath.Join(path, manifestFile))
}

// CheckFileInfo verifies a file matches the expected size and SHA-256.
func CheckFileInfo(path string, size uint64, sha256Sum []byte) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	if uint64(info.Size()) != size {
		return fmt.Errorf("file size mismatch for %s: %w", path, types.ErrValidation)
	}

	sum, err := fileSHA256(path)
	if err != nil {
		return err
	}

	if !bytes.Equal(sum, sha256Sum) {
		return fmt.Errorf("sha256 mismatch for %s: %w", path, types.ErrValidation)
	}

	return nil
}

// CalculateDigest computes the content digest of a file or, for a
// directory, a deterministic digest over its relative paths and contents.
func CalculateDigest(path string) (digest.Digest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}

	if info.IsDir() {
		return hashDir(path)
	}

	sum, err := fileSHA256(path)
	if err != nil {
		return "", err
	}

	return digest.NewDigestFromEncoded(digest.SHA256, hex.EncodeToString(sum)), nil
}

func (h *Handler) validateService(path string, manifest *ocispec.Manifest) error {
	if err := validateBlob(path, manifest.Config.Digest); err != nil {
		return err
	}

	if len(manifest.Layers) == 0 {
		return fmt.Errorf("no layers in manifest: %w", types.ErrValidation)
	}

	return validateBlob(path, manifest.Layers[0].Digest)
}

// prepareServiceFS unpacks the rootfs blob named by the first manifest layer
// into a content-addressed directory and rewrites the manifest accordingly.
func (h *Handler) prepareServiceFS(
	ctx context.Context, baseDir string, service types.ServiceInfo, manifest *ocispec.Manifest,
) error {
	rootFSArchive := blobPath(baseDir, manifest.Layers[0].Digest)
	tmpRootFS := filepath.Join(baseDir, tmpRootFSDir)

	if err := unpackArchive(ctx, rootFSArchive, tmpRootFS); err != nil {
		return err
	}

	if err := os.RemoveAll(rootFSArchive); err != nil {
		return fmt.Errorf("remove origin rootfs: %w", err)
	}

	if err := changeOwner(tmpRootFS, int(h.uid), int(service.GID)); err != nil {
		return fmt.Errorf("change service rootfs owner: %w", err)
	}

	if err := whiteoutsToOverlay(tmpRootFS, h.uid, service.GID); err != nil {
		return fmt.Errorf("convert whiteouts: %w", err)
	}

	rootFSDigest, err := hashDir(tmpRootFS)
	if err != nil {
		return fmt.Errorf("hash service rootfs: %w", err)
	}

	installPath := blobPath(baseDir, rootFSDigest)

	if err := os.MkdirAll(filepath.Dir(installPath), 0o755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}

	if err := os.Rename(tmpRootFS, installPath); err != nil {
		return fmt.Errorf("publish service rootfs: %w", err)
	}

	manifest.Layers[0].Digest = rootFSDigest

	return saveManifest(filepath.Join(baseDir, manifestFile), manifest)
}

// whiteoutsToOverlay converts OCI tar whiteouts in an unpacked tree to their
// overlayfs representation: opaque markers become the trusted.overlay.opaque
// xattr on the parent directory, file markers become 0:0 character devices.
func whiteoutsToOverlay(root string, uid, gid uint32) error {
	return filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if entry.IsDir() {
			return nil
		}

		base := filepath.Base(path)
		dir := filepath.Dir(path)

		if base == whiteoutOpaqueDir {
			if err := unix.Setxattr(dir, "trusted.overlay.opaque", []byte("y"), 0); err != nil {
				return fmt.Errorf("set opaque xattr on %s: %w", dir, err)
			}

			return os.Remove(path)
		}

		if strings.HasPrefix(base, whiteoutPrefix) {
			target := filepath.Join(dir, strings.TrimPrefix(base, whiteoutPrefix))

			if err := unix.Mknod(target, unix.S_IFCHR, 0); err != nil {
				return fmt.Errorf("create whiteout device %s: %w", target, err)
			}

			if err := os.Chown(target, int(uid), int(gid)); err != nil {
				return fmt.Errorf("chown whiteout device: %w", err)
			}

			return os.Remove(path)
		}

		return nil
	})
}

func validateBlob(basePath string, expected digest.Digest) error {
	path := blobPath(basePath, expected)

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("blob %s: %w", expected, types.ErrNotFound)
	}

	var calculated digest.Digest

	if info.IsDir() {
		calculated, err = hashDir(path)
	} else {
		calculated, err = CalculateDigest(path)
	}

	if err != nil {
		return err
	}

	if calculated != expected {
		return fmt.Errorf("blob digest mismatch for %s: %w", expected, types.ErrValidation)
	}

	return nil
}

// hashDir computes a deterministic digest over the directory tree: sorted
// relative paths, entry types and regular file contents.
func hashDir(root string) (digest.Digest, error) {
	var files []string

	err := filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		files = append(files, path)

		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk %s: %w", root, err)
	}

	sort.Strings(files)

	hasher := sha256.New()

	for _, path := range files {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return "", fmt.Errorf("relative path: %w", err)
		}

		info, err := os.Lstat(path)
		if err != nil {
			return "", fmt.Errorf("lstat %s: %w", path, err)
		}

		fmt.Fprintf(hasher, "%s\x00%o\x00", rel, info.Mode())

		if info.Mode().IsRegular() {
			file, err := os.Open(path)
			if err != nil {
				return "", fmt.Errorf("open %s: %w", path, err)
			}

			if _, err := io.Copy(hasher, file); err != nil {
				file.Close()

				return "", fmt.Errorf("hash %s: %w", path, err)
			}

			file.Close()
		}
	}

	return digest.NewDigestFromEncoded(digest.SHA256, hex.EncodeToString(hasher.Sum(nil))), nil
}

func loadManifest(path string) (*ocispec.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image manifest: %w", err)
	}

	manifest := &ocispec.Manifest{}

	if err := json.Unmarshal(data, manifest); err != nil {
		return nil, fmt.Errorf("parse image manifest: %w", types.ErrValidation)
	}

	return manifest, nil
}

func saveManifest(path string, manifest *ocispec.Manifest) error {
	data, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal image manifest: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write image manifest: %w", err)
	}

	return nil
}

func blobPath(basePath string, d digest.Digest) string {
	return filepath.Join(basePath, blobsDir, string(d.Algorithm()), d.Encoded())
}

func fileSHA256(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	hasher := sha256.New()

	if _, err := io.Copy(hasher, file); err != nil {
		return nil, fmt.Errorf("hash %s: %w", path, err)
	}

	return hasher.Sum(nil), nil
}

func dirSize(root string) (uint64, error) {
	var size uint64

	err := filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if entry.Type().IsRegular() {
			info, err := entry.Info()
			if err != nil {
				return err
			}

			size += uint64(info.Size())
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measure %s: %w", root, err)
	}

	return size, nil
}

func changeOwner(root string, uid, gid int) error {
	return filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		return os.Lchown(path, uid, gid)
	})
}

func mkTmpDir(base string) (string, error) {
	dir := filepath.Join(base, "tmp-"+uuid.NewString())

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	return dir, nil
}
