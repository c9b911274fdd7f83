// Package runtime assembles per-instance OCI bundles: the overlay rootfs,
// host filesystem whiteouts, generated /etc files, device list and the
// runtime spec config.json the host supervisor hands to the OCI runtime.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"

	"github.com/openfleet/servicemanager/pkg/types"
)

const (
	rootFSDir    = "rootfs"
	whiteoutsDir = "whiteouts"
	mountsDir    = "mounts"
	etcDir       = "etc"
	configFile   = "config.json"

	upperDirName = "upperdir"
	workDirName  = "workdir"
)

// Mounter mounts and unmounts filesystems. Production uses the kernel;
// tests fake it.
type Mounter interface {
	Mount(source, target, fsType string, flags uintptr, data string) error
	Unmount(target string) error
}

// HostMounter is the kernel-backed Mounter.
type HostMounter struct{}

func (HostMounter) Mount(source, target, fsType string, flags uintptr, data string) error {
	if err := unix.Mount(source, target, fsType, flags, data); err != nil {
		return fmt.Errorf("mount %s: %w", target, err)
	}

	return nil
}

func (HostMounter) Unmount(target string) error {
	if err := unix.Unmount(target, 0); err != nil {
		return fmt.Errorf("unmount %s: %w", target, err)
	}

	return nil
}

// Runtime builds instance bundles.
type Runtime struct {
	hostRoot string // "/" in production, a scratch dir in tests
	mounter  Mounter
	logger   *slog.Logger
}

// New creates a bundle builder.
func New(mounter Mounter) *Runtime {
	return &Runtime{
		hostRoot: "/",
		mounter:  mounter,
		logger:   slog.Default().With("component", "runtime"),
	}
}

// BundleConfig carries everything one instance bundle needs.
type BundleConfig struct {
	Instance             types.InstanceInfo
	ServiceGID           uint32
	ImageConfigPath      string
	ServiceFSPath        string
	LayerPaths           []string // resolved overlay layers, manifest order
	NetworkNamespacePath string
	Hostname             string
	Hosts                []types.Host
	DNSServers           []string
	HostBinds            []string
	HostDevices          []string
	Resources            *specs.LinuxResources
}

// PrepareBundle builds (or refreshes) the bundle under runtimeDir. All steps
// are idempotent so a crashed start can be retried.
func (r *Runtime) PrepareBundle(ctx context.Context, runtimeDir string, cfg BundleConfig) error {
	r.logger.DebugContext(ctx, "preparing bundle", "dir", runtimeDir, "serviceID", cfg.Instance.ServiceID)

	for _, dir := range []string{rootFSDir, whiteoutsDir, etcDir} {
		if err := os.MkdirAll(filepath.Join(runtimeDir, dir), 0o755); err != nil {
			return fmt.Errorf("create bundle dir: %w", err)
		}
	}

	if err := r.CreateHostFSWhiteouts(filepath.Join(runtimeDir, whiteoutsDir), cfg.HostBinds); err != nil {
		return err
	}

	if err := r.writeEtcFiles(runtimeDir, cfg); err != nil {
		return err
	}

	if err := r.mountRootFS(runtimeDir, cfg); err != nil {
		return err
	}

	devices, err := r.collectDevices(cfg.HostDevices)
	if err != nil {
		return err
	}

	spec, err := r.buildSpec(runtimeDir, cfg, devices)
	if err != nil {
		return err
	}

	return writeSpec(filepath.Join(runtimeDir, configFile), spec)
}

// ReleaseBundle unmounts the instance rootfs and removes the bundle
// directory. Safe to call for a bundle that was never fully prepared.
func (r *Runtime) ReleaseBundle(runtimeDir string) error {
	rootfs := filepath.Join(runtimeDir, rootFSDir)

	if _, err := os.Stat(rootfs); err == nil {
		if err := r.mounter.Unmount(rootfs); err != nil {
			r.logger.Warn("rootfs unmount failed", "dir", rootfs, "error", err)
		}
	}

	if err := os.RemoveAll(runtimeDir); err != nil {
		return fmt.Errorf("remove bundle: %w", err)
	}

	return nil
}

// CreateHostFSWhiteouts creates a character-device whiteout for every
// top-level host entry that is not bound into the instance, so the host
// overlay hides it. Existing correct whiteouts are kept.
func (r *Runtime) CreateHostFSWhiteouts(whiteoutsPath string, hostBinds []string) error {
	bound := make(map[string]struct{}, len(hostBinds))
	for _, bind := range hostBinds {
		bound[strings.TrimPrefix(filepath.Clean(bind), "/")] = struct{}{}
	}

	entries, err := os.ReadDir(r.hostRoot)
	if err != nil {
		return fmt.Errorf("read host root: %w", err)
	}

	for _, entry := range entries {
		if _, ok := bound[entry.Name()]; ok {
			continue
		}

		whiteout := filepath.Join(whiteoutsPath, entry.Name())

		if info, err := os.Stat(whiteout); err == nil {
			if info.Mode()&os.ModeCharDevice != 0 && info.Mode().Perm() == 0 {
				continue
			}

			if err := os.Remove(whiteout); err != nil {
				return fmt.Errorf("replace stale whiteout: %w", err)
			}
		}

		if err := unix.Mknod(whiteout, unix.S_IFCHR, 0); err != nil {
			return fmt.Errorf("create whiteout %s: %w", whiteout, err)
		}
	}

	return nil
}

// PopulateHostDevices resolves a host device path (following symlinks,
// recursing into directories) into OCI device entries.
func (r *Runtime) PopulateHostDevices(devicePath string) ([]specs.LinuxDevice, error) {
	resolved, err := filepath.EvalSymlinks(devicePath)
	if err != nil {
		return nil, fmt.Errorf("resolve device %s: %w", devicePath, err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("stat device %s: %w", resolved, err)
	}

	if info.IsDir() {
		entries, err := os.ReadDir(resolved)
		if err != nil {
			return nil, fmt.Errorf("read device dir %s: %w", resolved, err)
		}

		var devices []specs.LinuxDevice

		for _, entry := range entries {
			children, err := r.PopulateHostDevices(filepath.Join(resolved, entry.Name()))
			if err != nil {
				return nil, err
			}

			devices = append(devices, children...)
		}

		return devices, nil
	}

	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil, fmt.Errorf("device %s: %w", resolved, types.ErrFailed)
	}

	var deviceType string

	switch info.Mode() & os.ModeType {
	case os.ModeDevice | os.ModeCharDevice:
		deviceType = "c"
	case os.ModeDevice:
		deviceType = "b"
	default:
		// Not a device node; nothing to declare.
		return nil, nil
	}

	mode := os.FileMode(stat.Mode & 0o7777)
	uid := stat.Uid
	gid := stat.Gid

	return []specs.LinuxDevice{{
		Path:     resolved,
		Type:     deviceType,
		Major:    int64(unix.Major(uint64(stat.Rdev))),
		Minor:    int64(unix.Minor(uint64(stat.Rdev))),
		FileMode: &mode,
		UID:      &uid,
		GID:      &gid,
	}}, nil
}

// PrepareServiceStorage creates the instance persistent storage directory
// owned by the instance user.
func (r *Runtime) PrepareServiceStorage(path string, uid, gid uint32) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}

	if err := os.Chown(path, int(uid), int(gid)); err != nil {
		return fmt.Errorf("chown storage dir: %w", err)
	}

	return nil
}

// PrepareServiceState creates the instance state file owned by the instance
// user.
func (r *Runtime) PrepareServiceState(path string, uid, gid uint32) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("create state file: %w", err)
	}

	file.Close()

	if err := os.Chown(path, int(uid), int(gid)); err != nil {
		return fmt.Errorf("chown state file: %w", err)
	}

	return nil
}

// mountRootFS assembles the instance rootfs as an overlay: the service
// rootfs and its layers below, whiteouts hiding unbound host paths, and the
// writable upper/work dirs under the instance state path.
func (r *Runtime) mountRootFS(runtimeDir string, cfg BundleConfig) error {
	rootfs := filepath.Join(runtimeDir, rootFSDir)

	// Remount fresh if a previous bundle left the overlay in place.
	_ = r.mounter.Unmount(rootfs)

	lowerDirs := []string{filepath.Join(runtimeDir, whiteoutsDir)}
	lowerDirs = append(lowerDirs, cfg.LayerPaths...)
	lowerDirs = append(lowerDirs, cfg.ServiceFSPath, r.hostRoot)

	upperDir := filepath.Join(cfg.Instance.StatePath, upperDirName)
	workDir := filepath.Join(cfg.Instance.StatePath, workDirName)

	for _, dir := range []string{upperDir, workDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create overlay dir: %w", err)
		}
	}

	data := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s",
		strings.Join(lowerDirs, ":"), upperDir, workDir)

	return r.mounter.Mount("overlay", rootfs, "overlay", 0, data)
}

// writeEtcFiles generates /etc/hosts, /etc/hostname and /etc/resolv.conf
// from the resolved network parameters and the configured host list.
func (r *Runtime) writeEtcFiles(runtimeDir string, cfg BundleConfig) error {
	etcPath := filepath.Join(runtimeDir, etcDir)

	hostname := cfg.Hostname
	if hostname == "" {
		hostname = instanceID(cfg.Instance.InstanceIdent)
	}

	var hosts strings.Builder

	hosts.WriteString("127.0.0.1\tlocalhost\n")
	fmt.Fprintf(&hosts, "%s\t%s\n", cfg.Instance.NetworkParams.IP, hostname)

	for _, host := range cfg.Hosts {
		fmt.Fprintf(&hosts, "%s\t%s\n", host.IP, host.Hostname)
	}

	for _, host := range cfg.Instance.NetworkParams.Hosts {
		fmt.Fprintf(&hosts, "%s\t%s\n", host.IP, host.Hostname)
	}

	if err := os.WriteFile(filepath.Join(etcPath, "hosts"), []byte(hosts.String()), 0o644); err != nil {
		return fmt.Errorf("write hosts: %w", err)
	}

	if err := os.WriteFile(filepath.Join(etcPath, "hostname"), []byte(hostname+"\n"), 0o644); err != nil {
		return fmt.Errorf("write hostname: %w", err)
	}

	var resolv strings.Builder

	for _, server := range cfg.DNSServers {
		fmt.Fprintf(&resolv, "nameserver %s\n", server)
	}

	for _, server := range cfg.Instance.NetworkParams.DNSServers {
		fmt.Fprintf(&resolv, "nameserver %s\n", server)
	}

	if err := os.WriteFile(filepath.Join(etcPath, "resolv.conf"), []byte(resolv.String()), 0o644); err != nil {
		return fmt.Errorf("write resolv.conf: %w", err)
	}

	return nil
}

// buildSpec emits the OCI runtime spec for the instance.
func (r *Runtime) buildSpec(runtimeDir string, cfg BundleConfig, devices []specs.LinuxDevice) (*specs.Spec, error) {
	process, err := processFromImageConfig(cfg.ImageConfigPath)
	if err != nil {
		return nil, err
	}

	process.User = specs.User{UID: cfg.Instance.UID, GID: cfg.ServiceGID}

	namespaces := []specs.LinuxNamespace{
		{Type: specs.PIDNamespace},
		{Type: specs.MountNamespace},
		{Type: specs.IPCNamespace},
		{Type: specs.UTSNamespace},
		{Type: specs.UserNamespace},
	}

	if cfg.NetworkNamespacePath != "" {
		namespaces = append(namespaces, specs.LinuxNamespace{
			Type: specs.NetworkNamespace,
			Path: cfg.NetworkNamespacePath,
		})
	}

	etcPath := filepath.Join(runtimeDir, etcDir)

	mounts := []specs.Mount{
		{Destination: "/proc", Type: "proc", Source: "proc"},
		{Destination: "/sys", Type: "sysfs", Source: "sysfs", Options: []string{"nosuid", "noexec", "nodev", "ro"}},
		{Destination: "/dev", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "strictatime", "mode=755", "size=65536k"}},
		{Destination: "/dev/pts", Type: "devpts", Source: "devpts", Options: []string{"nosuid", "noexec", "newinstance", "ptmxmode=0666", "mode=0620"}},
		{Destination: "/dev/shm", Type: "tmpfs", Source: "shm", Options: []string{"nosuid", "noexec", "nodev", "mode=1777", "size=65536k"}},
		{Destination: "/etc/hosts", Type: "bind", Source: filepath.Join(etcPath, "hosts"), Options: []string{"bind", "ro"}},
		{Destination: "/etc/hostname", Type: "bind", Source: filepath.Join(etcPath, "hostname"), Options: []string{"bind", "ro"}},
		{Destination: "/etc/resolv.conf", Type: "bind", Source: filepath.Join(etcPath, "resolv.conf"), Options: []string{"bind", "ro"}},
	}

	if cfg.Instance.StoragePath != "" {
		mounts = append(mounts, specs.Mount{
			Destination: "/storage", Type: "bind", Source: cfg.Instance.StoragePath,
			Options: []string{"bind", "rw"},
		})
	}

	spec := &specs.Spec{
		Version:  specs.Version,
		Process:  process,
		Hostname: cfg.Hostname,
		Root:     &specs.Root{Path: rootFSDir},
		Mounts:   mounts,
		Annotations: map[string]string{
			"aos.serviceId": cfg.Instance.ServiceID,
			"aos.subjectId": cfg.Instance.SubjectID,
			"aos.instance":  fmt.Sprintf("%d", cfg.Instance.Instance),
		},
		Linux: &specs.Linux{
			Namespaces: namespaces,
			Devices:    devices,
			Resources:  cfg.Resources,
			UIDMappings: []specs.LinuxIDMapping{
				{ContainerID: 0, HostID: cfg.Instance.UID, Size: 1},
			},
			GIDMappings: []specs.LinuxIDMapping{
				{ContainerID: 0, HostID: cfg.ServiceGID, Size: 1},
			},
		},
	}

	return spec, nil
}

func (r *Runtime) collectDevices(paths []string) ([]specs.LinuxDevice, error) {
	var devices []specs.LinuxDevice

	for _, path := range paths {
		found, err := r.PopulateHostDevices(path)
		if err != nil {
			return nil, err
		}

		devices = append(devices, found...)
	}

	return devices, nil
}

// imageConfig is the subset of the OCI image config the bundle consumes.
type imageConfig struct {
	Config struct {
		Entrypoint []string `json:"Entrypoint"`
		Cmd        []string `json:"Cmd"`
		Env        []string `json:"Env"`
		WorkingDir string   `json:"WorkingDir"`
	} `json:"config"`
}

func processFromImageConfig(path string) (*specs.Process, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image config: %w", err)
	}

	var cfg imageConfig

	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse image config: %w", types.ErrValidation)
	}

	args := append(append([]string{}, cfg.Config.Entrypoint...), cfg.Config.Cmd...)
	if len(args) == 0 {
		return nil, fmt.Errorf("image config has no entrypoint: %w", types.ErrValidation)
	}

	cwd := cfg.Config.WorkingDir
	if cwd == "" {
		cwd = "/"
	}

	return &specs.Process{
		Args: args,
		Env:  cfg.Config.Env,
		Cwd:  cwd,
	}, nil
}

func writeSpec(path string, spec *specs.Spec) error {
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal runtime spec: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write runtime spec: %w", err)
	}

	return nil
}

func instanceID(ident types.InstanceIdent) string {
	return fmt.Sprintf("%s.%s.%d", ident.ServiceID, ident.SubjectID, ident.Instance)
}
