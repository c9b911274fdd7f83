package runtime

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfleet/servicemanager/pkg/types"
)

type fakeMounter struct {
	mounts   []string
	unmounts []string
	data     []string
}

func (m *fakeMounter) Mount(source, target, fsType string, flags uintptr, data string) error {
	m.mounts = append(m.mounts, target)
	m.data = append(m.data, data)

	return nil
}

func (m *fakeMounter) Unmount(target string) error {
	m.unmounts = append(m.unmounts, target)

	return nil
}

// testHostRoot builds a fake host root so whiteout logic runs without
// touching the real filesystem root.
func testHostRoot(t *testing.T, entries ...string) string {
	t.Helper()

	root := t.TempDir()

	for _, entry := range entries {
		require.NoError(t, os.MkdirAll(filepath.Join(root, entry), 0o755))
	}

	return root
}

func testBundleConfig(t *testing.T, hostRoot string) BundleConfig {
	t.Helper()

	dir := t.TempDir()

	imageConfig := filepath.Join(dir, "config.blob")
	require.NoError(t, os.WriteFile(imageConfig,
		[]byte(`{"config":{"Entrypoint":["/bin/app"],"Cmd":["--serve"],"Env":["MODE=prod"],"WorkingDir":"/srv"}}`), 0o644))

	return BundleConfig{
		Instance: types.InstanceInfo{
			InstanceIdent: types.InstanceIdent{ServiceID: "svc", SubjectID: "sub", Instance: 0},
			UID:           5000,
			StatePath:     filepath.Join(dir, "state"),
			StoragePath:   filepath.Join(dir, "storage"),
			NetworkParams: types.NetworkParams{
				IP:         "172.19.0.7",
				DNSServers: []string{"172.19.0.1"},
				Hosts:      []types.Host{{IP: "10.0.0.9", Hostname: "peer"}},
			},
		},
		ServiceGID:           1000,
		ImageConfigPath:      imageConfig,
		ServiceFSPath:        filepath.Join(dir, "rootfs-blob"),
		LayerPaths:           []string{filepath.Join(dir, "layer1")},
		NetworkNamespacePath: "/run/netns/aos-svc.sub.0",
		Hostname:             "svc-host",
		Hosts:                []types.Host{{IP: "10.0.0.1", Hostname: "cm"}},
	}
}

func newTestRuntime(t *testing.T, mounter Mounter, hostRoot string) *Runtime {
	t.Helper()

	r := New(mounter)
	r.hostRoot = hostRoot

	return r
}

func TestPrepareBundleWritesEtcFiles(t *testing.T) {
	hostRoot := testHostRoot(t, "bin", "lib")
	mounter := &fakeMounter{}

	r := newTestRuntime(t, mounter, hostRoot)

	bundleDir := t.TempDir()
	cfg := testBundleConfig(t, hostRoot)
	cfg.HostBinds = []string{"bin", "lib"}

	require.NoError(t, r.PrepareBundle(context.Background(), bundleDir, cfg))

	hosts, err := os.ReadFile(filepath.Join(bundleDir, "etc", "hosts"))
	require.NoError(t, err)
	assert.Contains(t, string(hosts), "127.0.0.1\tlocalhost")
	assert.Contains(t, string(hosts), "172.19.0.7\tsvc-host")
	assert.Contains(t, string(hosts), "10.0.0.1\tcm")
	assert.Contains(t, string(hosts), "10.0.0.9\tpeer")

	hostname, err := os.ReadFile(filepath.Join(bundleDir, "etc", "hostname"))
	require.NoError(t, err)
	assert.Equal(t, "svc-host\n", string(hostname))

	resolv, err := os.ReadFile(filepath.Join(bundleDir, "etc", "resolv.conf"))
	require.NoError(t, err)
	assert.Contains(t, string(resolv), "nameserver 172.19.0.1")
}

func TestPrepareBundleMountsOverlay(t *testing.T) {
	hostRoot := testHostRoot(t, "bin")
	mounter := &fakeMounter{}

	r := newTestRuntime(t, mounter, hostRoot)

	bundleDir := t.TempDir()
	cfg := testBundleConfig(t, hostRoot)
	cfg.HostBinds = []string{"bin"}

	require.NoError(t, r.PrepareBundle(context.Background(), bundleDir, cfg))

	require.Len(t, mounter.mounts, 1)
	assert.Equal(t, filepath.Join(bundleDir, "rootfs"), mounter.mounts[0])

	// Lower dirs: whiteouts, layers in manifest order, service rootfs, host.
	data := mounter.data[0]
	assert.Contains(t, data, "lowerdir="+filepath.Join(bundleDir, "whiteouts"))
	assert.Contains(t, data, cfg.LayerPaths[0]+":"+cfg.ServiceFSPath+":"+hostRoot)
	assert.Contains(t, data, "upperdir="+filepath.Join(cfg.Instance.StatePath, "upperdir"))
	assert.Contains(t, data, "workdir="+filepath.Join(cfg.Instance.StatePath, "workdir"))
}

func TestPrepareBundleWritesRuntimeSpec(t *testing.T) {
	hostRoot := testHostRoot(t, "bin")
	mounter := &fakeMounter{}

	r := newTestRuntime(t, mounter, hostRoot)

	bundleDir := t.TempDir()
	cfg := testBundleConfig(t, hostRoot)
	cfg.HostBinds = []string{"bin"}

	require.NoError(t, r.PrepareBundle(context.Background(), bundleDir, cfg))

	data, err := os.ReadFile(filepath.Join(bundleDir, "config.json"))
	require.NoError(t, err)

	var spec specs.Spec
	require.NoError(t, json.Unmarshal(data, &spec))

	assert.Equal(t, []string{"/bin/app", "--serve"}, spec.Process.Args)
	assert.Equal(t, []string{"MODE=prod"}, spec.Process.Env)
	assert.Equal(t, "/srv", spec.Process.Cwd)
	assert.Equal(t, uint32(5000), spec.Process.User.UID)
	assert.Equal(t, "rootfs", spec.Root.Path)

	assert.Equal(t, "svc", spec.Annotations["aos.serviceId"])
	assert.Equal(t, "sub", spec.Annotations["aos.subjectId"])
	assert.Equal(t, "0", spec.Annotations["aos.instance"])

	require.NotNil(t, spec.Linux)

	var networkNS *specs.LinuxNamespace

	for i, ns := range spec.Linux.Namespaces {
		if ns.Type == specs.NetworkNamespace {
			networkNS = &spec.Linux.Namespaces[i]
		}
	}

	require.NotNil(t, networkNS)
	assert.Equal(t, cfg.NetworkNamespacePath, networkNS.Path)

	require.Len(t, spec.Linux.UIDMappings, 1)
	assert.Equal(t, uint32(5000), spec.Linux.UIDMappings[0].HostID)

	var etcMounts []string

	for _, mount := range spec.Mounts {
		if strings.HasPrefix(mount.Destination, "/etc/") {
			etcMounts = append(etcMounts, mount.Destination)
		}
	}

	assert.ElementsMatch(t, []string{"/etc/hosts", "/etc/hostname", "/etc/resolv.conf"}, etcMounts)
}

func TestPrepareBundleIdempotent(t *testing.T) {
	hostRoot := testHostRoot(t, "bin")
	mounter := &fakeMounter{}

	r := newTestRuntime(t, mounter, hostRoot)

	bundleDir := t.TempDir()
	cfg := testBundleConfig(t, hostRoot)
	cfg.HostBinds = []string{"bin"}

	require.NoError(t, r.PrepareBundle(context.Background(), bundleDir, cfg))
	require.NoError(t, r.PrepareBundle(context.Background(), bundleDir, cfg))
}

func TestReleaseBundle(t *testing.T) {
	hostRoot := testHostRoot(t, "bin")
	mounter := &fakeMounter{}

	r := newTestRuntime(t, mounter, hostRoot)

	bundleDir := t.TempDir()
	cfg := testBundleConfig(t, hostRoot)
	cfg.HostBinds = []string{"bin"}

	require.NoError(t, r.PrepareBundle(context.Background(), bundleDir, cfg))
	require.NoError(t, r.ReleaseBundle(bundleDir))

	assert.Contains(t, mounter.unmounts, filepath.Join(bundleDir, "rootfs"))

	_, err := os.Stat(bundleDir)
	assert.True(t, os.IsNotExist(err))
}

func TestPopulateHostDevices(t *testing.T) {
	r := newTestRuntime(t, &fakeMounter{}, "/")

	devices, err := r.PopulateHostDevices("/dev/null")
	require.NoError(t, err)
	require.Len(t, devices, 1)

	assert.Equal(t, "/dev/null", devices[0].Path)
	assert.Equal(t, "c", devices[0].Type)
	assert.Equal(t, int64(1), devices[0].Major)
	assert.Equal(t, int64(3), devices[0].Minor)
}

func TestPopulateHostDevicesMissing(t *testing.T) {
	r := newTestRuntime(t, &fakeMounter{}, "/")

	_, err := r.PopulateHostDevices(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}

func TestPrepareServiceStorage(t *testing.T) {
	r := newTestRuntime(t, &fakeMounter{}, "/")

	path := filepath.Join(t.TempDir(), "storage")

	require.NoError(t, r.PrepareServiceStorage(path, uint32(os.Getuid()), uint32(os.Getgid())))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestPrepareServiceState(t *testing.T) {
	r := newTestRuntime(t, &fakeMounter{}, "/")

	path := filepath.Join(t.TempDir(), "states", "svc.sub.0", "state.dat")

	require.NoError(t, r.PrepareServiceState(path, uint32(os.Getuid()), uint32(os.Getgid())))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.False(t, info.IsDir())
}
