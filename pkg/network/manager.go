// Package network provides per-instance virtual networking: a named network
// namespace joined by the instance, a veth pair bridged to the node bridge,
// per-instance firewall chains and traffic accounting.
//
// The manager is created once at startup and passed as a dependency to the
// launcher.
package network

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"sync"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	"github.com/openfleet/servicemanager/pkg/types"
)

const (
	// BridgeName is the node bridge every instance veth attaches to.
	BridgeName = "aos-br0"
	// BridgeIP is the gateway address instances route through.
	BridgeIP = "172.19.0.1"
	// BridgeCIDR is the instance subnet.
	BridgeCIDR = "172.19.0.0/16"

	netnsRunDir = "/run/netns"

	vethHostPrefix  = "aos-h-"
	vethGuestPrefix = "aos-g-"
	maxIfaceNameLen = 15
)

type instanceNetwork struct {
	networkID string
	hostVeth  string
	ip        string
}

// Manager coordinates instance network namespaces.
type Manager struct {
	mu        sync.Mutex
	instances map[string]instanceNetwork
	firewall  *Firewall
	traffic   *TrafficMonitor
	logger    *slog.Logger
}

// NewManager creates the network manager and ensures the node bridge and
// NAT rules exist.
func NewManager(firewall *Firewall, traffic *TrafficMonitor) (*Manager, error) {
	if err := ensureBridge(); err != nil {
		return nil, err
	}

	if err := firewall.EnsureNAT(); err != nil {
		return nil, err
	}

	return &Manager{
		instances: make(map[string]instanceNetwork),
		firewall:  firewall,
		traffic:   traffic,
		logger:    slog.Default().With("component", "network"),
	}, nil
}

// AddInstanceToNetwork creates the instance namespace, wires it to the node
// bridge and programs its firewall rules. Returns the namespace path the
// runtime spec joins.
func (m *Manager) AddInstanceToNetwork(ctx context.Context, instanceID string, params types.NetworkParams) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.instances[instanceID]; ok {
		return m.namespacePath(instanceID), nil
	}

	m.logger.InfoContext(ctx, "adding instance to network",
		"instanceID", instanceID, "networkID", params.NetworkID, "ip", params.IP)

	nsName := namespaceName(instanceID)

	handle, err := netns.NewNamed(nsName)
	if err != nil {
		return "", fmt.Errorf("create namespace: %w", err)
	}

	handle.Close()

	// NewNamed switches the calling thread into the new namespace.
	if err := m.returnToHostNamespace(); err != nil {
		_ = netns.DeleteNamed(nsName)

		return "", err
	}

	hostVeth, err := m.wireNamespace(nsName, params)
	if err != nil {
		_ = netns.DeleteNamed(nsName)

		return "", err
	}

	if err := m.firewall.SetupInstanceRules(instanceID, params); err != nil {
		_ = netlinkDeleteByName(hostVeth)
		_ = netns.DeleteNamed(nsName)

		return "", err
	}

	if m.traffic != nil {
		if err := m.traffic.StartInstanceMonitoring(instanceID, params.IP, params.DownloadLimit, params.UploadLimit); err != nil {
			m.logger.WarnContext(ctx, "traffic monitoring unavailable", "instanceID", instanceID, "error", err)
		}
	}

	m.instances[instanceID] = instanceNetwork{
		networkID: params.NetworkID,
		hostVeth:  hostVeth,
		ip:        params.IP,
	}

	return m.namespacePath(instanceID), nil
}

// RemoveInstanceFromNetwork tears down the namespace, veth and firewall
// state of an instance. Unknown instances are ignored.
func (m *Manager) RemoveInstanceFromNetwork(instanceID, networkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	instance, ok := m.instances[instanceID]
	if !ok {
		return nil
	}

	m.logger.Info("removing instance from network", "instanceID", instanceID, "networkID", networkID)

	var firstErr error

	if m.traffic != nil {
		m.traffic.StopInstanceMonitoring(instanceID)
	}

	if err := m.firewall.RemoveInstanceRules(instanceID); err != nil {
		firstErr = err
	}

	if err := netlinkDeleteByName(instance.hostVeth); err != nil && firstErr == nil {
		firstErr = err
	}

	if err := netns.DeleteNamed(namespaceName(instanceID)); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("delete namespace: %w", err)
	}

	delete(m.instances, instanceID)

	return firstErr
}

// wireNamespace creates the veth pair, attaches the host end to the bridge
// and configures the guest end inside the namespace.
func (m *Manager) wireNamespace(nsName string, params types.NetworkParams) (string, error) {
	hostName := ifaceName(vethHostPrefix, nsName)
	guestName := ifaceName(vethGuestPrefix, nsName)

	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: hostName},
		PeerName:  guestName,
	}

	if err := netlink.LinkAdd(veth); err != nil {
		return "", fmt.Errorf("create veth pair: %w", err)
	}

	bridge, err := netlink.LinkByName(BridgeName)
	if err != nil {
		_ = netlinkDeleteByName(hostName)

		return "", fmt.Errorf("bridge not found: %w", err)
	}

	if err := netlink.LinkSetMaster(veth, bridge); err != nil {
		_ = netlinkDeleteByName(hostName)

		return "", fmt.Errorf("attach veth to bridge: %w", err)
	}

	if err := netlink.LinkSetUp(veth); err != nil {
		_ = netlinkDeleteByName(hostName)

		return "", fmt.Errorf("bring host veth up: %w", err)
	}

	guest, err := netlink.LinkByName(guestName)
	if err != nil {
		_ = netlinkDeleteByName(hostName)

		return "", fmt.Errorf("guest veth not found: %w", err)
	}

	nsHandle, err := netns.GetFromName(nsName)
	if err != nil {
		_ = netlinkDeleteByName(hostName)

		return "", fmt.Errorf("open namespace: %w", err)
	}
	defer nsHandle.Close()

	if err := netlink.LinkSetNsFd(guest, int(nsHandle)); err != nil {
		_ = netlinkDeleteByName(hostName)

		return "", fmt.Errorf("move veth to namespace: %w", err)
	}

	if err := m.configureGuest(nsHandle, guestName, params); err != nil {
		_ = netlinkDeleteByName(hostName)

		return "", err
	}

	return hostName, nil
}

// configureGuest assigns the instance address and default route inside the
// namespace.
func (m *Manager) configureGuest(nsHandle netns.NsHandle, guestName string, params types.NetworkParams) error {
	nlHandle, err := netlink.NewHandleAt(nsHandle)
	if err != nil {
		return fmt.Errorf("open namespace handle: %w", err)
	}
	defer nlHandle.Close()

	guest, err := nlHandle.LinkByName(guestName)
	if err != nil {
		return fmt.Errorf("guest veth not found in namespace: %w", err)
	}

	subnet := params.Subnet
	if subnet == "" {
		subnet = BridgeCIDR
	}

	_, ipNet, err := net.ParseCIDR(subnet)
	if err != nil {
		return fmt.Errorf("parse subnet %q: %w", subnet, types.ErrInvalidArgument)
	}

	ip := net.ParseIP(params.IP)
	if ip == nil {
		return fmt.Errorf("parse instance IP %q: %w", params.IP, types.ErrInvalidArgument)
	}

	addr := &netlink.Addr{IPNet: &net.IPNet{IP: ip, Mask: ipNet.Mask}}

	if err := nlHandle.AddrReplace(guest, addr); err != nil {
		return fmt.Errorf("assign instance address: %w", err)
	}

	if err := nlHandle.LinkSetUp(guest); err != nil {
		return fmt.Errorf("bring guest veth up: %w", err)
	}

	if loopback, err := nlHandle.LinkByName("lo"); err == nil {
		_ = nlHandle.LinkSetUp(loopback)
	}

	route := &netlink.Route{
		LinkIndex: guest.Attrs().Index,
		Gw:        net.ParseIP(BridgeIP),
	}

	if err := nlHandle.RouteReplace(route); err != nil {
		return fmt.Errorf("set default route: %w", err)
	}

	return nil
}

func (m *Manager) returnToHostNamespace() error {
	host, err := netns.Get()
	if err == nil {
		host.Close()
	}

	// netns.NewNamed left the thread in the fresh namespace; move back to
	// the process namespace via the init thread's handle.
	origin, err := netns.GetFromPid(1)
	if err != nil {
		return fmt.Errorf("open host namespace: %w", err)
	}
	defer origin.Close()

	if err := netns.Set(origin); err != nil {
		return fmt.Errorf("restore host namespace: %w", err)
	}

	return nil
}

func (m *Manager) namespacePath(instanceID string) string {
	return filepath.Join(netnsRunDir, namespaceName(instanceID))
}

func namespaceName(instanceID string) string {
	return "aos-" + instanceID
}

// ifaceName renders a kernel-safe, collision-free interface name from the
// namespace name; instance IDs are longer than the kernel's 15-char limit.
func ifaceName(prefix, nsName string) string {
	sum := sha256.Sum256([]byte(nsName))

	return prefix + hex.EncodeToString(sum[:])[:maxIfaceNameLen-len(prefix)]
}

func netlinkDeleteByName(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil
	}

	return netlink.LinkDel(link)
}

func ensureBridge() error {
	link, err := netlink.LinkByName(BridgeName)
	if err != nil {
		bridge := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: BridgeName}}

		if err := netlink.LinkAdd(bridge); err != nil {
			return fmt.Errorf("create bridge: %w", err)
		}

		link = bridge
	}

	addr, err := netlink.ParseAddr(BridgeIP + "/16")
	if err != nil {
		return fmt.Errorf("parse bridge address: %w", err)
	}

	if err := netlink.AddrReplace(link, addr); err != nil {
		return fmt.Errorf("assign bridge address: %w", err)
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring bridge up: %w", err)
	}

	return nil
}
