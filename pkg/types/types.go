// Package types holds the domain model shared by the service manager
// components: instance identities, service and layer metadata, run status
// and the alert variants reported to the communication manager.
package types

import (
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"
)

// ArtifactState is the lifecycle state of an installed service or layer.
type ArtifactState int

const (
	// StateActive marks an artifact referenced by at least one desired instance.
	StateActive ArtifactState = iota
	// StateCached marks an installed artifact nothing references; eligible for TTL eviction.
	StateCached
)

func (s ArtifactState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCached:
		return "cached"
	default:
		return "unknown"
	}
}

// InstanceIdent uniquely identifies a running occurrence of a service on this node.
type InstanceIdent struct {
	ServiceID string
	SubjectID string
	Instance  int64
}

// ID renders the identity triple as the opaque instance ID used in unit
// names and status reports.
func (i InstanceIdent) ID() string {
	return fmt.Sprintf("%s.%s.%d", i.ServiceID, i.SubjectID, i.Instance)
}

// InstanceInfo is the desired description of one instance, supplied by the
// communication manager. Immutable per run.
type InstanceInfo struct {
	InstanceIdent
	UID           uint32
	Priority      uint64
	StoragePath   string
	StatePath     string
	NetworkParams NetworkParams
}

// NetworkParams describe the virtual network an instance joins.
type NetworkParams struct {
	NetworkID     string
	Subnet        string
	IP            string
	VlanID        uint64
	DNSServers    []string
	FirewallRules []FirewallRule
	Hosts         []Host
	DownloadLimit uint64
	UploadLimit   uint64
}

// FirewallRule is one allow rule programmed for an instance.
type FirewallRule struct {
	DstIP   string
	DstPort string
	Proto   string
	SrcIP   string
}

// Host is an extra /etc/hosts entry.
type Host struct {
	IP       string
	Hostname string
}

// ServiceInfo describes a service version the CM wants present on the node.
type ServiceInfo struct {
	ServiceID  string
	ProviderID string
	Version    string
	GID        uint32
	URL        string
	SHA256     []byte
	Size       uint64
}

// ServiceData is the catalog row of an installed service version.
// Key: (ServiceID, Version). At most one row per ServiceID is Active.
type ServiceData struct {
	ServiceID      string
	ProviderID     string
	Version        string
	GID            uint32
	URL            string
	SHA256         []byte
	Size           uint64
	ImagePath      string
	ManifestDigest digest.Digest
	Timestamp      time.Time
	State          ArtifactState
}

// LayerInfo describes an overlay layer the CM wants present on the node.
type LayerInfo struct {
	LayerID string
	Digest  digest.Digest
	Version string
	URL     string
	SHA256  []byte
	Size    uint64
}

// LayerData is the catalog row of an installed layer, keyed by content digest.
// Layers are immutable once installed; re-installing the same digest is a no-op.
type LayerData struct {
	LayerID   string
	Digest    digest.Digest
	Version   string
	URL       string
	SHA256    []byte
	Size      uint64
	Path      string
	Timestamp time.Time
	State     ArtifactState
}

// InstanceRunState is the externally visible state of one instance.
type InstanceRunState int

const (
	// InstanceStateActive means the instance unit is running.
	InstanceStateActive InstanceRunState = iota
	// InstanceStateFailed means the instance could not start or crashed terminally.
	InstanceStateFailed
)

func (s InstanceRunState) String() string {
	if s == InstanceStateActive {
		return "active"
	}

	return "failed"
}

// RunStatus reports the run state of one instance.
type RunStatus struct {
	InstanceID string
	State      InstanceRunState
	Err        error
	ExitCode   int
}

// RunParameters tune the host supervisor restart policy of one unit.
// Zero values are replaced with defaults by the runner.
type RunParameters struct {
	StartInterval   time.Duration
	StartBurst      uint
	RestartInterval time.Duration
}

// MonitoringData is one resource usage sample for the node or an instance.
type MonitoringData struct {
	Timestamp time.Time
	CPU       float64
	RAM       uint64
	Disk      uint64
	InTraffic uint64
	OutTraffic uint64
}

// ErrorInfo is the wire representation of an error: the service manager
// error code, the underlying OS exit code or errno, and a message.
type ErrorInfo struct {
	AosCode  int
	ExitCode int
	Message  string
}
