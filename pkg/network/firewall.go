package network

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/coreos/go-iptables/iptables"

	"github.com/openfleet/servicemanager/pkg/types"
)

const (
	forwardChain = "FORWARD"
	natTable     = "nat"
	filterTable  = "filter"

	instanceChainPrefix = "AOS_FW_"
)

// IPTables is the subset of iptables operations the firewall uses; the
// concrete client talks to the kernel, tests fake it.
type IPTables interface {
	NewChain(table, chain string) error
	ClearChain(table, chain string) error
	DeleteChain(table, chain string) error
	AppendUnique(table, chain string, rulespec ...string) error
	Append(table, chain string, rulespec ...string) error
	Delete(table, chain string, rulespec ...string) error
	ListWithCounters(table, chain string) ([]string, error)
}

// Firewall programs per-instance filter chains and the node NAT rules.
type Firewall struct {
	ipt IPTables
}

// NewFirewall creates the firewall over the host iptables.
func NewFirewall() (*Firewall, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("initialize iptables: %w", err)
	}

	return &Firewall{ipt: ipt}, nil
}

// NewFirewallWithClient creates the firewall over a supplied client.
func NewFirewallWithClient(ipt IPTables) *Firewall {
	return &Firewall{ipt: ipt}
}

// Client exposes the underlying iptables client so sibling components share
// one kernel handle.
func (f *Firewall) Client() IPTables {
	return f.ipt
}

// EnsureNAT sets up masquerading for the instance subnet and forwarding
// through the node bridge. Idempotent.
func (f *Firewall) EnsureNAT() error {
	if err := f.ipt.AppendUnique(natTable, "POSTROUTING", "-s", BridgeCIDR, "-j", "MASQUERADE"); err != nil {
		return fmt.Errorf("add masquerade rule: %w", err)
	}

	if err := f.ipt.AppendUnique(filterTable, forwardChain, "-i", BridgeName, "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("add forward rule: %w", err)
	}

	if err := f.ipt.AppendUnique(filterTable, forwardChain, "-o", BridgeName, "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("add forward rule: %w", err)
	}

	return nil
}

// SetupInstanceRules creates the instance chain and programs its allow
// rules; traffic not matching a rule of an instance with rules is dropped.
func (f *Firewall) SetupInstanceRules(instanceID string, params types.NetworkParams) error {
	if len(params.FirewallRules) == 0 {
		return nil
	}

	chain := InstanceChain(instanceID)

	if err := f.ipt.NewChain(filterTable, chain); err != nil {
		// An existing chain from an unclean shutdown is reprogrammed.
		if clearErr := f.ipt.ClearChain(filterTable, chain); clearErr != nil {
			return fmt.Errorf("create instance chain: %w", err)
		}
	}

	for _, rule := range params.FirewallRules {
		spec := []string{"-d", rule.DstIP, "-p", rule.Proto}

		if rule.SrcIP != "" {
			spec = append(spec, "-s", rule.SrcIP)
		}

		if rule.DstPort != "" {
			spec = append(spec, "--dport", rule.DstPort)
		}

		spec = append(spec, "-j", "ACCEPT")

		if err := f.ipt.Append(filterTable, chain, spec...); err != nil {
			return fmt.Errorf("add firewall rule: %w", err)
		}
	}

	if err := f.ipt.Append(filterTable, chain, "-j", "DROP"); err != nil {
		return fmt.Errorf("add drop rule: %w", err)
	}

	if err := f.ipt.AppendUnique(filterTable, forwardChain, "-s", params.IP, "-j", chain); err != nil {
		return fmt.Errorf("link instance chain: %w", err)
	}

	return nil
}

// RemoveInstanceRules tears the instance chain down. Unknown chains are not
// an error.
func (f *Firewall) RemoveInstanceRules(instanceID string) error {
	chain := InstanceChain(instanceID)

	rules, err := f.ipt.ListWithCounters(filterTable, forwardChain)
	if err == nil {
		for _, rule := range rules {
			if strings.Contains(rule, chain) {
				fields := strings.Fields(rule)
				if len(fields) > 1 {
					_ = f.ipt.Delete(filterTable, forwardChain, fields[1:]...)
				}
			}
		}
	}

	if err := f.ipt.ClearChain(filterTable, chain); err != nil {
		return nil
	}

	if err := f.ipt.DeleteChain(filterTable, chain); err != nil {
		return fmt.Errorf("delete instance chain: %w", err)
	}

	return nil
}

// InstanceChain renders the iptables chain name of one instance. Chain
// names are capped at 28 characters, so long instance IDs are replaced by a
// digest prefix.
func InstanceChain(instanceID string) string {
	name := instanceChainPrefix + instanceID

	if len(name) > 28 {
		sum := sha256.Sum256([]byte(instanceID))
		name = instanceChainPrefix + hex.EncodeToString(sum[:])[:28-len(instanceChainPrefix)]
	}

	return name
}
