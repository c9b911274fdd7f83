package network

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	trafficInChainPrefix  = "AOS_IN_"
	trafficOutChainPrefix = "AOS_OUT_"

	defaultTrafficPeriod = time.Minute
)

// TrafficStorage persists traffic counters across restarts.
type TrafficStorage interface {
	SetTrafficData(chain string, timestamp time.Time, value uint64) error
	GetTrafficData(chain string) (time.Time, uint64, error)
	RemoveTrafficData(chain string) error
}

type instanceTraffic struct {
	inChain  string
	outChain string
	inBytes  uint64
	outBytes uint64
}

// TrafficMonitor accounts per-instance traffic through dedicated iptables
// chains and periodically persists the counters.
type TrafficMonitor struct {
	mu sync.Mutex

	ipt     IPTables
	storage TrafficStorage
	period  time.Duration
	logger  *slog.Logger

	instances map[string]*instanceTraffic
	stopCh    chan struct{}
	done      chan struct{}
}

// NewTrafficMonitor creates a traffic monitor over the host iptables.
func NewTrafficMonitor(ipt IPTables, storage TrafficStorage) *TrafficMonitor {
	return &TrafficMonitor{
		ipt:       ipt,
		storage:   storage,
		period:    defaultTrafficPeriod,
		logger:    slog.Default().With("component", "trafficmonitor"),
		instances: make(map[string]*instanceTraffic),
	}
}

// Start launches the periodic counter poll.
func (t *TrafficMonitor) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopCh != nil {
		return
	}

	t.stopCh = make(chan struct{})
	t.done = make(chan struct{})

	go t.poll(t.stopCh, t.done)
}

// Stop persists the counters one last time and joins the poll loop.
func (t *TrafficMonitor) Stop() {
	t.mu.Lock()

	if t.stopCh == nil {
		t.mu.Unlock()

		return
	}

	close(t.stopCh)
	done := t.done
	t.stopCh = nil
	t.mu.Unlock()

	<-done
}

// StartInstanceMonitoring installs the counting chains of one instance and
// restores persisted counters.
func (t *TrafficMonitor) StartInstanceMonitoring(instanceID, ip string, downloadLimit, uploadLimit uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.instances[instanceID]; ok {
		return nil
	}

	traffic := &instanceTraffic{
		inChain:  trafficChain(trafficInChainPrefix, instanceID),
		outChain: trafficChain(trafficOutChainPrefix, instanceID),
	}

	if _, stored, err := t.storage.GetTrafficData(traffic.inChain); err == nil {
		traffic.inBytes = stored
	}

	if _, stored, err := t.storage.GetTrafficData(traffic.outChain); err == nil {
		traffic.outBytes = stored
	}

	if err := t.installChain(traffic.inChain, "-d", ip, downloadLimit); err != nil {
		return err
	}

	if err := t.installChain(traffic.outChain, "-s", ip, uploadLimit); err != nil {
		return err
	}

	t.instances[instanceID] = traffic

	return nil
}

// StopInstanceMonitoring removes the counting chains and drops the
// persisted counters.
func (t *TrafficMonitor) StopInstanceMonitoring(instanceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	traffic, ok := t.instances[instanceID]
	if !ok {
		return
	}

	for _, chain := range []string{traffic.inChain, traffic.outChain} {
		t.removeChain(chain)

		if err := t.storage.RemoveTrafficData(chain); err != nil {
			t.logger.Warn("failed to drop traffic data", "chain", chain, "error", err)
		}
	}

	delete(t.instances, instanceID)
}

// Traffic returns the last observed counters of an instance.
func (t *TrafficMonitor) Traffic(instanceID string) (inBytes, outBytes uint64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	traffic, found := t.instances[instanceID]
	if !found {
		return 0, 0, false
	}

	return traffic.inBytes, traffic.outBytes, true
}

func (t *TrafficMonitor) installChain(chain, direction, ip string, limit uint64) error {
	if err := t.ipt.NewChain(filterTable, chain); err != nil {
		if clearErr := t.ipt.ClearChain(filterTable, chain); clearErr != nil {
			return fmt.Errorf("create traffic chain: %w", err)
		}
	}

	if limit > 0 {
		// Bytes above the quota are dropped until the counter resets.
		if err := t.ipt.Append(filterTable, chain, "-m", "quota", "--quota",
			strconv.FormatUint(limit, 10), "-j", "ACCEPT"); err != nil {
			return fmt.Errorf("add quota rule: %w", err)
		}

		if err := t.ipt.Append(filterTable, chain, "-j", "DROP"); err != nil {
			return fmt.Errorf("add quota drop rule: %w", err)
		}
	}

	if err := t.ipt.AppendUnique(filterTable, forwardChain, direction, ip, "-j", chain); err != nil {
		return fmt.Errorf("link traffic chain: %w", err)
	}

	return nil
}

func (t *TrafficMonitor) removeChain(chain string) {
	rules, err := t.ipt.ListWithCounters(filterTable, forwardChain)
	if err == nil {
		for _, rule := range rules {
			if strings.Contains(rule, chain) {
				fields := strings.Fields(rule)
				if len(fields) > 1 {
					_ = t.ipt.Delete(filterTable, forwardChain, fields[1:]...)
				}
			}
		}
	}

	_ = t.ipt.ClearChain(filterTable, chain)
	_ = t.ipt.DeleteChain(filterTable, chain)
}

func (t *TrafficMonitor) poll(stopCh, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(t.period)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			t.persistCounters()

			return

		case <-ticker.C:
			t.persistCounters()
		}
	}
}

// persistCounters reads the chain byte counters from the kernel and stores
// them.
func (t *TrafficMonitor) persistCounters() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()

	for _, traffic := range t.instances {
		for _, chain := range []struct {
			name  string
			total *uint64
		}{
			{traffic.inChain, &traffic.inBytes},
			{traffic.outChain, &traffic.outBytes},
		} {
			bytes, err := t.chainBytes(chain.name)
			if err != nil {
				t.logger.Warn("failed to read traffic counter", "chain", chain.name, "error", err)

				continue
			}

			*chain.total = bytes

			if err := t.storage.SetTrafficData(chain.name, now, bytes); err != nil {
				t.logger.Warn("failed to persist traffic counter", "chain", chain.name, "error", err)
			}
		}
	}
}

// chainBytes sums the byte counters of all rules in a chain.
func (t *TrafficMonitor) chainBytes(chain string) (uint64, error) {
	rules, err := t.ipt.ListWithCounters(filterTable, chain)
	if err != nil {
		return 0, fmt.Errorf("list chain counters: %w", err)
	}

	var total uint64

	for _, rule := range rules {
		fields := strings.Fields(rule)

		// Counters render as "-c <packets> <bytes>".
		for i := 0; i+2 < len(fields); i++ {
			if fields[i] == "-c" {
				if bytes, err := strconv.ParseUint(fields[i+2], 10, 64); err == nil {
					total += bytes
				}

				break
			}
		}
	}

	return total, nil
}

func trafficChain(prefix, instanceID string) string {
	name := prefix + instanceID

	if len(name) > 28 {
		sum := sha256.Sum256([]byte(instanceID))
		name = prefix + hex.EncodeToString(sum[:])[:28-len(prefix)]
	}

	return name
}
