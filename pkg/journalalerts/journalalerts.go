// Package journalalerts tails the host journal and turns matching entries
// into alerts: messages logged by service instance units become service
// instance alerts, core service messages become core alerts and other unit
// messages above the configured priority become system alerts.
package journalalerts

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/openfleet/servicemanager/pkg/types"
)

const (
	serviceUnitPrefix = "aos-service@"
	serviceUnitSuffix = ".service"
	coreUnitPrefix    = "aos-"

	cursorSavePeriod = 10 * time.Second
	waitTimeout      = time.Second
)

// JournalEntry is one observed journal record.
type JournalEntry struct {
	Cursor      string
	SystemdUnit string
	Priority    int
	Message     string
	Timestamp   time.Time
}

// JournalReader is the capability over the host journal. Production wraps
// sdjournal; tests feed canned entries.
type JournalReader interface {
	SeekCursor(cursor string) error
	SeekTail() error
	Next() (bool, error)
	Entry() (*JournalEntry, error)
	Wait(timeout time.Duration) error
	Close() error
}

// AlertSender consumes the produced alerts.
type AlertSender interface {
	SendAlert(alert types.Alert) error
}

// CursorStorage persists the reading position across restarts.
type CursorStorage interface {
	SetJournalCursor(cursor string) error
	GetJournalCursor() (string, error)
}

// Config tunes the classifier.
type Config struct {
	Filter               []string
	ServiceAlertPriority int
	SystemAlertPriority  int
}

// JournalAlerts is the journal scraper.
type JournalAlerts struct {
	cfg     Config
	reader  JournalReader
	sender  AlertSender
	storage CursorStorage
	filter  []*regexp.Regexp
	logger  *slog.Logger

	stopCh chan struct{}
	done   chan struct{}
}

// New creates the scraper, compiling the message filters and seeking to the
// persisted cursor (or the tail on first run).
func New(cfg Config, reader JournalReader, sender AlertSender, storage CursorStorage) (*JournalAlerts, error) {
	j := &JournalAlerts{
		cfg:     cfg,
		reader:  reader,
		sender:  sender,
		storage: storage,
		logger:  slog.Default().With("component", "journalalerts"),
	}

	for _, expr := range cfg.Filter {
		compiled, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile journal filter %q: %w", expr, types.ErrInvalidArgument)
		}

		j.filter = append(j.filter, compiled)
	}

	cursor, err := storage.GetJournalCursor()
	if err != nil {
		return nil, err
	}

	if cursor != "" {
		if err := reader.SeekCursor(cursor); err != nil {
			j.logger.Warn("stored journal cursor invalid, seeking tail", "error", err)

			if err := reader.SeekTail(); err != nil {
				return nil, fmt.Errorf("seek journal tail: %w", err)
			}
		}
	} else if err := reader.SeekTail(); err != nil {
		return nil, fmt.Errorf("seek journal tail: %w", err)
	}

	return j, nil
}

// Start launches the reading loop.
func (j *JournalAlerts) Start() {
	j.stopCh = make(chan struct{})
	j.done = make(chan struct{})

	go j.run()
}

// Stop persists the cursor and joins the loop.
func (j *JournalAlerts) Stop() {
	if j.stopCh == nil {
		return
	}

	close(j.stopCh)
	<-j.done

	if err := j.reader.Close(); err != nil {
		j.logger.Warn("failed to close journal", "error", err)
	}
}

func (j *JournalAlerts) run() {
	defer close(j.done)

	var (
		cursor    string
		lastSaved time.Time
	)

	for {
		select {
		case <-j.stopCh:
			j.saveCursor(cursor)

			return
		default:
		}

		advanced, err := j.reader.Next()
		if err != nil {
			j.logger.Error("journal read failed", "error", err)

			j.saveCursor(cursor)

			return
		}

		if !advanced {
			if time.Since(lastSaved) > cursorSavePeriod {
				j.saveCursor(cursor)
				lastSaved = time.Now()
			}

			if err := j.reader.Wait(waitTimeout); err != nil {
				j.logger.Warn("journal wait failed", "error", err)
			}

			continue
		}

		entry, err := j.reader.Entry()
		if err != nil {
			j.logger.Warn("journal entry read failed", "error", err)

			continue
		}

		cursor = entry.Cursor

		if alert := j.classify(entry); alert != nil {
			if err := j.sender.SendAlert(alert); err != nil {
				j.logger.Error("failed to send alert", "error", err)
			}
		}
	}
}

// classify maps one journal entry to its alert variant, or nil when the
// entry is below every configured priority or filtered out.
func (j *JournalAlerts) classify(entry *JournalEntry) types.Alert {
	for _, filter := range j.filter {
		if filter.MatchString(entry.Message) {
			return nil
		}
	}

	item := types.AlertItem{Timestamp: entry.Timestamp, Message: entry.Message}

	// The unit field may carry the full cgroup path of the unit.
	unit := filepath.Base(entry.SystemdUnit)

	if instance, ok := parseServiceUnit(unit); ok {
		if entry.Priority > j.cfg.ServiceAlertPriority {
			return nil
		}

		return types.ServiceInstanceAlert{AlertItem: item, Instance: instance}
	}

	if entry.Priority > j.cfg.SystemAlertPriority {
		return nil
	}

	if component, ok := parseCoreUnit(unit); ok {
		return types.CoreAlert{AlertItem: item, CoreComponent: component}
	}

	return types.SystemAlert{AlertItem: item}
}

func (j *JournalAlerts) saveCursor(cursor string) {
	if cursor == "" {
		return
	}

	if err := j.storage.SetJournalCursor(cursor); err != nil {
		j.logger.Error("failed to persist journal cursor", "error", err)
	}
}

func parseServiceUnit(unit string) (string, bool) {
	if !strings.HasPrefix(unit, serviceUnitPrefix) || !strings.HasSuffix(unit, serviceUnitSuffix) {
		return "", false
	}

	return strings.TrimSuffix(strings.TrimPrefix(unit, serviceUnitPrefix), serviceUnitSuffix), true
}

func parseCoreUnit(unit string) (string, bool) {
	if !strings.HasPrefix(unit, coreUnitPrefix) || !strings.HasSuffix(unit, serviceUnitSuffix) {
		return "", false
	}

	return strings.TrimSuffix(strings.TrimPrefix(unit, coreUnitPrefix), serviceUnitSuffix), true
}
