package journalalerts

import (
	"fmt"
	"strconv"
	"time"

	"github.com/coreos/go-systemd/v22/sdjournal"
)

// sdJournalReader is the production JournalReader over libsystemd.
type sdJournalReader struct {
	journal *sdjournal.Journal
}

// NewJournalReader opens the host journal.
func NewJournalReader() (JournalReader, error) {
	journal, err := sdjournal.NewJournal()
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	return &sdJournalReader{journal: journal}, nil
}

func (r *sdJournalReader) SeekCursor(cursor string) error {
	if err := r.journal.SeekCursor(cursor); err != nil {
		return fmt.Errorf("seek journal cursor: %w", err)
	}

	// The cursor entry itself was already processed.
	if _, err := r.journal.Next(); err != nil {
		return fmt.Errorf("advance journal: %w", err)
	}

	return nil
}

func (r *sdJournalReader) SeekTail() error {
	if err := r.journal.SeekTail(); err != nil {
		return fmt.Errorf("seek journal tail: %w", err)
	}

	return nil
}

func (r *sdJournalReader) Next() (bool, error) {
	n, err := r.journal.Next()
	if err != nil {
		return false, fmt.Errorf("advance journal: %w", err)
	}

	return n > 0, nil
}

func (r *sdJournalReader) Entry() (*JournalEntry, error) {
	entry, err := r.journal.GetEntry()
	if err != nil {
		return nil, fmt.Errorf("read journal entry: %w", err)
	}

	priority := 7

	if value, ok := entry.Fields[sdjournal.SD_JOURNAL_FIELD_PRIORITY]; ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			priority = parsed
		}
	}

	unit := entry.Fields[sdjournal.SD_JOURNAL_FIELD_SYSTEMD_UNIT]
	if unit == "" {
		// Instance units run inside slices; the cgroup names the unit.
		unit = entry.Fields[sdjournal.SD_JOURNAL_FIELD_SYSTEMD_CGROUP]
	}

	return &JournalEntry{
		Cursor:      entry.Cursor,
		SystemdUnit: unit,
		Priority:    priority,
		Message:     entry.Fields[sdjournal.SD_JOURNAL_FIELD_MESSAGE],
		Timestamp:   time.UnixMicro(int64(entry.RealtimeTimestamp)),
	}, nil
}

func (r *sdJournalReader) Wait(timeout time.Duration) error {
	r.journal.Wait(timeout)

	return nil
}

func (r *sdJournalReader) Close() error {
	return r.journal.Close()
}
