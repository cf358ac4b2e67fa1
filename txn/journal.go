package txn

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/icza/backscanner"
	cp "github.com/otiai10/copy"

	"github.com/latchtree/btreeengine/interfaces"
)

// journal is an append-only text log of savepoint/commit/rollback
// markers, one line per event, read backward with icza/backscanner to
// find where a given savepoint opened. Grounded on
// huhu99-BumbleBase's pkg/recovery (log.go's toString/FromString line
// format and reader.go's backscanner walk), trimmed to the markers
// this package actually needs: it delegates the undo of page content
// to the registered Participants rather than replaying typed edit
// records itself.
type journal struct {
	mu sync.Mutex
	fd *os.File
}

func openJournal(path string) (*journal, error) {
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return &journal{fd: fd}, nil
}

func (j *journal) close() error {
	return j.fd.Close()
}

// markSavepoint appends a "savepoint opened" line and returns the
// byte offset at which it was written, the mark Rollback truncates
// back to.
func (j *journal) markSavepoint(client uuid.UUID, sp interfaces.SavepointId) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	off, err := j.fd.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	line := fmt.Sprintf("< %s savepoint %d >\n", client, sp)
	if _, err := j.fd.WriteString(line); err != nil {
		return 0, err
	}
	return off, j.fd.Sync()
}

func (j *journal) markCommit(client uuid.UUID, sp interfaces.SavepointId) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	line := fmt.Sprintf("< %s commit %d >\n", client, sp)
	if _, err := j.fd.WriteString(line); err != nil {
		return err
	}
	return j.fd.Sync()
}

// findSavepointLine backward-scans the journal from its current tail
// looking for the savepoint marker at byte offset off, confirming the
// mark Rollback is about to truncate to is really there. Mirrors
// pkg/recovery/reader.go's use of backscanner.New(fd, size).LineBytes.
func (j *journal) findSavepointLine(off int64) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	fstat, err := j.fd.Stat()
	if err != nil {
		return "", err
	}
	scanner := backscanner.New(j.fd, int(fstat.Size()))
	target := []byte("savepoint")
	for {
		line, pos, err := scanner.LineBytes()
		if err != nil {
			if err == io.EOF {
				return "", fmt.Errorf("txn: savepoint marker not found in journal")
			}
			return "", err
		}
		if int64(pos) == off && bytes.Contains(line, target) {
			return string(line), nil
		}
		if int64(pos) < off {
			return "", fmt.Errorf("txn: savepoint marker not found in journal")
		}
	}
}

// truncateTo cuts the journal back to off, discarding every record
// written since the savepoint opened, then repositions the append
// cursor at the new end.
func (j *journal) truncateTo(off int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.fd.Truncate(off); err != nil {
		return err
	}
	_, err := j.fd.Seek(0, io.SeekEnd)
	return err
}

// snapshotBackingFile copies src to dst, so a backing file can be set
// aside and later restored instead of replaying individual undo
// records. Nothing in this repository calls it. Grounded on
// pkg/recovery.RecoveryManager.Delta, which otiai10/copy's the whole
// data directory aside before a checkpoint for the same reason.
func snapshotBackingFile(src, dst string) error {
	return cp.Copy(src, dst)
}
