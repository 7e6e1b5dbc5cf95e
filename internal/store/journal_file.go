package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ehr/fhirstore/internal/platform/fhir"
)

// record is the serialized form of one version.
type record struct {
	ResourceType string          `json:"resourceType"`
	ID           string          `json:"id"`
	VersionID    int             `json:"versionId"`
	LastUpdated  time.Time       `json:"lastUpdated"`
	Deleted      bool            `json:"deleted,omitempty"`
	Resource     json.RawMessage `json:"resource,omitempty"`
}

func toRecord(v *Version) (record, error) {
	r := record{
		ResourceType: string(v.ResourceType),
		ID:           v.ID,
		VersionID:    v.VersionID,
		LastUpdated:  v.LastUpdated,
		Deleted:      v.Deleted,
	}
	if !v.Deleted {
		raw, err := v.Content.Marshal()
		if err != nil {
			return record{}, fmt.Errorf("encode %s: %w", v.Location(), err)
		}
		r.Resource = raw
	}
	return r, nil
}

func (r record) version() (*Version, error) {
	rt, ok := fhir.ParseResourceType(r.ResourceType)
	if !ok {
		return nil, fmt.Errorf("unknown resource type %q", r.ResourceType)
	}
	v := &Version{
		ResourceType: rt,
		ID:           r.ID,
		VersionID:    r.VersionID,
		LastUpdated:  r.LastUpdated.UTC(),
		Deleted:      r.Deleted,
	}
	if !r.Deleted {
		content, err := fhir.ParseResource(r.Resource)
		if err != nil {
			return nil, err
		}
		v.Content = content
	}
	return v, nil
}

// commitLine is one line of the file journal: the full write set of a commit.
type commitLine struct {
	Versions []record `json:"versions"`
}

// journalFile is the part of *os.File the journal uses.
type journalFile interface {
	io.ReadWriteSeeker
	io.Closer
	Sync() error
	Truncate(size int64) error
}

// FileJournal appends one NDJSON line per commit and fsyncs it. A line is the
// unit of atomicity: a torn final line left by a crash is discarded on replay.
type FileJournal struct {
	mu   sync.Mutex
	path string
	f    journalFile
}

func OpenFileJournal(path string) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	return &FileJournal{path: path, f: f}, nil
}

func (j *FileJournal) Append(_ context.Context, versions []*Version) error {
	line := commitLine{Versions: make([]record, 0, len(versions))}
	for _, v := range versions {
		r, err := toRecord(v)
		if err != nil {
			return err
		}
		line.Versions = append(line.Versions, r)
	}
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("encode commit: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	end, err := j.f.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("seek journal: %w", err)
	}
	if _, err := j.f.Write(data); err != nil {
		return j.discardFrom(end, fmt.Errorf("write journal: %w", err))
	}
	if err := j.f.Sync(); err != nil {
		return j.discardFrom(end, fmt.Errorf("sync journal: %w", err))
	}
	return nil
}

// discardFrom cuts a failed append off at offset so the next commit starts
// on a line boundary.
func (j *FileJournal) discardFrom(offset int64, cause error) error {
	if err := j.f.Truncate(offset); err != nil {
		return errors.Join(cause, fmt.Errorf("truncate failed append: %w", err))
	}
	if _, err := j.f.Seek(offset, io.SeekStart); err != nil {
		return errors.Join(cause, fmt.Errorf("seek journal: %w", err))
	}
	return cause
}

// Replay feeds every journaled version to fn in commit order. An incomplete
// trailing line is truncated away so later appends start on a clean boundary.
func (j *FileJournal) Replay(ctx context.Context, fn func(*Version) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek journal: %w", err)
	}
	reader := bufio.NewReader(j.f)
	var good int64
	for lineNo := 1; ; lineNo++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			if len(bytes.TrimSpace(data)) > 0 {
				if err := j.f.Truncate(good); err != nil {
					return fmt.Errorf("truncate torn journal tail: %w", err)
				}
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("read journal line %d: %w", lineNo, err)
		}

		var line commitLine
		if err := json.Unmarshal(data, &line); err != nil {
			return fmt.Errorf("decode journal line %d: %w", lineNo, err)
		}
		for _, r := range line.Versions {
			v, err := r.version()
			if err != nil {
				return fmt.Errorf("journal line %d: %w", lineNo, err)
			}
			if err := fn(v); err != nil {
				return err
			}
		}
		good += int64(len(data))
	}
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}
