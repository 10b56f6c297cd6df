package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/storage/jsonl"
)

// ProjectionRecord tracks how far a named projection has consumed the log.
// The projections file is append-only; the latest record per name wins.
type ProjectionRecord struct {
	Name      string    `json:"name"`
	Cursor    int64     `json:"cursor"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the append-only event log. Appends assign a globally monotonic id
// and a per-stream seq, persist to disk, and publish to subscribers, all under
// a single mutex so subscribers observe events in id order.
type Store struct {
	mu sync.Mutex

	log  *logger.Logger
	file *jsonl.File
	proj *jsonl.File

	all      []*StoredEvent
	byStream map[string][]*StoredEvent
	byID     map[int64]*StoredEvent
	nextID   int64
	seqs     map[string]int64

	projections map[string]ProjectionRecord

	subs map[*Subscription]struct{}
}

// NewStore opens (or creates) the event log and projection cursor files and
// replays them into memory.
func NewStore(eventsPath, projectionsPath string, log *logger.Logger) (*Store, error) {
	s := &Store{
		log:         log.WithComponent("events.store"),
		byStream:    make(map[string][]*StoredEvent),
		byID:        make(map[int64]*StoredEvent),
		nextID:      1,
		seqs:        make(map[string]int64),
		projections: make(map[string]ProjectionRecord),
		subs:        make(map[*Subscription]struct{}),
	}

	if err := jsonl.ScanInto(eventsPath, func(ev StoredEvent) error {
		e := ev
		s.all = append(s.all, &e)
		s.byStream[e.StreamID] = append(s.byStream[e.StreamID], &e)
		s.byID[e.ID] = &e
		if e.ID >= s.nextID {
			s.nextID = e.ID + 1
		}
		if e.Seq > s.seqs[e.StreamID] {
			s.seqs[e.StreamID] = e.Seq
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("replay event log: %w", err)
	}

	if err := jsonl.ScanInto(projectionsPath, func(rec ProjectionRecord) error {
		s.projections[rec.Name] = rec
		return nil
	}); err != nil {
		return nil, fmt.Errorf("replay projection cursors: %w", err)
	}

	var err error
	if s.file, err = jsonl.Open(eventsPath); err != nil {
		return nil, err
	}
	if s.proj, err = jsonl.Open(projectionsPath); err != nil {
		s.file.Close()
		return nil, err
	}

	s.log.Info("event log loaded",
		zap.Int("events", len(s.all)),
		zap.Int("streams", len(s.byStream)))
	return s, nil
}

// Close flushes and closes the underlying files.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Close(); err != nil {
		s.proj.Close()
		return err
	}
	return s.proj.Close()
}

// Append persists one or more events to a stream atomically and publishes
// them to all subscribers. Returned events carry their assigned ids.
func (s *Store) Append(ctx context.Context, streamID string, evs ...Event) ([]*StoredEvent, error) {
	if streamID == "" {
		return nil, fmt.Errorf("append: empty stream id")
	}
	if len(evs) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	stored := make([]*StoredEvent, 0, len(evs))
	batch := make([]any, 0, len(evs))
	for _, ev := range evs {
		s.seqs[streamID]++
		se := &StoredEvent{
			ID:        s.nextID,
			StreamID:  streamID,
			Seq:       s.seqs[streamID],
			CreatedAt: now,
			Event:     ev,
		}
		s.nextID++
		stored = append(stored, se)
		batch = append(batch, se)
	}

	if err := s.file.AppendBatch(batch); err != nil {
		// Roll the counters back so the next append reuses the ids.
		s.nextID -= int64(len(stored))
		s.seqs[streamID] -= int64(len(stored))
		return nil, fmt.Errorf("append to %s: %w", streamID, err)
	}

	for _, se := range stored {
		s.all = append(s.all, se)
		s.byStream[streamID] = append(s.byStream[streamID], se)
		s.byID[se.ID] = se
	}

	// Publication happens inside the append lock so every subscriber sees
	// events in id order.
	for sub := range s.subs {
		for _, se := range stored {
			sub.deliver(se)
		}
	}
	return stored, nil
}

// ReadStream returns all events of a stream in seq order.
func (s *Store) ReadStream(streamID string) []*StoredEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.byStream[streamID]
	out := make([]*StoredEvent, len(evs))
	copy(out, evs)
	return out
}

// ReadAll returns every event in id order.
func (s *Store) ReadAll() []*StoredEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*StoredEvent, len(s.all))
	copy(out, s.all)
	return out
}

// ReadByID looks up a single event.
func (s *Store) ReadByID(id int64) (*StoredEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.byID[id]
	return se, ok
}

// EventsAfter returns up to limit events with id > afterID, plus whether the
// result was truncated. limit <= 0 means no limit.
func (s *Store) EventsAfter(afterID int64, limit int) ([]*StoredEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Locate the first id > afterID. Ids are dense and ordered, so binary
	// search over the slice.
	lo, hi := 0, len(s.all)
	for lo < hi {
		mid := (lo + hi) / 2
		if s.all[mid].ID <= afterID {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	rest := s.all[lo:]
	truncated := false
	if limit > 0 && len(rest) > limit {
		rest = rest[:limit]
		truncated = true
	}
	out := make([]*StoredEvent, len(rest))
	copy(out, rest)
	return out, truncated
}

// LastID returns the id of the most recent event, or 0 when the log is empty.
func (s *Store) LastID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.all) == 0 {
		return 0
	}
	return s.all[len(s.all)-1].ID
}

// Streams returns the ids of all known streams.
func (s *Store) Streams() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.byStream))
	for id := range s.byStream {
		out = append(out, id)
	}
	return out
}

// Projection returns the stored cursor for a named projection.
func (s *Store) Projection(name string) (ProjectionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.projections[name]
	return rec, ok
}

// SaveProjection records that a projection has consumed the log up to cursor.
func (s *Store) SaveProjection(name string, cursor int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := ProjectionRecord{Name: name, Cursor: cursor, UpdatedAt: time.Now().UTC()}
	if err := s.proj.Append(rec); err != nil {
		return fmt.Errorf("save projection %s: %w", name, err)
	}
	s.projections[name] = rec
	return nil
}
