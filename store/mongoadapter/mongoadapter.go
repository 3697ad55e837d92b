// Package mongoadapter is a MongoDB-backed store.DocumentStore,
// grounded on nodestorage/v2's collection-wrapping storage (each
// document stored as its own row keyed by _id) and on
// eventsync/storage_listener.go's change-stream consumption, fed here
// into document.ChangeEvent instead of nodestorage.WatchEvent[T]. It
// carries the teacher's MongoDB + zap + pkg/errors stack forward into
// a schema-less, map[string]interface{}-payload domain rather than the
// teacher's generic T document type.
package mongoadapter

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/reactivedoc/core/document"
	"github.com/reactivedoc/core/filter"
	"github.com/reactivedoc/core/query"
	"github.com/reactivedoc/core/reactivelog"
	"github.com/reactivedoc/core/reerror"
	"github.com/reactivedoc/core/store"
)

// record is the on-wire Mongo representation of a document.Document.
// _id is the document's own string id rather than a generated
// ObjectID, so that revision/causal metadata travels with the row a
// client already addresses by id.
type record struct {
	ID        string                 `bson:"_id"`
	Rev       string                 `bson:"_rev"`
	UpdatedAt int64                  `bson:"_updatedAt"`
	Deleted   bool                   `bson:"_deleted"`
	VClock    map[string]uint64      `bson:"_vclock,omitempty"`
	Fields    map[string]interface{} `bson:"fields,omitempty"`
}

func toRecord(d *document.Document) (record, error) {
	r := record{
		ID:        d.ID,
		Rev:       d.Rev.String(),
		UpdatedAt: d.UpdatedAt,
		Deleted:   d.Deleted,
		VClock:    map[string]uint64(d.VClock),
		Fields:    d.Fields,
	}
	return r, nil
}

func fromRecord(r record) (*document.Document, error) {
	rev := document.Revision{}
	if r.Rev != "" {
		parsed, err := document.ParseRevision(r.Rev)
		if err != nil {
			return nil, err
		}
		rev = parsed
	}
	return &document.Document{
		ID:        r.ID,
		Rev:       rev,
		UpdatedAt: r.UpdatedAt,
		Deleted:   r.Deleted,
		VClock:    r.VClock,
		Fields:    r.Fields,
	}, nil
}

// Store is a MongoDB-backed store.DocumentStore. One Store owns one
// collection; Changes is served off a change stream rather than an
// in-process fan-out, so remote writers (other processes) are also
// observed. The change stream is opened without pre-images, so the
// update events it emits carry no PreviousDocument.
type Store struct {
	collection *mongo.Collection
	logger     *zap.Logger

	seqMu sync.Mutex
	seq   uint64

	subMu    sync.Mutex
	handlers map[int]store.ChangeHandler
	nextSub  int

	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// New opens a Store over database.collection using an already
// connected client.
func New(client *mongo.Client, database, collectionName string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = reactivelog.Nop()
	}
	return &Store{
		collection: client.Database(database).Collection(collectionName),
		logger:     logger,
		handlers:   make(map[int]store.ChangeHandler),
	}
}

// WatchChanges starts a MongoDB change stream for this collection and
// fans decoded events out to Changes subscribers (spec §6
// "DocumentStore ... changes()"). Call Close to stop it.
func (s *Store) WatchChanges(ctx context.Context) error {
	watchCtx, cancel := context.WithCancel(ctx)

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"insert", "replace", "update", "delete"}}}},
		}}},
	}
	streamOpts := options.ChangeStream().SetFullDocument(options.UpdateLookup)

	stream, err := s.collection.Watch(watchCtx, pipeline, streamOpts)
	if err != nil {
		cancel()
		return errors.Wrap(err, "mongoadapter: watch failed")
	}

	s.watchCancel = cancel
	s.watchDone = make(chan struct{})

	go func() {
		defer close(s.watchDone)
		defer stream.Close(context.Background())
		for stream.Next(watchCtx) {
			var raw bson.M
			if err := stream.Decode(&raw); err != nil {
				s.logger.Warn("mongoadapter: decode change stream event failed", zap.Error(err))
				continue
			}
			s.handleStreamEvent(raw)
		}
	}()
	return nil
}

func (s *Store) handleStreamEvent(raw bson.M) {
	opType, _ := raw["operationType"].(string)

	var fullDoc bson.M
	if fd, ok := raw["fullDocument"].(bson.M); ok {
		fullDoc = fd
	}

	var docID string
	if key, ok := raw["documentKey"].(bson.M); ok {
		if id, ok := key["_id"].(string); ok {
			docID = id
		}
	}
	if docID == "" {
		return
	}

	s.seqMu.Lock()
	s.seq++
	seq := s.seq
	s.seqMu.Unlock()

	event := document.ChangeEvent{
		DocumentID: docID,
		Sequence:   seq,
		Timestamp:  time.Now().UnixMilli(),
	}

	switch opType {
	case "insert":
		event.Operation = document.OpInsert
		event.Document = bsonMToDocument(docID, fullDoc)
	case "replace", "update":
		event.Operation = document.OpUpdate
		event.Document = bsonMToDocument(docID, fullDoc)
		if event.Document.Deleted {
			// Delete writes a tombstone with an update, so the stream
			// reports it as one; surface it as a delete.
			event.Operation = document.OpDelete
			event.Document = nil
		}
	case "delete":
		event.Operation = document.OpDelete
	default:
		return
	}

	s.emit(event)
}

func bsonMToDocument(id string, m bson.M) *document.Document {
	if m == nil {
		return &document.Document{ID: id}
	}
	fields, _ := m["fields"].(bson.M)
	d := &document.Document{ID: id, Fields: map[string]interface{}(fields)}
	if rev, ok := m["_rev"].(string); ok {
		if r, err := document.ParseRevision(rev); err == nil {
			d.Rev = r
		}
	}
	if updatedAt, ok := m["_updatedAt"].(int64); ok {
		d.UpdatedAt = updatedAt
	}
	if deleted, ok := m["_deleted"].(bool); ok {
		d.Deleted = deleted
	}
	return d
}

func (s *Store) Get(ctx context.Context, id string) (*document.Document, error) {
	var r record
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&r)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, store.ErrNotFound
		}
		return nil, errors.Wrap(err, "mongoadapter: get failed")
	}
	if r.Deleted {
		return nil, store.ErrNotFound
	}
	return fromRecord(r)
}

func (s *Store) GetMany(ctx context.Context, ids []string) ([]*document.Document, error) {
	cur, err := s.collection.Find(ctx, bson.M{"_id": bson.M{"$in": ids}, "_deleted": bson.M{"$ne": true}})
	if err != nil {
		return nil, errors.Wrap(err, "mongoadapter: getMany failed")
	}
	return decodeAll(ctx, cur)
}

func (s *Store) GetAll(ctx context.Context) ([]*document.Document, error) {
	cur, err := s.collection.Find(ctx, bson.M{"_deleted": bson.M{"$ne": true}})
	if err != nil {
		return nil, errors.Wrap(err, "mongoadapter: getAll failed")
	}
	return decodeAll(ctx, cur)
}

func decodeAll(ctx context.Context, cur *mongo.Cursor) ([]*document.Document, error) {
	defer cur.Close(ctx)
	var out []*document.Document
	for cur.Next(ctx) {
		var r record
		if err := cur.Decode(&r); err != nil {
			return nil, errors.Wrap(err, "mongoadapter: decode failed")
		}
		d, err := fromRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, cur.Err()
}

// Put assigns the next revision server-side rather than trusting the
// caller's doc.Rev, so _rev.sequence strictly increases per document
// (spec §3) even under concurrent writers hitting the same collection.
func (s *Store) Put(ctx context.Context, doc *document.Document) error {
	if err := document.Validate(doc); err != nil {
		return err
	}

	var existing record
	seq := uint64(1)
	err := s.collection.FindOne(ctx, bson.M{"_id": doc.ID}).Decode(&existing)
	switch {
	case err == nil:
		if prevRev, parseErr := document.ParseRevision(existing.Rev); parseErr == nil {
			seq = prevRev.Sequence + 1
		}
	case err == mongo.ErrNoDocuments:
		// first write for this id, seq stays 1.
	default:
		return errors.Wrap(err, "mongoadapter: put lookup failed")
	}

	doc = doc.Clone()
	doc.UpdatedAt = time.Now().UnixMilli()
	doc.Rev = document.Revision{Sequence: seq, Hash: uuid.NewString()}

	r, err := toRecord(doc)
	if err != nil {
		return err
	}
	_, err = s.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, r, options.Replace().SetUpsert(true))
	if err != nil {
		return errors.Wrap(err, "mongoadapter: put failed")
	}
	return nil
}

func (s *Store) BulkPut(ctx context.Context, docs []*document.Document) error {
	for _, d := range docs {
		if err := s.Put(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// Delete is a two-phase-delete tombstone write (spec §2 lifecycle): the
// row is kept with Deleted=true and a bumped revision rather than
// removed, so peers replaying the change stream can still observe the
// deletion's causal position.
func (s *Store) Delete(ctx context.Context, id string) error {
	var existing record
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&existing)
	if err == mongo.ErrNoDocuments {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "mongoadapter: delete lookup failed")
	}
	if existing.Deleted {
		return nil
	}

	seq := uint64(1)
	if prevRev, parseErr := document.ParseRevision(existing.Rev); parseErr == nil {
		seq = prevRev.Sequence + 1
	}
	nextRev := document.Revision{Sequence: seq, Hash: uuid.NewString()}

	_, err = s.collection.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"_deleted": true, "_updatedAt": time.Now().UnixMilli(), "_rev": nextRev.String()}, "$unset": bson.M{"fields": ""}},
	)
	if err != nil {
		return errors.Wrap(err, "mongoadapter: delete failed")
	}
	return nil
}

func (s *Store) BulkDelete(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := s.Delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	n, err := s.collection.CountDocuments(ctx, bson.M{"_deleted": bson.M{"$ne": true}})
	if err != nil {
		return 0, errors.Wrap(err, "mongoadapter: count failed")
	}
	return int(n), nil
}

func (s *Store) Clear(ctx context.Context) error {
	_, err := s.collection.DeleteMany(ctx, bson.M{})
	if err != nil {
		return errors.Wrap(err, "mongoadapter: clear failed")
	}
	return nil
}

func (s *Store) CreateIndex(ctx context.Context, spec store.IndexSpec) error {
	if spec.Name == "" {
		return errors.Wrap(reerror.ErrValidation, "mongoadapter: index name is required")
	}
	keys := bson.D{}
	for _, f := range spec.Fields {
		keys = append(keys, bson.E{Key: "fields." + f, Value: 1})
	}
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    keys,
		Options: options.Index().SetName(spec.Name),
	})
	if err != nil {
		return errors.Wrap(err, "mongoadapter: createIndex failed")
	}
	return nil
}

func (s *Store) DropIndex(ctx context.Context, name string) error {
	_, err := s.collection.Indexes().DropOne(ctx, name)
	if err != nil {
		return errors.Wrap(err, "mongoadapter: dropIndex failed")
	}
	return nil
}

// Query runs spec's sort server-side (an index created with
// CreateIndex over the same sort fields makes this use the index),
// then applies spec.Filter in-process with filter.Evaluate and
// finally skip/limit/projection. Full translation of the filter
// operator tree into a MongoDB query document is not implemented here
// (DESIGN.md): the operator tree's $regex catastrophic-backtracking
// guard and fail-closed-on-unknown-operator semantics are core
// invariants (spec §7) that must hold identically across every store,
// so filter evaluation stays a single in-process implementation
// (package filter) rather than being re-derived per storage engine.
func (s *Store) Query(ctx context.Context, spec query.Spec) ([]*document.Document, error) {
	findOpts := options.Find()
	if len(spec.Sort) > 0 {
		sortDoc := bson.D{}
		for _, sf := range spec.Sort {
			dir := 1
			if sf.Direction == query.Descending {
				dir = -1
			}
			sortDoc = append(sortDoc, bson.E{Key: "fields." + sf.Field, Value: dir})
		}
		findOpts.SetSort(sortDoc)
	}

	cur, err := s.collection.Find(ctx, bson.M{"_deleted": bson.M{"$ne": true}}, findOpts)
	if err != nil {
		return nil, errors.Wrap(err, "mongoadapter: query failed")
	}
	docs, err := decodeAll(ctx, cur)
	if err != nil {
		return nil, err
	}

	matched := make([]*document.Document, 0, len(docs))
	for _, d := range docs {
		if filter.Evaluate(d, spec.Filter) {
			matched = append(matched, d)
		}
	}

	if spec.Skip > 0 {
		if spec.Skip >= len(matched) {
			matched = nil
		} else {
			matched = matched[spec.Skip:]
		}
	}
	if spec.HasLimit() && len(matched) > spec.Limit {
		matched = matched[:spec.Limit]
	}

	for i, d := range matched {
		clone := d.Clone()
		clone.Fields = spec.Projection.Apply(clone.Fields)
		matched[i] = clone
	}
	return matched, nil
}

func (s *Store) Changes(handler store.ChangeHandler) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.handlers[id] = handler
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.handlers, id)
		s.subMu.Unlock()
	}
}

func (s *Store) emit(event document.ChangeEvent) {
	s.subMu.Lock()
	handlers := make([]store.ChangeHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.subMu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}

func (s *Store) Close() error {
	if s.watchCancel != nil {
		s.watchCancel()
		<-s.watchDone
	}
	return nil
}
