package metadata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

type MongoConfig struct {
	URI           string
	Database      string
	Collection    string
	CacheSize     int
	CacheTTL      time.Duration
	FlushInterval time.Duration
}

// edgeDocument is the persisted form of an Edge.
type edgeDocument struct {
	ID          string    `bson:"_id"`
	APIKey      string    `bson:"apikey"`
	HardwareID  string    `bson:"hardwareId,omitempty"`
	Version     string    `bson:"version,omitempty"`
	Online      bool      `bson:"online"`
	LastContact time.Time `bson:"lastContact,omitempty"`
	CreatedAt   time.Time `bson:"createdAt"`
}

// MongoStore resolves edges from a MongoDB collection. Records are cached and
// their online/last-contact state is written back by a background flusher.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	log    *zap.Logger

	edges   *expirable.LRU[string, *Edge]
	apikeys *expirable.LRU[string, string]

	// Edges evicted from the cache while online or with unflushed changes.
	// They stay the single instance for their id until flushed and offline.
	retainMu sync.Mutex
	retained map[string]*Edge

	flushInterval time.Duration
	stop          chan struct{}
	wg            sync.WaitGroup
	closeOnce     sync.Once
}

func NewMongoStore(ctx context.Context, cfg MongoConfig, log *zap.Logger) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	coll := client.Database(cfg.Database).Collection(cfg.Collection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "apikey", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo create apikey index: %w", err)
	}

	s := newMongoStore(client, coll, cfg, log)
	s.wg.Add(1)
	go s.flushLoop()
	return s, nil
}

func newMongoStore(client *mongo.Client, coll *mongo.Collection, cfg MongoConfig, log *zap.Logger) *MongoStore {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	s := &MongoStore{
		client:        client,
		coll:          coll,
		log:           log,
		retained:      make(map[string]*Edge),
		flushInterval: cfg.FlushInterval,
		stop:          make(chan struct{}),
	}
	s.edges = expirable.NewLRU[string, *Edge](cfg.CacheSize, s.onEvict, cfg.CacheTTL)
	s.apikeys = expirable.NewLRU[string, string](cfg.CacheSize, nil, cfg.CacheTTL)
	return s
}

func (s *MongoStore) onEvict(id string, e *Edge) {
	if !e.IsOnline() && !e.isDirty() {
		return
	}
	s.retainMu.Lock()
	s.retained[id] = e
	s.retainMu.Unlock()
}

func (s *MongoStore) ResolveDeviceForCredential(ctx context.Context, credential string) (string, bool, error) {
	if id, ok := s.apikeys.Get(credential); ok {
		return id, true, nil
	}

	var doc edgeDocument
	err := s.coll.FindOne(ctx, bson.M{"apikey": credential}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find edge by apikey: %w", err)
	}
	s.remember(&doc)
	return doc.ID, true, nil
}

func (s *MongoStore) RegisterDevice(ctx context.Context, credential, hardwareID, version string) (string, bool, error) {
	if _, err := ParseVersion(version); err != nil {
		return "", false, fmt.Errorf("register device: %w", err)
	}

	doc := edgeDocument{
		ID:         "edge-" + uuid.NewString(),
		APIKey:     credential,
		HardwareID: hardwareID,
		Version:    version,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := s.coll.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		// Another gateway instance provisioned the same credential first.
		return s.ResolveDeviceForCredential(ctx, credential)
	}
	if err != nil {
		return "", false, fmt.Errorf("insert edge: %w", err)
	}
	s.log.Info("Provisioned new edge", zap.String("edge_id", doc.ID), zap.String("hardware_id", hardwareID))
	s.remember(&doc)
	return doc.ID, true, nil
}

func (s *MongoStore) LookupDevice(ctx context.Context, edgeID string) (DeviceRecord, bool, error) {
	if e, ok := s.edges.Get(edgeID); ok {
		return e, true, nil
	}

	s.retainMu.Lock()
	e, ok := s.retained[edgeID]
	delete(s.retained, edgeID)
	s.retainMu.Unlock()
	if ok {
		s.edges.Add(edgeID, e)
		return e, true, nil
	}

	var doc edgeDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": edgeID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find edge by id: %w", err)
	}
	return s.remember(&doc), true, nil
}

func (s *MongoStore) remember(doc *edgeDocument) *Edge {
	if e, ok := s.edges.Get(doc.ID); ok {
		s.apikeys.Add(doc.APIKey, doc.ID)
		return e
	}
	v, err := ParseVersion(doc.Version)
	if err != nil {
		s.log.Warn("Ignoring invalid stored edge version", zap.String("edge_id", doc.ID), zap.Error(err))
	}
	e := NewEdge(doc.ID, doc.APIKey, doc.HardwareID, v)
	e.online = doc.Online
	e.lastContact = doc.LastContact
	s.edges.Add(doc.ID, e)
	s.apikeys.Add(doc.APIKey, doc.ID)
	return e
}

func (s *MongoStore) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.flushInterval)
			s.flush(ctx)
			cancel()
		case <-s.stop:
			return
		}
	}
}

// flush writes every dirty record. Failed writes are marked dirty again.
func (s *MongoStore) flush(ctx context.Context) {
	s.retainMu.Lock()
	pending := make([]*Edge, 0, len(s.retained))
	for id, e := range s.retained {
		pending = append(pending, e)
		if !e.IsOnline() {
			delete(s.retained, id)
		}
	}
	s.retainMu.Unlock()
	pending = append(pending, s.edges.Values()...)

	for _, e := range pending {
		st, dirty := e.takeDirty()
		if !dirty {
			continue
		}
		set := bson.M{"online": st.Online, "lastContact": st.LastContact}
		if !st.Version.IsZero() {
			set["version"] = st.Version.String()
		}
		if _, err := s.coll.UpdateOne(ctx, bson.M{"_id": e.id}, bson.M{"$set": set}); err != nil {
			s.log.Warn("Failed to flush edge state", zap.String("edge_id", e.id), zap.Error(err))
			e.markDirty()
			// The cache lock is taken before retainMu by onEvict; never nest the other way.
			if _, cached := s.edges.Peek(e.id); !cached {
				s.retainMu.Lock()
				s.retained[e.id] = e
				s.retainMu.Unlock()
			}
		}
	}
}

// Close flushes outstanding state and disconnects.
func (s *MongoStore) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		s.flush(ctx)
		err = s.client.Disconnect(ctx)
	})
	return err
}
