// Package mongostore persists builders, activities, ledger entries,
// nominations and snapshots in MongoDB.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/okian/builderscore/internal/adapters/storage"
	"github.com/okian/builderscore/internal/domain/model"
	"github.com/okian/builderscore/pkg/logger"
)

// Collection names.
const (
	colBuilders    = "builders"
	colActivities  = "activities"
	colLedger      = "ledger"
	colNominations = "nominations"
	colSnapshots   = "snapshots"

	connectTimeout = 10 * time.Second
)

// Store implements storage.Store on a MongoDB database.
type Store struct {
	client      *mongo.Client
	builders    *mongo.Collection
	activities  *mongo.Collection
	ledger      *mongo.Collection
	nominations *mongo.Collection
	snapshots   *mongo.Collection
}

var _ storage.Store = (*Store)(nil)

// Connect dials uri, pings the server and ensures indexes.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(cctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(cctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	db := client.Database(database)
	s := &Store{
		client:      client,
		builders:    db.Collection(colBuilders),
		activities:  db.Collection(colActivities),
		ledger:      db.Collection(colLedger),
		nominations: db.Collection(colNominations),
		snapshots:   db.Collection(colSnapshots),
	}
	if err := s.ensureIndexes(cctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	logger.Get().Info(ctx, "mongodb initialized", logger.String("database", database))
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	specs := map[*mongo.Collection][]mongo.IndexModel{
		s.builders: {
			{Keys: bson.D{{Key: "chat_user_id", Value: 1}}, Options: unique},
			{
				Keys: bson.D{{Key: "codehost_username", Value: 1}},
				Options: options.Index().SetUnique(true).
					SetPartialFilterExpression(bson.M{"codehost_username": bson.M{"$type": "string"}}),
			},
		},
		s.activities: {
			{Keys: bson.D{{Key: "source", Value: 1}, {Key: "source_event_id", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "occurred_at", Value: 1}}},
		},
		s.ledger: {
			{Keys: bson.D{{Key: "key", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "builder_id", Value: 1}, {Key: "_id", Value: 1}}},
		},
		s.nominations: {
			{Keys: bson.D{{Key: "event_id", Value: 1}}, Options: unique},
		},
		s.snapshots: {
			{Keys: bson.D{{Key: "taken_at", Value: -1}}},
		},
	}
	for col, models := range specs {
		if _, err := col.Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("mongo indexes %s: %w", col.Name(), err)
		}
	}
	return nil
}

// mapErr converts driver errors into storage sentinels.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return storage.ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %w", storage.ErrDuplicate, err)
	default:
		return err
	}
}

func (s *Store) findOne(ctx context.Context, col *mongo.Collection, filter any, out any) error {
	return mapErr(col.FindOne(ctx, filter).Decode(out))
}

func (s *Store) updateBuilder(ctx context.Context, id string, set bson.M) error {
	res, err := s.builders.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return mapErr(err)
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) CreateBuilder(ctx context.Context, b model.Builder) error {
	_, err := s.builders.InsertOne(ctx, b)
	return mapErr(err)
}

func (s *Store) GetBuilder(ctx context.Context, id string) (model.Builder, error) {
	var b model.Builder
	err := s.findOne(ctx, s.builders, bson.M{"_id": id}, &b)
	return b, err
}

func (s *Store) BuilderByChatUser(ctx context.Context, chatUserID string) (model.Builder, error) {
	var b model.Builder
	err := s.findOne(ctx, s.builders, bson.M{"chat_user_id": chatUserID}, &b)
	return b, err
}

func (s *Store) BuilderByUsername(ctx context.Context, username string) (model.Builder, error) {
	var b model.Builder
	err := s.findOne(ctx, s.builders, bson.M{"codehost_username": username}, &b)
	return b, err
}

// SetUsername relies on the partial unique index for ownership.
func (s *Store) SetUsername(ctx context.Context, id, username string) error {
	return s.updateBuilder(ctx, id, bson.M{"codehost_username": username})
}

func (s *Store) SetWallet(ctx context.Context, id, address string) error {
	return s.updateBuilder(ctx, id, bson.M{"wallet_address": address})
}

func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	return s.updateBuilder(ctx, id, bson.M{"active": active})
}

func (s *Store) SetScore(ctx context.Context, id string, score int64) error {
	return s.updateBuilder(ctx, id, bson.M{"score": score})
}

func (s *Store) ListBuilders(ctx context.Context) ([]model.Builder, error) {
	cursor, err := s.builders.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cursor.Close(ctx) }()

	var out []model.Builder
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) InsertActivity(ctx context.Context, a model.Activity) error {
	_, err := s.activities.InsertOne(ctx, a)
	return mapErr(err)
}

func (s *Store) GetActivity(ctx context.Context, id string) (model.Activity, error) {
	var a model.Activity
	err := s.findOne(ctx, s.activities, bson.M{"_id": id}, &a)
	return a, err
}

func (s *Store) ActivityBySource(ctx context.Context, source model.Source, sourceEventID string) (model.Activity, error) {
	var a model.Activity
	err := s.findOne(ctx, s.activities, bson.M{"source": source, "source_event_id": sourceEventID}, &a)
	return a, err
}

func (s *Store) UpdateActivity(ctx context.Context, a model.Activity) error {
	res, err := s.activities.ReplaceOne(ctx, bson.M{"_id": a.ID}, a)
	if err != nil {
		return mapErr(err)
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) PendingActivities(ctx context.Context, author string) ([]model.Activity, error) {
	filter := bson.M{
		"status": model.StatusPendingAttribution,
		"source": bson.M{"$in": bson.A{model.SourceCodeCommit, model.SourceCodePR, model.SourceCodeIssue}},
	}
	opts := options.Find().SetSort(bson.D{{Key: "occurred_at", Value: 1}, {Key: "_id", Value: 1}})
	if author != "" {
		// Authors are stored as seen at the source; match case-insensitively.
		filter["author"] = author
		opts.SetCollation(&options.Collation{Locale: "en", Strength: 2})
	}

	cursor, err := s.activities.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cursor.Close(ctx) }()

	var out []model.Activity
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) AppendEntry(ctx context.Context, e model.LedgerEntry) error {
	_, err := s.ledger.InsertOne(ctx, e)
	return mapErr(err)
}

func (s *Store) EntryByKey(ctx context.Context, key string) (model.LedgerEntry, error) {
	var e model.LedgerEntry
	err := s.findOne(ctx, s.ledger, bson.M{"key": key}, &e)
	return e, err
}

func (s *Store) Entries(ctx context.Context, builderID string) ([]model.LedgerEntry, error) {
	// Entry ids are UUIDv7, so _id order is append order.
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := s.ledger.Find(ctx, bson.M{"builder_id": builderID}, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cursor.Close(ctx) }()

	var out []model.LedgerEntry
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) InsertNomination(ctx context.Context, n model.Nomination) error {
	_, err := s.nominations.InsertOne(ctx, n)
	return mapErr(err)
}

func (s *Store) NominationByEvent(ctx context.Context, eventID string) (model.Nomination, error) {
	var n model.Nomination
	err := s.findOne(ctx, s.nominations, bson.M{"event_id": eventID}, &n)
	return n, err
}

func (s *Store) InsertSnapshot(ctx context.Context, snap model.LeaderboardSnapshot) error {
	_, err := s.snapshots.InsertOne(ctx, snap)
	return mapErr(err)
}

func (s *Store) LatestSnapshot(ctx context.Context) (model.LeaderboardSnapshot, error) {
	var snap model.LeaderboardSnapshot
	opts := options.FindOne().SetSort(bson.D{{Key: "taken_at", Value: -1}})
	err := mapErr(s.snapshots.FindOne(ctx, bson.M{}, opts).Decode(&snap))
	return snap, err
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
