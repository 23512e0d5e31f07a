// Package mongo stores polycache entries in a MongoDB collection.
//
// Documents look like {_id: key, v: BinData, expiresAt: Date}. A TTL index
// on expiresAt lets the server reclaim expired documents; Get also checks
// expiresAt because the TTL monitor only runs about once a minute.
package mongo

import (
	"context"
	"errors"
	"path"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	pr "github.com/corradodellorusso/polycache/provider"
)

var ErrNilCollection = errors.New("mongo provider: nil collection")

type Mongo struct {
	coll       *mongo.Collection
	disconnect bool
	now        func() time.Time
}

var (
	_ pr.Provider = (*Mongo)(nil)
	_ pr.Scanner  = (*Mongo)(nil)
	_ pr.Clearer  = (*Mongo)(nil)
	_ pr.Batcher  = (*Mongo)(nil)
)

type Config struct {
	Collection *mongo.Collection
	// EnsureIndex creates the TTL index on expiresAt.
	EnsureIndex bool
	// Disconnect closes the collection's client on Close. Set only if this
	// provider owns the client.
	Disconnect bool
}

type document struct {
	Key       string     `bson:"_id"`
	Value     []byte     `bson:"v"`
	ExpiresAt *time.Time `bson:"expiresAt,omitempty"`
}

func New(ctx context.Context, cfg Config) (*Mongo, error) {
	if cfg.Collection == nil {
		return nil, ErrNilCollection
	}
	if cfg.EnsureIndex {
		_, err := cfg.Collection.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "expiresAt", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		})
		if err != nil {
			return nil, err
		}
	}
	return &Mongo{coll: cfg.Collection, disconnect: cfg.Disconnect, now: time.Now}, nil
}

func (p *Mongo) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var d document
	err := p.coll.FindOne(ctx, bson.D{{Key: "_id", Value: key}}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if d.expired(p.now()) {
		return nil, false, nil
	}
	return d.Value, true, nil
}

func (p *Mongo) Set(ctx context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	_, err := p.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: key}},
		p.update(value, ttl),
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *Mongo) Del(ctx context.Context, key string) error {
	_, err := p.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: key}})
	return err
}

// Keys narrows the query by the pattern's literal prefix and matches the
// rest with path.Match.
func (p *Mongo) Keys(ctx context.Context, pattern string) ([]string, error) {
	if pattern != "" {
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, err
		}
	}
	cur, err := p.coll.Find(ctx, prefixFilter(literalPrefix(pattern)),
		options.Find().SetProjection(bson.D{{Key: "_id", Value: 1}, {Key: "expiresAt", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []document
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	now := p.now()
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		if d.expired(now) {
			continue
		}
		if pattern != "" {
			if ok, _ := path.Match(pattern, d.Key); !ok {
				continue
			}
		}
		out = append(out, d.Key)
	}
	return out, nil
}

func (p *Mongo) Clear(ctx context.Context, prefix string) error {
	_, err := p.coll.DeleteMany(ctx, prefixFilter(prefix))
	return err
}

func (p *Mongo) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	cur, err := p.coll.Find(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: keys}}}})
	if err != nil {
		return nil, err
	}
	var docs []document
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	now := p.now()
	byKey := make(map[string][]byte, len(docs))
	for _, d := range docs {
		if !d.expired(now) {
			byKey[d.Key] = d.Value
		}
	}
	for i, k := range keys {
		out[i] = byKey[k]
	}
	return out, nil
}

func (p *Mongo) MSet(ctx context.Context, items []pr.Item) error {
	if len(items) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(items))
	for _, it := range items {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.D{{Key: "_id", Value: it.Key}}).
			SetUpdate(p.update(it.Value, it.TTL)).
			SetUpsert(true))
	}
	_, err := p.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	return err
}

func (p *Mongo) MDel(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := p.coll.DeleteMany(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: keys}}}})
	return err
}

func (p *Mongo) Close(ctx context.Context) error {
	if p.disconnect {
		return p.coll.Database().Client().Disconnect(ctx)
	}
	return nil
}

func (p *Mongo) update(value []byte, ttl time.Duration) bson.D {
	if ttl <= 0 {
		return bson.D{
			{Key: "$set", Value: bson.D{{Key: "v", Value: value}}},
			{Key: "$unset", Value: bson.D{{Key: "expiresAt", Value: ""}}},
		}
	}
	return bson.D{{Key: "$set", Value: bson.D{
		{Key: "v", Value: value},
		{Key: "expiresAt", Value: p.now().Add(ttl)},
	}}}
}

func (d document) expired(now time.Time) bool {
	return d.ExpiresAt != nil && !now.Before(*d.ExpiresAt)
}

// literalPrefix returns the part of a glob before its first meta character.
func literalPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, `*?[\`); i >= 0 {
		return pattern[:i]
	}
	return pattern
}

func prefixFilter(prefix string) bson.D {
	if prefix == "" {
		return bson.D{}
	}
	return bson.D{{Key: "_id", Value: bson.Regex{Pattern: "^" + regexp.QuoteMeta(prefix)}}}
}
