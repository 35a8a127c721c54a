package datastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const mongoDatabase = "tokenprocessor"

// Mongo implements Store on MongoDB.
//
// MongoDB cannot bound an UpdateMany, so bounded conditional updates fall
// back to a FindOneAndUpdate loop: each iteration is still an atomic
// conditional update on one document, so the claim-exclusivity invariant
// holds, at the cost of partial results on failure.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongo opens a MongoDB connection.
func NewMongo(ctx context.Context, connection string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connection))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	return &Mongo{
		client: client,
		db:     client.Database(mongoDatabase),
	}, nil
}

func (m *Mongo) Read(ctx context.Context, table string, filter Filter) ([]Row, error) {
	cursor, err := m.db.Collection(table).Find(ctx, mongoFilter(filter))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	defer cursor.Close(ctx)

	out := []Row{}

	for cursor.Next(ctx) {
		doc := bson.M{}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStore, err)
		}

		row := make(Row, len(doc))

		for k, v := range doc {
			if k == "_id" {
				continue
			}

			row[k] = v
		}

		out = append(out, row)
	}

	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	return out, nil
}

func (m *Mongo) Insert(ctx context.Context, table string, fields Row) (int64, error) {
	doc := bson.M{}
	for k, v := range fields {
		doc[k] = v
	}

	id, ok := fields["id"].(int64)
	if !ok {
		// No relational sequence available; a nanosecond id is unique
		// enough for single-writer administrative inserts.
		id = time.Now().UnixNano()
		doc["id"] = id
	}

	if _, err := m.db.Collection(table).InsertOne(ctx, doc); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStore, err)
	}

	return id, nil
}

func (m *Mongo) UpdateWhere(ctx context.Context, table string, set Row, filter Filter, limit int) (int64, error) {
	update := bson.M{"$set": bson.M(set)}
	match := mongoFilter(filter)

	if limit <= 0 {
		res, err := m.db.Collection(table).UpdateMany(ctx, match, update)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrStore, err)
		}

		return res.ModifiedCount, nil
	}

	var affected int64

	for i := 0; i < limit; i++ {
		err := m.db.Collection(table).FindOneAndUpdate(ctx, match, update).Err()
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}

		if err != nil {
			return affected, fmt.Errorf("%w: %v", ErrStore, err)
		}

		affected++
	}

	return affected, nil
}

func (m *Mongo) Delete(ctx context.Context, table string, filter Filter) (int64, error) {
	res, err := m.db.Collection(table).DeleteMany(ctx, mongoFilter(filter))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStore, err)
	}

	return res.DeletedCount, nil
}

func (m *Mongo) Ping(ctx context.Context) error {
	if err := m.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}

	return nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func mongoFilter(filter Filter) bson.M {
	match := bson.M{}

	for _, cond := range filter {
		switch cond.Op {
		case OpEq:
			match[cond.Column] = cond.Value
		case OpNotEq:
			match[cond.Column] = bson.M{"$ne": cond.Value}
		case OpIsNull:
			match[cond.Column] = nil
		case OpNotNull:
			match[cond.Column] = bson.M{"$ne": nil}
		}
	}

	return match
}
