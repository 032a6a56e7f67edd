// Package mongo persists playback bookmarks in MongoDB, upserted by a
// recording's stable identifier.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/caterpi11ar/rosbag-engine/internal/domain"
	"github.com/caterpi11ar/rosbag-engine/internal/domain/ports"
)

type bookmarkDoc struct {
	ID            string            `bson:"_id"`
	CurrentSec    int64             `bson:"currentSec"`
	CurrentNsec   uint32            `bson:"currentNsec"`
	Subscriptions map[string]string `bson:"subscriptions"`
	Speed         float64           `bson:"speed"`
	UpdatedAt     int64             `bson:"updatedAt"`
}

// BookmarkRepository is a ports.BookmarkRepository backed by a single
// MongoDB collection, one document per recording identifier.
type BookmarkRepository struct {
	collection *mongo.Collection
}

var _ ports.BookmarkRepository = (*BookmarkRepository)(nil)

// NewBookmarkRepository wraps an already-connected client's collection.
func NewBookmarkRepository(client *mongo.Client, dbName string) *BookmarkRepository {
	return &BookmarkRepository{collection: client.Database(dbName).Collection("playback_bookmarks")}
}

// Connect dials a MongoDB deployment, applying any extra client options
// (a caller typically supplies an otelmongo monitor here).
func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	return mongo.Connect(ctx, opts...)
}

func (r *BookmarkRepository) Upsert(ctx context.Context, b ports.Bookmark) error {
	subs := make(map[string]string, len(b.Subscriptions))
	for topic, policy := range b.Subscriptions {
		subs[topic] = string(policy)
	}
	update := bson.M{
		"$set": bson.M{
			"currentSec":    b.CurrentTime.Sec,
			"currentNsec":   b.CurrentTime.Nsec,
			"subscriptions": subs,
			"speed":         b.Speed,
			"updatedAt":     time.Now().Unix(),
		},
	}
	_, err := r.collection.UpdateOne(
		ctx,
		bson.M{"_id": b.Identifier},
		update,
		options.Update().SetUpsert(true),
	)
	return err
}

func (r *BookmarkRepository) Get(ctx context.Context, identifier string) (ports.Bookmark, error) {
	var doc bookmarkDoc
	err := r.collection.FindOne(ctx, bson.M{"_id": identifier}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ports.Bookmark{}, domain.ErrNotFound
		}
		return ports.Bookmark{}, err
	}
	return bookmarkDocToBookmark(doc), nil
}

func bookmarkDocToBookmark(doc bookmarkDoc) ports.Bookmark {
	subs := make(domain.Subscriptions, len(doc.Subscriptions))
	for topic, policy := range doc.Subscriptions {
		subs[topic] = domain.PreloadPolicy(policy)
	}
	return ports.Bookmark{
		Identifier:    doc.ID,
		CurrentTime:   domain.Time{Sec: doc.CurrentSec, Nsec: doc.CurrentNsec},
		Subscriptions: subs,
		Speed:         doc.Speed,
	}
}
