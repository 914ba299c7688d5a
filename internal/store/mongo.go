package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection names of the social backend's documents.
const (
	UsersCollection = "users"
	PostsCollection = "posts"
)

var (
	userProjection = bson.M{"username": 1, "profile_image": 1}
	postProjection = bson.M{"imageUrl": 1}
)

// MongoRecords reads users and posts from MongoDB by ObjectID.
type MongoRecords struct {
	client  *mongo.Client
	users   *mongo.Collection
	posts   *mongo.Collection
	timeout time.Duration
}

type userDoc struct {
	ID           primitive.ObjectID `bson:"_id"`
	Username     string             `bson:"username"`
	ProfileImage string             `bson:"profile_image"`
}

type postDoc struct {
	ID       primitive.ObjectID `bson:"_id"`
	ImageURL string             `bson:"imageUrl"`
}

// NewMongo connects to MongoDB and pings the primary.
func NewMongo(ctx context.Context, cfg Config) (*MongoRecords, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("store: mongo connect: %w", err)
	}

	pingCtx, cancel := withTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("store: mongo ping: %w", err)
	}

	db := client.Database(cfg.MongoDatabase)
	return &MongoRecords{
		client:  client,
		users:   db.Collection(UsersCollection),
		posts:   db.Collection(PostsCollection),
		timeout: cfg.LookupTimeout,
	}, nil
}

// FindUserByID returns the username and profile image of the user with the
// given hex ObjectID.
func (m *MongoRecords) FindUserByID(ctx context.Context, id string) (*UserRecord, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("%w: user %q", ErrInvalidID, id)
	}

	ctx, cancel := withTimeout(ctx, m.timeout)
	defer cancel()

	var doc userDoc
	opts := options.FindOne().SetProjection(userProjection)
	if err := m.users.FindOne(ctx, bson.M{"_id": oid}, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: find user %s: %w", id, err)
	}
	return &UserRecord{ID: doc.ID.Hex(), Username: doc.Username, ProfileImage: doc.ProfileImage}, nil
}

// FindPostByID returns the preview image of the post with the given hex
// ObjectID.
func (m *MongoRecords) FindPostByID(ctx context.Context, id string) (*PostRecord, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("%w: post %q", ErrInvalidID, id)
	}

	ctx, cancel := withTimeout(ctx, m.timeout)
	defer cancel()

	var doc postDoc
	opts := options.FindOne().SetProjection(postProjection)
	if err := m.posts.FindOne(ctx, bson.M{"_id": oid}, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: find post %s: %w", id, err)
	}
	return &PostRecord{ID: doc.ID.Hex(), ImageURL: doc.ImageURL}, nil
}

// Close disconnects from MongoDB.
func (m *MongoRecords) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
