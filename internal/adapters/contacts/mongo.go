package contacts

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/callsignal/internal/config"
	"github.com/dkeye/callsignal/internal/domain"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	usersCollection = "users"
	usernameField   = "username"
	friendsField    = "friends"
)

type userDoc struct {
	Username string      `bson:"username"`
	Friends  []friendDoc `bson:"friends"`
}

type friendDoc struct {
	Username string `bson:"username"`
	Accepted bool   `bson:"accepted"`
}

// Mongo reads the friend list embedded in each user document.
type Mongo struct {
	client *mongo.Client
	users  *mongo.Collection
}

func OpenMongo(ctx context.Context, uri, db string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping: %w", err)
	}
	users := client.Database(db).Collection(usersCollection)
	_, err = users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: usernameField, Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("create index: %w", err)
	}
	log.Info().Str("module", "contacts.mongo").Str("db", db).Msg("contacts collection ready")
	return &Mongo{client: client, users: users}, nil
}

func (m *Mongo) AcceptedContacts(ctx context.Context, id domain.Identity) ([]domain.Identity, error) {
	var doc userDoc
	opts := options.FindOne().SetProjection(bson.D{{Key: friendsField, Value: 1}})
	err := m.users.FindOne(ctx, bson.D{{Key: usernameField, Value: string(id)}}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []domain.Identity
	for _, f := range doc.Friends {
		if f.Accepted {
			out = append(out, domain.Identity(f.Username))
		}
	}
	return out, nil
}

// Set replaces any existing relation owner -> contact, creating the owner
// document if needed.
func (m *Mongo) Set(ctx context.Context, owner, contact domain.Identity, accepted bool) error {
	filter := bson.D{{Key: usernameField, Value: string(owner)}}
	upsert := options.Update().SetUpsert(true)
	pull := bson.D{{Key: "$pull", Value: bson.D{{Key: friendsField, Value: bson.D{{Key: usernameField, Value: string(contact)}}}}}}
	if _, err := m.users.UpdateOne(ctx, filter, pull, upsert); err != nil {
		return err
	}
	push := bson.D{{Key: "$push", Value: bson.D{{Key: friendsField, Value: friendDoc{Username: string(contact), Accepted: accepted}}}}}
	_, err := m.users.UpdateOne(ctx, filter, push)
	return err
}

func (m *Mongo) Seed(ctx context.Context, edges []config.SeedEdge) error {
	for _, e := range edges {
		owner, contact, err := edgeIdentities(e)
		if err != nil {
			return err
		}
		if err := m.Set(ctx, owner, contact, e.Accepted); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mongo) Close(ctx context.Context) error { return m.client.Disconnect(ctx) }
