// Package mongostore persists VIP entitlements and the subscription index in MongoDB.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/bezhas/vip/svc/vip"
)

const (
	EntitlementsCollection  = "vip_entitlements"
	SubscriptionsCollection = "vip_subscriptions"
)

// Store implements vip.Store.
type Store struct {
	entitlements  *mongo.Collection
	subscriptions *mongo.Collection
}

var _ vip.Store = (*Store)(nil)

// New returns a Store on db. Call EnsureIndexes once at startup.
func New(db *mongo.Database) *Store {
	if db == nil {
		panic("mongostore: database is required")
	}
	return &Store{
		entitlements:  db.Collection(EntitlementsCollection),
		subscriptions: db.Collection(SubscriptionsCollection),
	}
}

// EnsureIndexes creates the secondary indexes the queries rely on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	if _, err := s.subscriptions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "userId", Value: 1}},
	}); err != nil {
		return fmt.Errorf("create subscriptions userId index: %w", err)
	}
	if _, err := s.entitlements.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "endDate", Value: 1}},
	}); err != nil {
		return fmt.Errorf("create entitlements status index: %w", err)
	}
	return nil
}

func (s *Store) GetEntitlement(ctx context.Context, userID string) (vip.Entitlement, error) {
	var e vip.Entitlement
	err := s.entitlements.FindOne(ctx, bson.D{{Key: "_id", Value: userID}}).Decode(&e)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return vip.Entitlement{}, vip.ErrEntitlementNotFound
	}
	if err != nil {
		return vip.Entitlement{}, fmt.Errorf("find entitlement: %w", err)
	}
	return e, nil
}

// SaveEntitlement replaces the whole document in one write.
func (s *Store) SaveEntitlement(ctx context.Context, e vip.Entitlement) error {
	_, err := s.entitlements.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: e.UserID}},
		e,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("replace entitlement: %w", err)
	}
	return nil
}

func (s *Store) ExpireEntitlements(ctx context.Context, now time.Time, userIDs ...string) (int, error) {
	filter := bson.D{
		{Key: "status", Value: vip.StatusActive},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "endDate", Value: bson.D{{Key: "$lte", Value: now}}}},
			bson.D{{Key: "tier", Value: ""}},
		}},
	}
	if len(userIDs) > 0 {
		filter = append(filter, bson.E{Key: "_id", Value: bson.D{{Key: "$in", Value: userIDs}}})
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: vip.StatusExpired},
		{Key: "features", Value: vip.Flags{}},
		{Key: "updatedAt", Value: now},
	}}}

	res, err := s.entitlements.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("expire entitlements: %w", err)
	}
	return int(res.ModifiedCount), nil
}

func (s *Store) GetSubscriptionRecord(ctx context.Context, subscriptionID string) (vip.SubscriptionRecord, error) {
	var rec vip.SubscriptionRecord
	err := s.subscriptions.FindOne(ctx, bson.D{{Key: "_id", Value: subscriptionID}}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return vip.SubscriptionRecord{}, vip.ErrSubscriptionNotFound
	}
	if err != nil {
		return vip.SubscriptionRecord{}, fmt.Errorf("find subscription record: %w", err)
	}
	return rec, nil
}

func (s *Store) PutSubscriptionRecord(ctx context.Context, rec vip.SubscriptionRecord) error {
	_, err := s.subscriptions.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: rec.SubscriptionID}},
		rec,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("replace subscription record: %w", err)
	}
	return nil
}

func (s *Store) SubscriptionRecordsByUser(ctx context.Context, userID string) ([]vip.SubscriptionRecord, error) {
	cur, err := s.subscriptions.Find(ctx,
		bson.D{{Key: "userId", Value: userID}},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("find subscription records: %w", err)
	}

	var out []vip.SubscriptionRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode subscription records: %w", err)
	}
	return out, nil
}
