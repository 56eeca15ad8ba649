package store

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsoncodec"
	"go.mongodb.org/mongo-driver/bson/bsonrw"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fixzit/marketplace/src/offer-ranking/internal/model"
)

const opTimeout = 5 * time.Second

var decimalType = reflect.TypeOf(decimal.Decimal{})

// NewRegistry returns a BSON registry that stores decimal.Decimal values as
// their canonical string form so prices round-trip exactly.
func NewRegistry() *bsoncodec.Registry {
	reg := bson.NewRegistry()
	reg.RegisterTypeEncoder(decimalType, bsoncodec.ValueEncoderFunc(
		func(_ bsoncodec.EncodeContext, vw bsonrw.ValueWriter, val reflect.Value) error {
			if !val.IsValid() || val.Type() != decimalType {
				return bsoncodec.ValueEncoderError{Name: "DecimalEncodeValue", Types: []reflect.Type{decimalType}, Received: val}
			}
			return vw.WriteString(val.Interface().(decimal.Decimal).String())
		}))
	reg.RegisterTypeDecoder(decimalType, bsoncodec.ValueDecoderFunc(
		func(_ bsoncodec.DecodeContext, vr bsonrw.ValueReader, val reflect.Value) error {
			if !val.CanSet() || val.Type() != decimalType {
				return bsoncodec.ValueDecoderError{Name: "DecimalDecodeValue", Types: []reflect.Type{decimalType}, Received: val}
			}
			s, err := vr.ReadString()
			if err != nil {
				return err
			}
			d, err := decimal.NewFromString(s)
			if err != nil {
				return fmt.Errorf("decode decimal %q: %w", s, err)
			}
			val.Set(reflect.ValueOf(d))
			return nil
		}))
	return reg
}

type MongoStore struct {
	offers      *mongo.Collection
	sellers     *mongo.Collection
	snapshots   *mongo.Collection
	facts       *mongo.Collection
	actions     *mongo.Collection
	transitions *mongo.Collection
	appeals     *mongo.Collection
	winners     *mongo.Collection
}

// NewMongoStore expects a client created with NewRegistry.
func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	db := client.Database(dbName)
	return &MongoStore{
		offers:      db.Collection("offers"),
		sellers:     db.Collection("seller_accounts"),
		snapshots:   db.Collection("metric_snapshots"),
		facts:       db.Collection("behavioral_facts"),
		actions:     db.Collection("enforcement_actions"),
		transitions: db.Collection("status_transitions"),
		appeals:     db.Collection("appeals"),
		winners:     db.Collection("winner_records"),
	}
}

func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.offers.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "catalog_item_id", Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "seller_id", Value: 1}}},
	})
	if err != nil {
		return err
	}

	_, err = s.snapshots.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "seller_id", Value: 1}, {Key: "computed_at", Value: -1}},
	})
	if err != nil {
		return err
	}

	_, err = s.facts.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "seller_id", Value: 1}, {Key: "occurred_at", Value: 1}},
	})
	if err != nil {
		return err
	}

	_, err = s.actions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "seller_id", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		return err
	}

	_, err = s.transitions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "seller_id", Value: 1}, {Key: "at", Value: 1}},
	})
	if err != nil {
		return err
	}

	// One open appeal per enforcement action; decided appeals drop open_key.
	_, err = s.appeals.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "seller_id", Value: 1}, {Key: "submitted_at", Value: 1}}},
		{
			Keys: bson.D{{Key: "open_key", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"open_key": bson.M{"$exists": true}}),
		},
	})
	return err
}

// Offers

func (s *MongoStore) UpsertOffer(ctx context.Context, o model.Offer) (*model.Offer, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var prev model.Offer
	err := s.offers.FindOneAndReplace(ctx,
		bson.M{"_id": o.ID, "revision": bson.M{"$lt": o.Revision}}, o,
		options.FindOneAndReplace().SetReturnDocument(options.Before),
	).Decode(&prev)
	if err == nil {
		return &prev, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, err
	}
	// Either the offer is new or the stored revision is not older.
	if _, err := s.offers.InsertOne(ctx, o); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrStaleRevision
		}
		return nil, err
	}
	return nil, nil
}

func (s *MongoStore) GetOffer(ctx context.Context, offerID string) (model.Offer, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var o model.Offer
	if err := s.offers.FindOne(ctx, bson.M{"_id": offerID}).Decode(&o); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.Offer{}, ErrNotFound
		}
		return model.Offer{}, err
	}
	return o, nil
}

func (s *MongoStore) DeleteOffer(ctx context.Context, offerID string) (model.Offer, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var o model.Offer
	if err := s.offers.FindOneAndDelete(ctx, bson.M{"_id": offerID}).Decode(&o); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.Offer{}, ErrNotFound
		}
		return model.Offer{}, err
	}
	return o, nil
}

func (s *MongoStore) ListOffersByItem(ctx context.Context, catalogItemID string) ([]model.Offer, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cur, err := s.offers.Find(ctx, bson.M{"catalog_item_id": catalogItemID},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []model.Offer
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) ListItemIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return distinctStrings(ctx, s.offers, "catalog_item_id", bson.M{})
}

func (s *MongoStore) ListItemIDsBySeller(ctx context.Context, sellerID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return distinctStrings(ctx, s.offers, "catalog_item_id", bson.M{"seller_id": sellerID})
}

func (s *MongoStore) MarkOfferRanking(ctx context.Context, offerID string, asOfRevision int64, eligible bool, score float64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := s.offers.UpdateOne(ctx,
		bson.M{"_id": offerID, "revision": asOfRevision},
		bson.M{"$set": bson.M{
			"ranking_eligible":       eligible,
			"ranking_score":          score,
			"ranking_as_of_revision": asOfRevision,
		}})
	return err
}

// Sellers

func (s *MongoStore) GetSellerAccount(ctx context.Context, sellerID string) (model.SellerAccount, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var a model.SellerAccount
	if err := s.sellers.FindOne(ctx, bson.M{"_id": sellerID}).Decode(&a); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.SellerAccount{}, ErrNotFound
		}
		return model.SellerAccount{}, err
	}
	return a, nil
}

func (s *MongoStore) SaveSellerAccount(ctx context.Context, acct model.SellerAccount, expectedVersion int64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return casReplace(ctx, s.sellers, acct.SellerID, acct, expectedVersion)
}

func (s *MongoStore) ListSellerIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return distinctStrings(ctx, s.sellers, "_id", bson.M{})
}

// Snapshots

func (s *MongoStore) AppendSnapshot(ctx context.Context, snap model.MetricSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return insert(ctx, s.snapshots, snap)
}

func (s *MongoStore) GetSnapshot(ctx context.Context, snapshotID string) (model.MetricSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var snap model.MetricSnapshot
	if err := s.snapshots.FindOne(ctx, bson.M{"_id": snapshotID}).Decode(&snap); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.MetricSnapshot{}, ErrNotFound
		}
		return model.MetricSnapshot{}, err
	}
	return snap, nil
}

func (s *MongoStore) LatestSnapshot(ctx context.Context, sellerID string) (model.MetricSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var snap model.MetricSnapshot
	err := s.snapshots.FindOne(ctx, bson.M{"seller_id": sellerID},
		options.FindOne().SetSort(bson.D{{Key: "computed_at", Value: -1}, {Key: "_id", Value: -1}}),
	).Decode(&snap)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.MetricSnapshot{}, ErrNotFound
		}
		return model.MetricSnapshot{}, err
	}
	return snap, nil
}

func (s *MongoStore) ListSnapshots(ctx context.Context, sellerID string, limit int) ([]model.MetricSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "computed_at", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.snapshots.Find(ctx, bson.M{"seller_id": sellerID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []model.MetricSnapshot
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Facts

func (s *MongoStore) SaveFact(ctx context.Context, f model.BehavioralFact) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := s.facts.InsertOne(ctx, f); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *MongoStore) ListFacts(ctx context.Context, sellerID string, from, to time.Time) ([]model.BehavioralFact, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	filter := bson.M{
		"seller_id":   sellerID,
		"occurred_at": bson.M{"$gt": from, "$lte": to},
	}
	cur, err := s.facts.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "occurred_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []model.BehavioralFact
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) ListFactSellerIDs(ctx context.Context, since time.Time) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return distinctStrings(ctx, s.facts, "seller_id", bson.M{"occurred_at": bson.M{"$gte": since}})
}

// Governance

func (s *MongoStore) AppendAction(ctx context.Context, a model.EnforcementAction) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return insert(ctx, s.actions, a)
}

func (s *MongoStore) GetAction(ctx context.Context, actionID string) (model.EnforcementAction, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var a model.EnforcementAction
	if err := s.actions.FindOne(ctx, bson.M{"_id": actionID}).Decode(&a); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.EnforcementAction{}, ErrNotFound
		}
		return model.EnforcementAction{}, err
	}
	return a, nil
}

func (s *MongoStore) ListActions(ctx context.Context, sellerID string) ([]model.EnforcementAction, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cur, err := s.actions.Find(ctx, bson.M{"seller_id": sellerID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []model.EnforcementAction
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) ReverseAction(ctx context.Context, actionID string, at time.Time, reason string) (model.EnforcementAction, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var a model.EnforcementAction
	err := s.actions.FindOneAndUpdate(ctx,
		bson.M{"_id": actionID, "reversed_at": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"reversed_at": at, "reversal_reason": reason}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&a)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return model.EnforcementAction{}, err
	}
	existing, getErr := s.GetAction(ctx, actionID)
	if getErr != nil {
		return model.EnforcementAction{}, getErr
	}
	return existing, ErrVersionConflict
}

func (s *MongoStore) AppendTransition(ctx context.Context, t model.StatusTransition) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return insert(ctx, s.transitions, t)
}

func (s *MongoStore) ListTransitions(ctx context.Context, sellerID string) ([]model.StatusTransition, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cur, err := s.transitions.Find(ctx, bson.M{"seller_id": sellerID},
		options.Find().SetSort(bson.D{{Key: "at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []model.StatusTransition
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) CreateAppeal(ctx context.Context, a model.Appeal) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return insert(ctx, s.appeals, a)
}

func (s *MongoStore) GetAppeal(ctx context.Context, appealID string) (model.Appeal, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var a model.Appeal
	if err := s.appeals.FindOne(ctx, bson.M{"_id": appealID}).Decode(&a); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.Appeal{}, ErrNotFound
		}
		return model.Appeal{}, err
	}
	return a, nil
}

func (s *MongoStore) UpdateAppeal(ctx context.Context, a model.Appeal, expected model.AppealStatus) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.appeals.ReplaceOne(ctx, bson.M{"_id": a.ID, "status": expected}, a)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return err
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetAppeal(ctx, a.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	return nil
}

func (s *MongoStore) ListAppeals(ctx context.Context, sellerID string) ([]model.Appeal, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cur, err := s.appeals.Find(ctx, bson.M{"seller_id": sellerID},
		options.Find().SetSort(bson.D{{Key: "submitted_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []model.Appeal
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Winners

func (s *MongoStore) GetWinner(ctx context.Context, catalogItemID string) (model.WinnerRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var rec model.WinnerRecord
	if err := s.winners.FindOne(ctx, bson.M{"_id": catalogItemID}).Decode(&rec); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.WinnerRecord{}, ErrNotFound
		}
		return model.WinnerRecord{}, err
	}
	return rec, nil
}

// SaveWinner replaces the whole document in one write, so readers never see
// a partially written record.
func (s *MongoStore) SaveWinner(ctx context.Context, rec model.WinnerRecord, expectedVersion int64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return casReplace(ctx, s.winners, rec.CatalogItemID, rec, expectedVersion)
}

func (s *MongoStore) Close() error { return nil }

// casReplace inserts doc when expectedVersion is 0 and otherwise replaces it
// only while the stored "version" field still equals expectedVersion.
func casReplace(ctx context.Context, coll *mongo.Collection, id string, doc any, expectedVersion int64) error {
	if expectedVersion == 0 {
		if _, err := coll.InsertOne(ctx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return ErrVersionConflict
			}
			return err
		}
		return nil
	}
	res, err := coll.ReplaceOne(ctx, bson.M{"_id": id, "version": expectedVersion}, doc)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrVersionConflict
	}
	return nil
}

func insert(ctx context.Context, coll *mongo.Collection, doc any) error {
	if _, err := coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func distinctStrings(ctx context.Context, coll *mongo.Collection, field string, filter bson.M) ([]string, error) {
	vals, err := coll.Distinct(ctx, field, filter)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out, nil
}
