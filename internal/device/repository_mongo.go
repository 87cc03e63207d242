package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoRepository implements Repository with one document per device.
// Relays are embedded in the device document, so a single document write
// replaces the whole record atomically.
type MongoRepository struct {
	coll *mongo.Collection
}

// NewMongoRepository creates a repository over coll.
func NewMongoRepository(coll *mongo.Collection) *MongoRepository {
	return &MongoRepository{coll: coll}
}

type deviceDoc struct {
	ID           string     `bson:"_id"`
	Class        string     `bson:"class"`
	Relays       []relayDoc `bson:"relays"`
	SimpleStatus bool       `bson:"simpleStatus"`
	Version      int64      `bson:"version"`
	CreatedAt    time.Time  `bson:"createdAt"`
	UpdatedAt    time.Time  `bson:"updatedAt"`
}

type relayDoc struct {
	RelayID     string `bson:"relayId"`
	Name        string `bson:"name"`
	ControlType string `bson:"controlType"`
	Value       int    `bson:"value"`
	SliderMax   int    `bson:"sliderMax"`
	OnCommand   string `bson:"onCommand,omitempty"`
	OffCommand  string `bson:"offCommand,omitempty"`
	Color       string `bson:"color,omitempty"`
}

func toDoc(rec *Record) deviceDoc {
	doc := deviceDoc{
		ID:           rec.ID,
		Class:        string(rec.Class),
		Relays:       make([]relayDoc, 0, len(rec.Relays)),
		SimpleStatus: rec.SimpleStatus,
		Version:      int64(rec.Version), //nolint:gosec // versions stay far below MaxInt64
		CreatedAt:    rec.CreatedAt.UTC(),
		UpdatedAt:    rec.UpdatedAt.UTC(),
	}
	for _, rl := range rec.Relays {
		doc.Relays = append(doc.Relays, relayDoc{
			RelayID:     string(rl.RelayID),
			Name:        rl.Name,
			ControlType: string(rl.ControlType),
			Value:       valueToInt(rl.Value),
			SliderMax:   rl.SliderMax,
			OnCommand:   rl.OnCommand,
			OffCommand:  rl.OffCommand,
			Color:       rl.Color,
		})
	}
	return doc
}

func (d deviceDoc) record() *Record {
	rec := &Record{
		ID:           d.ID,
		Class:        Class(d.Class),
		Relays:       make([]Relay, 0, len(d.Relays)),
		SimpleStatus: d.SimpleStatus,
		Version:      uint64(d.Version), //nolint:gosec // never negative
		CreatedAt:    d.CreatedAt.UTC(),
		UpdatedAt:    d.UpdatedAt.UTC(),
	}
	for _, r := range d.Relays {
		ct := ControlType(r.ControlType)
		rec.Relays = append(rec.Relays, Relay{
			RelayID:     RelayID(r.RelayID),
			Name:        r.Name,
			ControlType: ct,
			Value:       intToValue(ct, r.Value),
			SliderMax:   r.SliderMax,
			OnCommand:   r.OnCommand,
			OffCommand:  r.OffCommand,
			Color:       r.Color,
		})
	}
	return rec
}

// List returns every device ordered by creation time.
func (m *MongoRepository) List(ctx context.Context) ([]Record, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := m.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("finding devices: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []deviceDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding devices: %w", err)
	}

	records := make([]Record, 0, len(docs))
	for _, d := range docs {
		records = append(records, *d.record())
	}
	return records, nil
}

// Get returns one device document.
func (m *MongoRepository) Get(ctx context.Context, id string) (*Record, error) {
	var doc deviceDoc
	err := m.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("finding device: %w", err)
	}
	return doc.record(), nil
}

// Save inserts a new document when prevVersion is 0 and otherwise replaces
// the document only if its stored version still equals prevVersion.
func (m *MongoRepository) Save(ctx context.Context, rec *Record, prevVersion uint64) error {
	doc := toDoc(rec)

	if prevVersion == 0 {
		if _, err := m.coll.InsertOne(ctx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return fmt.Errorf("%w: %s already stored", ErrConflict, rec.ID)
			}
			return fmt.Errorf("inserting device: %w", err)
		}
		return nil
	}

	filter := bson.M{"_id": rec.ID, "version": int64(prevVersion)} //nolint:gosec // see toDoc
	res, err := m.coll.ReplaceOne(ctx, filter, doc)
	if err != nil {
		return fmt.Errorf("replacing device: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s is not at version %d", ErrConflict, rec.ID, prevVersion)
	}
	return nil
}

// Delete removes the document if its stored version equals version.
func (m *MongoRepository) Delete(ctx context.Context, id string, version uint64) error {
	res, err := m.coll.DeleteOne(ctx, bson.M{"_id": id, "version": int64(version)}) //nolint:gosec // see toDoc
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	if res.DeletedCount > 0 {
		return nil
	}

	n, err := m.coll.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("checking device: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return fmt.Errorf("%w: %s is not at version %d", ErrConflict, id, version)
}
