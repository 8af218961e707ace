package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"voxpipe/internal/docstore"
	"voxpipe/pkg/logger"
	"voxpipe/pkg/model"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

// messagePrefix addresses the matched message through array filters.
const messagePrefix = "contacts.$[].messages.$[m]."

// MongoStore reads and patches diary documents in a MongoDB collection.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	now    func() time.Time
}

func NewMongoStore(ctx context.Context, uri, database, collection string) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	logger.Info("MongoDB connection established",
		zap.String("database", database),
		zap.String("collection", collection))

	return &MongoStore{
		client: client,
		coll:   client.Database(database).Collection(collection),
		now:    time.Now,
	}, nil
}

// EnsureIndexes creates the indexes the status queries rely on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "transcription_status", Value: 1}}},
		{Keys: bson.D{{Key: "updated_at", Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "user_name", Value: 1}}},
		{Keys: bson.D{{Key: "contacts.messages.media_type", Value: 1}}},
	}
	if _, err := s.coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	logger.Info("MongoDB indexes ensured", zap.Int("count", len(indexes)))
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// idValues lists the representations an id may be stored under.
func idValues(id string) []any {
	values := []any{id}
	if oid, err := bson.ObjectIDFromHex(id); err == nil {
		values = append(values, oid)
	}
	return values
}

func idFilter(id string) bson.D {
	return bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: idValues(id)}}}}
}

func rawID(raw bson.Raw) string {
	v, err := raw.LookupErr("_id")
	if err != nil {
		return ""
	}
	if oid, ok := v.ObjectIDOK(); ok {
		return oid.Hex()
	}
	if str, ok := v.StringValueOK(); ok {
		return str
	}
	return v.String()
}

func statusValues(status model.MessageStatus) any {
	if status == model.MessageAbsent {
		return bson.D{{Key: "$in", Value: bson.A{nil, ""}}}
	}
	return string(status)
}

func buildMongoFilter(q docstore.Query) bson.D {
	filter := bson.D{}
	if len(q.Statuses) > 0 {
		values := bson.A{}
		for _, st := range q.Statuses {
			values = append(values, string(st))
			if st == model.ConversationPending {
				values = append(values, nil, "")
			}
		}
		filter = append(filter, bson.E{Key: "transcription_status", Value: bson.D{{Key: "$in", Value: values}}})
	}
	if len(q.IDs) > 0 {
		values := bson.A{}
		for _, id := range q.IDs {
			values = append(values, idValues(id)...)
		}
		filter = append(filter, bson.E{Key: "_id", Value: bson.D{{Key: "$in", Value: values}}})
	}
	if q.UserName != "" {
		filter = append(filter, bson.E{Key: "user_name", Value: q.UserName})
	}
	if !q.UpdatedBefore.IsZero() {
		filter = append(filter, bson.E{Key: "$or", Value: bson.A{
			bson.D{{Key: "updated_at", Value: bson.D{{Key: "$lt", Value: q.UpdatedBefore}}}},
			bson.D{{Key: "updated_at", Value: bson.D{{Key: "$exists", Value: false}}}},
		}})
	}
	switch {
	case q.MessageStatus != nil:
		filter = append(filter, bson.E{Key: "contacts.messages", Value: bson.D{{Key: "$elemMatch", Value: bson.D{
			{Key: "media_type", Value: model.MediaTypeAudio},
			{Key: "transcription_status", Value: statusValues(*q.MessageStatus)},
		}}}})
	case q.RequireAudio:
		filter = append(filter, bson.E{Key: "contacts.messages.media_type", Value: model.MediaTypeAudio})
	}
	return filter
}

func (s *MongoStore) FindConversationIDs(ctx context.Context, q docstore.Query) ([]string, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetProjection(bson.D{{Key: "_id", Value: 1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cursor, err := s.coll.Find(ctx, buildMongoFilter(q), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer cursor.Close(ctx)

	ids := []string{}
	for cursor.Next(ctx) {
		ids = append(ids, rawID(cursor.Current))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversations: %w", err)
	}
	return ids, nil
}

func (s *MongoStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	raw, err := s.coll.FindOne(ctx, idFilter(id)).Raw()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("conversation %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return decodeConversation(raw)
}

func decodeConversation(raw bson.Raw) (*model.Conversation, error) {
	dec := bson.NewDecoder(bson.NewDocumentReader(bytes.NewReader(raw)))
	// Message ids are ObjectIDs in documents written by the exporter.
	dec.ObjectIDAsHexString()

	var conv model.Conversation
	if err := dec.Decode(&conv); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", rawID(raw), err)
	}
	conv.ID = rawID(raw)
	return &conv, nil
}

// PutConversation upserts a whole document.
func (s *MongoStore) PutConversation(ctx context.Context, conv *model.Conversation) error {
	raw, err := bson.Marshal(conv)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", conv.ID, err)
	}
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("encode conversation %s: %w", conv.ID, err)
	}
	ids := idValues(conv.ID)
	doc["_id"] = ids[len(ids)-1]
	if conv.UpdatedAt == nil {
		doc["updated_at"] = s.now().UTC()
	}

	_, err = s.coll.ReplaceOne(ctx, idFilter(conv.ID), doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert conversation: %w", err)
	}
	return nil
}

func (s *MongoStore) UpdateConversation(ctx context.Context, id string, set docstore.Fields) error {
	fields := bson.D{}
	for k, v := range set {
		fields = append(fields, bson.E{Key: k, Value: v})
	}
	if _, ok := set[docstore.FieldUpdatedAt]; !ok {
		fields = append(fields, bson.E{Key: docstore.FieldUpdatedAt, Value: s.now().UTC()})
	}

	result, err := s.coll.UpdateOne(ctx, idFilter(id), bson.D{{Key: "$set", Value: fields}})
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("conversation %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *MongoStore) UpdateMessage(ctx context.Context, conversationID, messageID string, patch docstore.MessagePatch) error {
	msgIDs := idValues(messageID)
	match := bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: msgIDs}}}}
	if patch.Expect != nil {
		match = append(match, bson.E{Key: "transcription_status", Value: statusValues(*patch.Expect)})
	}
	filter := append(idFilter(conversationID),
		bson.E{Key: "contacts.messages", Value: bson.D{{Key: "$elemMatch", Value: match}}})

	set := bson.D{{Key: docstore.FieldUpdatedAt, Value: s.now().UTC()}}
	for k, v := range patch.Set {
		set = append(set, bson.E{Key: messagePrefix + k, Value: v})
	}
	update := bson.D{{Key: "$set", Value: set}}
	if len(patch.Unset) > 0 {
		unset := bson.D{}
		for _, k := range patch.Unset {
			unset = append(unset, bson.E{Key: messagePrefix + k, Value: ""})
		}
		update = append(update, bson.E{Key: "$unset", Value: unset})
	}

	opts := options.UpdateOne().SetArrayFilters([]any{
		bson.D{{Key: "m._id", Value: bson.D{{Key: "$in", Value: msgIDs}}}},
	})
	result, err := s.coll.UpdateOne(ctx, filter, update, opts)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	if result.MatchedCount > 0 {
		return nil
	}

	// Nothing matched: tell a vanished message from a lost guard.
	n, err := s.coll.CountDocuments(ctx, idFilter(conversationID))
	if err != nil {
		return fmt.Errorf("failed to check conversation: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("conversation %s: %w", conversationID, model.ErrNotFound)
	}
	n, err = s.coll.CountDocuments(ctx, append(idFilter(conversationID),
		bson.E{Key: "contacts.messages._id", Value: bson.D{{Key: "$in", Value: msgIDs}}}))
	if err != nil {
		return fmt.Errorf("failed to check message: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("message %s/%s: %w", conversationID, messageID, model.ErrNotFound)
	}
	return fmt.Errorf("message %s/%s: %w", conversationID, messageID, docstore.ErrConflict)
}

func (s *MongoStore) Stats(ctx context.Context) (docstore.Stats, error) {
	st := docstore.Stats{ByStatus: make(map[model.ConversationStatus]int)}

	cursor, err := s.coll.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$transcription_status"},
			{Key: "n", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	})
	if err != nil {
		return st, fmt.Errorf("failed to aggregate stats: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var row struct {
			Status *string `bson:"_id"`
			N      int     `bson:"n"`
		}
		if err := cursor.Decode(&row); err != nil {
			return st, fmt.Errorf("failed to decode stats: %w", err)
		}
		status := model.ConversationPending
		if row.Status != nil && *row.Status != "" {
			status = model.ConversationStatus(*row.Status)
		}
		st.ByStatus[status] += row.N
		st.Total += row.N
	}
	if err := cursor.Err(); err != nil {
		return st, fmt.Errorf("failed to iterate stats: %w", err)
	}

	withAudio, err := s.coll.CountDocuments(ctx, bson.D{{Key: "contacts.messages.media_type", Value: model.MediaTypeAudio}})
	if err != nil {
		return st, fmt.Errorf("failed to count audio conversations: %w", err)
	}
	st.WithAudio = int(withAudio)
	return st, nil
}
