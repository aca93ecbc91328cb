// Package mongo is the MongoDB profile store plugin. User profiles (with their
// embedded replica records and deletion markers) live in the users collection,
// patient links in patient_links, and conversations in conversations.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mhalden/replica-service/internal/config"
	"github.com/mhalden/replica-service/internal/model"
	registrystore "github.com/mhalden/replica-service/internal/registry/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "mongo",
		Loader: func(ctx context.Context) (registrystore.ProfileStore, error) {
			cfg := config.FromContext(ctx)
			opts := options.Client().ApplyURI(cfg.DBURL)
			if cfg.DBMaxOpenConns > 0 {
				opts.SetMaxPoolSize(uint64(cfg.DBMaxOpenConns))
			}
			if cfg.DBMaxIdleConns > 0 {
				opts.SetMinPoolSize(uint64(cfg.DBMaxIdleConns))
			}
			client, err := mongo.Connect(opts)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
			}
			if err := client.Ping(ctx, nil); err != nil {
				return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
			}

			store := &MongoStore{
				client: client,
				db:     client.Database(cfg.DBName),
			}
			if err := store.ensureIndexes(ctx); err != nil {
				return nil, err
			}
			return store, nil
		},
	})
}

// MongoStore implements registrystore.ProfileStore on MongoDB.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

func (s *MongoStore) users() *mongo.Collection         { return s.db.Collection("users") }
func (s *MongoStore) links() *mongo.Collection         { return s.db.Collection("patient_links") }
func (s *MongoStore) conversations() *mongo.Collection { return s.db.Collection("conversations") }

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.conversations().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "ownerUserId", Value: 1}, {Key: "replicaId", Value: 1}}},
		{Keys: bson.D{{Key: "ownerUserId", Value: 1}, {Key: "lastMessageAt", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create conversation indexes: %w", err)
	}
	_, err = s.links().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "caretakerId", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create patient link indexes: %w", err)
	}
	return nil
}

// --- MongoDB document types ---

type userDoc struct {
	ID              string                       `bson:"_id"`
	Email           string                       `bson:"email,omitempty"`
	Role            model.Role                   `bson:"role"`
	Replicas        []model.ReplicaRecord        `bson:"replicas"`
	DeletedReplicas []model.DeletedReplicaMarker `bson:"deletedReplicas"`
}

func (d userDoc) asProfile() *model.Profile {
	return &model.Profile{
		UserID:          d.ID,
		Email:           d.Email,
		Role:            d.Role,
		Replicas:        d.Replicas,
		DeletedReplicas: d.DeletedReplicas,
	}
}

type linkDoc struct {
	ID              string   `bson:"_id"`
	CaretakerID     string   `bson:"caretakerId"`
	AllowedReplicas []string `bson:"allowedReplicas"`
}

type convDoc struct {
	ID            string          `bson:"_id"`
	OwnerUserID   string          `bson:"ownerUserId"`
	ReplicaID     string          `bson:"replicaId"`
	Title         string          `bson:"title"`
	Messages      []model.Message `bson:"messages"`
	APISource     model.APISource `bson:"apiSource"`
	Active        bool            `bson:"active"`
	CreatedAt     time.Time       `bson:"createdAt"`
	LastMessageAt time.Time       `bson:"lastMessageAt"`
}

func (d convDoc) asRecord() (*model.ConversationRecord, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("malformed conversation id %q: %w", d.ID, err)
	}
	return &model.ConversationRecord{
		ID:            id,
		OwnerUserID:   d.OwnerUserID,
		ReplicaID:     d.ReplicaID,
		Title:         d.Title,
		Messages:      d.Messages,
		APISource:     d.APISource,
		Active:        d.Active,
		CreatedAt:     d.CreatedAt,
		LastMessageAt: d.LastMessageAt,
	}, nil
}

// --- Profiles ---

func (s *MongoStore) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	var doc userDoc
	err := s.users().FindOne(ctx, bson.M{"_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "profile", ID: userID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	return doc.asProfile(), nil
}

func (s *MongoStore) EnsureProfile(ctx context.Context, userID string, role model.Role) (*model.Profile, error) {
	update := bson.M{
		"$setOnInsert": bson.M{
			"role":            role,
			"replicas":        []model.ReplicaRecord{},
			"deletedReplicas": []model.DeletedReplicaMarker{},
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var doc userDoc
	if err := s.users().FindOneAndUpdate(ctx, bson.M{"_id": userID}, update, opts).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to ensure profile: %w", err)
	}
	return doc.asProfile(), nil
}

func (s *MongoStore) GetPatientLink(ctx context.Context, patientID string) (*model.PatientLink, error) {
	var doc linkDoc
	err := s.links().FindOne(ctx, bson.M{"_id": patientID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "patient link", ID: patientID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load patient link: %w", err)
	}
	return &model.PatientLink{
		PatientID:       doc.ID,
		CaretakerID:     doc.CaretakerID,
		AllowedReplicas: doc.AllowedReplicas,
	}, nil
}

func (s *MongoStore) SetPatientLink(ctx context.Context, link model.PatientLink) error {
	doc := linkDoc{ID: link.PatientID, CaretakerID: link.CaretakerID, AllowedReplicas: link.AllowedReplicas}
	opts := options.Replace().SetUpsert(true)
	if _, err := s.links().ReplaceOne(ctx, bson.M{"_id": link.PatientID}, doc, opts); err != nil {
		return fmt.Errorf("failed to save patient link: %w", err)
	}
	return nil
}

func (s *MongoStore) ListCaretakerIDs(ctx context.Context) ([]string, error) {
	opts := options.Find().SetProjection(bson.M{"_id": 1})
	cursor, err := s.users().Find(ctx, bson.M{"role": model.RoleCaretaker}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list caretakers: %w", err)
	}
	defer cursor.Close(ctx)

	var ids []string
	for cursor.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode caretaker id: %w", err)
		}
		ids = append(ids, doc.ID)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate caretakers: %w", err)
	}
	return ids, nil
}

// --- Replicas ---

func (s *MongoStore) ListReplicas(ctx context.Context, userID string) ([]model.ReplicaRecord, error) {
	profile, err := s.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	return profile.Replicas, nil
}

func (s *MongoStore) AddReplica(ctx context.Context, userID string, replica model.ReplicaRecord) error {
	result, err := s.users().UpdateOne(ctx,
		bson.M{"_id": userID, "replicas.id": bson.M{"$ne": replica.ID}},
		bson.M{"$push": bson.M{"replicas": replica}},
	)
	if err != nil {
		return fmt.Errorf("failed to add replica: %w", err)
	}
	if result.MatchedCount == 0 {
		// either the user is missing or the replica id already exists
		if _, err := s.GetProfile(ctx, userID); err != nil {
			return err
		}
		return &registrystore.ConflictError{Message: fmt.Sprintf("replica already exists: %s", replica.ID)}
	}
	return nil
}

func (s *MongoStore) RemoveReplica(ctx context.Context, userID string, replicaID string, deletedAt time.Time) error {
	result, err := s.users().UpdateOne(ctx,
		bson.M{"_id": userID, "replicas.id": replicaID},
		bson.M{"$pull": bson.M{"replicas": bson.M{"id": replicaID}}},
	)
	if err != nil {
		return fmt.Errorf("failed to remove replica: %w", err)
	}
	if result.MatchedCount == 0 {
		return &registrystore.NotFoundError{Resource: "replica", ID: replicaID}
	}

	// marker insert is guarded against duplicates by its own filter
	marker := model.DeletedReplicaMarker{ReplicaID: replicaID, DeletedAt: deletedAt}
	_, err = s.users().UpdateOne(ctx,
		bson.M{"_id": userID, "deletedReplicas.replicaId": bson.M{"$ne": replicaID}},
		bson.M{"$push": bson.M{"deletedReplicas": marker}},
	)
	if err != nil {
		return fmt.Errorf("failed to record deletion marker: %w", err)
	}
	return nil
}

func (s *MongoStore) AppendChunkRefs(ctx context.Context, userID string, replicaID string, refs []model.ChunkRef) error {
	if len(refs) == 0 {
		return nil
	}
	result, err := s.users().UpdateOne(ctx,
		bson.M{"_id": userID, "replicas.id": replicaID},
		bson.M{"$push": bson.M{"replicas.$.chunkRefs": bson.M{"$each": refs}}},
	)
	if err != nil {
		return fmt.Errorf("failed to append chunk refs: %w", err)
	}
	if result.MatchedCount == 0 {
		return &registrystore.NotFoundError{Resource: "replica", ID: replicaID}
	}
	return nil
}

func (s *MongoStore) ListDeletedMarkers(ctx context.Context, userID string) ([]model.DeletedReplicaMarker, error) {
	profile, err := s.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	return profile.DeletedReplicas, nil
}

func (s *MongoStore) ClearDeletedMarkers(ctx context.Context, userID string, replicaIDs []string) error {
	filter := bson.M{"_id": userID}
	update := bson.M{"$set": bson.M{"deletedReplicas": []model.DeletedReplicaMarker{}}}
	if len(replicaIDs) > 0 {
		update = bson.M{"$pull": bson.M{"deletedReplicas": bson.M{"replicaId": bson.M{"$in": replicaIDs}}}}
	}
	result, err := s.users().UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to clear deletion markers: %w", err)
	}
	if result.MatchedCount == 0 {
		return &registrystore.NotFoundError{Resource: "profile", ID: userID}
	}
	return nil
}

func (s *MongoStore) ReplaceReplicaState(ctx context.Context, userID string, replicas []model.ReplicaRecord, markers []model.DeletedReplicaMarker) error {
	if replicas == nil {
		replicas = []model.ReplicaRecord{}
	}
	if markers == nil {
		markers = []model.DeletedReplicaMarker{}
	}
	result, err := s.users().UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{"$set": bson.M{"replicas": replicas, "deletedReplicas": markers}},
	)
	if err != nil {
		return fmt.Errorf("failed to replace replica state: %w", err)
	}
	if result.MatchedCount == 0 {
		return &registrystore.NotFoundError{Resource: "profile", ID: userID}
	}
	return nil
}

// --- Conversations ---

func (s *MongoStore) FindConversation(ctx context.Context, ownerUserID string, replicaID string) (*model.ConversationRecord, error) {
	var doc convDoc
	err := s.conversations().FindOne(ctx,
		bson.M{"ownerUserId": ownerUserID, "replicaId": replicaID, "active": true},
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find conversation: %w", err)
	}
	return doc.asRecord()
}

func (s *MongoStore) GetConversation(ctx context.Context, ownerUserID string, conversationID uuid.UUID) (*model.ConversationRecord, error) {
	var doc convDoc
	err := s.conversations().FindOne(ctx,
		bson.M{"_id": conversationID.String(), "ownerUserId": ownerUserID},
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return doc.asRecord()
}

func (s *MongoStore) CreateConversation(ctx context.Context, conversation *model.ConversationRecord) error {
	doc := convDoc{
		ID:            conversation.ID.String(),
		OwnerUserID:   conversation.OwnerUserID,
		ReplicaID:     conversation.ReplicaID,
		Title:         conversation.Title,
		Messages:      conversation.Messages,
		APISource:     conversation.APISource,
		Active:        conversation.Active,
		CreatedAt:     conversation.CreatedAt,
		LastMessageAt: conversation.LastMessageAt,
	}
	if doc.Messages == nil {
		doc.Messages = []model.Message{}
	}
	if _, err := s.conversations().InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return &registrystore.ConflictError{Message: fmt.Sprintf("conversation already exists: %s", doc.ID)}
		}
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (s *MongoStore) AppendMessages(ctx context.Context, conversationID uuid.UUID, messages []model.Message, at time.Time) error {
	if len(messages) == 0 {
		return nil
	}
	result, err := s.conversations().UpdateOne(ctx,
		bson.M{"_id": conversationID.String()},
		bson.M{
			"$push": bson.M{"messages": bson.M{"$each": messages}},
			"$set":  bson.M{"lastMessageAt": at},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to append messages: %w", err)
	}
	if result.MatchedCount == 0 {
		return &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	return nil
}

func (s *MongoStore) ListConversations(ctx context.Context, ownerUserID string) ([]model.ConversationRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "lastMessageAt", Value: -1}})
	cursor, err := s.conversations().Find(ctx, bson.M{"ownerUserId": ownerUserID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer cursor.Close(ctx)

	var records []model.ConversationRecord
	for cursor.Next(ctx) {
		var doc convDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode conversation: %w", err)
		}
		record, err := doc.asRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversations: %w", err)
	}
	return records, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
