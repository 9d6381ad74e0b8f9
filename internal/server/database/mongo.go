package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	sessionsCollection = "sessions"
	filesCollection    = "files"
	codesCollection    = "share_codes"
)

// codeClaim reserves a share code for one session until it expires.
type codeClaim struct {
	Code      string    `bson:"_id"`
	SessionID string    `bson:"sessionId"`
	ExpiresAt time.Time `bson:"expiresAt"`
}

// MongoStore keeps sessions and file records as documents in MongoDB.
type MongoStore struct {
	client   *mongo.Client
	sessions *mongo.Collection
	files    *mongo.Collection
	codes    *mongo.Collection
}

// ConnectMongo connects to MongoDB, verifies the connection and ensures the
// indexes the lookups rely on.
func ConnectMongo(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	db := client.Database(dbName)
	s := &MongoStore{
		client:   client,
		sessions: db.Collection(sessionsCollection),
		files:    db.Collection(filesCollection),
		codes:    db.Collection(codesCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}

	slog.Info("connected to mongodb", "database", dbName)
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.sessions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "shareCode", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "expiresAt", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create session indexes: %w", err)
	}

	_, err = s.files.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "sessionId", Value: 1}, {Key: "createdAt", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create file indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Backend() string { return "mongo" }

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// CreateSession claims the share code, then inserts the session document.
//
// The claim is an upsert keyed by the code that only matches an expired
// claim. When a live claim exists the filter misses, the upsert collides on
// _id, and the duplicate key error means the code is taken.
func (s *MongoStore) CreateSession(ctx context.Context, session *Session) error {
	_, err := s.codes.UpdateOne(ctx,
		bson.M{"_id": session.ShareCode, "expiresAt": bson.M{"$lt": session.CreatedAt}},
		bson.M{"$set": bson.M{"sessionId": session.ID, "expiresAt": session.ExpiresAt}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrShareCodeTaken
		}
		return fmt.Errorf("failed to claim share code: %w", err)
	}

	doc := *session
	if doc.FileIDs == nil {
		doc.FileIDs = []string{}
	}
	if _, err := s.sessions.InsertOne(ctx, doc); err != nil {
		s.releaseCode(session.ShareCode, session.ID)
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *MongoStore) releaseCode(code, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.codes.DeleteOne(ctx, bson.M{"_id": code, "sessionId": sessionID}); err != nil {
		slog.Warn("failed to release share code", "share_code", code, "session_id", sessionID, "error", err)
	}
}

func (s *MongoStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var session Session
	if err := s.sessions.FindOne(ctx, bson.M{"_id": id}).Decode(&session); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &session, nil
}

func (s *MongoStore) GetSessionByCode(ctx context.Context, code string) (*Session, error) {
	var session Session
	err := s.sessions.FindOne(ctx,
		bson.M{"shareCode": code},
		options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}}),
	).Decode(&session)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &session, nil
}

func (s *MongoStore) UpdateSession(ctx context.Context, session *Session) error {
	res, err := s.sessions.UpdateOne(ctx,
		bson.M{"_id": session.ID},
		bson.M{"$set": bson.M{"expiresAt": session.ExpiresAt, "maxDownloads": session.MaxDownloads}},
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteSession only matches a session whose file list is empty. CreateFileRecord
// pushes the file id before inserting the record, so a concurrent upload
// either lands before the delete and blocks it, or finds the session gone.
func (s *MongoStore) DeleteSession(ctx context.Context, id string) error {
	var session Session
	err := s.sessions.FindOneAndDelete(ctx, bson.M{"_id": id, "fileIds": bson.M{"$size": 0}}).Decode(&session)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return s.deleteMissReason(ctx, id)
		}
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if _, err := s.codes.DeleteOne(ctx, bson.M{"_id": session.ShareCode, "sessionId": id}); err != nil {
		slog.Warn("failed to delete share code claim", "share_code", session.ShareCode, "error", err)
	}
	return nil
}

func (s *MongoStore) deleteMissReason(ctx context.Context, id string) error {
	n, err := s.sessions.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if n > 0 {
		return ErrSessionHasFiles
	}
	return ErrSessionNotFound
}

// IncrementDownloadCount uses $inc, which the server applies atomically.
func (s *MongoStore) IncrementDownloadCount(ctx context.Context, sessionID string) error {
	res, err := s.sessions.UpdateOne(ctx,
		bson.M{"_id": sessionID},
		bson.M{"$inc": bson.M{"downloadCount": 1}},
	)
	if err != nil {
		return fmt.Errorf("failed to increment download count: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *MongoStore) CreateFileRecord(ctx context.Context, record *FileRecord) error {
	res, err := s.sessions.UpdateOne(ctx,
		bson.M{"_id": record.SessionID},
		bson.M{"$push": bson.M{"fileIds": record.ID}},
	)
	if err != nil {
		return fmt.Errorf("failed to attach file to session: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrSessionNotFound
	}

	if _, err := s.files.InsertOne(ctx, record); err != nil {
		if _, pullErr := s.sessions.UpdateOne(context.Background(),
			bson.M{"_id": record.SessionID},
			bson.M{"$pull": bson.M{"fileIds": record.ID}},
		); pullErr != nil {
			slog.Warn("failed to detach file from session", "file_id", record.ID, "error", pullErr)
		}
		return fmt.Errorf("failed to create file record: %w", err)
	}
	return nil
}

func (s *MongoStore) GetFileRecord(ctx context.Context, id string) (*FileRecord, error) {
	var record FileRecord
	if err := s.files.FindOne(ctx, bson.M{"_id": id}).Decode(&record); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to get file record: %w", err)
	}
	return &record, nil
}

func (s *MongoStore) ListFilesForSession(ctx context.Context, sessionID string) ([]*FileRecord, error) {
	cursor, err := s.files.Find(ctx,
		bson.M{"sessionId": sessionID},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list session files: %w", err)
	}
	defer cursor.Close(ctx)

	var files []*FileRecord
	if err := cursor.All(ctx, &files); err != nil {
		return nil, fmt.Errorf("failed to decode session files: %w", err)
	}
	return files, nil
}

func (s *MongoStore) DeleteFileRecord(ctx context.Context, id string) error {
	var record FileRecord
	if err := s.files.FindOneAndDelete(ctx, bson.M{"_id": id}).Decode(&record); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ErrFileNotFound
		}
		return fmt.Errorf("failed to delete file record: %w", err)
	}
	if _, err := s.sessions.UpdateOne(ctx,
		bson.M{"_id": record.SessionID},
		bson.M{"$pull": bson.M{"fileIds": id}},
	); err != nil {
		return fmt.Errorf("failed to detach file from session: %w", err)
	}
	return nil
}

func (s *MongoStore) ListExpiredSessions(ctx context.Context, asOf time.Time) ([]*Session, error) {
	cursor, err := s.sessions.Find(ctx,
		bson.M{"expiresAt": bson.M{"$lt": asOf}},
		options.Find().SetSort(bson.D{{Key: "expiresAt", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired sessions: %w", err)
	}
	defer cursor.Close(ctx)

	var sessions []*Session
	if err := cursor.All(ctx, &sessions); err != nil {
		return nil, fmt.Errorf("failed to decode expired sessions: %w", err)
	}
	return sessions, nil
}

func (s *MongoStore) Stats(ctx context.Context, asOf time.Time) (*Stats, error) {
	stats := &Stats{}
	var err error

	if stats.TotalSessions, err = s.sessions.CountDocuments(ctx, bson.M{}); err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}
	if stats.ActiveSessions, err = s.sessions.CountDocuments(ctx, bson.M{"expiresAt": bson.M{"$gte": asOf}}); err != nil {
		return nil, fmt.Errorf("failed to count active sessions: %w", err)
	}
	if stats.TotalFiles, err = s.files.CountDocuments(ctx, bson.M{}); err != nil {
		return nil, fmt.Errorf("failed to count files: %w", err)
	}

	if stats.TotalDownloads, err = s.sum(ctx, s.sessions, bson.M{}, "$downloadCount"); err != nil {
		return nil, err
	}

	activeIDs, err := s.sessions.Distinct(ctx, "_id", bson.M{"expiresAt": bson.M{"$gte": asOf}})
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	if len(activeIDs) > 0 {
		if stats.StorageUsed, err = s.sum(ctx, s.files, bson.M{"sessionId": bson.M{"$in": activeIDs}}, "$fileSize"); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

func (s *MongoStore) sum(ctx context.Context, coll *mongo.Collection, match bson.M, field string) (int64, error) {
	cursor, err := coll.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: bson.M{"_id": nil, "total": bson.M{"$sum": field}}}},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to aggregate %s: %w", coll.Name(), err)
	}
	defer cursor.Close(ctx)

	var out []struct {
		Total int64 `bson:"total"`
	}
	if err := cursor.All(ctx, &out); err != nil {
		return 0, fmt.Errorf("failed to decode %s aggregate: %w", coll.Name(), err)
	}
	if len(out) == 0 {
		return 0, nil
	}
	return out[0].Total, nil
}
