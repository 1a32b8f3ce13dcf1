package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"account_service/internal/config"
	"account_service/internal/models"
	"account_service/internal/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const usersCollection = "users"

type MongoRepo struct {
	client *mongo.Client
	users  *mongo.Collection
}

func New(ctx context.Context, cfg *config.Config) (*MongoRepo, error) {
	const op = "storage.mongo.New"

	client, err := mongo.Connect(options.Client().
		ApplyURI(cfg.Mongo.URI).
		SetConnectTimeout(5 * time.Second).
		SetMaxPoolSize(10))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to connect: %w", op, err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("%s: failed to ping database: %w", op, err)
	}

	repo := &MongoRepo{
		client: client,
		users:  client.Database(cfg.Mongo.Database).Collection(usersCollection),
	}

	if err := repo.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("%s: failed to create indexes: %w", op, err)
	}

	return repo, nil
}

func (r *MongoRepo) ensureIndexes(ctx context.Context) error {
	_, err := r.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})

	return err
}

func (r *MongoRepo) SaveUser(ctx context.Context, name, email string, passHash []byte) (models.User, error) {
	const op = "storage.mongo.SaveUser"

	now := time.Now().UTC()

	user := models.User{
		Name:            strings.TrimSpace(name),
		Email:           normalizeEmail(email),
		PassHash:        passHash,
		Role:            models.RoleUser,
		IsActive:        true,
		IsEmailVerified: false,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	res, err := r.users.InsertOne(ctx, user)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return models.User{}, storage.ErrUserExists
		}

		return models.User{}, fmt.Errorf("%s: failed to save user: %w", op, err)
	}

	user.ID = res.InsertedID.(bson.ObjectID)

	return user, nil
}

func (r *MongoRepo) UserByEmail(ctx context.Context, email string) (models.User, error) {
	return r.findOne(ctx, bson.M{"email": normalizeEmail(email)})
}

func (r *MongoRepo) UserByID(ctx context.Context, id string) (models.User, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return models.User{}, storage.ErrUserNotFound
	}

	return r.findOne(ctx, bson.M{"_id": oid})
}

// UserByResetToken resolves an account by the digest of a raw reset token.
// Expired tokens never match.
func (r *MongoRepo) UserByResetToken(ctx context.Context, tokenHash string) (models.User, error) {
	return r.findOne(ctx, bson.M{
		"reset_token_hash":   tokenHash,
		"reset_token_expire": bson.M{"$gt": time.Now().UTC()},
	})
}

func (r *MongoRepo) UserByVerificationToken(ctx context.Context, tokenHash string) (models.User, error) {
	return r.findOne(ctx, bson.M{
		"verify_token_hash":   tokenHash,
		"verify_token_expire": bson.M{"$gt": time.Now().UTC()},
	})
}

// UpdateRefreshToken stores the current refresh token; an empty value
// clears it.
func (r *MongoRepo) UpdateRefreshToken(ctx context.Context, userID string, refreshToken string) error {
	if refreshToken == "" {
		return r.update(ctx, userID,
			bson.M{},
			bson.M{"refresh_token": ""},
		)
	}

	return r.update(ctx, userID,
		bson.M{"refresh_token": refreshToken},
		bson.M{},
	)
}

func (r *MongoRepo) SetPasswordResetToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error {
	return r.update(ctx, userID,
		bson.M{"reset_token_hash": tokenHash, "reset_token_expire": expiresAt},
		bson.M{},
	)
}

func (r *MongoRepo) SetVerificationToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error {
	return r.update(ctx, userID,
		bson.M{"verify_token_hash": tokenHash, "verify_token_expire": expiresAt},
		bson.M{},
	)
}

// UpdatePassword replaces the password hash and consumes any outstanding
// reset token.
func (r *MongoRepo) UpdatePassword(ctx context.Context, userID string, passHash []byte) error {
	return r.update(ctx, userID,
		bson.M{"password_hash": passHash},
		bson.M{"reset_token_hash": "", "reset_token_expire": ""},
	)
}

// MarkEmailVerified sets the verified flag and consumes the verification
// token.
func (r *MongoRepo) MarkEmailVerified(ctx context.Context, userID string) error {
	return r.update(ctx, userID,
		bson.M{"is_email_verified": true},
		bson.M{"verify_token_hash": "", "verify_token_expire": ""},
	)
}

func (r *MongoRepo) Close(ctx context.Context) {
	_ = r.client.Disconnect(ctx)
}

func (r *MongoRepo) findOne(ctx context.Context, filter bson.M) (models.User, error) {
	var u models.User

	err := r.users.FindOne(ctx, filter).Decode(&u)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.User{}, storage.ErrUserNotFound
		}

		return models.User{}, err
	}

	return u, nil
}

func (r *MongoRepo) update(ctx context.Context, userID string, set, unset bson.M) error {
	oid, err := bson.ObjectIDFromHex(userID)
	if err != nil {
		return storage.ErrUserNotFound
	}

	set["updated_at"] = time.Now().UTC()

	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	res, err := r.users.UpdateOne(ctx, bson.M{"_id": oid}, update)
	if err != nil {
		return err
	}

	if res.MatchedCount == 0 {
		return storage.ErrUserNotFound
	}

	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
