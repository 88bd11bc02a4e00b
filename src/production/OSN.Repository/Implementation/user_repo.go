package implementation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	cache "github.com/opensensor-io/sensor-server/src/production/OSN.Cache"
	logger "github.com/opensensor-io/sensor-server/src/production/OSN.Logger"
	osnmodels "github.com/opensensor-io/sensor-server/src/production/OSN.Models"
	interfaces "github.com/opensensor-io/sensor-server/src/production/OSN.Repository/Interfaces"
)

const usersCollection = "Users"

type MongoUserRepository struct {
	coll   *mongo.Collection
	cache  *cache.Cache
	logger *logger.Logger
}

func NewMongoUserRepository(db *mongo.Database, c *cache.Cache, log *logger.Logger) *MongoUserRepository {
	return &MongoUserRepository{
		coll:   db.Collection(usersCollection),
		cache:  c,
		logger: log.WithComponent("user_repo"),
	}
}

// splitCompoundDeviceID unpacks the "id|name" form used when a key refers to
// another device rather than naming hardware directly.
func splitCompoundDeviceID(deviceID string) (string, string) {
	if i := strings.Index(deviceID, "|"); i >= 0 {
		return deviceID[:i], deviceID[i+1:]
	}
	return deviceID, ""
}

// keyPermitsDevice reports whether an api key grants read access to a device
// identity. Keys flagged private only match when the compound id carries
// their exact device name.
func keyPermitsDevice(k osnmodels.APIKey, rawID, name string) bool {
	if k.DeviceID != rawID {
		return false
	}
	return !k.PrivateData || k.DeviceName == name
}

// keysAllowPublicRead reports whether the keys registered for a device allow
// anonymous reads. A device nobody registered a key for is treated as public.
func keysAllowPublicRead(keys []osnmodels.APIKey) bool {
	for _, k := range keys {
		if k.PrivateData {
			return false
		}
	}
	return true
}

func (r *MongoUserRepository) ValidateAPIKey(ctx context.Context, apiKey, deviceID, deviceName string) (*osnmodels.User, error) {
	if apiKey == "" || deviceID == "" {
		return nil, interfaces.ErrInvalidAPIKey
	}

	elem := bson.D{
		{Key: "key", Value: apiKey},
		{Key: "device_id", Value: deviceID},
	}
	if deviceName != "" {
		elem = append(elem, bson.E{Key: "device_name", Value: deviceName})
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var user osnmodels.User
	err := r.coll.FindOne(ctx, bson.D{
		{Key: "api_keys", Value: bson.D{{Key: "$elemMatch", Value: elem}}},
	}).Decode(&user)
	if err == mongo.ErrNoDocuments {
		return nil, interfaces.ErrInvalidAPIKey
	}
	if err != nil {
		return nil, fmt.Errorf("failed to validate api key: %w", err)
	}
	return &user, nil
}

func (r *MongoUserRepository) GetOrCreateUser(ctx context.Context, userID string) (*osnmodels.User, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var user osnmodels.User
	err := r.coll.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: userID}},
		bson.D{{Key: "$setOnInsert", Value: bson.D{
			{Key: "api_keys", Value: bson.A{}},
			{Key: "collection_name", Value: ""},
		}}},
		opts,
	).Decode(&user)
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", userID, err)
	}
	return &user, nil
}

// AddAPIKey registers a key under the user, minting the key secret when the
// caller does not supply one. The (device_id, device_name) pair stays
// exclusive to one user; re-posting an existing key is a no-op.
func (r *MongoUserRepository) AddAPIKey(ctx context.Context, userID string, key osnmodels.APIKey) ([]osnmodels.APIKey, error) {
	if key.DeviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if key.Key == "" {
		key.Key = uuid.New().String()
	}

	user, err := r.GetOrCreateUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	// Device exclusivity check against every other user.
	count, err := r.coll.CountDocuments(ctx, bson.D{
		{Key: "_id", Value: bson.D{{Key: "$ne", Value: userID}}},
		{Key: "api_keys", Value: bson.D{{Key: "$elemMatch", Value: bson.D{
			{Key: "device_id", Value: key.DeviceID},
			{Key: "device_name", Value: key.DeviceName},
		}}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to check device ownership: %w", err)
	}
	if count > 0 {
		return nil, interfaces.ErrDeviceConflict
	}

	for _, existing := range user.APIKeys {
		if existing.Key == key.Key && existing.DeviceID == key.DeviceID && existing.DeviceName == key.DeviceName {
			return user.APIKeys, nil
		}
	}

	if _, err := r.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: userID}},
		bson.D{{Key: "$push", Value: bson.D{{Key: "api_keys", Value: key}}}},
	); err != nil {
		return nil, fmt.Errorf("failed to add api key: %w", err)
	}

	r.cache.Delete(ctx, "device_meta:"+key.DeviceID)
	return append(user.APIKeys, key), nil
}

type deviceChain struct {
	IDs  []string `json:"ids"`
	Name string   `json:"name"`
}

// ResolveDeviceChain expands a device id into every id registered under the
// same owner and display name, following compound "id|name" references. An
// id with no registered keys resolves to itself.
func (r *MongoUserRepository) ResolveDeviceChain(ctx context.Context, deviceID string) ([]string, string, error) {
	if deviceID == "" {
		return nil, "", fmt.Errorf("device id is required")
	}

	cacheKey := "device_meta:" + deviceID
	var cached deviceChain
	if r.cache.GetJSON(ctx, cacheKey, &cached) && len(cached.IDs) > 0 {
		return cached.IDs, cached.Name, nil
	}

	var ids []string
	seen := map[string]bool{}
	visited := map[string]bool{}
	_, name := splitCompoundDeviceID(deviceID)

	var walk func(id string) error
	walk = func(id string) error {
		if visited[id] {
			return nil
		}
		visited[id] = true

		rawID, refName := splitCompoundDeviceID(id)
		if name == "" {
			name = refName
		}
		if !seen[rawID] {
			seen[rawID] = true
			ids = append(ids, rawID)
		}

		findCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		var owner osnmodels.User
		err := r.coll.FindOne(findCtx, bson.D{
			{Key: "api_keys.device_id", Value: rawID},
		}).Decode(&owner)
		if err == mongo.ErrNoDocuments {
			// Dangling reference; keep the raw id in the chain.
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to resolve device %s: %w", rawID, err)
		}

		for _, k := range owner.APIKeys {
			if k.DeviceID == rawID && name == "" {
				name = k.DeviceName
			}
		}
		for _, k := range owner.APIKeys {
			if k.DeviceName == name {
				if err := walk(k.DeviceID); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := walk(deviceID); err != nil {
		return nil, "", err
	}

	r.cache.SetJSON(ctx, cacheKey, deviceChain{IDs: ids, Name: name}, cache.DeviceMetaTTL)
	return ids, name, nil
}

func (r *MongoUserRepository) UserOwnsDevice(ctx context.Context, userID, deviceID string) (bool, error) {
	rawID, name := splitCompoundDeviceID(deviceID)

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var user osnmodels.User
	err := r.coll.FindOne(ctx, bson.D{{Key: "_id", Value: userID}}).Decode(&user)
	if err == mongo.ErrNoDocuments {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check device ownership: %w", err)
	}

	for _, k := range user.APIKeys {
		if keyPermitsDevice(k, rawID, name) {
			return true, nil
		}
	}
	return false, nil
}

func (r *MongoUserRepository) DeviceIsPublic(ctx context.Context, deviceID string) (bool, error) {
	rawID, _ := splitCompoundDeviceID(deviceID)

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	cursor, err := r.coll.Find(ctx, bson.D{{Key: "api_keys.device_id", Value: rawID}})
	if err != nil {
		return false, fmt.Errorf("failed to look up device %s: %w", rawID, err)
	}
	defer cursor.Close(ctx)

	var registered []osnmodels.APIKey
	for cursor.Next(ctx) {
		var user osnmodels.User
		if err := cursor.Decode(&user); err != nil {
			return false, fmt.Errorf("failed to decode device owner: %w", err)
		}
		for _, k := range user.APIKeys {
			if k.DeviceID == rawID {
				registered = append(registered, k)
			}
		}
	}
	if err := cursor.Err(); err != nil {
		return false, err
	}
	return keysAllowPublicRead(registered), nil
}

// ResolveAPIKey maps a device API key to its owning user id, for callers
// authenticating with the X-API-Key header instead of a bearer token.
func (r *MongoUserRepository) ResolveAPIKey(ctx context.Context, apiKey string) (string, error) {
	if apiKey == "" {
		return "", interfaces.ErrInvalidAPIKey
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var user osnmodels.User
	err := r.coll.FindOne(ctx, bson.D{{Key: "api_keys.key", Value: apiKey}}).Decode(&user)
	if err == mongo.ErrNoDocuments {
		return "", interfaces.ErrInvalidAPIKey
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve api key: %w", err)
	}
	return user.ID, nil
}

func (r *MongoUserRepository) ListUserDevices(ctx context.Context, userID string) ([]osnmodels.APIKey, error) {
	user, err := r.GetOrCreateUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	devices := make([]osnmodels.APIKey, 0, len(user.APIKeys))
	seen := map[string]bool{}
	for _, k := range user.APIKeys {
		id := k.DeviceID + "|" + k.DeviceName
		if seen[id] {
			continue
		}
		seen[id] = true
		devices = append(devices, k)
	}
	return devices, nil
}

// ListPublicDevices returns every device whose keys opt in to data sharing.
// Key secrets are stripped from the listing.
func (r *MongoUserRepository) ListPublicDevices(ctx context.Context) ([]osnmodels.APIKey, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cursor, err := r.coll.Find(ctx, bson.D{{Key: "api_keys.private_data", Value: false}})
	if err != nil {
		return nil, fmt.Errorf("failed to list public devices: %w", err)
	}
	defer cursor.Close(ctx)

	var devices []osnmodels.APIKey
	seen := map[string]bool{}
	for cursor.Next(ctx) {
		var user osnmodels.User
		if err := cursor.Decode(&user); err != nil {
			return nil, fmt.Errorf("failed to decode user: %w", err)
		}
		for _, k := range user.APIKeys {
			if k.PrivateData {
				continue
			}
			id := k.DeviceID + "|" + k.DeviceName
			if seen[id] {
				continue
			}
			seen[id] = true
			k.Key = ""
			devices = append(devices, k)
		}
	}
	return devices, cursor.Err()
}

func (r *MongoUserRepository) AddCommand(ctx context.Context, userID string, cmd osnmodels.Command) error {
	if cmd.DeviceID == "" || cmd.Command == "" {
		return fmt.Errorf("device id and command are required")
	}

	owns, err := r.UserOwnsDevice(ctx, userID, cmd.DeviceID)
	if err != nil {
		return err
	}
	if !owns {
		return interfaces.ErrNotAuthorized
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if _, err := r.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: userID}},
		bson.D{{Key: "$push", Value: bson.D{{Key: "commands_issued", Value: cmd}}}},
	); err != nil {
		return fmt.Errorf("failed to queue command: %w", err)
	}
	return nil
}

// ConsumeCommand pops the oldest queued command for the device bound to the
// API key. A concurrent consumer may win the race; the loser sees ErrNoCommand.
func (r *MongoUserRepository) ConsumeCommand(ctx context.Context, apiKey, deviceID, deviceName string) (*osnmodels.Command, error) {
	user, err := r.ValidateAPIKey(ctx, apiKey, deviceID, deviceName)
	if err != nil {
		return nil, err
	}

	idx := -1
	for i, cmd := range user.CommandsIssued {
		if cmd.DeviceID == deviceID && (deviceName == "" || cmd.DeviceName == deviceName) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, interfaces.ErrNoCommand
	}
	cmd := user.CommandsIssued[idx]
	remaining := append(append([]osnmodels.Command{}, user.CommandsIssued[:idx]...), user.CommandsIssued[idx+1:]...)

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if _, err := r.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: user.ID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "commands_issued", Value: remaining}}}},
	); err != nil {
		return nil, fmt.Errorf("failed to consume command: %w", err)
	}
	return &cmd, nil
}
