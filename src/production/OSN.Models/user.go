package osnmodels

// APIKey authorizes one physical device to write data. The (device_id, name)
// pair behind a key is exclusive to a single user.
type APIKey struct {
	Key         string `json:"key" bson:"key"`
	DeviceID    string `json:"device_id" bson:"device_id"`
	DeviceName  string `json:"device_name" bson:"device_name"`
	Description string `json:"description" bson:"description"`
	PrivateData bool   `json:"private_data" bson:"private_data"`
}

// Command is a queued instruction for a device, consumed on its next check-in.
type Command struct {
	DeviceID   string `json:"device_id" bson:"device_id"`
	DeviceName string `json:"device_name" bson:"device_name"`
	Command    string `json:"command" bson:"command"`
}

// User is keyed by the external-auth subject id.
type User struct {
	ID             string    `json:"id" bson:"_id"`
	APIKeys        []APIKey  `json:"api_keys" bson:"api_keys"`
	CommandsIssued []Command `json:"commands_issued,omitempty" bson:"commands_issued,omitempty"`
	CollectionName string    `json:"collection_name" bson:"collection_name"`
}

// Migration tracks the one-time legacy collection cutover. The complete flag
// switches the read path from the legacy collections to the unified one.
type Migration struct {
	MigrationName     string `bson:"migration_name"`
	MigrationComplete bool   `bson:"migration_complete"`
}
