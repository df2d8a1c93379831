package types

import (
	"fmt"
	"strings"
	"time"
)

type UserID string
type DeviceID string
type FileID string

// DeviceKey identifies one announcing device of one user ("userId:deviceId").
// Seeder entries are keyed by it so a user seeding from two devices holds two
// independent entries.
type DeviceKey string

func MakeDeviceKey(userID UserID, deviceID DeviceID) DeviceKey {
	return DeviceKey(string(userID) + ":" + string(deviceID))
}

func (k DeviceKey) Split() (UserID, DeviceID, error) {
	parts := strings.SplitN(string(k), ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed device key %q", string(k))
	}
	return UserID(parts[0]), DeviceID(parts[1]), nil
}

// SeederInfo is one announcing device and the chunks it currently offers.
type SeederInfo struct {
	UserID           UserID    `json:"user_id"`
	DeviceID         DeviceID  `json:"device_id"`
	ConnectionHandle string    `json:"connection_handle"`
	Chunks           ChunkSet  `json:"chunks"`
	LastSeen         time.Time `json:"last_seen"`
}

// FileInfo is the read-only snapshot of a file record returned by the
// registry. Everything in it is a copy; mutating it never touches registry
// state.
type FileInfo struct {
	FileID          FileID       `json:"file_id"`
	Checksum        string       `json:"checksum"`
	ChunkCount      int          `json:"chunk_count"`
	FileSize        int64        `json:"file_size"`
	MimeType        string       `json:"mime_type,omitempty"`
	Creator         UserID       `json:"creator"`
	AuthorizedUsers []UserID     `json:"authorized_users"`
	Seeders         []SeederInfo `json:"seeders"`
}

// HasUser reports membership in the snapshot's authorized set.
func (fi *FileInfo) HasUser(userID UserID) bool {
	for _, u := range fi.AuthorizedUsers {
		if u == userID {
			return true
		}
	}
	return false
}

type ShareAction string

const (
	ShareActionAdd    ShareAction = "add"
	ShareActionRevoke ShareAction = "revoke"
)

// AnnounceRequest registers (or refreshes) the caller as a seeder.
// ProposedAuthorizedUsers carries the caller's cached ACL so offline edits
// merge on reconnect.
type AnnounceRequest struct {
	UserID                  UserID   `json:"user_id"`
	DeviceID                DeviceID `json:"device_id"`
	ConnectionHandle        string   `json:"connection_handle"`
	FileID                  FileID   `json:"file_id"`
	Checksum                string   `json:"checksum"`
	ChunkCount              int      `json:"chunk_count"`
	FileSize                int64    `json:"file_size"`
	MimeType                string   `json:"mime_type,omitempty"`
	AvailableChunks         ChunkSet `json:"available_chunks"`
	ProposedAuthorizedUsers []UserID `json:"proposed_authorized_users,omitempty"`
}

type AnnounceResponse struct {
	AuthorizedUsers []UserID `json:"authorized_users"`
	SeederCount     int      `json:"seeder_count"`
	Truncated       bool     `json:"truncated,omitempty"`
}

type ShareRequest struct {
	RequesterID UserID      `json:"requester_id"`
	Action      ShareAction `json:"action"`
	TargetUsers []UserID    `json:"target_users"`
}

type ShareResponse struct {
	AuthorizedUsers []UserID `json:"authorized_users"`
	Truncated       bool     `json:"truncated,omitempty"`
}

// ShareUpdate is the trusted snapshot pushed to connected seeders over the
// signaling channel whenever a file's authorized set changes.
type ShareUpdate struct {
	FileID          FileID   `json:"file_id"`
	AuthorizedUsers []UserID `json:"authorized_users"`
}
