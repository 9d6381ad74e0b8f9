package database

import "time"

// Session groups the files shared under one share code.
type Session struct {
	ID            string    `json:"id" bson:"_id"`
	ShareCode     string    `json:"shareCode" bson:"shareCode"`
	CreatedAt     time.Time `json:"createdAt" bson:"createdAt"`
	ExpiresAt     time.Time `json:"expiresAt" bson:"expiresAt"`
	DownloadCount int       `json:"downloadCount" bson:"downloadCount"`
	MaxDownloads  int       `json:"maxDownloads" bson:"maxDownloads"`
	FileIDs       []string  `json:"fileIds" bson:"fileIds"`
}

// Expired reports whether the session is past its expiry at t.
// A session is still live at exactly ExpiresAt.
func (s *Session) Expired(t time.Time) bool {
	return s.ExpiresAt.Before(t)
}

// FileRecord describes one uploaded file. StorageRef is opaque and only
// meaningful to the blob store that produced it.
type FileRecord struct {
	ID               string    `json:"id" bson:"_id"`
	SessionID        string    `json:"sessionId" bson:"sessionId"`
	Filename         string    `json:"filename" bson:"filename"`
	OriginalFilename string    `json:"originalFilename" bson:"originalFilename"`
	FileSize         int64     `json:"fileSize" bson:"fileSize"`
	MimeType         string    `json:"mimeType" bson:"mimeType"`
	Checksum         string    `json:"checksum" bson:"checksum"`
	StorageRef       string    `json:"storageRef" bson:"storageRef"`
	CreatedAt        time.Time `json:"createdAt" bson:"createdAt"`
}

// Stats holds aggregate statistics across all stored sessions.
type Stats struct {
	TotalSessions  int64
	ActiveSessions int64
	TotalFiles     int64
	TotalDownloads int64
	StorageUsed    int64
}
