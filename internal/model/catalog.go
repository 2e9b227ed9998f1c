package model

// FileInfo represents one downloadable build of a branch for API responses
type FileInfo struct {
	Branch          string `json:"branch"`
	Version         string `json:"version"`
	DebURL          string `json:"debUrl"`
	ZipURL          string `json:"zipUrl"`
	DebSize         int64  `json:"debSize,omitempty"`
	ZipSize         int64  `json:"zipSize,omitempty"`
	DebEtag         string `json:"debEtag,omitempty"`
	ZipEtag         string `json:"zipEtag,omitempty"`
	LastUpdated     int64  `json:"lastUpdated,omitempty"` // unix millis
	HasReleaseNotes bool   `json:"hasReleaseNotes"`
}

// VersionInfo is the latest build of a branch as served by /api/latest
type VersionInfo struct {
	LatestVersion    string `json:"latest_version"`
	ImageURL         string `json:"image_url"`
	AppURL           string `json:"app_url"`
	ImageFingerprint string `json:"image_fingerprint,omitempty"`
	AppFingerprint   string `json:"app_fingerprint,omitempty"`
}
