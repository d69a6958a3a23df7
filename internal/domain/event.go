package domain

import "time"

// IngestedHour announces that one forecast hour reached the spatial store.
// It is the payload of the ingestion notification topic.
type IngestedHour struct {
	Instant    time.Time         `json:"instant"`
	Table      string            `json:"table"`
	Layers     map[string]string `json:"layers,omitempty"` // collection -> colorized file
	WindField  string            `json:"wind_field,omitempty"`
	Source     string            `json:"source"` // download URL or local grid path
	IngestedAt time.Time         `json:"ingested_at"`
}
