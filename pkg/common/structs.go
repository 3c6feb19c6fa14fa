package common

const (
	// TimeFormat is used for human-readable tables
	TimeFormat = "2006-01-02 15:04:05"
)
