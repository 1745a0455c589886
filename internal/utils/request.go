package utils

import "github.com/google/uuid"

// GenerateRequestID returns a random id used to correlate a cluster exchange in logs
func GenerateRequestID() string {
	return uuid.NewString()
}
