// Package cache keeps short-lived results, such as the latest
// propagation of a frame folder, so they can be fetched again without
// rerunning the model.
package cache

import "time"

// Store holds JSON-serializable values for a limited time.
type Store interface {
	// Set stores value under key. A ttl <= 0 keeps the value until it is
	// overwritten.
	Set(key string, value interface{}, ttl time.Duration) error
	// Get decodes the value stored under key into value. It reports
	// false if nothing (or only an expired value) is stored.
	Get(key string, value interface{}) (bool, error)
	Delete(key string) error
}
