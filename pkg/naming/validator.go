package naming

import (
	"errors"
	"time"

	record "github.com/libp2p/go-libp2p-record"
)

var ErrNoValidRecord = errors.New("no valid record")

// Validator checks name records stored under the Namespace prefix
type Validator struct {
	Now func() time.Time
}

var _ record.Validator = Validator{}

func (v Validator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Validate rejects records that are malformed, stored under another key,
// expired or not signed by their publisher
func (v Validator) Validate(key string, value []byte) error {
	rec, err := DecodeRecord(value)
	if err != nil {
		return err
	}
	if rec.Key != key {
		return ErrKeyMismatch
	}
	return rec.Verify(v.now())
}

// Select picks the valid record with the latest expiry
func (v Validator) Select(key string, values [][]byte) (int, error) {
	best := -1
	var bestExpires int64
	for i, value := range values {
		if err := v.Validate(key, value); err != nil {
			continue
		}
		rec, _ := DecodeRecord(value)
		if best == -1 || rec.Expires > bestExpires {
			best = i
			bestExpires = rec.Expires
		}
	}
	if best == -1 {
		return 0, ErrNoValidRecord
	}
	return best, nil
}
