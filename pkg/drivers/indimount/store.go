package indimount

import (
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	bucket     = "mountgw"
	profileKey = "indimount_profile"
)

type store struct {
	db *bolt.DB
}

// NewStore opens the profile store and writes the default profile if none
// was saved yet.
func NewStore(db *bolt.DB) (*store, error) {
	st := store{db: db}

	if err := st.setDefaults(); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *store) setDefaults() error {
	if _, err := s.GetProfile(); err != nil {
		log.Infof("Setting default INDI mount profile")
		return s.SetProfile(defaultProfile)
	}
	return nil
}

// SetProfile saves the profile as JSON.
func (s *store) SetProfile(p Profile) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}

		value, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put([]byte(profileKey), value)
	})
}

func (s *store) GetProfile() (Profile, error) {
	var p Profile

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}

		value := b.Get([]byte(profileKey))
		if value == nil {
			return fmt.Errorf("key %s not found", profileKey)
		}

		return json.Unmarshal(value, &p)
	})

	return p.withDefaults(), err
}
