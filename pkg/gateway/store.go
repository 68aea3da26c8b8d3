package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	bucket         = "mountgw"
	descriptionKey = "gateway_description"
	uniqueIDKey    = "gateway_unique_id"
)

type Description struct {
	Name                string `json:"ServerName"`
	Manufacturer        string `json:"Manufacturer"`
	ManufacturerVersion string `json:"ManufacturerVersion"`
	Location            string `json:"Location"`
}

var defaultDescription = Description{
	Name:                "Mount Gateway",
	Manufacturer:        "Telescope Control Platform",
	ManufacturerVersion: "1.0",
	Location:            "Observatory",
}

type Store struct {
	db *bolt.DB
}

func NewStore(db *bolt.DB) (*Store, error) {
	st := Store{db: db}

	if err := st.setDefaults(); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) setDefaults() error {
	if _, err := s.Description(); err != nil {
		log.Infof("Setting default gateway description")
		if err := s.SetDescription(defaultDescription); err != nil {
			return err
		}
	}

	if _, err := s.UniqueID(); err != nil {
		id := uuid.NewString()
		log.Infof("Generated gateway unique id %s", id)
		if err := s.put(uniqueIDKey, []byte(id)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) put(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
}

func (s *Store) get(key string) ([]byte, error) {
	var value []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}

		v := b.Get([]byte(key))
		if v == nil {
			return fmt.Errorf("key %s not found", key)
		}
		value = append([]byte(nil), v...)
		return nil
	})
	return value, err
}

// SetDescription saves the gateway description as json.
func (s *Store) SetDescription(d Description) error {
	if d.Name == "" {
		return fmt.Errorf("server name cannot be empty")
	}
	value, _ := json.Marshal(d)
	return s.put(descriptionKey, value)
}

func (s *Store) Description() (Description, error) {
	var d Description
	value, err := s.get(descriptionKey)
	if err != nil {
		return d, err
	}
	return d, json.Unmarshal(value, &d)
}

// UniqueID identifies this gateway installation. It is generated once.
func (s *Store) UniqueID() (string, error) {
	value, err := s.get(uniqueIDKey)
	if err != nil {
		return "", err
	}
	return string(value), nil
}
