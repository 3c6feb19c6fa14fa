// Package resumable remembers which restore steps of a backup already finished, so an
// interrupted package restore does not reinstall what it already installed.
package resumable

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"

	"github.com/breadbackup/bread-backup/pkg/common"
)

var bucketName = []byte("bread-backup")

const paramsKey = "params"

// State is backed by a bbolt file. A nil *State is valid and records nothing.
type State struct {
	stateFile string
	db        *bolt.DB
	params    map[string]interface{}
}

// NewState opens <stateDir>/<backupID>/<command>.state. When params differ from the ones
// stored by a previous run, the recorded progress is dropped. A state that can't be opened
// degrades to a no-op.
func NewState(stateDir, backupID, command string, params map[string]interface{}) *State {
	s := State{
		stateFile: filepath.Join(stateDir, backupID, fmt.Sprintf("%s.state", command)),
	}
	if err := os.MkdirAll(filepath.Dir(s.stateFile), 0o700); err != nil {
		log.Warn().Msgf("resumable state: can't create %s error: %v", filepath.Dir(s.stateFile), err)
		return &s
	}
	if db, err := bolt.Open(s.stateFile, 0o600, nil); err == nil {
		s.db = db
	} else {
		log.Warn().Msgf("resumable state: can't open %s error: %v", s.stateFile, err)
		return &s
	}
	s.ensureBucket()
	s.loadParams()
	s.CleanupStateIfParamsChange(params)
	return &s
}

func (s *State) GetParams() map[string]interface{} {
	return s.params
}

func (s *State) ensureBucket() {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketName); err != nil {
			return fmt.Errorf("resumable state: can't create bucket: %s", err)
		}
		return nil
	})
	if err != nil {
		log.Warn().Msgf("resumable state: %v", err)
	}
}

func (s *State) bucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	b := tx.Bucket(bucketName)
	if b == nil {
		return nil, fmt.Errorf("resumable state: bucket %s is missing in %s", bucketName, s.stateFile)
	}
	return b, nil
}

func (s *State) loadParams() {
	if err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		if params := b.Get([]byte(paramsKey)); params != nil {
			s.params = make(map[string]interface{})
			return json.Unmarshal(params, &s.params)
		}
		return nil
	}); err != nil {
		log.Warn().Msgf("resumable state: can't load params from %s, error: %v", s.stateFile, err)
	}
}

func (s *State) CleanupStateIfParamsChange(params map[string]interface{}) {
	if s.db == nil {
		return
	}
	needCleanup := false
	if s.params != nil && params == nil {
		needCleanup = true
	}
	if s.params != nil && params != nil && !common.CompareMaps(s.params, params) {
		needCleanup = true
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		if needCleanup {
			log.Info().Msgf("parameters changed old=%#v new=%#v, %s cleanup begin", s.params, params, s.stateFile)
			var keys [][]byte
			c := b.Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				keys = append(keys, append([]byte(nil), k...))
			}
			for _, k := range keys {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return s.saveParams(b, params)
	})
	if err != nil {
		log.Warn().Msgf("resumable state: can't update params in %s: %v", s.stateFile, err)
	}
}

func (s *State) saveParams(b *bolt.Bucket, params map[string]interface{}) error {
	if params != nil {
		s.params = params
	}
	if s.params == nil {
		return nil
	}
	paramsBytes, err := json.Marshal(s.params)
	if err != nil {
		return fmt.Errorf("can't json.Marshal(s.params=%#v): %w", s.params, err)
	}
	return b.Put([]byte(paramsKey), paramsBytes)
}

// AppendToState records key as done with an associated count.
func (s *State) AppendToState(key string, count int64) {
	if s == nil || s.db == nil {
		return
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		buf := make([]byte, binary.MaxVarintLen64)
		n := binary.PutVarint(buf, count)
		return b.Put([]byte(key), buf[:n])
	})
	if err != nil {
		log.Warn().Msgf("resumable state: can't write key %s to %s error: %v", key, s.stateFile, err)
	}
}

func (s *State) IsAlreadyProcessedBool(key string) bool {
	isProcessed, _ := s.IsAlreadyProcessed(key)
	return isProcessed
}

func (s *State) IsAlreadyProcessed(key string) (bool, int64) {
	if s == nil || s.db == nil || key == paramsKey {
		return false, 0
	}
	count := int64(0)
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		buf := b.Get([]byte(key))
		if buf == nil {
			return nil
		}
		n := 0
		count, n = binary.Varint(buf)
		if n == 0 {
			return fmt.Errorf("buffer too small")
		} else if n < 0 {
			return fmt.Errorf("value larger than 64 bits (overflow)")
		}
		found = true
		log.Info().Msgf("%s already processed", key)
		return nil
	})
	if err != nil {
		log.Warn().Msgf("resumable state: can't read key %s from %s error: %v", key, s.stateFile, err)
		return false, 0
	}
	return found, count
}

// Drop closes the state and removes its file, for use after a fully successful run.
func (s *State) Drop() {
	if s == nil {
		return
	}
	s.Close()
	if err := os.Remove(s.stateFile); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msgf("resumable state: can't remove %s", s.stateFile)
	}
	_ = os.Remove(filepath.Dir(s.stateFile))
}

func (s *State) Close() {
	if s == nil || s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		log.Warn().Err(err).Msgf("resumable state: can't close %s", s.stateFile)
	}
	s.db = nil
}
