// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package embeddings

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// CachedEmbedding is one cached vector, keyed by the hash of the text it
// was computed from. The cache is a side table, never authoritative: it
// can be deleted and will repopulate.
type CachedEmbedding struct {
	ContentHash string    `gorm:"primaryKey" json:"content_hash"`
	ModelName   string    `gorm:"not null" json:"model_name"`
	Dimensions  int       `gorm:"not null" json:"dimensions"`
	Vector      []byte    `gorm:"type:blob;not null" json:"-"`
	CreatedAt   time.Time `gorm:"not null" json:"created_at"`
}

// TableName specifies the table name for CachedEmbedding
func (CachedEmbedding) TableName() string {
	return "embeddings"
}

// Cache is the sqlite-backed embedding cache
type Cache struct {
	db *gorm.DB
}

// OpenCache opens (or creates) the cache database and runs migrations
func OpenCache(path string) (*Cache, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open embedding cache: %w", err)
	}
	if err := db.AutoMigrate(&CachedEmbedding{}); err != nil {
		return nil, fmt.Errorf("failed to migrate embedding cache: %w", err)
	}
	return &Cache{db: db}, nil
}

// Get returns the cached vector for a content hash under the given model,
// or nil when absent
func (c *Cache) Get(contentHash, modelName string) []float32 {
	var rec CachedEmbedding
	err := c.db.Where("content_hash = ? AND model_name = ?", contentHash, modelName).
		First(&rec).Error
	if err != nil {
		return nil
	}
	return blobToFloat32(rec.Vector)
}

// Put stores a vector for a content hash, replacing any prior entry
func (c *Cache) Put(contentHash, modelName string, vector []float32) error {
	rec := CachedEmbedding{
		ContentHash: contentHash,
		ModelName:   modelName,
		Dimensions:  len(vector),
		Vector:      float32ToBlob(vector),
		CreatedAt:   time.Now(),
	}
	return c.db.Save(&rec).Error
}

// Close closes the underlying database handle
func (c *Cache) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// float32ToBlob packs a vector as little-endian bytes
func float32ToBlob(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// blobToFloat32 unpacks a little-endian byte blob into a vector
func blobToFloat32(b []byte) []float32 {
	if len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
