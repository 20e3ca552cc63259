package repository

import (
	"encoding/binary"
	"encoding/json"
	"errors"

	"dpos-node/db"
	"dpos-node/models"
)

// ErrBlockNotFound is returned when no block matches the lookup
var ErrBlockNotFound = errors.New("block not found")

var (
	heightPrefix = []byte("h:") // h:<height be64> -> block json
	idPrefix     = []byte("i:") // i:<id> -> height be64
)

// It abstracts the storage layer from the chain state machine
type BlockRepositoryInterface interface {
	PutBlock(block *models.Block) error
	GetBlockByHeight(height uint64) (*models.Block, error)
	GetBlockByID(id string) (*models.Block, error)
	GetLastBlock() (*models.Block, error)
	GetBlocks(fromHeight uint64, limit int) ([]*models.Block, error)
	DeleteBlocksAbove(height uint64) error
}

// BlockRepository implements the BlockRepositoryInterface using LevelDB as the storage backend
type BlockRepository struct {
	db *db.LevelDB
}

// NewBlockRepository creates and returns a new BlockRepository instance
func NewBlockRepository(db *db.LevelDB) *BlockRepository {
	return &BlockRepository{db: db}
}

func heightKey(height uint64) []byte {
	key := make([]byte, len(heightPrefix)+8)
	copy(key, heightPrefix)
	binary.BigEndian.PutUint64(key[len(heightPrefix):], height)
	return key
}

func idKey(id string) []byte {
	return append(append([]byte{}, idPrefix...), id...)
}

// PutBlock stores a block under its height and indexes its id
func (r *BlockRepository) PutBlock(block *models.Block) error {
	data, err := json.Marshal(block)
	if err != nil {
		return err
	}
	hk := heightKey(block.Height)

	batch := r.db.NewBatch()
	batch.Put(hk, data)
	batch.Put(idKey(block.ID), hk[len(heightPrefix):])
	return r.db.Write(batch)
}

// GetBlockByHeight retrieves a block from LevelDB storage by its height
func (r *BlockRepository) GetBlockByHeight(height uint64) (*models.Block, error) {
	data, err := r.db.Get(heightKey(height))
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrBlockNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeBlock(data)
}

// GetBlockByID resolves the id index and loads the block
func (r *BlockRepository) GetBlockByID(id string) (*models.Block, error) {
	raw, err := r.db.Get(idKey(id))
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrBlockNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.GetBlockByHeight(binary.BigEndian.Uint64(raw))
}

// GetLastBlock returns the highest stored block
func (r *BlockRepository) GetLastBlock() (*models.Block, error) {
	iter := r.db.NewPrefixIterator(heightPrefix)
	defer iter.Release()

	if !iter.Last() {
		if err := iter.Error(); err != nil {
			return nil, err
		}
		return nil, ErrBlockNotFound
	}
	return decodeBlock(iter.Value())
}

// GetBlocks returns up to limit consecutive blocks starting at fromHeight
func (r *BlockRepository) GetBlocks(fromHeight uint64, limit int) ([]*models.Block, error) {
	if limit <= 0 {
		return nil, nil
	}
	iter := r.db.NewRangeIterator(heightKey(fromHeight), heightKey(fromHeight+uint64(limit)))
	defer iter.Release()

	blocks := make([]*models.Block, 0, limit)
	for iter.Next() {
		block, err := decodeBlock(iter.Value())
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, iter.Error()
}

// DeleteBlocksAbove removes every block with a height greater than height
func (r *BlockRepository) DeleteBlocksAbove(height uint64) error {
	iter := r.db.NewPrefixIterator(heightPrefix)
	defer iter.Release()

	batch := r.db.NewBatch()
	for ok := iter.Seek(heightKey(height + 1)); ok; ok = iter.Next() {
		block, err := decodeBlock(iter.Value())
		if err != nil {
			return err
		}
		batch.Delete(append([]byte{}, iter.Key()...))
		batch.Delete(idKey(block.ID))
	}
	if err := iter.Error(); err != nil {
		return err
	}
	return r.db.Write(batch)
}

func decodeBlock(data []byte) (*models.Block, error) {
	var block models.Block
	if err := json.Unmarshal(data, &block); err != nil {
		return nil, err
	}
	return &block, nil
}
