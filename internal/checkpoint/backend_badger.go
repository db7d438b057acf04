package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v3"
)

const badgerKeyPrefix = "slot:"

// BadgerBackend хранит записи слотов в BadgerDB рядом с файлами состояний
type BadgerBackend struct {
	db      *badger.DB
	game    string
	mutex   sync.RWMutex
	isReady bool
}

// NewBadgerBackend открывает базу по пути. Пустой путь означает базу в памяти.
func NewBadgerBackend(path, game string) (*BadgerBackend, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	opts.Logger = nil // Отключаем логирование BadgerDB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть BadgerDB: %w", err)
	}

	return &BadgerBackend{
		db:      db,
		game:    game,
		isReady: true,
	}, nil
}

func (b *BadgerBackend) key(slot int) []byte {
	return []byte(slotKey(badgerKeyPrefix, b.game, slot))
}

// Put сохраняет запись слота одной транзакцией
func (b *BadgerBackend) Put(ctx context.Context, rec SlotRecord) error {
	if err := validSlot(rec.Slot); err != nil {
		return err
	}
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	if !b.isReady {
		return fmt.Errorf("хранилище не готово")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ошибка сериализации слота: %w", err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(b.key(rec.Slot), data)
	})
	if err != nil {
		return fmt.Errorf("ошибка сохранения в BadgerDB: %w", err)
	}
	return nil
}

// Get читает запись слота
func (b *BadgerBackend) Get(ctx context.Context, slot int) (SlotRecord, bool, error) {
	var rec SlotRecord
	if err := validSlot(slot); err != nil {
		return rec, false, err
	}
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	if !b.isReady {
		return rec, false, fmt.Errorf("хранилище не готово")
	}

	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.key(slot))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, fmt.Errorf("ошибка чтения из BadgerDB: %w", err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, false, fmt.Errorf("ошибка десериализации слота: %w", err)
	}
	return rec, true, nil
}

// Delete удаляет запись слота
func (b *BadgerBackend) Delete(ctx context.Context, slot int) error {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	if !b.isReady {
		return fmt.Errorf("хранилище не готово")
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(b.key(slot))
	})
}

// List перебирает все слоты игры
func (b *BadgerBackend) List(ctx context.Context) ([]SlotRecord, error) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	if !b.isReady {
		return nil, fmt.Errorf("хранилище не готово")
	}

	prefix := []byte(badgerKeyPrefix + b.game + ":")
	var out []SlotRecord
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec SlotRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("ошибка десериализации слота: %w", err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortRecords(out)
	return out, nil
}

// Close закрывает базу
func (b *BadgerBackend) Close() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.isReady {
		return nil
	}
	b.isReady = false
	return b.db.Close()
}
