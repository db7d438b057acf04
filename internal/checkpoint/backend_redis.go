package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/go-redis/redis/v8"
)

// RedisConfig содержит настройки подключения к Redis
type RedisConfig struct {
	Addr      string // Адрес Redis сервера
	Password  string // Пароль (пустой если не требуется)
	DB        int    // Номер базы данных
	KeyPrefix string // Префикс для ключей
}

// DefaultRedisConfig возвращает конфигурацию по умолчанию
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:      "localhost:6379",
		KeyPrefix: "gotas:slot:",
	}
}

// RedisBackend хранит записи слотов в Redis, чтобы несколько контроллеров
// на одной машине видели общие слоты
type RedisBackend struct {
	client *redis.Client
	prefix string
	game   string
}

// NewRedisBackend подключается к Redis и проверяет соединение
func NewRedisBackend(ctx context.Context, config *RedisConfig, game string) (*RedisBackend, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("🔴 Connected to Redis at %s", config.Addr)
	return &RedisBackend{client: client, prefix: config.KeyPrefix, game: game}, nil
}

func (r *RedisBackend) key(slot int) string {
	return slotKey(r.prefix, r.game, slot)
}

// Put заменяет запись слота одной командой SET
func (r *RedisBackend) Put(ctx context.Context, rec SlotRecord) error {
	if err := validSlot(rec.Slot); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal slot: %w", err)
	}
	if err := r.client.Set(ctx, r.key(rec.Slot), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save slot %d: %w", rec.Slot, err)
	}
	return nil
}

// Get читает запись слота
func (r *RedisBackend) Get(ctx context.Context, slot int) (SlotRecord, bool, error) {
	var rec SlotRecord
	if err := validSlot(slot); err != nil {
		return rec, false, err
	}
	data, err := r.client.Get(ctx, r.key(slot)).Bytes()
	if errors.Is(err, redis.Nil) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, fmt.Errorf("failed to load slot %d: %w", slot, err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, false, fmt.Errorf("failed to unmarshal slot %d: %w", slot, err)
	}
	return rec, true, nil
}

// Delete удаляет запись слота
func (r *RedisBackend) Delete(ctx context.Context, slot int) error {
	return r.client.Del(ctx, r.key(slot)).Err()
}

// List читает все слоты игры одним MGET
func (r *RedisBackend) List(ctx context.Context) ([]SlotRecord, error) {
	keys := make([]string, 0, MaxSlot)
	for s := MinSlot; s <= MaxSlot; s++ {
		keys = append(keys, r.key(s))
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list slots: %w", err)
	}

	var out []SlotRecord
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec SlotRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal slot: %w", err)
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

// Close закрывает клиент
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
