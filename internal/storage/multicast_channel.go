package storage

import (
	"bytes"
	"context"
	"encoding/gob"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-applayer-device/internal/mac"
	"github.com/brocaar/lorawan"
)

const multicastChannelsKeyTempl = "lora:dev:%s:mc:channels"

// MulticastChannelStore persists the multicast channel table of a device.
// It implements mac.ChannelStore.
type MulticastChannelStore struct {
	devEUI lorawan.EUI64
}

// NewMulticastChannelStore returns the MulticastChannelStore for the given
// device.
func NewMulticastChannelStore(devEUI lorawan.EUI64) *MulticastChannelStore {
	return &MulticastChannelStore{
		devEUI: devEUI,
	}
}

// SaveMulticastChannels replaces the stored multicast channels. An empty
// slice removes the key.
func (s *MulticastChannelStore) SaveMulticastChannels(ctx context.Context, channels []mac.McChannelParams) error {
	key := GetRedisKey(multicastChannelsKeyTempl, s.devEUI)

	if len(channels) == 0 {
		if err := RedisClient().Del(ctx, key).Err(); err != nil {
			return errors.Wrap(err, "delete error")
		}
		return nil
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(channels); err != nil {
		return errors.Wrap(err, "gob encode error")
	}

	if err := RedisClient().Set(ctx, key, buf.Bytes(), 0).Err(); err != nil {
		return errors.Wrap(err, "set error")
	}

	log.WithFields(log.Fields{
		"dev_eui": s.devEUI,
		"count":   len(channels),
	}).Debug("storage: multicast channels saved")

	return nil
}

// GetMulticastChannels returns the stored multicast channels. When nothing
// is stored, an empty slice is returned.
func (s *MulticastChannelStore) GetMulticastChannels(ctx context.Context) ([]mac.McChannelParams, error) {
	key := GetRedisKey(multicastChannelsKeyTempl, s.devEUI)

	val, err := RedisClient().Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, errors.Wrap(err, "get error")
	}

	var channels []mac.McChannelParams
	if err := gob.NewDecoder(bytes.NewReader(val)).Decode(&channels); err != nil {
		return nil, errors.Wrap(err, "gob decode error")
	}

	return channels, nil
}
