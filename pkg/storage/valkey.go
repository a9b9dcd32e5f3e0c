package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/levenlabs/go-lflag"
	"github.com/valkey-io/valkey-go"
)

// ValkeyDatabase stores records as plain string keys in Valkey (or Redis).
// Keys never expire; a throttle record must outlive any cooldown.
type ValkeyDatabase struct {
	client valkey.Client
	addrs  []string
	prefix string
}

func configuredValkey() *ValkeyDatabase {
	addrs := lflag.String("valkey-addr", "127.0.0.1:6379", "Comma-delimited Valkey addresses")
	prefix := lflag.String("valkey-prefix", "growatt:", "Prefix for record keys stored in Valkey")

	v := &ValkeyDatabase{}

	lflag.Do(func() {
		for _, a := range strings.Split(*addrs, ",") {
			if a = strings.TrimSpace(a); a != "" {
				v.addrs = append(v.addrs, a)
			}
		}
		v.prefix = *prefix
	})

	return v
}

// NewValkeyDatabase wraps an existing client.
func NewValkeyDatabase(client valkey.Client, prefix string) *ValkeyDatabase {
	return &ValkeyDatabase{client: client, prefix: prefix}
}

// Init connects to the configured addresses.
func (v *ValkeyDatabase) Init() error {
	if len(v.addrs) == 0 {
		return errors.New("valkey-addr cannot be empty")
	}
	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: v.addrs})
	if err != nil {
		return fmt.Errorf("failed to create valkey client (%s): %w", strings.Join(v.addrs, ","), err)
	}
	v.client = client
	return nil
}

// GetRecord GETs the prefixed key.
func (v *ValkeyDatabase) GetRecord(ctx context.Context, key string) ([]byte, error) {
	resp := v.client.Do(ctx, v.client.B().Get().Key(v.prefix+key).Build())
	if err := resp.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	data, err := resp.AsBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	return data, nil
}

// SetRecord SETs the prefixed key without expiry.
func (v *ValkeyDatabase) SetRecord(ctx context.Context, key string, data []byte) error {
	err := v.client.Do(ctx, v.client.B().Set().
		Key(v.prefix+key).
		Value(valkey.BinaryString(data)).
		Build(),
	).Error()
	if err != nil {
		return fmt.Errorf("failed to set record: %w", err)
	}
	return nil
}

// Close closes the client.
func (v *ValkeyDatabase) Close() error {
	if v.client != nil {
		v.client.Close()
	}
	return nil
}
