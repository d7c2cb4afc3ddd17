package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"

	pr "github.com/unkn0wn-root/threadcache/provider"
)

// Valkey stores frames as binary strings in a Valkey server.
type Valkey struct {
	client valkey.Client
}

var _ pr.Provider = (*Valkey)(nil)

type Config struct {
	Address    string
	TLSEnabled bool
}

// New dials a Valkey client for the given address.
func New(cfg Config) (*Valkey, error) {
	var tlsConfig *tls.Config // nil by default
	if cfg.TLSEnabled {
		tlsConfig = &tls.Config{}
	}
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{cfg.Address},
		TLSConfig:   tlsConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}
	return &Valkey{client: client}, nil
}

// NewWithClient wraps an existing client. Close will close it.
func NewWithClient(c valkey.Client) *Valkey { return &Valkey{client: c} }

func (v *Valkey) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp := v.client.Do(ctx, v.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to execute get command: %w", err)
	}
	b, err := resp.AsBytes()
	if err != nil {
		return nil, false, fmt.Errorf("failed to convert response to bytes: %w", err)
	}
	return b, true, nil
}

func (v *Valkey) Set(ctx context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	var err error
	if ttl > 0 {
		cmd := v.client.B().Set().Key(key).Value(valkey.BinaryString(value)).Ex(ttl).Build()
		err = v.client.Do(ctx, cmd).Error()
	} else {
		cmd := v.client.B().Set().Key(key).Value(valkey.BinaryString(value)).Build()
		err = v.client.Do(ctx, cmd).Error()
	}
	if err != nil {
		return false, fmt.Errorf("failed to set key: %w", err)
	}
	return true, nil
}

func (v *Valkey) Del(ctx context.Context, key string) error {
	if err := v.client.Do(ctx, v.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

func (v *Valkey) Close(_ context.Context) error {
	v.client.Close()
	return nil
}
