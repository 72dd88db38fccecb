package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// KV is the subset of the etcd client used for overrides.
type KV interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error)
}

// Override is the stored form of a policy override.
type Override struct {
	Max           int64     `json:"max"`
	WindowSeconds int64     `json:"window_seconds"`
	Message       string    `json:"message"`
	Updated       time.Time `json:"updated"`
}

func (o Override) policy(name string) Policy {
	return Policy{
		Name:    name,
		Max:     o.Max,
		Window:  time.Duration(o.WindowSeconds) * time.Second,
		Message: o.Message,
	}
}

// EtcdSource reads and writes policy overrides under a key prefix.
type EtcdSource struct {
	kv     KV
	prefix string
}

func NewEtcdSource(kv KV, prefix string) *EtcdSource {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &EtcdSource{kv: kv, prefix: prefix}
}

func (s *EtcdSource) key(name string) string {
	return s.prefix + strings.ToUpper(name)
}

// Load returns every stored override. Entries that fail to parse or validate
// are returned in skipped rather than failing the whole load.
func (s *EtcdSource) Load(ctx context.Context) (policies []Policy, skipped []string, err error) {
	resp, err := s.kv.Get(ctx, s.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, nil, fmt.Errorf("list policy overrides: %w", err)
	}
	for _, kv := range resp.Kvs {
		name := strings.TrimPrefix(string(kv.Key), s.prefix)
		var o Override
		if err := json.Unmarshal(kv.Value, &o); err != nil {
			skipped = append(skipped, name)
			continue
		}
		p := o.policy(name)
		if err := p.Validate(); err != nil || !IsKnown(name) {
			skipped = append(skipped, name)
			continue
		}
		policies = append(policies, p)
	}
	return policies, skipped, nil
}

func (s *EtcdSource) Get(ctx context.Context, name string) (Policy, bool, error) {
	resp, err := s.kv.Get(ctx, s.key(name))
	if err != nil {
		return Policy{}, false, fmt.Errorf("get policy override %s: %w", name, err)
	}
	if len(resp.Kvs) == 0 {
		return Policy{}, false, nil
	}
	var o Override
	if err := json.Unmarshal(resp.Kvs[0].Value, &o); err != nil {
		return Policy{}, false, fmt.Errorf("parse policy override %s: %w", name, err)
	}
	return o.policy(strings.ToUpper(name)), true, nil
}

// Put stores an override after validating it.
func (s *EtcdSource) Put(ctx context.Context, p Policy, now time.Time) error {
	p.Name = strings.ToUpper(p.Name)
	if !IsKnown(p.Name) {
		return fmt.Errorf("%w: %q", ErrPolicyNotFound, p.Name)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(Override{
		Max:           p.Max,
		WindowSeconds: p.WindowSeconds(),
		Message:       p.Message,
		Updated:       now.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal policy override: %w", err)
	}
	if _, err := s.kv.Put(ctx, s.key(p.Name), string(data)); err != nil {
		return fmt.Errorf("store policy override %s: %w", p.Name, err)
	}
	return nil
}

func (s *EtcdSource) Delete(ctx context.Context, name string) (bool, error) {
	resp, err := s.kv.Delete(ctx, s.key(name))
	if err != nil {
		return false, fmt.Errorf("delete policy override %s: %w", name, err)
	}
	return resp.Deleted > 0, nil
}

// LoadTable builds the startup table: defaults first, then overrides.
func LoadTable(ctx context.Context, src *EtcdSource) (*Table, []string, error) {
	if src == nil {
		return DefaultTable(), nil, nil
	}
	overrides, skipped, err := src.Load(ctx)
	if err != nil {
		return nil, nil, err
	}
	t, err := NewTable(append(Defaults(), overrides...)...)
	if err != nil {
		return nil, nil, err
	}
	return t, skipped, nil
}
