package redis

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

const (
	defaultKeyPrefix = "usagesync"
	revisionSuffix   = ":rev"
)

var messageJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// changeMessage is published on the change channel after every write.
type changeMessage struct {
	Key      string `json:"key"`
	Revision string `json:"revision"`
}

func encodeChange(key, revision string) (string, error) {
	data, err := messageJSON.Marshal(changeMessage{Key: key, Revision: revision})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeChange(payload string) (changeMessage, error) {
	var msg changeMessage
	if err := messageJSON.UnmarshalFromString(payload, &msg); err != nil {
		return changeMessage{}, fmt.Errorf("failed to decode change message: %w", err)
	}
	if msg.Key == "" || msg.Revision == "" {
		return changeMessage{}, fmt.Errorf("incomplete change message: %q", payload)
	}
	return msg, nil
}

// keyspace builds the Redis key names for one prefix.
type keyspace struct {
	prefix string
}

func newKeyspace(prefix string) keyspace {
	prefix = strings.TrimSuffix(prefix, ":")
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return keyspace{prefix: prefix}
}

func (k keyspace) value(key string) string {
	return fmt.Sprintf("%s:kv:%s", k.prefix, key)
}

func (k keyspace) revision(key string) string {
	return k.value(key) + revisionSuffix
}

func (k keyspace) changes() string {
	return k.prefix + ":changes"
}

// revisionPattern matches every revision key in the keyspace.
func (k keyspace) revisionPattern() string {
	return k.prefix + ":kv:*" + revisionSuffix
}

// keyFromRevision recovers the logical key from a revision key name.
func (k keyspace) keyFromRevision(name string) (string, bool) {
	head := k.prefix + ":kv:"
	if !strings.HasPrefix(name, head) || !strings.HasSuffix(name, revisionSuffix) {
		return "", false
	}
	key := strings.TrimSuffix(strings.TrimPrefix(name, head), revisionSuffix)
	return key, key != ""
}
