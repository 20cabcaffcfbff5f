package redis

import "strings"

// KeyBuilder names keys as namespace:entity:id. Namespace and entity are
// lowercased; ids are kept verbatim because message ids are case sensitive.
type KeyBuilder struct {
	namespace string
}

func NewKeyBuilder(namespace string) *KeyBuilder {
	return &KeyBuilder{namespace: strings.ToLower(namespace)}
}

func (kb *KeyBuilder) Build(entity string, ids ...string) string {
	parts := make([]string, 0, 2+len(ids))
	parts = append(parts, kb.namespace, strings.ToLower(entity))
	parts = append(parts, ids...)
	return strings.Join(parts, ":")
}

// Lock is the key guarding one conversation.
func (kb *KeyBuilder) Lock(conversation string) string {
	return kb.Build("lock", conversation)
}

// Message is the key remembering one processed inbound message.
func (kb *KeyBuilder) Message(conversation, messageID string) string {
	return kb.Build("msg", conversation, messageID)
}
