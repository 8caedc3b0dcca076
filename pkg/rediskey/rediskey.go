package rediskey

import "fmt"

// Settlement keys
const (
	SettlementLockPrefix = "settlement:lock"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildSettlementLockKey returns "settlement:lock:{checkpoint}"
func BuildSettlementLockKey(checkpoint string) string {
	return NamespaceKey(SettlementLockPrefix, checkpoint)
}
