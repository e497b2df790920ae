package cache

import "fmt"

// Key prefixes for the control plane's two cache consumers: the Node
// Registry (C2) and the Settings facade (§6.3).
const (
	PrefixNode     = "node"
	PrefixSettings = "settings"
)

// NodeInfoKey addresses a single node's cached NodeInfo.
func NodeInfoKey(nodeName string) string {
	return fmt.Sprintf("%s:info:%s", PrefixNode, nodeName)
}

// AllNodesKey addresses the full node list snapshot.
func AllNodesKey() string {
	return fmt.Sprintf("%s:all", PrefixNode)
}

// NodePattern matches every node cache entry, for a full refresh wipe.
func NodePattern() string {
	return fmt.Sprintf("%s:*", PrefixNode)
}

// SettingsKey addresses the cached falcon-eye-config ConfigMap snapshot.
func SettingsKey() string {
	return fmt.Sprintf("%s:configmap", PrefixSettings)
}

// SettingsPattern matches every settings cache entry, invalidated on
// every PATCH /api/settings/.
func SettingsPattern() string {
	return fmt.Sprintf("%s:*", PrefixSettings)
}
