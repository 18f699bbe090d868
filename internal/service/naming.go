package service

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"kiruna/internal/config"
	"kiruna/internal/constants"
)

// SpecHash identifies a service generation: the first 16 hex characters of
// SHA-1 over the serialized spec plus the daemon version. Hashing the parsed
// spec rather than manifest bytes makes the hash insensitive to formatting.
func SpecHash(spec *config.ServiceSpec, version string) string {
	data, err := json.Marshal(spec)
	if err != nil {
		// A ServiceSpec always marshals; this guards future field types.
		data = []byte(spec.Name + spec.Image + spec.Tag)
	}
	sum := sha1.Sum(append(data, []byte(version)...))
	return hex.EncodeToString(sum[:])[:constants.NameHashLength]
}

// ContainerName returns the canonical name for one replica:
// <service>-<hash16>__<index>_kir. The name alone identifies ownership,
// service, generation and replica index.
func ContainerName(spec *config.ServiceSpec, version string, index int) string {
	return fmt.Sprintf("%s-%s__%d%s", spec.Name, SpecHash(spec, version), index, constants.ContainerPostfix)
}

// IsOwned reports whether a container name was minted by this daemon.
func IsOwned(name string) bool {
	return strings.Contains(name, constants.ContainerPostfix)
}

// ParseDependency splits a dependency token into service name and link
// alias. The alias defaults to the service name.
func ParseDependency(token string) (name, alias string) {
	if i := strings.Index(token, ":"); i >= 0 {
		return token[:i], token[i+1:]
	}
	return token, token
}
